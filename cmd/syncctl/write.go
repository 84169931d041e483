package main

import (
	"fmt"
	"strings"

	"github.com/urfave/cli/v2"
)

var sendCommand = &cli.Command{
	Name:      "send",
	Usage:     "Send a message; it is queued when the daemon is offline",
	ArgsUsage: "THREAD TEXT...",
	Before:    requiresDaemon,
	After:     closeDaemon,
	Action:    cmdSend,
}

func cmdSend(ctx *cli.Context) error {
	if ctx.NArg() < 2 {
		return fmt.Errorf("usage: syncctl send THREAD TEXT")
	}
	threadID := ctx.Args().First()
	body := strings.Join(ctx.Args().Tail(), " ")

	rctx, cancel := requestContext(ctx)
	defer cancel()
	msg, err := getClient(ctx).Send(rctx, threadID, body)
	if err != nil {
		return err
	}
	if ctx.Bool("json") {
		return outputJSON(msg)
	}
	fmt.Printf("%s %s\n", msg.Status, msg.ID)
	return nil
}

var retryCommand = &cli.Command{
	Name:      "retry",
	Usage:     "Retry a message the server rejected",
	ArgsUsage: "CLIENT_MSG_ID",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "thread", Aliases: []string{"t"}},
	},
	Before: requiresDaemon,
	After:  closeDaemon,
	Action: cmdRetry,
}

func cmdRetry(ctx *cli.Context) error {
	if ctx.NArg() == 0 {
		return fmt.Errorf("you must specify a client message id")
	}
	rctx, cancel := requestContext(ctx)
	defer cancel()
	msg, err := getClient(ctx).Retry(rctx, ctx.String("thread"), ctx.Args().First())
	if err != nil {
		return err
	}
	if ctx.Bool("json") {
		return outputJSON(msg)
	}
	fmt.Printf("%s %s\n", msg.Status, msg.ID)
	return nil
}

var typingCommand = &cli.Command{
	Name:      "typing",
	Usage:     "Send a typing signal",
	ArgsUsage: "THREAD",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "stop", Usage: "signal that typing stopped"},
	},
	Before: requiresDaemon,
	After:  closeDaemon,
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() == 0 {
			return fmt.Errorf("you must specify a thread id")
		}
		rctx, cancel := requestContext(ctx)
		defer cancel()
		return getClient(ctx).Typing(rctx, ctx.Args().First(), !ctx.Bool("stop"))
	},
}

var readCommand = &cli.Command{
	Name:      "read",
	Usage:     "Mark a thread read",
	ArgsUsage: "THREAD",
	Before:    requiresDaemon,
	After:     closeDaemon,
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() == 0 {
			return fmt.Errorf("you must specify a thread id")
		}
		rctx, cancel := requestContext(ctx)
		defer cancel()
		return getClient(ctx).MarkRead(rctx, ctx.Args().First())
	},
}

var focusCommand = &cli.Command{
	Name:      "focus",
	Usage:     "Focus a thread; without an argument the focus is cleared",
	ArgsUsage: "[THREAD]",
	Before:    requiresDaemon,
	After:     closeDaemon,
	Action: func(ctx *cli.Context) error {
		rctx, cancel := requestContext(ctx)
		defer cancel()
		return getClient(ctx).Focus(rctx, ctx.Args().First())
	},
}

var foregroundCommand = &cli.Command{
	Name:   "foreground",
	Usage:  "Resume polling and realtime sync",
	Before: requiresDaemon,
	After:  closeDaemon,
	Action: func(ctx *cli.Context) error {
		rctx, cancel := requestContext(ctx)
		defer cancel()
		return getClient(ctx).SetForeground(rctx, true)
	},
}

var backgroundCommand = &cli.Command{
	Name:   "background",
	Usage:  "Stop polling; the realtime socket stays up",
	Before: requiresDaemon,
	After:  closeDaemon,
	Action: func(ctx *cli.Context) error {
		rctx, cancel := requestContext(ctx)
		defer cancel()
		return getClient(ctx).SetForeground(rctx, false)
	},
}
