package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/matheus3301/chatsync/internal/account"
	"github.com/matheus3301/chatsync/internal/api"
	"github.com/urfave/cli/v2"
	"google.golang.org/grpc"
)

type contextKey int

const (
	contextKeyAccount contextKey = iota
	contextKeyClient
)

func getAccount(ctx *cli.Context) string {
	return ctx.Context.Value(contextKeyAccount).(string)
}

func getClient(ctx *cli.Context) *api.Client {
	return ctx.Context.Value(contextKeyClient).(*api.Client)
}

var conn *grpc.ClientConn

func resolveAccount(ctx *cli.Context) error {
	name := account.Resolve(ctx.String("account"))
	if err := account.ValidateName(name); err != nil {
		return err
	}
	ctx.Context = context.WithValue(ctx.Context, contextKeyAccount, name)
	return nil
}

// requiresDaemon connects to the account's running daemon.
func requiresDaemon(ctx *cli.Context) error {
	if err := resolveAccount(ctx); err != nil {
		return err
	}
	name := getAccount(ctx)
	c, err := api.Dial(account.SocketPath(name))
	if err != nil {
		return fmt.Errorf("cannot connect to daemon for account %q: %w", name, err)
	}
	conn = c
	ctx.Context = context.WithValue(ctx.Context, contextKeyClient, api.NewClient(c))
	return nil
}

func closeDaemon(*cli.Context) error {
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	app := &cli.App{
		Name:  "syncctl",
		Usage: "Control a running chat sync daemon",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "account",
				Aliases: []string{"a"},
				Usage:   "account name (overrides config default)",
				EnvVars: []string{"CHATSYNC_ACCOUNT"},
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "output in JSON format",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "request timeout",
				Value: defaultTimeout,
			},
		},
		Commands: []*cli.Command{
			accountsCommand,
			statusCommand,
			threadsCommand,
			messagesCommand,
			searchCommand,
			sendCommand,
			retryCommand,
			typingCommand,
			readCommand,
			focusCommand,
			foregroundCommand,
			backgroundCommand,
			watchCommand,
			loginCommand,
			logoutCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
