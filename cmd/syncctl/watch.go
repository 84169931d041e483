package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

var watchCommand = &cli.Command{
	Name:  "watch",
	Usage: "Stream daemon events until interrupted",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "namespace", Usage: "event kind prefix, e.g. sync. or store."},
	},
	Before: requiresDaemon,
	After:  closeDaemon,
	Action: cmdWatch,
}

func cmdWatch(ctx *cli.Context) error {
	sctx, stop := signal.NotifyContext(ctx.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	w, err := getClient(ctx).Watch(sctx, ctx.String("namespace"))
	if err != nil {
		return err
	}
	for {
		evt, err := w.Recv()
		if err != nil {
			if errors.Is(sctx.Err(), context.Canceled) || grpcstatus.Code(err) == codes.Canceled {
				return nil
			}
			return err
		}
		if ctx.Bool("json") {
			if err := outputJSON(evt); err != nil {
				return err
			}
			continue
		}
		fmt.Printf("%s  %-24s %v\n", evt.OccurredAt.Local().Format("15:04:05.000"), evt.Kind, evt.Payload)
	}
}
