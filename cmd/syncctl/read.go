package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/matheus3301/chatsync/internal/conversation"
	"github.com/urfave/cli/v2"
)

const defaultTimeout = 10 * time.Second

func requestContext(ctx *cli.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Context, ctx.Duration("timeout"))
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

var statusCommand = &cli.Command{
	Name:   "status",
	Usage:  "Show sync status",
	Before: requiresDaemon,
	After:  closeDaemon,
	Action: cmdStatus,
}

func cmdStatus(ctx *cli.Context) error {
	rctx, cancel := requestContext(ctx)
	defer cancel()
	st, err := getClient(ctx).Status(rctx)
	if err != nil {
		return err
	}
	if ctx.Bool("json") {
		return outputJSON(st)
	}
	fmt.Printf("Account:    %s\n", st.Account)
	fmt.Printf("State:      %s\n", st.State)
	fmt.Printf("Online:     %v\n", st.Online)
	fmt.Printf("Signed in:  %v (user %s)\n", st.SignedIn, st.UserID)
	fmt.Printf("Foreground: %v\n", st.Foreground)
	fmt.Printf("Unread:     %d\n", st.TotalUnread)
	fmt.Printf("Outbox:     %d\n", st.Outbox)
	fmt.Printf("Active:     %s\n", st.ActiveThread)
	fmt.Printf("Last poll:  %s\n", formatTime(st.LastPoll))
	return nil
}

var threadsCommand = &cli.Command{
	Name:   "threads",
	Usage:  "List conversation threads",
	Before: requiresDaemon,
	After:  closeDaemon,
	Action: cmdThreads,
}

func cmdThreads(ctx *cli.Context) error {
	rctx, cancel := requestContext(ctx)
	defer cancel()
	threads, err := getClient(ctx).Threads(rctx)
	if err != nil {
		return err
	}
	if ctx.Bool("json") {
		return outputJSON(threads)
	}
	if len(threads) == 0 {
		fmt.Println("No threads.")
		return nil
	}
	for _, t := range threads {
		title := t.Title
		if title == "" {
			title = strings.Join(t.Participants, ", ")
		}
		fmt.Printf("%-20s %-30s %3d unread  %s\n", t.ID, title, t.UnreadCount, formatTime(t.UpdatedAt))
	}
	return nil
}

var messagesCommand = &cli.Command{
	Name:      "messages",
	Usage:     "Show a thread's messages",
	ArgsUsage: "THREAD",
	Flags: []cli.Flag{
		&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Value: 50, Usage: "newest messages to show (0 for all)"},
	},
	Before: requiresDaemon,
	After:  closeDaemon,
	Action: cmdMessages,
}

func cmdMessages(ctx *cli.Context) error {
	if ctx.NArg() == 0 {
		return fmt.Errorf("you must specify a thread id")
	}
	rctx, cancel := requestContext(ctx)
	defer cancel()
	msgs, err := getClient(ctx).Messages(rctx, ctx.Args().First(), ctx.Int("limit"))
	if err != nil {
		return err
	}
	return printMessages(ctx, msgs)
}

var searchCommand = &cli.Command{
	Name:      "search",
	Usage:     "Search cached messages",
	ArgsUsage: "QUERY",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "thread", Aliases: []string{"t"}, Usage: "restrict to one thread"},
		&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Value: 50},
	},
	Before: requiresDaemon,
	After:  closeDaemon,
	Action: cmdSearch,
}

func cmdSearch(ctx *cli.Context) error {
	query := strings.Join(ctx.Args().Slice(), " ")
	if query == "" {
		return fmt.Errorf("you must specify a search query")
	}
	rctx, cancel := requestContext(ctx)
	defer cancel()
	msgs, err := getClient(ctx).Search(rctx, query, ctx.String("thread"), ctx.Int("limit"))
	if err != nil {
		return err
	}
	return printMessages(ctx, msgs)
}

func printMessages(ctx *cli.Context, msgs []conversation.Message) error {
	if ctx.Bool("json") {
		return outputJSON(msgs)
	}
	if len(msgs) == 0 {
		fmt.Println("No messages.")
		return nil
	}
	for _, m := range msgs {
		fmt.Printf("%s  %-12s %-9s %s\n", formatTime(m.CreatedAt), m.SenderID, m.Status, m.Body)
	}
	return nil
}
