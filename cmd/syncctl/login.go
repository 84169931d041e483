package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/matheus3301/chatsync/internal/account"
	"github.com/matheus3301/chatsync/internal/authwatch"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/urfave/cli/v2"
)

// tokenPath returns the token file the daemon of this account watches.
func tokenPath(name string) (string, error) {
	cfg, err := config.LoadOrDefault(account.ConfigPath())
	if err != nil {
		return "", err
	}
	if p := cfg.SyncFor(name).TokenFile; p != "" {
		return p, nil
	}
	return account.TokenPath(name), nil
}

var loginCommand = &cli.Command{
	Name:      "login",
	Usage:     "Store an auth token; a running daemon signs in at once",
	ArgsUsage: "[TOKEN]",
	Before:    resolveAccount,
	Action:    cmdLogin,
}

func cmdLogin(ctx *cli.Context) error {
	token := ctx.Args().First()
	if token == "" {
		fmt.Fprint(os.Stderr, "Token: ")
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("read token: %w", err)
		}
		token = strings.TrimSpace(line)
	}
	if token == "" {
		return fmt.Errorf("empty token")
	}
	name := getAccount(ctx)
	if err := account.EnsureDir(name); err != nil {
		return err
	}
	path, err := tokenPath(name)
	if err != nil {
		return err
	}
	if err := authwatch.WriteToken(path, token); err != nil {
		return err
	}
	fmt.Printf("Token stored for account %q\n", name)
	return nil
}

var logoutCommand = &cli.Command{
	Name:   "logout",
	Usage:  "Remove the auth token; a running daemon signs out and clears its cache",
	Before: resolveAccount,
	Action: func(ctx *cli.Context) error {
		name := getAccount(ctx)
		path, err := tokenPath(name)
		if err != nil {
			return err
		}
		if err := authwatch.WriteToken(path, ""); err != nil {
			return err
		}
		fmt.Printf("Signed out of account %q\n", name)
		return nil
	},
}
