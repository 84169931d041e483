package main

import (
	"fmt"

	"github.com/matheus3301/chatsync/internal/account"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/urfave/cli/v2"
)

type accountInfo struct {
	Name    string `json:"name"`
	Path    string `json:"path"`
	Default bool   `json:"default"`
	Running bool   `json:"running"`
	PID     int    `json:"pid,omitempty"`
}

var accountsCommand = &cli.Command{
	Name:   "accounts",
	Usage:  "List known accounts and whether their daemon is running",
	Action: cmdAccounts,
}

func cmdAccounts(ctx *cli.Context) error {
	names, err := account.List()
	if err != nil {
		return err
	}
	def := account.Resolve("")
	infos := make([]accountInfo, 0, len(names))
	for _, name := range names {
		pid, running, err := lock.Holder(account.Dir(name))
		if err != nil {
			return err
		}
		infos = append(infos, accountInfo{
			Name:    name,
			Path:    account.Dir(name),
			Default: name == def,
			Running: running,
			PID:     pid,
		})
	}
	if ctx.Bool("json") {
		return outputJSON(infos)
	}
	if len(infos) == 0 {
		fmt.Println("No accounts found.")
		return nil
	}
	for _, a := range infos {
		marker := " "
		if a.Default {
			marker = "*"
		}
		state := "stopped"
		if a.Running {
			state = fmt.Sprintf("running, pid %d", a.PID)
		}
		fmt.Printf("%s %-20s %s (%s)\n", marker, a.Name, a.Path, state)
	}
	return nil
}
