package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/blufio/blufio/internal/channel/shell"
)

func newShellCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Talk to the agent from an interactive terminal session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShell(cmd.Context())
		},
	}
}

func runShell(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	adapter := shell.New(os.Stdin, os.Stdout)
	rt.channels.Register(adapter)
	if err := adapter.Start(ctx); err != nil {
		return err
	}
	defer adapter.Stop(context.Background())

	fmt.Printf("%s ready. Type a message, Ctrl-D to exit.\n", rt.cfg.Agent.Name)

	if err := rt.scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
