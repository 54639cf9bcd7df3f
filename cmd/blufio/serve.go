package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/blufio/blufio/internal/channel/gateway"
	"github.com/blufio/blufio/internal/channel/telegram"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the Blufio daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	if rt.cfg.Channels.Telegram.Enabled {
		token, err := rt.resolveSecret(ctx, rt.cfg.Channels.Telegram.Token, "telegram_token")
		if err != nil {
			return err
		}
		rt.channels.Register(telegram.New(telegram.Config{Token: token, Logger: rt.logger}))
	}
	if rt.cfg.Channels.Gateway.Enabled {
		rt.channels.Register(gateway.New(gateway.Config{ListenAddr: rt.cfg.Channels.Gateway.ListenAddr, Logger: rt.logger}))
	}

	if err := rt.channels.StartAll(ctx); err != nil {
		return err
	}
	defer rt.channels.StopAll(context.Background())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rt.scheduler.Run(gctx) })
	if rt.heartbeat != nil {
		g.Go(func() error { return rt.heartbeat.Run(gctx) })
	}

	rt.logger.Info("blufio daemon running", "agent", rt.cfg.Agent.Name)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
