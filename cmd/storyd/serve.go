package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Oudwins/storyd/internals/env"
	"github.com/Oudwins/storyd/storyd/core"
	"github.com/Oudwins/storyd/storyd/server"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, notification gateway and segment workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := root.config()
			if err != nil {
				return err
			}
			logger, logCloser := core.InitLogger(config)
			defer logCloser.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			base, err := core.Open(ctx, core.Options{
				Config: config,
				Env:    env.Get(),
				Logger: logger,
			})
			if err != nil {
				logger.Error("[storyd] Failed to initialize", slog.String("error", err.Error()))
				return err
			}
			defer base.Close()

			if err := server.New(base).Start(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}
}

