// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tomtom215/threadline/internal/logging"
	"github.com/tomtom215/threadline/internal/supervisor"
	"github.com/tomtom215/threadline/internal/websocket"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the websocket gateway",
	Long: `Run the gateway: the HTTP API, the /ws endpoint, the realtime hub and
the client event handlers. Client events are published as intents for the
dispatchers.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd.Context(), roleGateway)
	},
}

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Run the intent dispatchers and repair sweeps",
	Long: `Run the dispatchers: consume intents from JetStream, persist them with
their domain events and delivery rows, and fan the results out to the
realtime rooms through the redis or nats emitter.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd.Context(), roleDispatcher)
	},
}

var allCmd = &cobra.Command{
	Use:   "all",
	Short: "Run the gateway and the dispatchers in one process",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd.Context(), roleAll)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd, dispatchCmd, allCmd)
}

// run serves roles until SIGINT or SIGTERM.
func run(parent context.Context, roles role) error {
	if parent == nil {
		parent = context.Background()
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logging.Info().
		Str("roles", roles.String()).
		Str("instance", cfg.Server.InstanceID).
		Str("database", cfg.Database.Driver).
		Msg("Starting threadline")

	a, err := openApp(ctx, cfg, roles)
	if err != nil {
		return err
	}
	defer a.close()

	tree, err := supervisor.NewSupervisorTree(logging.NewSlogLogger(), supervisor.TreeConfig{
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})
	if err != nil {
		return err
	}

	var emitter websocket.Emitter
	if roles.has(roleGateway) {
		if emitter, err = addGateway(tree, a); err != nil {
			return err
		}
	}
	if roles.has(roleDispatcher) {
		if emitter == nil {
			if emitter, err = a.emitter(nil); err != nil {
				return err
			}
		}
		if err := addDispatcher(tree, a, emitter); err != nil {
			return err
		}
	}

	err = tree.Serve(ctx)
	logging.Info().Msg("Shutting down threadline")
	if report, reportErr := tree.UnstoppedServiceReport(); reportErr == nil && len(report) > 0 {
		for _, svc := range report {
			logging.Warn().Str("service", svc.Name).Msg("Service did not stop within timeout")
		}
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
