// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"

	"github.com/tomtom215/threadline/internal/logging"
)

const (
	embeddedReadyTimeout = 30 * time.Second

	// Intents are small; the limit only has to fit bulk deletes and
	// attachment lists.
	embeddedMaxPayload = 8 << 20
)

// EmbeddedServer is an in-process nats-server with JetStream, used by
// single-node deployments and broker tests.
type EmbeddedServer struct {
	ns *server.Server
}

// NewEmbeddedServer starts the server and blocks until it accepts
// connections. Port -1 picks a free port.
func NewEmbeddedServer(cfg *ServerConfig) (*EmbeddedServer, error) {
	if cfg.StoreDir == "" {
		return nil, errors.New("embedded NATS needs a JetStream store directory")
	}
	ns, err := server.NewServer(&server.Options{
		ServerName:         "threadline",
		Host:               cfg.Host,
		Port:               cfg.Port,
		JetStream:          true,
		StoreDir:           cfg.StoreDir,
		JetStreamMaxMemory: cfg.JetStreamMaxMem,
		JetStreamMaxStore:  cfg.JetStreamMaxStore,
		MaxPayload:         embeddedMaxPayload,
		NoLog:              true,
		NoSigs:             true,
	})
	if err != nil {
		return nil, fmt.Errorf("create NATS server: %w", err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(embeddedReadyTimeout) {
		ns.Shutdown()
		return nil, fmt.Errorf("NATS server not ready after %s", embeddedReadyTimeout)
	}

	logging.Debug().
		Str("url", ns.ClientURL()).
		Str("store_dir", cfg.StoreDir).
		Msg("Embedded NATS server ready")
	return &EmbeddedServer{ns: ns}, nil
}

// ClientURL is the URL publishers and subscribers connect to.
func (s *EmbeddedServer) ClientURL() string {
	return s.ns.ClientURL()
}

// Shutdown stops the server, waiting for JetStream to flush unless ctx ends
// first.
func (s *EmbeddedServer) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.ns.Shutdown()
		s.ns.WaitForShutdown()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("embedded NATS shutdown: %w", ctx.Err())
	}
}

func (s *EmbeddedServer) IsRunning() bool {
	return s.ns.Running()
}

func (s *EmbeddedServer) JetStreamEnabled() bool {
	return s.ns.JetStreamEnabled()
}
