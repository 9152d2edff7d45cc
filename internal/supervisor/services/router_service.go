// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tomtom215/threadline/internal/logging"
)

// Runner is satisfied by *broker.Router.
type Runner interface {
	Run(ctx context.Context) error
	Close() error
}

// RouterFactory builds a router with its handlers registered. A watermill
// router cannot be run twice, so every restart gets a fresh one.
type RouterFactory func(ctx context.Context) (Runner, error)

// RouterService runs the dispatch router: one durable subscription per
// intent family, each feeding its dispatcher.
type RouterService struct {
	build           RouterFactory
	shutdownTimeout time.Duration
	name            string
}

func NewRouterService(build RouterFactory, shutdownTimeout time.Duration) *RouterService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = defaultShutdownTimeout
	}
	return &RouterService{build: build, shutdownTimeout: shutdownTimeout, name: "dispatch-router"}
}

// Serve implements suture.Service. A router that stops on its own is
// reported as an error so suture restarts it.
func (s *RouterService) Serve(ctx context.Context) error {
	router, err := s.build(ctx)
	if err != nil {
		return fmt.Errorf("build router: %w", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- router.Run(ctx) }()

	select {
	case err := <-errCh:
		_ = router.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			err = errors.New("router stopped")
		}
		return fmt.Errorf("dispatch router: %w", err)

	case <-ctx.Done():
		if err := router.Close(); err != nil {
			logging.Warn().Err(err).Msg("Router close failed")
		}
		select {
		case <-errCh:
		case <-time.After(s.shutdownTimeout):
			logging.Warn().Dur("timeout", s.shutdownTimeout).Msg("Router did not stop in time")
		}
		return ctx.Err()
	}
}

func (s *RouterService) String() string {
	return s.name
}
