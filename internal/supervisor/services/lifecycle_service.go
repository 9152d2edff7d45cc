// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

package services

import (
	"context"
	"fmt"
)

// StartStopper is a component with its own background goroutine:
// the WAL retry loop and compactor, and the Redis and NATS emit bridges.
// Start must return promptly and Stop must block until the goroutine exits.
type StartStopper interface {
	Start(ctx context.Context) error
	Stop()
	IsRunning() bool
}

// LifecycleService adapts a StartStopper to suture's Serve pattern.
type LifecycleService struct {
	component StartStopper
	name      string
}

// NewLifecycleService wraps component under name.
func NewLifecycleService(name string, component StartStopper) *LifecycleService {
	return &LifecycleService{component: component, name: name}
}

// NewWALRetryLoopService supervises the loop that replays pending WAL entries.
func NewWALRetryLoopService(retryLoop StartStopper) *LifecycleService {
	return NewLifecycleService("wal-retry-loop", retryLoop)
}

// NewWALCompactorService supervises WAL compaction.
func NewWALCompactorService(compactor StartStopper) *LifecycleService {
	return NewLifecycleService("wal-compactor", compactor)
}

// NewBridgeService supervises the subscription that feeds shared emits
// into the local hub.
func NewBridgeService(kind string, bridge StartStopper) *LifecycleService {
	return NewLifecycleService(kind+"-bridge", bridge)
}

// Serve implements suture.Service.
func (s *LifecycleService) Serve(ctx context.Context) error {
	if err := s.component.Start(ctx); err != nil {
		return fmt.Errorf("%s start failed: %w", s.name, err)
	}
	<-ctx.Done()
	s.component.Stop()
	return ctx.Err()
}

func (s *LifecycleService) String() string {
	return s.name
}
