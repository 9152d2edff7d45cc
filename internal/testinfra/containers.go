// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

//go:build integration

package testinfra

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
)

const dockerProbeTimeout = 5 * time.Second

// SkipIfNoDocker skips integration tests under -short or when testcontainers
// cannot reach a Docker daemon.
func SkipIfNoDocker(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test skipped in -short")
	}
	if !DockerAvailable() {
		t.Skip("Docker not available")
	}
}

// DockerAvailable asks the testcontainers provider for a daemon health check.
func DockerAvailable() bool {
	provider, err := testcontainers.NewDockerProvider()
	if err != nil {
		return false
	}
	defer func() { _ = provider.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), dockerProbeTimeout)
	defer cancel()
	return provider.Health(ctx) == nil
}

// CleanupContainer terminates c, logging instead of failing on errors so a
// stuck container never masks the test result.
func CleanupContainer(t *testing.T, ctx context.Context, c testcontainers.Container) {
	t.Helper()
	if c == nil {
		return
	}
	if err := c.Terminate(ctx); err != nil {
		t.Logf("terminate container %s: %v", c.GetContainerID(), err)
	}
}
