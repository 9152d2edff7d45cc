// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/tomtom215/threadline/internal/authz"
	"github.com/tomtom215/threadline/internal/broker"
	"github.com/tomtom215/threadline/internal/models"
	"github.com/tomtom215/threadline/internal/store"
)

func TestAsBusiness(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want models.ErrorCode
	}{
		{"nil", nil, ""},
		{"business", invalid("bad %s", "thing"), models.CodeInvalidRequest},
		{"wrapped business", fmt.Errorf("mutate: %w", notFound("message", store.ErrNotFound)), models.CodeNotFound},
		{"not participant", authz.ErrNotParticipant, models.CodeForbidden},
		{"forbidden", fmt.Errorf("%w: member cannot delete", authz.ErrForbidden), models.CodeForbidden},
		{"missing row", fmt.Errorf("x: %w", store.ErrNotFound), models.CodeNotFound},
		{"invalid intent", fmt.Errorf("%w: thread_id", broker.ErrInvalidIntent), models.CodeInvalidRequest},
		{"duplicate reaction", store.ErrDuplicateReaction, models.CodeInvalidRequest},
		{"duplicate participant", store.ErrDuplicateParticipant, models.CodeInvalidRequest},
		{"timeout", context.DeadlineExceeded, ""},
		{"driver", errors.New("pq: connection refused"), ""},
	}
	for _, tt := range tests {
		be := AsBusiness(tt.err)
		var got models.ErrorCode
		if be != nil {
			got = be.Code
		}
		if got != tt.want {
			t.Errorf("%s: AsBusiness() code = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestLookup(t *testing.T) {
	t.Parallel()

	if be := AsBusiness(lookup("thread", fmt.Errorf("x: %w", store.ErrNotFound))); be == nil || be.Message != "thread not found" {
		t.Errorf("lookup(not found) = %v", be)
	}
	boom := errors.New("i/o timeout")
	err := lookup("thread", boom)
	if !errors.Is(err, boom) || AsBusiness(err) != nil {
		t.Errorf("lookup(infrastructure) = %v", err)
	}
}
