// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

package dispatch

import (
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill/message"
	"golang.org/x/sync/semaphore"

	"github.com/tomtom215/threadline/internal/metrics"
)

// DefaultPoolSize is used when the configured size is not positive.
const DefaultPoolSize = 16

// Pool bounds how many intents a router handles at once. Watermill starts a
// goroutine per delivered message; one that finds no free slot parks until a
// slot frees or its context ends. Subscribers set MaxAckPending to the same
// size so the broker stops handing out messages while the pool is full.
type Pool struct {
	sem      *semaphore.Weighted
	size     int
	inFlight atomic.Int64
}

// NewPool creates a pool with size slots.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = DefaultPoolSize
	}
	return &Pool{sem: semaphore.NewWeighted(int64(size)), size: size}
}

// Middleware is the outermost router middleware.
func (p *Pool) Middleware(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		if err := p.sem.Acquire(msg.Context(), 1); err != nil {
			return nil, err
		}
		p.inFlight.Add(1)
		metrics.DispatchInFlight.Inc()
		defer func() {
			metrics.DispatchInFlight.Dec()
			p.inFlight.Add(-1)
			p.sem.Release(1)
		}()
		return h(msg)
	}
}

// InFlight returns the number of intents currently holding a slot.
func (p *Pool) InFlight() int {
	return int(p.inFlight.Load())
}

func (p *Pool) Size() int {
	return p.size
}
