// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/dotandev/tokensign/internal/logger"
)

// Side names one end of a session.
type Side int

const (
	SideFrontend Side = iota
	SideBackend
)

func (s Side) String() string {
	if s == SideBackend {
		return "backend"
	}
	return "frontend"
}

// HoldTracker counts lifecycle holds. The relay process waits for all of
// them before it exits.
type HoldTracker struct {
	mu          sync.Mutex
	outstanding int
	idle        chan struct{}

	doubleReleases atomic.Int64
}

func NewHoldTracker() *HoldTracker {
	idle := make(chan struct{})
	close(idle)
	return &HoldTracker{idle: idle}
}

// Hold is one keep-alive taken for a session side.
type Hold struct {
	tracker *HoldTracker
	side    Side
	once    sync.Once
}

func (t *HoldTracker) Acquire(side Side) *Hold {
	t.mu.Lock()
	if t.outstanding == 0 {
		t.idle = make(chan struct{})
	}
	t.outstanding++
	t.mu.Unlock()
	return &Hold{tracker: t, side: side}
}

// Release completes the hold. It reports false, and counts a double
// release, when the hold was already completed.
func (h *Hold) Release() bool {
	released := false
	h.once.Do(func() {
		released = true
		t := h.tracker
		t.mu.Lock()
		t.outstanding--
		if t.outstanding == 0 {
			close(t.idle)
		}
		t.mu.Unlock()
	})
	if !released {
		h.tracker.doubleReleases.Add(1)
		logger.Logger.Warn("Lifecycle hold released twice", "side", h.side.String())
	}
	return released
}

func (t *HoldTracker) Outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.outstanding
}

func (t *HoldTracker) DoubleReleases() int64 {
	return t.doubleReleases.Load()
}

// Wait blocks until no hold is outstanding or ctx is done.
func (t *HoldTracker) Wait(ctx context.Context) error {
	t.mu.Lock()
	idle := t.idle
	t.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
