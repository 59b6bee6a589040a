// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotandev/tokensign/internal/errors"
	"github.com/dotandev/tokensign/internal/transport"
)

func TestRegisterAssignsMonotonicIDs(t *testing.T) {
	reg := NewRegistry()
	holds := NewHoldTracker()

	var last uint64
	tokens := make(map[string]bool)
	for i := 0; i < 5; i++ {
		_, front := transport.Pipe()
		s := reg.Register(front, holds.Acquire(SideFrontend), time.Now())
		assert.Greater(t, s.ID, last)
		last = s.ID
		assert.False(t, tokens[s.Token], "token reused")
		tokens[s.Token] = true
	}
	assert.Equal(t, 5, reg.Len())
}

func TestAttachChecks(t *testing.T) {
	reg := NewRegistry()
	holds := NewHoldTracker()
	_, front := transport.Pipe()
	s := reg.Register(front, holds.Acquire(SideFrontend), time.Now())

	_, back := transport.Pipe()
	_, err := reg.Attach(s.ID+1, s.Token, back, nil)
	assert.ErrorIs(t, err, errors.ErrSessionNotFound)

	_, err = reg.Attach(s.ID, "wrong", back, nil)
	assert.ErrorIs(t, err, errors.ErrUnauthorized)

	got, err := reg.Attach(s.ID, s.Token, back, nil)
	require.NoError(t, err)
	assert.Same(t, s, got)
	select {
	case <-s.attached:
	default:
		t.Fatal("attach did not signal the session")
	}

	_, other := transport.Pipe()
	_, err = reg.Attach(s.ID, s.Token, other, nil)
	assert.ErrorIs(t, err, errors.ErrAlreadyAttached)

	snap := reg.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "active", snap[0].State)
}

func TestRemoveIsAtomicWithAttach(t *testing.T) {
	reg := NewRegistry()
	holds := NewHoldTracker()

	for i := 0; i < 50; i++ {
		_, front := transport.Pipe()
		s := reg.Register(front, holds.Acquire(SideFrontend), time.Now())

		var wg sync.WaitGroup
		var attachErr error
		var removed bool
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, back := transport.Pipe()
			_, attachErr = reg.Attach(s.ID, s.Token, back, nil)
		}()
		go func() {
			defer wg.Done()
			_, removed = reg.Remove(s.ID)
		}()
		wg.Wait()

		require.True(t, removed)
		if attachErr == nil {
			// Attach won the race; the removed session carries the backend.
			assert.NotNil(t, s.back)
		} else {
			assert.ErrorIs(t, attachErr, errors.ErrSessionNotFound)
		}
		_, ok := reg.Lookup(s.ID)
		assert.False(t, ok)
	}
	assert.Zero(t, reg.Len())
}

func TestRemoveTwice(t *testing.T) {
	reg := NewRegistry()
	_, front := transport.Pipe()
	s := reg.Register(front, nil, time.Now())

	_, ok := reg.Remove(s.ID)
	assert.True(t, ok)
	_, ok = reg.Remove(s.ID)
	assert.False(t, ok)
}

func TestHoldsReleaseOnce(t *testing.T) {
	holds := NewHoldTracker()
	a := holds.Acquire(SideFrontend)
	b := holds.Acquire(SideBackend)
	assert.Equal(t, 2, holds.Outstanding())

	assert.True(t, a.Release())
	assert.False(t, a.Release())
	assert.Equal(t, int64(1), holds.DoubleReleases())
	assert.Equal(t, 1, holds.Outstanding())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, holds.Wait(ctx), context.DeadlineExceeded)

	done := make(chan error, 1)
	go func() { done <- holds.Wait(context.Background()) }()
	assert.True(t, b.Release())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Wait did not return after the last release")
	}
}
