// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"sync"
	"time"

	"github.com/dotandev/tokensign/internal/journal"
	"github.com/dotandev/tokensign/internal/logger"
	"github.com/dotandev/tokensign/internal/relay"
	"github.com/dotandev/tokensign/internal/shutdown"
)

const shutdownTimeout = 3 * time.Second

var shutdownState struct {
	mu          sync.RWMutex
	coordinator *shutdown.Coordinator
}

func setShutdownCoordinator(c *shutdown.Coordinator) {
	shutdownState.mu.Lock()
	defer shutdownState.mu.Unlock()
	shutdownState.coordinator = c
}

func clearShutdownCoordinator() {
	shutdownState.mu.Lock()
	defer shutdownState.mu.Unlock()
	shutdownState.coordinator = nil
}

func registerShutdownHook(name string, fn shutdown.HookFunc) {
	shutdownState.mu.RLock()
	c := shutdownState.coordinator
	shutdownState.mu.RUnlock()
	if c == nil {
		return
	}
	c.Register(name, fn)
}

func runShutdownHooksWithTimeout(c *shutdown.Coordinator, timeout time.Duration) {
	if c == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := c.Run(ctx); err != nil {
		logger.Logger.Warn("Shutdown hooks completed with errors", "error", err)
	}
}

func registerTracingFlushHook(flush func()) {
	if flush == nil {
		return
	}
	registerShutdownHook("tracing-flush", func(ctx context.Context) error {
		flush()
		return nil
	})
}

func registerJournalCloseHook(store *journal.Store) {
	if store == nil {
		return
	}
	registerShutdownHook("journal-close", func(ctx context.Context) error {
		return store.Close()
	})
}

func registerStoreCloseHook(closeFn func() error) {
	if closeFn == nil {
		return
	}
	registerShutdownHook("pkcs11-finalize", func(_ context.Context) error {
		return closeFn()
	})
}

// registerSessionDrainHook closes every open session and waits for their
// lifecycle holds to be released.
func registerSessionDrainHook(r *relay.Relay) {
	if r == nil {
		return
	}
	registerShutdownHook("session-drain", func(ctx context.Context) error {
		r.CloseAll("shutdown")
		if err := r.Holds().Wait(ctx); err != nil {
			logger.Logger.Warn("Sessions still held at shutdown", "outstanding", r.Holds().Outstanding())
			return err
		}
		return nil
	})
}
