// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"fmt"

	"github.com/dotandev/tokensign/internal/certstore"
	"github.com/dotandev/tokensign/internal/config"
	"github.com/dotandev/tokensign/internal/dialog"
	"github.com/dotandev/tokensign/internal/dispatch"
	"github.com/dotandev/tokensign/internal/journal"
	"github.com/dotandev/tokensign/internal/keyprobe"
	"github.com/dotandev/tokensign/internal/localization"
	"github.com/dotandev/tokensign/internal/logger"
	"github.com/dotandev/tokensign/internal/selector"
	"github.com/dotandev/tokensign/internal/signer"
	"github.com/dotandev/tokensign/internal/telemetry"
)

// backendStack holds what a backend needs to answer requests. Closing is
// left to the shutdown hooks registered while building it.
type backendStack struct {
	loc      *localization.Localizer
	prompter dialog.Prompter
	store    *certstore.Store
	probe    *keyprobe.Probe
	selector *selector.Selector
	engine   *signer.Engine
	journal  *journal.Store
}

// newBackendStack wires the certificate store, dialogs and signer from cfg.
// With withJournal set the journal is opened and trimmed; a journal that
// cannot be opened is logged and skipped.
func newBackendStack(ctx context.Context, cfg *config.Config, withJournal bool) (*backendStack, error) {
	loc := localization.NewWithTranslations()
	prompter, err := dialog.New(cfg, loc)
	if err != nil {
		return nil, err
	}

	store, closeStore := signer.NewStoreFromConfig(cfg, prompter)
	registerStoreCloseHook(closeStore)

	probe := keyprobe.New(store)
	b := &backendStack{
		loc:      loc,
		prompter: prompter,
		store:    store,
		probe:    probe,
		selector: selector.New(store, probe, prompter, loc, cfg.RequireHardware),
		engine:   signer.NewEngine(store),
	}

	if withJournal && cfg.Journal {
		js, err := journal.Open(cfg.JournalPath)
		if err != nil {
			logger.Logger.Warn("Journal disabled", "path", cfg.JournalPath, "error", err)
			return b, nil
		}
		if err := js.Cleanup(ctx, cfg.JournalTTL, cfg.JournalMaxEntries); err != nil {
			logger.Logger.Warn("Journal cleanup failed", "error", err)
		}
		registerJournalCloseHook(js)
		b.journal = js
	}
	return b, nil
}

// dispatcher returns a request dispatcher for one session.
func (b *backendStack) dispatcher(sessionID uint64, terminate func(error)) *dispatch.Dispatcher {
	cfg := dispatch.Config{
		Selector:  b.selector,
		Signer:    b.engine,
		Prompter:  b.prompter,
		Localizer: b.loc,
		Version:   Version,
		Terminate: terminate,
		SessionID: sessionID,
	}
	if b.journal != nil {
		cfg.Journal = b.journal
	}
	return dispatch.New(cfg)
}

// initTracing starts OpenTelemetry when configured and registers its flush
// as the last shutdown hook to run.
func initTracing(ctx context.Context, cfg *config.Config, service string) error {
	if !cfg.Tracing {
		return nil
	}
	flush, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:        true,
		ExporterURL:    cfg.OTLPURL,
		ServiceName:    service,
		ServiceVersion: dispatch.RenderVersion(Version),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	registerTracingFlushHook(flush)
	return nil
}
