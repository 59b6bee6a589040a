// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

// Package keyprobe classifies the private key behind a certificate as
// hardware-backed or software.
package keyprobe

import (
	"context"

	"github.com/dotandev/tokensign/internal/certstore"
	"github.com/dotandev/tokensign/internal/logger"
)

// Classification is computed on demand and never cached; tokens come and go.
type Classification int

const (
	Software Classification = iota
	HardwareOrRemovable
)

func (c Classification) String() string {
	if c == HardwareOrRemovable {
		return "hardware"
	}
	return "software"
}

// KeyStore is the part of certstore.Store the probe needs.
type KeyStore interface {
	AcquireKey(ctx context.Context, cert *certstore.Certificate, opts certstore.AcquireOptions) (*certstore.Handle, error)
}

// Probe classifies certificate keys.
type Probe struct {
	store KeyStore
}

func New(store KeyStore) *Probe {
	return &Probe{store: store}
}

// Classify never fails. Anything that prevents reading the implementation
// flags yields Software.
func (p *Probe) Classify(ctx context.Context, cert *certstore.Certificate) Classification {
	h, err := p.store.AcquireKey(ctx, cert, certstore.AcquireOptions{
		Silent:       true,
		PreferModern: true,
		CompareKey:   true,
	})
	if err != nil {
		logger.Logger.Debug("Key probe could not acquire key", "thumbprint", cert.Thumbprint.String(), "error", err)
		return Software
	}
	defer func() {
		if err := h.Release(); err != nil {
			logger.Logger.Warn("Key probe release failed", "family", h.Family().String(), "error", err)
		}
	}()

	flags, err := h.ImplFlags()
	if err != nil {
		logger.Logger.Debug("Key probe could not read implementation flags", "thumbprint", cert.Thumbprint.String(), "error", err)
		return Software
	}
	if flags&(certstore.ImplHardware|certstore.ImplRemovable) != 0 {
		return HardwareOrRemovable
	}
	return Software
}
