// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package certstore

import (
	"context"
	"crypto"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"

	"github.com/dotandev/tokensign/internal/errors"
	"github.com/dotandev/tokensign/internal/logger"
)

// ErrKeyMismatch is returned when an opened key does not belong to the
// certificate it was looked up for.
var ErrKeyMismatch = stderrors.New("private key does not match certificate")

// Entry is one certificate as reported by a provider.
type Entry struct {
	DER   []byte
	Label string
	// Ref is the provider's locator for the private key; empty when the
	// provider has no key for this certificate.
	Ref string
}

// Provider is a source of certificates and the keys bound to them.
type Provider interface {
	Name() string
	Family() Family
	Certificates(ctx context.Context) ([]Entry, error)
	// OpenKey opens the key at ref. With silent set the provider must not
	// interact with the user.
	OpenKey(ctx context.Context, ref string, silent bool) (PrivateKey, error)
	// ReleaseKey is the family's release routine for keys it opened.
	ReleaseKey(key PrivateKey) error
}

// AcquireOptions controls AcquireKey.
type AcquireOptions struct {
	Silent bool
	// PreferModern tries FamilyModern providers first.
	PreferModern bool
	// CompareKey verifies that the opened key matches the certificate's
	// public key before returning it.
	CompareKey bool
}

// Store merges certificates from ordered providers and hands out scoped
// key handles. Keys opened for the same locator are shared.
type Store struct {
	providers []Provider

	mu   sync.Mutex
	open map[string]*openKey
}

// New creates a store over providers, in priority order.
func New(providers ...Provider) *Store {
	return &Store{
		providers: providers,
		open:      make(map[string]*openKey),
	}
}

// Providers returns the configured providers.
func (s *Store) Providers() []Provider {
	return append([]Provider(nil), s.providers...)
}

// Certificates enumerates the merged certificate set. Copies of one
// certificate found by several providers collapse into a single record
// that remembers every key locator. A failing provider is skipped unless
// every provider fails.
func (s *Store) Certificates(ctx context.Context) ([]*Certificate, error) {
	var (
		certs   []*Certificate
		byThumb = make(map[Thumbprint]*Certificate)
		failed  int
		lastErr error
	)
	for _, p := range s.providers {
		entries, err := p.Certificates(ctx)
		if err != nil {
			logger.Logger.Warn("Certificate provider failed", "provider", p.Name(), "error", err)
			failed++
			lastErr = err
			continue
		}
		for _, e := range entries {
			c, err := ParseCertificate(e.DER)
			if err != nil {
				logger.Logger.Debug("Skipping unparseable certificate", "provider", p.Name(), "error", err)
				continue
			}
			if existing, ok := byThumb[c.Thumbprint]; ok {
				c = existing
			} else {
				c.Label = e.Label
				byThumb[c.Thumbprint] = c
				certs = append(certs, c)
			}
			if e.Ref != "" {
				c.locators = append(c.locators, locator{provider: p, ref: e.Ref})
			}
		}
	}
	if len(s.providers) > 0 && failed == len(s.providers) {
		return nil, errors.Technical("Certificate store unavailable", lastErr)
	}
	return certs, nil
}

// FindByThumbprint re-enumerates the store and returns the certificate
// with thumbprint t.
func (s *Store) FindByThumbprint(ctx context.Context, t Thumbprint) (*Certificate, error) {
	certs, err := s.Certificates(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range certs {
		if c.Thumbprint == t {
			return c, nil
		}
	}
	return nil, errors.WrapNotFound("certificate " + t.String())
}

// Find resolves a certificate parsed from outside the store.
func (s *Store) Find(ctx context.Context, cert *Certificate) (*Certificate, error) {
	if cert.HasPrivateKey() {
		return cert, nil
	}
	return s.FindByThumbprint(ctx, cert.Thumbprint)
}

// AcquireKey opens the private key bound to cert. Each locator is tried in
// turn; the first that opens (and matches, with CompareKey) wins.
func (s *Store) AcquireKey(ctx context.Context, cert *Certificate, opts AcquireOptions) (*Handle, error) {
	locs := append([]locator(nil), cert.locators...)
	if len(locs) == 0 {
		return nil, errors.WrapNotFound("private key for " + cert.Thumbprint.String())
	}
	if opts.PreferModern {
		sort.SliceStable(locs, func(i, j int) bool {
			return locs[i].provider.Family() == FamilyModern && locs[j].provider.Family() != FamilyModern
		})
	}

	var lastErr error
	for _, loc := range locs {
		h, err := s.acquire(ctx, cert, loc, opts)
		if err == nil {
			return h, nil
		}
		logger.Logger.Debug("Key acquisition failed",
			"provider", loc.provider.Name(), "thumbprint", cert.Thumbprint.String(), "error", err)
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

func (s *Store) acquire(ctx context.Context, cert *Certificate, loc locator, opts AcquireOptions) (*Handle, error) {
	id := loc.provider.Name() + "\x00" + loc.ref

	s.mu.Lock()
	if ok, found := s.open[id]; found {
		ok.refs++
		s.mu.Unlock()
		return &Handle{store: s, id: id, open: ok, reused: true}, nil
	}
	s.mu.Unlock()

	key, err := loc.provider.OpenKey(ctx, loc.ref, opts.Silent)
	if err != nil {
		return nil, err
	}
	if opts.CompareKey && !publicKeysEqual(key.Public(), cert.X509.PublicKey) {
		if rerr := loc.provider.ReleaseKey(key); rerr != nil {
			logger.Logger.Warn("Failed to release mismatched key", "provider", loc.provider.Name(), "error", rerr)
		}
		return nil, fmt.Errorf("%w: %s", ErrKeyMismatch, cert.Thumbprint)
	}

	s.mu.Lock()
	if ok, found := s.open[id]; found {
		// Lost a race with a concurrent open of the same locator.
		ok.refs++
		s.mu.Unlock()
		if rerr := loc.provider.ReleaseKey(key); rerr != nil {
			logger.Logger.Warn("Failed to release duplicate key", "provider", loc.provider.Name(), "error", rerr)
		}
		return &Handle{store: s, id: id, open: ok, reused: true}, nil
	}
	ok := &openKey{provider: loc.provider, key: key, refs: 1}
	s.open[id] = ok
	s.mu.Unlock()

	return &Handle{store: s, id: id, open: ok}, nil
}

func (s *Store) release(id string, ok *openKey) error {
	s.mu.Lock()
	ok.refs--
	last := ok.refs == 0
	if last && s.open[id] == ok {
		delete(s.open, id)
	}
	s.mu.Unlock()

	if !last {
		return nil
	}
	return ok.provider.ReleaseKey(ok.key)
}

// OpenKeys reports how many distinct keys are currently open.
func (s *Store) OpenKeys() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.open)
}

func publicKeysEqual(a, b crypto.PublicKey) bool {
	type equaler interface {
		Equal(crypto.PublicKey) bool
	}
	ea, ok := a.(equaler)
	if !ok {
		return false
	}
	return ea.Equal(b)
}
