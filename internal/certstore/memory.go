// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package certstore

import (
	"context"
	"crypto"
	"strconv"
	"sync"

	"github.com/dotandev/tokensign/internal/errors"
)

// MemoryProvider holds identities in memory. It backs tests and the
// unattended mode.
type MemoryProvider struct {
	name   string
	family Family

	mu       sync.Mutex
	entries  []memoryEntry
	openErr  error
	opened   int
	released int
}

type memoryEntry struct {
	der     []byte
	label   string
	signer  crypto.Signer
	flags   ImplFlags
	flagErr error
}

type memoryKey struct {
	entry memoryEntry
}

func NewMemoryProvider(name string, family Family) *MemoryProvider {
	return &MemoryProvider{name: name, family: family}
}

// Add registers a certificate. signer may be nil for a certificate without
// a private key.
func (p *MemoryProvider) Add(der []byte, label string, signer crypto.Signer, flags ImplFlags) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = append(p.entries, memoryEntry{der: der, label: label, signer: signer, flags: flags})
}

// FailFlags makes ImplFlags fail for every key of the certificate der.
func (p *MemoryProvider) FailFlags(der []byte, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.entries {
		if string(p.entries[i].der) == string(der) {
			p.entries[i].flagErr = err
		}
	}
}

// FailOpen makes every subsequent OpenKey return err.
func (p *MemoryProvider) FailOpen(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.openErr = err
}

// Stats reports how many keys were opened and released.
func (p *MemoryProvider) Stats() (opened, released int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opened, p.released
}

func (p *MemoryProvider) Name() string   { return p.name }
func (p *MemoryProvider) Family() Family { return p.family }

func (p *MemoryProvider) Certificates(ctx context.Context) ([]Entry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Entry, 0, len(p.entries))
	for i, e := range p.entries {
		entry := Entry{DER: e.der, Label: e.label}
		if e.signer != nil {
			entry.Ref = strconv.Itoa(i)
		}
		out = append(out, entry)
	}
	return out, nil
}

func (p *MemoryProvider) OpenKey(ctx context.Context, ref string, silent bool) (PrivateKey, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.openErr != nil {
		return nil, p.openErr
	}
	i, err := strconv.Atoi(ref)
	if err != nil || i < 0 || i >= len(p.entries) || p.entries[i].signer == nil {
		return nil, errors.WrapNotFound("key " + ref)
	}
	p.opened++
	return &memoryKey{entry: p.entries[i]}, nil
}

func (p *MemoryProvider) ReleaseKey(key PrivateKey) error {
	if _, ok := key.(*memoryKey); !ok {
		return errors.Technical("Key was not issued by "+p.name, nil)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released++
	return nil
}

func (k *memoryKey) Public() crypto.PublicKey {
	return k.entry.signer.Public()
}

func (k *memoryKey) ImplFlags() (ImplFlags, error) {
	if k.entry.flagErr != nil {
		return 0, k.entry.flagErr
	}
	return k.entry.flags, nil
}

func (k *memoryKey) SignDigest(ctx context.Context, digest []byte, scheme Scheme) ([]byte, error) {
	return signWithSigner(k.entry.signer, digest, scheme)
}
