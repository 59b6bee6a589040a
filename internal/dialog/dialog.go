// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

// Package dialog talks to the user: yes/no confirmation, certificate
// selection and PIN entry. Every call blocks until the user answers or ctx
// is done.
package dialog

import (
	"context"
	"sync"

	"github.com/dotandev/tokensign/internal/config"
	"github.com/dotandev/tokensign/internal/errors"
	"github.com/dotandev/tokensign/internal/localization"
)

// Item is one row of a selection list.
type Item struct {
	Name    string
	Issuer  string
	ValidTo string
}

// Prompter is implemented by every dialog backend.
type Prompter interface {
	// Confirm returns false when the user declines.
	Confirm(ctx context.Context, title, text string) (bool, error)
	// Choose returns the index of the picked item, or ok=false when the
	// user dismissed the list.
	Choose(ctx context.Context, title, text string, items []Item) (index int, ok bool, err error)
	// PIN returns a UserCancel error when entry is dismissed.
	PIN(ctx context.Context, tokenLabel string) (string, error)
}

// New builds the prompter selected by cfg.
func New(cfg *config.Config, loc *localization.Localizer) (Prompter, error) {
	switch cfg.Dialog {
	case config.DialogZenity:
		return NewZenity(cfg.ZenityPath, loc), nil
	case config.DialogUnattended:
		return &Unattended{}, nil
	default:
		return nil, errors.ErrUnsupportedDialog
	}
}

// Unattended answers every dialog without a user: it confirms, picks the
// only candidate and reads the PIN from its field. It refuses to choose
// between several candidates.
type Unattended struct {
	Pin string
}

func (u *Unattended) Confirm(ctx context.Context, title, text string) (bool, error) {
	return true, nil
}

func (u *Unattended) Choose(ctx context.Context, title, text string, items []Item) (int, bool, error) {
	if len(items) != 1 {
		return 0, false, errors.WrapInteraction("unattended mode cannot choose between certificates")
	}
	return 0, true, nil
}

func (u *Unattended) PIN(ctx context.Context, tokenLabel string) (string, error) {
	if u.Pin == "" {
		return "", errors.WrapInteraction("no PIN configured for " + tokenLabel)
	}
	return u.Pin, nil
}

// Scripted replays fixed answers and records what it was asked.
type Scripted struct {
	mu sync.Mutex

	Accept bool
	Choice int
	Cancel bool
	Pin    string
	Err    error

	Confirms []string
	Lists    [][]Item
	Texts    []string
	PINs     []string
}

func (s *Scripted) Confirm(ctx context.Context, title, text string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Confirms = append(s.Confirms, text)
	if s.Err != nil {
		return false, s.Err
	}
	return s.Accept, nil
}

func (s *Scripted) Choose(ctx context.Context, title, text string, items []Item) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Lists = append(s.Lists, items)
	s.Texts = append(s.Texts, text)
	if s.Err != nil {
		return 0, false, s.Err
	}
	if s.Cancel || s.Choice < 0 || s.Choice >= len(items) {
		return 0, false, nil
	}
	return s.Choice, true, nil
}

func (s *Scripted) PIN(ctx context.Context, tokenLabel string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PINs = append(s.PINs, tokenLabel)
	if s.Cancel {
		return "", errors.UserCancel("PIN entry cancelled")
	}
	return s.Pin, nil
}
