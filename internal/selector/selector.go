// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

// Package selector filters the certificate store by purpose and drives the
// interactive selection dialog.
package selector

import (
	"context"
	"time"

	"github.com/dotandev/tokensign/internal/certstore"
	"github.com/dotandev/tokensign/internal/dialog"
	"github.com/dotandev/tokensign/internal/errors"
	"github.com/dotandev/tokensign/internal/keyprobe"
	"github.com/dotandev/tokensign/internal/localization"
)

// Purpose is what the selected certificate will be used for.
type Purpose int

const (
	// Sign requires the non-repudiation key usage bit.
	Sign Purpose = iota
	// Auth requires it to be absent.
	Auth
)

func (p Purpose) String() string {
	if p == Auth {
		return "AUTH"
	}
	return "SIGN"
}

// ParsePurpose maps a filter value. Empty means Sign.
func ParsePurpose(filter string) (Purpose, error) {
	switch filter {
	case "", "SIGN":
		return Sign, nil
	case "AUTH":
		return Auth, nil
	default:
		return Sign, errors.InvalidArgument("Invalid filter: "+filter, nil)
	}
}

// Lister enumerates the certificate store.
type Lister interface {
	Certificates(ctx context.Context) ([]*certstore.Certificate, error)
}

// Classifier reports whether a certificate's key lives on hardware.
type Classifier interface {
	Classify(ctx context.Context, cert *certstore.Certificate) keyprobe.Classification
}

type Selector struct {
	store           Lister
	probe           Classifier
	prompter        dialog.Prompter
	loc             *localization.Localizer
	requireHardware bool
}

func New(store Lister, probe Classifier, prompter dialog.Prompter, loc *localization.Localizer, requireHardware bool) *Selector {
	return &Selector{
		store:           store,
		probe:           probe,
		prompter:        prompter,
		loc:             loc,
		requireHardware: requireHardware,
	}
}

// List returns the certificates eligible for purpose at asOf, in store
// order. An empty result is not an error.
func (s *Selector) List(ctx context.Context, purpose Purpose, asOf time.Time) ([]*certstore.Certificate, error) {
	all, err := s.store.Certificates(ctx)
	if err != nil {
		return nil, err
	}

	var out []*certstore.Certificate
	for _, c := range all {
		if !c.HasPrivateKey() || !c.ValidAt(asOf) {
			continue
		}
		// A certificate without a key usage extension is eligible for
		// neither purpose.
		if !c.HasKeyUsage() {
			continue
		}
		if c.NonRepudiation() != (purpose == Sign) {
			continue
		}
		if s.requireHardware && s.probe.Classify(ctx, c) != keyprobe.HardwareOrRemovable {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// Disclosure returns the selection disclosure for a request language code.
func (s *Selector) Disclosure(lang string) string {
	return s.loc.GetForLang(localization.ParseLanguage(lang), localization.KeyCertDisclosure)
}

// Select asks the user to pick one of candidates. ok is false when the
// dialog was dismissed.
func (s *Selector) Select(ctx context.Context, candidates []*certstore.Certificate, lang, disclosure string) (*certstore.Certificate, bool, error) {
	items := make([]dialog.Item, len(candidates))
	for i, c := range candidates {
		items[i] = dialog.Item{
			Name:    c.DisplayName(),
			Issuer:  c.X509.Issuer.CommonName,
			ValidTo: c.X509.NotAfter.Format("2006-01-02"),
		}
	}

	title := s.loc.GetForLang(localization.ParseLanguage(lang), localization.KeySelectTitle)
	idx, ok, err := s.prompter.Choose(ctx, title, disclosure, items)
	if err != nil || !ok {
		return nil, false, err
	}
	return candidates[idx], true, nil
}
