// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

// Package dispatch handles VERSION, CERT and SIGN commands on the backend
// side of a session.
package dispatch

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/hashicorp/go-version"
	"go.opentelemetry.io/otel/attribute"

	"github.com/dotandev/tokensign/internal/certstore"
	"github.com/dotandev/tokensign/internal/dialog"
	"github.com/dotandev/tokensign/internal/errors"
	"github.com/dotandev/tokensign/internal/hexcodec"
	"github.com/dotandev/tokensign/internal/ipc"
	"github.com/dotandev/tokensign/internal/journal"
	"github.com/dotandev/tokensign/internal/localization"
	"github.com/dotandev/tokensign/internal/logger"
	"github.com/dotandev/tokensign/internal/selector"
	"github.com/dotandev/tokensign/internal/telemetry"
)

// MaxInfoLength bounds the SIGN confirmation text, in characters.
const MaxInfoLength = 500

// CertSelector lists and selects certificates for CERT.
type CertSelector interface {
	List(ctx context.Context, purpose selector.Purpose, asOf time.Time) ([]*certstore.Certificate, error)
	Disclosure(lang string) string
	Select(ctx context.Context, candidates []*certstore.Certificate, lang, disclosure string) (*certstore.Certificate, bool, error)
}

// Signer signs a digest with the store key matching a thumbprint.
type Signer interface {
	Sign(ctx context.Context, thumbprint certstore.Thumbprint, digest []byte, hashtype string) ([]byte, error)
}

// Recorder receives one journal entry per handled command.
type Recorder interface {
	Record(ctx context.Context, e journal.Entry) error
}

type Config struct {
	Selector  CertSelector
	Signer    Signer
	Prompter  dialog.Prompter
	Localizer *localization.Localizer
	// Version is the raw build version.
	Version string
	Journal Recorder
	// Terminate is called once when an unrecognized command arrives.
	Terminate func(error)
	SessionID uint64
	Now       func() time.Time
}

type Dispatcher struct {
	cfg     Config
	version string

	terminateOnce sync.Once
}

func New(cfg Config) *Dispatcher {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Localizer == nil {
		cfg.Localizer = localization.NewWithTranslations()
	}
	return &Dispatcher{cfg: cfg, version: RenderVersion(cfg.Version)}
}

// RenderVersion formats a build version as four dotted numbers. Versions
// that do not parse are returned unchanged.
func RenderVersion(raw string) string {
	v, err := version.NewVersion(raw)
	if err != nil {
		return raw
	}
	segs := v.Segments()
	for len(segs) < 4 {
		segs = append(segs, 0)
	}
	return fmt.Sprintf("%d.%d.%d.%d", segs[0], segs[1], segs[2], segs[3])
}

// result is what one command produced, kept for the journal.
type result struct {
	resp       *ipc.Response
	thumbprint string
	err        error
}

// Handle processes one raw request and returns the encoded response. An
// unrecognized command type fires the terminate hook and returns
// errors.ErrUnknownCommand with no response.
func (d *Dispatcher) Handle(ctx context.Context, raw []byte) ([]byte, error) {
	cmd, err := ipc.UnmarshalCommand(raw)

	ctx, span := telemetry.GetTracer().Start(ctx, "dispatch_command")
	span.SetAttributes(
		attribute.String("command.type", string(cmd.Type)),
		attribute.Int64("session.id", int64(d.cfg.SessionID)),
	)

	ctx = localization.WithLanguage(ctx, localization.ParseLanguage(cmd.Lang))

	var res result
	switch {
	case err != nil:
		res = result{err: err}
	case cmd.Type == ipc.TypeVersion:
		res = d.handleVersion(cmd)
	case cmd.Type == ipc.TypeCert:
		res = d.handleCert(ctx, cmd)
	case cmd.Type == ipc.TypeSign:
		res = d.handleSign(ctx, cmd)
	default:
		terr := errors.WrapUnknownCommand(string(cmd.Type))
		d.terminate(terr)
		telemetry.EndSpan(span, terr)
		return nil, terr
	}

	resp := res.resp
	if res.err != nil {
		resp = ipc.FailureResponse(cmd.Nonce, res.err)
		logger.Logger.Info("Command failed", "type", cmd.Type, "result", resp.Result, "error", res.err)
	} else {
		resp.Nonce = cmd.Nonce
		logger.Logger.Debug("Command handled", "type", cmd.Type)
	}

	d.record(ctx, cmd, resp, res.thumbprint)
	telemetry.EndSpan(span, res.err, attribute.String("command.result", string(resp.Result)))
	return resp.Encode()
}

func (d *Dispatcher) terminate(err error) {
	d.terminateOnce.Do(func() {
		logger.Logger.Error("Unrecognized command, terminating", "error", err)
		if d.cfg.Terminate != nil {
			d.cfg.Terminate(err)
		}
	})
}

func (d *Dispatcher) record(ctx context.Context, cmd *ipc.Command, resp *ipc.Response, thumbprint string) {
	if d.cfg.Journal == nil {
		return
	}
	typ := string(cmd.Type)
	if typ == "" {
		typ = "INVALID"
	}
	e := journal.Entry{
		SessionID:  d.cfg.SessionID,
		Type:       typ,
		Result:     string(resp.Result),
		Thumbprint: thumbprint,
		CreatedAt:  d.cfg.Now(),
	}
	if cmd.Type == ipc.TypeSign {
		e.HashType = cmd.HashType
	}
	if err := d.cfg.Journal.Record(ctx, e); err != nil {
		logger.Logger.Warn("Failed to record journal entry", "error", err)
	}
}

func (d *Dispatcher) handleVersion(cmd *ipc.Command) result {
	resp := ipc.NewResponse(cmd.Nonce)
	resp.Version = d.version
	return result{resp: resp}
}

func (d *Dispatcher) handleCert(ctx context.Context, cmd *ipc.Command) result {
	purpose, err := selector.ParsePurpose(cmd.Filter)
	if err != nil {
		return result{err: err}
	}

	candidates, err := d.cfg.Selector.List(ctx, purpose, d.cfg.Now())
	if err != nil {
		return result{err: technical("Failed to list certificates", err)}
	}
	if len(candidates) == 0 {
		return result{err: errors.NoCertificates(string(errors.ResultNoCertificates))}
	}

	cert, ok, err := d.cfg.Selector.Select(ctx, candidates, cmd.Lang, d.cfg.Selector.Disclosure(cmd.Lang))
	if err != nil {
		return result{err: technical("Certificate selection failed", err)}
	}
	if !ok {
		return result{err: errors.UserCancel(string(errors.ResultUserCancel))}
	}

	resp := ipc.NewResponse(cmd.Nonce)
	resp.Cert = hexcodec.Encode(cert.DER())
	return result{resp: resp, thumbprint: cert.Thumbprint.String()}
}

func (d *Dispatcher) handleSign(ctx context.Context, cmd *ipc.Command) result {
	if utf8.RuneCountInString(cmd.Info) > MaxInfoLength {
		return result{err: errors.InvalidArgument(fmt.Sprintf("Info parameter longer than %d chars", MaxInfoLength), nil)}
	}

	if cmd.Info != "" {
		title := d.cfg.Localizer.GetForLang(localization.ParseLanguage(cmd.Lang), localization.KeyConfirmTitle)
		accepted, err := d.cfg.Prompter.Confirm(ctx, title, cmd.Info)
		if err != nil {
			return result{err: technical("Confirmation failed", err)}
		}
		if !accepted {
			return result{err: errors.UserCancel("User cancelled")}
		}
	}

	der, err := hexcodec.Decode(cmd.Cert)
	if err != nil {
		return result{err: errors.InvalidArgument("Invalid certificate encoding", err)}
	}
	cert, err := certstore.ParseCertificate(der)
	if err != nil {
		return result{err: err}
	}
	thumbprint := cert.Thumbprint.String()

	digest, err := hexcodec.Decode(cmd.Hash)
	if err != nil {
		return result{err: errors.InvalidArgument("Invalid hash encoding", err), thumbprint: thumbprint}
	}

	sig, err := d.cfg.Signer.Sign(ctx, cert.Thumbprint, digest, cmd.HashType)
	if err != nil {
		return result{err: technical("Failed to sign hash", err), thumbprint: thumbprint}
	}

	resp := ipc.NewResponse(cmd.Nonce)
	resp.Signature = hexcodec.Encode(sig)
	return result{resp: resp, thumbprint: thumbprint}
}

// technical keeps an existing classification and marks anything else as a
// technical error.
func technical(msg string, err error) error {
	var re *errors.RequestError
	if stderrors.As(err, &re) {
		return err
	}
	return errors.Technical(msg, err)
}
