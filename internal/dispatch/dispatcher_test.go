// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/json"
	"io"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotandev/tokensign/internal/certstore"
	"github.com/dotandev/tokensign/internal/certstore/certstoretest"
	"github.com/dotandev/tokensign/internal/dialog"
	"github.com/dotandev/tokensign/internal/errors"
	"github.com/dotandev/tokensign/internal/hexcodec"
	"github.com/dotandev/tokensign/internal/ipc"
	"github.com/dotandev/tokensign/internal/journal"
	"github.com/dotandev/tokensign/internal/keyprobe"
	"github.com/dotandev/tokensign/internal/localization"
	"github.com/dotandev/tokensign/internal/selector"
	"github.com/dotandev/tokensign/internal/signer"
)

type memoryJournal struct {
	mu      sync.Mutex
	entries []journal.Entry
}

func (m *memoryJournal) Record(_ context.Context, e journal.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

type fixture struct {
	mem        *certstore.MemoryProvider
	store      *certstore.Store
	prompter   *dialog.Scripted
	journal    *memoryJournal
	terminated []error
	d          *Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		mem:      certstore.NewMemoryProvider("mem", certstore.FamilyModern),
		prompter: &dialog.Scripted{Accept: true},
		journal:  &memoryJournal{},
	}
	f.store = certstore.New(f.mem)
	loc := localization.NewWithTranslations()
	f.d = New(Config{
		Selector:  selector.New(f.store, keyprobe.New(f.store), f.prompter, loc, false),
		Signer:    signer.NewEngine(f.store),
		Prompter:  f.prompter,
		Localizer: loc,
		Version:   "1.2.3",
		Journal:   f.journal,
		Terminate: func(err error) { f.terminated = append(f.terminated, err) },
		SessionID: 9,
	})
	return f
}

func (f *fixture) add(t *testing.T, opts certstoretest.Options) *certstoretest.Identity {
	id := certstoretest.New(t, opts)
	f.mem.Add(id.DER, opts.CommonName, id.Signer, certstore.ImplHardware)
	return id
}

func (f *fixture) handle(t *testing.T, req string) *ipc.Response {
	t.Helper()
	out, err := f.d.Handle(context.Background(), []byte(req))
	require.NoError(t, err)
	resp, err := ipc.UnmarshalResponse(out)
	require.NoError(t, err)
	assert.Equal(t, ipc.APIVersion, resp.API)
	return resp
}

func signRequest(t *testing.T, id *certstoretest.Identity, digest []byte, extra map[string]any) string {
	t.Helper()
	req := map[string]any{
		"type":     "SIGN",
		"cert":     hexcodec.Encode(id.DER),
		"hash":     hexcodec.Encode(digest),
		"hashtype": "SHA-256",
	}
	for k, v := range extra {
		req[k] = v
	}
	b, err := json.Marshal(req)
	require.NoError(t, err)
	return string(b)
}

func TestRenderVersion(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"1.2.3", "1.2.3.0"},
		{"v2.0", "2.0.0.0"},
		{"3.1.4.15", "3.1.4.15"},
		{"1.0.0-beta", "1.0.0.0"},
		{"dev", "dev"},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			assert.Equal(t, tt.want, RenderVersion(tt.raw))
		})
	}
}

func TestVersionCommand(t *testing.T) {
	f := newFixture(t)
	resp := f.handle(t, `{"type":"VERSION","nonce":"abc"}`)
	assert.Equal(t, errors.ResultOK, resp.Result)
	assert.Equal(t, "1.2.3.0", resp.Version)
	assert.Equal(t, `"abc"`, string(resp.Nonce))
}

// withNonce appends nonce to an encoded request without re-encoding it.
func withNonce(req, nonce string) string {
	return strings.TrimSuffix(req, "}") + `,"nonce":` + nonce + `}`
}

type failingSigner struct{ crypto.Signer }

func (failingSigner) Sign(io.Reader, []byte, crypto.SignerOpts) ([]byte, error) {
	return nil, assert.AnError
}

func TestNonceEchoedOnEveryBranch(t *testing.T) {
	nonce := `{"tab": 12, "seq": [1, 2.50, "x"]}`
	digest := sha256.Sum256([]byte("document"))

	tests := []struct {
		name  string
		setup func(t *testing.T, f *fixture) string
		want  errors.ResultCode
	}{
		{"version", func(*testing.T, *fixture) string {
			return `{"type":"VERSION","nonce":` + nonce + `}`
		}, errors.ResultOK},
		{"no certs", func(*testing.T, *fixture) string {
			return `{"type":"CERT","nonce":` + nonce + `}`
		}, errors.ResultNoCertificates},
		{"bad filter", func(*testing.T, *fixture) string {
			return `{"type":"CERT","filter":"BOTH","nonce":` + nonce + `}`
		}, errors.ResultInvalidArgument},
		{"bad cert", func(*testing.T, *fixture) string {
			return `{"type":"SIGN","cert":"zz","nonce":` + nonce + `}`
		}, errors.ResultInvalidArgument},
		{"bad field", func(*testing.T, *fixture) string {
			return `{"type":"SIGN","info":42,"nonce":` + nonce + `}`
		}, errors.ResultInvalidArgument},
		{"unknown sig", func(*testing.T, *fixture) string {
			return `{"type":"SIGN","cert":"3000","nonce":` + nonce + `}`
		}, errors.ResultInvalidArgument},
		{"cert ok", func(t *testing.T, f *fixture) string {
			f.add(t, certstoretest.Options{CommonName: "sign", KeyUsage: certstoretest.SignUsage})
			return `{"type":"CERT","nonce":` + nonce + `}`
		}, errors.ResultOK},
		{"cert dismissed", func(t *testing.T, f *fixture) string {
			f.add(t, certstoretest.Options{CommonName: "sign", KeyUsage: certstoretest.SignUsage})
			f.prompter.Cancel = true
			return `{"type":"CERT","nonce":` + nonce + `}`
		}, errors.ResultUserCancel},
		{"cert dialog failure", func(t *testing.T, f *fixture) string {
			f.add(t, certstoretest.Options{CommonName: "sign", KeyUsage: certstoretest.SignUsage})
			f.prompter.Err = assert.AnError
			return `{"type":"CERT","nonce":` + nonce + `}`
		}, errors.ResultTechnicalError},
		{"sign ok", func(t *testing.T, f *fixture) string {
			id := f.add(t, certstoretest.Options{CommonName: "ec", KeyUsage: certstoretest.SignUsage})
			return withNonce(signRequest(t, id, digest[:], nil), nonce)
		}, errors.ResultOK},
		{"sign declined", func(t *testing.T, f *fixture) string {
			id := f.add(t, certstoretest.Options{CommonName: "ec", KeyUsage: certstoretest.SignUsage})
			f.prompter.Accept = false
			return withNonce(signRequest(t, id, digest[:], map[string]any{"info": "Pay 10 EUR"}), nonce)
		}, errors.ResultUserCancel},
		{"sign failure", func(t *testing.T, f *fixture) string {
			id := certstoretest.New(t, certstoretest.Options{CommonName: "ec", KeyUsage: certstoretest.SignUsage})
			f.mem.Add(id.DER, "ec", failingSigner{id.Signer}, certstore.ImplHardware)
			return withNonce(signRequest(t, id, digest[:], nil), nonce)
		}, errors.ResultTechnicalError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			req := tt.setup(t, f)

			out, err := f.d.Handle(context.Background(), []byte(req))
			require.NoError(t, err)
			resp, err := ipc.UnmarshalResponse(out)
			require.NoError(t, err)
			assert.Equal(t, tt.want, resp.Result, resp.Message)
			assert.True(t, strings.HasSuffix(string(out), `"nonce":`+nonce+`}`), string(out))
		})
	}
}

func TestNonObjectPayload(t *testing.T) {
	f := newFixture(t)
	for _, req := range []string{`[1,2]`, `"VERSION"`, ``, `{broken`} {
		resp := f.handle(t, req)
		assert.Equal(t, errors.ResultInvalidArgument, resp.Result, req)
		assert.NotEmpty(t, resp.Message)
	}
	assert.Empty(t, f.terminated)
}

func TestUnknownCommandTerminatesOnce(t *testing.T) {
	f := newFixture(t)

	out, err := f.d.Handle(context.Background(), []byte(`{"type":"LOGOUT","nonce":1}`))
	assert.ErrorIs(t, err, errors.ErrUnknownCommand)
	assert.Nil(t, out)

	_, err = f.d.Handle(context.Background(), []byte(`{"nonce":2}`))
	assert.ErrorIs(t, err, errors.ErrUnknownCommand)

	out, err = f.d.Handle(context.Background(), []byte(`{"type":"FOO","info":5}`))
	assert.ErrorIs(t, err, errors.ErrUnknownCommand)
	assert.Nil(t, out)

	require.Len(t, f.terminated, 1)
	assert.ErrorIs(t, f.terminated[0], errors.ErrUnknownCommand)
}

func TestCertNoCertificates(t *testing.T) {
	f := newFixture(t)
	resp := f.handle(t, `{"type":"CERT"}`)
	assert.Equal(t, errors.ResultNoCertificates, resp.Result)
	assert.Equal(t, "no_certificates", resp.Message)
	assert.Empty(t, f.prompter.Lists)
}

func TestCertInvalidFilter(t *testing.T) {
	f := newFixture(t)
	resp := f.handle(t, `{"type":"CERT","filter":"sign"}`)
	assert.Equal(t, errors.ResultInvalidArgument, resp.Result)
}

func TestCertReturnsChosenCertificate(t *testing.T) {
	f := newFixture(t)
	f.add(t, certstoretest.Options{CommonName: "auth", KeyUsage: certstoretest.AuthUsage})
	sign := f.add(t, certstoretest.Options{CommonName: "sign", KeyUsage: certstoretest.SignUsage})

	resp := f.handle(t, `{"type":"CERT","filter":"SIGN","lang":"est"}`)
	require.Equal(t, errors.ResultOK, resp.Result, resp.Message)
	assert.Equal(t, hexcodec.Encode(sign.DER), resp.Cert)

	require.Len(t, f.prompter.Lists, 1)
	assert.Len(t, f.prompter.Lists[0], 1)
	loc := localization.NewWithTranslations()
	assert.Equal(t, loc.GetForLang(localization.Estonian, localization.KeyCertDisclosure), f.prompter.Texts[0])

	require.Len(t, f.journal.entries, 1)
	assert.Equal(t, "CERT", f.journal.entries[0].Type)
	assert.Equal(t, certstore.ThumbprintOf(sign.DER).String(), f.journal.entries[0].Thumbprint)
	assert.Equal(t, uint64(9), f.journal.entries[0].SessionID)
}

func TestCertAuthFilterExcludesNonRepudiation(t *testing.T) {
	f := newFixture(t)
	f.add(t, certstoretest.Options{CommonName: "sign", KeyUsage: certstoretest.SignUsage})
	auth := f.add(t, certstoretest.Options{CommonName: "auth", KeyUsage: certstoretest.AuthUsage})

	resp := f.handle(t, `{"type":"CERT","filter":"AUTH"}`)
	require.Equal(t, errors.ResultOK, resp.Result)
	assert.Equal(t, hexcodec.Encode(auth.DER), resp.Cert)
}

func TestCertDismissed(t *testing.T) {
	f := newFixture(t)
	f.add(t, certstoretest.Options{CommonName: "sign", KeyUsage: certstoretest.SignUsage})
	f.prompter.Cancel = true

	resp := f.handle(t, `{"type":"CERT"}`)
	assert.Equal(t, errors.ResultUserCancel, resp.Result)
}

func TestCertDialogFailureIsTechnical(t *testing.T) {
	f := newFixture(t)
	f.add(t, certstoretest.Options{CommonName: "sign", KeyUsage: certstoretest.SignUsage})
	f.prompter.Err = assert.AnError

	resp := f.handle(t, `{"type":"CERT"}`)
	assert.Equal(t, errors.ResultTechnicalError, resp.Result)
}

func TestSignECDSAIgnoresHashType(t *testing.T) {
	f := newFixture(t)
	id := f.add(t, certstoretest.Options{CommonName: "ec", KeyUsage: certstoretest.SignUsage})
	digest := sha256.Sum256([]byte("document"))

	resp := f.handle(t, signRequest(t, id, digest[:], map[string]any{"hashtype": "NOPE"}))
	require.Equal(t, errors.ResultOK, resp.Result, resp.Message)

	sig, err := hexcodec.Decode(resp.Signature)
	require.NoError(t, err)
	require.Len(t, sig, 64)
	pub := id.Cert.PublicKey.(*ecdsa.PublicKey)
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:])
	assert.True(t, ecdsa.Verify(pub, digest[:], r, s))

	require.Len(t, f.journal.entries, 1)
	assert.Equal(t, "SIGN", f.journal.entries[0].Type)
	assert.Equal(t, "NOPE", f.journal.entries[0].HashType)
}

func TestSignRSA(t *testing.T) {
	f := newFixture(t)
	id := f.add(t, certstoretest.Options{CommonName: "rsa", RSA: true, KeyUsage: certstoretest.SignUsage})
	digest := sha256.Sum256([]byte("document"))

	resp := f.handle(t, signRequest(t, id, digest[:], nil))
	require.Equal(t, errors.ResultOK, resp.Result, resp.Message)

	sig, err := hexcodec.Decode(resp.Signature)
	require.NoError(t, err)
	assert.NoError(t, rsa.VerifyPKCS1v15(id.Cert.PublicKey.(*rsa.PublicKey), crypto.SHA256, digest[:], sig))
}

func TestSignRSAUnknownHashTypeTouchesNoKey(t *testing.T) {
	f := newFixture(t)
	id := f.add(t, certstoretest.Options{CommonName: "rsa", RSA: true, KeyUsage: certstoretest.SignUsage})
	digest := sha256.Sum256([]byte("document"))

	resp := f.handle(t, signRequest(t, id, digest[:], map[string]any{"hashtype": "MD5"}))
	assert.Equal(t, errors.ResultInvalidArgument, resp.Result)

	opened, _ := f.mem.Stats()
	assert.Zero(t, opened)
}

func TestSignInfoTooLong(t *testing.T) {
	f := newFixture(t)
	id := f.add(t, certstoretest.Options{CommonName: "ec", KeyUsage: certstoretest.SignUsage})
	digest := sha256.Sum256([]byte("document"))

	resp := f.handle(t, signRequest(t, id, digest[:], map[string]any{"info": strings.Repeat("ä", MaxInfoLength+1)}))
	assert.Equal(t, errors.ResultInvalidArgument, resp.Result)
	assert.Empty(t, f.prompter.Confirms)
	opened, _ := f.mem.Stats()
	assert.Zero(t, opened)

	resp = f.handle(t, signRequest(t, id, digest[:], map[string]any{"info": strings.Repeat("ä", MaxInfoLength)}))
	assert.Equal(t, errors.ResultOK, resp.Result, resp.Message)
}

func TestSignConfirmation(t *testing.T) {
	f := newFixture(t)
	id := f.add(t, certstoretest.Options{CommonName: "ec", KeyUsage: certstoretest.SignUsage})
	digest := sha256.Sum256([]byte("document"))

	f.prompter.Accept = false
	resp := f.handle(t, signRequest(t, id, digest[:], map[string]any{"info": "Pay 10 EUR"}))
	assert.Equal(t, errors.ResultUserCancel, resp.Result)
	assert.Equal(t, []string{"Pay 10 EUR"}, f.prompter.Confirms)
	opened, _ := f.mem.Stats()
	assert.Zero(t, opened)

	f.prompter.Accept = true
	resp = f.handle(t, signRequest(t, id, digest[:], map[string]any{"info": "Pay 10 EUR"}))
	assert.Equal(t, errors.ResultOK, resp.Result)

	_ = f.handle(t, signRequest(t, id, digest[:], nil))
	assert.Len(t, f.prompter.Confirms, 2)
}

func TestSignUnknownCertificate(t *testing.T) {
	f := newFixture(t)
	stranger := certstoretest.New(t, certstoretest.Options{CommonName: "stranger", KeyUsage: certstoretest.SignUsage})
	digest := sha256.Sum256([]byte("document"))

	resp := f.handle(t, signRequest(t, stranger, digest[:], nil))
	assert.Equal(t, errors.ResultInvalidArgument, resp.Result)
	assert.Contains(t, resp.Message, "Failed to find certificate")
}

func TestSignMalformedInput(t *testing.T) {
	f := newFixture(t)
	id := f.add(t, certstoretest.Options{CommonName: "ec", KeyUsage: certstoretest.SignUsage})

	resp := f.handle(t, `{"type":"SIGN","cert":"abc","hash":"00"}`)
	assert.Equal(t, errors.ResultInvalidArgument, resp.Result)

	resp = f.handle(t, `{"type":"SIGN","cert":"`+hexcodec.Encode(id.DER)+`","hash":"xyz"}`)
	assert.Equal(t, errors.ResultInvalidArgument, resp.Result)
}

func TestSignWithoutKeyHandle(t *testing.T) {
	f := newFixture(t)
	id := f.add(t, certstoretest.Options{CommonName: "ec", KeyUsage: certstoretest.SignUsage})
	f.mem.FailOpen(assert.AnError)
	digest := sha256.Sum256([]byte("document"))

	resp := f.handle(t, signRequest(t, id, digest[:], nil))
	assert.Equal(t, errors.ResultInvalidArgument, resp.Result)
}

func TestSignReleasesKey(t *testing.T) {
	f := newFixture(t)
	id := f.add(t, certstoretest.Options{CommonName: "ec", KeyUsage: certstoretest.SignUsage})
	digest := sha256.Sum256([]byte("document"))

	for i := 0; i < 3; i++ {
		resp := f.handle(t, signRequest(t, id, digest[:], nil))
		require.Equal(t, errors.ResultOK, resp.Result)
	}
	opened, released := f.mem.Stats()
	assert.Equal(t, 3, opened)
	assert.Equal(t, opened, released)
	assert.Zero(t, f.store.OpenKeys())
}

func TestHandleUsesClock(t *testing.T) {
	f := newFixture(t)
	now := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	f.d.cfg.Now = func() time.Time { return now }

	f.add(t, certstoretest.Options{
		CommonName: "current", KeyUsage: certstoretest.SignUsage,
		NotBefore: time.Now().Add(-time.Hour), NotAfter: time.Now().Add(time.Hour),
	})
	resp := f.handle(t, `{"type":"CERT"}`)
	assert.Equal(t, errors.ResultNoCertificates, resp.Result)
	require.Len(t, f.journal.entries, 1)
	assert.Equal(t, now, f.journal.entries[0].CreatedAt)
}
