// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package certstore

import (
	"context"
	"crypto"
	stderrors "errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/miekg/pkcs11"

	"github.com/dotandev/tokensign/internal/errors"
	"github.com/dotandev/tokensign/internal/hexcodec"
	"github.com/dotandev/tokensign/internal/logger"
)

// PINSource supplies the user PIN for a token.
type PINSource interface {
	PIN(ctx context.Context, tokenLabel string) (string, error)
}

// Module is the slice of the Cryptoki API tokensign uses. *pkcs11.Ctx
// satisfies it.
type Module interface {
	GetSlotList(tokenPresent bool) ([]uint, error)
	GetSlotInfo(slotID uint) (pkcs11.SlotInfo, error)
	GetTokenInfo(slotID uint) (pkcs11.TokenInfo, error)
	OpenSession(slotID uint, flags uint) (pkcs11.SessionHandle, error)
	CloseSession(sh pkcs11.SessionHandle) error
	Login(sh pkcs11.SessionHandle, userType uint, pin string) error
	Logout(sh pkcs11.SessionHandle) error
	FindObjectsInit(sh pkcs11.SessionHandle, temp []*pkcs11.Attribute) error
	FindObjects(sh pkcs11.SessionHandle, max int) ([]pkcs11.ObjectHandle, bool, error)
	FindObjectsFinal(sh pkcs11.SessionHandle) error
	GetAttributeValue(sh pkcs11.SessionHandle, o pkcs11.ObjectHandle, a []*pkcs11.Attribute) ([]*pkcs11.Attribute, error)
	SignInit(sh pkcs11.SessionHandle, m []*pkcs11.Mechanism, o pkcs11.ObjectHandle) error
	Sign(sh pkcs11.SessionHandle, message []byte) ([]byte, error)
}

// PKCS11Provider exposes the certificates on every present token of one
// PKCS#11 module. Its keys belong to FamilyModern.
type PKCS11Provider struct {
	name  string
	mod   Module
	pins  PINSource
	close func() error

	mu   sync.Mutex
	pubs map[string]crypto.PublicKey
}

// OpenPKCS11 loads and initializes the module at path.
func OpenPKCS11(path string, pins PINSource) (*PKCS11Provider, error) {
	ctx := pkcs11.New(path)
	if ctx == nil {
		return nil, errors.Technical(fmt.Sprintf("Failed to load PKCS#11 module %s", path), nil)
	}
	if err := ctx.Initialize(); err != nil {
		ctx.Destroy()
		return nil, errors.Technical(fmt.Sprintf("Failed to initialize PKCS#11 module %s", path), err)
	}
	p := NewPKCS11Provider("pkcs11:"+path, ctx, pins)
	p.close = func() error {
		err := ctx.Finalize()
		ctx.Destroy()
		return err
	}
	return p, nil
}

// NewPKCS11Provider wraps an already initialized module.
func NewPKCS11Provider(name string, mod Module, pins PINSource) *PKCS11Provider {
	return &PKCS11Provider{
		name: name,
		mod:  mod,
		pins: pins,
		pubs: make(map[string]crypto.PublicKey),
	}
}

// Close finalizes the module when this provider loaded it.
func (p *PKCS11Provider) Close() error {
	if p.close == nil {
		return nil
	}
	return p.close()
}

func (p *PKCS11Provider) Name() string   { return p.name }
func (p *PKCS11Provider) Family() Family { return FamilyModern }

func (p *PKCS11Provider) Certificates(ctx context.Context) ([]Entry, error) {
	slots, err := p.mod.GetSlotList(true)
	if err != nil {
		return nil, errors.Technical("Failed to list PKCS#11 slots", err)
	}

	var out []Entry
	for _, slot := range slots {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		entries, err := p.slotCertificates(slot)
		if err != nil {
			logger.Logger.Warn("Skipping PKCS#11 slot", "provider", p.name, "slot", slot, "error", err)
			continue
		}
		out = append(out, entries...)
	}
	return out, nil
}

func (p *PKCS11Provider) slotCertificates(slot uint) ([]Entry, error) {
	info, err := p.mod.GetTokenInfo(slot)
	if err != nil {
		return nil, err
	}
	sh, err := p.mod.OpenSession(slot, pkcs11.CKF_SERIAL_SESSION)
	if err != nil {
		return nil, err
	}
	defer p.mod.CloseSession(sh)

	objs, err := p.find(sh, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_CERTIFICATE),
		pkcs11.NewAttribute(pkcs11.CKA_CERTIFICATE_TYPE, pkcs11.CKC_X_509),
	})
	if err != nil {
		return nil, err
	}

	label := strings.TrimSpace(info.Label)
	var out []Entry
	for _, obj := range objs {
		attrs, err := p.mod.GetAttributeValue(sh, obj, []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_VALUE, nil),
			pkcs11.NewAttribute(pkcs11.CKA_ID, nil),
		})
		if err != nil || len(attrs) < 2 {
			continue
		}
		der, id := attrs[0].Value, attrs[1].Value
		cert, err := ParseCertificate(der)
		if err != nil {
			continue
		}
		entry := Entry{DER: der, Label: label}
		if p.hasKey(sh, id) {
			entry.Ref = formatRef(slot, id)
			p.mu.Lock()
			p.pubs[entry.Ref] = cert.X509.PublicKey
			p.mu.Unlock()
		}
		out = append(out, entry)
	}
	return out, nil
}

// hasKey reports whether the token exposes a public or private key object
// sharing the certificate's CKA_ID. Private keys are usually hidden until
// login, so the public key is the common match.
func (p *PKCS11Provider) hasKey(sh pkcs11.SessionHandle, id []byte) bool {
	for _, class := range []uint{pkcs11.CKO_PUBLIC_KEY, pkcs11.CKO_PRIVATE_KEY} {
		objs, err := p.find(sh, []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_CLASS, class),
			pkcs11.NewAttribute(pkcs11.CKA_ID, id),
		})
		if err != nil {
			logger.Logger.Debug("Token key lookup failed", "provider", p.name, "error", err)
			continue
		}
		if len(objs) > 0 {
			return true
		}
	}
	return false
}

func (p *PKCS11Provider) find(sh pkcs11.SessionHandle, template []*pkcs11.Attribute) ([]pkcs11.ObjectHandle, error) {
	if err := p.mod.FindObjectsInit(sh, template); err != nil {
		return nil, err
	}
	defer p.mod.FindObjectsFinal(sh)

	var all []pkcs11.ObjectHandle
	for {
		objs, _, err := p.mod.FindObjects(sh, 32)
		if err != nil {
			return nil, err
		}
		if len(objs) == 0 {
			return all, nil
		}
		all = append(all, objs...)
	}
}

// OpenKey opens a session on the key's slot. Login is deferred to the
// first signature so silent opens never prompt.
func (p *PKCS11Provider) OpenKey(ctx context.Context, ref string, silent bool) (PrivateKey, error) {
	slot, id, err := parseRef(ref)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	pub, ok := p.pubs[ref]
	p.mu.Unlock()
	if !ok {
		return nil, errors.WrapNotFound("token key " + ref)
	}
	info, err := p.mod.GetTokenInfo(slot)
	if err != nil {
		return nil, errors.Technical("Token not available", err)
	}
	sh, err := p.mod.OpenSession(slot, pkcs11.CKF_SERIAL_SESSION)
	if err != nil {
		return nil, errors.Technical("Failed to open token session", err)
	}
	return &tokenKey{
		provider: p,
		slot:     slot,
		session:  sh,
		id:       id,
		label:    strings.TrimSpace(info.Label),
		pinpad:   info.Flags&pkcs11.CKF_PROTECTED_AUTHENTICATION_PATH != 0,
		pub:      pub,
	}, nil
}

func (p *PKCS11Provider) ReleaseKey(key PrivateKey) error {
	tk, ok := key.(*tokenKey)
	if !ok || tk.provider != p {
		return errors.Technical("Key was not issued by "+p.name, nil)
	}
	tk.mu.Lock()
	defer tk.mu.Unlock()
	if tk.loggedIn {
		_ = p.mod.Logout(tk.session)
		tk.loggedIn = false
	}
	return p.mod.CloseSession(tk.session)
}

func formatRef(slot uint, id []byte) string {
	return strconv.FormatUint(uint64(slot), 10) + ":" + hexcodec.Encode(id)
}

func parseRef(ref string) (uint, []byte, error) {
	slotStr, idHex, ok := strings.Cut(ref, ":")
	if !ok {
		return 0, nil, errors.InvalidArgument("Malformed token key reference", nil)
	}
	slot, err := strconv.ParseUint(slotStr, 10, 0)
	if err != nil {
		return 0, nil, errors.InvalidArgument("Malformed token key reference", err)
	}
	id, err := hexcodec.Decode(idHex)
	if err != nil {
		return 0, nil, err
	}
	return uint(slot), id, nil
}

type tokenKey struct {
	provider *PKCS11Provider
	slot     uint
	id       []byte
	label    string
	pinpad   bool
	pub      crypto.PublicKey

	mu       sync.Mutex
	session  pkcs11.SessionHandle
	loggedIn bool
}

func (k *tokenKey) Public() crypto.PublicKey {
	return k.pub
}

// ImplFlags classifies the key from its slot: a hardware slot or removable
// device makes it a hardware key.
func (k *tokenKey) ImplFlags() (ImplFlags, error) {
	info, err := k.provider.mod.GetSlotInfo(k.slot)
	if err != nil {
		return 0, errors.Technical("Failed to read slot info", err)
	}
	var flags ImplFlags
	if info.Flags&pkcs11.CKF_HW_SLOT != 0 {
		flags |= ImplHardware
	}
	if info.Flags&pkcs11.CKF_REMOVABLE_DEVICE != 0 {
		flags |= ImplRemovable
	}
	if flags == 0 {
		flags = ImplSoftware
	}
	return flags, nil
}

func (k *tokenKey) SignDigest(ctx context.Context, digest []byte, scheme Scheme) ([]byte, error) {
	var (
		mech uint
		data []byte
	)
	switch sc := scheme.(type) {
	case ECDSA:
		mech, data = pkcs11.CKM_ECDSA, digest
	case RSAPKCS1v15:
		di, err := DigestInfo(sc.Hash, digest)
		if err != nil {
			return nil, err
		}
		mech, data = pkcs11.CKM_RSA_PKCS, di
	default:
		return nil, errors.InvalidArgument("Unsupported signature scheme", nil)
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if err := k.login(ctx); err != nil {
		return nil, err
	}
	mod := k.provider.mod
	objs, err := k.provider.find(k.session, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_ID, k.id),
	})
	if err != nil {
		return nil, errors.Technical("Failed to look up token key", err)
	}
	if len(objs) == 0 {
		return nil, errors.InvalidArgument("Private key not found on token "+k.label, nil)
	}
	if err := mod.SignInit(k.session, []*pkcs11.Mechanism{pkcs11.NewMechanism(mech, nil)}, objs[0]); err != nil {
		return nil, errors.Technical("Failed to start token signature", err)
	}
	sig, err := mod.Sign(k.session, data)
	if err != nil {
		return nil, errors.Technical("Token signature failed", err)
	}
	return sig, nil
}

func (k *tokenKey) login(ctx context.Context) error {
	if k.loggedIn {
		return nil
	}
	var pin string
	if !k.pinpad {
		if k.provider.pins == nil {
			return errors.Technical("No PIN source for token "+k.label, nil)
		}
		var err error
		if pin, err = k.provider.pins.PIN(ctx, k.label); err != nil {
			return err
		}
	}
	err := k.provider.mod.Login(k.session, pkcs11.CKU_USER, pin)
	var ckr pkcs11.Error
	switch {
	case err == nil:
	case stderrors.As(err, &ckr) && ckr == pkcs11.CKR_USER_ALREADY_LOGGED_IN:
	case stderrors.As(err, &ckr) && ckr == pkcs11.CKR_PIN_INCORRECT:
		return errors.Technical("Incorrect PIN for token "+k.label, err)
	default:
		return errors.Technical("Token login failed", err)
	}
	k.loggedIn = true
	return nil
}
