// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package certstore

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dotandev/tokensign/internal/errors"
)

// DirProvider reads software identities from a directory of
// <name>.crt (PEM or DER) certificates with optional <name>.key PEM keys.
// Its keys belong to FamilyLegacy.
type DirProvider struct {
	dir string
}

type fileKey struct {
	signer crypto.Signer
}

func NewDirProvider(dir string) *DirProvider {
	return &DirProvider{dir: dir}
}

func (p *DirProvider) Name() string   { return "dir:" + p.dir }
func (p *DirProvider) Family() Family { return FamilyLegacy }

func (p *DirProvider) Certificates(ctx context.Context) ([]Entry, error) {
	files, err := os.ReadDir(p.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Technical("Failed to read certificate directory", err)
	}

	var names []string
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		switch filepath.Ext(f.Name()) {
		case ".crt", ".pem", ".cer", ".der":
			names = append(names, f.Name())
		}
	}
	sort.Strings(names)

	var out []Entry
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(filepath.Join(p.dir, name))
		if err != nil {
			continue
		}
		der := data
		if block, _ := pem.Decode(data); block != nil {
			if block.Type != "CERTIFICATE" {
				continue
			}
			der = block.Bytes
		}
		base := strings.TrimSuffix(name, filepath.Ext(name))
		entry := Entry{DER: der, Label: base}
		keyPath := filepath.Join(p.dir, base+".key")
		if _, err := os.Stat(keyPath); err == nil {
			entry.Ref = keyPath
		}
		out = append(out, entry)
	}
	return out, nil
}

func (p *DirProvider) OpenKey(ctx context.Context, ref string, silent bool) (PrivateKey, error) {
	data, err := os.ReadFile(ref)
	if err != nil {
		return nil, errors.WrapNotFound("key file " + ref)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.Technical("Key file is not PEM", nil)
	}
	signer, err := parsePrivateKey(block)
	if err != nil {
		return nil, errors.Technical("Failed to parse key file", err)
	}
	return &fileKey{signer: signer}, nil
}

func (p *DirProvider) ReleaseKey(key PrivateKey) error {
	fk, ok := key.(*fileKey)
	if !ok {
		return errors.Technical("Key was not issued by "+p.Name(), nil)
	}
	fk.signer = nil
	return nil
}

func parsePrivateKey(block *pem.Block) (crypto.Signer, error) {
	switch block.Type {
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(block.Bytes)
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	}
	k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	switch key := k.(type) {
	case *ecdsa.PrivateKey:
		return key, nil
	case *rsa.PrivateKey:
		return key, nil
	default:
		return nil, errors.InvalidArgument("Unsupported key type", nil)
	}
}

func (k *fileKey) Public() crypto.PublicKey {
	if k.signer == nil {
		return nil
	}
	return k.signer.Public()
}

func (k *fileKey) ImplFlags() (ImplFlags, error) {
	return ImplSoftware, nil
}

func (k *fileKey) SignDigest(ctx context.Context, digest []byte, scheme Scheme) ([]byte, error) {
	if k.signer == nil {
		return nil, errors.Technical("Key already released", nil)
	}
	return signWithSigner(k.signer, digest, scheme)
}
