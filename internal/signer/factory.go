// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package signer

import (
	stderrors "errors"
	"os"

	"github.com/dotandev/tokensign/internal/certstore"
	"github.com/dotandev/tokensign/internal/config"
	"github.com/dotandev/tokensign/internal/logger"
)

// NewStoreFromConfig builds the certificate store from configuration.
// PKCS#11 modules come first, in configured order, followed by the
// software certificate directory. Modules that are not installed are
// skipped. The returned close function finalizes every loaded module.
func NewStoreFromConfig(cfg *config.Config, pins certstore.PINSource) (*certstore.Store, func() error) {
	var (
		providers []certstore.Provider
		loaded    []*certstore.PKCS11Provider
	)

	for _, path := range cfg.PKCS11Modules {
		if _, err := os.Stat(path); err != nil {
			logger.Logger.Debug("PKCS#11 module not installed", "path", path)
			continue
		}
		p, err := certstore.OpenPKCS11(path, pins)
		if err != nil {
			logger.Logger.Warn("Skipping PKCS#11 module", "path", path, "error", err)
			continue
		}
		providers = append(providers, p)
		loaded = append(loaded, p)
	}

	if cfg.CertDir != "" {
		providers = append(providers, certstore.NewDirProvider(cfg.CertDir))
	}

	closeAll := func() error {
		var errs []error
		for _, p := range loaded {
			errs = append(errs, p.Close())
		}
		return stderrors.Join(errs...)
	}
	return certstore.New(providers...), closeAll
}
