// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/dotandev/tokensign/internal/config"
	"github.com/dotandev/tokensign/internal/dispatch"
	"github.com/dotandev/tokensign/internal/errors"
	"github.com/dotandev/tokensign/internal/relay"
	"github.com/dotandev/tokensign/internal/transport"
)

var (
	backendRelayURL string
	backendSession  uint64
	backendToken    string
)

var backendCmd = &cobra.Command{
	Use:    "backend",
	Short:  "Serve one relay session (started by the relay)",
	Hidden: true,
	Long: `Dial back to the relay's backend endpoint and answer the requests of one
session. The relay starts this command for every front-end connection and
passes the session token in the ` + relay.TokenEnv + ` environment variable.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		token := backendToken
		if token == "" {
			token = os.Getenv(relay.TokenEnv)
		}
		if token == "" {
			return errors.WrapValidationError("missing session token")
		}
		target, err := backendDialURL(backendRelayURL, backendSession, token)
		if err != nil {
			return err
		}

		return runWithSignals(cmd, func(ctx context.Context) error {
			return runBackend(ctx, appConfig, target)
		})
	},
}

// backendDialURL appends the session credentials to the relay's backend URL.
func backendDialURL(base string, session uint64, token string) (string, error) {
	u, err := url.Parse(base)
	if err != nil || u.Host == "" {
		return "", errors.WrapValidationError("invalid relay URL: " + base)
	}
	q := u.Query()
	q.Set("session", strconv.FormatUint(session, 10))
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func runBackend(ctx context.Context, cfg *config.Config, target string) error {
	if err := initTracing(ctx, cfg, "tokensign-backend"); err != nil {
		return err
	}

	header := http.Header{}
	if cfg.RelayAuthToken != "" {
		header.Set("Authorization", "Bearer "+cfg.RelayAuthToken)
	}
	ch, err := transport.Dial(ctx, target, transport.DialOptions{Header: header, MaxElapsed: 10 * time.Second})
	if err != nil {
		return err
	}

	stack, err := newBackendStack(ctx, cfg, true)
	if err != nil {
		_ = ch.Close()
		return err
	}
	return dispatch.Serve(ctx, ch, stack.dispatcher(backendSession, nil))
}

func init() {
	backendCmd.Flags().StringVar(&backendRelayURL, "relay", "", "Relay backend endpoint URL")
	backendCmd.Flags().Uint64Var(&backendSession, "session", 0, "Session id to attach to")
	backendCmd.Flags().StringVar(&backendToken, "token", "", "Session token (defaults to $"+relay.TokenEnv+")")
	_ = backendCmd.MarkFlagRequired("relay")
	_ = backendCmd.MarkFlagRequired("session")

	rootCmd.AddCommand(backendCmd)
}
