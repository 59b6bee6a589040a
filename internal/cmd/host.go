// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	stderrors "errors"
	"os"

	"github.com/spf13/cobra"

	"github.com/dotandev/tokensign/internal/dispatch"
	"github.com/dotandev/tokensign/internal/errors"
	"github.com/dotandev/tokensign/internal/eventbus"
	"github.com/dotandev/tokensign/internal/logger"
	"github.com/dotandev/tokensign/internal/relay"
	"github.com/dotandev/tokensign/internal/transport"
)

var hostCmd = &cobra.Command{
	Use:   "host [origin]",
	Short: "Serve a browser extension over native messaging",
	Long: `Read length-prefixed JSON requests from stdin and write responses to stdout,
as the browser's native messaging protocol expects. The browser starts one
host per extension port and passes the calling origin as the first argument.

The host runs a single relay session whose backend is served in-process.
Receiving an unrecognized command type ends the host with exit status 3.`,
	Args: cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) > 0 {
			logger.Logger.Info("Native messaging host started", "origin", args[0])
		}
		return runWithSignals(cmd, func(ctx context.Context) error {
			return runHost(ctx, transport.NewNativeChannel(os.Stdin, os.Stdout, os.Stdin))
		})
	},
}

// runHost relays front through an in-process backend until front closes or
// the backend terminates on an unknown command.
func runHost(ctx context.Context, front transport.Channel) error {
	cfg := appConfig
	if err := initTracing(ctx, cfg, "tokensign-host"); err != nil {
		return err
	}

	stack, err := newBackendStack(ctx, cfg, true)
	if err != nil {
		return err
	}

	ctx, stop := context.WithCancelCause(ctx)
	defer stop(nil)

	r := relay.New(relay.Config{Bus: eventbus.New()})
	r.SetLauncher(&relay.InProcessLauncher{
		Relay: r,
		Serve: func(ctx context.Context, id uint64, ch transport.Channel) error {
			return dispatch.Serve(ctx, ch, stack.dispatcher(id, stop))
		},
	})
	registerSessionDrainHook(r)

	err = r.Open(ctx, front)
	if cause := context.Cause(ctx); stderrors.Is(cause, errors.ErrUnknownCommand) {
		return cause
	}
	return err
}

func init() {
	rootCmd.AddCommand(hostCmd)
}
