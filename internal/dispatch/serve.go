// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	stderrors "errors"

	"github.com/dotandev/tokensign/internal/errors"
	"github.com/dotandev/tokensign/internal/logger"
	"github.com/dotandev/tokensign/internal/transport"
)

// Serve answers requests arriving on ch until the channel closes or ctx is
// done, in which case it returns nil. It returns errors.ErrUnknownCommand
// when an unrecognized command arrives; the channel is closed either way.
func Serve(ctx context.Context, ch transport.Channel, d *Dispatcher) error {
	stop := context.AfterFunc(ctx, func() { _ = ch.Close() })
	defer stop()
	defer ch.Close()

	for {
		raw, err := ch.Receive()
		if err != nil {
			if stderrors.Is(err, errors.ErrChannelClosed) || ctx.Err() != nil {
				logger.Logger.Debug("Backend channel closed", "session", d.cfg.SessionID)
				return nil
			}
			return err
		}

		out, err := d.Handle(ctx, raw)
		if err != nil {
			return err
		}
		if err := ch.Send(out); err != nil {
			if stderrors.Is(err, errors.ErrChannelClosed) {
				return nil
			}
			return err
		}
	}
}
