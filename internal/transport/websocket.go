// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/dotandev/tokensign/internal/errors"
	"github.com/dotandev/tokensign/internal/logger"
)

const writeWait = 10 * time.Second

// WSChannel sends one text message per payload over a websocket.
type WSChannel struct {
	conn *websocket.Conn

	wmu       sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func NewWSChannel(conn *websocket.Conn) *WSChannel {
	conn.SetReadLimit(MaxInboundMessage)
	return &WSChannel{conn: conn}
}

func (c *WSChannel) Receive() ([]byte, error) {
	for {
		typ, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, errors.WrapChannelClosed(err)
		}
		if typ == websocket.TextMessage || typ == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *WSChannel) Send(msg []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return errors.WrapChannelClosed(err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		return errors.WrapChannelClosed(err)
	}
	return nil
}

// Close sends a normal closure frame and closes the connection.
func (c *WSChannel) Close() error {
	c.closeOnce.Do(func() {
		c.wmu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.wmu.Unlock()
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// DialOptions tunes Dial.
type DialOptions struct {
	Header http.Header
	// MaxElapsed bounds the retry period. Zero means one minute.
	MaxElapsed time.Duration
}

// Dial connects to a websocket endpoint, retrying with exponential backoff
// until ctx is done or MaxElapsed passes. Rejections by the server (4xx)
// are not retried.
func Dial(ctx context.Context, url string, opts DialOptions) (*WSChannel, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxElapsedTime = opts.MaxElapsed
	if bo.MaxElapsedTime == 0 {
		bo.MaxElapsedTime = time.Minute
	}

	var conn *websocket.Conn
	attempt := 0
	op := func() error {
		attempt++
		c, resp, err := websocket.DefaultDialer.DialContext(ctx, url, opts.Header)
		if err != nil {
			if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return backoff.Permanent(errors.WrapChannelClosed(err))
			}
			logger.Logger.Debug("Dial attempt failed", "attempt", attempt, "error", err)
			return err
		}
		conn = c
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return nil, err
	}
	return NewWSChannel(conn), nil
}
