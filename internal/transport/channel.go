// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

// Package transport carries opaque messages between the browser, the relay
// and the backend. Every transport preserves message boundaries and order.
package transport

import (
	"sync"

	"github.com/dotandev/tokensign/internal/errors"
)

// Channel is an ordered, reliable, message-preserving duplex channel.
// Receive and Send may be called from different goroutines. After Close,
// both return an error matching errors.ErrChannelClosed.
type Channel interface {
	Receive() ([]byte, error)
	Send(msg []byte) error
	Close() error
}

// Pipe returns two connected in-memory channels. Closing either end closes
// both.
func Pipe() (Channel, Channel) {
	shared := &pipeState{done: make(chan struct{})}
	ab := make(chan []byte, 16)
	ba := make(chan []byte, 16)
	return &pipeEnd{state: shared, in: ba, out: ab}, &pipeEnd{state: shared, in: ab, out: ba}
}

type pipeState struct {
	once sync.Once
	done chan struct{}
}

type pipeEnd struct {
	state *pipeState
	in    <-chan []byte
	out   chan<- []byte
}

func (p *pipeEnd) Receive() ([]byte, error) {
	select {
	case msg := <-p.in:
		return msg, nil
	case <-p.state.done:
	}
	// Deliver anything sent before the close.
	select {
	case msg := <-p.in:
		return msg, nil
	default:
		return nil, errors.ErrChannelClosed
	}
}

func (p *pipeEnd) Send(msg []byte) error {
	select {
	case <-p.state.done:
		return errors.ErrChannelClosed
	default:
	}
	cp := append([]byte(nil), msg...)
	select {
	case p.out <- cp:
		return nil
	case <-p.state.done:
		return errors.ErrChannelClosed
	}
}

func (p *pipeEnd) Close() error {
	p.state.once.Do(func() { close(p.state.done) })
	return nil
}
