// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"encoding/binary"
	stderrors "errors"
	"io"
	"sync"

	"github.com/dotandev/tokensign/internal/errors"
)

// Browser native messaging limits.
const (
	MaxInboundMessage  = 64 << 20
	MaxOutboundMessage = 1 << 20
)

// ReadMessage reads one length-prefixed native messaging frame. A clean EOF
// before the header is reported as a closed channel.
func ReadMessage(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if stderrors.Is(err, io.EOF) {
			return nil, errors.WrapChannelClosed(err)
		}
		return nil, err
	}
	size := binary.NativeEndian.Uint32(header[:])
	if size > MaxInboundMessage {
		return nil, errors.WrapMessageTooLarge(int(size), MaxInboundMessage)
	}
	msg := make([]byte, size)
	if _, err := io.ReadFull(r, msg); err != nil {
		return nil, errors.WrapChannelClosed(err)
	}
	return msg, nil
}

// WriteMessage writes one native messaging frame.
func WriteMessage(w io.Writer, msg []byte) error {
	if len(msg) > MaxOutboundMessage {
		return errors.WrapMessageTooLarge(len(msg), MaxOutboundMessage)
	}
	frame := make([]byte, 4+len(msg))
	binary.NativeEndian.PutUint32(frame, uint32(len(msg)))
	copy(frame[4:], msg)
	_, err := w.Write(frame)
	return err
}

// NativeChannel frames messages over a reader/writer pair such as the
// stdio of a native messaging host.
type NativeChannel struct {
	r io.Reader
	w io.Writer
	c []io.Closer

	rmu sync.Mutex
	wmu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

func NewNativeChannel(r io.Reader, w io.Writer, closers ...io.Closer) *NativeChannel {
	return &NativeChannel{r: r, w: w, c: closers, closed: make(chan struct{})}
}

func (n *NativeChannel) isClosed() bool {
	select {
	case <-n.closed:
		return true
	default:
		return false
	}
}

func (n *NativeChannel) Receive() ([]byte, error) {
	n.rmu.Lock()
	defer n.rmu.Unlock()
	if n.isClosed() {
		return nil, errors.ErrChannelClosed
	}
	msg, err := ReadMessage(n.r)
	if err != nil && n.isClosed() {
		return nil, errors.WrapChannelClosed(err)
	}
	return msg, err
}

func (n *NativeChannel) Send(msg []byte) error {
	n.wmu.Lock()
	defer n.wmu.Unlock()
	if n.isClosed() {
		return errors.ErrChannelClosed
	}
	return WriteMessage(n.w, msg)
}

func (n *NativeChannel) Close() error {
	var errs []error
	n.closeOnce.Do(func() {
		close(n.closed)
		for _, c := range n.c {
			errs = append(errs, c.Close())
		}
	})
	return stderrors.Join(errs...)
}
