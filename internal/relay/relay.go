// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

// Package relay pairs untrusted front-end channels with privileged backend
// channels and forwards messages between them.
package relay

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/dotandev/tokensign/internal/errors"
	"github.com/dotandev/tokensign/internal/eventbus"
	"github.com/dotandev/tokensign/internal/ipc"
	"github.com/dotandev/tokensign/internal/logger"
	"github.com/dotandev/tokensign/internal/transport"
)

// Process is a launched backend.
type Process interface {
	// Done is closed when the backend has exited.
	Done() <-chan struct{}
}

// Launcher starts the backend for a session. The backend is expected to
// attach under id presenting token.
type Launcher interface {
	Launch(ctx context.Context, id uint64, token string) (Process, error)
}

type Config struct {
	Launcher Launcher
	Registry *Registry
	Holds    *HoldTracker
	Bus      *eventbus.EventBus
	Now      func() time.Time
}

type Relay struct {
	launcher Launcher
	reg      *Registry
	holds    *HoldTracker
	bus      *eventbus.EventBus
	now      func() time.Time
}

func New(cfg Config) *Relay {
	r := &Relay{
		launcher: cfg.Launcher,
		reg:      cfg.Registry,
		holds:    cfg.Holds,
		bus:      cfg.Bus,
		now:      cfg.Now,
	}
	if r.reg == nil {
		r.reg = NewRegistry()
	}
	if r.holds == nil {
		r.holds = NewHoldTracker()
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

func (r *Relay) Registry() *Registry { return r.reg }

func (r *Relay) Holds() *HoldTracker { return r.holds }

// SetLauncher replaces the launcher used by later sessions.
func (r *Relay) SetLauncher(l Launcher) { r.launcher = l }

// Open registers front as a new session, launches its backend and forwards
// messages until either side closes or ctx is done. The session is torn
// down before Open returns. A launch failure is answered on front with a
// technical_error response and returned; a backend that exits before
// attaching is answered the same way.
func (r *Relay) Open(ctx context.Context, front transport.Channel) error {
	s := r.reg.Register(front, r.holds.Acquire(SideFrontend), r.now())
	log := logger.Logger.With("session", s.ID)
	log.Info("Session opened")
	r.emit(eventbus.TopicSessionOpened, s, "")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { r.teardown(s, "cancelled") })
	defer stop()

	proc, err := r.launcher.Launch(ctx, s.ID, s.Token)
	if err != nil {
		log.Error("Backend launch failed", "error", err)
		r.answerLaunchFailure(s, err)
		r.teardown(s, "launch failed")
		return errors.WrapLaunchFailed(err)
	}

	reason := r.run(ctx, s, proc)
	r.teardown(s, reason)
	return nil
}

// Attach connects back to session id and blocks until the session closes or
// ctx is done.
func (r *Relay) Attach(ctx context.Context, id uint64, token string, back transport.Channel) error {
	s, err := r.attach(id, token, back)
	if err != nil {
		return err
	}
	select {
	case <-s.Done():
	case <-ctx.Done():
		// Closing the backend ends the session through its forwarder.
		_ = back.Close()
		<-s.Done()
	}
	return nil
}

func (r *Relay) attach(id uint64, token string, back transport.Channel) (*Session, error) {
	hold := r.holds.Acquire(SideBackend)
	s, err := r.reg.Attach(id, token, back, hold)
	if err != nil {
		hold.Release()
		logger.Logger.Warn("Backend attach rejected", "session", id, "error", err)
		r.bus.Emit(eventbus.TopicSessionRejected, eventbus.SessionEvent{SessionID: id, Reason: err.Error(), At: r.now()})
		return nil, err
	}
	return s, nil
}

// CloseAll tears down every registered session.
func (r *Relay) CloseAll(reason string) {
	for _, id := range r.reg.ids() {
		if s, ok := r.reg.Lookup(id); ok {
			r.teardown(s, reason)
		}
	}
}

// run forwards until the session ends and returns why it ended.
func (r *Relay) run(ctx context.Context, s *Session, proc Process) string {
	in := make(chan []byte)
	closed := make(chan string, 3)
	go r.readFront(s, in, closed)

	var procDone <-chan struct{}
	if proc != nil {
		procDone = proc.Done()
	}

	attached := s.attached
	for {
		select {
		case <-ctx.Done():
			return "cancelled"
		case <-s.done:
			return "closed"
		case why := <-closed:
			return why
		case <-procDone:
			select {
			case msg := <-in:
				r.answerFailure(s, msg, errors.Technical("Backend exited before attaching", nil))
			case <-closed:
			case <-s.done:
			}
			return "backend exited before attaching"
		case <-attached:
			attached = nil
			procDone = nil
			logger.Logger.Info("Session active", "session", s.ID)
			r.emit(eventbus.TopicSessionActive, s, "")
			go forwardFront(s, in, closed)
			go pump(s.back, s.front, "backend closed", "frontend send failed", closed)
		}
	}
}

// readFront hands front-end messages to in. Until a backend attaches
// nothing reads in, so the first request stays available for a failure
// answer.
func (r *Relay) readFront(s *Session, in chan<- []byte, closed chan<- string) {
	for {
		msg, err := s.front.Receive()
		if err != nil {
			closed <- "frontend closed"
			return
		}
		select {
		case in <- msg:
		case <-s.done:
			return
		}
	}
}

func forwardFront(s *Session, in <-chan []byte, closed chan<- string) {
	for {
		select {
		case msg := <-in:
			if err := s.back.Send(msg); err != nil {
				closed <- "backend send failed"
				return
			}
		case <-s.done:
			return
		}
	}
}

func pump(from, to transport.Channel, recvReason, sendReason string, closed chan<- string) {
	for {
		msg, err := from.Receive()
		if err != nil {
			closed <- recvReason
			return
		}
		if err := to.Send(msg); err != nil {
			closed <- sendReason
			return
		}
	}
}

// answerLaunchFailure replies to the first front-end request with a
// technical_error carrying its nonce.
func (r *Relay) answerLaunchFailure(s *Session, launchErr error) {
	msg, err := s.front.Receive()
	if err != nil {
		return
	}
	r.answerFailure(s, msg, errors.Technical("Failed to launch backend", launchErr))
}

func (r *Relay) answerFailure(s *Session, msg []byte, failure error) {
	resp := ipc.FailureResponse(ipc.NonceOf(msg), failure)
	out, err := resp.Encode()
	if err == nil {
		err = s.front.Send(out)
	}
	if err != nil && !stderrors.Is(err, errors.ErrChannelClosed) {
		logger.Logger.Warn("Failed to answer front-end", "session", s.ID, "error", err)
	}
}

// teardown removes s from the registry, closes both channels and releases
// both holds. Only the first call for a session has any effect.
func (r *Relay) teardown(s *Session, reason string) {
	r.reg.Remove(s.ID)
	s.closeOnce.Do(func() {
		close(s.done)
		if err := s.front.Close(); err != nil {
			logger.Logger.Debug("Front-end close failed", "session", s.ID, "error", err)
		}
		if s.frontHold != nil {
			s.frontHold.Release()
		}

		r.reg.mu.Lock()
		back, backHold := s.back, s.backHold
		r.reg.mu.Unlock()
		if back != nil {
			if err := back.Close(); err != nil {
				logger.Logger.Debug("Backend close failed", "session", s.ID, "error", err)
			}
		}
		if backHold != nil {
			backHold.Release()
		}

		logger.Logger.Info("Session closed", "session", s.ID, "reason", reason)
		r.emit(eventbus.TopicSessionClosed, s, reason)
	})
}

func (r *Relay) emit(topic string, s *Session, reason string) {
	now := r.now()
	ev := eventbus.SessionEvent{SessionID: s.ID, Reason: reason, At: now}
	if topic == eventbus.TopicSessionClosed {
		ev.Duration = now.Sub(s.OpenedAt)
	}
	r.bus.Emit(topic, ev)
}
