// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"crypto/subtle"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dotandev/tokensign/internal/errors"
	"github.com/dotandev/tokensign/internal/transport"
)

// State of a session.
type State int

const (
	StateOpening State = iota
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateActive:
		return "active"
	default:
		return "closed"
	}
}

// Session pairs a front-end channel with the backend serving it.
type Session struct {
	ID       uint64
	Token    string
	OpenedAt time.Time

	// Guarded by the registry mutex until the session is removed.
	state     State
	front     transport.Channel
	back      transport.Channel
	frontHold *Hold
	backHold  *Hold

	attached  chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Done is closed once the session has been torn down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// SessionInfo is a point-in-time view of a registered session.
type SessionInfo struct {
	ID       uint64    `json:"id"`
	State    string    `json:"state"`
	OpenedAt time.Time `json:"opened_at"`
}

// Registry maps session ids to channel pairs. One mutex covers every
// operation, so removing an id never races with attaching to it.
type Registry struct {
	mu       sync.Mutex
	nextID   uint64
	sessions map[uint64]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[uint64]*Session)}
}

// Register stores front under a fresh id with a new secret token.
func (r *Registry) Register(front transport.Channel, hold *Hold, now time.Time) *Session {
	s := &Session{
		Token:     uuid.NewString(),
		OpenedAt:  now,
		state:     StateOpening,
		front:     front,
		frontHold: hold,
		attached:  make(chan struct{}),
		done:      make(chan struct{}),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	s.ID = r.nextID
	r.sessions[s.ID] = s
	return s
}

// Attach binds back to session id. The token must match, and a session
// accepts exactly one backend.
func (r *Registry) Attach(id uint64, token string, back transport.Channel, hold *Hold) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, errors.WrapSessionNotFound(id)
	}
	if subtle.ConstantTimeCompare([]byte(s.Token), []byte(token)) != 1 {
		return nil, errors.ErrUnauthorized
	}
	if s.back != nil {
		return nil, errors.ErrAlreadyAttached
	}
	s.back = back
	s.backHold = hold
	s.state = StateActive
	close(s.attached)
	return s, nil
}

// Authorize checks that id is awaiting a backend and token matches, without
// attaching anything.
func (r *Registry) Authorize(id uint64, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return errors.WrapSessionNotFound(id)
	}
	if subtle.ConstantTimeCompare([]byte(s.Token), []byte(token)) != 1 {
		return errors.ErrUnauthorized
	}
	if s.back != nil {
		return errors.ErrAlreadyAttached
	}
	return nil
}

func (r *Registry) Lookup(id uint64) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove deletes id and marks the session closed. It reports false when
// the id was not registered.
func (r *Registry) Remove(id uint64) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	delete(r.sessions, id)
	s.state = StateClosed
	return s, true
}

// Snapshot lists registered sessions ordered by id.
func (r *Registry) Snapshot() []SessionInfo {
	r.mu.Lock()
	out := make([]SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, SessionInfo{ID: s.ID, State: s.state.String(), OpenedAt: s.OpenedAt})
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) ids() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]uint64, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}
