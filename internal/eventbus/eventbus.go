// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

// Package eventbus delivers session lifecycle events from the relay to
// logging and metrics subscribers.
package eventbus

import (
	"sort"
	"sync"
	"time"
)

// Session lifecycle topics.
const (
	TopicSessionOpened   = "session.opened"
	TopicSessionActive   = "session.active"
	TopicSessionClosed   = "session.closed"
	TopicSessionRejected = "session.rejected"
)

// SessionEvent is the payload of every session topic.
type SessionEvent struct {
	SessionID uint64
	// Reason is set on closed and rejected events.
	Reason string
	// Duration is the session lifetime, set on closed events.
	Duration time.Duration
	At       time.Time
}

// HandlerID uniquely identifies a registered event listener.
// It is returned by Subscribe and must be passed to Unsubscribe.
type HandlerID uint64

// Handler is a function that receives an event payload.
type Handler func(payload any)

// EventBus is a concurrency-safe publish/subscribe event bus.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[string]map[HandlerID]Handler
	nextID   HandlerID
}

// New returns a new, ready-to-use EventBus.
func New() *EventBus {
	return &EventBus{
		handlers: make(map[string]map[HandlerID]Handler),
	}
}

// Subscribe registers handler to be called whenever an event of the given
// topic is emitted. It returns a HandlerID that can be used to unsubscribe.
func (b *EventBus) Subscribe(topic string, handler Handler) HandlerID {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID

	if b.handlers[topic] == nil {
		b.handlers[topic] = make(map[HandlerID]Handler)
	}
	b.handlers[topic][id] = handler

	return id
}

// SubscribeSession registers fn for a session topic. Payloads of any other
// type are ignored.
func (b *EventBus) SubscribeSession(topic string, fn func(SessionEvent)) HandlerID {
	return b.Subscribe(topic, func(payload any) {
		if ev, ok := payload.(SessionEvent); ok {
			fn(ev)
		}
	})
}

// Unsubscribe removes the listener identified by id from the given topic.
// It is safe to call from within a Handler.
func (b *EventBus) Unsubscribe(topic string, id HandlerID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if listeners, ok := b.handlers[topic]; ok {
		delete(listeners, id)
		if len(listeners) == 0 {
			delete(b.handlers, topic)
		}
	}
}

// Emit delivers payload to all handlers currently subscribed to topic, in
// subscription order, on the calling goroutine. A nil bus drops the event.
func (b *EventBus) Emit(topic string, payload any) {
	if b == nil {
		return
	}

	b.mu.RLock()
	listeners := b.handlers[topic]
	ids := make([]HandlerID, 0, len(listeners))
	for id := range listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	snapshot := make([]Handler, 0, len(ids))
	for _, id := range ids {
		snapshot = append(snapshot, listeners[id])
	}
	b.mu.RUnlock()

	// Handlers run without the lock so they may subscribe or unsubscribe.
	for _, h := range snapshot {
		h(payload)
	}
}

// Topics returns the sorted topics that have at least one subscriber.
func (b *EventBus) Topics() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	topics := make([]string, 0, len(b.handlers))
	for t := range b.handlers {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

// SubscriberCount returns the number of active subscribers for a topic.
func (b *EventBus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[topic])
}
