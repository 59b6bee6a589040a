// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package eventbus

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestEmitSessionEvents(t *testing.T) {
	bus := New()

	var got []SessionEvent
	bus.SubscribeSession(TopicSessionClosed, func(ev SessionEvent) {
		got = append(got, ev)
	})

	bus.Emit(TopicSessionClosed, SessionEvent{SessionID: 3, Reason: "frontend closed", Duration: time.Second})
	bus.Emit(TopicSessionClosed, "not a session event")
	bus.Emit(TopicSessionOpened, SessionEvent{SessionID: 4})

	if len(got) != 1 {
		t.Fatalf("expected 1 event, got %d", len(got))
	}
	if got[0].SessionID != 3 || got[0].Reason != "frontend closed" {
		t.Errorf("unexpected event %+v", got[0])
	}
}

func TestEmitInSubscriptionOrder(t *testing.T) {
	bus := New()

	var order []string
	bus.Subscribe(TopicSessionOpened, func(any) { order = append(order, "log") })
	bus.Subscribe(TopicSessionOpened, func(any) { order = append(order, "metrics") })
	bus.Subscribe(TopicSessionOpened, func(any) { order = append(order, "rpc") })

	for i := 0; i < 5; i++ {
		order = order[:0]
		bus.Emit(TopicSessionOpened, SessionEvent{})
		if len(order) != 3 || order[0] != "log" || order[1] != "metrics" || order[2] != "rpc" {
			t.Fatalf("unexpected order %v", order)
		}
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := New()

	var count int
	id := bus.Subscribe(TopicSessionActive, func(any) { count++ })

	bus.Emit(TopicSessionActive, nil)
	bus.Unsubscribe(TopicSessionActive, id)
	bus.Emit(TopicSessionActive, nil)

	if count != 1 {
		t.Errorf("handler called after Unsubscribe: got %d calls total", count)
	}
	if n := bus.SubscriberCount(TopicSessionActive); n != 0 {
		t.Errorf("expected no subscribers, got %d", n)
	}
	if topics := bus.Topics(); len(topics) != 0 {
		t.Errorf("expected topic to be cleaned up, got %v", topics)
	}
}

func TestUnsubscribeUnknownID(t *testing.T) {
	bus := New()
	// Should not panic
	bus.Unsubscribe("no-such-topic", HandlerID(999))
}

func TestNilBusDropsEvents(t *testing.T) {
	var bus *EventBus
	// Should not panic
	bus.Emit(TopicSessionClosed, SessionEvent{})
}

func TestTopics(t *testing.T) {
	bus := New()
	bus.Subscribe(TopicSessionOpened, func(any) {})
	bus.Subscribe(TopicSessionClosed, func(any) {})
	bus.Subscribe(TopicSessionClosed, func(any) {})

	topics := bus.Topics()
	if len(topics) != 2 || topics[0] != TopicSessionClosed || topics[1] != TopicSessionOpened {
		t.Fatalf("unexpected topics %v", topics)
	}
	if n := bus.SubscriberCount(TopicSessionClosed); n != 2 {
		t.Errorf("expected 2 subscribers, got %d", n)
	}
}

func TestUnsubscribeDuringEmit(t *testing.T) {
	bus := New()

	var id HandlerID
	var calls int
	id = bus.Subscribe(TopicSessionClosed, func(any) {
		calls++
		bus.Unsubscribe(TopicSessionClosed, id)
	})

	bus.Emit(TopicSessionClosed, nil)
	bus.Emit(TopicSessionClosed, nil)
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestConcurrentEmitAndSubscribe(t *testing.T) {
	bus := New()
	var total atomic.Int64

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			id := bus.Subscribe(TopicSessionOpened, func(any) { total.Add(1) })
			bus.Unsubscribe(TopicSessionOpened, id)
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				bus.Emit(TopicSessionOpened, SessionEvent{SessionID: uint64(j)})
			}
		}()
	}
	wg.Wait()
	_ = total.Load()
}
