// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package bus implements the registration bus (C3): a process-local
// topic pub/sub keyed by stream id, used by the notification pipeline
// to push newly-appended events to subscription actors. Delivery is
// at-most-once and best-effort — subscribers that fall behind recover
// by falling back to catch-up reads against the storage gateway, never
// by blocking a publisher.
package bus

import (
	"log/slog"
	"sync"

	"github.com/c-moss-talk/eventstore/internal/core"
)

// deliveryBuffer bounds how many batches a slow subscriber can lag by
// before publications are dropped for it. This mirrors the teacher's
// Broadcaster buffer size (internal/core/broadcaster.go in the teacher
// tree), which is 100; here it is a package constant of 64.
const deliveryBuffer = 64

// Batch is a contiguous batch of events delivered under one topic.
type Batch struct {
	Topic  string
	Events []core.RecordedEvent
}

// Bus is the registration bus: subscribe(topic) enrolls a channel,
// publish(topic, batch) delivers to every current subscriber of that
// topic.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]chan Batch
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[string][]chan Batch)}
}

// Subscribe enrolls the caller for batches published under topic.
// Callers must call Unsubscribe with the returned channel when done.
func (b *Bus) Subscribe(topic string) chan Batch {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Batch, deliveryBuffer)
	b.subs[topic] = append(b.subs[topic], ch)
	return ch
}

// Unsubscribe removes a previously-subscribed channel from a topic.
func (b *Bus) Unsubscribe(topic string, ch chan Batch) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[topic]
	for i, sub := range subs {
		if sub == ch {
			b.subs[topic] = append(subs[:i], subs[i+1:]...)
			close(ch)
			return
		}
	}
}

// Publish delivers a batch to every current subscriber of topic.
// Delivery is best-effort: a subscriber whose buffer is full misses
// this publication and must recover via catch-up on its next ack or
// heartbeat (spec.md §4.3).
func (b *Bus) Publish(topic string, batch Batch) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs[topic] {
		select {
		case ch <- batch:
		default:
			slog.Warn("notification dropped: subscriber buffer full",
				"topic", topic,
				"batch_size", len(batch.Events),
			)
		}
	}
}
