// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package core contains the core event-store domain types: recorded
// events, streams, and the sentinel errors shared by every other
// package in this module.
package core

import (
	"time"

	"github.com/google/uuid"
)

// AllStream is the synthetic stream id covering every event in global
// event_number order.
const AllStream = "$all"

// RecordedEvent is an immutable event persisted to a stream.
type RecordedEvent struct {
	EventID       uuid.UUID
	EventNumber   int64 // globally monotonic within $all
	StreamVersion int64 // monotonic within its own stream
	StreamID      string
	EventType     string
	Payload       []byte
	Metadata      []byte
	CreatedAt     time.Time
}

// Stream is the append-only, strictly-ordered sequence of events
// identified by StreamID. Streams are created on first append and are
// never deleted.
type Stream struct {
	RowID         int64
	StreamID      string
	LatestVersion int64
	CreatedAt     time.Time
}
