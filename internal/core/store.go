// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package core

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Sentinel errors from the error taxonomy in spec.md §7. The gateways
// and the subscription engine return these values unwrapped, so callers
// match them with errors.Is().
var (
	ErrStreamExists              = errors.New("stream exists")
	ErrStreamNotFound            = errors.New("stream not found")
	ErrWrongExpectedVersion      = errors.New("wrong expected version")
	ErrSubscriptionAlreadyExists = errors.New("subscription already exists")
	ErrUnknownSubscriber         = errors.New("unknown subscriber")
	ErrInvalidAck                = errors.New("invalid ack")
	ErrLockAlreadyTaken          = errors.New("lock already taken")
	ErrNotLeader                 = errors.New("not leader")
)

// StartFromKind identifies where a new subscription begins reading.
type StartFromKind uint8

const (
	// StartOrigin begins at the first event ever appended to the stream.
	StartOrigin StartFromKind = iota
	// StartCurrent begins after the stream's latest event at subscribe time.
	StartCurrent
	// StartExplicit begins at a caller-supplied event number.
	StartExplicit
)

// StartFrom selects the initial read position for subscribe_to_stream.
type StartFrom struct {
	Kind     StartFromKind
	Position int64 // meaningful only when Kind == StartExplicit
}

// Origin returns a StartFrom that begins at the first event in the stream.
func Origin() StartFrom { return StartFrom{Kind: StartOrigin} }

// Current returns a StartFrom that begins after the stream's latest event.
func Current() StartFrom { return StartFrom{Kind: StartCurrent} }

// Position returns a StartFrom that begins at an explicit event number.
func Position(n int64) StartFrom { return StartFrom{Kind: StartExplicit, Position: n} }

// NewEvent is the caller-supplied payload for one event to append.
// EventID is optional; a nil value means the gateway generates one.
type NewEvent struct {
	EventID   uuid.UUID
	EventType string
	Payload   []byte
	Metadata  []byte
}

// SubscriptionRow is the durable cursor row returned by
// subscribe_to_stream and read back by catch-up.
type SubscriptionRow struct {
	SubscriptionID int64
	StreamID       string // stream id or AllStream
	Name           string
	LastSeen       *int64 // nil means "no events acknowledged yet"
}

// Gateway is the storage gateway (C1): typed operations over the
// database. Every method takes a context and returns a sentinel error
// from the taxonomy above on expected failure, or a wrapped transport
// error on anything else.
type Gateway interface {
	// CreateStream creates a new, empty stream.
	CreateStream(ctx context.Context, streamID string) (rowID int64, err error)

	// AppendEvents transactionally appends events to a stream, assigning
	// contiguous stream versions and globally monotonic event numbers.
	// expectedVersion is the caller's belief about the stream's current
	// version; -1 means "stream must not exist yet" is not asserted here
	// (CreateStream owns that), 0 means "stream must be empty".
	AppendEvents(ctx context.Context, streamID string, expectedVersion int64, events []NewEvent) (newVersion int64, err error)

	// ReadStreamForward returns up to maxCount events whose event_number
	// is strictly greater than fromVersion, in event_number order. Both
	// AllStream and a named stream are addressed by the global
	// event_number; a named stream is additionally scoped to its events.
	ReadStreamForward(ctx context.Context, streamID string, fromVersion int64, maxCount int) ([]RecordedEvent, error)

	// SubscribeToStream idempotently creates (or returns the existing)
	// durable subscription row.
	SubscribeToStream(ctx context.Context, streamID, subscriptionName string, startFrom StartFrom) (subscriptionID int64, lastSeen *int64, err error)

	// AckLastSeenEvent durably advances last_seen. The update is
	// conditional: it never moves last_seen backwards.
	AckLastSeenEvent(ctx context.Context, streamID, subscriptionName string, lastSeen int64) error

	// DeleteSubscription removes the durable subscription row.
	DeleteSubscription(ctx context.Context, streamID, subscriptionName string) error
}

// MemoryGateway is an in-memory Gateway for unit tests that don't need a
// real database. It implements the same contiguity and idempotency
// invariants as the PostgreSQL gateway, just without durability.
type MemoryGateway struct {
	mu            sync.Mutex
	streams       map[string]*Stream
	events        map[string][]RecordedEvent // keyed by streamID
	nextEventNum  int64
	subscriptions map[subKey]*SubscriptionRow
}

type subKey struct {
	streamID string
	name     string
}

// NewMemoryGateway creates a new in-memory Gateway.
func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{
		streams:       make(map[string]*Stream),
		events:        make(map[string][]RecordedEvent),
		nextEventNum:  1,
		subscriptions: make(map[subKey]*SubscriptionRow),
	}
}

// CreateStream creates a new, empty stream.
func (m *MemoryGateway) CreateStream(_ context.Context, streamID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.streams[streamID]; exists {
		return 0, ErrStreamExists
	}
	s := &Stream{RowID: int64(len(m.streams) + 1), StreamID: streamID}
	m.streams[streamID] = s
	return s.RowID, nil
}

// AppendEvents transactionally appends events to a stream.
func (m *MemoryGateway) AppendEvents(_ context.Context, streamID string, expectedVersion int64, newEvents []NewEvent) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, exists := m.streams[streamID]
	if !exists {
		s = &Stream{RowID: int64(len(m.streams) + 1), StreamID: streamID}
		m.streams[streamID] = s
	}
	if s.LatestVersion != expectedVersion {
		return 0, ErrWrongExpectedVersion
	}

	for _, ne := range newEvents {
		s.LatestVersion++
		id := ne.EventID
		if id == uuid.Nil {
			id = uuid.New()
		}
		rec := RecordedEvent{
			EventID:       id,
			EventNumber:   m.nextEventNum,
			StreamVersion: s.LatestVersion,
			StreamID:      streamID,
			EventType:     ne.EventType,
			Payload:       ne.Payload,
			Metadata:      ne.Metadata,
		}
		m.nextEventNum++
		m.events[streamID] = append(m.events[streamID], rec)
		m.events[AllStream] = append(m.events[AllStream], rec)
	}
	return s.LatestVersion, nil
}

// ReadStreamForward returns up to maxCount events after fromVersion.
func (m *MemoryGateway) ReadStreamForward(_ context.Context, streamID string, fromVersion int64, maxCount int) ([]RecordedEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if streamID != AllStream {
		if _, exists := m.streams[streamID]; !exists {
			return nil, ErrStreamNotFound
		}
	}

	events := m.events[streamID]
	result := make([]RecordedEvent, 0, maxCount)
	for _, e := range events {
		if e.EventNumber <= fromVersion {
			continue
		}
		result = append(result, e)
		if len(result) == maxCount {
			break
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].EventNumber < result[j].EventNumber })
	return result, nil
}

// SubscribeToStream idempotently creates or returns the durable subscription row.
func (m *MemoryGateway) SubscribeToStream(_ context.Context, streamID, name string, startFrom StartFrom) (int64, *int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := subKey{streamID, name}
	if row, exists := m.subscriptions[key]; exists {
		return row.SubscriptionID, row.LastSeen, nil
	}

	var lastSeen *int64
	switch startFrom.Kind {
	case StartOrigin:
		// last_seen stays nil: nothing acknowledged yet.
	case StartCurrent:
		latest := m.latestEventNumber(streamID)
		lastSeen = &latest
	case StartExplicit:
		v := startFrom.Position - 1
		lastSeen = &v
	}

	row := &SubscriptionRow{
		SubscriptionID: int64(len(m.subscriptions) + 1),
		StreamID:       streamID,
		Name:           name,
		LastSeen:       lastSeen,
	}
	m.subscriptions[key] = row
	return row.SubscriptionID, row.LastSeen, nil
}

func (m *MemoryGateway) latestEventNumber(streamID string) int64 {
	events := m.events[streamID]
	if len(events) == 0 {
		return 0
	}
	return events[len(events)-1].EventNumber
}

// AckLastSeenEvent durably advances last_seen if the new value is not behind the old one.
func (m *MemoryGateway) AckLastSeenEvent(_ context.Context, streamID, name string, lastSeen int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	row, exists := m.subscriptions[subKey{streamID, name}]
	if !exists {
		return ErrStreamNotFound
	}
	if row.LastSeen == nil || lastSeen >= *row.LastSeen {
		v := lastSeen
		row.LastSeen = &v
	}
	return nil
}

// DeleteSubscription removes the durable subscription row.
func (m *MemoryGateway) DeleteSubscription(_ context.Context, streamID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subscriptions, subKey{streamID, name})
	return nil
}

var _ Gateway = (*MemoryGateway)(nil)
