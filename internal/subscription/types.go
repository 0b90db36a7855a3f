// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package subscription implements the persistent subscription engine:
// the per-subscription finite-state machine (C5), its subscriber set
// and partitioned fan-out (C6), and the supervisor/orchestrator that
// spawns and names subscription actors (C7, C8).
package subscription

import (
	"context"

	"github.com/samber/oops"

	"github.com/c-moss-talk/eventstore/internal/core"
)

// Options configures one subscribe_to_stream call. The first connect
// to a subscription's actor fixes StartFrom, Mapper, Selector,
// PartitionBy, MaxSize and ConcurrencyLimit for that actor; later
// connects' values for those fields are ignored. BufferSize applies to
// each connecting endpoint on its own.
type Options struct {
	// StartFrom selects the initial read position. Only consulted the
	// first time a subscription is created.
	StartFrom core.StartFrom

	// Mapper transforms a delivered event before it reaches the
	// endpoint. A nil Mapper delivers events unmodified. Unlike the
	// parametric RecordedEvent -> T transform in the wire spec, this
	// keeps the result typed as RecordedEvent so the fan-out queues
	// stay homogeneous; callers needing a different result type decode
	// Payload/Metadata on their own side of Connection.Messages.
	Mapper func(core.RecordedEvent) core.RecordedEvent

	// Selector drops an event at enqueue time when it returns false.
	// A nil Selector accepts every event.
	Selector func(core.RecordedEvent) bool

	// PartitionBy computes a partition key per event. A nil PartitionBy
	// means every event shares the same (empty) partition key, so
	// ordering is enforced across the whole stream rather than per key.
	PartitionBy func(core.RecordedEvent) string

	// BufferSize bounds an endpoint's in-flight event count. Default 1.
	BufferSize int

	// MaxSize bounds total queued-but-undelivered events before the
	// subscription enters max_capacity. Default 1000.
	MaxSize int

	// ConcurrencyLimit bounds how many endpoints may be connected to
	// this subscription at once. Default 1 (no additional endpoints).
	ConcurrencyLimit int
}

func (o Options) withDefaults() Options {
	if o.BufferSize <= 0 {
		o.BufferSize = 1
	}
	if o.MaxSize <= 0 {
		o.MaxSize = 1000
	}
	if o.MaxSize < o.BufferSize {
		o.MaxSize = o.BufferSize
	}
	if o.ConcurrencyLimit <= 0 {
		o.ConcurrencyLimit = 1
	}
	return o
}

// StartFromDocument is the JSON-serializable form of core.StartFrom.
type StartFromDocument struct {
	// Kind is one of "origin", "current", "explicit".
	Kind string `json:"kind" jsonschema:"enum=origin,enum=current,enum=explicit"`
	// Position is meaningful only when Kind is "explicit".
	Position int64 `json:"position,omitempty"`
}

// OptionsDocument is the JSON-serializable subset of Options: the
// Mapper/Selector/PartitionBy closures have no wire representation, so
// a CLI-driven subscribe only ever configures the fields below.
type OptionsDocument struct {
	StartFrom        StartFromDocument `json:"start_from"`
	BufferSize       int               `json:"buffer_size,omitempty"`
	MaxSize          int               `json:"max_size,omitempty"`
	ConcurrencyLimit int               `json:"concurrency_limit,omitempty"`
}

// ToOptions converts a document into Options, leaving Mapper, Selector,
// and PartitionBy nil.
func (d OptionsDocument) ToOptions() (Options, error) {
	var startFrom core.StartFrom
	switch d.StartFrom.Kind {
	case "", "origin":
		startFrom = core.Origin()
	case "current":
		startFrom = core.Current()
	case "explicit":
		startFrom = core.Position(d.StartFrom.Position)
	default:
		return Options{}, oops.Code("options_document_invalid").Errorf("unknown start_from.kind %q", d.StartFrom.Kind)
	}
	return Options{
		StartFrom:        startFrom,
		BufferSize:       d.BufferSize,
		MaxSize:          d.MaxSize,
		ConcurrencyLimit: d.ConcurrencyLimit,
	}, nil
}

// Message is delivered to a connected endpoint over Connection.Messages.
// Exactly one of Subscribed or Events is meaningful per message.
type Message struct {
	// Subscribed is true for the one-time {subscribed, handle} message
	// sent on connect (and on reconnect after disconnected).
	Subscribed bool
	Handle     string

	// Events carries a batched delivery, accumulated in enqueue order.
	Events []core.RecordedEvent
}

// messageBuffer bounds how many undelivered Message values an endpoint
// can accumulate before the actor blocks handing it the next one.
const messageBuffer = 32

// Connection is the handle an endpoint uses to receive messages from,
// and acknowledge events to, a subscription actor.
type Connection struct {
	id       string
	messages chan Message
	acker    *Actor
}

// NewConnection creates a Connection for endpointID. Callers pass it to
// Supervisor.Subscribe.
func NewConnection(endpointID string) *Connection {
	return &Connection{id: endpointID, messages: make(chan Message, messageBuffer)}
}

// NewConnectionAuto creates a Connection with a generated ULID endpoint
// id, for callers that don't have a natural identity of their own to
// supply (the CLI serve command's local subscribers, most tests).
func NewConnectionAuto() *Connection {
	return NewConnection(core.NewULID().String())
}

// ID returns the endpoint identifier this connection was created with.
func (c *Connection) ID() string { return c.id }

// Messages returns the channel the endpoint should range over.
func (c *Connection) Messages() <-chan Message { return c.messages }

// Ack acknowledges delivery of every event up to and including
// eventNumber on this connection's subscription.
func (c *Connection) Ack(ctx context.Context, eventNumber int64) error {
	return c.acker.ack(ctx, c.id, eventNumber)
}
