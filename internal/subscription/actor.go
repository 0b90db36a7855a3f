// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/c-moss-talk/eventstore/internal/advisory"
	"github.com/c-moss-talk/eventstore/internal/bus"
	"github.com/c-moss-talk/eventstore/internal/core"
	"github.com/c-moss-talk/eventstore/internal/observability"
)

// State is one node of the per-subscription finite-state machine
// (C5), a closed tagged variant dispatched on state plus message kind
// rather than scattered through ad hoc boolean flags.
type State string

const (
	StateInitial        State = "initial"
	StateRequestCatchUp State = "request_catch_up"
	StateCatchingUp     State = "catching_up"
	StateSubscribed     State = "subscribed"
	StateMaxCapacity    State = "max_capacity"
	StateDisconnected   State = "disconnected"
	StateUnsubscribed   State = "unsubscribed"
)

type msgKind int

const (
	msgConnectSubscriber msgKind = iota
	msgUnsubscribe
	msgAck
	msgCatchUp
	msgSubscribe
)

type actorMsg struct {
	kind        msgKind
	conn        *Connection
	opts        Options
	endpointID  string
	eventNumber int64
	result      chan error
}

// Actor is one subscription's independent, single-threaded message-
// driven process: it owns SubscriptionState and the Subscriber set
// (C6) exclusively, processing one mailbox message to completion
// before the next.
type Actor struct {
	streamID string
	name     string

	gateway     core.Gateway
	advisoryMgr *advisory.Manager
	regBus      *bus.Bus
	metrics     *observability.Metrics

	mailbox chan actorMsg
	stopCh  chan struct{}
	done    chan struct{}

	// Fields below this line are owned exclusively by the Run goroutine.
	state          State
	subscriptionID int64
	lastReceived   int64
	lockRef        advisory.LockRef
	haveLock       bool
	busCh          chan bus.Batch
	lostCh         <-chan struct{}

	optsSet bool
	opts    Options
	subs    *subscriberSet
}

// NewActor creates a subscription actor for (streamID, name). Call Run
// in its own goroutine to start processing.
func NewActor(streamID, name string, gateway core.Gateway, advisoryMgr *advisory.Manager, regBus *bus.Bus, metrics *observability.Metrics) *Actor {
	return &Actor{
		streamID:    streamID,
		name:        name,
		gateway:     gateway,
		advisoryMgr: advisoryMgr,
		regBus:      regBus,
		metrics:     metrics,
		mailbox:     make(chan actorMsg, messageBuffer),
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
		state:       StateInitial,
		subs:        newSubscriberSet(Options{}, 0, 0),
	}
}

// handle is the opaque subscription_handle delivered to endpoints.
func (a *Actor) handle() string { return fmt.Sprintf("%s/%s", a.streamID, a.name) }

// Run is the actor's message loop. It returns when ctx is cancelled or
// Stop is called.
func (a *Actor) Run(ctx context.Context) {
	defer close(a.done)
	defer a.cleanup(context.Background())

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stopCh:
			return
		case batch, ok := <-a.busCh:
			if ok {
				a.handleNotifyEvents(ctx, batch.Events)
			}
		case <-a.lostCh:
			a.handleDisconnected()
		case m := <-a.mailbox:
			a.dispatch(ctx, m)
		}
		a.reportState()
	}
}

// Stop asks the actor to shut down and blocks until it has.
func (a *Actor) Stop() {
	select {
	case <-a.stopCh:
	default:
		close(a.stopCh)
	}
	<-a.done
}

func (a *Actor) cleanup(ctx context.Context) {
	if a.busCh != nil {
		a.regBus.Unsubscribe(a.streamID, a.busChForUnsubscribe())
	}
	if a.haveLock {
		if err := a.advisoryMgr.Release(ctx, a.lockRef); err != nil {
			slog.Warn("subscription: failed to release advisory lock on shutdown",
				"stream_id", a.streamID, "name", a.name, "error", err)
		}
	}
}

// busChForUnsubscribe returns the channel Bus.Subscribe handed out,
// which Bus.Unsubscribe needs to identify the subscription.
func (a *Actor) busChForUnsubscribe() chan bus.Batch {
	return a.busCh
}

func (a *Actor) reportState() {
	if a.metrics == nil {
		return
	}
	a.metrics.SubscriptionsByState.WithLabelValues(string(a.state)).Set(1)
}

// Connect registers conn as a connected endpoint, enforcing
// concurrency_limit, and blocks until the actor has processed it.
func (a *Actor) Connect(ctx context.Context, conn *Connection, opts Options) error {
	conn.acker = a
	result := make(chan error, 1)
	select {
	case a.mailbox <- actorMsg{kind: msgConnectSubscriber, conn: conn, opts: opts, result: result}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Unsubscribe removes endpointID from the subscription.
func (a *Actor) Unsubscribe(ctx context.Context, endpointID string) {
	select {
	case a.mailbox <- actorMsg{kind: msgUnsubscribe, endpointID: endpointID}:
	case <-ctx.Done():
	}
}

// Retry re-runs the initial acquisition sequence; the orchestrator's
// retry timer calls this for every actor stuck in initial or disconnected.
func (a *Actor) Retry(ctx context.Context) {
	select {
	case a.mailbox <- actorMsg{kind: msgSubscribe}:
	case <-ctx.Done():
	}
}

// CatchUp forces a transition back into catch-up, used by tests and
// operators to recover from a suspected missed notification.
func (a *Actor) CatchUp(ctx context.Context) {
	select {
	case a.mailbox <- actorMsg{kind: msgCatchUp}:
	case <-ctx.Done():
	}
}

func (a *Actor) ack(ctx context.Context, endpointID string, eventNumber int64) error {
	result := make(chan error, 1)
	select {
	case a.mailbox <- actorMsg{kind: msgAck, endpointID: endpointID, eventNumber: eventNumber, result: result}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Actor) dispatch(ctx context.Context, m actorMsg) {
	switch m.kind {
	case msgConnectSubscriber:
		a.handleConnect(ctx, m)
	case msgUnsubscribe:
		a.handleUnsubscribe(m.endpointID)
	case msgAck:
		m.result <- a.handleAck(ctx, m.endpointID, m.eventNumber)
	case msgCatchUp:
		if a.state == StateSubscribed {
			a.state = StateRequestCatchUp
		}
		if a.state == StateRequestCatchUp {
			a.catchUpFromStream(ctx)
		}
	case msgSubscribe:
		if a.state == StateDisconnected {
			a.state = StateInitial
		}
		if a.state == StateInitial {
			a.tryInitial(ctx)
		}
	}
}

func (a *Actor) handleConnect(ctx context.Context, m actorMsg) {
	limit := a.opts.ConcurrencyLimit
	if !a.optsSet {
		limit = m.opts.withDefaults().ConcurrencyLimit
	}
	if limit == 0 {
		limit = 1
	}
	if a.subs.endpointCount() >= limit {
		m.result <- core.ErrSubscriptionAlreadyExists
		return
	}

	bufferSize := m.opts.withDefaults().BufferSize
	if !a.optsSet {
		a.opts = m.opts.withDefaults()
		a.subs.selector = a.opts.Selector
		a.subs.partitionBy = a.opts.PartitionBy
		a.subs.mapper = a.opts.Mapper
		a.subs.maxSize = a.opts.MaxSize
		a.optsSet = true
	}

	a.subs.connect(m.conn, bufferSize)
	m.result <- nil

	if a.state != StateInitial {
		m.conn.messages <- Message{Subscribed: true, Handle: a.handle()}
	} else {
		a.tryInitial(ctx)
	}
}

func (a *Actor) handleUnsubscribe(endpointID string) {
	a.subs.disconnect(endpointID)
	if a.subs.endpointCount() == 0 {
		a.state = StateUnsubscribed
	}
}

func (a *Actor) handleAck(ctx context.Context, endpointID string, eventNumber int64) error {
	switch a.state {
	case StateRequestCatchUp, StateCatchingUp:
		advanced, newAck, err := a.subs.ack(endpointID, eventNumber)
		if err != nil {
			return err
		}
		if advanced {
			a.persistAck(ctx, newAck)
		}
		a.catchUpFromStream(ctx)
	case StateSubscribed:
		advanced, newAck, err := a.subs.ack(endpointID, eventNumber)
		if err != nil {
			return err
		}
		if advanced {
			a.persistAck(ctx, newAck)
		}
	case StateMaxCapacity:
		advanced, newAck, err := a.subs.ack(endpointID, eventNumber)
		if err != nil {
			return err
		}
		if advanced {
			a.persistAck(ctx, newAck)
		}
		if a.subs.queueSize() == 0 {
			a.state = StateRequestCatchUp
		}
	}
	return nil
}

func (a *Actor) handleNotifyEvents(ctx context.Context, events []core.RecordedEvent) {
	if len(events) == 0 {
		return
	}
	first := events[0].EventNumber
	last := events[len(events)-1].EventNumber

	if a.state != StateSubscribed {
		if last > a.lastReceived {
			a.lastReceived = last
		}
		return
	}

	switch {
	case first < a.lastReceived+1:
		// already seen: discard, stay subscribed.
	case first > a.lastReceived+1:
		a.state = StateRequestCatchUp
	default:
		a.subs.enqueue(events)
		_, advanced, newAck := a.subs.fanOut()
		if advanced {
			a.persistAck(ctx, newAck)
		}
		a.lastReceived = last
		if a.subs.queueSize() >= a.opts.MaxSize {
			a.state = StateMaxCapacity
		}
	}
}

func (a *Actor) handleDisconnected() {
	a.subs.purge()
	a.haveLock = false
	a.lockRef = advisory.LockRef{}
	if a.busCh != nil {
		a.regBus.Unsubscribe(a.streamID, a.busChForUnsubscribe())
		a.busCh = nil
	}
	a.lostCh = nil
	a.state = StateDisconnected
}

// tryInitial runs the initial/disconnected acquisition sequence:
// insert-or-find the durable row, try the advisory lock, and on
// success transition into request_catch_up. Failure leaves the actor
// in its current state to be retried by Retry.
func (a *Actor) tryInitial(ctx context.Context) {
	id, lastSeen, err := a.gateway.SubscribeToStream(ctx, a.streamID, a.name, a.opts.StartFrom)
	if err != nil {
		slog.Warn("subscription: durable row acquisition failed, retrying later",
			"stream_id", a.streamID, "name", a.name, "error", err)
		return
	}
	a.subscriptionID = id

	ref, ok, err := a.advisoryMgr.TryAcquire(ctx, uint64(id))
	if err != nil {
		slog.Warn("subscription: advisory lock attempt failed, retrying later",
			"stream_id", a.streamID, "name", a.name, "error", err)
		return
	}
	if !ok {
		return // another process is the leader for this subscription
	}

	a.lockRef = ref
	a.haveLock = true
	a.lostCh = a.advisoryMgr.NotifyLost()

	last := int64(0)
	if lastSeen != nil {
		last = *lastSeen
	}
	a.subs.lastSent = last
	a.subs.lastAck = last
	a.lastReceived = last

	a.busCh = a.regBus.Subscribe(a.streamID)

	for _, ep := range a.subs.endpoints {
		ep.conn.messages <- Message{Subscribed: true, Handle: a.handle()}
	}

	a.state = StateRequestCatchUp
	a.catchUpFromStream(ctx)
}

// catchUpFromStream reads up to max_size events from last_sent+1 and
// branches exactly as the request_catch_up/catching_up states require.
func (a *Actor) catchUpFromStream(ctx context.Context) {
	events, err := a.gateway.ReadStreamForward(ctx, a.streamID, a.subs.lastSent, a.opts.MaxSize)
	if errors.Is(err, core.ErrStreamNotFound) {
		a.state = StateSubscribed
		return
	}
	if err != nil {
		slog.Error("subscription: catch-up read failed", "stream_id", a.streamID, "name", a.name, "error", err)
		return
	}

	if len(events) == 0 {
		if a.subs.lastSent == a.lastReceived {
			a.state = StateSubscribed
		}
		return
	}

	a.subs.enqueue(events)
	drained, advanced, newAck := a.subs.fanOut()
	if advanced {
		a.persistAck(ctx, newAck)
	}
	if drained {
		a.state = StateRequestCatchUp
	} else {
		a.state = StateCatchingUp
	}
}

func (a *Actor) persistAck(ctx context.Context, lastAck int64) {
	if err := a.gateway.AckLastSeenEvent(ctx, a.streamID, a.name, lastAck); err != nil {
		slog.Error("subscription: failed to persist ack", "stream_id", a.streamID, "name", a.name, "error", err)
	}
}
