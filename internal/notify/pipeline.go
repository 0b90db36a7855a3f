// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package notify implements the notification pipeline (C4): a
// three-stage pipeline that turns
// database-emitted append notifications into event batches broadcast
// on the registration bus (internal/bus). The three stages run as
// independent goroutines connected by bounded channels, so a slow
// Broadcaster applies back-pressure to the Reader, which applies
// back-pressure to the Listener, rather than any stage racing ahead
// and dropping work.
package notify

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"

	"github.com/c-moss-talk/eventstore/internal/bus"
	"github.com/c-moss-talk/eventstore/internal/core"
)

// Channel is the single PostgreSQL LISTEN/NOTIFY channel every append
// emits one notification on.
const Channel = "events_appended"

// stageBuffer bounds how far ahead one stage may run of the next.
const stageBuffer = 64

// appendRange is one parsed notification: events numbered from through
// to (inclusive) were just appended to streamID.
type appendRange struct {
	streamID string
	from     int64
	to       int64
}

// Pipeline owns the Listener, Reader, and Broadcaster stages.
// cmd/eventstored starts one Pipeline per process, unconditionally: it
// takes no advisory lock and elects no cluster-wide leader for it, so
// every node runs its own and publishes every notification on its own
// process-local bus.
type Pipeline struct {
	connConfig *pgx.ConnConfig
	gateway    core.Gateway
	bus        *bus.Bus

	ranges chan appendRange
	events chan bus.Batch

	wg sync.WaitGroup
}

// New builds a Pipeline. pool is used only to clone its connection
// config for the Listener's dedicated session; gateway answers the
// Reader's catch-up reads; b is where the Broadcaster publishes.
func New(pool *pgxpool.Pool, gateway core.Gateway, b *bus.Bus) *Pipeline {
	return &Pipeline{
		connConfig: pool.Config().ConnConfig.Copy(),
		gateway:    gateway,
		bus:        b,
		ranges:     make(chan appendRange, stageBuffer),
		events:     make(chan bus.Batch, stageBuffer),
	}
}

// Run starts all three stages and blocks until ctx is cancelled or the
// Listener's dedicated connection fails unrecoverably.
func (p *Pipeline) Run(ctx context.Context) error {
	conn, err := p.connectListener(ctx)
	if err != nil {
		return err
	}
	defer conn.Close(context.Background())

	p.wg.Add(2)
	go p.runReader(ctx)
	go p.runBroadcaster(ctx)

	err = p.runListener(ctx, conn)

	close(p.ranges)
	p.wg.Wait()
	return err
}

// connectListener dials the dedicated LISTEN connection and issues
// LISTEN, retrying transient dial failures with exponential backoff
// before giving up. Connection pool exhaustion and brief network blips
// at process start are the common case this guards against.
func (p *Pipeline) connectListener(ctx context.Context) (*pgx.Conn, error) {
	var conn *pgx.Conn
	backoff := retry.WithMaxRetries(5, retry.NewExponential(100*time.Millisecond))
	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		c, err := pgx.ConnectConfig(ctx, p.connConfig)
		if err != nil {
			slog.Warn("notification pipeline: listen connect failed, retrying", "attempt", attempt, "error", err)
			return retry.RetryableError(err)
		}
		if _, err := c.Exec(ctx, "LISTEN "+Channel); err != nil {
			c.Close(context.Background())
			return retry.RetryableError(oops.Code("notify_listen_failed").With("channel", Channel).Wrap(err))
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, oops.Code("notify_listen_connect_failed").Wrap(err)
	}
	return conn, nil
}

// runListener blocks on WaitForNotification, parses each payload, and
// forwards it to the Reader stage. It never drops a notification on
// the floor: if the Reader is behind, this call simply blocks, which
// is the back-pressure the pipeline is built around.
func (p *Pipeline) runListener(ctx context.Context, conn *pgx.Conn) error {
	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return oops.Code("notify_wait_failed").Wrap(err)
		}

		rng, err := parseAppendRange(n.Payload)
		if err != nil {
			slog.Error("notification pipeline: malformed payload, dropping", "payload", n.Payload, "error", err)
			continue
		}

		select {
		case p.ranges <- rng:
		case <-ctx.Done():
			return nil
		}
	}
}

// runReader coalesces each appendRange into the events it names, a
// single read scoped to the affected stream. Because streamID's
// ReadStreamForward addresses event_number (the same scale the $all
// ordering uses), the Broadcaster can republish this one batch under
// both topics rather than the Reader querying twice.
func (p *Pipeline) runReader(ctx context.Context) {
	defer p.wg.Done()
	defer close(p.events)

	for rng := range p.ranges {
		count := int(rng.to-rng.from) + 1
		events, err := p.gateway.ReadStreamForward(ctx, rng.streamID, rng.from-1, count)
		if err != nil {
			slog.Error("notification pipeline: catch-up read failed, dropping notification",
				"stream_id", rng.streamID, "from", rng.from, "to", rng.to, "error", err)
			continue
		}
		if len(events) == 0 {
			continue
		}

		batch := bus.Batch{Topic: rng.streamID, Events: events}
		select {
		case p.events <- batch:
		case <-ctx.Done():
			return
		}
	}
}

// runBroadcaster publishes each batch under its own stream id and
// under the all-stream topic, so per-stream and $all subscribers both
// observe it without the Reader doing double work.
func (p *Pipeline) runBroadcaster(ctx context.Context) {
	defer p.wg.Done()

	for batch := range p.events {
		p.bus.Publish(batch.Topic, batch)
		if batch.Topic != core.AllStream {
			p.bus.Publish(core.AllStream, batch)
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func parseAppendRange(payload string) (appendRange, error) {
	parts := strings.SplitN(payload, ",", 3)
	if len(parts) != 3 {
		return appendRange{}, oops.Code("notify_payload_malformed").Errorf("expected 3 comma-separated fields, got %d", len(parts))
	}
	from, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return appendRange{}, oops.Code("notify_payload_malformed").Wrap(err)
	}
	to, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return appendRange{}, oops.Code("notify_payload_malformed").Wrap(err)
	}
	return appendRange{streamID: parts[0], from: from, to: to}, nil
}
