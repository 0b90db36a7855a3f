// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package subscription

import (
	"context"
	"sync"
	"time"

	"github.com/c-moss-talk/eventstore/internal/advisory"
	"github.com/c-moss-talk/eventstore/internal/bus"
	"github.com/c-moss-talk/eventstore/internal/core"
	"github.com/c-moss-talk/eventstore/internal/observability"
)

// registryKey names one subscription process in the supervisor's
// registry: a (stream_id, subscription_name) pair.
type registryKey struct {
	streamID string
	name     string
}

// Supervisor is the subscription supervisor and orchestrator (C7, C8):
// a name registry keyed by (stream_id, subscription_name) that spawns,
// looks up, and tears down subscription actors. When the process-wide
// advisory session is declared lost, every actor holding a lock moves
// to disconnected and Run's retry loop re-runs its acquisition
// sequence; those retries succeed only once advisory.Manager.Start has
// opened a new session, and nothing in this package calls Start.
type Supervisor struct {
	gateway     core.Gateway
	advisoryMgr *advisory.Manager
	regBus      *bus.Bus
	metrics     *observability.Metrics

	retryInterval time.Duration

	mu       sync.Mutex
	actors   map[registryKey]*Actor
	cancel   map[registryKey]context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewSupervisor creates a Supervisor. retryInterval governs how often
// actors stuck in initial or disconnected retry their acquisition
// sequence; spec.md describes this as an external timer.
func NewSupervisor(gateway core.Gateway, advisoryMgr *advisory.Manager, regBus *bus.Bus, metrics *observability.Metrics, retryInterval time.Duration) *Supervisor {
	if retryInterval <= 0 {
		retryInterval = 2 * time.Second
	}
	return &Supervisor{
		gateway:       gateway,
		advisoryMgr:   advisoryMgr,
		regBus:        regBus,
		metrics:       metrics,
		retryInterval: retryInterval,
		actors:        make(map[registryKey]*Actor),
		cancel:        make(map[registryKey]context.CancelFunc),
		stopCh:        make(chan struct{}),
	}
}

// Run starts the retry timer loop; it blocks until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.retryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.retryAll(ctx)
		}
	}
}

func (s *Supervisor) retryAll(ctx context.Context) {
	s.mu.Lock()
	actors := make([]*Actor, 0, len(s.actors))
	for _, a := range s.actors {
		actors = append(actors, a)
	}
	s.mu.Unlock()

	for _, a := range actors {
		a.Retry(ctx)
	}
}

// Subscribe ensures the subscription process for (streamID, name)
// exists, then connects conn to it. A subscribe beyond the concurrency
// limit fixed by the subscription's first connect returns
// core.ErrSubscriptionAlreadyExists.
func (s *Supervisor) Subscribe(ctx context.Context, streamID, name string, conn *Connection, opts Options) error {
	a := s.ensureActor(streamID, name)
	return a.Connect(ctx, conn, opts)
}

// Unsubscribe disconnects endpointID from (streamID, name). It is a
// no-op if no such subscription process is running.
func (s *Supervisor) Unsubscribe(ctx context.Context, streamID, name, endpointID string) {
	s.mu.Lock()
	a, ok := s.actors[registryKey{streamID, name}]
	s.mu.Unlock()
	if !ok {
		return
	}
	a.Unsubscribe(ctx, endpointID)
}

// DeleteSubscription shuts the subscription process down, then
// removes its durable row.
func (s *Supervisor) DeleteSubscription(ctx context.Context, streamID, name string) error {
	key := registryKey{streamID, name}

	s.mu.Lock()
	a, ok := s.actors[key]
	cancel := s.cancel[key]
	delete(s.actors, key)
	delete(s.cancel, key)
	s.mu.Unlock()

	if ok {
		if cancel != nil {
			cancel()
		}
		a.Stop()
	}

	return s.gateway.DeleteSubscription(ctx, streamID, name)
}

// ensureActor returns the existing actor for key or spawns a new one.
func (s *Supervisor) ensureActor(streamID, name string) *Actor {
	key := registryKey{streamID, name}

	s.mu.Lock()
	defer s.mu.Unlock()

	if a, ok := s.actors[key]; ok {
		return a
	}

	a := NewActor(streamID, name, s.gateway, s.advisoryMgr, s.regBus, s.metrics)
	actorCtx, cancel := context.WithCancel(context.Background())
	s.actors[key] = a
	s.cancel[key] = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		a.Run(actorCtx)
	}()

	return a
}

// Shutdown stops every running actor and waits for them to exit.
func (s *Supervisor) Shutdown() {
	s.stopOnce.Do(func() { close(s.stopCh) })

	s.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(s.cancel))
	for _, c := range s.cancel {
		cancels = append(cancels, c)
	}
	s.mu.Unlock()

	for _, c := range cancels {
		c()
	}
	s.wg.Wait()
}
