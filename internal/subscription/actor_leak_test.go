// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package subscription

import (
	"context"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/c-moss-talk/eventstore/internal/bus"
	"github.com/c-moss-talk/eventstore/internal/core"
)

// TestActor_StopLeavesNoGoroutine verifies Stop tears down the actor's
// Run goroutine, the same invariant the command dispatcher's
// context-cancellation tests guard. No endpoint connects here, so the
// actor never subscribes to the bus.
func TestActor_StopLeavesNoGoroutine(t *testing.T) {
	defer goleak.VerifyNone(t)

	gateway := core.NewMemoryGateway()
	regBus := bus.New()
	actor := NewActor("orders-leak", "leak-reader", gateway, nil, regBus, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go actor.Run(ctx)
	actor.Stop()
}

// TestActor_ContextCancelLeavesNoGoroutine verifies cancelling the
// caller's context, rather than calling Stop, also lets Run exit.
func TestActor_ContextCancelLeavesNoGoroutine(t *testing.T) {
	defer goleak.VerifyNone(t)

	gateway := core.NewMemoryGateway()
	regBus := bus.New()
	actor := NewActor("orders-leak-2", "leak-reader", gateway, nil, regBus, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		actor.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("actor did not exit after context cancellation")
	}
}
