// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

//go:build integration

package subscription_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/c-moss-talk/eventstore/internal/advisory"
	"github.com/c-moss-talk/eventstore/internal/core"
	"github.com/c-moss-talk/eventstore/internal/notify"
	"github.com/c-moss-talk/eventstore/internal/subscription"
)

// drainEvents reads messages off conn until it sees an Events delivery,
// skipping the one-time Subscribed handshake, or fails the spec on
// timeout.
func drainEvents(conn *subscription.Connection, timeout time.Duration) subscription.Message {
	for {
		select {
		case msg := <-conn.Messages():
			if msg.Events != nil {
				return msg
			}
		case <-time.After(timeout):
			Fail("timed out waiting for an event delivery")
		}
	}
}

var _ = Describe("subscription actor lifecycle", func() {
	var ctx context.Context

	BeforeEach(func() {
		truncateAll()
		ctx = env.ctx
	})

	// S1: cold catch-up. Events appended before the subscription ever
	// connects must all be delivered once Subscribe is called.
	It("catches up on history appended before the subscription existed", func() {
		gateway, mgr, regBus := freshRig()
		defer func() { _ = mgr.Close(ctx) }()

		_, err := gateway.CreateStream(ctx, "orders-1")
		Expect(err).NotTo(HaveOccurred())
		_, err = gateway.AppendEvents(ctx, "orders-1", 0, []core.NewEvent{
			{EventType: "created"}, {EventType: "paid"}, {EventType: "shipped"},
		})
		Expect(err).NotTo(HaveOccurred())

		sup := subscription.NewSupervisor(gateway, mgr, regBus, nil, 200*time.Millisecond)
		defer sup.Shutdown()

		conn := subscription.NewConnectionAuto()
		Expect(sup.Subscribe(ctx, "orders-1", "history-reader", conn, subscription.Options{
			StartFrom:  core.Origin(),
			BufferSize: 10,
		})).To(Succeed())

		msg := drainEvents(conn, 5*time.Second)
		Expect(msg.Events).To(HaveLen(3))
		Expect(msg.Events[0].EventType).To(Equal("created"))
		Expect(msg.Events[2].EventType).To(Equal("shipped"))

		Expect(conn.Ack(ctx, msg.Events[2].EventNumber)).To(Succeed())
	})

	// S2: live append with catch-up via the real notification pipeline.
	// A subscriber connected with no history present must see events
	// appended afterwards, delivered over LISTEN/NOTIFY rather than
	// polling.
	It("delivers events appended after the subscription is already live", func() {
		gateway, mgr, regBus := freshRig()
		defer func() { _ = mgr.Close(ctx) }()

		_, err := gateway.CreateStream(ctx, "orders-2")
		Expect(err).NotTo(HaveOccurred())

		pipeline := notify.New(env.pool, gateway, regBus)
		pipelineCtx, cancelPipeline := context.WithCancel(ctx)
		defer cancelPipeline()
		go pipeline.Run(pipelineCtx)

		sup := subscription.NewSupervisor(gateway, mgr, regBus, nil, 200*time.Millisecond)
		defer sup.Shutdown()

		conn := subscription.NewConnectionAuto()
		Expect(sup.Subscribe(ctx, "orders-2", "live-reader", conn, subscription.Options{
			StartFrom: core.Current(),
		})).To(Succeed())

		// Let the actor settle into subscribed before appending, so this
		// exercises the live-notification path rather than cold catch-up.
		time.Sleep(300 * time.Millisecond)

		_, err = gateway.AppendEvents(ctx, "orders-2", 0, []core.NewEvent{{EventType: "created"}})
		Expect(err).NotTo(HaveOccurred())

		msg := drainEvents(conn, 5*time.Second)
		Expect(msg.Events).To(HaveLen(1))
		Expect(msg.Events[0].EventType).To(Equal("created"))
	})

	// S3: partitioned fan-out across two endpoints sharing one
	// subscription, exercised end-to-end through the actor rather than
	// the bare subscriberSet.
	It("fans events out sticky-by-partition across concurrently connected endpoints", func() {
		gateway, mgr, regBus := freshRig()
		defer func() { _ = mgr.Close(ctx) }()

		_, err := gateway.CreateStream(ctx, "orders-3")
		Expect(err).NotTo(HaveOccurred())
		_, err = gateway.AppendEvents(ctx, "orders-3", 0, []core.NewEvent{
			{EventType: "created", Metadata: []byte("customer-a")},
			{EventType: "created", Metadata: []byte("customer-b")},
		})
		Expect(err).NotTo(HaveOccurred())

		partitionByMetadata := func(e core.RecordedEvent) string { return string(e.Metadata) }

		sup := subscription.NewSupervisor(gateway, mgr, regBus, nil, 200*time.Millisecond)
		defer sup.Shutdown()

		connA := subscription.NewConnectionAuto()
		opts := subscription.Options{StartFrom: core.Origin(), PartitionBy: partitionByMetadata, ConcurrencyLimit: 2}
		Expect(sup.Subscribe(ctx, "orders-3", "fanout-reader", connA, opts)).To(Succeed())

		connB := subscription.NewConnectionAuto()
		Expect(sup.Subscribe(ctx, "orders-3", "fanout-reader", connB, opts)).To(Succeed())

		msgA := drainEvents(connA, 5*time.Second)
		msgB := drainEvents(connB, 5*time.Second)
		Expect(len(msgA.Events) + len(msgB.Events)).To(Equal(2))
	})

	// S5: leader failover. Closing the first advisory manager releases
	// its session's locks; a fresh session and a fresh supervisor
	// re-acquire leadership and resume delivery from the durable
	// checkpoint without replaying the acked event.
	It("recovers a subscription after its advisory session is lost", func() {
		gateway, mgr, regBus := freshRig()

		pipeline := notify.New(env.pool, gateway, regBus)
		pipelineCtx, cancelPipeline := context.WithCancel(ctx)
		defer cancelPipeline()
		go pipeline.Run(pipelineCtx)

		_, err := gateway.CreateStream(ctx, "orders-5")
		Expect(err).NotTo(HaveOccurred())
		_, err = gateway.AppendEvents(ctx, "orders-5", 0, []core.NewEvent{{EventType: "created"}})
		Expect(err).NotTo(HaveOccurred())

		sup := subscription.NewSupervisor(gateway, mgr, regBus, nil, 200*time.Millisecond)
		defer sup.Shutdown()
		go sup.Run(ctx)

		conn := subscription.NewConnectionAuto()
		Expect(sup.Subscribe(ctx, "orders-5", "failover-reader", conn, subscription.Options{StartFrom: core.Origin()})).To(Succeed())

		msg := drainEvents(conn, 5*time.Second)
		Expect(conn.Ack(ctx, msg.Events[len(msg.Events)-1].EventNumber)).To(Succeed())

		// Simulate the dedicated advisory session dying: close the
		// manager entirely, which severs its live conn and releases the
		// underlying pg_advisory_lock along with it.
		Expect(mgr.Close(ctx)).To(Succeed())

		newMgr := advisory.NewManager(env.pool)
		Expect(newMgr.Start(ctx)).To(Succeed())
		defer func() { _ = newMgr.Close(ctx) }()

		sup2 := subscription.NewSupervisor(gateway, newMgr, regBus, nil, 200*time.Millisecond)
		defer sup2.Shutdown()

		conn2 := subscription.NewConnectionAuto()
		Expect(sup2.Subscribe(ctx, "orders-5", "failover-reader", conn2, subscription.Options{StartFrom: core.Origin()})).To(Succeed())

		// Give the re-acquired actor time to settle into subscribed
		// before appending, so delivery goes over the live notification
		// path rather than racing the catch-up read.
		time.Sleep(300 * time.Millisecond)

		_, err = gateway.AppendEvents(ctx, "orders-5", 1, []core.NewEvent{{EventType: "shipped"}})
		Expect(err).NotTo(HaveOccurred())

		msg2 := drainEvents(conn2, 5*time.Second)
		Expect(msg2.Events[0].EventType).To(Equal("shipped"), "the re-acquired actor must resume from the persisted checkpoint, not replay the acked event")
	})
})
