// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package subscription

import (
	"sort"

	"github.com/c-moss-talk/eventstore/internal/core"
)

// queuedEvent pairs an event with the partition key it was enqueued
// under so an endpoint's in-flight list can be re-queued correctly on
// endpoint loss without recomputing partition_by.
type queuedEvent struct {
	event        core.RecordedEvent
	partitionKey string
}

// endpoint tracks one connected subscriber: its delivery connection,
// its in-flight (unacknowledged) events, and a logical clock used to
// break round-robin ties.
type endpoint struct {
	conn       *Connection
	bufferSize int
	inFlight   []queuedEvent
	clock      int64
}

func (e *endpoint) available() bool { return len(e.inFlight) < e.bufferSize }

func (e *endpoint) holds(partitionKey string) bool {
	for _, qe := range e.inFlight {
		if qe.partitionKey == partitionKey {
			return true
		}
	}
	return false
}

// subscriberSet is the partitioned fan-out engine (C6): per-partition
// ordered queues, sticky-by-partition round-robin endpoint selection,
// and contiguous checkpointing via processed_event_ids.
type subscriberSet struct {
	partitions map[string][]queuedEvent
	endpoints  map[string]*endpoint
	processed  map[int64]struct{}

	lastSent int64
	lastAck  int64
	clock    int64

	selector    func(core.RecordedEvent) bool
	partitionBy func(core.RecordedEvent) string
	mapper      func(core.RecordedEvent) core.RecordedEvent
	maxSize     int
}

func newSubscriberSet(opts Options, lastSent, lastAck int64) *subscriberSet {
	return &subscriberSet{
		partitions:  make(map[string][]queuedEvent),
		endpoints:   make(map[string]*endpoint),
		processed:   make(map[int64]struct{}),
		lastSent:    lastSent,
		lastAck:     lastAck,
		selector:    opts.Selector,
		partitionBy: opts.PartitionBy,
		mapper:      opts.Mapper,
		maxSize:     opts.MaxSize,
	}
}

// connect registers id as available to receive deliveries.
func (s *subscriberSet) connect(conn *Connection, bufferSize int) {
	s.endpoints[conn.ID()] = &endpoint{conn: conn, bufferSize: bufferSize}
}

// disconnect removes id and re-queues its in-flight events, descending
// by event number so the lowest ends up at each partition queue's
// head, preserving delivery order for whoever picks them up next.
func (s *subscriberSet) disconnect(id string) {
	ep, ok := s.endpoints[id]
	if !ok {
		return
	}
	delete(s.endpoints, id)
	for i := len(ep.inFlight) - 1; i >= 0; i-- {
		qe := ep.inFlight[i]
		s.partitions[qe.partitionKey] = append([]queuedEvent{qe}, s.partitions[qe.partitionKey]...)
	}
}

func (s *subscriberSet) endpointCount() int { return len(s.endpoints) }

// queueSize is the total count of events waiting to be picked up by an
// endpoint, not counting in-flight events already assigned.
func (s *subscriberSet) queueSize() int {
	n := 0
	for _, q := range s.partitions {
		n += len(q)
	}
	return n
}

// enqueue evaluates the selector for each event in arrival order.
// Rejected events are marked processed immediately and advance
// last_sent without ever reaching a partition queue; accepted events
// are appended to their partition's queue.
func (s *subscriberSet) enqueue(events []core.RecordedEvent) {
	for _, ev := range events {
		if s.selector != nil && !s.selector(ev) {
			s.processed[ev.EventNumber] = struct{}{}
			if ev.EventNumber > s.lastSent {
				s.lastSent = ev.EventNumber
			}
			continue
		}
		key := ""
		if s.partitionBy != nil {
			key = s.partitionBy(ev)
		}
		s.partitions[key] = append(s.partitions[key], queuedEvent{event: ev, partitionKey: key})
	}
}

// fanOut sorts partitions by the event_number of their head so global
// ordering is preferred, then repeatedly assigns each partition's head
// event to its selected endpoint until no endpoint is available for
// that key. It returns whether every partition queue drained entirely
// and the checkpoint result so the caller can decide whether to
// persist a new durable last_seen.
func (s *subscriberSet) fanOut() (drained bool, checkpointAdvanced bool, newLastAck int64) {
	keys := make([]string, 0, len(s.partitions))
	for k, q := range s.partitions {
		if len(q) > 0 {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		return s.partitions[keys[i]][0].event.EventNumber < s.partitions[keys[j]][0].event.EventNumber
	})

	perEndpoint := make(map[string][]core.RecordedEvent)
	for _, key := range keys {
		for {
			queue := s.partitions[key]
			if len(queue) == 0 {
				delete(s.partitions, key)
				break
			}
			ep, id := s.selectEndpoint(key)
			if ep == nil {
				break
			}
			head := queue[0]
			s.partitions[key] = queue[1:]
			ep.inFlight = append(ep.inFlight, head)
			if head.event.EventNumber > s.lastSent {
				s.lastSent = head.event.EventNumber
			}
			out := head.event
			if s.mapper != nil {
				out = s.mapper(out)
			}
			perEndpoint[id] = append(perEndpoint[id], out)
			s.clock++
			ep.clock = s.clock
		}
	}

	for id, evs := range perEndpoint {
		ep := s.endpoints[id]
		ep.conn.messages <- Message{Events: evs}
	}

	advanced, newAck := s.checkpoint()
	return s.queueSize() == 0, advanced, newAck
}

// selectEndpoint picks the endpoint that should receive the next event
// for partitionKey: sticky to whichever endpoint already holds an
// in-flight event for that key, else the available endpoint with the
// smallest logical clock (oldest last send), round-robin tie-break.
func (s *subscriberSet) selectEndpoint(partitionKey string) (*endpoint, string) {
	for id, ep := range s.endpoints {
		if ep.holds(partitionKey) {
			if ep.available() {
				return ep, id
			}
			return nil, ""
		}
	}

	var bestID string
	var best *endpoint
	for id, ep := range s.endpoints {
		if !ep.available() {
			continue
		}
		if best == nil || ep.clock < best.clock || (ep.clock == best.clock && id < bestID) {
			best, bestID = ep, id
		}
	}
	if best == nil {
		return nil, ""
	}
	return best, bestID
}

// ack applies endpoint id's acknowledgement of every in-flight event
// up to and including eventNumber, in FIFO order, then checkpoints.
func (s *subscriberSet) ack(id string, eventNumber int64) (advanced bool, newLastAck int64, err error) {
	ep, ok := s.endpoints[id]
	if !ok {
		return false, 0, core.ErrUnknownSubscriber
	}

	popped := 0
	for len(ep.inFlight) > 0 && ep.inFlight[0].event.EventNumber <= eventNumber {
		s.processed[ep.inFlight[0].event.EventNumber] = struct{}{}
		ep.inFlight = ep.inFlight[1:]
		popped++
	}
	if popped == 0 {
		if eventNumber <= s.lastAck {
			return false, s.lastAck, nil
		}
		return false, 0, core.ErrInvalidAck
	}

	advanced, newLastAck = s.checkpoint()
	return advanced, newLastAck, nil
}

// checkpoint advances last_ack contiguously: while last_ack+1 is in
// processed_event_ids, remove it and advance. This guarantees the
// durable last_seen, once persisted, equals the highest contiguously
// acknowledged event number.
func (s *subscriberSet) checkpoint() (advanced bool, newLastAck int64) {
	start := s.lastAck
	next := s.lastAck + 1
	for {
		if _, ok := s.processed[next]; !ok {
			break
		}
		delete(s.processed, next)
		s.lastAck = next
		next++
	}
	return s.lastAck != start, s.lastAck
}

// purge clears all queues, in-flight lists, and processed ids. Called
// when the actor loses leadership and transitions to disconnected: the
// durable checkpoint survives, but all volatile delivery state does not.
func (s *subscriberSet) purge() {
	s.partitions = make(map[string][]queuedEvent)
	s.processed = make(map[int64]struct{})
	for _, ep := range s.endpoints {
		ep.inFlight = nil
	}
}
