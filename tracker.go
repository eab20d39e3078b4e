// Copyright (C) 2019-2026, Fizyr B.V. All rights reserved.
// See the file LICENSE for licensing terms.

package rpc

import (
	"context"
	"sync"
)

// origin distinguishes which side of a connection initiated a request,
// per spec.md §3: the tracker keeps disjoint tables per origin so ID
// collisions between the two sides never matter.
type origin int

const (
	originSent origin = iota
	originReceived
)

func (o origin) String() string {
	if o == originSent {
		return "sent"
	}
	return "received"
}

// maxAllocationAttempts bounds how many candidate IDs the sent-request
// allocator probes before giving up with KindNoFreeRequestID. Mirrors the
// reference implementation's own bound (original_source/src/request_tracker.rs);
// spec.md leaves the exact probing strategy open.
const maxAllocationAttempts = 100

// dispatchOutcome reports what happened to a message handed to
// (*tracker[B]).dispatch.
type dispatchOutcome int

const (
	outcomeDelivered dispatchOutcome = iota
	outcomeTerminal
	outcomeNoSuchRequest
)

// entry is the tracker's per-request record (spec.md §3's "request entry").
// inbox is never closed: dispatch (the read loop) is its sole producer,
// and closing a channel out from under a concurrent, unsynchronized
// sender is a send-on-closed-channel panic waiting to happen the moment a
// retire/shutdown on another goroutine races a dispatch (spec.md §5's
// cancellation races are exactly this: a local Close/SendResponse/
// shutdown retiring an entry at the same moment an inbound update for it
// is in flight). done is the only retirement signal: closed exactly once
// (by whichever of dispatch's terminal branch, retire, or shutdown wins
// the table's delete), and every producer and consumer of inbox selects
// on it instead of relying on inbox's own open/closed state.
type entry[B Body] struct {
	id        uint32
	origin    origin
	serviceID int32
	inbox     chan Message[B]
	done      chan struct{}
	doneOnce  sync.Once
}

func newEntry[B Body](id uint32, o origin, serviceID int32, capacity int) *entry[B] {
	return &entry[B]{
		id:        id,
		origin:    o,
		serviceID: serviceID,
		inbox:     make(chan Message[B], capacity),
		done:      make(chan struct{}),
	}
}

// markRetired signals that no further message will be dispatched to this
// entry. It never touches inbox: draining whatever a racing dispatch
// already enqueued is the consumer's job (recvFromEntry), not the
// retirer's. Idempotent, since dispatch's terminal branch, retire, and
// shutdown's snapshotOpen fan-out can all reach the same entry.
func (e *entry[B]) markRetired() {
	e.doneOnce.Do(func() { close(e.done) })
}

// recvFromEntry waits for the next message on e, or reports done=true
// once the entry has been retired and its inbox drained. It is the single
// pattern every inbox consumer (SentRequestHandle, ReceivedRequestHandle)
// uses so none of them depend on inbox itself ever being closed: e.done
// can close while a message dispatch already placed in the buffer is
// still unread, so once done fires this checks inbox one more time,
// non-blockingly, before reporting the entry closed.
func recvFromEntry[B Body](ctx context.Context, e *entry[B]) (msg Message[B], done bool, cancelled bool) {
	select {
	case m := <-e.inbox:
		return m, false, false
	case <-e.done:
		select {
		case m := <-e.inbox:
			return m, false, false
		default:
		}
		return Message[B]{}, true, false
	case <-ctx.Done():
		return Message[B]{}, false, true
	}
}

// tracker is the table of in-flight sent and received requests, keyed by
// (request_id, origin), plus the sent-side ID allocator. It is
// engine-private: only the Peer that owns it ever calls its methods.
type tracker[B Body] struct {
	mu            sync.Mutex
	nextSentID    uint32
	sent          map[uint32]*entry[B]
	received      map[uint32]*entry[B]
	inboxCapacity int

	duplicateReceivedIDs uint64 // diagnostic counter, spec.md §9 open question
	droppedMessages      uint64 // diagnostic counter for unmatched messages
}

func newTracker[B Body](inboxCapacity int) *tracker[B] {
	return &tracker[B]{
		sent:          make(map[uint32]*entry[B]),
		received:      make(map[uint32]*entry[B]),
		inboxCapacity: inboxCapacity,
	}
}

// registerSent allocates a fresh sent-side request ID and inserts an
// entry for it (spec.md §4.3, invariant 5). It returns the entry itself,
// not just its inbox, so callers can select on entry.done alongside
// entry.inbox (see recvFromEntry) instead of relying on inbox's own
// open/closed state.
func (t *tracker[B]) registerSent(serviceID int32) (uint32, *entry[B], *Error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for attempt := 0; attempt < maxAllocationAttempts; attempt++ {
		id := t.nextSentID
		t.nextSentID++
		if _, exists := t.sent[id]; exists {
			continue
		}
		e := newEntry[B](id, originSent, serviceID, t.inboxCapacity)
		t.sent[id] = e
		return id, e, nil
	}
	return 0, nil, NewError(KindNoFreeRequestID, "sent-request ID allocator exhausted its probe budget")
}

// registerReceived inserts an entry for an inbound Request. It rejects
// the id with KindDuplicateRequestID if a Received entry for it is
// already open (spec.md §4.3).
func (t *tracker[B]) registerReceived(id uint32, serviceID int32) (*entry[B], *Error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.received[id]; exists {
		t.duplicateReceivedIDs++
		return nil, NewError(KindDuplicateRequestID, "peer reused an active received request id")
	}
	e := newEntry[B](id, originReceived, serviceID, t.inboxCapacity)
	t.received[id] = e
	return e, nil
}

func (t *tracker[B]) tableFor(o origin) map[uint32]*entry[B] {
	if o == originSent {
		return t.sent
	}
	return t.received
}

// dispatch routes an inbound message to the entry matching (id, origin).
// A Response retires the entry as part of the same operation, so no
// further message for that (id, origin) is ever delivered afterward
// (invariant 3). The blocking channel send happens outside the tracker's
// mutex so a full inbox (strict-ordering backpressure, spec.md §5) stalls
// only the caller, never other tracker operations.
//
// dispatch is inbox's sole producer (it only ever runs on the read loop),
// so it is also the only code path allowed to send on e.inbox; retire and
// shutdown never do (see entry.markRetired). A non-terminal message's
// entry can still be retired concurrently by the command loop (handle
// drop, an already-sent response) or by shutdown while this send is in
// flight, so the send below selects on e.done to back off instead of
// blocking forever on an entry nobody will ever read from again.
func (t *tracker[B]) dispatch(id uint32, o origin, msg Message[B]) dispatchOutcome {
	t.mu.Lock()
	table := t.tableFor(o)
	e, ok := table[id]
	if !ok {
		t.droppedMessages++
		t.mu.Unlock()
		return outcomeNoSuchRequest
	}
	terminal := msg.Header.Type == Response
	if terminal {
		delete(table, id)
	}
	t.mu.Unlock()

	select {
	case e.inbox <- msg:
	case <-e.done:
		t.mu.Lock()
		t.droppedMessages++
		t.mu.Unlock()
		return outcomeNoSuchRequest
	}
	if terminal {
		e.markRetired()
		return outcomeTerminal
	}
	return outcomeDelivered
}

// retire removes an entry, e.g. because its handle was dropped locally,
// a response was just sent for it, or the engine is shutting down. It
// reports whether an entry actually existed; retiring an already-retired
// id (for instance one that a concurrent Response already terminated) is
// a safe no-op that reports false.
func (t *tracker[B]) retire(id uint32, o origin) bool {
	t.mu.Lock()
	table := t.tableFor(o)
	e, ok := table[id]
	if !ok {
		t.mu.Unlock()
		return false
	}
	delete(table, id)
	t.mu.Unlock()
	e.markRetired()
	return true
}

// isOpen reports whether an entry for (id, o) is currently open, without
// mutating the tracker.
func (t *tracker[B]) isOpen(id uint32, o origin) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.tableFor(o)[id]
	return ok
}

// lookupServiceID returns the recorded service ID for an entry. ok is
// false if no such entry is open. Nothing in this package calls it.
func (t *tracker[B]) lookupServiceID(id uint32, o origin) (int32, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.tableFor(o)[id]
	if !ok {
		return 0, false
	}
	return e.serviceID, true
}

// snapshotOpen returns every currently open entry across both tables, for
// shutdown-time fan-out of a terminal PeerClosed error (spec.md §4.4). The
// tracker is left empty afterward: every returned entry has already been
// removed from the tables.
func (t *tracker[B]) snapshotOpen() []*entry[B] {
	t.mu.Lock()
	defer t.mu.Unlock()
	entries := make([]*entry[B], 0, len(t.sent)+len(t.received))
	for id, e := range t.sent {
		entries = append(entries, e)
		delete(t.sent, id)
	}
	for id, e := range t.received {
		entries = append(entries, e)
		delete(t.received, id)
	}
	return entries
}

// Stats reports a point-in-time snapshot for the debug/admin surfaces.
type Stats struct {
	OpenSent            int
	OpenReceived        int
	NextSentID          uint32
	DuplicateReceivedID uint64
	DroppedMessages     uint64
}

func (t *tracker[B]) stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{
		OpenSent:            len(t.sent),
		OpenReceived:        len(t.received),
		NextSentID:          t.nextSentID,
		DuplicateReceivedID: t.duplicateReceivedIDs,
		DroppedMessages:     t.droppedMessages,
	}
}
