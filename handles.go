// Copyright (C) 2019-2026, Fizyr B.V. All rights reserved.
// See the file LICENSE for licensing terms.

package rpc

import (
	"context"
	"runtime"
	"sync/atomic"
)

// PeerHandle is the pair of capability-typed handles Spawn returns: a
// single-consumer read side and a clonable, shareable write side
// (spec.md §4.5).
type PeerHandle[B Body] struct {
	Read  PeerReadHandle[B]
	Write PeerWriteHandle[B]
}

// PeerReadHandle consumes the peer-wide incoming queue: accepted requests
// and standalone Stream notifications, in the order the transport
// delivered them. It is single-consumer; do not call Recv from more than
// one goroutine at a time.
type PeerReadHandle[B Body] struct {
	peer   *Peer[B]
	closed bool
}

// Recv waits for the next incoming request or stream notification.
// incoming is never closed by shutdown, for the same reason entry.inbox
// isn't (see tracker.go): the read loop is its sole producer, and closing
// it from shutdown (which can run on a different goroutine) would race an
// in-flight pushIncoming send. p.doneCh is the retirement signal instead;
// once it fires this checks incoming one more time, non-blockingly, in
// case a send raced in just before shutdown.
func (h *PeerReadHandle[B]) Recv(ctx context.Context) (Incoming[B], *Error) {
	select {
	case item := <-h.peer.incoming:
		return item, nil
	case <-h.peer.doneCh:
		select {
		case item := <-h.peer.incoming:
			return item, nil
		default:
		}
		return Incoming[B]{}, h.peer.closedError()
	case <-ctx.Done():
		return Incoming[B]{}, WrapError(KindIo, "recv cancelled", ctx.Err())
	}
}

// Close releases this read handle. Dropping the read handle plus every
// clone of the write handle triggers engine shutdown (spec.md §5).
func (h *PeerReadHandle[B]) Close() {
	if h.closed {
		return
	}
	h.closed = true
	h.peer.releaseHandle()
}

// PeerWriteHandle submits commands to the engine: issuing new requests
// and sending standalone Stream notifications. It is clonable and safe
// to share across goroutines; every clone must eventually be Closed.
type PeerWriteHandle[B Body] struct {
	peer   *Peer[B]
	closed *atomic.Bool
}

// newPeerWriteHandle builds a fresh, not-yet-closed write handle. Every
// call site that hands out an independently-closeable write handle
// (Spawn, Clone) goes through this constructor so closed is never nil.
func newPeerWriteHandle[B Body](p *Peer[B]) PeerWriteHandle[B] {
	return PeerWriteHandle[B]{peer: p, closed: new(atomic.Bool)}
}

// Clone returns an independent PeerWriteHandle sharing the same
// underlying engine. Each clone must be Closed independently.
func (h PeerWriteHandle[B]) Clone() PeerWriteHandle[B] {
	h.peer.refCount.Add(1)
	return newPeerWriteHandle(h.peer)
}

// SendRequest issues a new Request and returns a handle for tracking its
// responses and updates.
func (h PeerWriteHandle[B]) SendRequest(ctx context.Context, serviceID int32, body B) (*SentRequestHandle[B], *Error) {
	reply := make(chan sendRequestReply[B], 1)
	if err := h.peer.submit(&sendRequestCmd[B]{serviceID: serviceID, body: body, reply: reply}); err != nil {
		return nil, err
	}
	select {
	case r := <-reply:
		if r.err != nil {
			return nil, r.err
		}
		return newSentRequestHandle(h.peer, r.id, serviceID, r.entry), nil
	case <-h.peer.doneCh:
		return nil, h.peer.closedError()
	case <-ctx.Done():
		return nil, WrapError(KindIo, "send request cancelled", ctx.Err())
	}
}

// SendStream sends a standalone notification, not tied to any request.
func (h PeerWriteHandle[B]) SendStream(ctx context.Context, serviceID int32, body B) *Error {
	done := make(chan *Error, 1)
	if err := h.peer.submit(&sendStreamCmd[B]{serviceID: serviceID, body: body, done: done}); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-h.peer.doneCh:
		return h.peer.closedError()
	case <-ctx.Done():
		return WrapError(KindIo, "send stream cancelled", ctx.Err())
	}
}

// Close releases this write handle clone.
func (h PeerWriteHandle[B]) Close() {
	if h.closed.Swap(true) {
		return
	}
	h.peer.releaseHandle()
}

// releaseHandle drops the engine's reference count by one; when it
// reaches zero (the read handle and every write handle clone have been
// closed) the engine shuts itself down.
func (p *Peer[B]) releaseHandle() {
	if p.refCount.Add(-1) == 0 {
		_ = p.submit(&shutdownCmd[B]{})
	}
}

// responseError translates a Response message's service_id/body into the
// *Error a SentRequestHandle.RecvResponse should return: nil for
// success, KindAborted for the reserved locally-synthesized cancellation
// code, KindRemoteError for anything else non-zero.
func responseError[B Body](msg Message[B]) *Error {
	switch msg.Header.ServiceID {
	case 0:
		return nil
	case AbortedServiceID:
		return NewError(KindAborted, msg.Body.AsError())
	default:
		return NewError(KindRemoteError, msg.Body.AsError())
	}
}

// SentRequestHandle is associated with one open Sent tracker entry. It is
// single-consumer for RecvUpdate/RecvResponse; WriteHandle returns a
// clonable token that may send updates concurrently from other
// goroutines.
type SentRequestHandle[B Body] struct {
	peer      *Peer[B]
	id        uint32
	serviceID int32
	entry     *entry[B]
	peeked    *Message[B]
	closed    bool
}

func newSentRequestHandle[B Body](peer *Peer[B], id uint32, serviceID int32, e *entry[B]) *SentRequestHandle[B] {
	h := &SentRequestHandle[B]{peer: peer, id: id, serviceID: serviceID, entry: e}
	runtime.SetFinalizer(h, func(h *SentRequestHandle[B]) { h.Close() })
	return h
}

// RequestID returns the ID this handle's request was assigned.
func (h *SentRequestHandle[B]) RequestID() uint32 { return h.id }

// ServiceID returns the original request's service.
func (h *SentRequestHandle[B]) ServiceID() int32 { return h.serviceID }

// RecvUpdate waits for the next message. If it is a ResponderUpdate, it
// is returned with ok=true. If the next message is the terminal
// Response, RecvUpdate leaves it in place (for RecvResponse) and returns
// ok=false with a nil error.
func (h *SentRequestHandle[B]) RecvUpdate(ctx context.Context) (msg Message[B], ok bool, rpcErr *Error) {
	if h.peeked != nil {
		if h.peeked.Header.Type == Response {
			return Message[B]{}, false, nil
		}
		msg = *h.peeked
		h.peeked = nil
		return msg, true, nil
	}
	m, done, cancelled := recvFromEntry(ctx, h.entry)
	switch {
	case cancelled:
		return Message[B]{}, false, WrapError(KindIo, "recv cancelled", ctx.Err())
	case done:
		return Message[B]{}, false, h.peer.closedError()
	case m.Header.Type == Response:
		h.peeked = &m
		return Message[B]{}, false, nil
	default:
		return m, true, nil
	}
}

// RecvResponse waits for and returns the terminal Response, silently
// discarding any not-yet-consumed updates ahead of it (spec.md §4.5;
// scenario 3 in §8 always drains updates via RecvUpdate first, so this
// only matters if a caller skips straight to RecvResponse). The returned
// error is nil on success, KindAborted or KindRemoteError otherwise.
func (h *SentRequestHandle[B]) RecvResponse(ctx context.Context) (Message[B], *Error) {
	for {
		if h.peeked != nil {
			m := *h.peeked
			h.peeked = nil
			if m.Header.Type != Response {
				continue
			}
			return m, responseError(m)
		}
		m, done, cancelled := recvFromEntry(ctx, h.entry)
		if cancelled {
			return Message[B]{}, WrapError(KindIo, "recv cancelled", ctx.Err())
		}
		if done {
			return Message[B]{}, h.peer.closedError()
		}
		if m.Header.Type != Response {
			continue
		}
		return m, responseError(m)
	}
}

// SendUpdate sends a RequesterUpdate for this request.
func (h *SentRequestHandle[B]) SendUpdate(ctx context.Context, serviceID int32, body B) *Error {
	return h.WriteHandle().SendUpdate(ctx, serviceID, body)
}

// WriteHandle returns a clonable token that can only send updates for
// this request, usable concurrently with reading from h.
func (h *SentRequestHandle[B]) WriteHandle() SentRequestWriteHandle[B] {
	return SentRequestWriteHandle[B]{peer: h.peer, id: h.id}
}

// Close cancels the request: the engine retires the entry locally. The
// peer is not explicitly notified (the protocol has no cancel message).
func (h *SentRequestHandle[B]) Close() {
	if h.closed {
		return
	}
	h.closed = true
	runtime.SetFinalizer(h, nil)
	_ = h.peer.submit(&closeSentCmd[B]{id: h.id})
}

// SentRequestWriteHandle is a clonable token that can only send updates
// for one sent request. Copying it is safe: it carries no per-instance
// mutable state.
type SentRequestWriteHandle[B Body] struct {
	peer *Peer[B]
	id   uint32
}

// SendUpdate sends a RequesterUpdate for this request.
func (w SentRequestWriteHandle[B]) SendUpdate(ctx context.Context, serviceID int32, body B) *Error {
	done := make(chan *Error, 1)
	if err := w.peer.submit(&sendUpdateCmd[B]{id: w.id, o: originSent, serviceID: serviceID, body: body, done: done}); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-w.peer.doneCh:
		return w.peer.closedError()
	case <-ctx.Done():
		return WrapError(KindIo, "send update cancelled", ctx.Err())
	}
}

// ReceivedRequestHandle is associated with one open Received tracker
// entry. No Response will ever arrive on it (this side sends the
// Response, it never receives one for its own request).
type ReceivedRequestHandle[B Body] struct {
	peer      *Peer[B]
	id        uint32
	serviceID int32
	entry     *entry[B]
	answered  bool
	closed    bool
}

func newReceivedRequestHandle[B Body](peer *Peer[B], id uint32, serviceID int32, e *entry[B]) *ReceivedRequestHandle[B] {
	h := &ReceivedRequestHandle[B]{peer: peer, id: id, serviceID: serviceID, entry: e}
	runtime.SetFinalizer(h, func(h *ReceivedRequestHandle[B]) { h.Close() })
	return h
}

// RequestID returns the ID the peer chose for this request.
func (h *ReceivedRequestHandle[B]) RequestID() uint32 { return h.id }

// ServiceID returns the original request's service.
func (h *ReceivedRequestHandle[B]) ServiceID() int32 { return h.serviceID }

// RecvUpdate waits for the next RequesterUpdate.
func (h *ReceivedRequestHandle[B]) RecvUpdate(ctx context.Context) (Message[B], *Error) {
	m, done, cancelled := recvFromEntry(ctx, h.entry)
	switch {
	case cancelled:
		return Message[B]{}, WrapError(KindIo, "recv cancelled", ctx.Err())
	case done:
		return Message[B]{}, h.peer.closedError()
	default:
		return m, nil
	}
}

// SendUpdate sends a ResponderUpdate for this request.
func (h *ReceivedRequestHandle[B]) SendUpdate(ctx context.Context, serviceID int32, body B) *Error {
	return h.WriteHandle().SendUpdate(ctx, serviceID, body)
}

// SendResponse sends the final Response, transitioning this entry to
// Answered. After this call returns, Close is a no-op: the entry has
// already been retired.
func (h *ReceivedRequestHandle[B]) SendResponse(ctx context.Context, serviceID int32, body B) *Error {
	if h.answered {
		return NewError(KindPeerClosed, "response already sent")
	}
	done := make(chan *Error, 1)
	if err := h.peer.submit(&sendResponseCmd[B]{id: h.id, serviceID: serviceID, body: body, done: done}); err != nil {
		return err
	}
	h.answered = true
	select {
	case err := <-done:
		return err
	case <-h.peer.doneCh:
		return h.peer.closedError()
	case <-ctx.Done():
		return WrapError(KindIo, "send response cancelled", ctx.Err())
	}
}

// SendErrorResponse is a convenience wrapper sending a Response with the
// reserved application-error service ID and a text body.
func (h *ReceivedRequestHandle[B]) SendErrorResponse(ctx context.Context, description string) *Error {
	var zero B
	body := zero.FromBytes([]byte(description), nil).(B)
	return h.SendResponse(ctx, ErrorServiceID, body)
}

// WriteHandle returns a clonable token that can send updates and the
// final response for this request, usable concurrently with reading
// from h.
func (h *ReceivedRequestHandle[B]) WriteHandle() ReceivedRequestWriteHandle[B] {
	return ReceivedRequestWriteHandle[B]{handle: h}
}

// Close drops this handle. If no Response was ever sent, the engine
// synthesizes an Aborted Response so the remote peer's Sent-side state
// isn't stranded (spec.md §5, §9).
func (h *ReceivedRequestHandle[B]) Close() {
	if h.closed {
		return
	}
	h.closed = true
	runtime.SetFinalizer(h, nil)
	if h.answered {
		return
	}
	_ = h.peer.submit(&closeReceivedCmd[B]{id: h.id})
}

// ReceivedRequestWriteHandle is a clonable token wrapping one received
// request; unlike SentRequestWriteHandle it can also send the final
// response, matching spec.md §4.5.
type ReceivedRequestWriteHandle[B Body] struct {
	handle *ReceivedRequestHandle[B]
}

// SendUpdate sends a ResponderUpdate for this request.
func (w ReceivedRequestWriteHandle[B]) SendUpdate(ctx context.Context, serviceID int32, body B) *Error {
	done := make(chan *Error, 1)
	peer := w.handle.peer
	if err := peer.submit(&sendUpdateCmd[B]{id: w.handle.id, o: originReceived, serviceID: serviceID, body: body, done: done}); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-peer.doneCh:
		return peer.closedError()
	case <-ctx.Done():
		return WrapError(KindIo, "send update cancelled", ctx.Err())
	}
}

// SendResponse sends the final response for this request.
func (w ReceivedRequestWriteHandle[B]) SendResponse(ctx context.Context, serviceID int32, body B) *Error {
	return w.handle.SendResponse(ctx, serviceID, body)
}
