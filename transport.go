// Copyright (C) 2019-2026, Fizyr B.V. All rights reserved.
// See the file LICENSE for licensing terms.

package rpc

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"
)

// Transport is the abstract, async-message contract a Peer drives. Each
// call to SendMessage or ReceiveMessage completes only when a whole
// message has been sent or received (spec.md §4.2); implementations may
// buffer internally but must not return a partial frame.
//
// Concrete socket-type transports (TCP/Unix-stream byte-stream, Unix
// seqpacket datagram) are external collaborators and out of scope for
// this package (spec.md §1); StreamTransport below is the generic
// byte-stream framer any io.ReadWriteCloser can be plugged into, and
// PipeDatagramTransport is an in-memory datagram-framed pair used for
// tests and for exercising UnixBody's ancillary data.
type Transport[B Body] interface {
	// SendMessage transmits one whole message.
	SendMessage(ctx context.Context, msg Message[B]) *Error

	// ReceiveMessage waits for and returns one whole message.
	ReceiveMessage(ctx context.Context) (Message[B], *Error)

	// Close releases the transport's underlying resources. Concurrent
	// Send/ReceiveMessage calls must unblock with an error.
	Close() error
}

func decodeBody[B Body](data []byte, ancillary []int) B {
	var zero B
	decoded := zero.FromBytes(data, ancillary)
	return decoded.(B)
}

// bodyLenLimiter is implemented by transports whose accepted body size can
// be adjusted after construction. Spawn type-asserts for it and applies
// Config.MaxBodyLen (spec.md §6) to whatever transport it was handed, so
// that peer-level knob governs enforcement instead of being shadowed by
// whatever limit the transport happened to be built with. A Transport that
// doesn't implement it (an external, out-of-package transport) simply keeps
// its own fixed limit.
type bodyLenLimiter interface {
	setMaxBodyLen(n int)
}

// StreamTransport frames whole messages over any io.ReadWriteCloser using
// the byte-stream wire format from spec.md §6: a 4 byte little-endian
// length prefix equal to HeaderLen+len(body), followed by the header and
// body.
type StreamTransport[B Body] struct {
	conn       io.ReadWriteCloser
	maxBodyLen int

	writeMu sync.Mutex
	readMu  sync.Mutex
}

// NewStreamTransport wraps conn (typically a net.Conn) with length-prefix
// framing. maxBodyLen bounds accepted (and emitted) body sizes; pass 0 to
// use DefaultMaxBodyLen.
func NewStreamTransport[B Body](conn io.ReadWriteCloser, maxBodyLen int) *StreamTransport[B] {
	if maxBodyLen <= 0 {
		maxBodyLen = DefaultMaxBodyLen
	}
	return &StreamTransport[B]{conn: conn, maxBodyLen: maxBodyLen}
}

// SendMessage implements Transport.
func (t *StreamTransport[B]) SendMessage(ctx context.Context, msg Message[B]) *Error {
	if err := ctx.Err(); err != nil {
		return WrapError(KindIo, "send cancelled", err)
	}
	body := msg.Body.Bytes()
	if len(body) > t.maxBodyLen {
		return NewError(KindMessageTooLarge, fmt.Sprintf("body of %d bytes exceeds limit of %d", len(body), t.maxBodyLen))
	}

	frameLen := HeaderLen + len(body)
	buf := make([]byte, 4+frameLen)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(frameLen))
	msg.Header.Encode(buf[4 : 4+HeaderLen])
	copy(buf[4+HeaderLen:], body)

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.conn.Write(buf); err != nil {
		return WrapError(KindIo, "failed to write frame", err)
	}
	return nil
}

// ReceiveMessage implements Transport.
func (t *StreamTransport[B]) ReceiveMessage(ctx context.Context) (Message[B], *Error) {
	var zero Message[B]
	if err := ctx.Err(); err != nil {
		return zero, WrapError(KindIo, "receive cancelled", err)
	}

	t.readMu.Lock()
	defer t.readMu.Unlock()

	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(t.conn, lenBuf); err != nil {
		return zero, classifyReadError(err, true)
	}
	frameLen := binary.LittleEndian.Uint32(lenBuf)
	if frameLen < HeaderLen {
		return zero, NewError(KindMalformedFrame, fmt.Sprintf("frame length %d shorter than header", frameLen))
	}
	if int(frameLen)-HeaderLen > t.maxBodyLen {
		return zero, NewError(KindMessageTooLarge, fmt.Sprintf("frame body of %d bytes exceeds limit of %d", int(frameLen)-HeaderLen, t.maxBodyLen))
	}

	frame := make([]byte, frameLen)
	if _, err := io.ReadFull(t.conn, frame); err != nil {
		return zero, classifyReadError(err, false)
	}

	header, decodeErr := DecodeHeader(frame[:HeaderLen])
	if decodeErr != nil {
		return zero, decodeErr
	}
	body := decodeBody[B](frame[HeaderLen:], nil)
	return NewMessage(header, body), nil
}

// Close implements Transport.
func (t *StreamTransport[B]) Close() error {
	return t.conn.Close()
}

// setMaxBodyLen implements bodyLenLimiter. It is only ever called from
// Spawn, before the transport is handed to the read/command loops, so it
// needs no locking of its own.
func (t *StreamTransport[B]) setMaxBodyLen(n int) {
	if n > 0 {
		t.maxBodyLen = n
	}
}

// classifyReadError maps an io.ReadFull failure to the error kinds
// spec.md §4.1 requires: a clean EOF exactly at a frame boundary is a
// transport-level close (atFrameStart), anything else mid-frame is
// KindUnexpectedEnd.
func classifyReadError(err error, atFrameStart bool) *Error {
	if errors.Is(err, io.EOF) {
		if atFrameStart {
			return WrapError(KindIo, "connection closed", err)
		}
		return WrapError(KindUnexpectedEnd, "connection closed mid-frame", err)
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return WrapError(KindUnexpectedEnd, "connection closed mid-frame", err)
	}
	return WrapError(KindIo, "read failed", err)
}

// isConnectionAbortedCause reports whether cause represents the remote
// side of a stream transport closing the connection, as opposed to some
// other I/O failure.
func isConnectionAbortedCause(cause error) bool {
	if cause == nil {
		return false
	}
	if errors.Is(cause, io.EOF) || errors.Is(cause, net.ErrClosed) {
		return true
	}
	return errors.Is(cause, syscall.ECONNRESET) || errors.Is(cause, syscall.ECONNABORTED)
}

// datagram is one whole message as it crosses a PipeDatagramTransport:
// the encoded header+body bytes plus any ancillary file descriptors,
// exactly as a real Unix seqpacket datagram would carry them.
type datagram struct {
	frame     []byte
	ancillary []int
}

// PipeDatagramTransport is an in-memory, datagram-framed Transport used
// for tests and for exercising UnixBody's ancillary file descriptor list
// without a real Unix seqpacket socket. Each Send/Receive corresponds to
// exactly one datagram; there is no length prefix; the datagram boundary
// is the message boundary (spec.md §6).
type PipeDatagramTransport[B Body] struct {
	out        chan<- datagram
	in         <-chan datagram
	maxBodyLen int

	closeOnce sync.Once
	closed    chan struct{}

	// peerClosed is the other end's own closed channel: a read-only view
	// letting ReceiveMessage notice the peer hanging up, the way a real
	// socket peer observes EOF after the other side closes its end. It is
	// never closed by this transport, only observed.
	peerClosed <-chan struct{}
}

// NewPipeDatagramTransportPair returns two ends of an in-memory datagram
// link; messages sent on one are received on the other.
func NewPipeDatagramTransportPair[B Body](maxBodyLen int) (*PipeDatagramTransport[B], *PipeDatagramTransport[B]) {
	if maxBodyLen <= 0 {
		maxBodyLen = DefaultMaxBodyLen
	}
	ab := make(chan datagram, 16)
	ba := make(chan datagram, 16)
	aClosed := make(chan struct{})
	bClosed := make(chan struct{})
	a := &PipeDatagramTransport[B]{out: ab, in: ba, maxBodyLen: maxBodyLen, closed: aClosed, peerClosed: bClosed}
	b := &PipeDatagramTransport[B]{out: ba, in: ab, maxBodyLen: maxBodyLen, closed: bClosed, peerClosed: aClosed}
	return a, b
}

// SendMessage implements Transport.
func (t *PipeDatagramTransport[B]) SendMessage(ctx context.Context, msg Message[B]) *Error {
	body := msg.Body.Bytes()
	if len(body) > t.maxBodyLen {
		return NewError(KindMessageTooLarge, fmt.Sprintf("body of %d bytes exceeds limit of %d", len(body), t.maxBodyLen))
	}
	frame := make([]byte, HeaderLen+len(body))
	msg.Header.Encode(frame[:HeaderLen])
	copy(frame[HeaderLen:], body)

	select {
	case <-t.closed:
		return NewError(KindIo, "transport closed")
	case <-ctx.Done():
		return WrapError(KindIo, "send cancelled", ctx.Err())
	default:
	}
	select {
	case t.out <- datagram{frame: frame, ancillary: msg.Body.Ancillary()}:
		return nil
	case <-t.closed:
		return NewError(KindIo, "transport closed")
	case <-ctx.Done():
		return WrapError(KindIo, "send cancelled", ctx.Err())
	}
}

// ReceiveMessage implements Transport.
func (t *PipeDatagramTransport[B]) ReceiveMessage(ctx context.Context) (Message[B], *Error) {
	var zero Message[B]
	select {
	case dg, ok := <-t.in:
		if !ok {
			return zero, NewError(KindIo, "peer closed transport")
		}
		if len(dg.frame) < HeaderLen {
			return zero, NewError(KindMalformedFrame, fmt.Sprintf("datagram of %d bytes shorter than header", len(dg.frame)))
		}
		header, decodeErr := DecodeHeader(dg.frame[:HeaderLen])
		if decodeErr != nil {
			return zero, decodeErr
		}
		body := decodeBody[B](dg.frame[HeaderLen:], dg.ancillary)
		return NewMessage(header, body), nil
	case <-t.closed:
		return zero, NewError(KindIo, "transport closed")
	case <-t.peerClosed:
		return zero, NewError(KindIo, "peer closed transport")
	case <-ctx.Done():
		return zero, WrapError(KindIo, "receive cancelled", ctx.Err())
	}
}

// Close implements Transport, unblocking any of this end's own pending
// calls and, via peerClosed, letting the other end's next ReceiveMessage
// observe the hangup.
func (t *PipeDatagramTransport[B]) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

// setMaxBodyLen implements bodyLenLimiter; see StreamTransport.setMaxBodyLen.
func (t *PipeDatagramTransport[B]) setMaxBodyLen(n int) {
	if n > 0 {
		t.maxBodyLen = n
	}
}
