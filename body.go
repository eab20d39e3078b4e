// Copyright (C) 2019-2026, Fizyr B.V. All rights reserved.
// See the file LICENSE for licensing terms.

package rpc

// Body is the constraint every message body type must satisfy to be used
// as a Peer's type parameter. It is the only place ancillary data (file
// descriptors, for datagram transports) surfaces; StreamBody carries
// none, UnixBody carries a list of them.
//
// Implementations must be comparable-free value types cheap to copy by
// reference; a Peer never mutates a Body it has handed to a caller.
type Body interface {
	// FromBytes builds a body from raw payload bytes and, for datagram
	// transports, ancillary file descriptors received alongside it.
	FromBytes(data []byte, ancillary []int) Body

	// Bytes returns the raw payload bytes of the body.
	Bytes() []byte

	// Ancillary returns the file descriptors carried alongside the body,
	// if any. StreamBody always returns nil.
	Ancillary() []int

	// AsError interprets the body as a human-readable error description.
	// Callers only invoke this when the header indicates a Response with
	// a non-zero service_id.
	AsError() string

	// Len returns len(Bytes()); the peer uses it to record frame sizes.
	Len() int
}

// StreamBody is a Body implementation of raw bytes without ancillary
// data, for byte-stream transports (and datagram transports that don't
// need file descriptor passing).
type StreamBody struct {
	data []byte
}

// NewStreamBody wraps data in a StreamBody without copying it.
func NewStreamBody(data []byte) StreamBody {
	return StreamBody{data: data}
}

// FromBytes implements Body.
func (StreamBody) FromBytes(data []byte, _ []int) Body {
	return StreamBody{data: data}
}

// Bytes implements Body.
func (b StreamBody) Bytes() []byte { return b.data }

// Ancillary implements Body; StreamBody never carries file descriptors.
func (StreamBody) Ancillary() []int { return nil }

// AsError implements Body.
func (b StreamBody) AsError() string { return string(b.data) }

// Len implements Body.
func (b StreamBody) Len() int { return len(b.data) }

// UnixBody is a Body implementation of raw bytes plus a list of file
// descriptors, for datagram transports (Unix seqpacket) that pass
// ancillary data alongside the message.
//
// This module implements the body type only; the syscall-level ancillary
// data transfer for a real Unix seqpacket socket is a concrete transport
// concern and out of scope (spec.md §1). PipeDatagramTransport in
// transport.go carries the Fds slice through in-memory for testing.
type UnixBody struct {
	data []byte
	fds  []int
}

// NewUnixBody wraps data and fds in a UnixBody without copying either.
func NewUnixBody(data []byte, fds []int) UnixBody {
	return UnixBody{data: data, fds: fds}
}

// FromBytes implements Body. The ancillary slice becomes the body's file
// descriptor list.
func (UnixBody) FromBytes(data []byte, ancillary []int) Body {
	return UnixBody{data: data, fds: ancillary}
}

// Bytes implements Body.
func (b UnixBody) Bytes() []byte { return b.data }

// Ancillary implements Body.
func (b UnixBody) Ancillary() []int { return b.fds }

// AsError implements Body.
func (b UnixBody) AsError() string { return string(b.data) }

// Len implements Body.
func (b UnixBody) Len() int { return len(b.data) }

// Fds returns the file descriptors carried by this body. It is a typed
// convenience over Ancillary for callers that know they hold a UnixBody.
func (b UnixBody) Fds() []int { return b.fds }
