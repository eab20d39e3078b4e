// Copyright (C) 2019-2026, Fizyr B.V. All rights reserved.
// See the file LICENSE for licensing terms.

// Package rpc implements a bidirectional, request-multiplexed RPC peer
// engine: two ends of a connection exchange Request/Response pairs plus
// in-flight update notifications, over any Transport that can send and
// receive whole framed messages.
//
// # Usage
//
// Spawn a Peer around a Transport, then only ever touch it through the
// handles Spawn returns:
//
//	handle := rpc.Spawn[rpc.StreamBody](transport, rpc.NewConfig(), meter)
//	defer handle.Read.Close()
//	defer handle.Write.Close()
//
//	sent, err := handle.Write.SendRequest(ctx, serviceID, rpc.NewStreamBody(payload))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	resp, rpcErr := sent.RecvResponse(ctx)
//
// Accepting requests and standalone stream notifications reads the same
// way, off the read handle:
//
//	item, err := handle.Read.Recv(ctx)
//	if item.Request != nil {
//	    item.Request.SendResponse(ctx, 0, rpc.NewStreamBody(result))
//	}
//
// # Transport Selection
//
// StreamTransport frames any io.ReadWriteCloser (a net.Conn, most
// commonly) with a length-prefixed byte-stream wire format.
// PipeDatagramTransport is a datagram-framed, in-memory pair for tests
// and for exercising UnixBody's file descriptor list without a real Unix
// seqpacket socket. Concrete socket back-ends beyond wrapping an
// io.ReadWriteCloser are a deployment decision, not part of this
// package.
//
// # Architecture
//
// The package separates concerns:
//
//   - message.go: wire header, message types, and the generic Message
//   - body.go: the Body constraint and its StreamBody/UnixBody implementations
//   - transport.go: the Transport interface and its two implementations
//   - tracker.go: the sent/received request-ID table
//   - peer.go: the read loop and command loop that make up a Peer
//   - handles.go: the capability-typed handles application code uses
//   - listener.go: spawning a Peer per accepted connection
//   - errors.go: the single Error type and its ErrorKind taxonomy
//   - metrics.go: optional OpenTelemetry instrumentation
//
// Application code should only depend on the handle types; Peer and
// tracker are internal to the engine.
package rpc
