// Copyright (C) 2019-2026, Fizyr B.V. All rights reserved.
// See the file LICENSE for licensing terms.

package rpc

import (
	"context"
	"testing"
	"time"
)

func spawnPeerPair(t *testing.T) (PeerHandle[StreamBody], PeerHandle[StreamBody]) {
	t.Helper()
	ta, tb := NewPipeDatagramTransportPair[StreamBody](0)
	a := Spawn[StreamBody](ta, NewConfig(), nil)
	b := Spawn[StreamBody](tb, NewConfig(), nil)
	t.Cleanup(func() {
		a.Write.Close()
		a.Read.Close()
		b.Write.Close()
		b.Read.Close()
	})
	return a, b
}

// TestSpawnAppliesConfigMaxBodyLenToTransport guards against MaxBodyLen
// becoming a silent no-op again: Spawn must apply it to a transport that
// implements bodyLenLimiter (spec.md §6's peer-level max_body_len knob),
// not just leave the transport's own construction-time limit in place.
func TestSpawnAppliesConfigMaxBodyLenToTransport(t *testing.T) {
	ta, tb := NewPipeDatagramTransportPair[StreamBody](4096)
	client := Spawn[StreamBody](ta, NewConfig(WithMaxBodyLen(8)), nil)
	server := Spawn[StreamBody](tb, NewConfig(), nil)
	t.Cleanup(func() {
		client.Write.Close()
		client.Read.Close()
		server.Write.Close()
		server.Read.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := client.Write.SendRequest(ctx, 1, NewStreamBody(make([]byte, 64)))
	if err == nil || err.Kind() != KindMessageTooLarge {
		t.Fatalf("SendRequest error = %v, want KindMessageTooLarge", err)
	}
}

func TestPeerEchoRoundTrip(t *testing.T) {
	client, server := spawnPeerPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sent, err := client.Write.SendRequest(ctx, 3, NewStreamBody([]byte("ping")))
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}

	item, recvErr := server.Read.Recv(ctx)
	if recvErr != nil {
		t.Fatalf("server Recv: %v", recvErr)
	}
	if item.Request == nil {
		t.Fatal("expected a Request, got a Stream item")
	}
	if item.Request.ServiceID() != 3 {
		t.Fatalf("ServiceID() = %d, want 3", item.Request.ServiceID())
	}

	if sendErr := item.Request.SendResponse(ctx, 0, NewStreamBody([]byte("pong"))); sendErr != nil {
		t.Fatalf("SendResponse: %v", sendErr)
	}

	resp, rpcErr := sent.RecvResponse(ctx)
	if rpcErr != nil {
		t.Fatalf("RecvResponse: %v", rpcErr)
	}
	if string(resp.Body.Bytes()) != "pong" {
		t.Fatalf("response body = %q, want %q", resp.Body.Bytes(), "pong")
	}
}

func TestPeerErrorResponseBecomesRemoteError(t *testing.T) {
	client, server := spawnPeerPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sent, err := client.Write.SendRequest(ctx, 1, NewStreamBody(nil))
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	item, _ := server.Read.Recv(ctx)
	if sendErr := item.Request.SendErrorResponse(ctx, "no such method"); sendErr != nil {
		t.Fatalf("SendErrorResponse: %v", sendErr)
	}

	_, rpcErr := sent.RecvResponse(ctx)
	if rpcErr == nil || rpcErr.Kind() != KindRemoteError {
		t.Fatalf("expected KindRemoteError, got %v", rpcErr)
	}
	desc, ok := rpcErr.AsRemoteError()
	if !ok || desc != "no such method" {
		t.Fatalf("AsRemoteError() = (%q, %v), want (%q, true)", desc, ok, "no such method")
	}
}

func TestPeerInterleavedUpdatesThenResponse(t *testing.T) {
	client, server := spawnPeerPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sent, err := client.Write.SendRequest(ctx, 1, NewStreamBody(nil))
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	item, _ := server.Read.Recv(ctx)
	req := item.Request

	if sendErr := req.SendUpdate(ctx, 0, NewStreamBody([]byte("25%"))); sendErr != nil {
		t.Fatalf("SendUpdate 1: %v", sendErr)
	}
	if sendErr := req.SendUpdate(ctx, 0, NewStreamBody([]byte("75%"))); sendErr != nil {
		t.Fatalf("SendUpdate 2: %v", sendErr)
	}
	if sendErr := req.SendResponse(ctx, 0, NewStreamBody([]byte("done"))); sendErr != nil {
		t.Fatalf("SendResponse: %v", sendErr)
	}

	u1, ok, rpcErr := sent.RecvUpdate(ctx)
	if rpcErr != nil || !ok {
		t.Fatalf("RecvUpdate 1: ok=%v err=%v", ok, rpcErr)
	}
	if string(u1.Body.Bytes()) != "25%" {
		t.Fatalf("update 1 = %q, want %q", u1.Body.Bytes(), "25%")
	}

	u2, ok, rpcErr := sent.RecvUpdate(ctx)
	if rpcErr != nil || !ok {
		t.Fatalf("RecvUpdate 2: ok=%v err=%v", ok, rpcErr)
	}
	if string(u2.Body.Bytes()) != "75%" {
		t.Fatalf("update 2 = %q, want %q", u2.Body.Bytes(), "75%")
	}

	_, ok, rpcErr = sent.RecvUpdate(ctx)
	if rpcErr != nil {
		t.Fatalf("RecvUpdate 3 (peek): %v", rpcErr)
	}
	if ok {
		t.Fatal("RecvUpdate should report ok=false once the next message is the Response")
	}

	resp, rpcErr := sent.RecvResponse(ctx)
	if rpcErr != nil {
		t.Fatalf("RecvResponse: %v", rpcErr)
	}
	if string(resp.Body.Bytes()) != "done" {
		t.Fatalf("response = %q, want %q", resp.Body.Bytes(), "done")
	}
}

func TestPeerConcurrentOutOfOrderCompletion(t *testing.T) {
	client, server := spawnPeerPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	first, err := client.Write.SendRequest(ctx, 1, NewStreamBody([]byte("first")))
	if err != nil {
		t.Fatalf("SendRequest 1: %v", err)
	}
	second, err := client.Write.SendRequest(ctx, 1, NewStreamBody([]byte("second")))
	if err != nil {
		t.Fatalf("SendRequest 2: %v", err)
	}

	item1, _ := server.Read.Recv(ctx)
	item2, _ := server.Read.Recv(ctx)

	// Answer out of arrival order: the second-arrived request gets its
	// response first.
	if sendErr := item2.Request.SendResponse(ctx, 0, NewStreamBody([]byte("resp-2"))); sendErr != nil {
		t.Fatalf("SendResponse 2: %v", sendErr)
	}
	if sendErr := item1.Request.SendResponse(ctx, 0, NewStreamBody([]byte("resp-1"))); sendErr != nil {
		t.Fatalf("SendResponse 1: %v", sendErr)
	}

	resp1, rpcErr := first.RecvResponse(ctx)
	if rpcErr != nil {
		t.Fatalf("first.RecvResponse: %v", rpcErr)
	}
	if string(resp1.Body.Bytes()) != "resp-1" {
		t.Fatalf("first response = %q, want %q", resp1.Body.Bytes(), "resp-1")
	}

	resp2, rpcErr := second.RecvResponse(ctx)
	if rpcErr != nil {
		t.Fatalf("second.RecvResponse: %v", rpcErr)
	}
	if string(resp2.Body.Bytes()) != "resp-2" {
		t.Fatalf("second response = %q, want %q", resp2.Body.Bytes(), "resp-2")
	}
}

func TestPeerDroppedReceivedRequestSynthesizesAborted(t *testing.T) {
	client, server := spawnPeerPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sent, err := client.Write.SendRequest(ctx, 1, NewStreamBody(nil))
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	item, _ := server.Read.Recv(ctx)
	item.Request.Close() // dropped without ever sending a response

	_, rpcErr := sent.RecvResponse(ctx)
	if rpcErr == nil || rpcErr.Kind() != KindAborted {
		t.Fatalf("expected KindAborted, got %v", rpcErr)
	}
}

func TestPeerCloseFanOutUnblocksPendingRequests(t *testing.T) {
	client, server := spawnPeerPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sent, err := client.Write.SendRequest(ctx, 1, NewStreamBody(nil))
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	// Never answer it: instead, shut down the responder's transport.
	_, _ = server.Read.Recv(ctx)
	server.Write.peer.shutdown(nil)

	_, rpcErr := sent.RecvResponse(ctx)
	if rpcErr == nil || rpcErr.Kind() != KindPeerClosed {
		t.Fatalf("expected KindPeerClosed, got %v", rpcErr)
	}
}

func TestPeerRejectsDuplicateReceivedRequestID(t *testing.T) {
	raw, peerSide := NewPipeDatagramTransportPair[StreamBody](0)
	handle := Spawn[StreamBody](peerSide, NewConfig(), nil)
	defer raw.Close()
	defer handle.Write.Close()
	defer handle.Read.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	msg := NewMessage(NewRequestHeader(9, 1), NewStreamBody([]byte("first")))
	if sendErr := raw.SendMessage(ctx, msg); sendErr != nil {
		t.Fatalf("SendMessage 1: %v", sendErr)
	}
	item, recvErr := handle.Read.Recv(ctx)
	if recvErr != nil {
		t.Fatalf("Recv: %v", recvErr)
	}
	if item.Request.RequestID() != 9 {
		t.Fatalf("RequestID() = %d, want 9", item.Request.RequestID())
	}

	dup := NewMessage(NewRequestHeader(9, 1), NewStreamBody([]byte("duplicate")))
	if sendErr := raw.SendMessage(ctx, dup); sendErr != nil {
		t.Fatalf("SendMessage 2: %v", sendErr)
	}

	resp, recvErr := raw.ReceiveMessage(ctx)
	if recvErr != nil {
		t.Fatalf("ReceiveMessage: %v", recvErr)
	}
	if resp.Header.Type != Response || resp.Header.ServiceID != DuplicateRequestIDServiceID {
		t.Fatalf("got header %+v, want a Response with service id %d", resp.Header, DuplicateRequestIDServiceID)
	}
}
