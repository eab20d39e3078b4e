// Copyright (C) 2019-2026, Fizyr B.V. All rights reserved.
// See the file LICENSE for licensing terms.

package rpc

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"
)

func TestStreamTransportRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	ct := NewStreamTransport[StreamBody](client, 0)
	st := NewStreamTransport[StreamBody](server, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sent := NewMessage(NewRequestHeader(5, 3), NewStreamBody([]byte("payload")))
	done := make(chan *Error, 1)
	go func() { done <- ct.SendMessage(ctx, sent) }()

	got, err := st.ReceiveMessage(ctx)
	if err != nil {
		t.Fatalf("ReceiveMessage: %v", err)
	}
	if sendErr := <-done; sendErr != nil {
		t.Fatalf("SendMessage: %v", sendErr)
	}
	if got.Header != sent.Header {
		t.Fatalf("header mismatch: got %+v, want %+v", got.Header, sent.Header)
	}
	if !bytes.Equal(got.Body.Bytes(), sent.Body.Bytes()) {
		t.Fatalf("body mismatch: got %q, want %q", got.Body.Bytes(), sent.Body.Bytes())
	}
}

func TestStreamTransportRejectsOversizedBody(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	ct := NewStreamTransport[StreamBody](client, 4)
	msg := NewMessage(NewRequestHeader(0, 0), NewStreamBody([]byte("too big")))

	ctx := context.Background()
	err := ct.SendMessage(ctx, msg)
	if err == nil || err.Kind() != KindMessageTooLarge {
		t.Fatalf("expected KindMessageTooLarge, got %v", err)
	}
}

func TestStreamTransportCleanCloseAtFrameStart(t *testing.T) {
	client, server := net.Pipe()
	st := NewStreamTransport[StreamBody](server, 0)

	client.Close()

	ctx := context.Background()
	_, err := st.ReceiveMessage(ctx)
	if err == nil || err.Kind() != KindIo {
		t.Fatalf("expected KindIo on clean close at frame boundary, got %v", err)
	}
}

func TestStreamTransportUnexpectedEndMidFrame(t *testing.T) {
	client, server := net.Pipe()
	st := NewStreamTransport[StreamBody](server, 0)

	go func() {
		client.Write([]byte{0x01, 0x00}) // half of a 4 byte length prefix
		client.Close()
	}()

	ctx := context.Background()
	_, err := st.ReceiveMessage(ctx)
	if err == nil || err.Kind() != KindUnexpectedEnd {
		t.Fatalf("expected KindUnexpectedEnd, got %v", err)
	}
}

func TestPipeDatagramTransportRoundTripWithAncillary(t *testing.T) {
	a, b := NewPipeDatagramTransportPair[UnixBody](0)
	defer a.Close()
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sent := NewMessage(NewStreamHeader(9), NewUnixBody([]byte("fds!"), []int{3, 4}))
	if err := a.SendMessage(ctx, sent); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	got, err := b.ReceiveMessage(ctx)
	if err != nil {
		t.Fatalf("ReceiveMessage: %v", err)
	}
	if got.Header != sent.Header {
		t.Fatalf("header mismatch: got %+v, want %+v", got.Header, sent.Header)
	}
	if !bytes.Equal(got.Body.Bytes(), []byte("fds!")) {
		t.Fatalf("body bytes mismatch: got %q", got.Body.Bytes())
	}
	if len(got.Body.Fds()) != 2 || got.Body.Fds()[0] != 3 || got.Body.Fds()[1] != 4 {
		t.Fatalf("fds mismatch: got %v", got.Body.Fds())
	}
}

func TestPipeDatagramTransportCloseUnblocksReceive(t *testing.T) {
	a, b := NewPipeDatagramTransportPair[StreamBody](0)
	defer a.Close()

	errCh := make(chan *Error, 1)
	go func() {
		_, err := b.ReceiveMessage(context.Background())
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	b.Close()

	select {
	case err := <-errCh:
		if err == nil || err.Kind() != KindIo {
			t.Fatalf("expected KindIo after Close, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ReceiveMessage did not unblock after Close")
	}
}
