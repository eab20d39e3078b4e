// Copyright (C) 2019-2026, Fizyr B.V. All rights reserved.
// See the file LICENSE for licensing terms.

package rpc

import (
	"errors"
	"io"
	"net"
	"testing"
)

func TestErrorIsRemoteError(t *testing.T) {
	e := NewError(KindRemoteError, "boom")
	if !e.IsRemoteError() {
		t.Fatal("expected IsRemoteError() to be true")
	}
	desc, ok := e.AsRemoteError()
	if !ok || desc != "boom" {
		t.Fatalf("AsRemoteError() = (%q, %v), want (%q, true)", desc, ok, "boom")
	}

	other := NewError(KindIo, "nope")
	if other.IsRemoteError() {
		t.Fatal("expected IsRemoteError() to be false for KindIo")
	}
	if _, ok := other.AsRemoteError(); ok {
		t.Fatal("AsRemoteError() should report ok=false for a non-remote error")
	}
}

func TestErrorIsConnectionAborted(t *testing.T) {
	wrapped := WrapError(KindIo, "connection closed", io.EOF)
	if !wrapped.IsConnectionAborted() {
		t.Fatal("expected IsConnectionAborted() to be true for a wrapped io.EOF")
	}

	notAborted := WrapError(KindIo, "read failed", errors.New("disk full"))
	if notAborted.IsConnectionAborted() {
		t.Fatal("expected IsConnectionAborted() to be false for an unrelated cause")
	}

	wrongKind := WrapError(KindMalformedFrame, "bad header", io.EOF)
	if wrongKind.IsConnectionAborted() {
		t.Fatal("expected IsConnectionAborted() to be false outside KindIo")
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := net.ErrClosed
	e := WrapError(KindIo, "closed", cause)
	if !errors.Is(e, net.ErrClosed) {
		t.Fatal("errors.Is should see through Unwrap to the wrapped cause")
	}
}

func TestNilErrorKind(t *testing.T) {
	var e *Error
	if e.Kind() != KindIo {
		t.Fatalf("nil Error.Kind() = %v, want KindIo", e.Kind())
	}
}
