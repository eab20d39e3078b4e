// Copyright (C) 2019-2026, Fizyr B.V. All rights reserved.
// See the file LICENSE for licensing terms.

package rpc

import (
	"bytes"
	"reflect"
	"testing"
)

func TestStreamBodyRoundTrip(t *testing.T) {
	b := NewStreamBody([]byte("hello"))
	if b.Len() != 5 {
		t.Fatalf("Len() = %d, want 5", b.Len())
	}
	decoded := b.FromBytes([]byte("world"), nil)
	if !bytes.Equal(decoded.Bytes(), []byte("world")) {
		t.Fatalf("Bytes() = %q, want %q", decoded.Bytes(), "world")
	}
	if decoded.Ancillary() != nil {
		t.Fatalf("StreamBody.Ancillary() = %v, want nil", decoded.Ancillary())
	}
	if decoded.AsError() != "world" {
		t.Fatalf("AsError() = %q, want %q", decoded.AsError(), "world")
	}
}

func TestUnixBodyCarriesFds(t *testing.T) {
	b := NewUnixBody(nil, nil)
	decoded := b.FromBytes([]byte("payload"), []int{3, 4}).(UnixBody)
	if !reflect.DeepEqual(decoded.Fds(), []int{3, 4}) {
		t.Fatalf("Fds() = %v, want [3 4]", decoded.Fds())
	}
	if !reflect.DeepEqual(decoded.Ancillary(), []int{3, 4}) {
		t.Fatalf("Ancillary() = %v, want [3 4]", decoded.Ancillary())
	}
	if decoded.Len() != len("payload") {
		t.Fatalf("Len() = %d, want %d", decoded.Len(), len("payload"))
	}
}
