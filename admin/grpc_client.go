//go:build grpc

// Copyright (C) 2019-2026, Fizyr B.V. All rights reserved.
// See the file LICENSE for licensing terms.

// Package admin is a build-tag-gated remote client for a running Peer's
// debug stats, mirroring the teacher's dial_grpc.go: dial a
// google.golang.org/grpc.ClientConn with insecure credentials and issue
// calls through it. Unlike a typical grpc client this one is
// codegen-free: it registers a raw-bytes encoding.Codec so no
// .proto/protoc step is needed to talk to an admin listener that speaks
// the same convention.
package admin

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"

	fizyrrpc "github.com/fizyr/rpc"
)

// statsMethod is the fully qualified method name an admin listener
// registers its stats handler under. There is no .proto describing it;
// both ends agree on the wire shape (JSON-encoded fizyrrpc.Stats) by
// convention.
const statsMethod = "/fizyr.rpc.Admin/Stats"

// rpcBytesCodec passes payloads through as raw bytes instead of
// marshaling protobuf messages, the same way this module's own
// StreamTransport treats bodies as opaque bytes rather than a
// serialization format it owns.
type rpcBytesCodec struct{}

func (rpcBytesCodec) Name() string { return "rpcbytes" }

func (rpcBytesCodec) Marshal(v interface{}) ([]byte, error) {
	switch p := v.(type) {
	case []byte:
		return p, nil
	case *[]byte:
		return *p, nil
	default:
		return nil, fmt.Errorf("rpcbytes: cannot marshal %T", v)
	}
}

func (rpcBytesCodec) Unmarshal(data []byte, v interface{}) error {
	p, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("rpcbytes: cannot unmarshal into %T", v)
	}
	*p = append((*p)[:0], data...)
	return nil
}

func init() {
	encoding.RegisterCodec(rpcBytesCodec{})
}

// Client dials a remote admin listener and fetches its Peer's Stats.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to addr, an admin listener's gRPC address.
func Dial(ctx context.Context, addr string) (*Client, error) {
	conn, err := grpc.DialContext(ctx, addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(rpcBytesCodec{}.Name())),
	)
	if err != nil {
		return nil, fmt.Errorf("admin: grpc dial: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Stats fetches the remote Peer's current stats snapshot.
func (c *Client) Stats(ctx context.Context) (fizyrrpc.Stats, error) {
	var respBytes []byte
	if err := c.conn.Invoke(ctx, statsMethod, []byte{}, &respBytes); err != nil {
		if st, ok := status.FromError(err); ok {
			return fizyrrpc.Stats{}, fmt.Errorf("admin: stats call failed: %s: %s", st.Code(), st.Message())
		}
		return fizyrrpc.Stats{}, fmt.Errorf("admin: stats call failed: %w", err)
	}
	var stats fizyrrpc.Stats
	if err := json.Unmarshal(respBytes, &stats); err != nil {
		return fizyrrpc.Stats{}, fmt.Errorf("admin: decode stats: %w", err)
	}
	return stats, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
