// Copyright (C) 2019-2026, Fizyr B.V. All rights reserved.
// See the file LICENSE for licensing terms.

// Package debug exposes a read-only JSON-RPC introspection endpoint over
// a running Peer's Stats, built the way the teacher's json.go builds its
// JSON-RPC HTTP client: github.com/gorilla/rpc/v2's server plus the
// json2 codec. Unlike json.go this file is the server side; nothing here
// carries protocol frames, it only reports counters for operators.
package debug

import (
	"net/http"

	gorillarpc "github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"

	fizyrrpc "github.com/fizyr/rpc"
)

// StatsProvider is satisfied by *rpc.Peer[B] for any Body type; it is
// non-generic so a single http.Handler can serve any Peer instantiation.
type StatsProvider interface {
	Stats() fizyrrpc.Stats
}

// StatsArgs is the (empty) JSON-RPC argument for Peer.Stats.
type StatsArgs struct{}

// StatsService is the gorilla/rpc service registered under the name
// "Peer"; its Stats method becomes the JSON-RPC method "Peer.Stats".
type StatsService struct {
	peer StatsProvider
}

// NewStatsService wraps a StatsProvider (typically a live *rpc.Peer[B])
// for registration with a gorilla/rpc server.
func NewStatsService(peer StatsProvider) *StatsService {
	return &StatsService{peer: peer}
}

// Stats implements the "Peer.Stats" JSON-RPC 2.0 method: no arguments,
// returns a point-in-time snapshot of tracker occupancy.
func (s *StatsService) Stats(_ *http.Request, _ *StatsArgs, reply *fizyrrpc.Stats) error {
	*reply = s.peer.Stats()
	return nil
}

// NewHandler builds an http.Handler serving JSON-RPC 2.0 requests for
// peer's stats at whatever path the caller mounts it under.
func NewHandler(peer StatsProvider) (http.Handler, error) {
	server := gorillarpc.NewServer()
	server.RegisterCodec(json2.NewCodec(), "application/json")
	if err := server.RegisterService(NewStatsService(peer), "Peer"); err != nil {
		return nil, err
	}
	return server, nil
}
