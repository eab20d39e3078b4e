// Copyright (C) 2019-2026, Fizyr B.V. All rights reserved.
// See the file LICENSE for licensing terms.

package rpc

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
)

// TransportListener is the abstract accept loop a Listener drives: each
// call to Accept blocks until a new incoming connection has completed
// whatever handshake its concrete transport requires, and returns a
// ready-to-use Transport for it. Concrete socket listeners (net.Listener
// wrapped to hand out StreamTransport, a Unix seqpacket accept loop
// handing out a datagram transport) are external collaborators, the same
// way the core engine treats concrete transports (spec.md §1).
type TransportListener[B Body] interface {
	// Accept waits for and returns the next incoming connection's
	// transport.
	Accept(ctx context.Context) (Transport[B], error)

	// Close stops future Accept calls, unblocking one currently in
	// progress.
	Close() error
}

// Listener spawns a Peer for every transport a TransportListener accepts,
// mirroring the teacher's ZAPServer.Serve accept loop (zap.go): loop,
// spawn a handler per connection, track it for shutdown, exit cleanly
// once Close has been called.
type Listener[B Body] struct {
	transport TransportListener[B]
	config    Config
	metrics   *Meter

	mu    sync.Mutex
	peers map[*Peer[B]]struct{}

	closed atomic.Bool
	accept chan PeerHandle[B]
}

// NewListener wraps a TransportListener, ready to Serve.
func NewListener[B Body](transport TransportListener[B], config Config, meter *Meter) *Listener[B] {
	return &Listener[B]{
		transport: transport,
		config:    config,
		metrics:   meter,
		peers:     make(map[*Peer[B]]struct{}),
		accept:    make(chan PeerHandle[B]),
	}
}

// Serve runs the accept loop until ctx is cancelled or Close is called,
// spawning a Peer for each accepted transport and delivering its
// PeerHandle through Incoming. It returns once the underlying
// TransportListener reports an error following Close, mirroring the
// teacher's Serve contract of returning nil after a deliberate Close.
func (l *Listener[B]) Serve(ctx context.Context) error {
	for {
		t, err := l.transport.Accept(ctx)
		if err != nil {
			if l.closed.Load() {
				return nil
			}
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return err
		}

		handle := Spawn[B](t, l.config, l.metrics)
		l.trackPeer(handle)

		select {
		case l.accept <- handle:
		case <-ctx.Done():
			return nil
		}
	}
}

// trackPeer registers the spawned peer so Close can shut it down, and
// removes it from the registry once it exits on its own.
func (l *Listener[B]) trackPeer(handle PeerHandle[B]) {
	p := handle.Read.peer
	l.mu.Lock()
	l.peers[p] = struct{}{}
	l.mu.Unlock()

	go func() {
		p.Wait()
		l.mu.Lock()
		delete(l.peers, p)
		l.mu.Unlock()
	}()
}

// Incoming returns the channel Serve delivers newly accepted peers on.
func (l *Listener[B]) Incoming() <-chan PeerHandle[B] {
	return l.accept
}

// Accept waits for and returns the next accepted PeerHandle, matching
// spec.md §6's named `accept() -> PeerHandle` listener operation as a thin
// wrapper over Incoming for callers that want a single-call surface
// instead of ranging over the channel directly. Serve must be running
// concurrently for Accept to ever return.
func (l *Listener[B]) Accept(ctx context.Context) (PeerHandle[B], error) {
	select {
	case handle, ok := <-l.accept:
		if !ok {
			return PeerHandle[B]{}, net.ErrClosed
		}
		return handle, nil
	case <-ctx.Done():
		return PeerHandle[B]{}, ctx.Err()
	}
}

// Close stops the accept loop and closes every peer it has spawned so
// far, the same way ZAPServer.Close walks its conns registry.
func (l *Listener[B]) Close() error {
	l.closed.Store(true)
	err := l.transport.Close()

	l.mu.Lock()
	peers := make([]*Peer[B], 0, len(l.peers))
	for p := range l.peers {
		peers = append(peers, p)
	}
	l.mu.Unlock()

	for _, p := range peers {
		p.shutdown(nil)
	}
	return err
}
