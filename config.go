// Copyright (C) 2019-2026, Fizyr B.V. All rights reserved.
// See the file LICENSE for licensing terms.

package rpc

import "log"

// Config holds the tunable, peer-level parameters spec.md §6 calls out.
// Build one with NewConfig, which applies defaults the same way the
// teacher's DialOption/ServerOption pattern applies its defaults (start
// from a struct of defaults, layer functional options on top). A Config
// literal, including the zero Config, is also accepted: Spawn fills in the
// default for every field left at its zero value (see normalize).
type Config struct {
	// MaxBodyLen bounds the size of a message body a Transport will
	// accept; exceeding it yields KindMessageTooLarge. Defaults to
	// DefaultMaxBodyLen. Spawn applies it to the transport it is given
	// (StreamTransport, PipeDatagramTransport) if that transport supports
	// having its limit adjusted after construction; an external Transport
	// that doesn't keeps whatever limit it was built with.
	MaxBodyLen int

	// InboxCapacity bounds the number of messages buffered per open
	// request entry before the read loop blocks (strict-ordering
	// backpressure policy, spec.md §5). Defaults to 32.
	InboxCapacity int

	// CommandQueueCapacity bounds the number of in-flight commands
	// buffered between handles and the engine's command loop before a
	// send blocks. Defaults to 32.
	CommandQueueCapacity int

	// Logger receives diagnostic lines (shutdown causes, duplicate
	// request IDs, malformed frames). Defaults to log.Default().
	Logger *log.Logger
}

// DefaultInboxCapacity is spec.md §5's suggested default: "generous inbox
// capacity (default 32)".
const DefaultInboxCapacity = 32

// DefaultCommandQueueCapacity mirrors DefaultInboxCapacity for the
// command channel, per spec.md §6.
const DefaultCommandQueueCapacity = 32

// Option configures a Config, in the teacher's DialOption/ServerOption
// idiom.
type Option func(*Config)

// WithMaxBodyLen overrides Config.MaxBodyLen.
func WithMaxBodyLen(n int) Option {
	return func(c *Config) { c.MaxBodyLen = n }
}

// WithInboxCapacity overrides Config.InboxCapacity.
func WithInboxCapacity(n int) Option {
	return func(c *Config) { c.InboxCapacity = n }
}

// WithCommandQueueCapacity overrides Config.CommandQueueCapacity.
func WithCommandQueueCapacity(n int) Option {
	return func(c *Config) { c.CommandQueueCapacity = n }
}

// WithLogger overrides Config.Logger.
func WithLogger(logger *log.Logger) Option {
	return func(c *Config) { c.Logger = logger }
}

// NewConfig builds a Config with spec.md-mandated defaults, then applies
// opts in order.
func NewConfig(opts ...Option) Config {
	c := Config{
		MaxBodyLen:           DefaultMaxBodyLen,
		InboxCapacity:        DefaultInboxCapacity,
		CommandQueueCapacity: DefaultCommandQueueCapacity,
		Logger:               log.Default(),
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c.normalize()
}

// normalize fills in defaults for any field a caller left at its zero
// value, whether that caller went through NewConfig's options or built a
// Config literal directly (its fields are exported). Spawn runs every
// Config through this same method so a hand-built Config never leaves a
// nil Logger for shutdown to dereference or an unbuffered inbox/command
// channel that silently changes spec.md §5's default backpressure.
func (c Config) normalize() Config {
	if c.MaxBodyLen <= 0 {
		c.MaxBodyLen = DefaultMaxBodyLen
	}
	if c.InboxCapacity <= 0 {
		c.InboxCapacity = DefaultInboxCapacity
	}
	if c.CommandQueueCapacity <= 0 {
		c.CommandQueueCapacity = DefaultCommandQueueCapacity
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	return c
}
