// Copyright (C) 2019-2026, Fizyr B.V. All rights reserved.
// See the file LICENSE for licensing terms.

package rpc

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName identifies this package's instrumentation scope to whatever
// otel.MeterProvider the application has configured, the same way the
// teacher names its ZAP transport constants after the protocol itself.
const meterName = "github.com/fizyr/rpc"

// Meter wraps the OpenTelemetry instruments a Peer reports to. It is
// created once per Peer (or shared across many, callers' choice) and is
// nil-safe: a *Meter obtained from NewMeter using the default, no-op
// global MeterProvider costs a handful of no-op calls per message, and a
// nil *Meter (as passed to Spawn or NewListener to disable metrics) skips
// instrumentation entirely.
type Meter struct {
	messagesTotal   metric.Int64Counter
	openRequests    metric.Int64UpDownCounter
	frameSizeBytes  metric.Int64Histogram
	droppedMessages metric.Int64Counter
}

// NewMeter builds a Meter from the given otel MeterProvider. Pass nil to
// use otel.GetMeterProvider(), the process-wide default (a no-op provider
// unless the application has installed a real SDK, e.g.
// go.opentelemetry.io/otel/sdk/metric).
func NewMeter(provider metric.MeterProvider) (*Meter, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(meterName)

	messagesTotal, err := meter.Int64Counter(
		"fizyr_rpc.messages",
		metric.WithDescription("Messages sent or received by a peer, by message type and direction."),
	)
	if err != nil {
		return nil, err
	}
	openRequests, err := meter.Int64UpDownCounter(
		"fizyr_rpc.open_requests",
		metric.WithDescription("Open tracker entries, by origin (sent or received)."),
	)
	if err != nil {
		return nil, err
	}
	frameSizeBytes, err := meter.Int64Histogram(
		"fizyr_rpc.frame_size_bytes",
		metric.WithDescription("Encoded frame size (header + body) of sent messages."),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}
	droppedMessages, err := meter.Int64Counter(
		"fizyr_rpc.dropped_messages",
		metric.WithDescription("Inbound messages that could not be matched to any open request."),
	)
	if err != nil {
		return nil, err
	}

	return &Meter{
		messagesTotal:   messagesTotal,
		openRequests:    openRequests,
		frameSizeBytes:  frameSizeBytes,
		droppedMessages: droppedMessages,
	}, nil
}

var directionSent = attribute.String("direction", "sent")
var directionReceived = attribute.String("direction", "received")

func (m *Meter) recordMessage(ctx context.Context, t MessageType, sent bool) {
	if m == nil {
		return
	}
	dir := directionReceived
	if sent {
		dir = directionSent
	}
	m.messagesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("type", t.String()), dir))
}

func (m *Meter) recordFrameSize(ctx context.Context, bytes int) {
	if m == nil {
		return
	}
	m.frameSizeBytes.Record(ctx, int64(bytes))
}

func (m *Meter) adjustOpenRequests(ctx context.Context, o origin, delta int64) {
	if m == nil {
		return
	}
	m.openRequests.Add(ctx, delta, metric.WithAttributes(attribute.String("origin", o.String())))
}

func (m *Meter) recordDropped(ctx context.Context) {
	if m == nil {
		return
	}
	m.droppedMessages.Add(ctx, 1)
}
