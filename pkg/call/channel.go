// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package call

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/chanrpc/callrt/pkg/mdctx"
)

// MeterProvider is the subset of the otel metric API a Channel needs;
// accepting the interface rather than a concrete *metric.MeterProvider
// keeps tests from having to stand up a full SDK.
type MeterProvider interface {
	Meter(name string, opts ...metric.MeterOption) metric.Meter
}

// Channel is the shared parent of every Call created against one
// logical connection: it owns the metadata interning table and the
// ambient logging/tracing/metrics settings every Call on it inherits.
// Nothing here is transport-specific; a Channel is driven by whatever
// transport.Stack each Call is constructed with.
type Channel struct {
	settings Settings
	mdInterning *mdctx.Context

	inFlightCalls metric.Int64UpDownCounter
	inFlightBytes metric.Int64UpDownCounter
}

// NewChannel builds a Channel from settings, registering its metric
// instruments eagerly so that a registration failure surfaces at
// construction rather than on the first call.
func NewChannel(settings Settings) (*Channel, error) {
	if settings.Logger == nil {
		settings.Logger = zap.NewNop()
	}
	if settings.Tracer == nil {
		settings.Tracer = trace.NewNoopTracerProvider().Tracer("callrt")
	}

	ch := &Channel{
		settings:    settings,
		mdInterning: mdctx.NewContext(),
	}

	if settings.MeterProvider != nil {
		meter := settings.MeterProvider.Meter("github.com/chanrpc/callrt")

		var errs error
		inFlightCalls, err := meter.Int64UpDownCounter(
			"callrt.calls.in_flight",
			metric.WithDescription("number of calls currently open on this channel"),
		)
		errs = multierr.Append(errs, err)

		inFlightBytes, err := meter.Int64UpDownCounter(
			"callrt.calls.in_flight_bytes",
			metric.WithDescription("bytes currently buffered across in-flight messages"),
		)
		errs = multierr.Append(errs, err)

		if errs != nil {
			return nil, fmt.Errorf("callrt: registering channel instruments: %w", errs)
		}
		ch.inFlightCalls = inFlightCalls
		ch.inFlightBytes = inFlightBytes
	}

	return ch, nil
}

func (c *Channel) addInFlightCall(ctx context.Context, delta int64) {
	if c.inFlightCalls != nil {
		c.inFlightCalls.Add(ctx, delta)
	}
}

func (c *Channel) addInFlightBytes(ctx context.Context, delta int64) {
	if c.inFlightBytes != nil {
		c.inFlightBytes.Add(ctx, delta)
	}
}
