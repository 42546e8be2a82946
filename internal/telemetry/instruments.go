package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/dkeye/Nearby"

// Instruments are the gateway's counters. With no provider installed they are no-ops.
type Instruments struct {
	Connections       metric.Int64UpDownCounter
	Cascades          metric.Int64Counter
	Orphans           metric.Int64Counter
	ResolverFailures  metric.Int64Counter
	InconsistentRooms metric.Int64Counter
	BroadcastDropped  metric.Int64Counter
}

func NewInstruments() *Instruments {
	return NewInstrumentsWith(otel.GetMeterProvider())
}

// NewInstrumentsWith builds the instruments on mp instead of the global provider.
func NewInstrumentsWith(mp metric.MeterProvider) *Instruments {
	m := mp.Meter(meterName)
	// Instrument constructors only fail on invalid names; the names below are fixed.
	conns, _ := m.Int64UpDownCounter("gateway.connections", metric.WithDescription("Connections attached to this gateway"))
	cascades, _ := m.Int64Counter("gateway.cascades", metric.WithDescription("Disconnect cascades run"))
	orphans, _ := m.Int64Counter("gateway.cascade.orphans", metric.WithDescription("Cascades abandoned after retries"))
	resolver, _ := m.Int64Counter("gateway.resolver.failures", metric.WithDescription("Failed geospatial resolver calls"))
	rooms, _ := m.Int64Counter("gateway.membership.inconsistent", metric.WithDescription("Room writes skipped after a storage failure"))
	dropped, _ := m.Int64Counter("gateway.broadcast.dropped", metric.WithDescription("Frames not delivered because of backpressure"))
	return &Instruments{
		Connections:       conns,
		Cascades:          cascades,
		Orphans:           orphans,
		ResolverFailures:  resolver,
		InconsistentRooms: rooms,
		BroadcastDropped:  dropped,
	}
}

func Kind(kind string) metric.AddOption {
	return metric.WithAttributes(attribute.String("kind", kind))
}

// Inc is shorthand for a single increment detached from request cancellation.
func Inc(c metric.Int64Counter, opts ...metric.AddOption) {
	c.Add(context.Background(), 1, opts...)
}
