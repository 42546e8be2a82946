package orch

import (
	"context"
	"sync"
	"time"

	"github.com/dkeye/Nearby/internal/app"
	"github.com/dkeye/Nearby/internal/core"
	"github.com/dkeye/Nearby/internal/domain"
	"github.com/dkeye/Nearby/internal/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	defaultResolverTimeout = 3 * time.Second
	defaultCascadeTimeout  = 5 * time.Second
)

// CascadePolicy bounds disconnect cleanup retries.
type CascadePolicy struct {
	MaxAttempts int
	Backoff     time.Duration
	Timeout     time.Duration
	Concurrency int
}

// Orchestrator drives presence and room membership for every connection on
// this gateway. It holds no cross-connection lock: shared state lives in the
// store and every write is commutative at the key level.
type Orchestrator struct {
	Registry   *app.Registry
	Membership *app.Membership
	Hub        *app.Hub
	Policy     app.Policy
	Resolver   core.Resolver
	Events     core.EventSink
	// Fanout is optional; nil keeps delivery local to this gateway.
	Fanout  core.Fanout
	Metrics *telemetry.Instruments
	Cascade CascadePolicy

	ResolverTimeout time.Duration
	NodeID          string

	metricsOnce sync.Once
}

func (o *Orchestrator) instruments() *telemetry.Instruments {
	o.metricsOnce.Do(func() {
		if o.Metrics == nil {
			o.Metrics = telemetry.NewInstruments()
		}
	})
	return o.Metrics
}

func (o *Orchestrator) resolverTimeout() time.Duration {
	if o.ResolverTimeout > 0 {
		return o.ResolverTimeout
	}
	return defaultResolverTimeout
}

// emit is fire-and-forget: sink failures are logged and never returned.
func (o *Orchestrator) emit(ctx context.Context, ev domain.Event) {
	if o.Events == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	if err := o.Events.Emit(context.WithoutCancel(ctx), ev); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("kind", string(ev.Kind)).Str("entity", ev.Entity.String()).Msg("event not emitted")
	}
}

// kick closes a local connection; its read loop then runs the disconnect.
func (o *Orchestrator) kick(conn domain.ConnectionID, farewell core.Frame) bool {
	sc, ok := o.Hub.Conn(conn)
	if !ok {
		return false
	}
	if farewell != nil {
		_ = sc.TrySend(farewell)
	}
	sc.Close()
	log.Info().Str("module", "orch").Str("conn", string(conn)).Msg("kicked")
	return true
}
