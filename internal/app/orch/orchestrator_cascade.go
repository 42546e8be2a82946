package orch

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/dkeye/Nearby/internal/core"
	"github.com/dkeye/Nearby/internal/domain"
	"github.com/dkeye/Nearby/internal/telemetry"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"
)

const sweepBatch = 256

func (c CascadePolicy) attempts() int {
	if c.MaxAttempts > 0 {
		return c.MaxAttempts
	}
	return 3
}

func (c CascadePolicy) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return defaultCascadeTimeout
}

func (c CascadePolicy) concurrency() int {
	if c.Concurrency > 0 {
		return c.Concurrency
	}
	return 8
}

// cascadeResult accumulates across attempts so a retry does not lose the
// members released by an earlier, partially failed attempt.
type cascadeResult struct {
	entity   domain.Entity
	found    bool
	released int
}

// runCascade unwinds every record held by conn. Each attempt is bounded; after
// the last one the leftovers are orphaned and left to TTL expiry.
func (o *Orchestrator) runCascade(conn domain.ConnectionID) {
	logger := log.With().Str("module", "orch.cascade").Str("conn", string(conn)).Logger()

	var res cascadeResult
	var err error
	for attempt := 1; attempt <= o.Cascade.attempts(); attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), o.Cascade.timeout())
		err = o.cascade(ctx, conn, &res)
		cancel()
		if err == nil {
			break
		}
		logger.Warn().Err(err).Int("attempt", attempt).Msg("cascade attempt failed")
		if attempt < o.Cascade.attempts() {
			time.Sleep(o.Cascade.Backoff * time.Duration(attempt))
		}
	}

	if err != nil {
		telemetry.Inc(o.instruments().Orphans)
		logger.Warn().Err(err).Str("entity", res.entity.String()).Msg("cascade abandoned, orphaned state left to TTL")
		return
	}
	if !res.found {
		return
	}

	ctx := context.Background()
	if res.entity.IsVendor() {
		o.emit(ctx, domain.Event{Kind: domain.EventVendorOffline, Entity: res.entity, Conn: conn, Members: res.released})
	}
	o.emit(ctx, domain.Event{Kind: domain.EventDisconnected, Entity: res.entity, Conn: conn})
	logger.Info().Str("entity", res.entity.String()).Int("released", res.released).Msg("cascade done")
}

// cascade is one attempt. Membership goes first and the registry record last,
// so a lookup during the cascade never finds a removed entity still in rooms.
func (o *Orchestrator) cascade(ctx context.Context, conn domain.ConnectionID, res *cascadeResult) error {
	ent, ok, err := o.Registry.LookupEntity(ctx, conn)
	if err != nil {
		return err
	}
	if !ok {
		// Never registered, superseded, expired, or removed by an earlier
		// attempt. Expired keys still leave an activity entry behind.
		return o.Registry.Remove(ctx, conn)
	}
	res.entity, res.found = ent, true

	if ent.IsVendor() {
		n, err := o.cascadeVendor(ctx, ent)
		res.released += n
		if err != nil {
			return err
		}
	} else if err := o.cascadeUser(ctx, ent, conn); err != nil {
		return err
	}

	return o.Registry.Remove(ctx, conn)
}

// cascadeVendor releases every member of the vendor's room and then drops the
// room. A released member is gone from the room set, so a retry only sees
// the members that failed before.
func (o *Orchestrator) cascadeVendor(ctx context.Context, vendor domain.Entity) (int, error) {
	room := vendor.Room()
	members, err := o.Membership.Members(ctx, room)
	if err != nil {
		return 0, err
	}

	frame := core.Encode(core.VendorOfflineMsg{Type: "vendor_offline", Vendor: vendor.ID})
	var released atomic.Int64
	p := pool.New().WithMaxGoroutines(o.Cascade.concurrency()).WithErrors()
	for _, member := range members {
		p.Go(func() error {
			if err := o.releaseMember(ctx, room, member, frame); err != nil {
				return err
			}
			released.Add(1)
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return int(released.Load()), err
	}

	if err := o.Membership.DropRoom(ctx, room); err != nil {
		return int(released.Load()), err
	}
	return int(released.Load()), nil
}

func (o *Orchestrator) releaseMember(ctx context.Context, room domain.RoomID, member domain.ConnectionID, frame core.Frame) error {
	ent, ok, err := o.Registry.LookupEntity(ctx, member)
	if err != nil {
		return err
	}
	if ok && ent.IsUser() {
		err = o.Membership.Leave(ctx, ent.ID, member, room)
	} else {
		err = o.Membership.Evict(ctx, room, member)
	}
	if err != nil {
		return err
	}
	o.deliver(ctx, room, member, frame, true, false)
	return nil
}

// cascadeUser removes the user from each recorded room. Rooms are independent;
// one failure does not stop the others.
func (o *Orchestrator) cascadeUser(ctx context.Context, user domain.Entity, conn domain.ConnectionID) error {
	rooms, err := o.Membership.RoomsOf(ctx, user.ID)
	if err != nil {
		return err
	}
	var errs []error
	for room := range rooms {
		if err := o.Membership.Leave(ctx, user.ID, conn, room); err != nil {
			errs = append(errs, err)
			continue
		}
		o.Hub.Unsubscribe(room, conn)
	}
	return errors.Join(errs...)
}

// Sweep reclaims idle connections until ctx is done.
func (o *Orchestrator) Sweep(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			o.SweepOnce(ctx)
		}
	}
}

// SweepOnce closes idle local connections and cascades idle ones whose
// gateway stopped refreshing them. It returns how many it handled.
func (o *Orchestrator) SweepOnce(ctx context.Context) int {
	idle, err := o.Registry.Idle(ctx, sweepBatch)
	if err != nil {
		log.Warn().Err(err).Str("module", "orch.sweep").Msg("idle scan failed")
		return 0
	}
	for _, conn := range idle {
		if o.kick(conn, nil) {
			continue
		}
		if o.Fanout != nil {
			msg := core.FanoutMessage{Node: o.NodeID, Conn: conn, Close: true}
			if err := o.Fanout.Publish(ctx, msg); err != nil {
				log.Debug().Err(err).Str("module", "orch.sweep").Str("conn", string(conn)).Msg("close fanout failed")
			}
		}
		o.runCascade(conn)
	}
	if len(idle) > 0 {
		log.Info().Str("module", "orch.sweep").Int("idle", len(idle)).Msg("swept")
	}
	return len(idle)
}
