package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dkeye/Nearby/internal/core"
	"github.com/dkeye/Nearby/internal/domain"
	"github.com/rs/zerolog/log"
)

const (
	fieldEntity      = "entity"
	fieldConnectedAt = "connected_at"
	fieldLastActive  = "last_active"
)

type RegistryOptions struct {
	Keys Keys
	// TTL bounds how long a mapping outlives its last activity.
	TTL time.Duration
	// Timeout bounds every store call.
	Timeout time.Duration
	Now     func() time.Time
}

// Registry is the entity<->connection mapping kept in the state store.
type Registry struct {
	store   core.StateStore
	events  core.EventSink
	keys    Keys
	ttl     time.Duration
	timeout time.Duration
	now     func() time.Time
}

func NewRegistry(store core.StateStore, events core.EventSink, opts RegistryOptions) *Registry {
	if events == nil {
		events = core.NopEvents{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{
		store:   store,
		events:  events,
		keys:    opts.Keys,
		ttl:     opts.TTL,
		timeout: opts.Timeout,
		now:     opts.Now,
	}
}

func (r *Registry) TTL() time.Duration { return r.ttl }

func (r *Registry) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.timeout)
}

// Register swaps the forward mapping and writes the reverse mapping and the
// presence record in the same unit. The previous connection of the same entity
// loses its reverse mapping in that unit and is returned so the caller can
// unwind it. Re-registration is not an error.
func (r *Registry) Register(ctx context.Context, ent domain.Entity, conn domain.ConnectionID) (domain.ConnectionID, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()

	now := r.now()
	prev, err := r.store.Swap(ctx, r.keys.Forward(ent), string(conn), r.ttl, func(prev string, w core.StateWriter) {
		w.Set(r.keys.Reverse(conn), ent.String(), r.ttl)
		w.HSet(r.keys.Presence(conn), map[string]string{
			fieldEntity:      ent.String(),
			fieldConnectedAt: strconv.FormatInt(now.UnixMilli(), 10),
			fieldLastActive:  strconv.FormatInt(now.UnixMilli(), 10),
		}, r.ttl)
		w.ZAdd(r.keys.Activity(), float64(now.UnixMilli()), string(conn))
		if old := domain.ConnectionID(prev); old != "" && old != conn {
			w.Del(r.keys.Reverse(old), r.keys.Presence(old))
			w.ZRem(r.keys.Activity(), string(old))
		}
	})
	if err != nil {
		return "", fmt.Errorf("write registration: %w", err)
	}
	prevConn := domain.ConnectionID(prev)

	if err := r.events.Emit(context.WithoutCancel(ctx), domain.Event{
		Kind:   domain.EventConnected,
		Entity: ent,
		Conn:   conn,
		At:     now,
	}); err != nil {
		log.Warn().Err(err).Str("module", "app.registry").Str("entity", ent.String()).Msg("connected event not emitted")
	}
	log.Info().Str("module", "app.registry").Str("entity", ent.String()).Str("conn", string(conn)).Str("prev", string(prevConn)).Msg("registered")

	if prevConn == conn {
		return "", nil
	}
	return prevConn, nil
}

func (r *Registry) LookupConnection(ctx context.Context, ent domain.Entity) (domain.ConnectionID, bool, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	v, err := r.store.Get(ctx, r.keys.Forward(ent))
	if errors.Is(err, domain.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return domain.ConnectionID(v), true, nil
}

func (r *Registry) LookupEntity(ctx context.Context, conn domain.ConnectionID) (domain.Entity, bool, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	v, err := r.store.Get(ctx, r.keys.Reverse(conn))
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Entity{}, false, nil
	}
	if err != nil {
		return domain.Entity{}, false, err
	}
	ent, err := domain.ParseEntity(v)
	if err != nil {
		return domain.Entity{}, false, fmt.Errorf("corrupt reverse mapping %s: %w", conn, err)
	}
	return ent, true, nil
}

// Touch refreshes activity and every TTL hanging off the connection.
// It reports false only when the connection is known to be gone; store
// failures are logged and reported as alive.
func (r *Registry) Touch(ctx context.Context, conn domain.ConnectionID) bool {
	ent, ok, err := r.LookupEntity(ctx, conn)
	if err != nil {
		log.Warn().Err(err).Str("module", "app.registry").Str("conn", string(conn)).Msg("touch lookup failed")
		return true
	}
	if !ok {
		log.Debug().Str("module", "app.registry").Str("conn", string(conn)).Msg("touch on gone connection")
		return false
	}

	ctx, cancel := r.bound(ctx)
	defer cancel()
	now := r.now()
	err = r.store.Atomic(ctx, func(w core.StateWriter) {
		w.Expire(r.keys.Forward(ent), r.ttl)
		w.Expire(r.keys.Reverse(conn), r.ttl)
		// HSet recreates a lapsed hash, so the expiry must follow it.
		w.HSet(r.keys.Presence(conn), map[string]string{
			fieldLastActive: strconv.FormatInt(now.UnixMilli(), 10),
		}, 0)
		w.Expire(r.keys.Presence(conn), r.ttl)
		w.ZAdd(r.keys.Activity(), float64(now.UnixMilli()), string(conn))
		if ent.IsUser() {
			w.Expire(r.keys.UserRooms(ent.ID), r.ttl)
		} else {
			w.Expire(r.keys.Room(ent.Room()), r.ttl)
		}
	})
	if err != nil {
		log.Warn().Err(err).Str("module", "app.registry").Str("conn", string(conn)).Msg("touch write failed")
	}
	return true
}

// Remove deletes both directions and the presence record. The forward
// mapping is only deleted while it still points at conn. Idempotent.
func (r *Registry) Remove(ctx context.Context, conn domain.ConnectionID) error {
	ent, ok, err := r.LookupEntity(ctx, conn)
	if err != nil {
		return err
	}

	ctx, cancel := r.bound(ctx)
	defer cancel()
	if ok {
		if _, err := r.store.CompareAndDelete(ctx, r.keys.Forward(ent), string(conn)); err != nil {
			return err
		}
	}
	err = r.store.Atomic(ctx, func(w core.StateWriter) {
		w.Del(r.keys.Reverse(conn), r.keys.Presence(conn))
		w.ZRem(r.keys.Activity(), string(conn))
	})
	if err != nil {
		return err
	}
	if ok {
		log.Info().Str("module", "app.registry").Str("entity", ent.String()).Str("conn", string(conn)).Msg("removed")
	}
	return nil
}

func (r *Registry) Presence(ctx context.Context, conn domain.ConnectionID) (domain.Presence, bool, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	fields, err := r.store.HGetAll(ctx, r.keys.Presence(conn))
	if err != nil {
		return domain.Presence{}, false, err
	}
	if len(fields) == 0 {
		return domain.Presence{}, false, nil
	}
	ent, err := domain.ParseEntity(fields[fieldEntity])
	if err != nil {
		return domain.Presence{}, false, err
	}
	return domain.Presence{
		Entity:      ent,
		Conn:        conn,
		ConnectedAt: parseMillis(fields[fieldConnectedAt]),
		LastActive:  parseMillis(fields[fieldLastActive]),
	}, true, nil
}

// Stale lists connections whose last activity is older than before.
func (r *Registry) Stale(ctx context.Context, before time.Time, limit int64) ([]domain.ConnectionID, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	members, err := r.store.ZRangeByScore(ctx, r.keys.Activity(), float64(before.UnixMilli()), limit)
	if err != nil {
		return nil, err
	}
	out := make([]domain.ConnectionID, len(members))
	for i, m := range members {
		out[i] = domain.ConnectionID(m)
	}
	return out, nil
}

// Idle lists connections that went quiet for most of their TTL. The sweeper
// reclaims them before the store expires the keys underneath their rooms.
func (r *Registry) Idle(ctx context.Context, limit int64) ([]domain.ConnectionID, error) {
	return r.Stale(ctx, r.now().Add(-r.ttl*3/4), limit)
}

func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
