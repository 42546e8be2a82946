package app

import (
	"context"
	"time"

	"github.com/dkeye/Nearby/internal/core"
	"github.com/dkeye/Nearby/internal/domain"
)

// Membership is the store-side record of rooms. Every write is a set-add or
// set-remove, so concurrent writers for the same entity converge.
type Membership struct {
	store   core.StateStore
	keys    Keys
	ttl     time.Duration
	timeout time.Duration
}

func NewMembership(store core.StateStore, keys Keys, ttl, timeout time.Duration) *Membership {
	return &Membership{store: store, keys: keys, ttl: ttl, timeout: timeout}
}

func (m *Membership) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, m.timeout)
}

// RoomsOf is the user's current room set.
func (m *Membership) RoomsOf(ctx context.Context, user domain.EntityID) (core.RoomSet, error) {
	ctx, cancel := m.bound(ctx)
	defer cancel()
	ids, err := m.store.SMembers(ctx, m.keys.UserRooms(user))
	if err != nil {
		return nil, err
	}
	set := make(core.RoomSet, len(ids))
	for _, id := range ids {
		set[domain.RoomID(id)] = struct{}{}
	}
	return set, nil
}

func (m *Membership) Members(ctx context.Context, room domain.RoomID) ([]domain.ConnectionID, error) {
	ctx, cancel := m.bound(ctx)
	defer cancel()
	ids, err := m.store.SMembers(ctx, m.keys.Room(room))
	if err != nil {
		return nil, err
	}
	out := make([]domain.ConnectionID, len(ids))
	for i, id := range ids {
		out[i] = domain.ConnectionID(id)
	}
	return out, nil
}

// Join records conn in room and room in the user's set. Joining twice is a no-op.
func (m *Membership) Join(ctx context.Context, user domain.EntityID, conn domain.ConnectionID, room domain.RoomID) error {
	ctx, cancel := m.bound(ctx)
	defer cancel()
	return m.store.Atomic(ctx, func(w core.StateWriter) {
		w.SAdd(m.keys.Room(room), string(conn))
		w.SAdd(m.keys.UserRooms(user), string(room))
		w.Expire(m.keys.Room(room), m.ttl)
		w.Expire(m.keys.UserRooms(user), m.ttl)
	})
}

// Leave undoes Join. Leaving a room not joined is a no-op.
func (m *Membership) Leave(ctx context.Context, user domain.EntityID, conn domain.ConnectionID, room domain.RoomID) error {
	ctx, cancel := m.bound(ctx)
	defer cancel()
	return m.store.Atomic(ctx, func(w core.StateWriter) {
		w.SRem(m.keys.Room(room), string(conn))
		w.SRem(m.keys.UserRooms(user), string(room))
	})
}

// Evict removes conn from room without touching any user's room set.
func (m *Membership) Evict(ctx context.Context, room domain.RoomID, conns ...domain.ConnectionID) error {
	if len(conns) == 0 {
		return nil
	}
	ctx, cancel := m.bound(ctx)
	defer cancel()
	members := make([]string, len(conns))
	for i, c := range conns {
		members[i] = string(c)
	}
	return m.store.Atomic(ctx, func(w core.StateWriter) {
		w.SRem(m.keys.Room(room), members...)
	})
}

// ClearUser forgets the user's room set.
func (m *Membership) ClearUser(ctx context.Context, user domain.EntityID) error {
	ctx, cancel := m.bound(ctx)
	defer cancel()
	return m.store.Atomic(ctx, func(w core.StateWriter) {
		w.Del(m.keys.UserRooms(user))
	})
}

// DropRoom deletes the room's member record.
func (m *Membership) DropRoom(ctx context.Context, room domain.RoomID) error {
	ctx, cancel := m.bound(ctx)
	defer cancel()
	return m.store.Atomic(ctx, func(w core.StateWriter) {
		w.Del(m.keys.Room(room))
	})
}
