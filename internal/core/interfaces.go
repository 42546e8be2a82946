package core

import (
	"context"
	"time"

	"github.com/dkeye/Nearby/internal/domain"
)

//go:generate mockgen -destination=mocks/interfaces_mock.go -package=mocks github.com/dkeye/Nearby/internal/core Resolver,EventSink,Fanout

// StateWriter collects mutations that StateStore.Atomic applies as one unit.
// A zero ttl means no expiry.
type StateWriter interface {
	Set(key, value string, ttl time.Duration)
	Del(keys ...string)
	HSet(key string, fields map[string]string, ttl time.Duration)
	SAdd(key string, members ...string)
	SRem(key string, members ...string)
	ZAdd(key string, score float64, member string)
	ZRem(key string, members ...string)
	Expire(key string, ttl time.Duration)
}

// StateStore is the shared key-value store holding registry and membership records.
// Single-key reads and Atomic batches are atomic; nothing spans two calls.
type StateStore interface {
	// Get returns domain.ErrNotFound for a missing or expired key.
	Get(ctx context.Context, key string) (string, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	SMembers(ctx context.Context, key string) ([]string, error)
	// ZRangeByScore returns up to limit members with score <= max, lowest first.
	ZRangeByScore(ctx context.Context, key string, max float64, limit int64) ([]string, error)
	// CompareAndDelete deletes key only while it still holds expected.
	CompareAndDelete(ctx context.Context, key, expected string) (bool, error)
	// Swap sets key to value and hands its previous value ("" when missing) to fn.
	// The writes fn makes commit together with the swap, and concurrent swaps of
	// the same key are serialized.
	Swap(ctx context.Context, key, value string, ttl time.Duration, fn func(prev string, w StateWriter)) (string, error)
	Atomic(ctx context.Context, fn func(w StateWriter)) error
	Ping(ctx context.Context) error
	Close() error
}

// Resolver is the external geospatial query service.
type Resolver interface {
	ResolveNearby(ctx context.Context, bounds domain.Bounds) ([]domain.EntityID, error)
	RecordPosition(ctx context.Context, id domain.EntityID, at domain.Coordinate) error
}

// EventSink receives fire-and-forget presence notifications.
type EventSink interface {
	Emit(ctx context.Context, ev domain.Event) error
}

// FanoutMessage crosses gateways. Room set means a room broadcast; Conn set means
// a direct delivery, optionally dropping Conn's subscription to Room or closing Conn.
type FanoutMessage struct {
	Node        string              `json:"node"`
	Room        domain.RoomID       `json:"room,omitempty"`
	Conn        domain.ConnectionID `json:"conn,omitempty"`
	Unsubscribe bool                `json:"unsubscribe,omitempty"`
	Close       bool                `json:"close,omitempty"`
	Frame       Frame               `json:"frame"`
}

// Fanout relays deliveries to peers attached to other gateways.
type Fanout interface {
	Publish(ctx context.Context, msg FanoutMessage) error
}

type NopEvents struct{}

func (NopEvents) Emit(context.Context, domain.Event) error { return nil }
