package app_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Nearby/internal/adapters/store"
	"github.com/dkeye/Nearby/internal/app"
	"github.com/dkeye/Nearby/internal/core"
	"github.com/dkeye/Nearby/internal/domain"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type countingSink struct {
	mu     sync.Mutex
	events []domain.Event
}

func (s *countingSink) Emit(_ context.Context, ev domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *countingSink) count(kind domain.EventKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func newTestRegistry(t *testing.T) (*app.Registry, *clock, *countingSink) {
	t.Helper()
	reg, clk, sink, _ := newTestRegistryWith(t, nil)
	return reg, clk, sink
}

// newTestRegistryWith lets a test put a wrapper between the registry and the store.
func newTestRegistryWith(t *testing.T, wrap func(core.StateStore) core.StateStore) (*app.Registry, *clock, *countingSink, core.StateStore) {
	t.Helper()
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	var st core.StateStore = store.NewMemory(store.WithClock(clk.Now))
	if wrap != nil {
		st = wrap(st)
	}
	sink := &countingSink{}
	reg := app.NewRegistry(st, sink, app.RegistryOptions{
		Keys:    app.Keys{Prefix: "t:"},
		TTL:     time.Minute,
		Timeout: time.Second,
		Now:     clk.Now,
	})
	return reg, clk, sink, st
}

func mustEntity(t *testing.T, typ domain.EntityType, id string) domain.Entity {
	t.Helper()
	e, err := domain.NewEntity(typ, id)
	if err != nil {
		t.Fatalf("NewEntity: %v", err)
	}
	return e
}

func TestRegistryRegisterLookup(t *testing.T) {
	reg, _, sink := newTestRegistry(t)
	ctx := context.Background()
	user := mustEntity(t, domain.EntityUser, "u1")

	prev, err := reg.Register(ctx, user, "c1")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if prev != "" {
		t.Errorf("prev = %q, want empty", prev)
	}

	conn, ok, err := reg.LookupConnection(ctx, user)
	if err != nil || !ok || conn != "c1" {
		t.Errorf("LookupConnection = %q, %v, %v", conn, ok, err)
	}
	ent, ok, err := reg.LookupEntity(ctx, "c1")
	if err != nil || !ok || ent != user {
		t.Errorf("LookupEntity = %+v, %v, %v", ent, ok, err)
	}
	if n := sink.count(domain.EventConnected); n != 1 {
		t.Errorf("connected events = %d, want 1", n)
	}

	p, ok, err := reg.Presence(ctx, "c1")
	if err != nil || !ok || p.Entity != user || p.ConnectedAt.IsZero() {
		t.Errorf("Presence = %+v, %v, %v", p, ok, err)
	}
}

func TestRegistryReRegisterInvalidatesOldConnection(t *testing.T) {
	reg, _, sink := newTestRegistry(t)
	ctx := context.Background()
	vendor := mustEntity(t, domain.EntityVendor, "v1")

	if _, err := reg.Register(ctx, vendor, "old"); err != nil {
		t.Fatalf("Register old: %v", err)
	}
	prev, err := reg.Register(ctx, vendor, "new")
	if err != nil {
		t.Fatalf("Register new: %v", err)
	}
	if prev != "old" {
		t.Errorf("prev = %q, want old", prev)
	}
	if _, ok, _ := reg.LookupEntity(ctx, "old"); ok {
		t.Error("old reverse mapping survived re-registration")
	}
	if conn, _, _ := reg.LookupConnection(ctx, vendor); conn != "new" {
		t.Errorf("LookupConnection = %q, want new", conn)
	}
	if n := sink.count(domain.EventConnected); n != 2 {
		t.Errorf("connected events = %d, want 2", n)
	}

	// Removing the superseded connection must not clobber the new forward mapping.
	if err := reg.Remove(ctx, "old"); err != nil {
		t.Fatalf("Remove old: %v", err)
	}
	if conn, _, _ := reg.LookupConnection(ctx, vendor); conn != "new" {
		t.Errorf("LookupConnection after removing old = %q, want new", conn)
	}
}

func TestRegistryRemoveIdempotent(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()
	user := mustEntity(t, domain.EntityUser, "u1")
	_, _ = reg.Register(ctx, user, "c1")

	for i := range 2 {
		if err := reg.Remove(ctx, "c1"); err != nil {
			t.Fatalf("Remove #%d: %v", i, err)
		}
	}
	if _, ok, _ := reg.LookupConnection(ctx, user); ok {
		t.Error("forward mapping survived Remove")
	}
	if _, ok, _ := reg.LookupEntity(ctx, "c1"); ok {
		t.Error("reverse mapping survived Remove")
	}
	if _, ok, _ := reg.Presence(ctx, "c1"); ok {
		t.Error("presence record survived Remove")
	}
}

func TestRegistryTouchExtendsTTL(t *testing.T) {
	reg, clk, _ := newTestRegistry(t)
	ctx := context.Background()
	user := mustEntity(t, domain.EntityUser, "u1")
	_, _ = reg.Register(ctx, user, "c1")

	clk.Advance(45 * time.Second)
	if !reg.Touch(ctx, "c1") {
		t.Fatal("Touch reported a live connection as gone")
	}
	clk.Advance(45 * time.Second)
	if _, ok, _ := reg.LookupEntity(ctx, "c1"); !ok {
		t.Error("mapping expired despite Touch")
	}

	clk.Advance(2 * time.Minute)
	if _, ok, _ := reg.LookupEntity(ctx, "c1"); ok {
		t.Error("mapping outlived its TTL")
	}
	if reg.Touch(ctx, "c1") {
		t.Error("Touch on an expired connection should report gone")
	}
}

func TestRegistryStale(t *testing.T) {
	reg, clk, _ := newTestRegistry(t)
	ctx := context.Background()
	_, _ = reg.Register(ctx, mustEntity(t, domain.EntityUser, "u1"), "idle")
	clk.Advance(30 * time.Second)
	_, _ = reg.Register(ctx, mustEntity(t, domain.EntityUser, "u2"), "busy")

	stale, err := reg.Stale(ctx, clk.Now().Add(-10*time.Second), 10)
	if err != nil {
		t.Fatalf("Stale: %v", err)
	}
	if len(stale) != 1 || stale[0] != "idle" {
		t.Errorf("Stale = %v, want [idle]", stale)
	}
}

// gateStore holds every Swap until all expected callers have arrived, so
// concurrent registrations overlap as much as the store allows.
type gateStore struct {
	core.StateStore
	arrived sync.WaitGroup
}

func (g *gateStore) Swap(ctx context.Context, key, value string, ttl time.Duration, fn func(string, core.StateWriter)) (string, error) {
	g.arrived.Done()
	g.arrived.Wait()
	return g.StateStore.Swap(ctx, key, value, ttl, fn)
}

func TestRegistryConcurrentRegisterKeepsOneConnection(t *testing.T) {
	gate := &gateStore{}
	gate.arrived.Add(2)
	reg, _, _, _ := newTestRegistryWith(t, func(st core.StateStore) core.StateStore {
		gate.StateStore = st
		return gate
	})
	ctx := context.Background()
	user := mustEntity(t, domain.EntityUser, "u1")

	conns := []domain.ConnectionID{"c1", "c2"}
	prevs := make(map[domain.ConnectionID]domain.ConnectionID)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			prev, err := reg.Register(ctx, user, c)
			if err != nil {
				t.Error(err)
			}
			mu.Lock()
			prevs[c] = prev
			mu.Unlock()
		}()
	}
	wg.Wait()

	winner, ok, err := reg.LookupConnection(ctx, user)
	if err != nil || !ok {
		t.Fatalf("LookupConnection = %q, %v, %v", winner, ok, err)
	}
	loser := conns[0]
	if winner == loser {
		loser = conns[1]
	}
	if _, ok, _ := reg.LookupEntity(ctx, winner); !ok {
		t.Errorf("winner %s lost its reverse mapping", winner)
	}
	if _, ok, _ := reg.LookupEntity(ctx, loser); ok {
		t.Errorf("%s and %s are both live for one entity", winner, loser)
	}
	if prevs[winner] != loser || prevs[loser] != "" {
		t.Errorf("previous connections = %v, want %s handed to %s", prevs, loser, winner)
	}
	stale, _ := reg.Stale(ctx, time.Unix(1_800_000_000, 0), 10)
	if len(stale) != 1 || stale[0] != winner {
		t.Errorf("activity = %v, want [%s]", stale, winner)
	}
}

func TestRegistryTouchRestoresLapsedPresenceWithTTL(t *testing.T) {
	reg, clk, _, st := newTestRegistryWith(t, nil)
	ctx := context.Background()
	user := mustEntity(t, domain.EntityUser, "u1")
	_, _ = reg.Register(ctx, user, "c1")

	keys := app.Keys{Prefix: "t:"}
	if err := st.Atomic(ctx, func(w core.StateWriter) { w.Del(keys.Presence("c1")) }); err != nil {
		t.Fatal(err)
	}
	if !reg.Touch(ctx, "c1") {
		t.Fatal("Touch reported a live connection as gone")
	}

	clk.Advance(2 * time.Minute)
	fields, err := st.HGetAll(ctx, keys.Presence("c1"))
	if err != nil {
		t.Fatal(err)
	}
	if len(fields) != 0 {
		t.Errorf("presence hash recreated by Touch has no expiry: %v", fields)
	}
}
