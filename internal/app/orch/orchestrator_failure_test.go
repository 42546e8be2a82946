package orch_test

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Nearby/internal/app/orch"
	"github.com/dkeye/Nearby/internal/core"
	"github.com/dkeye/Nearby/internal/domain"
	"github.com/dkeye/Nearby/internal/telemetry"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

var errStoreDown = errors.New("store down")

// keyRecorder collects the keys a write batch touches without applying it.
type keyRecorder struct {
	keys []string
}

func (r *keyRecorder) Set(key, _ string, _ time.Duration) { r.keys = append(r.keys, key) }
func (r *keyRecorder) Del(keys ...string) { r.keys = append(r.keys, keys...) }
func (r *keyRecorder) HSet(key string, _ map[string]string, _ time.Duration) { r.keys = append(r.keys, key) }
func (r *keyRecorder) SAdd(key string, _ ...string) { r.keys = append(r.keys, key) }
func (r *keyRecorder) SRem(key string, _ ...string) { r.keys = append(r.keys, key) }
func (r *keyRecorder) ZAdd(key string, _ float64, _ string) { r.keys = append(r.keys, key) }
func (r *keyRecorder) ZRem(key string, _ ...string) { r.keys = append(r.keys, key) }
func (r *keyRecorder) Expire(key string, _ time.Duration) { r.keys = append(r.keys, key) }

// faultyStore fails writes touching keys picked by fail. inFlight runs before
// a write lands; when it returns true the write completes even if the
// caller's context was cancelled meanwhile.
type faultyStore struct {
	core.StateStore

	mu       sync.Mutex
	fail     func(key string) bool
	inFlight func(keys []string) bool
	failed   int
}

func (f *faultyStore) setFail(fail func(key string) bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = fail
}

func (f *faultyStore) setInFlight(hook func(keys []string) bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inFlight = hook
}

func (f *faultyStore) failures() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failed
}

func (f *faultyStore) failing(keys ...string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail == nil {
		return false
	}
	for _, k := range keys {
		if f.fail(k) {
			f.failed++
			return true
		}
	}
	return false
}

func (f *faultyStore) Atomic(ctx context.Context, fn func(w core.StateWriter)) error {
	rec := &keyRecorder{}
	fn(rec)
	if f.failing(rec.keys...) {
		return errStoreDown
	}
	f.mu.Lock()
	hook := f.inFlight
	f.mu.Unlock()
	if hook != nil && hook(rec.keys) {
		ctx = context.WithoutCancel(ctx)
	}
	return f.StateStore.Atomic(ctx, fn)
}

func (f *faultyStore) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	if f.failing(key) {
		return false, errStoreDown
	}
	return f.StateStore.CompareAndDelete(ctx, key, expected)
}

func newFaultyHarness(t *testing.T) (*harness, *faultyStore) {
	t.Helper()
	fs := &faultyStore{}
	h := newHarnessWith(t, func(st core.StateStore) core.StateStore {
		fs.StateStore = st
		return fs
	})
	return h, fs
}

func TestRoomWriteFailureSkipsOnlyThatRoom(t *testing.T) {
	h, fs := newFaultyHarness(t)
	s, fc := h.connect(t, domain.EntityUser, "u1")
	fs.setFail(func(key string) bool { return key == h.keys.Room("B") })

	if err := h.viewport(t, s, "A", "B", "C"); err != nil {
		t.Fatalf("update = %v, want nil", err)
	}

	want := []domain.RoomID{"A", "C"}
	if got := h.roomsOf(t, "u1"); !slices.Equal(got, want) {
		t.Fatalf("rooms = %v, want %v", got, want)
	}
	if got := h.o.Hub.Subscriptions(s.Conn()).Sorted(); !slices.Equal(got, want) {
		t.Fatalf("subscriptions = %v, want %v", got, want)
	}
	if fs.failures() != 1 {
		t.Fatalf("failed writes = %d, want 1", fs.failures())
	}

	var snap core.NearbyMsg
	fc.last(&snap)
	if !slices.Equal(snap.Vendors, []domain.RoomID{"A", "B", "C"}) {
		t.Fatalf("snapshot = %+v", snap)
	}
	changes := h.eventsOf(domain.EventMembershipChanged)
	if len(changes) != 1 || !slices.Equal(changes[0].Joined, want) {
		t.Fatalf("membership events = %+v", changes)
	}

	// The next cycle retries the skipped room.
	fs.setFail(nil)
	if err := h.viewport(t, s, "A", "B", "C"); err != nil {
		t.Fatal(err)
	}
	if got := h.roomsOf(t, "u1"); !slices.Equal(got, []domain.RoomID{"A", "B", "C"}) {
		t.Fatalf("rooms after retry = %v", got)
	}
}

func orphanCount(t *testing.T, reader *sdkmetric.ManualReader) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatal(err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "gateway.cascade.orphans" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("orphans data = %T", m.Data)
			}
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

func TestCascadeGivesUpAfterMaxAttempts(t *testing.T) {
	h, fs := newFaultyHarness(t)
	reader := sdkmetric.NewManualReader()
	h.o.Metrics = telemetry.NewInstrumentsWith(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	h.o.Cascade = orch.CascadePolicy{MaxAttempts: 3, Backoff: time.Millisecond}

	s, _ := h.connect(t, domain.EntityUser, "u1")
	if err := h.viewport(t, s, "A"); err != nil {
		t.Fatal(err)
	}
	fs.setFail(func(string) bool { return true })

	h.o.HandleDisconnect(s)

	if n := fs.failures(); n != 3 {
		t.Fatalf("failed writes = %d, want one per attempt (3)", n)
	}
	if n := orphanCount(t, reader); n != 1 {
		t.Fatalf("orphans = %d, want 1", n)
	}
	if n := len(h.eventsOf(domain.EventDisconnected)); n != 0 {
		t.Fatalf("disconnected events = %d, want 0", n)
	}

	ctx := context.Background()
	if _, ok, _ := h.o.Registry.LookupEntity(ctx, s.Conn()); !ok {
		t.Fatal("registry record gone before its TTL")
	}
	h.clk.Advance(2 * ttl)
	if _, ok, _ := h.o.Registry.LookupEntity(ctx, s.Conn()); ok {
		t.Fatal("orphaned registry record outlived its TTL")
	}
}

func TestDisconnectDuringUpdateUndoesLateJoins(t *testing.T) {
	h, fs := newFaultyHarness(t)
	s, _ := h.connect(t, domain.EntityUser, "u1")

	// The connection drops while the join for A is on the wire: the cascade
	// reads the user's rooms before the join lands.
	var once sync.Once
	fs.setInFlight(func(keys []string) bool {
		if !slices.Contains(keys, h.keys.Room("A")) {
			return false
		}
		fired := false
		once.Do(func() {
			fired = true
			h.o.HandleDisconnect(s)
		})
		return fired
	})

	err := h.viewport(t, s, "A")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("update = %v, want context.Canceled", err)
	}

	ctx := context.Background()
	members, _ := h.o.Membership.Members(ctx, "A")
	if len(members) != 0 {
		t.Fatalf("room A members = %v, late join not undone", members)
	}
	if got := h.roomsOf(t, "u1"); len(got) != 0 {
		t.Fatalf("rooms = %v, late join not undone", got)
	}
	if _, ok, _ := h.o.Registry.LookupEntity(ctx, s.Conn()); ok {
		t.Fatal("reverse mapping survived disconnect")
	}
	if n := len(h.eventsOf(domain.EventMembershipChanged)); n != 0 {
		t.Fatalf("membership events = %d, want 0", n)
	}
}
