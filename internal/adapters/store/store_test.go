package store

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dkeye/Nearby/internal/core"
	"github.com/dkeye/Nearby/internal/domain"
	"github.com/redis/go-redis/v9"
)

type harness struct {
	store   core.StateStore
	advance func(time.Duration)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func harnesses(t *testing.T) map[string]func(t *testing.T) harness {
	return map[string]func(t *testing.T) harness{
		"memory": func(t *testing.T) harness {
			clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
			return harness{store: NewMemory(WithClock(clk.Now)), advance: clk.Advance}
		},
		"redis": func(t *testing.T) harness {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = client.Close() })
			return harness{store: NewRedisFromClient(client), advance: mr.FastForward}
		},
	}
}

func TestStoreStrings(t *testing.T) {
	for name, mk := range harnesses(t) {
		t.Run(name, func(t *testing.T) {
			h := mk(t)
			ctx := context.Background()

			if _, err := h.store.Get(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
				t.Fatalf("Get(missing) err = %v, want ErrNotFound", err)
			}
			err := h.store.Atomic(ctx, func(w core.StateWriter) {
				w.Set("a", "1", time.Minute)
				w.Set("b", "2", 0)
			})
			if err != nil {
				t.Fatalf("Atomic: %v", err)
			}
			if v, _ := h.store.Get(ctx, "a"); v != "1" {
				t.Errorf("Get(a) = %q", v)
			}

			h.advance(2 * time.Minute)
			if _, err := h.store.Get(ctx, "a"); !errors.Is(err, domain.ErrNotFound) {
				t.Errorf("Get(a) after ttl err = %v, want ErrNotFound", err)
			}
			if v, _ := h.store.Get(ctx, "b"); v != "2" {
				t.Errorf("Get(b) = %q, keys without ttl must persist", v)
			}
		})
	}
}

func TestStoreCompareAndDelete(t *testing.T) {
	for name, mk := range harnesses(t) {
		t.Run(name, func(t *testing.T) {
			h := mk(t)
			ctx := context.Background()
			_ = h.store.Atomic(ctx, func(w core.StateWriter) { w.Set("k", "new", 0) })

			ok, err := h.store.CompareAndDelete(ctx, "k", "old")
			if err != nil || ok {
				t.Fatalf("CompareAndDelete(old) = %v, %v; want false", ok, err)
			}
			ok, err = h.store.CompareAndDelete(ctx, "k", "new")
			if err != nil || !ok {
				t.Fatalf("CompareAndDelete(new) = %v, %v; want true", ok, err)
			}
			if _, err := h.store.Get(ctx, "k"); !errors.Is(err, domain.ErrNotFound) {
				t.Errorf("key survived CompareAndDelete")
			}
		})
	}
}

func TestStoreSets(t *testing.T) {
	for name, mk := range harnesses(t) {
		t.Run(name, func(t *testing.T) {
			h := mk(t)
			ctx := context.Background()
			add := func(w core.StateWriter) { w.SAdd("s", "x", "y") }
			_ = h.store.Atomic(ctx, add)
			_ = h.store.Atomic(ctx, add)

			got, err := h.store.SMembers(ctx, "s")
			if err != nil {
				t.Fatalf("SMembers: %v", err)
			}
			slices.Sort(got)
			if !slices.Equal(got, []string{"x", "y"}) {
				t.Errorf("SMembers = %v", got)
			}

			_ = h.store.Atomic(ctx, func(w core.StateWriter) { w.SRem("s", "x", "y", "z") })
			got, _ = h.store.SMembers(ctx, "s")
			if len(got) != 0 {
				t.Errorf("SMembers after SRem = %v", got)
			}
		})
	}
}

func TestStoreSortedSetAndHash(t *testing.T) {
	for name, mk := range harnesses(t) {
		t.Run(name, func(t *testing.T) {
			h := mk(t)
			ctx := context.Background()
			_ = h.store.Atomic(ctx, func(w core.StateWriter) {
				w.ZAdd("z", 30, "c")
				w.ZAdd("z", 10, "a")
				w.ZAdd("z", 20, "b")
				w.HSet("h", map[string]string{"f": "1"}, time.Minute)
			})

			got, err := h.store.ZRangeByScore(ctx, "z", 20, 10)
			if err != nil {
				t.Fatalf("ZRangeByScore: %v", err)
			}
			if !slices.Equal(got, []string{"a", "b"}) {
				t.Errorf("ZRangeByScore = %v, want [a b]", got)
			}
			got, _ = h.store.ZRangeByScore(ctx, "z", 100, 1)
			if !slices.Equal(got, []string{"a"}) {
				t.Errorf("ZRangeByScore limit 1 = %v", got)
			}

			fields, _ := h.store.HGetAll(ctx, "h")
			if fields["f"] != "1" {
				t.Errorf("HGetAll = %v", fields)
			}
			h.advance(2 * time.Minute)
			fields, _ = h.store.HGetAll(ctx, "h")
			if len(fields) != 0 {
				t.Errorf("HGetAll after ttl = %v", fields)
			}
		})
	}
}

func TestStoreSwap(t *testing.T) {
	for name, mk := range harnesses(t) {
		t.Run(name, func(t *testing.T) {
			h := mk(t)
			ctx := context.Background()

			prev, err := h.store.Swap(ctx, "fwd", "c1", time.Minute, func(prev string, w core.StateWriter) {
				w.Set("rev:c1", "u1", time.Minute)
			})
			if err != nil || prev != "" {
				t.Fatalf("first Swap = %q, %v; want empty", prev, err)
			}

			prev, err = h.store.Swap(ctx, "fwd", "c2", time.Minute, func(prev string, w core.StateWriter) {
				w.Set("rev:c2", "u1", time.Minute)
				w.Del("rev:" + prev)
			})
			if err != nil || prev != "c1" {
				t.Fatalf("second Swap = %q, %v; want c1", prev, err)
			}
			if v, _ := h.store.Get(ctx, "fwd"); v != "c2" {
				t.Errorf("Get(fwd) = %q, want c2", v)
			}
			if _, err := h.store.Get(ctx, "rev:c1"); !errors.Is(err, domain.ErrNotFound) {
				t.Errorf("rev:c1 survived the swap")
			}

			h.advance(2 * time.Minute)
			if _, err := h.store.Get(ctx, "fwd"); !errors.Is(err, domain.ErrNotFound) {
				t.Errorf("swapped key ignored its ttl")
			}
		})
	}
}

func TestStoreConcurrentSwapsChain(t *testing.T) {
	for name, mk := range harnesses(t) {
		t.Run(name, func(t *testing.T) {
			h := mk(t)
			ctx := context.Background()

			const n = 8
			prevs := make([]string, n)
			var wg sync.WaitGroup
			for i := range n {
				wg.Add(1)
				go func() {
					defer wg.Done()
					p, err := h.store.Swap(ctx, "fwd", string(rune('a'+i)), 0, nil)
					if err != nil {
						t.Error(err)
					}
					prevs[i] = p
				}()
			}
			wg.Wait()

			// Serialized swaps form one chain: exactly one saw the empty key and
			// every other previous value is distinct.
			seen := make(map[string]bool)
			for _, p := range prevs {
				if seen[p] {
					t.Fatalf("two swaps observed the same previous value %q: %v", p, prevs)
				}
				seen[p] = true
			}
			if !seen[""] {
				t.Fatalf("no swap saw the empty key: %v", prevs)
			}
		})
	}
}
