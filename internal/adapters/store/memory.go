package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/dkeye/Nearby/internal/core"
	"github.com/dkeye/Nearby/internal/domain"
)

type entry struct {
	str     *string
	hash    map[string]string
	set     map[string]struct{}
	zset    map[string]float64
	expires time.Time
}

// Memory is a single-process StateStore. It backs dev mode and tests.
type Memory struct {
	mu   sync.Mutex
	data map[string]*entry
	now  func() time.Time
}

type MemoryOption func(*Memory)

// WithClock overrides the clock used for key expiry.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		data: make(map[string]*entry),
		now:  time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

var _ core.StateStore = (*Memory)(nil)

// lookup drops the key first if it has expired. Caller holds mu.
func (m *Memory) lookup(key string) (*entry, bool) {
	e, ok := m.data[key]
	if !ok {
		return nil, false
	}
	if !e.expires.IsZero() && !m.now().Before(e.expires) {
		delete(m.data, key)
		return nil, false
	}
	return e, true
}

func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.lookup(key)
	if !ok || e.str == nil {
		return "", domain.ErrNotFound
	}
	return *e.str, nil
}

func (m *Memory) HGetAll(_ context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string)
	if e, ok := m.lookup(key); ok {
		for k, v := range e.hash {
			out[k] = v
		}
	}
	return out, nil
}

func (m *Memory) SMembers(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.lookup(key)
	if !ok {
		return []string{}, nil
	}
	out := make([]string, 0, len(e.set))
	for member := range e.set {
		out = append(out, member)
	}
	slices.Sort(out)
	return out, nil
}

func (m *Memory) ZRangeByScore(_ context.Context, key string, max float64, limit int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.lookup(key)
	if !ok {
		return []string{}, nil
	}
	out := make([]string, 0, len(e.zset))
	for member, score := range e.zset {
		if score <= max {
			out = append(out, member)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		si, sj := e.zset[out[i]], e.zset[out[j]]
		if si != sj {
			return si < sj
		}
		return out[i] < out[j]
	})
	if limit > 0 && int64(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) CompareAndDelete(_ context.Context, key, expected string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.lookup(key)
	if !ok || e.str == nil || *e.str != expected {
		return false, nil
	}
	delete(m.data, key)
	return true, nil
}

func (m *Memory) Swap(ctx context.Context, key, value string, ttl time.Duration, fn func(prev string, w core.StateWriter)) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var prev string
	if e, ok := m.lookup(key); ok && e.str != nil {
		prev = *e.str
	}
	w := &memWriter{m: m}
	w.Set(key, value, ttl)
	if fn != nil {
		fn(prev, w)
	}
	return prev, nil
}

func (m *Memory) Atomic(ctx context.Context, fn func(w core.StateWriter)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(&memWriter{m: m})
	return nil
}

func (m *Memory) Ping(ctx context.Context) error { return ctx.Err() }

func (m *Memory) Close() error { return nil }

// memWriter applies writes immediately; Atomic holds mu for the whole batch.
type memWriter struct {
	m *Memory
}

func (w *memWriter) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return w.m.now().Add(ttl)
}

func (w *memWriter) Set(key, value string, ttl time.Duration) {
	v := value
	w.m.data[key] = &entry{str: &v, expires: w.expiry(ttl)}
}

func (w *memWriter) Del(keys ...string) {
	for _, k := range keys {
		delete(w.m.data, k)
	}
}

func (w *memWriter) HSet(key string, fields map[string]string, ttl time.Duration) {
	e, ok := w.m.lookup(key)
	if !ok || e.hash == nil {
		e = &entry{hash: make(map[string]string)}
		w.m.data[key] = e
	}
	for k, v := range fields {
		e.hash[k] = v
	}
	if ttl > 0 {
		e.expires = w.expiry(ttl)
	}
}

func (w *memWriter) SAdd(key string, members ...string) {
	e, ok := w.m.lookup(key)
	if !ok || e.set == nil {
		e = &entry{set: make(map[string]struct{})}
		w.m.data[key] = e
	}
	for _, member := range members {
		e.set[member] = struct{}{}
	}
}

// SRem drops the key once the set is empty, matching Redis.
func (w *memWriter) SRem(key string, members ...string) {
	e, ok := w.m.lookup(key)
	if !ok || e.set == nil {
		return
	}
	for _, member := range members {
		delete(e.set, member)
	}
	if len(e.set) == 0 {
		delete(w.m.data, key)
	}
}

func (w *memWriter) ZAdd(key string, score float64, member string) {
	e, ok := w.m.lookup(key)
	if !ok || e.zset == nil {
		e = &entry{zset: make(map[string]float64)}
		w.m.data[key] = e
	}
	e.zset[member] = score
}

func (w *memWriter) ZRem(key string, members ...string) {
	e, ok := w.m.lookup(key)
	if !ok || e.zset == nil {
		return
	}
	for _, member := range members {
		delete(e.zset, member)
	}
	if len(e.zset) == 0 {
		delete(w.m.data, key)
	}
}

func (w *memWriter) Expire(key string, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	if e, ok := w.m.lookup(key); ok {
		e.expires = w.expiry(ttl)
	}
}
