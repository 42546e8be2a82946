// Package store holds StateStore implementations.
package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dkeye/Nearby/internal/core"
	"github.com/dkeye/Nearby/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// compareAndDelete removes KEYS[1] only while it still equals ARGV[1].
var compareAndDelete = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// maxSwapRetries bounds optimistic retries when another writer touches the
// watched key between GET and EXEC.
const maxSwapRetries = 16

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Timeout  time.Duration
}

type Redis struct {
	client *redis.Client
}

var _ core.StateStore = (*Redis)(nil)

// NewRedis dials lazily; call Ping to verify reachability.
func NewRedis(opts RedisOptions) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  opts.Timeout,
		ReadTimeout:  opts.Timeout,
		WriteTimeout: opts.Timeout,
	})
	log.Info().Str("module", "adapters.store").Str("addr", opts.Addr).Int("db", opts.DB).Msg("redis client created")
	return &Redis{client: client}
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	v, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", domain.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("redis get %s: %w", key, err)
	}
	return v, nil
}

func (r *Redis) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	v, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall %s: %w", key, err)
	}
	return v, nil
}

func (r *Redis) SMembers(ctx context.Context, key string) ([]string, error) {
	v, err := r.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers %s: %w", key, err)
	}
	return v, nil
}

func (r *Redis) ZRangeByScore(ctx context.Context, key string, max float64, limit int64) ([]string, error) {
	v, err := r.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatFloat(max, 'f', -1, 64),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrangebyscore %s: %w", key, err)
	}
	return v, nil
}

func (r *Redis) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	n, err := compareAndDelete.Run(ctx, r.client, []string{key}, expected).Int()
	if err != nil {
		return false, fmt.Errorf("redis compare-and-delete %s: %w", key, err)
	}
	return n == 1, nil
}

// Swap watches key, reads it, and commits the new value with fn's writes in
// one MULTI/EXEC. A concurrent write to key aborts the transaction and the
// whole read-modify-write is retried.
func (r *Redis) Swap(ctx context.Context, key, value string, ttl time.Duration, fn func(prev string, w core.StateWriter)) (string, error) {
	var prev string
	txf := func(tx *redis.Tx) error {
		v, err := tx.Get(ctx, key).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		prev = v
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			w := &redisWriter{ctx: ctx, p: p}
			w.Set(key, value, ttl)
			if fn != nil {
				fn(prev, w)
			}
			return nil
		})
		return err
	}

	for range maxSwapRetries {
		err := r.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("redis swap %s: %w", key, err)
		}
		return prev, nil
	}
	return "", fmt.Errorf("redis swap %s: %w", key, redis.TxFailedErr)
}

// Atomic wraps the batch in MULTI/EXEC.
func (r *Redis) Atomic(ctx context.Context, fn func(w core.StateWriter)) error {
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		fn(&redisWriter{ctx: ctx, p: p})
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis tx: %w", err)
	}
	return nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}

type redisWriter struct {
	ctx context.Context
	p   redis.Pipeliner
}

func (w *redisWriter) Set(key, value string, ttl time.Duration) {
	w.p.Set(w.ctx, key, value, ttl)
}

func (w *redisWriter) Del(keys ...string) {
	if len(keys) == 0 {
		return
	}
	w.p.Del(w.ctx, keys...)
}

func (w *redisWriter) HSet(key string, fields map[string]string, ttl time.Duration) {
	if len(fields) == 0 {
		return
	}
	w.p.HSet(w.ctx, key, fields)
	if ttl > 0 {
		w.p.Expire(w.ctx, key, ttl)
	}
}

func (w *redisWriter) SAdd(key string, members ...string) {
	if len(members) == 0 {
		return
	}
	w.p.SAdd(w.ctx, key, toAny(members)...)
}

func (w *redisWriter) SRem(key string, members ...string) {
	if len(members) == 0 {
		return
	}
	w.p.SRem(w.ctx, key, toAny(members)...)
}

func (w *redisWriter) ZAdd(key string, score float64, member string) {
	w.p.ZAdd(w.ctx, key, redis.Z{Score: score, Member: member})
}

func (w *redisWriter) ZRem(key string, members ...string) {
	if len(members) == 0 {
		return
	}
	w.p.ZRem(w.ctx, key, toAny(members)...)
}

func (w *redisWriter) Expire(key string, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	w.p.Expire(w.ctx, key, ttl)
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
