package audiocache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisPrefix = "lectern:audio:"

// RedisStore keeps audio bytes and JSON metadata in Redis. Keys carry a
// native expiry equal to the cache TTL, so Expire has nothing to do.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisStore wraps rdb. ttl should match the Cache TTL.
func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl}
}

// NewRedisClient connects to addr, which may be host:port or a redis:// URL,
// and pings it.
func NewRedisClient(ctx context.Context, addr string) (*redis.Client, error) {
	var rdb *redis.Client
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		opt, err := redis.ParseURL(addr)
		if err != nil {
			return nil, err
		}
		rdb = redis.NewClient(opt)
	} else {
		rdb = redis.NewClient(&redis.Options{Addr: addr})
	}
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("pinging redis at %s: %w", addr, err)
	}
	return rdb, nil
}

func dataKey(fp string) string { return redisPrefix + fp }
func metaKey(fp string) string { return redisPrefix + fp + ":meta" }

func (r *RedisStore) Get(ctx context.Context, fp string) (*Entry, error) {
	meta, err := r.rdb.Get(ctx, metaKey(fp)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, err
	}
	var e Entry
	if err := json.Unmarshal(meta, &e); err != nil {
		// Corrupt metadata is treated as a miss.
		_ = r.rdb.Del(ctx, metaKey(fp), dataKey(fp)).Err()
		return nil, ErrMiss
	}

	data, err := r.rdb.Get(ctx, dataKey(fp)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, err
	}
	e.Data = data
	e.Size = int64(len(data))
	return &e, nil
}

func (r *RedisStore) Put(ctx context.Context, e *Entry) error {
	meta, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, dataKey(e.Fingerprint), e.Data, r.ttl)
		p.Set(ctx, metaKey(e.Fingerprint), meta, r.ttl)
		return nil
	})
	return err
}

func (r *RedisStore) Delete(ctx context.Context, fp string) error {
	n, err := r.rdb.Del(ctx, dataKey(fp), metaKey(fp)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrMiss
	}
	return nil
}

// Expire is a no-op: Redis drops keys when their TTL elapses.
func (r *RedisStore) Expire(context.Context, time.Time) (int, error) {
	return 0, nil
}

func (r *RedisStore) Clear(ctx context.Context) (int, error) {
	n := 0
	iter := r.rdb.Scan(ctx, 0, redisPrefix+"*:meta", 100).Iterator()
	for iter.Next(ctx) {
		fp := strings.TrimSuffix(strings.TrimPrefix(iter.Val(), redisPrefix), ":meta")
		if err := r.rdb.Del(ctx, dataKey(fp), metaKey(fp)).Err(); err != nil {
			return n, err
		}
		n++
	}
	return n, iter.Err()
}

// Ping checks connectivity for the readiness probe.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}
