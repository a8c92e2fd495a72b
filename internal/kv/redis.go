package kv

import (
	"context"
	"errors"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore adapts *redis.Client to Store, following
// Sergey-Bar-Alfred/services/gateway/redisclient's construction pattern.
type RedisStore struct {
	c *redis.Client
}

// NewRedisStore parses url (a redis:// DSN) and returns a ready Store.
func NewRedisStore(url string) (*RedisStore, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return &RedisStore{c: redis.NewClient(opt)}, nil
}

// Ping verifies connectivity at startup.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.c.Ping(ctx).Err()
}

func (r *RedisStore) Close() error { return r.c.Close() }

func (r *RedisStore) Get(ctx context.Context, key string) (string, error) {
	v, err := r.c.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return v, err
}

func (r *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.c.Set(ctx, key, value, ttl).Err()
}

func (r *RedisStore) Del(ctx context.Context, keys ...string) error {
	return r.c.Del(ctx, keys...).Err()
}

func (r *RedisStore) ZAdd(ctx context.Context, key string, members ...Z) error {
	zs := make([]redis.Z, len(members))
	for i, m := range members {
		zs[i] = redis.Z{Score: m.Score, Member: m.Member}
	}
	return r.c.ZAdd(ctx, key, zs...).Err()
}

func (r *RedisStore) ZRemRangeByScore(ctx context.Context, key string, min, max float64) error {
	return r.c.ZRemRangeByScore(ctx, key, fmtScore(min), fmtScore(max)).Err()
}

func (r *RedisStore) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	return r.c.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: fmtScore(min), Max: fmtScore(max)}).Result()
}

func (r *RedisStore) ZCard(ctx context.Context, key string) (int64, error) {
	return r.c.ZCard(ctx, key).Result()
}

func (r *RedisStore) ZPopMin(ctx context.Context, key string, count int64) ([]Z, error) {
	res, err := r.c.ZPopMin(ctx, key, count).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Z, len(res))
	for i, z := range res {
		member, _ := z.Member.(string)
		out[i] = Z{Score: z.Score, Member: member}
	}
	return out, nil
}

func (r *RedisStore) SAdd(ctx context.Context, key string, members ...string) error {
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return r.c.SAdd(ctx, key, args...).Err()
}

func (r *RedisStore) SRem(ctx context.Context, key string, members ...string) error {
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return r.c.SRem(ctx, key, args...).Err()
}

func (r *RedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	return r.c.SMembers(ctx, key).Result()
}

func (r *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return r.c.Expire(ctx, key, ttl).Err()
}

func fmtScore(f float64) string {
	switch {
	case math.IsInf(f, -1):
		return "-inf"
	case math.IsInf(f, 1):
		return "+inf"
	default:
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
}
