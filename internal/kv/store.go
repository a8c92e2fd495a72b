// Package kv defines the minimal shared in-memory store contract used by
// the cache, rate limiter, presence set, and job queue. A single
// interface lets every consumer share one Redis connection pool in
// production and one fake in tests, instead of each package inventing
// its own store abstraction.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when key does not exist or has expired.
var ErrNotFound = errors.New("kv: not found")

// Z is a sorted-set member with its score, mirroring redis.Z so the
// Redis-backed implementation is a thin pass-through.
type Z struct {
	Score  float64
	Member string
}

// Store is implemented by RedisStore (production) and the in-memory fake
// used by unit tests throughout cache/ratelimit/jobqueue.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error

	// Sorted-set operations back the sliding-window rate limiter and the
	// delayed-job queue (score = unix-nanos).
	ZAdd(ctx context.Context, key string, members ...Z) error
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) error
	ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error)
	ZCard(ctx context.Context, key string) (int64, error)
	ZPopMin(ctx context.Context, key string, count int64) ([]Z, error)

	// Set operations back room presence.
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)

	Expire(ctx context.Context, key string, ttl time.Duration) error
}
