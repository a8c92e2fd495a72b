// Package ratelimit implements a per-key sliding-window counter (default
// 100 operations/hour per user+connector) using a Redis sorted set keyed
// by request timestamp, generalized from Sergey-Bar-Alfred/services/gateway/policy's
// per-request gate shape.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mathia-chat/mathia/internal/kv"
)

// Limiter enforces sliding-window limits for arbitrary keys.
type Limiter struct {
	store kv.Store
	now   func() time.Time
}

func New(store kv.Store) *Limiter {
	return &Limiter{store: store, now: time.Now}
}

// Result reports the outcome of a Take call.
type Result struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Take records one operation against key and reports whether it falls
// within limit over the trailing window. The Nth request within the
// window is allowed, the (N+1)th is not.
func (l *Limiter) Take(ctx context.Context, key string, limit int, window time.Duration) (Result, error) {
	now := l.now()
	windowStart := now.Add(-window)
	redisKey := "ratelimit:" + key

	if err := l.store.ZRemRangeByScore(ctx, redisKey, 0, float64(windowStart.UnixNano())); err != nil {
		return Result{}, fmt.Errorf("ratelimit: trim window: %w", err)
	}

	count, err := l.store.ZCard(ctx, redisKey)
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit: card: %w", err)
	}

	if count >= int64(limit) {
		// Conservative retry-after: the window must fully roll over since
		// we don't track per-member expiry here, only membership.
		return Result{Allowed: false, RetryAfter: window}, nil
	}

	member := uuid.NewString()
	if err := l.store.ZAdd(ctx, redisKey, kv.Z{Score: float64(now.UnixNano()), Member: member}); err != nil {
		return Result{}, fmt.Errorf("ratelimit: add: %w", err)
	}
	if err := l.store.Expire(ctx, redisKey, window); err != nil {
		return Result{}, fmt.Errorf("ratelimit: expire: %w", err)
	}

	return Result{Allowed: true}, nil
}

// ConnectorKey builds the (user, connector) rate-limit key.
func ConnectorKey(userID, connector string) string {
	return "connector:" + userID + ":" + connector
}

// RoomMessageKey builds the (user, room) key for the message-pipeline rate
// limit (30 messages/60s).
func RoomMessageKey(userID, roomID string) string {
	return "room_message:" + userID + ":" + roomID
}
