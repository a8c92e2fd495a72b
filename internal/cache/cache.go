// Package cache implements a TTL result cache keyed with the discipline
// that prevents cross-user leakage: action, canonical JSON params, and a
// user-scope salt.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/mathia-chat/mathia/internal/kv"
)

// ErrMiss is returned by Get on a cache miss.
var ErrMiss = errors.New("cache: miss")

// Cache is the short-lived result cache shared by the connector framework
// and the intent parser's determinism cache.
type Cache struct {
	store kv.Store
}

func New(store kv.Store) *Cache {
	return &Cache{store: store}
}

// Key builds the cache key: action | canonical_json(params) |
// user_scope_salt. scope is "" for public data (weather,
// exchange rates) and the user id for user-scoped data (wallet balance,
// itinerary list) — callers decide scope, Key never guesses it.
func Key(action string, params map[string]any, scope string) string {
	canonical := canonicalJSON(params)
	sum := sha256.Sum256([]byte(action + "|" + canonical + "|" + scope))
	return hex.EncodeToString(sum[:])
}

// canonicalJSON marshals params with keys sorted, so semantically equal
// param maps always hash to the same key regardless of map iteration order.
func canonicalJSON(params map[string]any) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ordered := make([]any, 0, len(keys)*2)
	for _, k := range keys {
		ordered = append(ordered, k, params[k])
	}
	b, _ := json.Marshal(ordered)
	return string(b)
}

// Get returns the cached value for key, or ErrMiss.
func (c *Cache) Get(ctx context.Context, key string, out any) error {
	raw, err := c.store.Get(ctx, "cache:"+key)
	if errors.Is(err, kv.ErrNotFound) {
		return ErrMiss
	}
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(raw), out)
}

// Set stores value under key for ttl.
func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.store.Set(ctx, "cache:"+key, string(b), ttl)
}

// Invalidate removes key, used when a connector's cached value is known to
// be stale (e.g. after a wallet-mutating side effect elsewhere).
func (c *Cache) Invalidate(ctx context.Context, key string) error {
	return c.store.Del(ctx, "cache:"+key)
}
