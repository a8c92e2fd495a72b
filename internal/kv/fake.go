package kv

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Fake is an in-memory Store used by unit tests across cache, ratelimit,
// and jobqueue — it lets those packages be tested without a live Redis,
// the same way an in-memory store backend lets scheduler tests avoid
// hitting real storage.
type Fake struct {
	mu     sync.Mutex
	values map[string]fakeValue
	zsets  map[string]map[string]float64
	sets   map[string]map[string]struct{}
	now    func() time.Time
}

type fakeValue struct {
	value   string
	expires time.Time // zero means no expiry
}

// NewFake builds an empty Fake store. now defaults to time.Now.
func NewFake() *Fake {
	return &Fake{
		values: make(map[string]fakeValue),
		zsets:  make(map[string]map[string]float64),
		sets:   make(map[string]map[string]struct{}),
		now:    time.Now,
	}
}

func (f *Fake) Get(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.values[key]
	if !ok {
		return "", ErrNotFound
	}
	if !v.expires.IsZero() && f.now().After(v.expires) {
		delete(f.values, key)
		return "", ErrNotFound
	}
	return v.value, nil
}

func (f *Fake) Set(_ context.Context, key, value string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var expires time.Time
	if ttl > 0 {
		expires = f.now().Add(ttl)
	}
	f.values[key] = fakeValue{value: value, expires: expires}
	return nil
}

func (f *Fake) Del(_ context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.values, k)
		delete(f.zsets, k)
		delete(f.sets, k)
	}
	return nil
}

func (f *Fake) ZAdd(_ context.Context, key string, members ...Z) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	z, ok := f.zsets[key]
	if !ok {
		z = make(map[string]float64)
		f.zsets[key] = z
	}
	for _, m := range members {
		z[m.Member] = m.Score
	}
	return nil
}

func (f *Fake) ZRemRangeByScore(_ context.Context, key string, min, max float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	z := f.zsets[key]
	for member, score := range z {
		if score >= min && score <= max {
			delete(z, member)
		}
	}
	return nil
}

func (f *Fake) ZRangeByScore(_ context.Context, key string, min, max float64) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	type pair struct {
		member string
		score  float64
	}
	var pairs []pair
	for member, score := range f.zsets[key] {
		if score >= min && score <= max {
			pairs = append(pairs, pair{member, score})
		}
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].score < pairs[j].score })
	out := make([]string, len(pairs))
	for i, p := range pairs {
		out[i] = p.member
	}
	return out, nil
}

func (f *Fake) ZCard(_ context.Context, key string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.zsets[key])), nil
}

func (f *Fake) ZPopMin(_ context.Context, key string, count int64) ([]Z, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	z := f.zsets[key]
	type pair struct {
		member string
		score  float64
	}
	var pairs []pair
	for member, score := range z {
		pairs = append(pairs, pair{member, score})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].score < pairs[j].score })
	if int64(len(pairs)) > count {
		pairs = pairs[:count]
	}
	out := make([]Z, len(pairs))
	for i, p := range pairs {
		out[i] = Z{Score: p.score, Member: p.member}
		delete(z, p.member)
	}
	return out, nil
}

func (f *Fake) SAdd(_ context.Context, key string, members ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sets[key]
	if !ok {
		s = make(map[string]struct{})
		f.sets[key] = s
	}
	for _, m := range members {
		s[m] = struct{}{}
	}
	return nil
}

func (f *Fake) SRem(_ context.Context, key string, members ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.sets[key]
	for _, m := range members {
		delete(s, m)
	}
	return nil
}

func (f *Fake) SMembers(_ context.Context, key string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.sets[key]
	out := make([]string, 0, len(s))
	for m := range s {
		out = append(out, m)
	}
	return out, nil
}

func (f *Fake) Expire(_ context.Context, key string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.values[key]
	if !ok {
		return nil
	}
	v.expires = f.now().Add(ttl)
	f.values[key] = v
	return nil
}

// SetClock overrides the fake's notion of "now", for deterministic TTL
// and sliding-window boundary tests.
func (f *Fake) SetClock(now func() time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = now
}
