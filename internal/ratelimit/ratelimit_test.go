package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/mathia-chat/mathia/internal/kv"
)

func TestTakeAcceptsUpToLimitThenRejects(t *testing.T) {
	l := New(kv.NewFake())
	ctx := context.Background()
	const limit = 3

	for i := 0; i < limit; i++ {
		res, err := l.Take(ctx, "user:connector", limit, time.Hour)
		if err != nil {
			t.Fatalf("take %d: %v", i, err)
		}
		if !res.Allowed {
			t.Fatalf("take %d: expected allowed", i)
		}
	}

	res, err := l.Take(ctx, "user:connector", limit, time.Hour)
	if err != nil {
		t.Fatalf("take over limit: %v", err)
	}
	if res.Allowed {
		t.Fatal("expected the (limit+1)th take to be rejected")
	}
	if res.RetryAfter <= 0 {
		t.Error("expected a positive retry_after")
	}
}

func TestWindowRollsOver(t *testing.T) {
	store := kv.NewFake()
	now := time.Now()
	store.SetClock(func() time.Time { return now })
	l := New(store)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	if res, _ := l.Take(ctx, "k", 1, time.Minute); !res.Allowed {
		t.Fatal("first take should be allowed")
	}
	if res, _ := l.Take(ctx, "k", 1, time.Minute); res.Allowed {
		t.Fatal("second take within window should be rejected")
	}

	now = now.Add(2 * time.Minute)
	l.now = func() time.Time { return now }

	res, err := l.Take(ctx, "k", 1, time.Minute)
	if err != nil {
		t.Fatalf("take after rollover: %v", err)
	}
	if !res.Allowed {
		t.Fatal("take after window rollover should be allowed again")
	}
}

func TestIsolationByKey(t *testing.T) {
	l := New(kv.NewFake())
	ctx := context.Background()
	keyA := ConnectorKey("alice", "travel")
	keyB := ConnectorKey("bob", "travel")

	for i := 0; i < 5; i++ {
		if res, _ := l.Take(ctx, keyA, 5, time.Hour); !res.Allowed {
			t.Fatalf("alice take %d should be allowed", i)
		}
	}
	res, err := l.Take(ctx, keyB, 5, time.Hour)
	if err != nil {
		t.Fatalf("bob take: %v", err)
	}
	if !res.Allowed {
		t.Fatal("bob's independent window should still allow")
	}
}
