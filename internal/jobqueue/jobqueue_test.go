package jobqueue

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mathia-chat/mathia/internal/kv"
	"github.com/rs/zerolog"
)

func TestEnqueueDueJobIsDelivered(t *testing.T) {
	q := New(kv.NewFake(), zerolog.Nop())
	var delivered int32
	q.RegisterConsumer("greet", func(ctx context.Context, payload json.RawMessage, attempt int) Outcome {
		atomic.AddInt32(&delivered, 1)
		return Ok()
	})

	ctx, cancel := context.WithCancel(context.Background())
	if _, err := q.Enqueue(ctx, "greet", map[string]string{"name": "ada"}, EnqueueOpts{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	go q.Run(ctx, 5*time.Millisecond)
	waitFor(t, func() bool { return atomic.LoadInt32(&delivered) == 1 })
	cancel()
}

func TestRetryExhaustionDeadLetters(t *testing.T) {
	q := New(kv.NewFake(), zerolog.Nop())
	var attempts int32
	q.RegisterConsumer("flaky", func(ctx context.Context, payload json.RawMessage, attempt int) Outcome {
		atomic.AddInt32(&attempts, 1)
		return Retry(time.Millisecond)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if _, err := q.Enqueue(ctx, "flaky", nil, EnqueueOpts{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	go q.Run(ctx, 5*time.Millisecond)
	waitFor(t, func() bool { return atomic.LoadInt32(&attempts) >= maxAttemptsDefault })

	time.Sleep(20 * time.Millisecond)
	if got := atomic.LoadInt32(&attempts); got != maxAttemptsDefault {
		t.Errorf("expected exactly %d attempts before dead-lettering, got %d", maxAttemptsDefault, got)
	}
}

func TestDedupKeySuppressesSecondEnqueue(t *testing.T) {
	q := New(kv.NewFake(), zerolog.Nop())
	ctx := context.Background()
	id1, err := q.Enqueue(ctx, "job", nil, EnqueueOpts{DedupKey: "reminder-1-attempt-1"})
	if err != nil || id1 == "" {
		t.Fatalf("first enqueue: id=%q err=%v", id1, err)
	}
	id2, err := q.Enqueue(ctx, "job", nil, EnqueueOpts{DedupKey: "reminder-1-attempt-1"})
	if err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if id2 != "" {
		t.Error("expected duplicate dedup_key enqueue to be suppressed")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
