package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type stubProvider struct {
	name    string
	attempt int
	fail    int // number of calls to fail before succeeding; -1 always fails
	calls   int
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) Complete(ctx context.Context, params CompleteParams) (<-chan Chunk, error) {
	s.calls++
	if s.fail < 0 || s.calls <= s.fail {
		return nil, errors.New("transport error")
	}
	ch := make(chan Chunk, 1)
	ch <- Chunk{Type: ChunkFinal, Final: []byte(s.name)}
	close(ch)
	return ch, nil
}

func (s *stubProvider) CountTokens(ctx context.Context, messages []Message, model string) (int, error) {
	return 0, nil
}

func TestCompleteRetriesPrimaryBeforeGivingUp(t *testing.T) {
	primary := &stubProvider{name: "primary", fail: 2}
	c := NewClient(primary, nil, zerolog.Nop())
	c.sleep = func(time.Duration) {}

	stream, err := c.Complete(context.Background(), CompleteParams{})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	chunk := <-stream
	if string(chunk.Final) != "primary" {
		t.Errorf("expected primary to serve after retry, got %q", chunk.Final)
	}
	if primary.calls != 3 {
		t.Errorf("expected 3 attempts, got %d", primary.calls)
	}
}

func TestCompleteFallsBackToSecondaryOnExhaustion(t *testing.T) {
	primary := &stubProvider{name: "primary", fail: -1}
	secondary := &stubProvider{name: "secondary", fail: 0}
	c := NewClient(primary, secondary, zerolog.Nop())
	c.sleep = func(time.Duration) {}

	stream, err := c.Complete(context.Background(), CompleteParams{})
	if err != nil {
		t.Fatalf("expected fallback success, got %v", err)
	}
	chunk := <-stream
	if string(chunk.Final) != "secondary" {
		t.Errorf("expected secondary to serve, got %q", chunk.Final)
	}
	if primary.calls != maxTransportRetries+1 {
		t.Errorf("expected primary exhausted at %d attempts, got %d", maxTransportRetries+1, primary.calls)
	}
}

func TestCompleteReturnsErrorWhenNoSecondaryConfigured(t *testing.T) {
	primary := &stubProvider{name: "primary", fail: -1}
	c := NewClient(primary, nil, zerolog.Nop())
	c.sleep = func(time.Duration) {}

	if _, err := c.Complete(context.Background(), CompleteParams{}); err == nil {
		t.Fatal("expected error when primary fails and no secondary configured")
	}
}
