package llm

import (
	"context"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
)

const maxTransportRetries = 3

// Client wraps a primary Provider with retry-with-backoff and a single
// secondary-provider fallback. The consumer always sees one logical stream
// regardless of which provider ultimately served it.
type Client struct {
	primary   Provider
	secondary Provider // nil disables fallback
	log       zerolog.Logger
	sleep     func(time.Duration) // overridable in tests
}

func NewClient(primary, secondary Provider, log zerolog.Logger) *Client {
	return &Client{
		primary:   primary,
		secondary: secondary,
		log:       log.With().Str("component", "llm_client").Logger(),
		sleep:     time.Sleep,
	}
}

// Complete opens a stream against the primary provider, retrying transport
// failures up to maxTransportRetries times with 200ms*2^n backoff (jitter
// ±50ms). If every retry fails and a secondary provider is configured, it
// is tried exactly once. Cancellation via ctx propagates to whichever
// provider is in flight.
func (c *Client) Complete(ctx context.Context, params CompleteParams) (<-chan Chunk, error) {
	stream, err := c.openWithRetry(ctx, c.primary, params)
	if err == nil {
		return stream, nil
	}

	c.log.Warn().Err(err).Str("provider", c.primary.Name()).Msg("llm: primary exhausted retries")
	if c.secondary == nil {
		return nil, err
	}

	stream, fbErr := c.secondary.Complete(ctx, params)
	if fbErr != nil {
		c.log.Error().Err(fbErr).Str("provider", c.secondary.Name()).Msg("llm: secondary fallback failed")
		return nil, fbErr
	}
	c.log.Info().Str("provider", c.secondary.Name()).Msg("llm: served by secondary provider after primary failure")
	return stream, nil
}

func (c *Client) openWithRetry(ctx context.Context, p Provider, params CompleteParams) (<-chan Chunk, error) {
	var lastErr error
	for attempt := 0; attempt <= maxTransportRetries; attempt++ {
		if attempt > 0 {
			backoff := 200 * time.Millisecond * (1 << uint(attempt-1))
			jitter := time.Duration(rand.Int63n(int64(100*time.Millisecond))) - 50*time.Millisecond
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}
			c.sleep(backoff + jitter)
		}
		stream, err := p.Complete(ctx, params)
		if err == nil {
			return stream, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}
