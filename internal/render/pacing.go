package render

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"pinedocs/internal/logging"
)

// Pacer throttles page fetches against the documentation host and retries
// transient failures with exponential backoff. One Pacer is shared across a
// run so the request rate holds regardless of how many pages it covers.
type Pacer struct {
	limiter *rate.Limiter
	retries int
	backoff time.Duration
}

// NewPacer builds a pacer allowing requestsPerSecond sustained with no
// burst beyond a single request.
func NewPacer(requestsPerSecond float64, retries int, backoff time.Duration) *Pacer {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 0.5
	}
	if retries < 0 {
		retries = 0
	}
	if backoff <= 0 {
		backoff = 2 * time.Second
	}
	return &Pacer{
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), 1),
		retries: retries,
		backoff: backoff,
	}
}

// Wait blocks until the next request is allowed or ctx is cancelled.
func (p *Pacer) Wait(ctx context.Context) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("pacing wait cancelled: %w", err)
	}
	return nil
}

// Do runs fn under pacing, retrying with doubling backoff. Each attempt
// waits on the limiter first so retries stay polite too.
func (p *Pacer) Do(ctx context.Context, label string, fn func() error) error {
	var lastErr error
	delay := p.backoff

	for attempt := 0; attempt <= p.retries; attempt++ {
		if err := p.Wait(ctx); err != nil {
			return err
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		if attempt < p.retries {
			logging.RenderWarn("attempt %d/%d failed for %s: %v (retrying in %s)",
				attempt+1, p.retries+1, label, lastErr, delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return fmt.Errorf("retry wait cancelled: %w", ctx.Err())
			}
			delay *= 2
		}
	}

	return fmt.Errorf("all %d attempts failed for %s: %w", p.retries+1, label, lastErr)
}
