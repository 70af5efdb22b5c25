/*
retry.go - Bounded exponential backoff for I/O boundaries

PURPOSE:
  The only blocking operations in a run are the I/O boundaries to the
  source and sink stores. Those are retried with bounded exponential
  backoff - safe because each run truncates-and-rebuilds its staging
  rather than patching incrementally. Only errors classified transient
  (commission.IsTransient) are retried; everything else surfaces
  immediately. Exhausting retries escalates to a fatal, resumable run
  failure.

SEE ALSO:
  - commission/errors.go: TransientError and IsTransient
  - pipeline.go:          wraps every store call in Backoff.Do
*/
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/config"
)

// Backoff bounds a retry loop.
type Backoff struct {
	Attempts int
	Initial  time.Duration
	Max      time.Duration
}

// BackoffFromConfig converts the configured retry policy.
func BackoffFromConfig(r config.Retry) Backoff {
	return Backoff{
		Attempts: r.Attempts,
		Initial:  time.Duration(r.InitialBackoffMS) * time.Millisecond,
		Max:      time.Duration(r.MaxBackoffMS) * time.Millisecond,
	}
}

// Do runs fn, retrying transient failures with doubling delays up to the
// attempt bound. Non-transient errors return immediately.
func (b Backoff) Do(ctx context.Context, op string, fn func() error) error {
	delay := b.Initial
	var err error
	for attempt := 1; attempt <= b.Attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if !commission.IsTransient(err) {
			return err
		}
		if attempt == b.Attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if b.Max > 0 && delay > b.Max {
			delay = b.Max
		}
	}
	return fmt.Errorf("%s: retries exhausted after %d attempts: %w", op, b.Attempts, err)
}
