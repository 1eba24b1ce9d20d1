package telegraph

import (
	"context"
	"time"
)

// Backoff is a doubling delay schedule capped at Max. A zero Max means
// no cap.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait before retry number attempt, counting from zero.
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Base
	for i := 0; i < attempt; i++ {
		if b.Max > 0 && d >= b.Max {
			break
		}
		d *= 2
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d
}

// Throttled reports whether err is a platform rate limit. A positive wait
// is the platform's own retry hint and takes precedence over the backoff.
type Throttled func(err error) (wait time.Duration, limited bool)

// RetryPolicy retries platform calls that fail with a rate limit.
type RetryPolicy struct {
	Retries   int // retries after the first call
	Backoff   Backoff
	Throttled Throttled
	// OnRetry, if set, is called before each wait.
	OnRetry func(attempt int, wait time.Duration, err error)
}

// Do calls fn until it succeeds, returns an error Throttled does not claim,
// or the retries run out. fn receives the attempt number so a caller can
// rewind a request body before resending it.
func (p RetryPolicy) Do(ctx context.Context, fn func(attempt int) error) error {
	for attempt := 0; ; attempt++ {
		err := fn(attempt)
		if err == nil {
			return nil
		}
		if p.Throttled == nil || attempt >= p.Retries {
			return err
		}
		wait, limited := p.Throttled(err)
		if !limited {
			return err
		}
		if wait <= 0 {
			wait = p.Backoff.Delay(attempt)
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt+1, wait, err)
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}
