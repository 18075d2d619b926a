package providers

import (
	"context"
	"errors"
	"math"
	"time"
)

// RetryPolicy controls exponential backoff between attempts of a call.
// Attempts stop at MaxAttempts or once MaxElapsed has passed since the first attempt,
// whichever comes first. The wait after attempt n is Multiplier*2^(n-1) seconds,
// clamped to [MinWait, MaxWait].
type RetryPolicy struct {
	MaxAttempts int
	MaxElapsed  time.Duration
	Multiplier  float64
	MinWait     time.Duration
	MaxWait     time.Duration

	// test hooks
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// DefaultRetryPolicy is the policy used for every remote call: five attempts or ten
// seconds, waiting 4s to 10s between attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		MaxElapsed:  10 * time.Second,
		Multiplier:  1,
		MinWait:     4 * time.Second,
		MaxWait:     10 * time.Second,
	}
}

// Permanent marks errors that must not be retried.
type Permanent interface {
	Permanent() bool
}

// Wait returns the backoff after the given (1-based) attempt.
func (p RetryPolicy) Wait(attempt int) time.Duration {
	secs := p.Multiplier * math.Pow(2, float64(attempt-1))
	d := time.Duration(secs * float64(time.Second))
	if d < p.MinWait {
		d = p.MinWait
	}
	if p.MaxWait > 0 && d > p.MaxWait {
		d = p.MaxWait
	}
	return d
}

// Do calls fn until it succeeds or the policy gives up, and returns fn's last error.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if p.MaxAttempts <= 0 {
		return errInvalidConfig
	}
	now := p.now
	if now == nil {
		now = time.Now
	}
	sleep := p.sleep
	if sleep == nil {
		sleep = sleepContext
	}

	start := now()
	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
		if attempt >= p.MaxAttempts {
			return err
		}
		if p.MaxElapsed > 0 && now().Sub(start) >= p.MaxElapsed {
			return err
		}

		if serr := sleep(ctx, p.Wait(attempt)); serr != nil {
			return err
		}
	}
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var p Permanent
	if errors.As(err, &p) && p.Permanent() {
		return false
	}
	return true
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
