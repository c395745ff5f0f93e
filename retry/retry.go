// Package retry wraps a single external call with bounded, exponential
// backoff that honours server-suggested delays.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"
)

// Outcome is the terminal state of a call.
type Outcome int

const (
	Succeeded Outcome = iota // the call returned text
	Exhausted                // every attempt was rate limited
	Failed                   // a non-retryable error
	Canceled                 // the context ended while attempting or waiting
)

func (o Outcome) String() string {
	switch o {
	case Succeeded:
		return "succeeded"
	case Exhausted:
		return "exhausted"
	case Failed:
		return "failed"
	case Canceled:
		return "canceled"
	}
	return "unknown"
}

// RateLimiter is implemented by errors that signal the caller should back
// off and try again. RetryAfter returns the server-suggested delay, or zero
// when none was given.
type RateLimiter interface {
	RateLimited() bool
	RetryAfter() time.Duration
}

// IsRateLimited reports whether any error in err's chain is a rate-limit
// signal, and the delay it suggests.
func IsRateLimited(err error) (time.Duration, bool) {
	var rl RateLimiter
	if errors.As(err, &rl) && rl.RateLimited() {
		return rl.RetryAfter(), true
	}
	return 0, false
}

// Policy configures the backoff. The zero value is usable and behaves like
// DefaultPolicy.
type Policy struct {
	MaxAttempts int           // total attempts, including the first (default 5)
	BaseDelay   time.Duration // delay unit, multiplied by 2^attempt (default 1s)
	MaxDelay    time.Duration // caps the exponential part when > 0
	Jitter      float64       // extra random fraction of the exponential part, in [0, 1)

	// Rand returns a value in [0, 1). Defaults to math/rand/v2.
	Rand func() float64
	// Sleep waits for d or until ctx is done. Defaults to a timer select.
	Sleep func(ctx context.Context, d time.Duration) error
	// OnRetry is called before every backoff sleep.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// maxBackoff keeps the float to Duration conversion in range.
const maxBackoff = time.Duration(1 << 62)

// DefaultPolicy allows five attempts with a one second base delay.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 5, BaseDelay: time.Second}
}

func (p Policy) maxAttempts() int {
	if p.MaxAttempts <= 0 {
		return 5
	}
	return p.MaxAttempts
}

// Delay returns the wait before the retry that follows the attempt-th rate
// limited attempt: max(BaseDelay*2^attempt (+jitter, capped), hint). The
// server hint is never capped.
func (p Policy) Delay(attempt int, hint time.Duration) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = time.Second
	}

	exp := float64(base) * math.Pow(2, float64(attempt))
	if p.Jitter > 0 {
		r := p.Rand
		if r == nil {
			r = rand.Float64
		}
		exp += exp * math.Min(p.Jitter, 0.999) * r()
	}
	if p.MaxDelay > 0 && exp > float64(p.MaxDelay) {
		exp = float64(p.MaxDelay)
	}
	if exp > float64(maxBackoff) {
		exp = float64(maxBackoff)
	}

	d := time.Duration(exp)
	if hint > d {
		return hint
	}
	return d
}

// Result describes how a call resolved.
type Result struct {
	Text     string
	Outcome  Outcome
	Attempts int
	Err      error // last error, nil on success
}

// Do runs op until it succeeds, fails with an error that is not a rate
// limit, or has been rate limited MaxAttempts times. Do never panics on
// op errors and never retries non-rate-limit failures.
func (p Policy) Do(ctx context.Context, op func(context.Context) (string, error)) Result {
	sleep := p.Sleep
	if sleep == nil {
		sleep = Sleep
	}
	limit := p.maxAttempts()

	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return Result{Outcome: Canceled, Attempts: attempt, Err: err}
		}

		text, err := op(ctx)
		if err == nil {
			return Result{Text: text, Outcome: Succeeded, Attempts: attempt + 1}
		}
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return Result{Outcome: Canceled, Attempts: attempt + 1, Err: err}
		}

		hint, limited := IsRateLimited(err)
		if !limited {
			return Result{Outcome: Failed, Attempts: attempt + 1, Err: err}
		}

		attempt++
		if attempt >= limit {
			return Result{Outcome: Exhausted, Attempts: attempt, Err: err}
		}

		delay := p.Delay(attempt, hint)
		slog.Warn("retry: rate limited, backing off",
			"attempt", attempt,
			"max_attempts", limit,
			"delay", delay,
			"error", err,
		)
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, err)
		}
		if err := sleep(ctx, delay); err != nil {
			return Result{Outcome: Canceled, Attempts: attempt, Err: err}
		}
	}
}

// Sleep waits for d, returning early with ctx.Err() if ctx is done first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
