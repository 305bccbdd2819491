package graph

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// ErrInvalidRetryPolicy is returned by RetryPolicy.Validate.
var ErrInvalidRetryPolicy = errors.New("invalid retry policy")

// NodePolicy configures how the engine executes one node.
type NodePolicy struct {
	// Timeout bounds a single execution attempt. Zero falls back to
	// Options.DefaultNodeTimeout.
	Timeout time.Duration

	// RetryPolicy retries the whole node on retryable failures. Nil means
	// the node is attempted once. Only nodes whose side effects are safe to
	// repeat should carry one.
	RetryPolicy *RetryPolicy
}

// RetryPolicy configures exponential backoff with jitter.
//
// The delay before retry n (0-based) is
//
//	min(BaseDelay * 2^n, MaxDelay) + jitter(0, BaseDelay)
//
// and is raised to the error's RetryAfter when a *RateLimitError asks for
// longer, up to MaxDelay.
type RetryPolicy struct {
	// MaxAttempts counts the initial attempt. 1 means no retries.
	MaxAttempts int

	// BaseDelay is the first backoff interval.
	BaseDelay time.Duration

	// MaxDelay caps the exponential component. Zero means no cap.
	MaxDelay time.Duration

	// Retryable decides whether an error is worth another attempt.
	// Nil uses IsRetryable.
	Retryable func(error) bool
}

// Validate checks MaxAttempts >= 1 and MaxDelay >= BaseDelay when both are set.
func (rp *RetryPolicy) Validate() error {
	if rp.MaxAttempts < 1 {
		return ErrInvalidRetryPolicy
	}
	if rp.MaxDelay > 0 && rp.BaseDelay > 0 && rp.MaxDelay < rp.BaseDelay {
		return ErrInvalidRetryPolicy
	}
	return nil
}

func (rp *RetryPolicy) retryable(err error) bool {
	if rp.Retryable != nil {
		return rp.Retryable(err)
	}
	return IsRetryable(err)
}

// computeBackoff returns the wait before retry attempt (0-based).
func computeBackoff(attempt int, base, maxDelay time.Duration, rng *rand.Rand) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt > 30 {
		attempt = 30
	}
	delay := base << attempt
	if delay <= 0 || (maxDelay > 0 && delay > maxDelay) {
		delay = maxDelay
	}
	if delay <= 0 {
		delay = base
	}

	var jitter time.Duration
	if rng != nil {
		jitter = time.Duration(rng.Int63n(int64(base)))
	} else {
		jitter = time.Duration(rand.Int63n(int64(base))) // #nosec G404 -- jitter for retry timing, not security
	}
	return delay + jitter
}

// delayFor combines the computed backoff with a provider's Retry-After.
// Retry-After is held to MaxDelay when one is set.
func delayFor(rp *RetryPolicy, attempt int, err error) time.Duration {
	d := computeBackoff(attempt, rp.BaseDelay, rp.MaxDelay, nil)
	var rl *RateLimitError
	if !errors.As(err, &rl) {
		return d
	}
	after := rl.RetryAfter
	if rp.MaxDelay > 0 && after > rp.MaxDelay {
		after = rp.MaxDelay
	}
	return max(d, after)
}

// RetryNotify is called before each retry with the attempt number that
// failed (1-based), its error and the wait about to happen.
type RetryNotify func(attempt int, err error, wait time.Duration)

// Retry calls fn until it succeeds, returns a non-retryable error, or the
// policy's attempts are exhausted. The last error is returned unchanged so
// callers can still inspect its type. A nil policy calls fn once.
//
// Retry is meant for idempotent collaborator calls inside a node, such as
// search requests. Inside a node, each retry is also reported as a
// node_retry event and counted in the retries metric. Context cancellation
// during a wait returns ctx.Err().
func Retry(ctx context.Context, rp *RetryPolicy, notify RetryNotify, fn func(ctx context.Context) error) error {
	if rp == nil {
		return fn(ctx)
	}
	if err := rp.Validate(); err != nil {
		return err
	}

	var err error
	for attempt := 0; attempt < rp.MaxAttempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt == rp.MaxAttempts-1 || !rp.retryable(err) {
			return err
		}

		wait := delayFor(rp, attempt, err)
		reportRetry(ctx, attempt+1, err, wait)
		if notify != nil {
			notify(attempt+1, err, wait)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}
