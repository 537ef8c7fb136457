package stage

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimited wraps an executor so calls wait on a shared token bucket.
// Executors that front the same provider should share one limiter.
type RateLimited struct {
	next    Executor
	limiter *rate.Limiter
}

// NewRateLimited wraps next. A nil limiter disables limiting.
func NewRateLimited(next Executor, limiter *rate.Limiter) *RateLimited {
	return &RateLimited{next: next, limiter: limiter}
}

// Identity returns the wrapped executor's identity.
func (r *RateLimited) Identity() string {
	return r.next.Identity()
}

// Execute waits for a token then delegates. A wait cut short by the
// per-call deadline is transient.
func (r *RateLimited) Execute(ctx context.Context, in Input) (*Result, error) {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			if ctx.Err() == context.Canceled {
				return nil, ctx.Err()
			}
			return nil, &TransientError{Reason: "rate limiter wait", Err: err}
		}
	}
	return r.next.Execute(ctx, in)
}
