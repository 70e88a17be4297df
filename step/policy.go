package step

import (
	"context"
	"time"

	"github.com/synaptic-labs/synapse/state"
)

// Error-handling outcomes after retries are exhausted.
const (
	OnErrorThrow    = "throw"
	OnErrorFallback = "fallback"
	OnErrorSkip     = "skip"
)

// Policy is the per-step error handling configuration shared by all
// executors. Zero value means: no retries, propagate the error.
type Policy struct {
	// Retry is the number of retries after the initial attempt.
	Retry int `json:"retry,omitempty"`
	// RetryDelay is the base delay in milliseconds; attempt n waits
	// (n+1)*RetryDelay before retrying.
	RetryDelay int `json:"retryDelay,omitempty"`
	// FallbackValue is written to the step's output when OnError is
	// "fallback".
	FallbackValue any `json:"fallbackValue,omitempty"`
	// OnError selects the exhaustion behavior: throw (default),
	// fallback, or skip.
	OnError string `json:"onError,omitempty"`
}

// run invokes fn with the policy's retry schedule. On exhaustion the
// policy decides: throw propagates the last error, fallback writes
// FallbackValue to outputField, skip returns an empty delta.
func (p *Policy) run(ctx context.Context, st *state.State, outputField string, fn func(attempt int) (state.Delta, error)) (state.Delta, error) {
	policy := Policy{}
	if p != nil {
		policy = *p
	}

	var lastErr error
	for attempt := 0; attempt <= policy.Retry; attempt++ {
		if attempt > 0 {
			delay := time.Duration(attempt) * time.Duration(policy.RetryDelay) * time.Millisecond
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			st.Logger().Debug("retrying step", "attempt", attempt, "output", outputField)
		}
		delta, err := fn(attempt)
		if err == nil {
			return delta, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	switch policy.OnError {
	case OnErrorFallback:
		st.Logger().Warn("step failed, using fallback value", "output", outputField, "error", lastErr)
		if outputField == "" {
			return state.Delta{}, nil
		}
		return state.DeltaAt(outputField, policy.FallbackValue), nil
	case OnErrorSkip:
		st.Logger().Warn("step failed, skipping", "output", outputField, "error", lastErr)
		return state.Delta{}, nil
	default:
		return nil, lastErr
	}
}
