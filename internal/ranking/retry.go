package ranking

import (
	"context"
	"time"
)

// FallbackReasoning is the justification attached to synthesized records
// when the remote endpoint could not be reached after all retries.
const FallbackReasoning = "Fallback analysis due to API error"

// FallbackScore is the neutral impact score for synthesized records.
const FallbackScore = 50

// RetryPolicy bounds one batch's round trips against the remote endpoint.
// All knobs are injectable so callers cannot diverge in behavior and
// tests can collapse the delays.
type RetryPolicy struct {
	// MaxAttempts is the total attempt budget per batch, including the
	// first try.
	MaxAttempts int
	// Backoff returns the pause before retrying after failed attempt n
	// (0-based).
	Backoff func(attempt int) time.Duration
	// Fallback synthesizes one record per task when every attempt failed.
	Fallback func(b Batch) []ScoredTask
	// Sleep waits out a backoff or inter-batch delay; it returns early
	// with ctx.Err() on cancellation.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy matches production behavior: 5 attempts, exponential
// backoff doubling from 1s, neutral score-50 fallback records.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		Backoff: func(attempt int) time.Duration {
			return time.Duration(1<<uint(attempt)) * time.Second
		},
		Fallback: FallbackRecords,
		Sleep:    sleepCtx,
	}
}

// FallbackRecords builds one neutral record per task in the batch,
// guaranteeing every input task yields exactly one output record even
// under total remote failure.
func FallbackRecords(b Batch) []ScoredTask {
	out := make([]ScoredTask, len(b.Tasks))
	for i, t := range b.Tasks {
		out[i] = ScoredTask{Task: t, ImpactScore: FallbackScore, Reasoning: FallbackReasoning}
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
