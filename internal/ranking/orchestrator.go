package ranking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"
)

// Event is one framed message on the caller's stream.
type Event struct {
	Type    string          `json:"type"` // "chunk", "end" or "error"
	Content json.RawMessage `json:"content,omitempty"`
	Message string          `json:"message,omitempty"`
}

// Admission gates and meters a run. Admit is consulted before any remote
// work; a non-nil error rejects the run with no events emitted. Record is
// called once after the final batch completes.
type Admission interface {
	Admit(ctx context.Context, taskCount int) error
	Record(ctx context.Context, stats RunStats) error
}

// RunStats summarizes one finished run.
type RunStats struct {
	Batches   int
	Attempts  int
	Records   int
	Fallbacks int
}

// Orchestrator drives a full ranking run: batches sequentially through
// gate → remote stream → chunk buffer → decoder, with per-batch retry and
// fallback, forwarding each record to the caller as soon as it decodes.
type Orchestrator struct {
	Client          Streamer
	Gate            Gate
	Policy          RetryPolicy
	BatchSize       int
	InterBatchDelay time.Duration
	Logger          *log.Logger
}

// NewOrchestrator wires an orchestrator with production defaults.
func NewOrchestrator(client Streamer, gate Gate) *Orchestrator {
	return &Orchestrator{
		Client:          client,
		Gate:            gate,
		Policy:          DefaultRetryPolicy(),
		BatchSize:       DefaultBatchSize,
		InterBatchDelay: 500 * time.Millisecond,
		Logger:          log.New(log.Writer(), "[RANK] ", log.LstdFlags),
	}
}

// emitFailure marks a dead transport (caller gone). It is never retried.
type emitFailure struct{ err error }

func (e emitFailure) Error() string { return fmt.Sprintf("emit event: %v", e.err) }
func (e emitFailure) Unwrap() error { return e.err }

// Run executes one ranking run and emits framed events via emit. The
// returned error is nil when the run completed (possibly degraded to
// fallback scores); admission rejections are returned verbatim with no
// events emitted.
func (o *Orchestrator) Run(ctx context.Context, tasks []string, priorities string, adm Admission, emit func(Event) error) (RunStats, error) {
	var stats RunStats

	batches, err := MakeBatches(tasks, o.BatchSize)
	if err != nil {
		runsTotal.WithLabelValues("rejected").Inc()
		return stats, err
	}

	if adm != nil {
		if err := adm.Admit(ctx, len(tasks)); err != nil {
			runsTotal.WithLabelValues("rejected").Inc()
			return stats, err
		}
	}

	for i, b := range batches {
		if err := ctx.Err(); err != nil {
			// Caller is gone; stop issuing batches.
			runsTotal.WithLabelValues("cancelled").Inc()
			return stats, err
		}
		records, fallbacks, attempts, err := o.runBatch(ctx, b, priorities, emit)
		stats.Batches++
		stats.Attempts += attempts
		stats.Records += records
		stats.Fallbacks += fallbacks
		if err != nil {
			runsTotal.WithLabelValues("failed").Inc()
			var ef emitFailure
			if errors.As(err, &ef) {
				// Transport is dead, nothing left to tell the caller.
				return stats, err
			}
			o.emitError(emit, err)
			return stats, err
		}
		if i < len(batches)-1 {
			if err := o.Policy.Sleep(ctx, o.InterBatchDelay); err != nil {
				runsTotal.WithLabelValues("cancelled").Inc()
				return stats, err
			}
		}
	}

	if err := emit(Event{Type: "end"}); err != nil {
		runsTotal.WithLabelValues("failed").Inc()
		return stats, emitFailure{err}
	}

	if adm != nil {
		if err := adm.Record(ctx, stats); err != nil {
			// Results already streamed are not rolled back; surface the
			// bookkeeping failure after the end marker.
			o.Logger.Printf("usage recording failed: %v", err)
			o.emitError(emit, err)
			runsTotal.WithLabelValues("failed").Inc()
			return stats, err
		}
	}

	runsTotal.WithLabelValues("completed").Inc()
	return stats, nil
}

// runBatch wraps one batch's full round trip with bounded retries and a
// fallback generator. Every task in the batch yields exactly one record:
// decoded on some attempt, or synthesized after exhaustion. Records are
// forwarded the moment they decode. Emissions are counted per task text
// against the number of copies the batch holds, so duplicate inputs each
// get their own record and retried attempts never re-emit a covered copy.
func (o *Orchestrator) runBatch(ctx context.Context, b Batch, priorities string, emit func(Event) error) (records, fallbacks, attempts int, err error) {
	prompt := BuildPrompt(b, priorities)
	budget := TokenBudget(len(b.Tasks))
	seen := make(map[string]int, len(b.Tasks))
	need := make(map[string]int, len(b.Tasks))
	for _, t := range b.Tasks {
		need[t]++
	}

	maxAttempts := o.Policy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		attempts++
		n, aerr := o.attempt(ctx, prompt, budget, seen, need, emit)
		records += n
		if aerr == nil {
			remoteAttemptsTotal.WithLabelValues("success").Inc()
			o.fillMissing(b, seen, emit, &records, &fallbacks)
			return records, fallbacks, attempts, nil
		}

		var ef emitFailure
		if errors.As(aerr, &ef) {
			return records, fallbacks, attempts, aerr
		}
		if ctx.Err() != nil {
			// The run itself was cancelled; a per-call timeout alone
			// stays retryable.
			return records, fallbacks, attempts, ctx.Err()
		}

		switch {
		case errors.Is(aerr, ErrGateTimeout):
			remoteAttemptsTotal.WithLabelValues("gate_timeout").Inc()
		case errors.Is(aerr, ErrNoRecords):
			remoteAttemptsTotal.WithLabelValues("no_records").Inc()
		default:
			remoteAttemptsTotal.WithLabelValues("remote_error").Inc()
		}
		o.Logger.Printf("batch at offset %d attempt %d/%d failed: %v", b.Offset, attempt+1, maxAttempts, aerr)

		if attempt < maxAttempts-1 {
			if serr := o.Policy.Sleep(ctx, o.Policy.Backoff(attempt)); serr != nil {
				return records, fallbacks, attempts, serr
			}
		}
	}

	// Retry budget exhausted: degrade to neutral scores rather than fail
	// the run.
	o.fillMissing(b, seen, emit, &records, &fallbacks)
	return records, fallbacks, attempts, nil
}

// attempt performs one gate-bounded remote call, decoding records out of
// the chunk stream and forwarding each one immediately. Returns the
// number of records emitted by this attempt.
func (o *Orchestrator) attempt(ctx context.Context, prompt string, budget int, seen, need map[string]int, emit func(Event) error) (int, error) {
	start := time.Now()
	release, err := o.Gate.Acquire(ctx)
	if err != nil {
		return 0, err
	}
	gateWaitSeconds.Observe(time.Since(start).Seconds())
	defer release()

	var buf ChunkBuffer
	emitted := 0
	err = o.Client.Stream(ctx, prompt, budget, func(chunk string) error {
		for _, rec := range buf.Feed(chunk) {
			if seen[rec.Task] >= need[rec.Task] {
				continue
			}
			if err := o.emitRecord(emit, rec); err != nil {
				return emitFailure{err}
			}
			seen[rec.Task]++
			emitted++
		}
		return nil
	})
	// An unterminated trailing fragment is presumed incomplete.
	buf.Reset()
	if err != nil {
		return emitted, err
	}
	if emitted == 0 {
		return 0, ErrNoRecords
	}
	return emitted, nil
}

// fillMissing synthesizes a fallback record for every batch task copy
// that no attempt produced, preserving the one-record-per-task contract.
// Duplicate task texts are covered copy by copy: the nth fallback for a
// text is skipped only when attempts already emitted n records for it.
func (o *Orchestrator) fillMissing(b Batch, seen map[string]int, emit func(Event) error, records, fallbacks *int) {
	occurrence := make(map[string]int, len(b.Tasks))
	for _, rec := range o.Policy.Fallback(b) {
		occurrence[rec.Task]++
		if seen[rec.Task] >= occurrence[rec.Task] {
			continue
		}
		if err := o.emitRecord(emit, rec); err != nil {
			return
		}
		seen[rec.Task]++
		*records++
		*fallbacks++
		fallbackRecordsTotal.Inc()
	}
}

func (o *Orchestrator) emitRecord(emit func(Event) error, rec ScoredTask) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := emit(Event{Type: "chunk", Content: payload}); err != nil {
		return err
	}
	recordsTotal.Inc()
	return nil
}

func (o *Orchestrator) emitError(emit func(Event) error, err error) {
	_ = emit(Event{Type: "error", Message: err.Error()})
}
