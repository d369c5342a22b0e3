package runner

import (
	"context"

	"github.com/driftsync/driftsync/internal/storage"
)

// Outcome is the result an executor reports back to the runner. Executors
// never touch job state themselves; the runner owns every transition.
type Outcome struct {
	kind      outcomeKind
	err       error
	permanent bool

	// NextRunAtMs applies to recurring jobs on success: the next wake time in
	// unix milliseconds, or 0 to disarm the job without deleting it.
	NextRunAtMs int64
}

type outcomeKind int

const (
	outcomeSuccess outcomeKind = iota
	outcomeFailure
	outcomeDeferred
)

// Success completes the job. Run-once jobs are removed, recurring jobs are
// rescheduled at nextRunAtMs (0 disarms them).
func Success(nextRunAtMs int64) Outcome {
	return Outcome{kind: outcomeSuccess, NextRunAtMs: nextRunAtMs}
}

// Fail reports a retryable failure. The runner increments the failure count
// and either backs off or marks the job dead when attempts are exhausted.
func Fail(err error) Outcome {
	return Outcome{kind: outcomeFailure, err: err}
}

// FailPermanent reports a failure that retrying cannot fix. The job is marked
// dead immediately regardless of remaining attempts.
func FailPermanent(err error) Outcome {
	return Outcome{kind: outcomeFailure, err: err, permanent: true}
}

// Defer puts the job back in the queue at nextRunAtMs without counting a
// failure. Used when a precondition is not met yet.
func Defer(nextRunAtMs int64) Outcome {
	return Outcome{kind: outcomeDeferred, NextRunAtMs: nextRunAtMs}
}

// Err returns the failure error, or nil for success and deferral.
func (o Outcome) Err() error { return o.err }

// An Executor runs the work for one job variant.
type Executor interface {
	Run(ctx context.Context, job *storage.Job) Outcome
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, job *storage.Job) Outcome

func (f ExecutorFunc) Run(ctx context.Context, job *storage.Job) Outcome {
	return f(ctx, job)
}
