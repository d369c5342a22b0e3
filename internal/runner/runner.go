// Package runner drains the durable job queue and hands due jobs to the
// registered executors.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/driftsync/driftsync/internal/metrics"
	"github.com/driftsync/driftsync/internal/storage"
)

// Options tunes the runner. Zero values fall back to defaults.
type Options struct {
	Workers      int           // concurrent executions per tick
	PollInterval time.Duration // delay between scheduling passes
	BatchSize    int           // max jobs claimed per tick
	BaseBackoff  time.Duration // first retry delay
	MaxBackoff   time.Duration // retry delay cap
	DeferDelay   time.Duration // requeue delay when a job yields its slot
}

func (o *Options) withDefaults() {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 500 * time.Millisecond
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 32
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 2 * time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 10 * time.Minute
	}
	if o.DeferDelay <= 0 {
		o.DeferDelay = time.Second
	}
}

// Runner polls the store for due jobs and runs them on a bounded worker pool.
// Variants flagged unique-per-thread are also exclusive at dispatch time: a
// second job for the same variant and thread is pushed back instead of run.
type Runner struct {
	store     *storage.Store
	log       *slog.Logger
	opts      Options
	now       func() time.Time
	executors map[string]Executor

	mu      sync.Mutex
	running map[string]struct{}
}

// New creates a Runner. Executors are registered afterwards with Register.
func New(store *storage.Store, log *slog.Logger, opts Options) *Runner {
	opts.withDefaults()
	return &Runner{
		store:     store,
		log:       log,
		opts:      opts,
		now:       time.Now,
		executors: make(map[string]Executor),
		running:   make(map[string]struct{}),
	}
}

// Register binds an executor to a job variant. Last registration wins.
func (r *Runner) Register(variant string, exec Executor) {
	r.executors[variant] = exec
}

// SetNow overrides the clock, for tests.
func (r *Runner) SetNow(now func() time.Time) { r.now = now }

// Start recovers interrupted jobs and then ticks until ctx is cancelled.
func (r *Runner) Start(ctx context.Context) error {
	n, err := r.store.RequeueInFlight(ctx)
	if err != nil {
		return fmt.Errorf("requeue in-flight jobs: %w", err)
	}
	if n > 0 {
		r.log.Info("requeued interrupted jobs", "count", n)
	}

	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.Tick(ctx); err != nil {
				r.log.Error("scheduling pass failed", "error", err)
			}
		}
	}
}

// Tick claims every due job and runs them, blocking until the batch is done.
// It returns the number of jobs dispatched.
func (r *Runner) Tick(ctx context.Context) (int, error) {
	nowMs := r.now().UnixMilli()
	jobs, err := r.store.DueJobs(ctx, nowMs, r.opts.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list due jobs: %w", err)
	}
	if len(jobs) == 0 {
		return 0, nil
	}

	sem := make(chan struct{}, r.opts.Workers)
	var wg sync.WaitGroup
	for _, j := range jobs {
		select {
		case <-ctx.Done():
			wg.Wait()
			return 0, ctx.Err()
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func(j *storage.Job) {
			defer wg.Done()
			defer func() { <-sem }()
			r.runJob(ctx, j)
		}(j)
	}
	wg.Wait()
	return len(jobs), nil
}

// slotKey identifies the exclusive dispatch slot for unique-per-thread
// variants.
func slotKey(j *storage.Job) string {
	return j.Variant + "|" + j.ThreadID
}

func (r *Runner) acquireSlot(j *storage.Job) bool {
	if !storage.UniquePerThread(j.Variant) {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	key := slotKey(j)
	if _, busy := r.running[key]; busy {
		return false
	}
	r.running[key] = struct{}{}
	return true
}

func (r *Runner) releaseSlot(j *storage.Job) {
	if !storage.UniquePerThread(j.Variant) {
		return
	}
	r.mu.Lock()
	delete(r.running, slotKey(j))
	r.mu.Unlock()
}

func (r *Runner) runJob(ctx context.Context, j *storage.Job) {
	exec, ok := r.executors[j.Variant]
	if !ok {
		r.log.Error("no executor for variant, marking dead", "variant", j.Variant, "job", j.ID)
		if err := r.store.MarkFailed(ctx, j, "no executor registered", true, 0); err != nil {
			r.log.Error("mark failed", "job", j.ID, "error", err)
		}
		metrics.JobsProcessed.WithLabelValues(j.Variant, "dead").Inc()
		return
	}

	if !r.acquireSlot(j) {
		// Another job of this variant holds the thread slot; push back.
		next := r.now().Add(r.opts.DeferDelay).UnixMilli()
		if err := r.store.MarkDeferred(ctx, j.ID, next); err != nil {
			r.log.Error("defer job", "job", j.ID, "error", err)
		}
		metrics.JobsProcessed.WithLabelValues(j.Variant, "deferred").Inc()
		return
	}
	defer r.releaseSlot(j)

	claimed, err := r.store.MarkRunning(ctx, j.ID)
	if err != nil {
		r.log.Error("claim job", "job", j.ID, "error", err)
		return
	}
	if !claimed {
		// Someone else moved it since the due query; not our job anymore.
		return
	}

	outcome := exec.Run(ctx, j)
	r.applyOutcome(ctx, j, outcome)
}

func (r *Runner) applyOutcome(ctx context.Context, j *storage.Job, o Outcome) {
	switch o.kind {
	case outcomeSuccess:
		if err := r.store.MarkSucceeded(ctx, j, o.NextRunAtMs); err != nil {
			r.log.Error("mark succeeded", "job", j.ID, "error", err)
			return
		}
		metrics.JobsProcessed.WithLabelValues(j.Variant, "succeeded").Inc()

	case outcomeDeferred:
		next := o.NextRunAtMs
		if next == 0 {
			next = r.now().Add(r.opts.DeferDelay).UnixMilli()
		}
		if err := r.store.MarkDeferred(ctx, j.ID, next); err != nil {
			r.log.Error("defer job", "job", j.ID, "error", err)
			return
		}
		metrics.JobsProcessed.WithLabelValues(j.Variant, "deferred").Inc()

	case outcomeFailure:
		msg := ""
		if o.err != nil {
			msg = o.err.Error()
		}
		attempt := j.FailureCount + 1
		next := r.now().Add(backoffDelay(attempt, r.opts.BaseBackoff, r.opts.MaxBackoff)).UnixMilli()
		if err := r.store.MarkFailed(ctx, j, msg, o.permanent, next); err != nil {
			r.log.Error("mark failed", "job", j.ID, "error", err)
			return
		}
		dead := o.permanent ||
			(j.MaxFailures != storage.MaxFailuresInfinite && attempt > j.MaxFailures)
		if dead {
			r.log.Warn("job dead", "job", j.ID, "variant", j.Variant, "error", msg, "attempts", attempt)
			metrics.JobsProcessed.WithLabelValues(j.Variant, "dead").Inc()
		} else {
			r.log.Info("job failed, will retry", "job", j.ID, "variant", j.Variant, "error", msg, "attempt", attempt)
			metrics.JobsProcessed.WithLabelValues(j.Variant, "failed").Inc()
		}
	}
}
