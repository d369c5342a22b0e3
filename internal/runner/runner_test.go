package runner

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/driftsync/driftsync/internal/storage"
)

func newTestRunner(t *testing.T, opts Options) (*Runner, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	r := New(store, slog.Default(), opts)
	return r, store
}

func enqueue(t *testing.T, store *storage.Store, j *storage.Job) string {
	t.Helper()
	res, err := store.UpsertJob(context.Background(), j)
	if err != nil {
		t.Fatalf("UpsertJob: %v", err)
	}
	return res.JobID
}

func TestTick_RunsDueJobAndRemovesIt(t *testing.T) {
	ctx := context.Background()
	r, store := newTestRunner(t, Options{})

	var runs atomic.Int32
	r.Register("noop", ExecutorFunc(func(ctx context.Context, j *storage.Job) Outcome {
		runs.Add(1)
		return Success(0)
	}))

	id := enqueue(t, store, &storage.Job{Variant: "noop", Details: []byte("{}")})

	n, err := r.Tick(ctx)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if n != 1 {
		t.Errorf("Tick dispatched %d jobs, want 1", n)
	}
	if runs.Load() != 1 {
		t.Errorf("executor ran %d times, want 1", runs.Load())
	}
	if _, err := store.GetJob(ctx, id); !errors.Is(err, storage.ErrJobNotFound) {
		t.Errorf("GetJob after success = %v, want ErrJobNotFound", err)
	}
}

func TestTick_TransientFailureBacksOff(t *testing.T) {
	ctx := context.Background()
	base := time.UnixMilli(1_000_000)
	r, store := newTestRunner(t, Options{BaseBackoff: 2 * time.Second, MaxBackoff: time.Minute})
	r.SetNow(func() time.Time { return base })

	r.Register("flaky", ExecutorFunc(func(ctx context.Context, j *storage.Job) Outcome {
		return Fail(errors.New("network down"))
	}))

	id := enqueue(t, store, &storage.Job{Variant: "flaky", Details: []byte("{}"), MaxFailures: 5})

	if _, err := r.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	got, err := store.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.State != storage.StatePending {
		t.Fatalf("State = %q after first failure, want pending", got.State)
	}
	if want := base.Add(2 * time.Second).UnixMilli(); got.NextRunAt != want {
		t.Errorf("NextRunAt = %d, want %d (first retry after base backoff)", got.NextRunAt, want)
	}

	// Second attempt doubles the delay.
	r.SetNow(func() time.Time { return time.UnixMilli(got.NextRunAt) })
	if _, err := r.Tick(ctx); err != nil {
		t.Fatalf("second Tick: %v", err)
	}
	got2, err := store.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if want := got.NextRunAt + (4 * time.Second).Milliseconds(); got2.NextRunAt != want {
		t.Errorf("NextRunAt = %d after second failure, want %d", got2.NextRunAt, want)
	}
	if got2.FailureCount != 2 {
		t.Errorf("FailureCount = %d, want 2", got2.FailureCount)
	}
}

func TestTick_ExhaustedRetriesGoDead(t *testing.T) {
	ctx := context.Background()
	r, store := newTestRunner(t, Options{})
	now := time.UnixMilli(1000)
	r.SetNow(func() time.Time { return now })

	r.Register("flaky", ExecutorFunc(func(ctx context.Context, j *storage.Job) Outcome {
		return Fail(errors.New("still broken"))
	}))

	id := enqueue(t, store, &storage.Job{Variant: "flaky", Details: []byte("{}"), MaxFailures: 1})

	for i := 0; i < 2; i++ {
		if _, err := r.Tick(ctx); err != nil {
			t.Fatalf("Tick %d: %v", i, err)
		}
		got, err := store.GetJob(ctx, id)
		if err != nil {
			t.Fatalf("GetJob: %v", err)
		}
		now = time.UnixMilli(got.NextRunAt + 1)
	}

	got, err := store.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.State != storage.StateDead {
		t.Errorf("State = %q after exhausting 1 retry, want dead", got.State)
	}
}

func TestTick_PermanentFailureSkipsRetries(t *testing.T) {
	ctx := context.Background()
	r, store := newTestRunner(t, Options{})

	r.Register("fatal", ExecutorFunc(func(ctx context.Context, j *storage.Job) Outcome {
		return FailPermanent(errors.New("malformed payload"))
	}))

	id := enqueue(t, store, &storage.Job{Variant: "fatal", Details: []byte("{}"), MaxFailures: 100})

	if _, err := r.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	got, err := store.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.State != storage.StateDead {
		t.Errorf("State = %q after permanent failure, want dead despite remaining retries", got.State)
	}
}

func TestTick_DeferredKeepsFailureCountZero(t *testing.T) {
	ctx := context.Background()
	r, store := newTestRunner(t, Options{})
	r.SetNow(func() time.Time { return time.UnixMilli(1000) })

	r.Register("waiting", ExecutorFunc(func(ctx context.Context, j *storage.Job) Outcome {
		return Defer(9000)
	}))

	id := enqueue(t, store, &storage.Job{Variant: "waiting", Details: []byte("{}"), MaxFailures: 1})

	if _, err := r.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	got, err := store.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.FailureCount != 0 {
		t.Errorf("FailureCount = %d after deferral, want 0", got.FailureCount)
	}
	if got.NextRunAt != 9000 {
		t.Errorf("NextRunAt = %d, want 9000", got.NextRunAt)
	}
	if got.State != storage.StatePending {
		t.Errorf("State = %q, want pending", got.State)
	}
}

func TestTick_RecurringReschedules(t *testing.T) {
	ctx := context.Background()
	r, store := newTestRunner(t, Options{})
	r.SetNow(func() time.Time { return time.UnixMilli(1000) })

	r.Register("sweep", ExecutorFunc(func(ctx context.Context, j *storage.Job) Outcome {
		return Success(77_000)
	}))

	id := enqueue(t, store, &storage.Job{
		Variant: "sweep", Behaviour: storage.BehaviourRecurring,
		Details: []byte("{}"), MaxFailures: storage.MaxFailuresInfinite,
	})

	if _, err := r.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	got, err := store.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.NextRunAt != 77_000 {
		t.Errorf("NextRunAt = %d, want 77000", got.NextRunAt)
	}
	if got.State != storage.StatePending {
		t.Errorf("State = %q, want pending", got.State)
	}
}

func TestTick_UnknownVariantGoesDead(t *testing.T) {
	ctx := context.Background()
	r, store := newTestRunner(t, Options{})

	id := enqueue(t, store, &storage.Job{Variant: "mystery", Details: []byte("{}")})

	if _, err := r.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	got, err := store.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.State != storage.StateDead {
		t.Errorf("State = %q for unregistered variant, want dead", got.State)
	}
}

func TestBackoffDelay(t *testing.T) {
	base, max := 2*time.Second, time.Minute
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{6, 64 * time.Second}, // capped
		{100, time.Minute},    // overflow capped
	}
	for _, tt := range tests {
		got := backoffDelay(tt.attempt, base, max)
		want := tt.want
		if want > max {
			want = max
		}
		if got != want {
			t.Errorf("backoffDelay(%d) = %v, want %v", tt.attempt, got, want)
		}
	}
}
