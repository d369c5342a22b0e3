package executors

import (
	"context"

	"github.com/driftsync/driftsync/internal/configstore"
	"github.com/driftsync/driftsync/internal/metrics"
	"github.com/driftsync/driftsync/internal/runner"
	"github.com/driftsync/driftsync/internal/storage"
)

// runConfigMessageReceive decrypts a batch of incoming config diffs for one
// (namespace, owner), merges them, reconciles the result onto relational
// storage, and persists a fresh dump. A merge that leaves the object dirty
// schedules a push so the combined state propagates.
func (e *Env) runConfigMessageReceive(ctx context.Context, job *storage.Job) runner.Outcome {
	var details storage.ConfigMessageReceiveDetails
	if err := storage.DecodeDetails(job.Details, &details); err != nil {
		return runner.FailPermanent(err)
	}

	var incoming []configstore.Incoming
	for _, env := range details.Messages {
		plain, err := e.Crypto.Open(e.Identity.SealKey, env.Data)
		if err != nil {
			// Undecryptable diffs are usually from a newer client version.
			// Skip them; retrying cannot help.
			e.Log.Warn("skipping undecryptable config diff",
				"namespace", details.Namespace, "hash", env.ServerHash)
			continue
		}
		incoming = append(incoming, configstore.Incoming{Hash: env.ServerHash, Data: plain})
	}
	if len(incoming) == 0 {
		return runner.Success(0)
	}

	obj, err := e.Configs.Object(ctx, details.Namespace, details.PublicKey)
	if err != nil {
		return runner.Fail(err)
	}
	applied, err := obj.Merge(incoming)
	if err != nil {
		return runner.Fail(err)
	}
	metrics.ConfigMerges.WithLabelValues(details.Namespace).Add(float64(len(applied)))

	if err := e.Reconcile.ApplyMerged(ctx, details.Namespace, details.PublicKey); err != nil {
		return runner.Fail(err)
	}
	if obj.NeedsDump() {
		if err := e.Configs.PersistDump(ctx, obj); err != nil {
			return runner.Fail(err)
		}
	}
	if obj.NeedsPush() {
		if err := e.ScheduleConfigSync(ctx, details.PublicKey); err != nil {
			return runner.Fail(err)
		}
	}
	return runner.Success(0)
}
