package executors

import (
	"context"
	"fmt"

	"github.com/driftsync/driftsync/internal/metrics"
	"github.com/driftsync/driftsync/internal/runner"
	"github.com/driftsync/driftsync/internal/storage"
	"github.com/driftsync/driftsync/internal/transport"
)

// runConfigurationSync pushes every dirty namespace for one config owner in
// a single batched request. Responses are positional: the server preserves
// request order. The run self-throttles by rescheduling no sooner than
// SyncThrottle after its start.
func (e *Env) runConfigurationSync(ctx context.Context, job *storage.Job) runner.Outcome {
	var details storage.ConfigurationSyncDetails
	if err := storage.DecodeDetails(job.Details, &details); err != nil {
		return runner.FailPermanent(err)
	}
	startedAt := e.Now()

	pushes, err := e.Configs.PendingPushes(ctx, details.PublicKey)
	if err != nil {
		return runner.Fail(err)
	}
	if len(pushes) == 0 {
		// Nothing dirty: stop the recurring schedule until the next local
		// change re-queues it.
		return runner.Success(0)
	}

	batch := make([]transport.ConfigPush, len(pushes))
	var obsolete []string
	for i, p := range pushes {
		sealed, err := e.Crypto.Seal(e.Identity.SealKey, p.Data)
		if err != nil {
			return runner.Fail(err)
		}
		batch[i] = transport.ConfigPush{Namespace: p.Namespace, Data: sealed, Seqno: p.Seqno}
		obsolete = append(obsolete, p.Obsolete...)
	}

	results, err := e.Net.StoreConfigs(ctx, details.PublicKey, batch, obsolete)
	if err != nil {
		for _, p := range pushes {
			metrics.ConfigPushes.WithLabelValues(p.Namespace, "error").Inc()
		}
		return runner.Fail(err)
	}
	if len(results) != len(pushes) {
		return runner.Fail(fmt.Errorf("config push: %d results for %d diffs", len(results), len(pushes)))
	}

	for i, res := range results {
		p := pushes[i]
		if !res.OK {
			metrics.ConfigPushes.WithLabelValues(p.Namespace, "rejected").Inc()
			continue
		}
		obj, err := e.Configs.Object(ctx, p.Namespace, details.PublicKey)
		if err != nil {
			return runner.Fail(err)
		}
		obj.ConfirmPushed(p.Seqno, res.Hash)
		if obj.NeedsDump() {
			if err := e.Configs.PersistDump(ctx, obj); err != nil {
				return runner.Fail(err)
			}
		}
		metrics.ConfigPushes.WithLabelValues(p.Namespace, "ok").Inc()
	}

	// Reschedule with the throttle so a burst of local edits coalesces into
	// one push per interval.
	return runner.Success(startedAt.Add(e.SyncThrottle).UnixMilli())
}
