package executors

import (
	"context"
	"time"

	"github.com/driftsync/driftsync/internal/runner"
	"github.com/driftsync/driftsync/internal/storage"
)

// runGarbageCollection prunes dead jobs and orphaned attachments past the
// retention horizon. Best-effort maintenance: it retries forever and
// reschedules daily.
func (e *Env) runGarbageCollection(ctx context.Context, job *storage.Job) runner.Outcome {
	var details storage.GarbageCollectionDetails
	if err := storage.DecodeDetails(job.Details, &details); err != nil {
		return runner.FailPermanent(err)
	}
	days := details.RetentionDays
	if days <= 0 {
		days = e.RetentionDays
	}
	cutoff := e.Now().AddDate(0, 0, -days)

	jobs, err := e.Store.DeleteDeadBefore(ctx, cutoff)
	if err != nil {
		return runner.Fail(err)
	}
	atts, err := e.Store.DeleteOrphanedAttachments(ctx, cutoff)
	if err != nil {
		return runner.Fail(err)
	}
	if jobs > 0 || atts > 0 {
		e.Log.Info("garbage collection", "dead_jobs", jobs, "orphaned_attachments", atts)
	}
	return runner.Success(e.Now().Add(24 * time.Hour).UnixMilli())
}
