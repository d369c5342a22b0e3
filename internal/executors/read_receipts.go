package executors

import (
	"context"
	"encoding/json"

	"github.com/driftsync/driftsync/internal/runner"
	"github.com/driftsync/driftsync/internal/storage"
)

// runSendReadReceipts delivers the accumulated read timestamps for one
// thread. The variant is unique per thread, so receipts queued while this
// run is in flight land in a fresh job instead of being lost.
func (e *Env) runSendReadReceipts(ctx context.Context, job *storage.Job) runner.Outcome {
	var details storage.SendReadReceiptsDetails
	if err := storage.DecodeDetails(job.Details, &details); err != nil {
		return runner.FailPermanent(err)
	}
	if len(details.TimestampsMs) == 0 {
		return runner.Success(0)
	}

	payload, err := json.Marshal(map[string]any{
		"read_receipts": details.TimestampsMs,
	})
	if err != nil {
		return runner.FailPermanent(err)
	}
	sealed, err := e.Crypto.Seal(e.Identity.SealKey, payload)
	if err != nil {
		return runner.Fail(err)
	}
	if _, err := e.Net.SendMessage(ctx, details.Destination, sealed); err != nil {
		return runner.Fail(err)
	}
	return runner.Success(0)
}
