package executors

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/driftsync/driftsync/internal/runner"
	"github.com/driftsync/driftsync/internal/storage"
)

// runGroupLeaving sends the leave message for a group and removes the group
// from local and config state. A network failure is permanent: the thread is
// marked errored so the user can retry explicitly rather than the queue
// retrying a state-changing action forever.
func (e *Env) runGroupLeaving(ctx context.Context, job *storage.Job) runner.Outcome {
	var details storage.GroupLeavingDetails
	if err := storage.DecodeDetails(job.Details, &details); err != nil {
		return runner.FailPermanent(err)
	}

	conv, err := e.Store.GetConversation(ctx, details.GroupID)
	if err != nil {
		return runner.Fail(err)
	}
	if conv == nil {
		// Already gone; nothing to leave.
		return runner.Success(0)
	}

	if err := e.Store.UpdateLeavingStatus(ctx, details.GroupID, storage.LeavingStatusLeaving); err != nil {
		return runner.Fail(err)
	}

	payload, err := json.Marshal(map[string]any{
		"group_update": "member_left",
		"group_id":     details.GroupID,
	})
	if err != nil {
		return runner.FailPermanent(err)
	}
	sealed, err := e.Crypto.Seal(e.Identity.SealKey, payload)
	if err != nil {
		return runner.Fail(err)
	}
	if _, err := e.Net.SendMessage(ctx, details.GroupID, sealed); err != nil {
		if stErr := e.Store.UpdateLeavingStatus(ctx, details.GroupID, storage.LeavingStatusError); stErr != nil {
			e.Log.Error("record leave error", "group", details.GroupID, "error", stErr)
		}
		return runner.FailPermanent(fmt.Errorf("send leave message: %w", err))
	}

	if details.DeleteThread {
		if err := e.Reconcile.RemoveGroup(ctx, e.Identity.AccountID(), details.GroupID); err != nil {
			return runner.Fail(err)
		}
	} else {
		if err := e.Store.UpdateLeavingStatus(ctx, details.GroupID, storage.LeavingStatusNone); err != nil {
			return runner.Fail(err)
		}
	}
	return runner.Success(0)
}
