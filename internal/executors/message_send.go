package executors

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/driftsync/driftsync/internal/runner"
	"github.com/driftsync/driftsync/internal/storage"
	"github.com/driftsync/driftsync/internal/transport"
)

// runMessageSend delivers one outgoing message. Unuploaded attachments become
// prerequisite upload jobs and the send defers until they finish.
func (e *Env) runMessageSend(ctx context.Context, job *storage.Job) runner.Outcome {
	var details storage.MessageSendDetails
	if err := storage.DecodeDetails(job.Details, &details); err != nil {
		return runner.FailPermanent(err)
	}

	pending, err := e.ensureAttachmentsUploaded(ctx, job, details.AttachmentIDs)
	if err != nil {
		return runner.Fail(err)
	}
	if pending {
		return runner.Defer(0)
	}

	// A hung request must become a retryable error, not a stuck job.
	sendCtx, cancel := context.WithTimeout(ctx, 2*transport.DefaultTimeout*time.Second)
	defer cancel()

	sent, err := e.Net.SendMessage(sendCtx, details.Destination, details.Payload)
	if err != nil {
		if errors.Is(err, transport.ErrClockSkew) && details.ServerTimestampMs != 0 {
			// The server already accepted this message under a timestamp;
			// retrying with a skewed clock can only fork it.
			e.markSendFailed(ctx, details.InteractionID)
			return runner.FailPermanent(err)
		}
		if errors.Is(err, sendCtx.Err()) || errors.Is(err, transport.ErrTimeout) {
			return runner.Fail(transport.ErrTimeout)
		}
		if job.FailureCount+1 > job.MaxFailures && job.MaxFailures != storage.MaxFailuresInfinite {
			e.markSendFailed(ctx, details.InteractionID)
		}
		return runner.Fail(err)
	}

	if details.InteractionID != 0 {
		conv, err := e.Store.GetConversation(ctx, job.ThreadID)
		if err != nil {
			return runner.Fail(err)
		}
		startExpiry := conv != nil && conv.ExpireMode == storage.ExpireModeAfterSend && conv.ExpiresIn > 0
		if err := e.Store.MarkInteractionSent(ctx, details.InteractionID, sent.ServerHash, sent.ServerTimestampMs, startExpiry); err != nil {
			return runner.Fail(err)
		}
		if startExpiry {
			if err := e.RearmExpirySweep(ctx); err != nil {
				return runner.Fail(err)
			}
		}
	}
	return runner.Success(0)
}

// ensureAttachmentsUploaded inserts upload jobs as prerequisites for every
// attachment still waiting. Reports whether the send must wait.
func (e *Env) ensureAttachmentsUploaded(ctx context.Context, job *storage.Job, ids []string) (bool, error) {
	pending := false
	for _, id := range ids {
		att, err := e.Store.GetAttachment(ctx, id)
		if err != nil {
			return false, err
		}
		if att == nil {
			return false, fmt.Errorf("attachment %s vanished", id)
		}
		switch att.State {
		case storage.AttachmentUploaded:
			continue
		case storage.AttachmentInvalid, storage.AttachmentFailedManual:
			return false, fmt.Errorf("attachment %s is %s", id, att.State)
		}
		pending = true

		details, err := storage.EncodeDetails(&storage.AttachmentTransferDetails{AttachmentID: id})
		if err != nil {
			return false, err
		}
		upload := &storage.Job{
			Variant:       storage.VariantAttachmentUpload,
			ThreadID:      job.ThreadID,
			InteractionID: att.InteractionID,
			Details:       details,
			MaxFailures:   10,
			NextRunAt:     e.Now().UnixMilli(),
		}
		res, err := e.Store.UpsertJob(ctx, upload)
		if err != nil {
			return false, err
		}
		if err := e.Store.AddDependency(ctx, job.ID, res.JobID); err != nil {
			return false, err
		}
	}
	return pending, nil
}

func (e *Env) markSendFailed(ctx context.Context, interactionID int64) {
	if interactionID == 0 {
		return
	}
	if err := e.Store.MarkInteractionFailed(ctx, interactionID); err != nil {
		e.Log.Error("mark interaction failed", "interaction", interactionID, "error", err)
	}
}
