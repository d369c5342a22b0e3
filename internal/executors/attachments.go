package executors

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/driftsync/driftsync/internal/runner"
	"github.com/driftsync/driftsync/internal/storage"
	"github.com/driftsync/driftsync/internal/transport"
)

// classifyTransferError maps file-server statuses to job outcomes shared by
// uploads and downloads. 400/401 need an explicit user retry, 404 means the
// file is gone for good, 429 fails the attempt permanently so the user
// decides when to try again.
func (e *Env) classifyTransferError(ctx context.Context, attachmentID string, err error) runner.Outcome {
	switch transport.StatusCode(err) {
	case 404:
		e.setAttachmentState(ctx, attachmentID, storage.AttachmentInvalid)
		return runner.FailPermanent(err)
	case 400, 401, 429:
		e.setAttachmentState(ctx, attachmentID, storage.AttachmentFailedManual)
		return runner.FailPermanent(err)
	default:
		return runner.Fail(err)
	}
}

func (e *Env) setAttachmentState(ctx context.Context, id, state string) {
	if err := e.Store.UpdateAttachmentState(ctx, id, state, ""); err != nil {
		e.Log.Error("update attachment state", "attachment", id, "error", err)
	}
}

// runAttachmentUpload pushes one local attachment to the file server.
func (e *Env) runAttachmentUpload(ctx context.Context, job *storage.Job) runner.Outcome {
	var details storage.AttachmentTransferDetails
	if err := storage.DecodeDetails(job.Details, &details); err != nil {
		return runner.FailPermanent(err)
	}
	att, err := e.Store.GetAttachment(ctx, details.AttachmentID)
	if err != nil {
		return runner.Fail(err)
	}
	if att == nil {
		return runner.FailPermanent(fmt.Errorf("attachment %s not found", details.AttachmentID))
	}
	if att.State == storage.AttachmentUploaded {
		return runner.Success(0)
	}

	data, err := os.ReadFile(e.attachmentPath(att.ID))
	if err != nil {
		if os.IsNotExist(err) {
			e.setAttachmentState(ctx, att.ID, storage.AttachmentInvalid)
			return runner.FailPermanent(err)
		}
		return runner.Fail(err)
	}

	e.setAttachmentState(ctx, att.ID, storage.AttachmentUploading)
	remoteID, err := e.Net.UploadAttachment(ctx, data)
	if err != nil {
		return e.classifyTransferError(ctx, att.ID, err)
	}
	if err := e.Store.UpdateAttachmentState(ctx, att.ID, storage.AttachmentUploaded, remoteID); err != nil {
		return runner.Fail(err)
	}
	return runner.Success(0)
}

// runAttachmentDownload fetches one remote attachment to local storage.
func (e *Env) runAttachmentDownload(ctx context.Context, job *storage.Job) runner.Outcome {
	var details storage.AttachmentTransferDetails
	if err := storage.DecodeDetails(job.Details, &details); err != nil {
		return runner.FailPermanent(err)
	}
	att, err := e.Store.GetAttachment(ctx, details.AttachmentID)
	if err != nil {
		return runner.Fail(err)
	}
	if att == nil {
		return runner.FailPermanent(fmt.Errorf("attachment %s not found", details.AttachmentID))
	}
	if att.State == storage.AttachmentDownloaded {
		return runner.Success(0)
	}
	if att.RemoteID == "" {
		return runner.FailPermanent(fmt.Errorf("attachment %s has no remote id", att.ID))
	}

	e.setAttachmentState(ctx, att.ID, storage.AttachmentDownloading)
	data, err := e.Net.DownloadAttachment(ctx, att.RemoteID)
	if err != nil {
		return e.classifyTransferError(ctx, att.ID, err)
	}

	path := e.attachmentPath(att.ID)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return runner.Fail(err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return runner.Fail(err)
	}
	if err := e.Store.UpdateAttachmentState(ctx, att.ID, storage.AttachmentDownloaded, att.RemoteID); err != nil {
		return runner.Fail(err)
	}
	return runner.Success(0)
}

func (e *Env) attachmentPath(id string) string {
	return filepath.Join(e.AttachmentDir, id)
}
