package executors

import (
	"context"

	"github.com/driftsync/driftsync/internal/metrics"
	"github.com/driftsync/driftsync/internal/runner"
	"github.com/driftsync/driftsync/internal/storage"
)

// runDisappearingMessages deletes every interaction whose timer has expired,
// then re-arms the schedule at the earliest remaining deadline. With nothing
// left the schedule disarms (next run 0) but the job row survives, so a later
// timer can wake it without recreating the job.
func (e *Env) runDisappearingMessages(ctx context.Context, job *storage.Job) runner.Outcome {
	nowMs := e.Now().UnixMilli()
	deleted, err := e.Store.DeleteExpiredInteractions(ctx, nowMs)
	if err != nil {
		return runner.Fail(err)
	}
	if deleted > 0 {
		metrics.InteractionsExpired.Add(float64(deleted))
		e.Log.Info("deleted expired messages", "count", deleted)
	}

	next, err := e.Store.NextExpiry(ctx)
	if err != nil {
		return runner.Fail(err)
	}
	return runner.Success(next)
}

// runGetExpiration reconciles local timers against server-confirmed expiry.
// Hashes the server no longer knows have already expired there; their local
// deadline is pulled to now so the next sweep removes them. Unresolved hashes
// re-queue a poll after the minimum inter-poll delay.
func (e *Env) runGetExpiration(ctx context.Context, job *storage.Job) runner.Outcome {
	var details storage.GetExpirationDetails
	if err := storage.DecodeDetails(job.Details, &details); err != nil {
		return runner.FailPermanent(err)
	}
	if len(details.Hashes) == 0 {
		return runner.Success(0)
	}

	hashes := make([]string, 0, len(details.Hashes))
	for h := range details.Hashes {
		hashes = append(hashes, h)
	}
	confirmed, err := e.Net.GetExpiries(ctx, details.PublicKey, hashes)
	if err != nil {
		return runner.Fail(err)
	}

	nowMs := e.Now().UnixMilli()
	unresolved := make(map[string]int64)
	changed := false
	for hash, startedAt := range details.Hashes {
		interactionID, ok, err := e.interactionIDByHash(ctx, hash)
		if err != nil {
			return runner.Fail(err)
		}
		if !ok {
			continue // already deleted locally
		}
		expiry, known := confirmed[hash]
		switch {
		case !known:
			// The server already dropped the message: it expired while this
			// device was offline. Expire it locally right away.
			if err := e.Store.SetInteractionExpiry(ctx, interactionID, 1, nowMs-1000); err != nil {
				return runner.Fail(err)
			}
			changed = true
		case expiry > 0:
			expiresIn := (expiry - startedAt) / 1000
			if expiresIn <= 0 {
				expiresIn = 1
			}
			if err := e.Store.SetInteractionExpiry(ctx, interactionID, expiresIn, startedAt); err != nil {
				return runner.Fail(err)
			}
			changed = true
		default:
			unresolved[hash] = startedAt
		}
	}
	if changed {
		if err := e.RearmExpirySweep(ctx); err != nil {
			return runner.Fail(err)
		}
	}

	if len(unresolved) == 0 {
		return runner.Success(0)
	}
	rest, err := storage.EncodeDetails(&storage.GetExpirationDetails{
		PublicKey: details.PublicKey,
		Hashes:    unresolved,
	})
	if err != nil {
		return runner.FailPermanent(err)
	}
	if err := e.Store.UpdateJobDetails(ctx, job.ID, rest); err != nil {
		return runner.Fail(err)
	}
	return runner.Defer(e.Now().Add(e.ExpiryPollDelay).UnixMilli())
}

// runExpirationUpdate asks the server to shorten stored messages' expiry, then
// mirrors the applied deadlines locally.
func (e *Env) runExpirationUpdate(ctx context.Context, job *storage.Job) runner.Outcome {
	var details storage.ExpirationUpdateDetails
	if err := storage.DecodeDetails(job.Details, &details); err != nil {
		return runner.FailPermanent(err)
	}
	if len(details.Hashes) == 0 {
		return runner.Success(0)
	}

	applied, err := e.Net.UpdateExpiries(ctx, details.PublicKey, details.Hashes, details.ExpiryMs)
	if err != nil {
		return runner.Fail(err)
	}

	nowMs := e.Now().UnixMilli()
	changed := false
	for hash, expiry := range applied {
		interactionID, ok, err := e.interactionIDByHash(ctx, hash)
		if err != nil {
			return runner.Fail(err)
		}
		if !ok || expiry <= 0 {
			continue
		}
		expiresIn := (expiry - nowMs) / 1000
		if expiresIn <= 0 {
			expiresIn = 1
		}
		if err := e.Store.SetInteractionExpiry(ctx, interactionID, expiresIn, nowMs); err != nil {
			return runner.Fail(err)
		}
		changed = true
	}
	if changed {
		if err := e.RearmExpirySweep(ctx); err != nil {
			return runner.Fail(err)
		}
	}
	return runner.Success(0)
}

func (e *Env) interactionIDByHash(ctx context.Context, hash string) (int64, bool, error) {
	i, err := e.Store.InteractionByHash(ctx, hash)
	if err != nil {
		return 0, false, err
	}
	if i == nil {
		return 0, false, nil
	}
	return i.ID, true, nil
}
