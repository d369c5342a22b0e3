// Package executors implements the work behind every job variant. Executors
// decode their details payload, perform the domain action, and report one
// outcome; all queue state transitions belong to the runner.
package executors

import (
	"context"
	"log/slog"
	"time"

	"github.com/driftsync/driftsync/internal/configstore"
	"github.com/driftsync/driftsync/internal/crypto"
	"github.com/driftsync/driftsync/internal/reconcile"
	"github.com/driftsync/driftsync/internal/runner"
	"github.com/driftsync/driftsync/internal/storage"
	"github.com/driftsync/driftsync/internal/transport"
)

// Env bundles the shared dependencies every executor draws from.
type Env struct {
	Store     *storage.Store
	Configs   *configstore.Registry
	Reconcile *reconcile.Reconciler
	Net       transport.Client
	Crypto    crypto.Provider
	Identity  *crypto.Identity
	Log       *slog.Logger
	Now       func() time.Time

	// SyncThrottle is the minimum interval between two configuration syncs
	// for the same owner.
	SyncThrottle time.Duration
	// ExpiryPollDelay is the minimum delay before re-polling unresolved
	// expiries.
	ExpiryPollDelay time.Duration
	// RetentionDays bounds the garbage collection sweep.
	RetentionDays int
	// AttachmentDir is where attachment blobs live on disk.
	AttachmentDir string
}

func (e *Env) withDefaults() {
	if e.Now == nil {
		e.Now = time.Now
	}
	if e.SyncThrottle <= 0 {
		e.SyncThrottle = 3 * time.Second
	}
	if e.ExpiryPollDelay <= 0 {
		e.ExpiryPollDelay = 30 * time.Second
	}
	if e.RetentionDays <= 0 {
		e.RetentionDays = 30
	}
	if e.AttachmentDir == "" {
		e.AttachmentDir = "attachments"
	}
}

// RegisterAll binds every executor to its variant on r.
func (e *Env) RegisterAll(r *runner.Runner) {
	e.withDefaults()
	r.Register(storage.VariantMessageSend, runner.ExecutorFunc(e.runMessageSend))
	r.Register(storage.VariantMessageReceive, runner.ExecutorFunc(e.runMessageReceive))
	r.Register(storage.VariantConfigMessageReceive, runner.ExecutorFunc(e.runConfigMessageReceive))
	r.Register(storage.VariantConfigurationSync, runner.ExecutorFunc(e.runConfigurationSync))
	r.Register(storage.VariantAttachmentUpload, runner.ExecutorFunc(e.runAttachmentUpload))
	r.Register(storage.VariantAttachmentDownload, runner.ExecutorFunc(e.runAttachmentDownload))
	r.Register(storage.VariantDisappearingMessages, runner.ExecutorFunc(e.runDisappearingMessages))
	r.Register(storage.VariantGetExpiration, runner.ExecutorFunc(e.runGetExpiration))
	r.Register(storage.VariantExpirationUpdate, runner.ExecutorFunc(e.runExpirationUpdate))
	r.Register(storage.VariantGroupLeaving, runner.ExecutorFunc(e.runGroupLeaving))
	r.Register(storage.VariantSendReadReceipts, runner.ExecutorFunc(e.runSendReadReceipts))
	r.Register(storage.VariantGarbageCollection, runner.ExecutorFunc(e.runGarbageCollection))
}

// ScheduleConfigSync queues a configuration sync for owner. The variant is
// unique per thread, so repeated calls fold into the existing pending job.
func (e *Env) ScheduleConfigSync(ctx context.Context, owner string) error {
	details, err := storage.EncodeDetails(&storage.ConfigurationSyncDetails{PublicKey: owner})
	if err != nil {
		return err
	}
	_, err = e.Store.UpsertJob(ctx, &storage.Job{
		Variant:     storage.VariantConfigurationSync,
		Behaviour:   storage.BehaviourRecurring,
		ThreadID:    owner,
		Details:     details,
		MaxFailures: storage.MaxFailuresInfinite,
		NextRunAt:   e.Now().UnixMilli(),
	})
	return err
}

// ScheduleExpirationUpdate tells the server to shorten the stored copies of
// messages whose after-read timers just started, so other devices pull the
// same deadline. Hashes in the batch share the earliest deadline; the server
// never extends an expiry, so that is safe for the whole set.
func (e *Env) ScheduleExpirationUpdate(ctx context.Context, owner, threadID string, started []*storage.Interaction) error {
	var hashes []string
	var expiryMs int64
	for _, i := range started {
		deadline := i.ExpiresAt()
		if i.ServerHash == "" || deadline == 0 {
			continue
		}
		hashes = append(hashes, i.ServerHash)
		if expiryMs == 0 || deadline < expiryMs {
			expiryMs = deadline
		}
	}
	if len(hashes) == 0 {
		return nil
	}
	details, err := storage.EncodeDetails(&storage.ExpirationUpdateDetails{
		PublicKey: owner,
		Hashes:    hashes,
		ExpiryMs:  expiryMs,
	})
	if err != nil {
		return err
	}
	_, err = e.Store.UpsertJob(ctx, &storage.Job{
		Variant:     storage.VariantExpirationUpdate,
		ThreadID:    threadID,
		Details:     details,
		MaxFailures: 10,
		NextRunAt:   e.Now().UnixMilli(),
	})
	return err
}

// ScheduleExpiryPoll queues a one-shot reconciliation of every locally
// running timer against server-confirmed expiry. Run at startup: messages
// that expired server-side while this device was offline are pulled to now
// so the next sweep removes them.
func (e *Env) ScheduleExpiryPoll(ctx context.Context, owner string) error {
	running, err := e.Store.InteractionsWithRunningTimers(ctx)
	if err != nil {
		return err
	}
	if len(running) == 0 {
		return nil
	}
	hashes := make(map[string]int64, len(running))
	for _, i := range running {
		hashes[i.ServerHash] = i.ExpiresStartedAt
	}
	details, err := storage.EncodeDetails(&storage.GetExpirationDetails{
		PublicKey: owner,
		Hashes:    hashes,
	})
	if err != nil {
		return err
	}
	_, err = e.Store.UpsertJob(ctx, &storage.Job{
		Variant:     storage.VariantGetExpiration,
		Details:     details,
		MaxFailures: 10,
		NextRunAt:   e.Now().UnixMilli(),
	})
	return err
}

// RearmExpirySweep points the disappearing-message schedule at the earliest
// pending expiry, creating the job on first use.
func (e *Env) RearmExpirySweep(ctx context.Context) error {
	next, err := e.Store.NextExpiry(ctx)
	if err != nil {
		return err
	}
	if next == 0 {
		return nil
	}
	_, err = e.Store.UpsertJob(ctx, &storage.Job{
		Variant:     storage.VariantDisappearingMessages,
		Behaviour:   storage.BehaviourRecurring,
		ThreadID:    "global",
		Details:     []byte("{}"),
		MaxFailures: storage.MaxFailuresInfinite,
		NextRunAt:   next,
	})
	return err
}
