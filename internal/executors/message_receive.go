package executors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/driftsync/driftsync/internal/crypto"
	"github.com/driftsync/driftsync/internal/runner"
	"github.com/driftsync/driftsync/internal/storage"
)

// plaintextMessage is the decrypted content of one inbound envelope.
type plaintextMessage struct {
	Sender           string `json:"sender"`
	Body             string `json:"body"`
	SentAtMs         int64  `json:"sent_at_ms"`
	ExpiresInSeconds int64  `json:"expires_in_seconds,omitempty"`
	// ConfigNamespace is set on config diffs, which must never arrive here.
	ConfigNamespace string `json:"config_namespace,omitempty"`
	// TimerUpdate marks an ExpirationTimerUpdate control message.
	TimerUpdate     bool   `json:"timer_update,omitempty"`
	TimerSeconds    int64  `json:"timer_seconds,omitempty"`
	TimerMode       string `json:"timer_mode,omitempty"`
}

// runMessageReceive processes a batch of inbound envelopes. Each message is
// handled independently: a bad one is dropped from the retry set without
// failing the rest, and only messages that hit a retryable error stay queued.
func (e *Env) runMessageReceive(ctx context.Context, job *storage.Job) runner.Outcome {
	var details storage.MessageReceiveDetails
	if err := storage.DecodeDetails(job.Details, &details); err != nil {
		return runner.FailPermanent(err)
	}

	var remaining []storage.ReceivedEnvelope
	var lastErr error
	for _, env := range details.Messages {
		err := e.receiveOne(ctx, &env)
		switch {
		case err == nil:
		case errors.Is(err, errSkipMessage):
			// Duplicate or self-send: drop silently.
		case errors.Is(err, errMisroutedConfig):
			return runner.FailPermanent(err)
		case isRetryableReceive(err):
			remaining = append(remaining, env)
			lastErr = err
		default:
			// Undecryptable or malformed: this message will never parse,
			// drop it and keep going.
			e.Log.Warn("dropping unprocessable message", "hash", env.ServerHash, "error", err)
		}
	}

	if len(remaining) == 0 {
		return runner.Success(0)
	}

	// Persist the shrunken batch so the retry only reprocesses what failed.
	rest, err := storage.EncodeDetails(&storage.MessageReceiveDetails{Messages: remaining})
	if err != nil {
		return runner.FailPermanent(err)
	}
	if err := e.Store.UpdateJobDetails(ctx, job.ID, rest); err != nil {
		return runner.Fail(err)
	}
	return runner.Fail(fmt.Errorf("%d of %d messages failed: %w", len(remaining), len(details.Messages), lastErr))
}

var (
	errSkipMessage     = errors.New("message skipped")
	errMisroutedConfig = errors.New("config message reached the message receive queue")
)

func isRetryableReceive(err error) bool {
	// Storage errors are transient; crypto and parse errors are not.
	return !errors.Is(err, crypto.ErrDecrypt) && !errors.As(err, new(*json.SyntaxError))
}

func (e *Env) receiveOne(ctx context.Context, env *storage.ReceivedEnvelope) error {
	dup, err := e.Store.HasInteractionWithHash(ctx, env.ServerHash)
	if err != nil {
		return err
	}
	if dup {
		return errSkipMessage
	}

	plain, err := e.Crypto.Open(e.Identity.SealKey, env.Data)
	if err != nil {
		return err
	}
	var msg plaintextMessage
	if err := json.Unmarshal(plain, &msg); err != nil {
		return fmt.Errorf("parse message %s: %w", env.ServerHash, err)
	}
	if msg.ConfigNamespace != "" {
		return errMisroutedConfig
	}
	if msg.Sender == e.Identity.AccountID() {
		return errSkipMessage
	}

	if msg.TimerUpdate {
		return e.Reconcile.ApplyExpirationTimerUpdate(ctx, e.Identity.AccountID(),
			msg.Sender, msg.TimerMode, msg.TimerSeconds, env.ServerTimestampMs)
	}

	conv, err := e.Store.GetConversation(ctx, msg.Sender)
	if err != nil {
		return err
	}
	if conv == nil {
		conv = &storage.Conversation{
			ID:         msg.Sender,
			Kind:       storage.ConversationContact,
			ExpireMode: storage.ExpireModeNone,
			CreatedAt:  e.Now().UnixMilli(),
		}
		if err := e.Store.UpsertConversation(ctx, conv); err != nil {
			return err
		}
	}

	interaction := &storage.Interaction{
		ThreadID:       conv.ID,
		Kind:           storage.InteractionStandard,
		Body:           msg.Body,
		ServerHash:     env.ServerHash,
		SentAt:         msg.SentAtMs,
		ExpiresIn:      msg.ExpiresInSeconds,
		DeliveryStatus: storage.DeliverySent,
	}
	// After-send timers on inbound messages start from the server timestamp;
	// after-read timers wait for the read event.
	if msg.ExpiresInSeconds > 0 && conv.ExpireMode == storage.ExpireModeAfterSend {
		interaction.ExpiresStartedAt = env.ServerTimestampMs
	}
	if _, err := e.Store.InsertInteraction(ctx, interaction); err != nil {
		return err
	}
	if interaction.ExpiresStartedAt > 0 {
		if err := e.RearmExpirySweep(ctx); err != nil {
			return err
		}
	}
	return nil
}
