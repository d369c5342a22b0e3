package storage

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Job detail payloads are persisted as JSON in jobs.details, one schema per
// variant. Executors decode them at the top of Run and treat a decode error
// as permanent.

// MessageSendDetails carries an outgoing message.
type MessageSendDetails struct {
	Destination   string   `json:"destination"`
	InteractionID int64    `json:"interaction_id"`
	Payload       []byte   `json:"payload"`
	AttachmentIDs []string `json:"attachment_ids,omitempty"`
	// ServerTimestampMs is non-zero once the server has assigned a
	// timestamp to a previous attempt; it changes clock-skew handling.
	ServerTimestampMs int64 `json:"server_timestamp_ms,omitempty"`
}

// ReceivedEnvelope is one raw inbound message awaiting processing.
type ReceivedEnvelope struct {
	ServerHash        string `json:"server_hash"`
	Data              []byte `json:"data"`
	ServerTimestampMs int64  `json:"server_timestamp_ms"`
}

// MessageReceiveDetails carries a batch of inbound messages.
type MessageReceiveDetails struct {
	Messages []ReceivedEnvelope `json:"messages"`
}

// ConfigMessageReceiveDetails carries inbound encrypted config diffs for
// one (namespace, owner).
type ConfigMessageReceiveDetails struct {
	Namespace string             `json:"namespace"`
	PublicKey string             `json:"public_key"`
	Messages  []ReceivedEnvelope `json:"messages"`
}

// ConfigurationSyncDetails identifies the config owner to push for.
type ConfigurationSyncDetails struct {
	PublicKey string `json:"public_key"`
}

// AttachmentTransferDetails drives uploads and downloads.
type AttachmentTransferDetails struct {
	AttachmentID string `json:"attachment_id"`
}

// GetExpirationDetails polls the server for confirmed expiries.
type GetExpirationDetails struct {
	PublicKey string `json:"public_key"`
	// StartedAtMs by hash; hashes the server no longer knows are inferred
	// to have already expired.
	Hashes map[string]int64 `json:"hashes"`
}

// ExpirationUpdateDetails pushes new expiry deadlines for stored messages.
type ExpirationUpdateDetails struct {
	PublicKey string   `json:"public_key"`
	Hashes    []string `json:"hashes"`
	ExpiryMs  int64    `json:"expiry_ms"`
}

// GroupLeavingDetails names the group being left.
type GroupLeavingDetails struct {
	GroupID string `json:"group_id"`
	// DeleteThread removes the conversation after the leave message is sent.
	DeleteThread bool `json:"delete_thread"`
}

// SendReadReceiptsDetails accumulates read timestamps for one thread.
// Upserting a second job for the same thread unions the timestamp sets.
type SendReadReceiptsDetails struct {
	Destination  string  `json:"destination"`
	TimestampsMs []int64 `json:"timestamps_ms"`
}

// GarbageCollectionDetails bounds the retention sweep.
type GarbageCollectionDetails struct {
	RetentionDays int `json:"retention_days"`
}

// EncodeDetails marshals a details payload for persistence.
func EncodeDetails(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode job details: %w", err)
	}
	return b, nil
}

// DecodeDetails unmarshals a job's details into out.
func DecodeDetails(data []byte, out any) error {
	if len(data) == 0 {
		return fmt.Errorf("decode job details: empty payload")
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode job details: %w", err)
	}
	return nil
}

// mergeReadReceipts unions the timestamp sets of two send_read_receipts
// payloads, preserving ascending order.
func mergeReadReceipts(existing, incoming []byte) ([]byte, error) {
	var a, b SendReadReceiptsDetails
	if err := DecodeDetails(existing, &a); err != nil {
		return nil, err
	}
	if err := DecodeDetails(incoming, &b); err != nil {
		return nil, err
	}
	seen := make(map[int64]bool, len(a.TimestampsMs)+len(b.TimestampsMs))
	merged := make([]int64, 0, len(a.TimestampsMs)+len(b.TimestampsMs))
	for _, ts := range append(a.TimestampsMs, b.TimestampsMs...) {
		if !seen[ts] {
			seen[ts] = true
			merged = append(merged, ts)
		}
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i] < merged[j] })
	a.TimestampsMs = merged
	return EncodeDetails(&a)
}

// mergeExpirationUpdates unions the hash sets of two expiration_update
// payloads and keeps the earlier deadline. The server only ever shortens an
// expiry per hash, so the earlier deadline is safe for the combined set.
func mergeExpirationUpdates(existing, incoming []byte) ([]byte, error) {
	var a, b ExpirationUpdateDetails
	if err := DecodeDetails(existing, &a); err != nil {
		return nil, err
	}
	if err := DecodeDetails(incoming, &b); err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(a.Hashes)+len(b.Hashes))
	merged := make([]string, 0, len(a.Hashes)+len(b.Hashes))
	for _, h := range append(a.Hashes, b.Hashes...) {
		if !seen[h] {
			seen[h] = true
			merged = append(merged, h)
		}
	}
	sort.Strings(merged)
	a.Hashes = merged
	if b.ExpiryMs > 0 && (a.ExpiryMs == 0 || b.ExpiryMs < a.ExpiryMs) {
		a.ExpiryMs = b.ExpiryMs
	}
	return EncodeDetails(&a)
}
