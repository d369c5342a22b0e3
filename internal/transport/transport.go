// Package transport models the swarm network boundary as opaque
// request/response calls keyed by destination and namespace. The wire
// format and onion routing live on the other side of this interface.
package transport

import (
	"context"
	"errors"
	"fmt"
)

// DefaultTimeout is the baseline request timeout; executors that must not
// hang wrap their calls in a multiple of it.
const DefaultTimeout = 10 // seconds

// SentMessage is the server's acknowledgement of a stored message.
type SentMessage struct {
	ServerHash        string
	ServerTimestampMs int64
	// ExpiryMs is the server-side expiry assigned to the message, 0 if none.
	ExpiryMs int64
}

// ConfigPush is one outgoing config diff within a batch.
type ConfigPush struct {
	Namespace string
	Data      []byte
	Seqno     int64
}

// ConfigPushResult is the per-diff outcome; the server preserves request
// order, so results are matched to pushes positionally.
type ConfigPushResult struct {
	Hash string
	OK   bool
}

// ReceivedMessage is one stored message fetched from the swarm.
type ReceivedMessage struct {
	ServerHash        string
	Data              []byte
	ServerTimestampMs int64
	Namespace         string
}

// Client is the engine's view of the network.
type Client interface {
	// SendMessage stores one sealed message for a destination account.
	SendMessage(ctx context.Context, destination string, payload []byte) (*SentMessage, error)
	// StoreConfigs stores a batch of config diffs for owner and deletes
	// the obsolete hashes in the same round. Results are positional.
	StoreConfigs(ctx context.Context, owner string, pushes []ConfigPush, obsolete []string) ([]ConfigPushResult, error)
	// DeleteMessages removes stored messages by hash.
	DeleteMessages(ctx context.Context, owner string, hashes []string) error
	// GetExpiries returns the server-side expiry (unix ms) for each hash
	// it still knows; absent hashes have already expired server-side.
	GetExpiries(ctx context.Context, owner string, hashes []string) (map[string]int64, error)
	// UpdateExpiries asks the server to shorten the expiry of the given
	// hashes, returning the applied expiry per hash.
	UpdateExpiries(ctx context.Context, owner string, hashes []string, expiryMs int64) (map[string]int64, error)
	// UploadAttachment stores an attachment blob, returning its remote id.
	UploadAttachment(ctx context.Context, data []byte) (string, error)
	// DownloadAttachment fetches an attachment blob by remote id.
	DownloadAttachment(ctx context.Context, remoteID string) ([]byte, error)
}

// StatusError carries an HTTP-level status from the swarm for
// classification by executors.
type StatusError struct {
	Code int
	Msg  string
}

func (e *StatusError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("swarm status %d: %s", e.Code, e.Msg)
	}
	return fmt.Sprintf("swarm status %d", e.Code)
}

// ErrClockSkew is returned when the server rejects a request because the
// client clock is too far off.
var ErrClockSkew = errors.New("clock out of sync with swarm")

// ErrTimeout is returned when a request exceeded its deadline.
var ErrTimeout = errors.New("request timed out")

// StatusCode extracts the HTTP status from err, or 0.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}
