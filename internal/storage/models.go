package storage

import "time"

// Job variants, one per executor.
const (
	VariantMessageSend          = "message_send"
	VariantMessageReceive       = "message_receive"
	VariantConfigMessageReceive = "config_message_receive"
	VariantConfigurationSync    = "configuration_sync"
	VariantAttachmentUpload     = "attachment_upload"
	VariantAttachmentDownload   = "attachment_download"
	VariantDisappearingMessages = "disappearing_messages"
	VariantGetExpiration        = "get_expiration"
	VariantExpirationUpdate     = "expiration_update"
	VariantGroupLeaving         = "group_leaving"
	VariantSendReadReceipts     = "send_read_receipts"
	VariantGarbageCollection    = "garbage_collection"
)

// Job behaviours.
const (
	BehaviourRunOnce   = "run_once"
	BehaviourRecurring = "recurring"
)

// Job states.
const (
	StatePending = "pending"
	StateRunning = "running"
	StateDead    = "dead"
)

// MaxFailuresInfinite marks a job as retryable forever; MaxFailuresNone
// means a single transient failure is already terminal.
const (
	MaxFailuresInfinite = -1
	MaxFailuresNone     = 0
)

// uniquePerThread lists the variants that allow at most one non-terminal
// job per (variant, thread). These are also the variants the runner
// serializes per thread at dispatch time.
var uniquePerThread = map[string]bool{
	VariantConfigurationSync:    true,
	VariantSendReadReceipts:     true,
	VariantDisappearingMessages: true,
	VariantGroupLeaving:         true,
	VariantExpirationUpdate:     true,
	VariantGarbageCollection:    true,
}

// UniquePerThread reports whether variant permits only one queued or
// running job per thread id.
func UniquePerThread(variant string) bool {
	return uniquePerThread[variant]
}

// Job is one persisted unit of network-facing work.
type Job struct {
	ID            string
	Variant       string
	Behaviour     string
	State         string
	ThreadID      string // empty when the job is not thread-scoped
	InteractionID int64  // 0 when the job is not interaction-scoped
	Details       []byte // variant-specific payload, see details.go
	FailureCount  int
	MaxFailures   int
	NextRunAt     int64 // unix ms; 0 disarms a recurring job
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Terminal reports whether the job can never run again.
func (j *Job) Terminal() bool {
	return j.State == StateDead
}

// Conversation kinds.
const (
	ConversationContact     = "contact"
	ConversationLegacyGroup = "legacy_group"
	ConversationCommunity   = "community"
)

// Expiration modes for disappearing messages.
const (
	ExpireModeNone      = "none"
	ExpireModeAfterSend = "after_send"
	ExpireModeAfterRead = "after_read"
)

// Group leaving statuses.
const (
	LeavingStatusNone    = ""
	LeavingStatusLeaving = "leaving"
	LeavingStatusError   = "error"
)

// Conversation is one thread row. Priority doubles as the visibility flag
// and pin rank: negative = hidden, 0 = visible-unpinned, positive = pinned
// (larger = more recently pinned).
type Conversation struct {
	ID              string
	Kind            string
	Priority        int64
	Draft           bool // visible but not yet committed to config state
	LastReadAt      int64
	ExpiresIn       int64 // seconds; 0 = disappearing messages off
	ExpireMode      string
	ExpireUpdatedAt int64 // unix ms of the last timer change
	Name            string
	LeavingStatus   string
	CreatedAt       int64 // unix ms
}

// Visible reports whether the conversation appears in the conversation list.
func (c *Conversation) Visible() bool {
	return c.Priority >= 0
}

// Contact is the per-account peer record.
type Contact struct {
	PublicKey    string
	Name         string
	Nickname     string
	Approved     bool
	Blocked      bool
	DidApproveMe bool
	UpdatedAt    int64 // unix ms of the last synced change
}

// Interaction delivery statuses.
const (
	DeliverySending = "sending"
	DeliverySent    = "sent"
	DeliveryFailed  = "failed"
)

// Interaction kinds.
const (
	InteractionStandard        = "standard"
	InteractionInfoExpiration  = "info_expiration_update"
	InteractionInfoGroupUpdate = "info_group_update"
)

// Interaction is one message row.
type Interaction struct {
	ID               int64
	ThreadID         string
	Kind             string
	Body             string
	ServerHash       string
	SentAt           int64 // unix ms
	ReadAt           int64 // unix ms; 0 = unread
	ExpiresIn        int64 // seconds
	ExpiresStartedAt int64 // unix ms; 0 = timer not started
	DeliveryStatus   string
	Outgoing         bool
}

// ExpiresAt returns the unix ms deadline, or 0 if no timer is running.
func (i *Interaction) ExpiresAt() int64 {
	if i.ExpiresIn <= 0 || i.ExpiresStartedAt <= 0 {
		return 0
	}
	return i.ExpiresStartedAt + i.ExpiresIn*1000
}

// Attachment states.
const (
	AttachmentPendingUpload   = "pending_upload"
	AttachmentUploading       = "uploading"
	AttachmentUploaded        = "uploaded"
	AttachmentPendingDownload = "pending_download"
	AttachmentDownloading     = "downloading"
	AttachmentDownloaded      = "downloaded"
	AttachmentInvalid         = "invalid"
	AttachmentFailedManual    = "failed_manual" // needs an explicit user retry
)

// Attachment is one stored attachment reference.
type Attachment struct {
	ID            string
	InteractionID int64
	State         string
	RemoteID      string // server-side identifier once uploaded
	Size          int64
	CreatedAt     time.Time
}

// ConfigDump is the persisted snapshot of one mergeable config object.
type ConfigDump struct {
	Variant     string
	PublicKey   string
	Data        []byte
	TimestampMs int64
}
