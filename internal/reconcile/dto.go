package reconcile

import (
	"encoding/json"
	"fmt"
	"strings"
)

// The reconcilers below are the only code that reads or writes config entry
// values. Each namespace stores one JSON document per entity under a
// prefixed key.
const (
	keyProfile        = "profile"
	keyPrefixContact  = "contact/"
	keyPrefixThread   = "thread/"
	keyPrefixGroup    = "group/"
	keyPrefixCommunit = "community/"
)

// UserProfileInfo mirrors the user_profile namespace.
type UserProfileInfo struct {
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url,omitempty"`
	// Priority of the note-to-self conversation.
	Priority int64 `json:"priority"`
}

// SyncedContactInfo carries one contact's synced fields, including the
// one-to-one conversation's priority and disappearing-message settings.
type SyncedContactInfo struct {
	PublicKey         string `json:"public_key"`
	Name              string `json:"name,omitempty"`
	Nickname          string `json:"nickname,omitempty"`
	Approved          bool   `json:"approved,omitempty"`
	Blocked           bool   `json:"blocked,omitempty"`
	DidApproveMe      bool   `json:"did_approve_me,omitempty"`
	Priority          int64  `json:"priority"`
	ExpiresInSeconds  int64  `json:"expires_in_seconds,omitempty"`
	ExpireMode        string `json:"expire_mode,omitempty"`
	ExpireUpdatedAtMs int64  `json:"expire_updated_at_ms,omitempty"`
	CreatedAtMs       int64  `json:"created_at_ms,omitempty"`
}

// VolatileThreadInfo carries per-thread read state, synced through the
// convo_info_volatile namespace.
type VolatileThreadInfo struct {
	ThreadID            string `json:"thread_id"`
	LastReadTimestampMs int64  `json:"last_read_timestamp_ms"`
}

// LegacyGroupInfo carries one closed group's synced fields.
type LegacyGroupInfo struct {
	GroupID     string   `json:"group_id"`
	Name        string   `json:"name,omitempty"`
	Members     []string `json:"members,omitempty"`
	Priority    int64    `json:"priority"`
	JoinedAtMs  int64    `json:"joined_at_ms,omitempty"`
	EncPubKey   string   `json:"enc_pub_key,omitempty"`
	EncSecKey   string   `json:"enc_sec_key,omitempty"`
	ExpiresIn   int64    `json:"expires_in_seconds,omitempty"`
	ExpireAtMs  int64    `json:"expire_updated_at_ms,omitempty"`
	ExpireMode  string   `json:"expire_mode,omitempty"`
}

// CommunityInfo carries one community (open group) membership.
type CommunityInfo struct {
	BaseURL  string `json:"base_url"`
	Room     string `json:"room"`
	PubKey   string `json:"pub_key,omitempty"`
	Priority int64  `json:"priority"`
}

func contactKey(publicKey string) string { return keyPrefixContact + publicKey }
func threadKey(threadID string) string   { return keyPrefixThread + threadID }
func groupKey(groupID string) string     { return keyPrefixGroup + groupID }

func communityKey(baseURL, room string) string {
	return keyPrefixCommunit + strings.TrimSuffix(baseURL, "/") + "#" + room
}

func encode(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode config entry: %w", err)
	}
	return data, nil
}
