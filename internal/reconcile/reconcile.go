// Package reconcile maps merged config state onto relational storage and
// local edits back onto config objects. It is the only bridge between the
// two; nothing else reads config entries or writes synced columns.
package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/driftsync/driftsync/internal/configstore"
	"github.com/driftsync/driftsync/internal/storage"
)

// DefaultBufferWindow is the grace period during which local state beats a
// conflicting older remote control message.
const DefaultBufferWindow = 120 * time.Second

// JobScheduler lets the reconciler request follow-up work without importing
// the executor wiring.
type JobScheduler interface {
	// ScheduleConfigSync queues a deduplicated configuration sync for owner.
	ScheduleConfigSync(ctx context.Context, owner string) error
	// RearmExpirySweep wakes the disappearing-message schedule after expiry
	// timers changed.
	RearmExpirySweep(ctx context.Context) error
	// ScheduleExpirationUpdate pushes the deadlines of freshly started
	// after-read timers to the server so other devices learn them.
	ScheduleExpirationUpdate(ctx context.Context, owner, threadID string, started []*storage.Interaction) error
}

// Reconciler applies merged remote config state to the database and records
// local edits into the matching config namespace.
type Reconciler struct {
	store        *storage.Store
	configs      *configstore.Registry
	jobs         JobScheduler
	log          *slog.Logger
	now          func() time.Time
	bufferWindow time.Duration
}

// New creates a Reconciler. bufferWindow <= 0 selects the default.
func New(store *storage.Store, configs *configstore.Registry, jobs JobScheduler, log *slog.Logger, bufferWindow time.Duration) *Reconciler {
	if bufferWindow <= 0 {
		bufferWindow = DefaultBufferWindow
	}
	return &Reconciler{
		store:        store,
		configs:      configs,
		jobs:         jobs,
		log:          log,
		now:          time.Now,
		bufferWindow: bufferWindow,
	}
}

// SetNow overrides the clock, for tests.
func (r *Reconciler) SetNow(now func() time.Time) { r.now = now }

// CanPerformChange reports whether a control message with the given effective
// timestamp may still mutate synced state. Anything older than the last
// pushed dump minus the buffer window lost the race and must not undo newer
// synced state.
func (r *Reconciler) CanPerformChange(ctx context.Context, owner string, effectiveTsMs int64) (bool, error) {
	latest, err := r.store.LatestDumpTimestamp(ctx, owner)
	if err != nil {
		return false, err
	}
	return effectiveTsMs >= latest-r.bufferWindow.Milliseconds(), nil
}

// snapshot reads every live entry of a namespace under the object lock.
func (r *Reconciler) snapshot(ctx context.Context, namespace, owner string) (map[string]json.RawMessage, error) {
	obj, err := r.configs.Object(ctx, namespace, owner)
	if err != nil {
		return nil, err
	}
	entries := make(map[string]json.RawMessage)
	err = obj.Mutate(func(m *configstore.Mutator) {
		for _, k := range m.Keys() {
			entries[k] = m.Get(k)
		}
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// ApplyMerged pushes freshly merged remote state for one namespace down onto
// the relational rows. Called after every successful Merge.
func (r *Reconciler) ApplyMerged(ctx context.Context, namespace, owner string) error {
	entries, err := r.snapshot(ctx, namespace, owner)
	if err != nil {
		return fmt.Errorf("snapshot %s: %w", namespace, err)
	}

	switch namespace {
	case configstore.NamespaceContacts:
		return r.applyContacts(ctx, entries)
	case configstore.NamespaceConvoInfoVolatile:
		return r.applyVolatile(ctx, owner, entries)
	case configstore.NamespaceUserGroups:
		return r.applyGroups(ctx, entries)
	case configstore.NamespaceUserProfile:
		// Profile fields live only in the config object; nothing relational
		// to update.
		return nil
	default:
		return fmt.Errorf("unknown namespace %q", namespace)
	}
}

func (r *Reconciler) applyContacts(ctx context.Context, entries map[string]json.RawMessage) error {
	remote := make(map[string]bool)
	for key, raw := range entries {
		if !strings.HasPrefix(key, keyPrefixContact) {
			continue
		}
		var info SyncedContactInfo
		if err := json.Unmarshal(raw, &info); err != nil {
			r.log.Warn("skipping undecodable contact entry", "key", key, "error", err)
			continue
		}
		remote[info.PublicKey] = true
		if err := r.applyContact(ctx, &info); err != nil {
			return err
		}
	}

	// Deletion on divergence: contacts the merged set no longer contains are
	// gone on every other device. Drafts are exempt, the user may be mid
	// composition on this one.
	locals, err := r.store.ListContacts(ctx)
	if err != nil {
		return err
	}
	for _, c := range locals {
		if remote[c.PublicKey] {
			continue
		}
		conv, err := r.store.GetConversation(ctx, c.PublicKey)
		if err != nil {
			return err
		}
		if conv != nil && conv.Draft {
			continue
		}
		if err := r.store.DeleteContact(ctx, c.PublicKey); err != nil {
			return err
		}
		if conv != nil {
			if err := r.store.DeleteConversation(ctx, conv.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Reconciler) applyContact(ctx context.Context, info *SyncedContactInfo) error {
	local, err := r.store.GetContact(ctx, info.PublicKey)
	if err != nil {
		return err
	}

	contact := &storage.Contact{
		PublicKey:    info.PublicKey,
		Name:         info.Name,
		Nickname:     info.Nickname,
		Approved:     info.Approved,
		Blocked:      info.Blocked,
		DidApproveMe: info.DidApproveMe,
		UpdatedAt:    r.now().UnixMilli(),
	}
	if local == nil || contact.Name != local.Name || contact.Nickname != local.Nickname ||
		contact.Approved != local.Approved || contact.Blocked != local.Blocked ||
		contact.DidApproveMe != local.DidApproveMe {
		if err := r.store.UpsertContact(ctx, contact); err != nil {
			return err
		}
	}

	conv, err := r.store.GetConversation(ctx, info.PublicKey)
	if err != nil {
		return err
	}
	if conv == nil {
		conv = &storage.Conversation{
			ID:        info.PublicKey,
			Kind:      storage.ConversationContact,
			CreatedAt: info.CreatedAtMs,
		}
		if conv.CreatedAt == 0 {
			conv.CreatedAt = r.now().UnixMilli()
		}
	}

	// Remote priority is itself the merged value; it always overwrites.
	conv.Priority = info.Priority
	conv.Draft = false

	// The disappearing settings carry their own timestamp; remote wins only
	// when strictly newer.
	if info.ExpireUpdatedAtMs > conv.ExpireUpdatedAt {
		conv.ExpiresIn = info.ExpiresInSeconds
		conv.ExpireMode = info.ExpireMode
		if conv.ExpireMode == "" {
			conv.ExpireMode = storage.ExpireModeNone
		}
		conv.ExpireUpdatedAt = info.ExpireUpdatedAtMs
	}
	if info.Name != "" {
		conv.Name = info.Name
	}
	return r.store.UpsertConversation(ctx, conv)
}

func (r *Reconciler) applyVolatile(ctx context.Context, owner string, entries map[string]json.RawMessage) error {
	nowMs := r.now().UnixMilli()
	for key, raw := range entries {
		if !strings.HasPrefix(key, keyPrefixThread) {
			continue
		}
		var info VolatileThreadInfo
		if err := json.Unmarshal(raw, &info); err != nil {
			r.log.Warn("skipping undecodable volatile entry", "key", key, "error", err)
			continue
		}
		conv, err := r.store.GetConversation(ctx, info.ThreadID)
		if err != nil {
			return err
		}
		if conv == nil || info.LastReadTimestampMs <= conv.LastReadAt {
			continue
		}
		started, err := r.store.MarkThreadRead(ctx, info.ThreadID, info.LastReadTimestampMs, nowMs)
		if err != nil {
			return err
		}
		conv.LastReadAt = info.LastReadTimestampMs
		if err := r.store.UpsertConversation(ctx, conv); err != nil {
			return err
		}
		if len(started) > 0 {
			if err := r.jobs.RearmExpirySweep(ctx); err != nil {
				return err
			}
			if err := r.jobs.ScheduleExpirationUpdate(ctx, owner, info.ThreadID, started); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Reconciler) applyGroups(ctx context.Context, entries map[string]json.RawMessage) error {
	remote := make(map[string]bool)
	for key, raw := range entries {
		switch {
		case strings.HasPrefix(key, keyPrefixGroup):
			var info LegacyGroupInfo
			if err := json.Unmarshal(raw, &info); err != nil {
				r.log.Warn("skipping undecodable group entry", "key", key, "error", err)
				continue
			}
			remote[info.GroupID] = true
			if err := r.applyGroupConversation(ctx, info.GroupID, storage.ConversationLegacyGroup, info.Name, info.Priority, info.ExpiresIn, info.ExpireMode, info.ExpireAtMs); err != nil {
				return err
			}
		case strings.HasPrefix(key, keyPrefixCommunit):
			var info CommunityInfo
			if err := json.Unmarshal(raw, &info); err != nil {
				r.log.Warn("skipping undecodable community entry", "key", key, "error", err)
				continue
			}
			id := communityKey(info.BaseURL, info.Room)
			remote[id] = true
			if err := r.applyGroupConversation(ctx, id, storage.ConversationCommunity, info.Room, info.Priority, 0, "", 0); err != nil {
				return err
			}
		}
	}

	for _, kind := range []string{storage.ConversationLegacyGroup, storage.ConversationCommunity} {
		convs, err := r.store.ListConversations(ctx, kind)
		if err != nil {
			return err
		}
		for _, c := range convs {
			if remote[c.ID] || c.Draft {
				continue
			}
			if err := r.store.DeleteConversation(ctx, c.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Reconciler) applyGroupConversation(ctx context.Context, id, kind, name string, priority, expiresIn int64, expireMode string, expireUpdatedAt int64) error {
	conv, err := r.store.GetConversation(ctx, id)
	if err != nil {
		return err
	}
	if conv == nil {
		conv = &storage.Conversation{
			ID:         id,
			Kind:       kind,
			ExpireMode: storage.ExpireModeNone,
			CreatedAt:  r.now().UnixMilli(),
		}
	}
	conv.Priority = priority
	conv.Draft = false
	if name != "" {
		conv.Name = name
	}
	if expireUpdatedAt > conv.ExpireUpdatedAt {
		conv.ExpiresIn = expiresIn
		conv.ExpireMode = expireMode
		if conv.ExpireMode == "" {
			conv.ExpireMode = storage.ExpireModeNone
		}
		conv.ExpireUpdatedAt = expireUpdatedAt
	}
	return r.store.UpsertConversation(ctx, conv)
}

// pushChange applies mutation to a namespace and queues a sync when the
// object became dirty.
func (r *Reconciler) pushChange(ctx context.Context, namespace, owner string, mutation func(m *configstore.Mutator)) error {
	needsPush, err := r.configs.PerformAndPushChange(ctx, namespace, owner, mutation)
	if err != nil {
		return err
	}
	if needsPush {
		if err := r.jobs.ScheduleConfigSync(ctx, owner); err != nil {
			return err
		}
	}
	return nil
}

// UpdateContact writes a locally edited contact to the database and records
// it in the contacts namespace.
func (r *Reconciler) UpdateContact(ctx context.Context, owner string, info *SyncedContactInfo) error {
	if err := r.applyContact(ctx, info); err != nil {
		return err
	}
	value, err := encode(info)
	if err != nil {
		return err
	}
	nowMs := r.now().UnixMilli()
	return r.pushChange(ctx, configstore.NamespaceContacts, owner, func(m *configstore.Mutator) {
		m.Set(contactKey(info.PublicKey), value, nowMs)
	})
}

// SetConversationPriority pins, unpins, or hides a conversation and syncs the
// new priority through the owning namespace.
func (r *Reconciler) SetConversationPriority(ctx context.Context, owner, threadID string, priority int64) error {
	conv, err := r.store.GetConversation(ctx, threadID)
	if err != nil {
		return err
	}
	if conv == nil {
		return fmt.Errorf("set priority: conversation %s not found", threadID)
	}
	if err := r.store.UpdateConversationPriority(ctx, threadID, priority); err != nil {
		return err
	}

	nowMs := r.now().UnixMilli()
	switch conv.Kind {
	case storage.ConversationContact:
		contact, err := r.store.GetContact(ctx, threadID)
		if err != nil {
			return err
		}
		info := &SyncedContactInfo{PublicKey: threadID, Priority: priority, CreatedAtMs: conv.CreatedAt}
		if contact != nil {
			info.Name = contact.Name
			info.Nickname = contact.Nickname
			info.Approved = contact.Approved
			info.Blocked = contact.Blocked
			info.DidApproveMe = contact.DidApproveMe
		}
		info.ExpiresInSeconds = conv.ExpiresIn
		info.ExpireMode = conv.ExpireMode
		info.ExpireUpdatedAtMs = conv.ExpireUpdatedAt
		value, err := encode(info)
		if err != nil {
			return err
		}
		return r.pushChange(ctx, configstore.NamespaceContacts, owner, func(m *configstore.Mutator) {
			m.Set(contactKey(threadID), value, nowMs)
		})

	case storage.ConversationLegacyGroup:
		return r.pushChange(ctx, configstore.NamespaceUserGroups, owner, func(m *configstore.Mutator) {
			raw := m.Get(groupKey(threadID))
			var info LegacyGroupInfo
			if raw != nil {
				if err := json.Unmarshal(raw, &info); err != nil {
					info = LegacyGroupInfo{}
				}
			}
			info.GroupID = threadID
			info.Priority = priority
			value, err := encode(&info)
			if err != nil {
				return
			}
			m.Set(groupKey(threadID), value, nowMs)
		})

	case storage.ConversationCommunity:
		return r.pushChange(ctx, configstore.NamespaceUserGroups, owner, func(m *configstore.Mutator) {
			raw := m.Get(threadID)
			var info CommunityInfo
			if raw != nil {
				if err := json.Unmarshal(raw, &info); err != nil {
					info = CommunityInfo{}
				}
			}
			info.Priority = priority
			value, err := encode(&info)
			if err != nil {
				return
			}
			m.Set(threadID, value, nowMs)
		})

	default:
		return fmt.Errorf("set priority: unknown conversation kind %q", conv.Kind)
	}
}

// MarkRead records that the user read a thread up to upToMs, starts any
// after-read expiry timers, and syncs the read position.
func (r *Reconciler) MarkRead(ctx context.Context, owner, threadID string, upToMs int64) error {
	conv, err := r.store.GetConversation(ctx, threadID)
	if err != nil {
		return err
	}
	if conv == nil {
		return fmt.Errorf("mark read: conversation %s not found", threadID)
	}
	if upToMs <= conv.LastReadAt {
		return nil
	}

	started, err := r.store.MarkThreadRead(ctx, threadID, upToMs, r.now().UnixMilli())
	if err != nil {
		return err
	}
	conv.LastReadAt = upToMs
	if err := r.store.UpsertConversation(ctx, conv); err != nil {
		return err
	}
	if len(started) > 0 {
		if err := r.jobs.RearmExpirySweep(ctx); err != nil {
			return err
		}
		if err := r.jobs.ScheduleExpirationUpdate(ctx, owner, threadID, started); err != nil {
			return err
		}
	}

	value, err := encode(&VolatileThreadInfo{ThreadID: threadID, LastReadTimestampMs: upToMs})
	if err != nil {
		return err
	}
	nowMs := r.now().UnixMilli()
	return r.pushChange(ctx, configstore.NamespaceConvoInfoVolatile, owner, func(m *configstore.Mutator) {
		m.Set(threadKey(threadID), value, nowMs)
	})
}

// SetProfile updates the synced user profile.
func (r *Reconciler) SetProfile(ctx context.Context, owner string, info *UserProfileInfo) error {
	value, err := encode(info)
	if err != nil {
		return err
	}
	nowMs := r.now().UnixMilli()
	return r.pushChange(ctx, configstore.NamespaceUserProfile, owner, func(m *configstore.Mutator) {
		m.Set(keyProfile, value, nowMs)
	})
}

// Profile returns the synced user profile, or nil when never set.
func (r *Reconciler) Profile(ctx context.Context, owner string) (*UserProfileInfo, error) {
	entries, err := r.snapshot(ctx, configstore.NamespaceUserProfile, owner)
	if err != nil {
		return nil, err
	}
	raw, ok := entries[keyProfile]
	if !ok {
		return nil, nil
	}
	var info UserProfileInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	return &info, nil
}

// SetGroup records a joined or updated closed group locally and in config.
func (r *Reconciler) SetGroup(ctx context.Context, owner string, info *LegacyGroupInfo) error {
	if err := r.applyGroupConversation(ctx, info.GroupID, storage.ConversationLegacyGroup,
		info.Name, info.Priority, info.ExpiresIn, info.ExpireMode, info.ExpireAtMs); err != nil {
		return err
	}
	value, err := encode(info)
	if err != nil {
		return err
	}
	nowMs := r.now().UnixMilli()
	return r.pushChange(ctx, configstore.NamespaceUserGroups, owner, func(m *configstore.Mutator) {
		m.Set(groupKey(info.GroupID), value, nowMs)
	})
}

// RemoveGroup drops a group locally and tombstones its config entry so the
// removal propagates to other devices.
func (r *Reconciler) RemoveGroup(ctx context.Context, owner, groupID string) error {
	if err := r.store.DeleteConversation(ctx, groupID); err != nil {
		return err
	}
	nowMs := r.now().UnixMilli()
	return r.pushChange(ctx, configstore.NamespaceUserGroups, owner, func(m *configstore.Mutator) {
		m.Delete(groupKey(groupID), nowMs)
	})
}

// ApplyExpirationTimerUpdate handles an incoming ExpirationTimerUpdate
// control message. The info interaction is always recorded so the user sees
// the event; the state mutation is suppressed when the message lost against
// newer synced state (buffer window).
func (r *Reconciler) ApplyExpirationTimerUpdate(ctx context.Context, owner, threadID, mode string, seconds, effectiveTsMs int64) error {
	body := fmt.Sprintf("disappearing messages set to %ds (%s)", seconds, mode)
	if seconds == 0 {
		body = "disappearing messages turned off"
	}
	if _, err := r.store.InsertInteraction(ctx, &storage.Interaction{
		ThreadID: threadID,
		Kind:     storage.InteractionInfoExpiration,
		Body:     body,
		SentAt:   effectiveTsMs,
		ReadAt:   r.now().UnixMilli(),
	}); err != nil {
		return err
	}

	ok, err := r.CanPerformChange(ctx, owner, effectiveTsMs)
	if err != nil {
		return err
	}
	if !ok {
		r.log.Info("suppressed stale expiration timer update",
			"thread", threadID, "effective_ts", effectiveTsMs)
		return nil
	}

	conv, err := r.store.GetConversation(ctx, threadID)
	if err != nil {
		return err
	}
	if conv == nil {
		return fmt.Errorf("timer update: conversation %s not found", threadID)
	}
	if effectiveTsMs <= conv.ExpireUpdatedAt {
		return nil
	}
	conv.ExpiresIn = seconds
	conv.ExpireMode = mode
	if seconds == 0 {
		conv.ExpireMode = storage.ExpireModeNone
	}
	conv.ExpireUpdatedAt = effectiveTsMs
	if err := r.store.UpsertConversation(ctx, conv); err != nil {
		return err
	}

	if conv.Kind != storage.ConversationContact {
		return nil
	}
	contact, err := r.store.GetContact(ctx, threadID)
	if err != nil {
		return err
	}
	info := &SyncedContactInfo{
		PublicKey:         threadID,
		Priority:          conv.Priority,
		ExpiresInSeconds:  conv.ExpiresIn,
		ExpireMode:        conv.ExpireMode,
		ExpireUpdatedAtMs: conv.ExpireUpdatedAt,
		CreatedAtMs:       conv.CreatedAt,
	}
	if contact != nil {
		info.Name = contact.Name
		info.Nickname = contact.Nickname
		info.Approved = contact.Approved
		info.Blocked = contact.Blocked
		info.DidApproveMe = contact.DidApproveMe
	}
	value, err := encode(info)
	if err != nil {
		return err
	}
	return r.pushChange(ctx, configstore.NamespaceContacts, owner, func(m *configstore.Mutator) {
		m.Set(contactKey(threadID), value, effectiveTsMs)
	})
}
