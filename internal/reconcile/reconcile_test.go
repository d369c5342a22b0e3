package reconcile

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/driftsync/driftsync/internal/configstore"
	"github.com/driftsync/driftsync/internal/storage"
)

const owner = "05aabbcc"

type fakeJobs struct {
	syncs         int
	rearms        int
	expiryUpdates []*storage.Interaction
}

func (f *fakeJobs) ScheduleConfigSync(ctx context.Context, owner string) error {
	f.syncs++
	return nil
}

func (f *fakeJobs) RearmExpirySweep(ctx context.Context) error {
	f.rearms++
	return nil
}

func (f *fakeJobs) ScheduleExpirationUpdate(ctx context.Context, owner, threadID string, started []*storage.Interaction) error {
	f.expiryUpdates = append(f.expiryUpdates, started...)
	return nil
}

func newTestReconciler(t *testing.T) (*Reconciler, *storage.Store, *configstore.Registry, *fakeJobs) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	reg := configstore.NewRegistry(store)
	jobs := &fakeJobs{}
	r := New(store, reg, jobs, slog.Default(), 0)
	return r, store, reg, jobs
}

// mergeRemote simulates another device's config message landing in a
// namespace: the entries are written straight into the object.
func mergeRemote(t *testing.T, reg *configstore.Registry, namespace string, set func(m *configstore.Mutator)) {
	t.Helper()
	obj, err := reg.Object(context.Background(), namespace, owner)
	if err != nil {
		t.Fatalf("Object: %v", err)
	}
	if err := obj.Mutate(set); err != nil {
		t.Fatalf("Mutate: %v", err)
	}
}

func contactJSON(t *testing.T, info *SyncedContactInfo) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(info)
	if err != nil {
		t.Fatalf("marshal contact: %v", err)
	}
	return data
}

func TestApplyMerged_RemotePriorityOverwrites(t *testing.T) {
	ctx := context.Background()
	r, store, reg, _ := newTestReconciler(t)

	// Locally hidden.
	if err := store.UpsertConversation(ctx, &storage.Conversation{
		ID: "peer-1", Kind: storage.ConversationContact, Priority: -1,
		ExpireMode: storage.ExpireModeNone, CreatedAt: 1,
	}); err != nil {
		t.Fatalf("UpsertConversation: %v", err)
	}

	// Device B pinned the same contact at rank 3 later.
	mergeRemote(t, reg, configstore.NamespaceContacts, func(m *configstore.Mutator) {
		m.Set("contact/peer-1", contactJSON(t, &SyncedContactInfo{
			PublicKey: "peer-1", Name: "Ada", Priority: 3,
		}), 9000)
	})
	if err := r.ApplyMerged(ctx, configstore.NamespaceContacts, owner); err != nil {
		t.Fatalf("ApplyMerged: %v", err)
	}

	conv, err := store.GetConversation(ctx, "peer-1")
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if !conv.Visible() {
		t.Error("conversation hidden after remote pin, want visible")
	}
	if conv.Priority != 3 {
		t.Errorf("Priority = %d, want 3", conv.Priority)
	}

	contact, err := store.GetContact(ctx, "peer-1")
	if err != nil {
		t.Fatalf("GetContact: %v", err)
	}
	if contact == nil || contact.Name != "Ada" {
		t.Errorf("contact = %+v, want name Ada", contact)
	}
}

func TestApplyMerged_ExpireSettingsStrictlyNewerWins(t *testing.T) {
	ctx := context.Background()
	r, store, reg, _ := newTestReconciler(t)

	if err := store.UpsertConversation(ctx, &storage.Conversation{
		ID: "peer-1", Kind: storage.ConversationContact,
		ExpiresIn: 60, ExpireMode: storage.ExpireModeAfterRead, ExpireUpdatedAt: 5000,
		CreatedAt: 1,
	}); err != nil {
		t.Fatalf("UpsertConversation: %v", err)
	}

	// Older remote timer setting must not clobber the newer local one.
	mergeRemote(t, reg, configstore.NamespaceContacts, func(m *configstore.Mutator) {
		m.Set("contact/peer-1", contactJSON(t, &SyncedContactInfo{
			PublicKey: "peer-1", ExpiresInSeconds: 30,
			ExpireMode: storage.ExpireModeAfterSend, ExpireUpdatedAtMs: 4000,
		}), 4000)
	})
	if err := r.ApplyMerged(ctx, configstore.NamespaceContacts, owner); err != nil {
		t.Fatalf("ApplyMerged: %v", err)
	}

	conv, err := store.GetConversation(ctx, "peer-1")
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if conv.ExpiresIn != 60 || conv.ExpireMode != storage.ExpireModeAfterRead {
		t.Errorf("timer = %d/%s, want local 60/after_read to survive older remote", conv.ExpiresIn, conv.ExpireMode)
	}

	// A strictly newer remote setting replaces it.
	mergeRemote(t, reg, configstore.NamespaceContacts, func(m *configstore.Mutator) {
		m.Set("contact/peer-1", contactJSON(t, &SyncedContactInfo{
			PublicKey: "peer-1", ExpiresInSeconds: 30,
			ExpireMode: storage.ExpireModeAfterSend, ExpireUpdatedAtMs: 6000,
		}), 6000)
	})
	if err := r.ApplyMerged(ctx, configstore.NamespaceContacts, owner); err != nil {
		t.Fatalf("second ApplyMerged: %v", err)
	}
	conv, err = store.GetConversation(ctx, "peer-1")
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if conv.ExpiresIn != 30 || conv.ExpireMode != storage.ExpireModeAfterSend {
		t.Errorf("timer = %d/%s, want newer remote 30/after_send", conv.ExpiresIn, conv.ExpireMode)
	}
}

func TestApplyMerged_DeletionOnDivergenceExemptsDrafts(t *testing.T) {
	ctx := context.Background()
	r, store, reg, _ := newTestReconciler(t)

	for _, pk := range []string{"keep", "gone", "draft"} {
		if err := store.UpsertContact(ctx, &storage.Contact{PublicKey: pk}); err != nil {
			t.Fatalf("UpsertContact %s: %v", pk, err)
		}
		if err := store.UpsertConversation(ctx, &storage.Conversation{
			ID: pk, Kind: storage.ConversationContact, Draft: pk == "draft",
			ExpireMode: storage.ExpireModeNone, CreatedAt: 1,
		}); err != nil {
			t.Fatalf("UpsertConversation %s: %v", pk, err)
		}
	}

	// The merged remote set only contains "keep".
	mergeRemote(t, reg, configstore.NamespaceContacts, func(m *configstore.Mutator) {
		m.Set("contact/keep", contactJSON(t, &SyncedContactInfo{PublicKey: "keep"}), 100)
	})
	if err := r.ApplyMerged(ctx, configstore.NamespaceContacts, owner); err != nil {
		t.Fatalf("ApplyMerged: %v", err)
	}

	if c, _ := store.GetContact(ctx, "keep"); c == nil {
		t.Error("contact keep was deleted, want retained")
	}
	if c, _ := store.GetContact(ctx, "gone"); c != nil {
		t.Error("contact gone survived, want deleted on divergence")
	}
	if conv, _ := store.GetConversation(ctx, "gone"); conv != nil {
		t.Error("conversation gone survived, want deleted")
	}
	if conv, _ := store.GetConversation(ctx, "draft"); conv == nil {
		t.Error("draft conversation deleted, want exempt from divergence cleanup")
	}
}

func TestCanPerformChange_BufferWindow(t *testing.T) {
	ctx := context.Background()
	r, store, _, _ := newTestReconciler(t)

	const dumpTs = int64(1_000_000)
	if err := store.SaveConfigDump(ctx, &storage.ConfigDump{
		Variant: configstore.NamespaceContacts, PublicKey: owner,
		Data: []byte("{}"), TimestampMs: dumpTs,
	}); err != nil {
		t.Fatalf("SaveConfigDump: %v", err)
	}

	window := DefaultBufferWindow.Milliseconds()
	tests := []struct {
		name string
		ts   int64
		want bool
	}{
		{"just inside the window", dumpTs - window, true},
		{"one ms too old", dumpTs - window - 1, false},
		{"newer than the dump", dumpTs + 1, true},
	}
	for _, tt := range tests {
		got, err := r.CanPerformChange(ctx, owner, tt.ts)
		if err != nil {
			t.Fatalf("%s: CanPerformChange: %v", tt.name, err)
		}
		if got != tt.want {
			t.Errorf("%s: CanPerformChange(%d) = %v, want %v", tt.name, tt.ts, got, tt.want)
		}
	}
}

func TestApplyExpirationTimerUpdate_SuppressedButRecorded(t *testing.T) {
	ctx := context.Background()
	r, store, _, _ := newTestReconciler(t)

	const dumpTs = int64(10_000_000)
	if err := store.SaveConfigDump(ctx, &storage.ConfigDump{
		Variant: configstore.NamespaceContacts, PublicKey: owner,
		Data: []byte("{}"), TimestampMs: dumpTs,
	}); err != nil {
		t.Fatalf("SaveConfigDump: %v", err)
	}
	if err := store.UpsertConversation(ctx, &storage.Conversation{
		ID: "peer-1", Kind: storage.ConversationContact,
		ExpiresIn: 60, ExpireMode: storage.ExpireModeAfterRead, ExpireUpdatedAt: dumpTs,
		CreatedAt: 1,
	}); err != nil {
		t.Fatalf("UpsertConversation: %v", err)
	}

	// A delayed control message from before the buffer window must not undo
	// the synced timer, but the info row still appears for the user.
	stale := dumpTs - DefaultBufferWindow.Milliseconds() - 1
	if err := r.ApplyExpirationTimerUpdate(ctx, owner, "peer-1", storage.ExpireModeAfterSend, 30, stale); err != nil {
		t.Fatalf("ApplyExpirationTimerUpdate: %v", err)
	}

	conv, err := store.GetConversation(ctx, "peer-1")
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if conv.ExpiresIn != 60 || conv.ExpireMode != storage.ExpireModeAfterRead {
		t.Errorf("timer = %d/%s, want untouched 60/after_read", conv.ExpiresIn, conv.ExpireMode)
	}

	i, err := store.GetInteraction(ctx, 1)
	if err != nil {
		t.Fatalf("GetInteraction: %v", err)
	}
	if i == nil || i.Kind != storage.InteractionInfoExpiration {
		t.Errorf("info interaction = %+v, want recorded expiration update", i)
	}

	// A fresh update inside the window applies.
	if err := r.ApplyExpirationTimerUpdate(ctx, owner, "peer-1", storage.ExpireModeAfterSend, 30, dumpTs+1); err != nil {
		t.Fatalf("second ApplyExpirationTimerUpdate: %v", err)
	}
	conv, err = store.GetConversation(ctx, "peer-1")
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if conv.ExpiresIn != 30 || conv.ExpireMode != storage.ExpireModeAfterSend {
		t.Errorf("timer = %d/%s after valid update, want 30/after_send", conv.ExpiresIn, conv.ExpireMode)
	}
}

func TestSetConversationPriority_PinnedOrdering(t *testing.T) {
	ctx := context.Background()
	r, store, _, jobs := newTestReconciler(t)

	for i, id := range []string{"a", "b", "c", "hidden"} {
		if err := store.UpsertContact(ctx, &storage.Contact{PublicKey: id}); err != nil {
			t.Fatalf("UpsertContact: %v", err)
		}
		if err := store.UpsertConversation(ctx, &storage.Conversation{
			ID: id, Kind: storage.ConversationContact,
			ExpireMode: storage.ExpireModeNone, CreatedAt: int64(i),
		}); err != nil {
			t.Fatalf("UpsertConversation: %v", err)
		}
	}
	// b pinned most recently, then a; c unpinned; hidden is hidden.
	for id, prio := range map[string]int64{"a": 1, "b": 2, "c": 0, "hidden": -1} {
		if err := r.SetConversationPriority(ctx, owner, id, prio); err != nil {
			t.Fatalf("SetConversationPriority %s: %v", id, err)
		}
	}
	if jobs.syncs == 0 {
		t.Error("priority changes scheduled no config sync")
	}

	visible, err := store.VisibleConversations(ctx)
	if err != nil {
		t.Fatalf("VisibleConversations: %v", err)
	}
	if len(visible) != 3 {
		t.Fatalf("len(visible) = %d, want 3 (hidden excluded)", len(visible))
	}
	wantOrder := []string{"b", "a", "c"}
	for i, want := range wantOrder {
		if visible[i].ID != want {
			t.Errorf("visible[%d] = %s, want %s", i, visible[i].ID, want)
		}
	}
}

func TestMarkRead_SyncsAndStartsTimers(t *testing.T) {
	ctx := context.Background()
	r, store, _, jobs := newTestReconciler(t)
	r.SetNow(func() time.Time { return time.UnixMilli(50_000) })

	if err := store.UpsertConversation(ctx, &storage.Conversation{
		ID: "peer-1", Kind: storage.ConversationContact,
		ExpiresIn: 60, ExpireMode: storage.ExpireModeAfterRead,
		CreatedAt: 1,
	}); err != nil {
		t.Fatalf("UpsertConversation: %v", err)
	}
	if _, err := store.InsertInteraction(ctx, &storage.Interaction{
		ThreadID: "peer-1", Kind: storage.InteractionStandard,
		Body: "hi", ServerHash: "h-read", SentAt: 10_000, ExpiresIn: 60,
		DeliveryStatus: storage.DeliverySent,
	}); err != nil {
		t.Fatalf("InsertInteraction: %v", err)
	}

	if err := r.MarkRead(ctx, owner, "peer-1", 20_000); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if jobs.rearms != 1 {
		t.Errorf("rearms = %d, want 1 (after-read timer started)", jobs.rearms)
	}
	if jobs.syncs != 1 {
		t.Errorf("syncs = %d, want 1 (read position changed)", jobs.syncs)
	}
	if len(jobs.expiryUpdates) != 1 || jobs.expiryUpdates[0].ServerHash != "h-read" {
		t.Errorf("expiryUpdates = %+v, want the started timer announced to the server", jobs.expiryUpdates)
	}

	conv, err := store.GetConversation(ctx, "peer-1")
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if conv.LastReadAt != 20_000 {
		t.Errorf("LastReadAt = %d, want 20000", conv.LastReadAt)
	}

	// Re-reading the same position is a no-op: no second sync.
	if err := r.MarkRead(ctx, owner, "peer-1", 20_000); err != nil {
		t.Fatalf("second MarkRead: %v", err)
	}
	if jobs.syncs != 1 {
		t.Errorf("syncs = %d after idempotent re-read, want 1", jobs.syncs)
	}
}
