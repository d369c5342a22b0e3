package configstore

import (
	"bytes"
	"encoding/json"
	"testing"
)

func setEntry(t *testing.T, o *Object, key, value string, ts int64) {
	t.Helper()
	err := o.Mutate(func(m *Mutator) {
		m.Set(key, json.RawMessage(`"`+value+`"`), ts)
	})
	if err != nil {
		t.Fatalf("Mutate: %v", err)
	}
}

func TestMutate_SeqnoBumpsOncePerDirtyTransition(t *testing.T) {
	o := NewObject(NamespaceContacts, "owner")
	if o.Seqno() != 0 {
		t.Fatalf("initial Seqno = %d, want 0", o.Seqno())
	}

	setEntry(t, o, "a", "1", 100)
	if o.Seqno() != 1 {
		t.Errorf("Seqno after first mutation = %d, want 1", o.Seqno())
	}
	// Still dirty: further edits ride on the same seqno.
	setEntry(t, o, "b", "2", 200)
	setEntry(t, o, "c", "3", 300)
	if o.Seqno() != 1 {
		t.Errorf("Seqno while dirty = %d, want 1", o.Seqno())
	}

	push, err := o.Push()
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	o.ConfirmPushed(push.Seqno, "hash-1")

	// Clean again: the next edit starts a new seqno.
	setEntry(t, o, "d", "4", 400)
	if o.Seqno() != 2 {
		t.Errorf("Seqno after clean->dirty = %d, want 2", o.Seqno())
	}
}

func TestMutate_IdenticalValueKeepsClean(t *testing.T) {
	o := NewObject(NamespaceContacts, "owner")
	setEntry(t, o, "a", "1", 100)
	push, err := o.Push()
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	o.ConfirmPushed(push.Seqno, "hash-1")
	if o.NeedsPush() {
		t.Fatal("NeedsPush after confirm, want clean")
	}

	// Re-writing the same value at the same timestamp is a no-op.
	setEntry(t, o, "a", "1", 100)
	if o.NeedsPush() {
		t.Error("identical write dirtied the object")
	}
}

func TestPushConfirm_Idempotent(t *testing.T) {
	o := NewObject(NamespaceUserProfile, "owner")
	setEntry(t, o, "profile", "alice", 100)

	push, err := o.Push()
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	o.ConfirmPushed(push.Seqno, "hash-1")

	if o.NeedsPush() {
		t.Error("NeedsPush after confirmed push, want false")
	}
	if o.CurrentHash() != "hash-1" {
		t.Errorf("CurrentHash = %q, want %q", o.CurrentHash(), "hash-1")
	}

	// A stale confirmation must not resurrect or corrupt state.
	o.ConfirmPushed(push.Seqno+5, "hash-bogus")
	if o.CurrentHash() != "hash-1" {
		t.Errorf("CurrentHash after stale confirm = %q, want %q", o.CurrentHash(), "hash-1")
	}
}

func TestConfirmPushed_IgnoredAfterNewMutation(t *testing.T) {
	o := NewObject(NamespaceContacts, "owner")
	setEntry(t, o, "a", "1", 100)
	push, err := o.Push()
	if err != nil {
		t.Fatalf("Push: %v", err)
	}

	// A mutation lands while the push is in flight.
	setEntry(t, o, "b", "2", 200)
	o.ConfirmPushed(push.Seqno, "hash-1")

	if !o.NeedsPush() {
		t.Error("object confirmed clean although a newer mutation superseded the push")
	}
}

func wireData(t *testing.T, seqno int64, entries map[string]Entry) []byte {
	t.Helper()
	data, err := json.Marshal(wireMessage{Seqno: seqno, Entries: entries})
	if err != nil {
		t.Fatalf("marshal wire message: %v", err)
	}
	return data
}

func TestMerge_AdoptsSupersedingMessage(t *testing.T) {
	o := NewObject(NamespaceContacts, "owner")
	setEntry(t, o, "a", "old", 100)
	push, err := o.Push()
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	o.ConfirmPushed(push.Seqno, "hash-local")

	// Remote state strictly newer and containing everything we have.
	incoming := wireData(t, 5, map[string]Entry{
		"a": {Value: json.RawMessage(`"new"`), TimestampMs: 500},
	})
	applied, err := o.Merge([]Incoming{{Hash: "hash-remote", Data: incoming}})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if len(applied) != 1 {
		t.Fatalf("applied = %v, want one hash", applied)
	}
	if o.NeedsPush() {
		t.Error("adoption of a superseding message left the object dirty")
	}
	if o.Seqno() != 5 {
		t.Errorf("Seqno = %d, want 5", o.Seqno())
	}
	if o.CurrentHash() != "hash-remote" {
		t.Errorf("CurrentHash = %q, want %q", o.CurrentHash(), "hash-remote")
	}

	// The superseded local hash must be scheduled for server-side deletion.
	setEntry(t, o, "b", "x", 600)
	next, err := o.Push()
	if err != nil {
		t.Fatalf("second Push: %v", err)
	}
	found := false
	for _, h := range next.Obsolete {
		if h == "hash-local" {
			found = true
		}
	}
	if !found {
		t.Errorf("Obsolete = %v, want to contain hash-local", next.Obsolete)
	}
}

func TestMerge_TrueMergeGoesDirty(t *testing.T) {
	o := NewObject(NamespaceContacts, "owner")
	setEntry(t, o, "local", "1", 100)
	push, err := o.Push()
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	o.ConfirmPushed(push.Seqno, "hash-local")

	// Remote has a different key: neither side contains the union.
	incoming := wireData(t, 3, map[string]Entry{
		"remote": {Value: json.RawMessage(`"2"`), TimestampMs: 200},
	})
	if _, err := o.Merge([]Incoming{{Hash: "hash-remote", Data: incoming}}); err != nil {
		t.Fatalf("Merge: %v", err)
	}

	if !o.NeedsPush() {
		t.Error("true merge must leave the object dirty so the union is pushed")
	}
	if o.Seqno() != 4 {
		t.Errorf("Seqno = %d, want max(3)+1 = 4", o.Seqno())
	}

	next, err := o.Push()
	if err != nil {
		t.Fatalf("Push after merge: %v", err)
	}
	var msg wireMessage
	if err := json.Unmarshal(next.Data, &msg); err != nil {
		t.Fatalf("unmarshal pushed data: %v", err)
	}
	if _, ok := msg.Entries["local"]; !ok {
		t.Error("pushed union lost the local key")
	}
	if _, ok := msg.Entries["remote"]; !ok {
		t.Error("pushed union lost the remote key")
	}
	// Both contributing hashes are superseded by the union.
	for _, want := range []string{"hash-local", "hash-remote"} {
		found := false
		for _, h := range next.Obsolete {
			if h == want {
				found = true
			}
		}
		if !found {
			t.Errorf("Obsolete = %v, want to contain %s", next.Obsolete, want)
		}
	}
}

func TestMerge_LastWriterWinsByTimestamp(t *testing.T) {
	o := NewObject(NamespaceContacts, "owner")
	setEntry(t, o, "a", "newer-local", 900)

	incoming := wireData(t, 2, map[string]Entry{
		"a": {Value: json.RawMessage(`"older-remote"`), TimestampMs: 100},
		"b": {Value: json.RawMessage(`"only-remote"`), TimestampMs: 100},
	})
	if _, err := o.Merge([]Incoming{{Hash: "h", Data: incoming}}); err != nil {
		t.Fatalf("Merge: %v", err)
	}

	var got json.RawMessage
	err := o.Mutate(func(m *Mutator) { got = m.Get("a") })
	if err != nil {
		t.Fatalf("Mutate: %v", err)
	}
	if !bytes.Equal(got, json.RawMessage(`"newer-local"`)) {
		t.Errorf("entry a = %s, want newer local value to survive", got)
	}
}

func TestMerge_SkipsUndecodable(t *testing.T) {
	o := NewObject(NamespaceContacts, "owner")
	applied, err := o.Merge([]Incoming{{Hash: "h", Data: []byte("not json")}})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if len(applied) != 0 {
		t.Errorf("applied = %v, want none for undecodable input", applied)
	}
}

func TestDumpAndLoad_Roundtrip(t *testing.T) {
	o := NewObject(NamespaceUserGroups, "owner")
	setEntry(t, o, "group/g1", "data", 123)
	push, err := o.Push()
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	o.ConfirmPushed(push.Seqno, "hash-1")

	if !o.NeedsDump() {
		t.Fatal("NeedsDump = false after confirm, want true")
	}
	dump, err := o.Dump()
	if err != nil {
		t.Fatalf("Dump: %v", err)
	}
	if o.NeedsDump() {
		t.Error("NeedsDump still true after Dump")
	}

	loaded, err := LoadObject(NamespaceUserGroups, "owner", dump)
	if err != nil {
		t.Fatalf("LoadObject: %v", err)
	}
	if loaded.Seqno() != o.Seqno() {
		t.Errorf("loaded Seqno = %d, want %d", loaded.Seqno(), o.Seqno())
	}
	if loaded.CurrentHash() != "hash-1" {
		t.Errorf("loaded CurrentHash = %q, want %q", loaded.CurrentHash(), "hash-1")
	}
	if loaded.NeedsPush() {
		t.Error("loaded object reports NeedsPush, want clean")
	}
	var got json.RawMessage
	if err := loaded.Mutate(func(m *Mutator) { got = m.Get("group/g1") }); err != nil {
		t.Fatalf("Mutate: %v", err)
	}
	if !bytes.Equal(got, json.RawMessage(`"data"`)) {
		t.Errorf("loaded entry = %s, want \"data\"", got)
	}
}
