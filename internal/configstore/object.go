// Package configstore owns the mergeable per-namespace config objects that
// reconcile account state across devices. Each object follows the external
// merge contract: mutate under an exclusive lock, merge incoming diffs,
// report needs-push/needs-dump, and serialize to a dump for persistence.
package configstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Namespaces, one config object per (namespace, owner).
const (
	NamespaceUserProfile       = "user_profile"
	NamespaceContacts          = "contacts"
	NamespaceConvoInfoVolatile = "convo_info_volatile"
	NamespaceUserGroups        = "user_groups"
)

// Namespaces lists every config namespace in sync order.
func Namespaces() []string {
	return []string{
		NamespaceUserProfile,
		NamespaceContacts,
		NamespaceConvoInfoVolatile,
		NamespaceUserGroups,
	}
}

// Object states. A Dirty object has local changes to push; Waiting has a
// push in flight awaiting server confirmation.
const (
	stateClean = iota
	stateDirty
	stateWaiting
)

// Entry is one keyed value inside a config object. Timestamp drives
// last-writer-wins resolution on merge; ties break on the value bytes so
// every device converges to the same winner.
type Entry struct {
	Value       json.RawMessage `json:"v"`
	TimestampMs int64           `json:"t"`
}

// Object is one mergeable config object. All access goes through Mutate,
// Merge, Push, ConfirmPushed and Dump, which serialize on the internal
// mutex; callers never touch fields directly.
type Object struct {
	mu sync.Mutex

	namespace string
	owner     string

	seqno     int64
	state     int
	currHash  string
	oldHashes map[string]struct{}
	needsDump bool
	entries   map[string]Entry
}

// NewObject returns an empty object for (namespace, owner).
func NewObject(namespace, owner string) *Object {
	return &Object{
		namespace: namespace,
		owner:     owner,
		oldHashes: make(map[string]struct{}),
		entries:   make(map[string]Entry),
	}
}

// Namespace returns the object's namespace.
func (o *Object) Namespace() string { return o.namespace }

// Owner returns the owning account public key.
func (o *Object) Owner() string { return o.owner }

// Mutator is the scoped view handed to Mutate closures.
type Mutator struct {
	o       *Object
	changed bool
}

// Get returns the value stored under key, or nil.
func (m *Mutator) Get(key string) json.RawMessage {
	if e, ok := m.o.entries[key]; ok {
		return e.Value
	}
	return nil
}

// GetTimestamp returns the last-updated timestamp for key, or 0.
func (m *Mutator) GetTimestamp(key string) int64 {
	return m.o.entries[key].TimestampMs
}

// Keys returns every key with a set value, sorted.
func (m *Mutator) Keys() []string {
	keys := make([]string, 0, len(m.o.entries))
	for k, e := range m.o.entries {
		if len(e.Value) > 0 {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Set writes value under key at the given timestamp. Writing an identical
// value is a no-op so unchanged mutations leave the object clean.
func (m *Mutator) Set(key string, value json.RawMessage, timestampMs int64) {
	if e, ok := m.o.entries[key]; ok && bytes.Equal(e.Value, value) && e.TimestampMs >= timestampMs {
		return
	}
	m.o.entries[key] = Entry{Value: value, TimestampMs: timestampMs}
	m.changed = true
}

// Delete removes key by writing a tombstone (empty value) at timestampMs,
// so the deletion wins merges against older writes.
func (m *Mutator) Delete(key string, timestampMs int64) {
	e, ok := m.o.entries[key]
	if !ok || len(e.Value) == 0 {
		return
	}
	m.o.entries[key] = Entry{Value: nil, TimestampMs: timestampMs}
	m.changed = true
}

// Mutate applies fn under the object's lock. If fn changed anything the
// object becomes dirty: the seqno increments once per clean->dirty
// transition and the current server hash is superseded.
func (o *Object) Mutate(fn func(m *Mutator)) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	m := &Mutator{o: o}
	fn(m)
	if m.changed {
		o.markDirty()
	}
	return nil
}

// markDirty transitions to Dirty, bumping the seqno on the first local
// change since the object was last clean. The previously confirmed hash
// becomes obsolete once the new state is pushed.
func (o *Object) markDirty() {
	if o.state != stateDirty {
		if o.currHash != "" {
			o.oldHashes[o.currHash] = struct{}{}
			o.currHash = ""
		}
		o.seqno++
		o.state = stateDirty
	}
	o.needsDump = true
}

// NeedsPush reports whether the object has state the server has not
// confirmed.
func (o *Object) NeedsPush() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state != stateClean
}

// NeedsDump reports whether the object changed since the last Dump.
func (o *Object) NeedsDump() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.needsDump
}

// Seqno returns the current sequence number.
func (o *Object) Seqno() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.seqno
}

// CurrentHash returns the server hash of the last confirmed push, or "".
func (o *Object) CurrentHash() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.currHash
}

// wireMessage is the serialized form exchanged between devices.
type wireMessage struct {
	Seqno   int64            `json:"seqno"`
	Entries map[string]Entry `json:"entries"`
}

// PendingPush is one outgoing diff: the serialized message plus the
// server-side hashes it supersedes.
type PendingPush struct {
	Namespace string
	Seqno     int64
	Data      []byte
	Obsolete  []string
}

// Push serializes the current state for sending and moves a dirty object
// to Waiting. Repeated pushes without a confirmation re-send the same
// seqno. The caller must follow a successful store with ConfirmPushed.
func (o *Object) Push() (*PendingPush, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	data, err := json.Marshal(wireMessage{Seqno: o.seqno, Entries: o.entries})
	if err != nil {
		return nil, fmt.Errorf("serialize config %s/%s: %w", o.namespace, o.owner, err)
	}

	p := &PendingPush{Namespace: o.namespace, Seqno: o.seqno, Data: data}
	for h := range o.oldHashes {
		p.Obsolete = append(p.Obsolete, h)
	}
	sort.Strings(p.Obsolete)
	o.oldHashes = make(map[string]struct{})

	if o.state == stateDirty {
		o.state = stateWaiting
	}
	return p, nil
}

// ConfirmPushed records the server hash for a completed push. Ignored when
// the seqno no longer matches: a later mutation superseded the push and the
// object must be pushed again.
func (o *Object) ConfirmPushed(seqno int64, serverHash string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state == stateWaiting && seqno == o.seqno {
		o.state = stateClean
		o.currHash = serverHash
		o.needsDump = true
	}
}

// Incoming is one received config diff with its server hash.
type Incoming struct {
	Hash string
	Data []byte
}

// Merge folds incoming diffs into the object. Per-key resolution is
// last-writer-wins on (timestamp, value bytes). If a single incoming
// message already contains the union, the object adopts it as clean
// (confirmed) state; a true merge leaves the object dirty so the combined
// result gets pushed. Returns the hashes that were successfully applied.
func (o *Object) Merge(incoming []Incoming) ([]string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	type candidate struct {
		hash    string
		msg     wireMessage
		applied bool
	}

	var cands []candidate
	for _, in := range incoming {
		var msg wireMessage
		if err := json.Unmarshal(in.Data, &msg); err != nil {
			// Undecodable configs may be from a future client version:
			// leave them alone (not applied, not superseded).
			continue
		}
		cands = append(cands, candidate{hash: in.Hash, msg: msg, applied: true})
	}
	if len(cands) == 0 {
		return nil, nil
	}

	union := make(map[string]Entry, len(o.entries))
	for k, e := range o.entries {
		union[k] = e
	}
	maxSeqno := o.seqno
	for _, c := range cands {
		if c.msg.Seqno > maxSeqno {
			maxSeqno = c.msg.Seqno
		}
		for k, e := range c.msg.Entries {
			if cur, ok := union[k]; !ok || newerEntry(e, cur) {
				union[k] = e
			}
		}
	}

	applied := make([]string, 0, len(cands))
	for _, c := range cands {
		applied = append(applied, c.hash)
	}

	// A single incoming message that already equals the union supersedes
	// everything: adopt it as confirmed server state.
	for _, c := range cands {
		if c.msg.Seqno == maxSeqno && entriesEqual(c.msg.Entries, union) {
			if o.currHash != "" && o.currHash != c.hash {
				o.oldHashes[o.currHash] = struct{}{}
			}
			for _, other := range cands {
				if other.hash != c.hash {
					o.oldHashes[other.hash] = struct{}{}
				}
			}
			o.entries = c.msg.Entries
			if o.entries == nil {
				o.entries = make(map[string]Entry)
			}
			o.seqno = c.msg.Seqno
			o.state = stateClean
			o.currHash = c.hash
			o.needsDump = true
			return applied, nil
		}
	}

	if entriesEqual(o.entries, union) && o.seqno >= maxSeqno {
		// Nothing new: the incoming messages are all older state.
		for _, c := range cands {
			o.oldHashes[c.hash] = struct{}{}
		}
		o.needsDump = true
		return applied, nil
	}

	// True merge: the combined state exists on no device yet, so it must
	// be pushed with a seqno above every contributor.
	if o.currHash != "" {
		o.oldHashes[o.currHash] = struct{}{}
		o.currHash = ""
	}
	for _, c := range cands {
		o.oldHashes[c.hash] = struct{}{}
	}
	o.entries = union
	o.seqno = maxSeqno + 1
	o.state = stateDirty
	o.needsDump = true
	return applied, nil
}

// newerEntry reports whether a should replace b.
func newerEntry(a, b Entry) bool {
	if a.TimestampMs != b.TimestampMs {
		return a.TimestampMs > b.TimestampMs
	}
	return bytes.Compare(a.Value, b.Value) > 0
}

func entriesEqual(a, b map[string]Entry) bool {
	if len(a) != len(b) {
		return false
	}
	for k, ea := range a {
		eb, ok := b[k]
		if !ok || ea.TimestampMs != eb.TimestampMs || !bytes.Equal(ea.Value, eb.Value) {
			return false
		}
	}
	return true
}

// dumpFormat is the persisted snapshot layout.
type dumpFormat struct {
	Seqno     int64            `json:"seqno"`
	State     int              `json:"state"`
	CurrHash  string           `json:"curr_hash"`
	OldHashes []string         `json:"old_hashes,omitempty"`
	Entries   map[string]Entry `json:"entries"`
}

// Dump serializes the full object state for persistence and clears the
// needs-dump flag.
func (o *Object) Dump() ([]byte, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	d := dumpFormat{
		Seqno:    o.seqno,
		State:    o.state,
		CurrHash: o.currHash,
		Entries:  o.entries,
	}
	for h := range o.oldHashes {
		d.OldHashes = append(d.OldHashes, h)
	}
	sort.Strings(d.OldHashes)

	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("dump config %s/%s: %w", o.namespace, o.owner, err)
	}
	o.needsDump = false
	return data, nil
}

// LoadObject rehydrates an object from a dump produced by Dump.
func LoadObject(namespace, owner string, dump []byte) (*Object, error) {
	o := NewObject(namespace, owner)
	if len(dump) == 0 {
		return o, nil
	}
	var d dumpFormat
	if err := json.Unmarshal(dump, &d); err != nil {
		return nil, fmt.Errorf("load config dump %s/%s: %w", namespace, owner, err)
	}
	o.seqno = d.Seqno
	o.state = d.State
	o.currHash = d.CurrHash
	for _, h := range d.OldHashes {
		o.oldHashes[h] = struct{}{}
	}
	if d.Entries != nil {
		o.entries = d.Entries
	}
	return o, nil
}
