package configstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/driftsync/driftsync/internal/storage"
)

// Registry owns exactly one live Object per (namespace, owner) for the
// process lifetime, rehydrating lazily from persisted dumps. The registry
// map has its own mutex; each object serializes its own mutations, so two
// owners never contend on a shared lock.
type Registry struct {
	store *storage.Store
	now   func() time.Time

	mu      sync.Mutex
	objects map[objectKey]*Object
}

type objectKey struct {
	namespace string
	owner     string
}

// NewRegistry creates a registry over the given store.
func NewRegistry(store *storage.Store) *Registry {
	return &Registry{
		store:   store,
		now:     time.Now,
		objects: make(map[objectKey]*Object),
	}
}

// SetNow overrides the registry's clock. Tests only.
func (r *Registry) SetNow(now func() time.Time) { r.now = now }

// Object returns the live handle for (namespace, owner), loading it from
// the latest dump on first use.
func (r *Registry) Object(ctx context.Context, namespace, owner string) (*Object, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := objectKey{namespace: namespace, owner: owner}
	if o, ok := r.objects[key]; ok {
		return o, nil
	}

	dump, err := r.store.GetConfigDump(ctx, namespace, owner)
	if err != nil {
		return nil, err
	}
	var o *Object
	if dump == nil {
		o = NewObject(namespace, owner)
	} else {
		o, err = LoadObject(namespace, owner, dump.Data)
		if err != nil {
			return nil, err
		}
	}
	r.objects[key] = o
	return o, nil
}

// PerformAndPushChange applies mutation under the object's exclusive lock,
// persists a fresh dump if the object changed, and reports whether a push
// is now required. The caller is responsible for enqueuing a deduplicated
// configuration-sync job when it returns true.
func (r *Registry) PerformAndPushChange(ctx context.Context, namespace, owner string, mutation func(m *Mutator)) (bool, error) {
	o, err := r.Object(ctx, namespace, owner)
	if err != nil {
		return false, err
	}
	if err := o.Mutate(mutation); err != nil {
		return false, fmt.Errorf("mutate config %s/%s: %w", namespace, owner, err)
	}
	if o.NeedsDump() {
		if err := r.PersistDump(ctx, o); err != nil {
			return false, err
		}
	}
	return o.NeedsPush(), nil
}

// PersistDump serializes the object and overwrites its config_dumps row.
func (r *Registry) PersistDump(ctx context.Context, o *Object) error {
	data, err := o.Dump()
	if err != nil {
		return err
	}
	return r.store.SaveConfigDump(ctx, &storage.ConfigDump{
		Variant:     o.Namespace(),
		PublicKey:   o.Owner(),
		Data:        data,
		TimestampMs: r.now().UnixMilli(),
	})
}

// PendingPushes gathers the outgoing diffs for every namespace of one
// owner that currently needs a push, in stable namespace order.
func (r *Registry) PendingPushes(ctx context.Context, owner string) ([]*PendingPush, error) {
	var pushes []*PendingPush
	for _, ns := range Namespaces() {
		o, err := r.Object(ctx, ns, owner)
		if err != nil {
			return nil, err
		}
		if !o.NeedsPush() {
			continue
		}
		p, err := o.Push()
		if err != nil {
			return nil, err
		}
		pushes = append(pushes, p)
	}
	return pushes, nil
}
