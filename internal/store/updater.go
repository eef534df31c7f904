package store

import (
	"fmt"

	"github.com/hanpama/normcache/internal/record"
	"github.com/hanpama/normcache/internal/recordsource"
)

// Updater stages imperative edits made inside Store.Update. Edits are
// applied together when the update function returns nil.
type Updater struct {
	base    *recordsource.Source
	staged  map[record.ID]*record.Record
	deleted IDSet
	order   []record.ID
}

func newUpdater(base *recordsource.Source) *Updater {
	return &Updater{
		base:    base,
		staged:  make(map[record.ID]*record.Record),
		deleted: make(IDSet),
	}
}

func (u *Updater) touch(id record.ID) {
	if _, ok := u.staged[id]; ok {
		return
	}
	if u.deleted.Has(id) {
		return
	}
	u.order = append(u.order, id)
}

// Get returns the record as the update currently sees it. The record is
// read-only; use the setters to change it.
func (u *Updater) Get(id record.ID) (*record.Record, bool) {
	if u.deleted.Has(id) {
		return nil, false
	}
	if r, ok := u.staged[id]; ok {
		return r, true
	}
	return u.base.Get(id)
}

// Create adds an empty record. It fails if id already holds a record.
func (u *Updater) Create(id record.ID, typename string) error {
	if _, ok := u.Get(id); ok {
		return fmt.Errorf("store: record %q already exists", id)
	}
	u.touch(id)
	delete(u.deleted, id)
	u.staged[id] = record.New(id, typename)
	return nil
}

func (u *Updater) mutable(id record.ID) (*record.Record, error) {
	if r, ok := u.staged[id]; ok {
		return r, nil
	}
	if u.deleted.Has(id) {
		return nil, fmt.Errorf("%w: %q", ErrRecordNotFound, id)
	}
	base, ok := u.base.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrRecordNotFound, id)
	}
	u.touch(id)
	r := base.Clone()
	u.staged[id] = r
	return r, nil
}

// SetValue stores a scalar under storageKey.
func (u *Updater) SetValue(id record.ID, storageKey string, v any) error {
	r, err := u.mutable(id)
	if err != nil {
		return err
	}
	r.Set(storageKey, record.Scalar(v))
	return nil
}

// SetLink points storageKey at target.
func (u *Updater) SetLink(id record.ID, storageKey string, target record.ID) error {
	r, err := u.mutable(id)
	if err != nil {
		return err
	}
	r.Set(storageKey, record.Ref(target))
	return nil
}

// SetLinks points storageKey at a list of records. Nil entries are null.
func (u *Updater) SetLinks(id record.ID, storageKey string, targets []*record.ID) error {
	r, err := u.mutable(id)
	if err != nil {
		return err
	}
	r.Set(storageKey, record.RefList(targets))
	return nil
}

// Unset removes storageKey, returning the field to unknown.
func (u *Updater) Unset(id record.ID, storageKey string) error {
	r, err := u.mutable(id)
	if err != nil {
		return err
	}
	r.Unset(storageKey)
	return nil
}

// Delete tombstones id.
func (u *Updater) Delete(id record.ID) {
	u.touch(id)
	delete(u.staged, id)
	u.deleted[id] = struct{}{}
}

func (u *Updater) commit(dst *recordsource.Source) IDSet {
	changed := make(IDSet)
	for _, id := range u.order {
		if u.deleted.Has(id) {
			if dst.State(id) != recordsource.Nonexistent {
				dst.Delete(id)
				changed[id] = struct{}{}
			}
			continue
		}
		r := u.staged[id]
		if base, ok := dst.Get(id); ok && base.Equal(r) {
			continue
		}
		dst.Set(id, r)
		changed[id] = struct{}{}
	}
	return changed
}
