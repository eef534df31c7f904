// Package record defines the flat entity representation held by the cache:
// records keyed by ID, their field values, storage keys and the identity
// strategy used to assign IDs to response objects.
package record

import (
	"sort"
)

// ID uniquely identifies one entity across every query that references it.
type ID = string

const (
	// RootID identifies the record that holds the query root fields.
	RootID ID = "client:root"

	// IDKey and TypenameKey are the record meta keys in the persisted layout.
	IDKey       = "__id"
	TypenameKey = "__typename"
)

// Record is the flat field map of one entity. The zero value is not usable;
// construct records with New.
type Record struct {
	id       ID
	typename string
	fields   map[string]Value
}

// New returns an empty record.
func New(id ID, typename string) *Record {
	return &Record{id: id, typename: typename, fields: make(map[string]Value)}
}

func (r *Record) ID() ID           { return r.id }
func (r *Record) Typename() string { return r.typename }
func (r *Record) Len() int         { return len(r.fields) }

func (r *Record) SetTypename(typename string) { r.typename = typename }

// Get returns the value stored under storageKey.
func (r *Record) Get(storageKey string) (Value, bool) {
	v, ok := r.fields[storageKey]
	return v, ok
}

// Set stores v under storageKey.
func (r *Record) Set(storageKey string, v Value) { r.fields[storageKey] = v }

// Unset removes storageKey, making the field unknown again.
func (r *Record) Unset(storageKey string) { delete(r.fields, storageKey) }

// Keys returns the storage keys in sorted order.
func (r *Record) Keys() []string {
	keys := make([]string, 0, len(r.fields))
	for k := range r.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a copy that can be mutated independently. Values are
// immutable, so they are shared.
func (r *Record) Clone() *Record {
	out := &Record{id: r.id, typename: r.typename, fields: make(map[string]Value, len(r.fields))}
	for k, v := range r.fields {
		out.fields[k] = v
	}
	return out
}

// Equal reports whether both records carry the same typename and fields.
func (r *Record) Equal(o *Record) bool {
	if r == nil || o == nil {
		return r == o
	}
	if r.id != o.id || r.typename != o.typename || len(r.fields) != len(o.fields) {
		return false
	}
	for k, v := range r.fields {
		ov, ok := o.fields[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}

// Merge returns a new record holding base's fields overwritten by every field
// of incoming, and whether the result differs from base. Fields of base that
// incoming does not mention are kept as they are.
func Merge(base, incoming *Record) (*Record, bool) {
	if base == nil {
		return incoming.Clone(), true
	}
	out := base.Clone()
	changed := false
	if incoming.typename != "" && incoming.typename != base.typename {
		out.typename = incoming.typename
		changed = true
	}
	for k, v := range incoming.fields {
		old, ok := base.fields[k]
		if ok && old.Equal(v) {
			continue
		}
		out.fields[k] = v
		changed = true
	}
	return out, changed
}
