package store

import (
	"reflect"

	"github.com/hanpama/normcache/internal/record"
	"github.com/hanpama/normcache/internal/selection"
)

// Selector is the unit the store reads, writes and subscribes to: a selection
// applied at a record with a set of variables.
type Selector struct {
	RootID     record.ID
	Selections []selection.Selection
	Variables  map[string]any
	// Kind is the operation type (query, mutation or subscription) the
	// selections belong to. It only matters at the root record, which keeps
	// one __typename per operation type. Empty means query.
	Kind string
	// Owner names who the selector belongs to, usually an operation identity.
	Owner string
}

// Snapshot is the denormalized result of reading a Selector.
type Snapshot struct {
	Selector Selector
	// Data is the reconstructed response object, nil when the root record is
	// unknown or deleted.
	Data any
	// Missing is set when any selected field or record was not in the store.
	Missing bool
	// MissingPaths lists the response paths that were missing.
	MissingPaths []string
	// Seen holds every record ID the read touched, including unknown ones.
	Seen IDSet
}

// sameResult reports whether two snapshots carry the same data and missing
// state.
func sameResult(a, b Snapshot) bool {
	return a.Missing == b.Missing && reflect.DeepEqual(a.Data, b.Data)
}

// IDSet is a set of record IDs.
type IDSet map[record.ID]struct{}

// NewIDSet returns a set holding ids.
func NewIDSet(ids ...record.ID) IDSet {
	s := make(IDSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s IDSet) Has(id record.ID) bool {
	_, ok := s[id]
	return ok
}

func (s IDSet) add(other IDSet) {
	for id := range other {
		s[id] = struct{}{}
	}
}

func intersects(seen, changed IDSet) bool {
	if len(seen) > len(changed) {
		seen, changed = changed, seen
	}
	for id := range seen {
		if _, ok := changed[id]; ok {
			return true
		}
	}
	return false
}

// rootTypenameKey is the root record field holding the __typename of kind's
// root type.
func rootTypenameKey(kind string) string {
	if kind == "" {
		kind = "query"
	}
	return record.StorageKey(record.TypenameKey, map[string]any{"operation": kind})
}
