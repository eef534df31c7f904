// Package recordsource holds the flat mapping from record ID to record that
// backs the cache. It has no query knowledge and performs no validation of
// references between records.
package recordsource

import (
	"sort"
	"sync"

	"github.com/hanpama/normcache/internal/record"
)

// State describes what the source knows about an ID.
type State uint8

const (
	// Unknown means the record was never fetched.
	Unknown State = iota
	// Existent means the record is present.
	Existent
	// Nonexistent means the record was explicitly deleted (a tombstone).
	Nonexistent
)

func (s State) String() string {
	switch s {
	case Existent:
		return "existent"
	case Nonexistent:
		return "nonexistent"
	default:
		return "unknown"
	}
}

// Source is a concurrency-safe map of records. A nil entry is a tombstone.
//
// Records handed to Set become owned by the source and must not be mutated
// afterwards; records returned by Get are shared and read-only.
type Source struct {
	mu      sync.RWMutex
	records map[record.ID]*record.Record
}

// New returns an empty source.
func New() *Source {
	return &Source{records: make(map[record.ID]*record.Record)}
}

// Get returns the record for id. Tombstones and unknown IDs return false; use
// State to tell them apart.
func (s *Source) Get(id record.ID) (*record.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r := s.records[id]
	return r, r != nil
}

// State reports whether id is present, deleted, or unknown.
func (s *Source) State(id record.ID) State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	switch {
	case !ok:
		return Unknown
	case r == nil:
		return Nonexistent
	default:
		return Existent
	}
}

// Has reports whether id is present (not deleted, not unknown).
func (s *Source) Has(id record.ID) bool {
	_, ok := s.Get(id)
	return ok
}

// Set stores r under id.
func (s *Source) Set(id record.ID, r *record.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[id] = r
}

// Delete marks id as explicitly absent.
func (s *Source) Delete(id record.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[id] = nil
}

// Remove forgets id entirely, returning it to the Unknown state.
func (s *Source) Remove(id record.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
}

// Keys returns every ID the source holds, tombstones included, sorted.
func (s *Source) Keys() []record.ID {
	s.mu.RLock()
	keys := make([]record.ID, 0, len(s.records))
	for id := range s.records {
		keys = append(keys, id)
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// Len returns the number of IDs held, tombstones included.
func (s *Source) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Clear removes every record.
func (s *Source) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[record.ID]*record.Record)
}

// Clone returns an independent copy of the source.
func (s *Source) Clone() *Source {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := &Source{records: make(map[record.ID]*record.Record, len(s.records))}
	for id, r := range s.records {
		if r == nil {
			out.records[id] = nil
			continue
		}
		out.records[id] = r.Clone()
	}
	return out
}
