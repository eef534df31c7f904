package store

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hanpama/normcache/internal/eventbus"
	"github.com/hanpama/normcache/internal/events"
	"github.com/hanpama/normcache/internal/record"
)

// Retention keeps the records reachable from a selector alive across GC.
type Retention struct {
	id    string
	store *Store
	once  sync.Once
}

// Dispose releases the retention. Calling it more than once is a no-op.
func (r *Retention) Dispose() {
	r.once.Do(func() {
		r.store.retainMu.Lock()
		delete(r.store.retained, r.id)
		r.store.retainMu.Unlock()
	})
}

// Retain marks sel as a GC root until the returned retention is disposed.
func (s *Store) Retain(sel Selector) *Retention {
	r := &Retention{id: uuid.NewString(), store: s}
	s.retainMu.Lock()
	s.retained[r.id] = sel
	s.retainMu.Unlock()
	return r
}

func (s *Store) roots() []Selector {
	s.retainMu.Lock()
	out := make([]Selector, 0, len(s.retained))
	for _, sel := range s.retained {
		out = append(out, sel)
	}
	s.retainMu.Unlock()
	for _, sub := range s.subscriptions() {
		out = append(out, sub.selector)
	}
	return out
}

// GC removes every record not reachable from the root record, a retained
// selector or a live subscription. Removed IDs return to unknown. It returns
// how many IDs were removed.
func (s *Store) GC(ctx context.Context) (int, error) {
	roots := s.roots()
	if err := s.mu.Lock(ctx); err != nil {
		return 0, err
	}
	reachable := NewIDSet(record.RootID)
	for _, sel := range roots {
		snap, err := read(s.source, sel, s.opt.Types)
		if err != nil {
			s.mu.Unlock()
			return 0, err
		}
		reachable.add(snap.Seen)
	}
	removed := 0
	for _, id := range s.source.Keys() {
		if !reachable.Has(id) {
			s.source.Remove(id)
			removed++
		}
	}
	records := s.source.Len()
	s.mu.Unlock()

	s.log.Debug("gc", zap.Int("removed", removed), zap.Int("records", records))
	eventbus.Publish(ctx, events.StoreGC{Removed: removed, Records: records})
	return removed, nil
}
