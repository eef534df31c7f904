// Package store owns the record source and everything that reads or changes
// it: normalizing payloads into records, reading selections back out,
// notifying subscriptions, imperative updates and garbage collection.
//
// All mutations hold the store's write lock for their whole duration, so a
// read, including the re-reads done by Notify, never observes part of a write.
package store

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/hanpama/normcache/internal/eventbus"
	"github.com/hanpama/normcache/internal/events"
	"github.com/hanpama/normcache/internal/record"
	"github.com/hanpama/normcache/internal/recordsource"
)

type Store struct {
	opt    *Options
	log    *zap.Logger
	mu     *ctxRWMutex
	source *recordsource.Source

	subsMu sync.Mutex
	subs   []*Subscription
	seq    atomic.Uint64

	retainMu sync.Mutex
	retained map[string]Selector
}

// New returns a store over source. A nil source starts empty.
func New(source *recordsource.Source, opts ...Option) *Store {
	opt := defaultOptions()
	for _, f := range opts {
		f(opt)
	}
	if source == nil {
		source = recordsource.New()
	}
	return &Store{
		opt:      opt,
		log:      opt.Logger.Named("store"),
		mu:       newCtxRWMutex(),
		source:   source,
		retained: make(map[string]Selector),
	}
}

// Len returns the number of IDs in the source, tombstones included.
func (s *Store) Len() int { return s.source.Len() }

// Lookup reads sel. Absent data is reported through Snapshot.Missing; an
// error means the stored records do not fit the selection.
func (s *Store) Lookup(ctx context.Context, sel Selector) (Snapshot, error) {
	if err := s.mu.RLock(ctx); err != nil {
		return Snapshot{}, err
	}
	defer s.mu.RUnlock()
	return read(s.source, sel, s.opt.Types)
}

// Write normalizes payload against sel and merges the result into the
// source, field by field with the incoming value winning. It returns the IDs
// whose records actually changed. On error nothing is applied.
func (s *Store) Write(ctx context.Context, sel Selector, payload map[string]any) (IDSet, error) {
	start := time.Now()
	if err := s.mu.Lock(ctx); err != nil {
		return nil, err
	}
	n := newNormalizer(s.source, sel, s.opt)
	err := n.normalizeRoot(sel.RootID, sel.Selections, payload)
	var changed IDSet
	if err == nil {
		changed = s.merge(n.order, n.staged)
	}
	records := s.source.Len()
	s.mu.Unlock()

	s.published(ctx, sel.Owner, changed, records, err, start)
	return changed, err
}

func (s *Store) merge(order []record.ID, staged map[record.ID]*record.Record) IDSet {
	changed := make(IDSet)
	for _, id := range order {
		incoming := staged[id]
		base, ok := s.source.Get(id)
		if !ok {
			s.source.Set(id, incoming)
			changed[id] = struct{}{}
			continue
		}
		if merged, diff := record.Merge(base, incoming); diff {
			s.source.Set(id, merged)
			changed[id] = struct{}{}
		}
	}
	return changed
}

// Update runs fn with exclusive access to the source and applies its edits
// when fn returns nil.
func (s *Store) Update(ctx context.Context, fn func(*Updater) error) (IDSet, error) {
	start := time.Now()
	if err := s.mu.Lock(ctx); err != nil {
		return nil, err
	}
	u := newUpdater(s.source)
	err := fn(u)
	var changed IDSet
	if err == nil {
		changed = u.commit(s.source)
	}
	records := s.source.Len()
	s.mu.Unlock()

	s.published(ctx, "update", changed, records, err, start)
	return changed, err
}

// Delete marks ids as explicitly absent.
func (s *Store) Delete(ctx context.Context, ids ...record.ID) (IDSet, error) {
	return s.Update(ctx, func(u *Updater) error {
		for _, id := range ids {
			u.Delete(id)
		}
		return nil
	})
}

// Snapshot returns an independent copy of the source, suitable for
// persisting with its JSON or proto codecs.
func (s *Store) Snapshot(ctx context.Context) (*recordsource.Source, error) {
	if err := s.mu.RLock(ctx); err != nil {
		return nil, err
	}
	defer s.mu.RUnlock()
	return s.source.Clone(), nil
}

// Restore replaces the source with a copy of src. Every ID present before or
// after is reported as changed.
func (s *Store) Restore(ctx context.Context, src *recordsource.Source) (IDSet, error) {
	if src == nil {
		return nil, fmt.Errorf("store: restore from nil source")
	}
	start := time.Now()
	if err := s.mu.Lock(ctx); err != nil {
		return nil, err
	}
	changed := NewIDSet(s.source.Keys()...)
	s.source = src.Clone()
	changed.add(NewIDSet(s.source.Keys()...))
	records := s.source.Len()
	s.mu.Unlock()

	s.published(ctx, "restore", changed, records, nil, start)
	return changed, nil
}

func (s *Store) published(ctx context.Context, owner string, changed IDSet, records int, err error, start time.Time) {
	d := time.Since(start)
	if err != nil {
		s.log.Warn("write rejected", zap.String("owner", owner), zap.Error(err))
	} else {
		s.log.Debug("write applied",
			zap.String("owner", owner),
			zap.Int("changed", len(changed)),
			zap.Int("records", records),
			zap.Duration("took", d))
	}
	eventbus.Publish(ctx, events.StoreWrite{
		Owner:    owner,
		Changed:  len(changed),
		Records:  records,
		Err:      err,
		Duration: d,
	})
}
