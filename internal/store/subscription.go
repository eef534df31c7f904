package store

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hanpama/normcache/internal/eventbus"
	"github.com/hanpama/normcache/internal/events"
)

// Subscription delivers a selector's snapshot each time Notify finds that its
// result changed.
type Subscription struct {
	id       string
	store    *Store
	selector Selector
	callback func(Snapshot)

	mu       sync.Mutex
	snapshot Snapshot
	readSeq  uint64

	deliverMu sync.Mutex
	delivered uint64

	closed atomic.Bool
}

func (sub *Subscription) ID() string { return sub.id }

// Snapshot returns the most recent read for the subscription.
func (sub *Subscription) Snapshot() Snapshot {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.snapshot
}

// Unsubscribe stops deliveries. A callback already running finishes, no
// further callbacks start. Calling it more than once is a no-op.
func (sub *Subscription) Unsubscribe() {
	if sub.closed.Swap(true) {
		return
	}
	sub.store.removeSubscription(sub)
}

// Subscribe reads sel and registers cb for later changes. The initial
// snapshot is available from the returned subscription and is not delivered
// to cb.
func (s *Store) Subscribe(ctx context.Context, sel Selector, cb func(Snapshot)) (*Subscription, error) {
	if cb == nil {
		return nil, fmt.Errorf("store: subscribe with nil callback")
	}
	if err := s.mu.RLock(ctx); err != nil {
		return nil, err
	}
	defer s.mu.RUnlock()

	snap, err := read(s.source, sel, s.opt.Types)
	if err != nil {
		return nil, err
	}
	sub := &Subscription{
		id:       uuid.NewString(),
		store:    s,
		selector: sel,
		callback: cb,
		snapshot: snap,
		readSeq:  s.seq.Add(1),
	}
	// Registered while the read lock is held so no write lands between the
	// initial read and the subscription becoming visible to Notify.
	s.subsMu.Lock()
	s.subs = append(s.subs, sub)
	s.subsMu.Unlock()
	return sub, nil
}

func (s *Store) removeSubscription(sub *Subscription) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for i, cur := range s.subs {
		if cur == sub {
			s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
			return
		}
	}
}

func (s *Store) subscriptions() []*Subscription {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	return append([]*Subscription(nil), s.subs...)
}

type delivery struct {
	sub  *Subscription
	snap Snapshot
	seq  uint64
}

// Notify re-reads every subscription whose last read touched a changed ID and
// delivers the new snapshot to those whose result differs. Subscriptions are
// visited in the order they were created. It returns the number of callbacks
// invoked.
func (s *Store) Notify(ctx context.Context, changed IDSet) (int, error) {
	if len(changed) == 0 {
		return 0, nil
	}
	subs := s.subscriptions()
	if err := s.mu.RLock(ctx); err != nil {
		return 0, err
	}
	var (
		pending []delivery
		checked int
	)
	for _, sub := range subs {
		if sub.closed.Load() {
			continue
		}
		sub.mu.Lock()
		seen := sub.snapshot.Seen
		sub.mu.Unlock()
		if !intersects(seen, changed) {
			continue
		}
		checked++
		snap, err := read(s.source, sub.selector, s.opt.Types)
		seq := s.seq.Add(1)
		if err != nil {
			s.log.Warn("subscription read failed", zap.String("subscription", sub.id), zap.Error(err))
			continue
		}
		sub.mu.Lock()
		if seq < sub.readSeq {
			sub.mu.Unlock()
			continue
		}
		differs := !sameResult(sub.snapshot, snap)
		sub.snapshot = snap
		sub.readSeq = seq
		sub.mu.Unlock()
		if differs {
			pending = append(pending, delivery{sub: sub, snap: snap, seq: seq})
		}
	}
	s.mu.RUnlock()

	delivered := 0
	for _, d := range pending {
		if d.sub.deliver(d.snap, d.seq, s.log) {
			delivered++
		}
	}
	eventbus.Publish(ctx, events.StoreNotify{Checked: checked, Delivered: delivered})
	return delivered, nil
}

// deliver runs the callback unless a newer snapshot was already delivered.
func (sub *Subscription) deliver(snap Snapshot, seq uint64, log *zap.Logger) (ok bool) {
	sub.deliverMu.Lock()
	defer sub.deliverMu.Unlock()
	if sub.closed.Load() || seq <= sub.delivered {
		return false
	}
	sub.delivered = seq
	defer func() {
		if r := recover(); r != nil {
			log.Error("subscription callback panicked",
				zap.String("subscription", sub.id),
				zap.Any("panic", r))
		}
	}()
	sub.callback(snap)
	return true
}
