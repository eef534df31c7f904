// Package environment binds a Store and a Network and runs operations
// through them: deduplicate by operation identity, execute on the network,
// normalize and write every payload, notify subscriptions, then resolve each
// caller with a read of its own selection.
package environment

import (
	"context"
	"errors"
	"iter"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hanpama/normcache/internal/eventbus"
	"github.com/hanpama/normcache/internal/events"
	"github.com/hanpama/normcache/internal/network"
	"github.com/hanpama/normcache/internal/operation"
	"github.com/hanpama/normcache/internal/record"
	"github.com/hanpama/normcache/internal/reqid"
	"github.com/hanpama/normcache/internal/store"
)

// Result is what a caller receives for an operation: the denormalized read of
// its selection and the GraphQL errors that arrived alongside data.
type Result struct {
	store.Snapshot
	Errors network.ErrorList
}

type Environment struct {
	store   *store.Store
	network network.Network
	log     *zap.Logger

	mu       sync.Mutex
	inflight map[string]*execution
}

func New(st *store.Store, n network.Network, opts ...Option) *Environment {
	o := &Options{Logger: zap.NewNop()}
	for _, f := range opts {
		f(o)
	}
	return &Environment{
		store:    st,
		network:  n,
		log:      o.Logger.Named("environment"),
		inflight: make(map[string]*execution),
	}
}

func (e *Environment) Store() *store.Store { return e.store }

// Selector returns the store selector reading op from the root record.
func Selector(op *operation.Operation) store.Selector {
	return store.Selector{
		RootID:     record.RootID,
		Selections: op.Descriptor.Selections,
		Variables:  op.Variables,
		Kind:       string(op.Descriptor.Kind),
		Owner:      op.Identity,
	}
}

// InFlight returns the number of executions currently running.
func (e *Environment) InFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.inflight)
}

// Execute runs op. A call made while an execution with the same identity is
// running attaches to it instead of invoking the network again. When ctx ends
// the caller detaches; the network call is cancelled once no caller is left.
// Payloads already written stay in the store.
func (e *Environment) Execute(ctx context.Context, op *operation.Operation) (Result, error) {
	ctx, _ = reqid.Ensure(ctx)
	start := time.Now()

	x, launch := e.attach(ctx, op)
	eventbus.Publish(ctx, events.OperationStart{
		Identity:      op.Identity,
		OperationName: op.Descriptor.Name,
		OperationType: string(op.Descriptor.Kind),
		Deduplicated:  launch == nil,
	})
	if launch != nil {
		launch()
	}

	res, err := e.await(ctx, x, op)
	eventbus.Publish(ctx, events.OperationFinish{
		Identity:      op.Identity,
		OperationName: op.Descriptor.Name,
		OperationType: string(op.Descriptor.Kind),
		State:         x.State(),
		Err:           err,
		Missing:       res.Missing,
		Duration:      time.Since(start),
	})
	return res, err
}

// attach registers the caller with the execution running op, creating it
// when none is. A new execution is returned with the function starting it;
// a joined one with nil.
func (e *Environment) attach(ctx context.Context, op *operation.Operation) (*execution, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if x, ok := e.inflight[op.Identity]; ok {
		x.callers++
		e.log.Debug("joined in-flight operation", zap.String("identity", op.Identity))
		return x, nil
	}
	netCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	x := newExecution(op, cancel, e.log)
	x.callers = 1
	e.inflight[op.Identity] = x
	if err := x.transition(eventStart); err != nil {
		e.log.Error("execution did not start", zap.String("identity", op.Identity), zap.Error(err))
	}
	return x, func() { go e.run(netCtx, x) }
}

// detach drops one caller. The last caller of an unsettled execution cancels
// it and frees the identity for a fresh execution.
func (e *Environment) detach(x *execution) {
	e.mu.Lock()
	defer e.mu.Unlock()
	x.callers--
	if x.callers > 0 || x.settled() {
		return
	}
	if e.inflight[x.op.Identity] == x {
		delete(e.inflight, x.op.Identity)
	}
	x.cancel()
}

// await blocks until x settles and reads op, the caller's own operation,
// from the store. Joined callers share x but not necessarily its selections.
func (e *Environment) await(ctx context.Context, x *execution, op *operation.Operation) (Result, error) {
	defer e.detach(x)
	select {
	case <-x.done:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	if x.state.Is(StateSettledFailure) {
		return Result{}, x.err
	}
	snap, err := e.store.Lookup(ctx, Selector(op))
	if err != nil {
		return Result{}, err
	}
	return Result{Snapshot: snap, Errors: x.errors}, nil
}

func (e *Environment) run(ctx context.Context, x *execution) {
	var err error
	defer func() {
		x.err = err
		event := eventSucceed
		if err != nil {
			event = eventFail
			e.log.Warn("operation failed", zap.String("identity", x.op.Identity), zap.Error(err))
		}
		if terr := x.transition(event); terr != nil {
			e.log.Error("execution did not settle", zap.String("identity", x.op.Identity), zap.Error(terr))
		}
		e.mu.Lock()
		if e.inflight[x.op.Identity] == x {
			delete(e.inflight, x.op.Identity)
		}
		e.mu.Unlock()
		x.cancel()
		close(x.done)
	}()

	sel := Selector(x.op)
	for res, netErr := range e.network.Execute(ctx, network.NewRequest(x.op)) {
		if netErr != nil {
			err = &NetworkError{Err: netErr}
			return
		}
		if res.Failed() {
			err = &NetworkError{Errors: res.Errors}
			return
		}
		x.errors = append(x.errors, res.Errors...)
		if err = e.commit(ctx, sel, res); err != nil {
			return
		}
	}
}

// commit writes one payload and notifies. Payloads carrying a path are
// written at the object that path resolves to.
func (e *Environment) commit(ctx context.Context, sel store.Selector, res *network.Response) error {
	if res.Data == nil {
		return nil
	}
	target := sel
	if len(res.Path) > 0 {
		var err error
		target, err = e.store.ResolvePath(ctx, sel, res.Path)
		if err != nil {
			return err
		}
	}
	changed, err := e.store.Write(ctx, target, res.Data)
	if err != nil {
		return err
	}
	_, err = e.store.Notify(ctx, changed)
	return err
}

// Stream executes op without deduplication and yields a read of op's
// selection after each payload is written.
func (e *Environment) Stream(ctx context.Context, op *operation.Operation) iter.Seq2[Result, error] {
	return func(yield func(Result, error) bool) {
		ctx, _ := reqid.Ensure(ctx)
		sel := Selector(op)
		for res, err := range e.network.Execute(ctx, network.NewRequest(op)) {
			if err != nil {
				yield(Result{}, &NetworkError{Err: err})
				return
			}
			if res.Failed() {
				yield(Result{}, &NetworkError{Errors: res.Errors})
				return
			}
			if err := e.commit(ctx, sel, res); err != nil {
				yield(Result{}, err)
				return
			}
			snap, err := e.store.Lookup(ctx, sel)
			if err != nil {
				yield(Result{}, err)
				return
			}
			if !yield(Result{Snapshot: snap, Errors: res.Errors}, nil) {
				return
			}
		}
	}
}

// FetchPolicy decides whether FetchQuery consults the network.
type FetchPolicy int

const (
	// NetworkOnly always executes.
	NetworkOnly FetchPolicy = iota
	// StoreOrNetwork answers from the store when nothing is missing.
	StoreOrNetwork
	// StoreOnly never executes.
	StoreOnly
)

var ErrUnknownPolicy = errors.New("environment: unknown fetch policy")

// FetchQuery resolves op according to policy.
func (e *Environment) FetchQuery(ctx context.Context, op *operation.Operation, policy FetchPolicy) (Result, error) {
	switch policy {
	case NetworkOnly:
		return e.Execute(ctx, op)
	case StoreOrNetwork, StoreOnly:
		snap, err := e.Lookup(ctx, op)
		if err != nil {
			return Result{}, err
		}
		if !snap.Missing || policy == StoreOnly {
			return Result{Snapshot: snap}, nil
		}
		return e.Execute(ctx, op)
	default:
		return Result{}, ErrUnknownPolicy
	}
}

// Lookup reads op from the store without touching the network.
func (e *Environment) Lookup(ctx context.Context, op *operation.Operation) (store.Snapshot, error) {
	return e.store.Lookup(ctx, Selector(op))
}

// Subscribe calls cb whenever a write changes the result of op's selection.
func (e *Environment) Subscribe(ctx context.Context, op *operation.Operation, cb func(store.Snapshot)) (*store.Subscription, error) {
	return e.store.Subscribe(ctx, Selector(op), cb)
}

// Retain keeps op's records alive across GC until disposed.
func (e *Environment) Retain(op *operation.Operation) *store.Retention {
	return e.store.Retain(Selector(op))
}

// CommitPayload writes data as if it were op's response and notifies.
func (e *Environment) CommitPayload(ctx context.Context, op *operation.Operation, data map[string]any) (store.IDSet, error) {
	changed, err := e.store.Write(ctx, Selector(op), data)
	if err != nil {
		return nil, err
	}
	if _, err := e.store.Notify(ctx, changed); err != nil {
		return changed, err
	}
	return changed, nil
}

// CommitUpdate applies imperative edits and notifies.
func (e *Environment) CommitUpdate(ctx context.Context, fn func(*store.Updater) error) (store.IDSet, error) {
	changed, err := e.store.Update(ctx, fn)
	if err != nil {
		return nil, err
	}
	if _, err := e.store.Notify(ctx, changed); err != nil {
		return changed, err
	}
	return changed, nil
}

// GC collects records no retained operation or subscription reaches.
func (e *Environment) GC(ctx context.Context) (int, error) { return e.store.GC(ctx) }
