package environment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/looplab/fsm"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hanpama/normcache/internal/eventbus"
	"github.com/hanpama/normcache/internal/events"
	"github.com/hanpama/normcache/internal/network"
	"github.com/hanpama/normcache/internal/operation"
	"github.com/hanpama/normcache/internal/store"
)

func TestExecutionStates(t *testing.T) {
	op := parseOp(t, testSchema(t), viewerQuery, nil)

	x := newExecution(op, func() {}, zap.NewNop())
	require.Equal(t, StateIdle, x.State())
	require.False(t, x.settled())

	var invalid fsm.InvalidEventError
	require.ErrorAs(t, x.transition(eventSucceed), &invalid)
	require.Equal(t, StateIdle, x.State())

	require.NoError(t, x.transition(eventStart))
	require.Equal(t, StateInFlight, x.State())
	require.False(t, x.settled())
	require.Error(t, x.transition(eventStart))

	require.NoError(t, x.transition(eventSucceed))
	require.Equal(t, StateSettledSuccess, x.State())
	require.True(t, x.settled())
	require.ErrorAs(t, x.transition(eventFail), &invalid)
	require.Equal(t, StateSettledSuccess, x.State())

	y := newExecution(op, func() {}, zap.NewNop())
	require.NoError(t, y.transition(eventStart))
	require.NoError(t, y.transition(eventFail))
	require.Equal(t, StateSettledFailure, y.State())
	require.True(t, y.settled())
}

// finishStates records the execution state of every OperationFinish
// published while the test runs.
func finishStates(t *testing.T) func() []string {
	t.Helper()
	bus := eventbus.New()
	eventbus.Use(bus)
	t.Cleanup(func() { eventbus.Use(nil) })

	var (
		mu     sync.Mutex
		states []string
	)
	eventbus.On(bus, func(_ context.Context, e events.OperationFinish) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, e.State)
	})
	return func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), states...)
	}
}

func TestOperationFinishReportsExecutionState(t *testing.T) {
	states := finishStates(t)
	s := testSchema(t)
	g := newGatedNetwork(func(context.Context) (*network.Response, error) {
		return &network.Response{Data: viewerData("Ann")}, nil
	})
	env := New(store.New(nil), g.Network())
	op := parseOp(t, s, viewerQuery, nil)

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := env.Execute(ctx, op)
		first <- err
	}()
	second := make(chan error, 1)
	go func() {
		_, err := env.Execute(context.Background(), op)
		second <- err
	}()
	require.Eventually(t, func() bool { return callers(env, op.Identity) == 2 }, time.Second, time.Millisecond)

	cancel()
	require.ErrorIs(t, <-first, context.Canceled)
	require.Equal(t, []string{StateInFlight}, states())

	close(g.release)
	require.NoError(t, <-second)
	require.Equal(t, []string{StateInFlight, StateSettledSuccess}, states())

	failing := New(store.New(nil), network.Func(func(context.Context, network.Request) (*network.Response, error) {
		return nil, errors.New("connection reset")
	}))
	_, err := failing.Execute(context.Background(), op)
	require.ErrorIs(t, err, ErrNetwork)
	require.Equal(t, []string{StateInFlight, StateSettledSuccess, StateSettledFailure}, states())
}

func TestJoinedCallerReadsItsOwnSelection(t *testing.T) {
	s := testSchema(t)
	g := newGatedNetwork(func(context.Context) (*network.Response, error) {
		return &network.Response{Data: viewerData("Ann")}, nil
	})
	env := New(store.New(nil), g.Network())
	wide := parseOp(t, s, viewerQuery, nil)
	// same identity, narrower selections
	narrow := parseOp(t, s, `query Viewer { viewer { id name } }`, nil)
	narrow = &operation.Operation{Descriptor: narrow.Descriptor, Identity: wide.Identity}

	var wg sync.WaitGroup
	results := make([]Result, 2)
	errs := make([]error, 2)
	for i, op := range []*operation.Operation{wide, narrow} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = env.Execute(context.Background(), op)
		}()
	}
	require.Eventually(t, func() bool { return callers(env, wide.Identity) == 2 }, time.Second, time.Millisecond)
	close(g.release)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	require.Equal(t, int32(1), g.calls.Load())
	require.Equal(t, viewerData("Ann"), results[0].Data)
	require.Equal(t, map[string]any{
		"viewer": map[string]any{"id": "U1", "name": "Ann"},
	}, results[1].Data)
}
