package environment

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hanpama/normcache/internal/executor"
	"github.com/hanpama/normcache/internal/network"
	"github.com/hanpama/normcache/internal/operation"
	"github.com/hanpama/normcache/internal/schema"
	"github.com/hanpama/normcache/internal/store"
)

const testSDL = `
type User { id: ID!, name: String, friends: [User!] }
type Query { viewer: User, user(id: ID!): User }
`

func testSchema(t *testing.T) *schema.Schema {
	t.Helper()
	s, err := schema.BuildFromSDL(testSDL)
	require.NoError(t, err)
	return s
}

func parseOp(t *testing.T, s *schema.Schema, text string, vars map[string]any) *operation.Operation {
	t.Helper()
	d, err := operation.Parse(text, operation.WithSchema(s))
	require.NoError(t, err)
	op, err := operation.New(d, vars)
	require.NoError(t, err)
	return op
}

const viewerQuery = `query Viewer { viewer { id name friends { id name } } }`

func viewerData(name string) map[string]any {
	return map[string]any{
		"viewer": map[string]any{
			"id":   "U1",
			"name": name,
			"friends": []any{
				map[string]any{"id": "U2", "name": "Bo"},
			},
		},
	}
}

// gatedNetwork answers every request with respond once release is closed.
type gatedNetwork struct {
	calls   atomic.Int32
	release chan struct{}
	respond func(ctx context.Context) (*network.Response, error)
}

func newGatedNetwork(respond func(ctx context.Context) (*network.Response, error)) *gatedNetwork {
	return &gatedNetwork{release: make(chan struct{}), respond: respond}
}

func (g *gatedNetwork) Network() network.Network {
	return network.Func(func(ctx context.Context, req network.Request) (*network.Response, error) {
		g.calls.Add(1)
		select {
		case <-g.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return g.respond(ctx)
	})
}

func callers(env *Environment, identity string) int {
	env.mu.Lock()
	defer env.mu.Unlock()
	if x, ok := env.inflight[identity]; ok {
		return x.callers
	}
	return 0
}

func TestExecuteDeduplicatesIdenticalOperations(t *testing.T) {
	s := testSchema(t)
	g := newGatedNetwork(func(context.Context) (*network.Response, error) {
		return &network.Response{Data: viewerData("Ann")}, nil
	})
	env := New(store.New(nil, store.WithTypes(s)), g.Network())
	// separately parsed, differently formatted
	ops := []*operation.Operation{
		parseOp(t, s, viewerQuery, nil),
		parseOp(t, s, "query Viewer {\n  viewer { id name friends { id name } }\n}", nil),
	}
	op := ops[0]
	require.Equal(t, op.Identity, ops[1].Identity)

	var wg sync.WaitGroup
	results := make([]Result, 2)
	errs := make([]error, 2)
	for i := range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = env.Execute(context.Background(), ops[i])
		}()
	}
	require.Eventually(t, func() bool { return callers(env, op.Identity) == 2 }, time.Second, time.Millisecond)
	close(g.release)
	wg.Wait()

	require.Equal(t, int32(1), g.calls.Load())
	for i := range 2 {
		require.NoError(t, errs[i])
		require.False(t, results[i].Missing)
		require.Equal(t, viewerData("Ann"), results[i].Data)
	}
	require.Zero(t, env.InFlight())

	// settled executions are not cached
	_, err := env.Execute(context.Background(), op)
	require.NoError(t, err)
	require.Equal(t, int32(2), g.calls.Load())
}

func TestFailureIsSharedAndStoreUntouched(t *testing.T) {
	s := testSchema(t)
	boom := errors.New("connection reset")
	g := newGatedNetwork(func(context.Context) (*network.Response, error) { return nil, boom })
	st := store.New(nil)
	env := New(st, g.Network())
	op := parseOp(t, s, viewerQuery, nil)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = env.Execute(context.Background(), op)
		}()
	}
	require.Eventually(t, func() bool { return callers(env, op.Identity) == 2 }, time.Second, time.Millisecond)
	close(g.release)
	wg.Wait()

	require.Equal(t, int32(1), g.calls.Load())
	require.ErrorIs(t, errs[0], ErrNetwork)
	require.ErrorIs(t, errs[0], boom)
	require.Same(t, errs[0], errs[1])
	require.Zero(t, st.Len())
}

func TestErrorsWithoutDataFail(t *testing.T) {
	s := testSchema(t)
	env := New(store.New(nil), network.Func(func(context.Context, network.Request) (*network.Response, error) {
		return &network.Response{Errors: network.ErrorList{{Message: "not allowed"}}}, nil
	}))

	_, err := env.Execute(context.Background(), parseOp(t, s, viewerQuery, nil))
	var netErr *NetworkError
	require.ErrorAs(t, err, &netErr)
	require.Equal(t, "not allowed", netErr.Errors[0].Message)
	require.Zero(t, env.Store().Len())
}

func TestPartialErrorsAreReturnedWithData(t *testing.T) {
	s := testSchema(t)
	env := New(store.New(nil), network.Func(func(context.Context, network.Request) (*network.Response, error) {
		data := viewerData("Ann")
		data["viewer"].(map[string]any)["friends"] = nil
		return &network.Response{
			Data:   data,
			Errors: network.ErrorList{{Message: "friends unavailable", Path: []any{"viewer", "friends"}}},
		}, nil
	}))

	res, err := env.Execute(context.Background(), parseOp(t, s, viewerQuery, nil))
	require.NoError(t, err)
	require.Len(t, res.Errors, 1)
	require.Nil(t, res.Data.(map[string]any)["viewer"].(map[string]any)["friends"])
}

func TestLastCallerDetachingCancelsNetwork(t *testing.T) {
	s := testSchema(t)
	cancelled := make(chan struct{})
	g := newGatedNetwork(nil)
	n := network.Func(func(ctx context.Context, req network.Request) (*network.Response, error) {
		g.calls.Add(1)
		<-ctx.Done()
		close(cancelled)
		return nil, ctx.Err()
	})
	env := New(store.New(nil), n)
	op := parseOp(t, s, viewerQuery, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := env.Execute(ctx, op)
		errc <- err
	}()
	require.Eventually(t, func() bool { return g.calls.Load() == 1 }, time.Second, time.Millisecond)
	cancel()

	require.ErrorIs(t, <-errc, context.Canceled)
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("network context was not cancelled")
	}
	require.Eventually(t, func() bool { return env.InFlight() == 0 }, time.Second, time.Millisecond)
}

func TestDetachingOneCallerKeepsExecutionAlive(t *testing.T) {
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
	second := make(chan Result, 1)
	go func() {
		res, _ := env.Execute(context.Background(), op)
		second <- res
	}()
	require.Eventually(t, func() bool { return callers(env, op.Identity) == 2 }, time.Second, time.Millisecond)

	cancel()
	require.ErrorIs(t, <-first, context.Canceled)
	close(g.release)
	require.Equal(t, viewerData("Ann"), (<-second).Data)
	require.Equal(t, int32(1), g.calls.Load())
}

func TestExecuteOverLocalNetworkNotifiesSubscribers(t *testing.T) {
	s := testSchema(t)
	root := map[string]any{
		"viewer": map[string]any{"id": "U1", "name": "Ann", "friends": []any{
			map[string]any{"id": "U2", "name": "Bo"},
		}},
	}
	rt := executor.NewResolverRuntime(map[string]executor.Resolver{
		"Query.user": func(_ context.Context, _ any, args map[string]any) (any, error) {
			return map[string]any{"id": args["id"], "name": "Bob"}, nil
		},
	})
	env := New(store.New(nil, store.WithTypes(s)), network.NewLocal(executor.NewExecutor(rt, s), root))

	viewer := parseOp(t, s, viewerQuery, nil)
	res, err := env.Execute(context.Background(), viewer)
	require.NoError(t, err)
	require.Equal(t, root, res.Data)

	var got []store.Snapshot
	sub, err := env.Subscribe(context.Background(), viewer, func(snap store.Snapshot) { got = append(got, snap) })
	require.NoError(t, err)
	defer sub.Unsubscribe()

	user := parseOp(t, s, `query User($id: ID!) { user(id: $id) { id name } }`, map[string]any{"id": "U2"})
	_, err = env.Execute(context.Background(), user)
	require.NoError(t, err)

	require.Len(t, got, 1)
	friends := got[0].Data.(map[string]any)["viewer"].(map[string]any)["friends"].([]any)
	require.Equal(t, "Bob", friends[0].(map[string]any)["name"])
}

func TestFetchPolicies(t *testing.T) {
	s := testSchema(t)
	var calls atomic.Int32
	env := New(store.New(nil), network.Func(func(context.Context, network.Request) (*network.Response, error) {
		calls.Add(1)
		return &network.Response{Data: viewerData("Ann")}, nil
	}))
	op := parseOp(t, s, viewerQuery, nil)

	res, err := env.FetchQuery(context.Background(), op, StoreOnly)
	require.NoError(t, err)
	require.True(t, res.Missing)
	require.Zero(t, calls.Load())

	_, err = env.FetchQuery(context.Background(), op, StoreOrNetwork)
	require.NoError(t, err)
	res, err = env.FetchQuery(context.Background(), op, StoreOrNetwork)
	require.NoError(t, err)
	require.False(t, res.Missing)
	require.Equal(t, int32(1), calls.Load())

	_, err = env.FetchQuery(context.Background(), op, NetworkOnly)
	require.NoError(t, err)
	require.Equal(t, int32(2), calls.Load())

	_, err = env.FetchQuery(context.Background(), op, FetchPolicy(9))
	require.ErrorIs(t, err, ErrUnknownPolicy)
}

func TestRootFragmentWithTypenameIsServedFromStore(t *testing.T) {
	s := testSchema(t)
	d, err := operation.Parse(
		`query Q { ...Root } fragment Root on Query { viewer { id name } }`,
		operation.WithSchema(s), operation.WithTypename(),
	)
	require.NoError(t, err)
	op := operation.MustNew(d, nil)

	var calls atomic.Int32
	env := New(store.New(nil, store.WithTypes(s)), network.Func(func(context.Context, network.Request) (*network.Response, error) {
		calls.Add(1)
		return &network.Response{Data: map[string]any{
			"__typename": "Query",
			"viewer":     map[string]any{"__typename": "User", "id": "U1", "name": "Ann"},
		}}, nil
	}))

	res, err := env.Execute(context.Background(), op)
	require.NoError(t, err)
	require.False(t, res.Missing)
	require.Equal(t, "Query", res.Data.(map[string]any)["__typename"])

	res, err = env.FetchQuery(context.Background(), op, StoreOrNetwork)
	require.NoError(t, err)
	require.False(t, res.Missing)
	require.Equal(t, int32(1), calls.Load())
}

func TestStreamWritesIncrementalPayloadsAtPath(t *testing.T) {
	s := testSchema(t)
	n := network.StreamFunc(func(ctx context.Context, req network.Request, emit func(*network.Response) bool) error {
		if !emit(&network.Response{
			Data:    map[string]any{"viewer": map[string]any{"id": "U1", "name": "Ann"}},
			HasNext: true,
		}) {
			return nil
		}
		emit(&network.Response{
			Data: map[string]any{"friends": []any{map[string]any{"id": "U2", "name": "Bo"}}},
			Path: []any{"viewer"},
		})
		return nil
	})
	env := New(store.New(nil), n)
	op := parseOp(t, s, viewerQuery, nil)

	var results []Result
	for res, err := range env.Stream(context.Background(), op) {
		require.NoError(t, err)
		results = append(results, res)
	}
	require.Len(t, results, 2)
	require.True(t, results[0].Missing)
	require.False(t, results[1].Missing)
	require.Equal(t, viewerData("Ann"), results[1].Data)
}

func TestCommitPayloadAndUpdateNotify(t *testing.T) {
	s := testSchema(t)
	env := New(store.New(nil), network.Func(func(context.Context, network.Request) (*network.Response, error) {
		return nil, errors.New("offline")
	}))
	op := parseOp(t, s, viewerQuery, nil)

	var names []any
	_, err := env.Subscribe(context.Background(), op, func(snap store.Snapshot) {
		names = append(names, snap.Data.(map[string]any)["viewer"].(map[string]any)["name"])
	})
	require.NoError(t, err)

	changed, err := env.CommitPayload(context.Background(), op, viewerData("Ann"))
	require.NoError(t, err)
	require.True(t, changed.Has("User:U1"))

	_, err = env.CommitUpdate(context.Background(), func(u *store.Updater) error {
		return u.SetValue("User:U1", "name", "Anna")
	})
	require.NoError(t, err)
	require.Equal(t, []any{"Ann", "Anna"}, names)

	retention := env.Retain(op)
	defer retention.Dispose()
	removed, err := env.GC(context.Background())
	require.NoError(t, err)
	require.Zero(t, removed)
}
