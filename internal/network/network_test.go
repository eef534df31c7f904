package network

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hanpama/normcache/internal/executor"
	"github.com/hanpama/normcache/internal/operation"
	"github.com/hanpama/normcache/internal/schema"
)

func TestFuncYieldsOnceAndIsSingleUse(t *testing.T) {
	calls := 0
	n := Func(func(ctx context.Context, req Request) (*Response, error) {
		calls++
		return &Response{Data: map[string]any{"echo": req.Query}}, nil
	})

	seq := n.Execute(context.Background(), Request{Query: "{ a }"})
	got, err := Collect(seq)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "{ a }", got[0].Data["echo"])

	_, err = Collect(seq)
	require.ErrorIs(t, err, ErrStreamConsumed)
	require.Equal(t, 1, calls)
}

func TestFuncNilResponseIsAnError(t *testing.T) {
	n := Func(func(context.Context, Request) (*Response, error) { return nil, nil })
	_, err := Collect(n.Execute(context.Background(), Request{}))
	require.ErrorIs(t, err, ErrEmptyResponse)
}

func TestStreamFuncStopsWhenConsumerBreaks(t *testing.T) {
	emitted := 0
	n := StreamFunc(func(ctx context.Context, req Request, emit func(*Response) bool) error {
		for i := range 5 {
			emitted++
			if !emit(&Response{Data: map[string]any{"i": i}, HasNext: i < 4}) {
				return errors.New("stopped")
			}
		}
		return nil
	})

	seen := 0
	for res, err := range n.Execute(context.Background(), Request{}) {
		require.NoError(t, err)
		require.NotNil(t, res)
		seen++
		if seen == 2 {
			break
		}
	}
	require.Equal(t, 2, seen)
	require.Equal(t, 2, emitted)
}

func TestStreamFuncErrorEndsSequence(t *testing.T) {
	boom := errors.New("boom")
	n := StreamFunc(func(ctx context.Context, req Request, emit func(*Response) bool) error {
		emit(&Response{Data: map[string]any{}, HasNext: true})
		return boom
	})
	got, err := Collect(n.Execute(context.Background(), Request{}))
	require.ErrorIs(t, err, boom)
	require.Len(t, got, 1)
}

func TestResponseFailed(t *testing.T) {
	require.True(t, (&Response{Errors: ErrorList{{Message: "x"}}}).Failed())
	require.False(t, (&Response{Data: map[string]any{}, Errors: ErrorList{{Message: "x"}}}).Failed())
	require.False(t, (&Response{}).Failed())
	require.Equal(t, "a; b", ErrorList{{Message: "a"}, {Message: "b"}}.Error())
}

const localSDL = `
type User { id: ID!, name: String }
type Query { viewer: User, fail: String }
`

func newLocal(t *testing.T) *Local {
	t.Helper()
	rt := executor.NewResolverRuntime(map[string]executor.Resolver{
		"Query.fail": func(context.Context, any, map[string]any) (any, error) {
			return nil, errors.New("no luck")
		},
	})
	sch, err := schema.BuildFromSDL(localSDL)
	require.NoError(t, err)
	return NewLocal(executor.NewExecutor(rt, sch), map[string]any{
		"viewer": map[string]any{"id": "U1", "name": "Ann"},
	})
}

func TestLocalExecutesOperation(t *testing.T) {
	local := newLocal(t)
	d, err := operation.Parse(`query Viewer { viewer { id name } }`, operation.WithSchema(local.exec.Schema()))
	require.NoError(t, err)

	got, err := Collect(local.Execute(context.Background(), NewRequest(operation.MustNew(d, nil))))
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, map[string]any{"viewer": map[string]any{"id": "U1", "name": "Ann"}}, got[0].Data)
	require.Empty(t, got[0].Errors)
}

func TestLocalReportsErrorsAsGraphQLErrors(t *testing.T) {
	local := newLocal(t)

	got, err := Collect(local.Execute(context.Background(), Request{Query: `{ viewer { nope } }`}))
	require.NoError(t, err)
	require.True(t, got[0].Failed())

	got, err = Collect(local.Execute(context.Background(), Request{Query: `{ fail viewer { id } }`}))
	require.NoError(t, err)
	require.False(t, got[0].Failed())
	require.Len(t, got[0].Errors, 1)
	require.Equal(t, []any{"fail"}, got[0].Errors[0].Path)
	require.Nil(t, got[0].Data["fail"])
}

func TestLocalRejectsSubscriptions(t *testing.T) {
	local := newLocal(t)
	_, err := Collect(local.Execute(context.Background(), Request{Kind: "subscription"}))
	require.ErrorIs(t, err, ErrUnsupported)
}
