package store

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hanpama/normcache/internal/record"
	"github.com/hanpama/normcache/internal/recordsource"
	"github.com/hanpama/normcache/internal/selection"
)

func userFields(extra ...selection.Selection) []selection.Selection {
	return append([]selection.Selection{
		&selection.ScalarField{Name: "__typename"},
		&selection.ScalarField{Name: "id"},
		&selection.ScalarField{Name: "name"},
	}, extra...)
}

func viewerSelector() Selector {
	return Selector{
		RootID: record.RootID,
		Owner:  "ViewerQuery",
		Selections: []selection.Selection{
			&selection.LinkedField{
				Name:   "viewer",
				Plural: selection.Singular,
				Selections: userFields(&selection.LinkedField{
					Name:       "friends",
					Args:       []selection.Argument{{Name: "first", Literal: 2}},
					Plural:     selection.Plural,
					Selections: userFields(),
				}),
			},
		},
	}
}

func viewerPayload(name string) map[string]any {
	return map[string]any{
		"viewer": map[string]any{
			"__typename": "User",
			"id":         "U1",
			"name":       name,
			"friends": []any{
				map[string]any{"__typename": "User", "id": "U2", "name": "Bo"},
				nil,
			},
		},
	}
}

func nodeSelector(id string) Selector {
	return Selector{
		RootID: record.RootID,
		Owner:  "NodeQuery",
		Selections: []selection.Selection{
			&selection.LinkedField{
				Name:       "node",
				Args:       []selection.Argument{{Name: "id", Variable: "id"}},
				Plural:     selection.Singular,
				Selections: userFields(),
			},
		},
		Variables: map[string]any{"id": id},
	}
}

func TestWriteThenLookupReturnsPayload(t *testing.T) {
	ctx := context.Background()
	s := New(nil)

	changed, err := s.Write(ctx, viewerSelector(), viewerPayload("Ann"))
	require.NoError(t, err)
	require.Equal(t, NewIDSet(record.RootID, "User:U1", "User:U2"), changed)

	snap, err := s.Lookup(ctx, viewerSelector())
	require.NoError(t, err)
	require.False(t, snap.Missing)
	require.Equal(t, viewerPayload("Ann"), snap.Data)
	require.Equal(t, NewIDSet(record.RootID, "User:U1", "User:U2"), snap.Seen)

	source, err := s.Snapshot(ctx)
	require.NoError(t, err)
	u1, ok := source.Get("User:U1")
	require.True(t, ok)
	require.Equal(t, "User", u1.Typename())
	friends, ok := u1.Get("friends(first:2)")
	require.True(t, ok)
	require.Equal(t, record.KindRefList, friends.Kind())
}

func TestWriteSameDataChangesNothing(t *testing.T) {
	ctx := context.Background()
	s := New(nil)

	_, err := s.Write(ctx, viewerSelector(), viewerPayload("Ann"))
	require.NoError(t, err)
	changed, err := s.Write(ctx, viewerSelector(), viewerPayload("Ann"))
	require.NoError(t, err)
	require.Empty(t, changed)
}

func TestWritesShareRecordsAcrossSelectors(t *testing.T) {
	ctx := context.Background()
	s := New(nil)

	_, err := s.Write(ctx, viewerSelector(), viewerPayload("Ann"))
	require.NoError(t, err)

	changed, err := s.Write(ctx, nodeSelector("U1"), map[string]any{
		"node": map[string]any{"__typename": "User", "id": "U1", "name": "Anna"},
	})
	require.NoError(t, err)
	require.Equal(t, NewIDSet(record.RootID, "User:U1"), changed)

	snap, err := s.Lookup(ctx, viewerSelector())
	require.NoError(t, err)
	require.Equal(t, "Anna", snap.Data.(map[string]any)["viewer"].(map[string]any)["name"])
}

func TestLookupReportsMissingData(t *testing.T) {
	ctx := context.Background()
	s := New(nil)

	snap, err := s.Lookup(ctx, viewerSelector())
	require.NoError(t, err)
	require.True(t, snap.Missing)
	require.Nil(t, snap.Data)

	_, err = s.Write(ctx, viewerSelector(), viewerPayload("Ann"))
	require.NoError(t, err)

	withEmail := viewerSelector()
	viewer := withEmail.Selections[0].(*selection.LinkedField)
	viewer.Selections = append(viewer.Selections, &selection.ScalarField{Name: "email"})

	snap, err = s.Lookup(ctx, withEmail)
	require.NoError(t, err)
	require.True(t, snap.Missing)
	require.Equal(t, []string{"viewer.email"}, snap.MissingPaths)
	require.Equal(t, "Ann", snap.Data.(map[string]any)["viewer"].(map[string]any)["name"])
}

func TestIdentityCollisionRejectsWholePayload(t *testing.T) {
	ctx := context.Background()
	bareID := func(in record.IdentityInput) record.ID {
		if id, ok := in.Object["id"].(string); ok {
			return id
		}
		return record.ClientID(in.ParentID, in.StorageKey, in.Index)
	}
	s := New(nil, WithIdentity(bareID))

	sel := Selector{
		RootID: record.RootID,
		Selections: []selection.Selection{
			&selection.LinkedField{Name: "viewer", Selections: userFields()},
			&selection.LinkedField{Name: "post", Selections: []selection.Selection{
				&selection.ScalarField{Name: "__typename"},
				&selection.ScalarField{Name: "id"},
			}},
		},
	}
	_, err := s.Write(ctx, sel, map[string]any{
		"viewer": map[string]any{"__typename": "User", "id": "1", "name": "Ann"},
	})
	require.NoError(t, err)

	_, err = s.Write(ctx, sel, map[string]any{
		"viewer": map[string]any{"__typename": "User", "id": "1", "name": "Changed"},
		"post":   map[string]any{"__typename": "Post", "id": "1"},
	})
	require.ErrorIs(t, err, ErrIdentityCollision)
	var collision *IdentityCollisionError
	require.True(t, errors.As(err, &collision))
	require.Equal(t, "User", collision.Existing)
	require.Equal(t, "Post", collision.Incoming)

	snap, err := s.Lookup(ctx, Selector{RootID: record.RootID, Selections: sel.Selections[:1]})
	require.NoError(t, err)
	require.Equal(t, "Ann", snap.Data.(map[string]any)["viewer"].(map[string]any)["name"])
}

func TestShapeMismatchIsRejected(t *testing.T) {
	ctx := context.Background()
	s := New(nil)

	payload := viewerPayload("Ann")
	payload["viewer"].(map[string]any)["friends"] = map[string]any{"id": "U2"}

	_, err := s.Write(ctx, viewerSelector(), payload)
	require.ErrorIs(t, err, ErrShapeMismatch)
	require.Zero(t, s.Len())
}

func TestNotifyDeliversOnlyChangedResults(t *testing.T) {
	ctx := context.Background()
	s := New(nil)
	_, err := s.Write(ctx, viewerSelector(), viewerPayload("Ann"))
	require.NoError(t, err)

	var got []Snapshot
	sub, err := s.Subscribe(ctx, viewerSelector(), func(snap Snapshot) { got = append(got, snap) })
	require.NoError(t, err)
	require.Equal(t, viewerPayload("Ann"), sub.Snapshot().Data)

	// unrelated record
	changed, err := s.Write(ctx, nodeSelector("U7"), map[string]any{
		"node": map[string]any{"__typename": "User", "id": "U7", "name": "Zed"},
	})
	require.NoError(t, err)
	n, err := s.Notify(ctx, changed)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Empty(t, got)

	changed, err = s.Write(ctx, nodeSelector("U2"), map[string]any{
		"node": map[string]any{"__typename": "User", "id": "U2", "name": "Bob"},
	})
	require.NoError(t, err)
	n, err = s.Notify(ctx, changed)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Len(t, got, 1)
	friends := got[0].Data.(map[string]any)["viewer"].(map[string]any)["friends"].([]any)
	require.Equal(t, "Bob", friends[0].(map[string]any)["name"])

	sub.Unsubscribe()
	sub.Unsubscribe()
	changed, err = s.Write(ctx, viewerSelector(), viewerPayload("Ann2"))
	require.NoError(t, err)
	n, err = s.Notify(ctx, changed)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Len(t, got, 1)
}

func TestNotifyFollowsRepointedReferences(t *testing.T) {
	ctx := context.Background()
	s := New(nil)
	_, err := s.Write(ctx, viewerSelector(), viewerPayload("Ann"))
	require.NoError(t, err)

	var got []Snapshot
	_, err = s.Subscribe(ctx, viewerSelector(), func(snap Snapshot) { got = append(got, snap) })
	require.NoError(t, err)

	repointed := viewerPayload("Nia")
	repointed["viewer"].(map[string]any)["id"] = "U9"
	changed, err := s.Write(ctx, viewerSelector(), repointed)
	require.NoError(t, err)
	n, err := s.Notify(ctx, changed)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Contains(t, got[0].Seen, "User:U9")
	require.NotContains(t, got[0].Seen, "User:U1")

	// the old viewer is no longer read
	changed, err = s.Write(ctx, nodeSelector("U1"), map[string]any{
		"node": map[string]any{"__typename": "User", "id": "U1", "name": "Annie"},
	})
	require.NoError(t, err)
	n, err = s.Notify(ctx, changed)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Len(t, got, 1)

	changed, err = s.Write(ctx, nodeSelector("U9"), map[string]any{
		"node": map[string]any{"__typename": "User", "id": "U9", "name": "Nina"},
	})
	require.NoError(t, err)
	n, err = s.Notify(ctx, changed)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Len(t, got, 2)
	require.Equal(t, "Nina", got[1].Data.(map[string]any)["viewer"].(map[string]any)["name"])
}

func TestNotifyRecoversFromPanickingCallback(t *testing.T) {
	ctx := context.Background()
	s := New(nil)
	_, err := s.Write(ctx, viewerSelector(), viewerPayload("Ann"))
	require.NoError(t, err)

	_, err = s.Subscribe(ctx, viewerSelector(), func(Snapshot) { panic("boom") })
	require.NoError(t, err)
	var calls int
	_, err = s.Subscribe(ctx, viewerSelector(), func(Snapshot) { calls++ })
	require.NoError(t, err)

	changed, err := s.Write(ctx, viewerSelector(), viewerPayload("Other"))
	require.NoError(t, err)
	require.NotPanics(t, func() {
		_, err = s.Notify(ctx, changed)
	})
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}

func TestConcurrentNotifyNeverDeliversStaleSnapshots(t *testing.T) {
	ctx := context.Background()
	s := New(nil)
	_, err := s.Write(ctx, viewerSelector(), viewerPayload("v0"))
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		names []string
	)
	_, err = s.Subscribe(ctx, viewerSelector(), func(snap Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		names = append(names, snap.Data.(map[string]any)["viewer"].(map[string]any)["name"].(string))
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, name := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			changed, err := s.Write(ctx, viewerSelector(), viewerPayload(name))
			if err != nil {
				return
			}
			_, _ = s.Notify(ctx, changed)
		}()
	}
	wg.Wait()

	final, err := s.Lookup(ctx, viewerSelector())
	require.NoError(t, err)
	finalName := final.Data.(map[string]any)["viewer"].(map[string]any)["name"]

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, names)
	require.Equal(t, finalName, names[len(names)-1])
}

func TestDeleteTombstonesRecord(t *testing.T) {
	ctx := context.Background()
	s := New(nil)
	_, err := s.Write(ctx, viewerSelector(), viewerPayload("Ann"))
	require.NoError(t, err)

	changed, err := s.Delete(ctx, "User:U1")
	require.NoError(t, err)
	require.Equal(t, NewIDSet("User:U1"), changed)

	snap, err := s.Lookup(ctx, viewerSelector())
	require.NoError(t, err)
	require.True(t, snap.Missing)
	require.Equal(t, map[string]any{"viewer": nil}, snap.Data)

	source, err := s.Snapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, recordsource.Nonexistent, source.State("User:U1"))

	changed, err = s.Delete(ctx, "User:U1")
	require.NoError(t, err)
	require.Empty(t, changed)
}

func TestUpdateAppliesOrDiscardsEdits(t *testing.T) {
	ctx := context.Background()
	s := New(nil)
	_, err := s.Write(ctx, viewerSelector(), viewerPayload("Ann"))
	require.NoError(t, err)

	_, err = s.Update(ctx, func(u *Updater) error {
		require.NoError(t, u.SetValue("User:U1", "name", "Discarded"))
		return errors.New("abort")
	})
	require.Error(t, err)

	changed, err := s.Update(ctx, func(u *Updater) error {
		if err := u.Create("User:U3", "User"); err != nil {
			return err
		}
		if err := u.SetValue("User:U3", "id", "U3"); err != nil {
			return err
		}
		if err := u.SetValue("User:U3", "name", "Cy"); err != nil {
			return err
		}
		u2, u3 := "User:U2", "User:U3"
		return u.SetLinks("User:U1", "friends(first:2)", []*record.ID{&u2, &u3})
	})
	require.NoError(t, err)
	require.Equal(t, NewIDSet("User:U1", "User:U3"), changed)

	snap, err := s.Lookup(ctx, viewerSelector())
	require.NoError(t, err)
	viewer := snap.Data.(map[string]any)["viewer"].(map[string]any)
	require.Equal(t, "Ann", viewer["name"])
	friends := viewer["friends"].([]any)
	require.Equal(t, "Cy", friends[1].(map[string]any)["name"])

	_, err = s.Update(ctx, func(u *Updater) error {
		return u.SetValue("User:U404", "name", "x")
	})
	require.ErrorIs(t, err, ErrRecordNotFound)
	_, err = s.Update(ctx, func(u *Updater) error {
		return u.Create("User:U1", "User")
	})
	require.Error(t, err)
}

func TestGCKeepsRetainedAndSubscribedRecords(t *testing.T) {
	ctx := context.Background()
	s := New(nil)
	_, err := s.Write(ctx, viewerSelector(), viewerPayload("Ann"))
	require.NoError(t, err)
	_, err = s.Write(ctx, nodeSelector("U7"), map[string]any{
		"node": map[string]any{"__typename": "User", "id": "U7", "name": "Zed"},
	})
	require.NoError(t, err)

	retention := s.Retain(viewerSelector())
	removed, err := s.GC(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	source, err := s.Snapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, recordsource.Unknown, source.State("User:U7"))
	require.Equal(t, recordsource.Existent, source.State("User:U2"))

	retention.Dispose()
	sub, err := s.Subscribe(ctx, viewerSelector(), func(Snapshot) {})
	require.NoError(t, err)
	removed, err = s.GC(ctx)
	require.NoError(t, err)
	require.Zero(t, removed)
	require.Equal(t, 3, s.Len())

	sub.Unsubscribe()
	removed, err = s.GC(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, removed)
	require.Equal(t, 1, s.Len())
}

func TestResolvePathNarrowsSelector(t *testing.T) {
	ctx := context.Background()
	s := New(nil)
	_, err := s.Write(ctx, viewerSelector(), viewerPayload("Ann"))
	require.NoError(t, err)

	sel, err := s.ResolvePath(ctx, viewerSelector(), []any{"viewer", "friends", float64(0)})
	require.NoError(t, err)
	require.Equal(t, record.ID("User:U2"), sel.RootID)
	require.Len(t, sel.Selections, 3)

	changed, err := s.Write(ctx, sel, map[string]any{"__typename": "User", "id": "U2", "name": "Bob"})
	require.NoError(t, err)
	require.Equal(t, NewIDSet("User:U2"), changed)

	_, err = s.ResolvePath(ctx, viewerSelector(), []any{"viewer", "friends", 1})
	require.ErrorIs(t, err, ErrPathNotFound)
	_, err = s.ResolvePath(ctx, viewerSelector(), []any{"viewer", "name"})
	require.ErrorIs(t, err, ErrPathNotFound)
}

func TestRestoreReplacesSource(t *testing.T) {
	ctx := context.Background()
	s := New(nil)
	_, err := s.Write(ctx, viewerSelector(), viewerPayload("Ann"))
	require.NoError(t, err)
	saved, err := s.Snapshot(ctx)
	require.NoError(t, err)

	_, err = s.Write(ctx, viewerSelector(), viewerPayload("Changed"))
	require.NoError(t, err)

	changed, err := s.Restore(ctx, saved)
	require.NoError(t, err)
	require.True(t, changed.Has("User:U1"))

	snap, err := s.Lookup(ctx, viewerSelector())
	require.NoError(t, err)
	require.Equal(t, viewerPayload("Ann"), snap.Data)
}

func TestLookupHonorsContext(t *testing.T) {
	s := New(nil)
	require.NoError(t, s.mu.Lock(context.Background()))
	defer s.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Lookup(ctx, viewerSelector())
	require.ErrorIs(t, err, context.Canceled)
}

func TestUserRecordChangeSets(t *testing.T) {
	ctx := context.Background()
	s := New(nil)
	sel := Selector{
		RootID: "User:U1",
		Selections: []selection.Selection{
			&selection.ScalarField{Name: "id"},
			&selection.ScalarField{Name: "name"},
		},
	}

	var fired []Snapshot
	sub, err := s.Subscribe(ctx, sel, func(snap Snapshot) { fired = append(fired, snap) })
	require.NoError(t, err)
	require.True(t, sub.Snapshot().Missing)

	changed, err := s.Write(ctx, sel, map[string]any{"id": "U1", "name": "Ann"})
	require.NoError(t, err)
	require.Equal(t, NewIDSet("User:U1"), changed)
	_, err = s.Notify(ctx, changed)
	require.NoError(t, err)
	require.Len(t, fired, 1)

	changed, err = s.Write(ctx, sel, map[string]any{"id": "U1", "name": "Ann"})
	require.NoError(t, err)
	require.Empty(t, changed)
	n, err := s.Notify(ctx, changed)
	require.NoError(t, err)
	require.Zero(t, n)

	changed, err = s.Write(ctx, sel, map[string]any{"id": "U1", "name": "Anna"})
	require.NoError(t, err)
	require.Equal(t, NewIDSet("User:U1"), changed)
	_, err = s.Notify(ctx, changed)
	require.NoError(t, err)
	require.Len(t, fired, 2)
	require.Equal(t, map[string]any{"id": "U1", "name": "Anna"}, fired[1].Data)
}

func rootSelector(kind string, sels ...selection.Selection) Selector {
	return Selector{
		RootID:     record.RootID,
		Owner:      "Root" + kind,
		Kind:       kind,
		Selections: append([]selection.Selection{&selection.ScalarField{Name: "__typename"}}, sels...),
	}
}

func TestRootTypenameIsKeptPerOperationType(t *testing.T) {
	ctx := context.Background()
	s := New(nil)
	hello := &selection.ScalarField{Name: "hello"}

	_, err := s.Write(ctx, rootSelector("", hello), map[string]any{"__typename": "Query", "hello": "world"})
	require.NoError(t, err)
	snap, err := s.Lookup(ctx, rootSelector("", hello))
	require.NoError(t, err)
	require.False(t, snap.Missing)
	require.Equal(t, map[string]any{"__typename": "Query", "hello": "world"}, snap.Data)

	_, err = s.Write(ctx, rootSelector("mutation"), map[string]any{"__typename": "Mutation"})
	require.NoError(t, err)
	snap, err = s.Lookup(ctx, rootSelector("query", hello))
	require.NoError(t, err)
	require.Equal(t, "Query", snap.Data.(map[string]any)["__typename"])
	snap, err = s.Lookup(ctx, rootSelector("mutation"))
	require.NoError(t, err)
	require.Equal(t, map[string]any{"__typename": "Mutation"}, snap.Data)

	snap, err = s.Lookup(ctx, rootSelector("subscription"))
	require.NoError(t, err)
	require.True(t, snap.Missing)

	source, err := s.Snapshot(ctx)
	require.NoError(t, err)
	root, ok := source.Get(record.RootID)
	require.True(t, ok)
	require.Empty(t, root.Typename())
}

func TestRootFragmentReadsTypename(t *testing.T) {
	ctx := context.Background()
	s := New(nil)
	sel := Selector{
		RootID: record.RootID,
		Owner:  "RootFragment",
		Selections: []selection.Selection{
			&selection.InlineFragment{
				TypeCondition: "Query",
				Selections: []selection.Selection{
					&selection.ScalarField{Name: "__typename"},
					&selection.ScalarField{Name: "hello"},
				},
			},
		},
	}
	payload := map[string]any{"__typename": "Query", "hello": "world"}

	_, err := s.Write(ctx, sel, payload)
	require.NoError(t, err)
	snap, err := s.Lookup(ctx, sel)
	require.NoError(t, err)
	require.False(t, snap.Missing)
	require.Equal(t, payload, snap.Data)
}
