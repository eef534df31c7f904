package store

import (
	"context"
	"fmt"

	"github.com/hanpama/normcache/internal/record"
	"github.com/hanpama/normcache/internal/selection"
)

// ResolvePath narrows sel to the object found at path, a response path of
// field keys and list indexes such as ["viewer", "friends", 0]. The returned
// selector reads the nested selections at that object's record, which is how
// incremental payloads carrying a path are written.
func (s *Store) ResolvePath(ctx context.Context, sel Selector, path []any) (Selector, error) {
	if err := s.mu.RLock(ctx); err != nil {
		return Selector{}, err
	}
	defer s.mu.RUnlock()

	id := sel.RootID
	sels := sel.Selections
	for i := 0; i < len(path); i++ {
		key, ok := path[i].(string)
		if !ok {
			return Selector{}, fmt.Errorf("%w: expected a field at %v", ErrPathNotFound, path[:i+1])
		}
		rec, ok := s.source.Get(id)
		if !ok {
			return Selector{}, fmt.Errorf("%w: record %q at %v", ErrPathNotFound, id, path[:i])
		}
		fields := s.linkedFields(rec, sels, key, sel.Variables)
		if len(fields) == 0 {
			return Selector{}, fmt.Errorf("%w: no object field %q at %v", ErrPathNotFound, key, path[:i])
		}
		v, ok := rec.Get(fields[0].StorageKey(sel.Variables))
		if !ok {
			return Selector{}, fmt.Errorf("%w: field %q of %q not stored", ErrPathNotFound, key, id)
		}
		switch v.Kind() {
		case record.KindRef:
			id, _ = v.RefID()
		case record.KindRefList:
			if i+1 >= len(path) {
				return Selector{}, fmt.Errorf("%w: list field %q needs an index", ErrPathNotFound, key)
			}
			idx, ok := pathIndex(path[i+1])
			ids, _ := v.RefIDs()
			if !ok || idx < 0 || idx >= len(ids) || ids[idx] == nil {
				return Selector{}, fmt.Errorf("%w: index %v of %q", ErrPathNotFound, path[i+1], key)
			}
			id = *ids[idx]
			i++
		default:
			return Selector{}, fmt.Errorf("%w: field %q of %q is null", ErrPathNotFound, key, id)
		}
		sels = nil
		for _, f := range fields {
			sels = append(sels, f.Selections...)
		}
	}
	return Selector{RootID: id, Selections: sels, Variables: sel.Variables, Kind: sel.Kind, Owner: sel.Owner}, nil
}

// linkedFields returns every linked field answering to key at rec, looking
// through fragments and conditions that apply.
func (s *Store) linkedFields(rec *record.Record, sels []selection.Selection, key string, vars map[string]any) []*selection.LinkedField {
	var out []*selection.LinkedField
	for _, sel := range sels {
		switch f := sel.(type) {
		case *selection.LinkedField:
			if f.ResponseKey() == key {
				out = append(out, f)
			}
		case *selection.InlineFragment:
			if typeMatches(s.opt.Types, f.TypeCondition, rec.Typename()) {
				out = append(out, s.linkedFields(rec, f.Selections, key, vars)...)
			}
		case *selection.Condition:
			if f.Passes(vars) {
				out = append(out, s.linkedFields(rec, f.Selections, key, vars)...)
			}
		}
	}
	return out
}

func pathIndex(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n == float64(int(n)) {
			return int(n), true
		}
	}
	return 0, false
}
