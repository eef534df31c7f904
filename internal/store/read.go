package store

import (
	"fmt"

	"github.com/hanpama/normcache/internal/record"
	"github.com/hanpama/normcache/internal/recordsource"
	"github.com/hanpama/normcache/internal/selection"
)

// reader reconstructs a selector's response shape from flat records.
type reader struct {
	source  *recordsource.Source
	vars    map[string]any
	rootKey string
	types   TypeChecker
	seen    IDSet
	missing []string
	path    []string
}

func read(source *recordsource.Source, sel Selector, types TypeChecker) (Snapshot, error) {
	r := &reader{
		source:  source,
		vars:    sel.Variables,
		rootKey: rootTypenameKey(sel.Kind),
		types:   types,
		seen:    make(IDSet),
	}
	data, err := r.record(sel.RootID, sel.Selections)
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{
		Selector:     sel,
		Missing:      len(r.missing) > 0,
		MissingPaths: r.missing,
		Seen:         r.seen,
	}
	if data != nil {
		snap.Data = data
	}
	return snap, nil
}

// record reads sels at id. A nil map means the record is unknown or deleted;
// both are reported as missing.
func (r *reader) record(id record.ID, sels []selection.Selection) (map[string]any, error) {
	r.seen[id] = struct{}{}
	rec, ok := r.source.Get(id)
	if !ok {
		r.markMissing("")
		return nil, nil
	}
	out := make(map[string]any)
	if err := r.traverse(rec, sels, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *reader) traverse(rec *record.Record, sels []selection.Selection, out map[string]any) error {
	for _, sel := range sels {
		switch s := sel.(type) {
		case *selection.ScalarField:
			key := s.ResponseKey()
			if s.Name == record.TypenameKey && rec.ID() == record.RootID {
				v, ok := rec.Get(r.rootKey)
				if !ok {
					r.markMissing(key)
					continue
				}
				out[key], _ = v.ScalarValue()
				continue
			}
			if s.Name == record.TypenameKey {
				if rec.Typename() == "" {
					r.markMissing(key)
					continue
				}
				out[key] = rec.Typename()
				continue
			}
			v, ok := rec.Get(s.StorageKey(r.vars))
			if !ok {
				r.markMissing(key)
				continue
			}
			scalar, isScalar := v.ScalarValue()
			if !isScalar {
				return r.shapeError(key, fmt.Sprintf("selected as a scalar, stored as %s", v.Kind()))
			}
			out[key] = scalar

		case *selection.LinkedField:
			if err := r.linked(rec, s, out); err != nil {
				return err
			}

		case *selection.InlineFragment:
			if !typeMatches(r.types, s.TypeCondition, rec.Typename()) {
				continue
			}
			if err := r.traverse(rec, s.Selections, out); err != nil {
				return err
			}

		case *selection.Condition:
			if !s.Passes(r.vars) {
				continue
			}
			if err := r.traverse(rec, s.Selections, out); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *reader) linked(rec *record.Record, f *selection.LinkedField, out map[string]any) error {
	key := f.ResponseKey()
	v, ok := rec.Get(f.StorageKey(r.vars))
	if !ok {
		r.markMissing(key)
		return nil
	}

	r.path = append(r.path, key)
	defer func() { r.path = r.path[:len(r.path)-1] }()

	switch v.Kind() {
	case record.KindScalar:
		if !v.IsNull() {
			return r.shapeError("", "selected as an object, stored as a scalar")
		}
		out[key] = nil

	case record.KindRef:
		if f.Plural == selection.Plural {
			return r.shapeError("", "selected as a list, stored as a single reference")
		}
		id, _ := v.RefID()
		child, err := r.record(id, f.Selections)
		if err != nil {
			return err
		}
		if child == nil {
			out[key] = nil
		} else {
			out[key] = child
		}

	case record.KindRefList:
		if f.Plural == selection.Singular {
			return r.shapeError("", "selected as an object, stored as a list")
		}
		ids, _ := v.RefIDs()
		items := make([]any, len(ids))
		for i, id := range ids {
			if id == nil {
				continue
			}
			r.path = append(r.path, fmt.Sprint(i))
			child, err := r.record(*id, f.Selections)
			r.path = r.path[:len(r.path)-1]
			if err != nil {
				return err
			}
			if child != nil {
				items[i] = child
			}
		}
		out[key] = items
	}
	return nil
}

func (r *reader) markMissing(elem string) {
	p := append([]string(nil), r.path...)
	if elem != "" {
		p = append(p, elem)
	}
	r.missing = append(r.missing, joinPath(p))
}

func (r *reader) shapeError(elem, reason string) error {
	p := append([]string(nil), r.path...)
	if elem != "" {
		p = append(p, elem)
	}
	return &ShapeError{Path: p, Reason: reason}
}
