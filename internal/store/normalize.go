package store

import (
	"fmt"

	"github.com/hanpama/normcache/internal/record"
	"github.com/hanpama/normcache/internal/recordsource"
	"github.com/hanpama/normcache/internal/selection"
)

// normalizer flattens one payload into staged records. Nothing it produces
// reaches the live source until the whole payload normalized cleanly.
type normalizer struct {
	base     *recordsource.Source
	vars     map[string]any
	rootKey  string
	identity record.IdentityStrategy
	types    TypeChecker
	staged   map[record.ID]*record.Record
	order    []record.ID
	path     []string
}

func newNormalizer(base *recordsource.Source, sel Selector, opt *Options) *normalizer {
	return &normalizer{
		base:     base,
		vars:     sel.Variables,
		rootKey:  rootTypenameKey(sel.Kind),
		identity: opt.Identity,
		types:    opt.Types,
		staged:   make(map[record.ID]*record.Record),
	}
}

func (n *normalizer) normalizeRoot(rootID record.ID, sels []selection.Selection, data map[string]any) error {
	typename, _ := data[record.TypenameKey].(string)
	rec, err := n.stage(rootID, typename)
	if err != nil {
		return err
	}
	return n.traverse(rec, sels, data)
}

// stage returns the staged record for id, creating it on first use and
// checking the typename against what is staged or stored already.
func (n *normalizer) stage(id record.ID, typename string) (*record.Record, error) {
	rec, ok := n.staged[id]
	if !ok {
		rec = record.New(id, "")
		n.staged[id] = rec
		n.order = append(n.order, id)
	}
	if typename == "" {
		return rec, nil
	}
	if id == record.RootID {
		// The root is shared by every operation type, so its typename is a
		// field per type rather than the record typename.
		rec.Set(n.rootKey, record.Scalar(typename))
		return rec, nil
	}
	existing := rec.Typename()
	if existing == "" {
		if stored, ok := n.base.Get(id); ok {
			existing = stored.Typename()
		}
	}
	if existing != "" && existing != typename {
		return nil, &IdentityCollisionError{
			ID:       id,
			Existing: existing,
			Incoming: typename,
			Path:     append([]string(nil), n.path...),
		}
	}
	rec.SetTypename(typename)
	return rec, nil
}

func (n *normalizer) traverse(rec *record.Record, sels []selection.Selection, data map[string]any) error {
	for _, sel := range sels {
		switch s := sel.(type) {
		case *selection.ScalarField:
			key := s.ResponseKey()
			v, ok := data[key]
			if !ok {
				continue
			}
			if s.Name == record.TypenameKey {
				typename, isString := v.(string)
				if !isString {
					return n.shapeError(key, fmt.Sprintf("__typename must be a string, got %T", v))
				}
				if _, err := n.stage(rec.ID(), typename); err != nil {
					return err
				}
				continue
			}
			rec.Set(s.StorageKey(n.vars), record.Scalar(v))

		case *selection.LinkedField:
			if err := n.linked(rec, s, data); err != nil {
				return err
			}

		case *selection.InlineFragment:
			if !n.applies(s.TypeCondition, rec, data) {
				continue
			}
			if err := n.traverse(rec, s.Selections, data); err != nil {
				return err
			}

		case *selection.Condition:
			if !s.Passes(n.vars) {
				continue
			}
			if err := n.traverse(rec, s.Selections, data); err != nil {
				return err
			}
		}
	}
	return nil
}

func (n *normalizer) linked(parent *record.Record, f *selection.LinkedField, data map[string]any) error {
	key := f.ResponseKey()
	v, ok := data[key]
	if !ok {
		return nil
	}
	storageKey := f.StorageKey(n.vars)
	if v == nil {
		parent.Set(storageKey, record.Null())
		return nil
	}

	n.path = append(n.path, key)
	defer func() { n.path = n.path[:len(n.path)-1] }()

	items, isList := v.([]any)
	switch {
	case f.Plural == selection.Plural && !isList:
		return n.shapeError("", fmt.Sprintf("expected a list, got %T", v))
	case f.Plural == selection.Singular && isList:
		return n.shapeError("", "expected an object, got a list")
	}

	if !isList {
		obj, isObject := v.(map[string]any)
		if !isObject {
			return n.shapeError("", fmt.Sprintf("expected an object, got %T", v))
		}
		id, err := n.object(parent.ID(), storageKey, -1, f, obj)
		if err != nil {
			return err
		}
		parent.Set(storageKey, record.Ref(id))
		return nil
	}

	ids := make([]*record.ID, len(items))
	for i, item := range items {
		if item == nil {
			continue
		}
		obj, isObject := item.(map[string]any)
		if !isObject {
			return n.shapeError(fmt.Sprint(i), fmt.Sprintf("expected an object, got %T", item))
		}
		n.path = append(n.path, fmt.Sprint(i))
		id, err := n.object(parent.ID(), storageKey, i, f, obj)
		n.path = n.path[:len(n.path)-1]
		if err != nil {
			return err
		}
		ids[i] = &id
	}
	parent.Set(storageKey, record.RefList(ids))
	return nil
}

func (n *normalizer) object(parentID record.ID, storageKey string, index int, f *selection.LinkedField, obj map[string]any) (record.ID, error) {
	typename, _ := obj[record.TypenameKey].(string)
	if typename == "" {
		typename = f.ConcreteType
	}
	id := n.identity(record.IdentityInput{
		ParentID:   parentID,
		StorageKey: storageKey,
		Index:      index,
		Typename:   typename,
		Object:     obj,
	})
	rec, err := n.stage(id, typename)
	if err != nil {
		return "", err
	}
	if err := n.traverse(rec, f.Selections, obj); err != nil {
		return "", err
	}
	return id, nil
}

// applies decides whether a type-conditioned fragment covers the object.
// An object of unknown type gets the fragment: fields it lacks are skipped.
func (n *normalizer) applies(condition string, rec *record.Record, data map[string]any) bool {
	if condition == "" {
		return true
	}
	typename, _ := data[record.TypenameKey].(string)
	if typename == "" {
		typename = rec.Typename()
	}
	return typeMatches(n.types, condition, typename)
}

func (n *normalizer) shapeError(elem, reason string) error {
	p := append([]string(nil), n.path...)
	if elem != "" {
		p = append(p, elem)
	}
	return &ShapeError{Path: p, Reason: reason}
}

func typeMatches(types TypeChecker, condition, typename string) bool {
	switch {
	case condition == "" || typename == "" || condition == typename:
		return true
	case types != nil:
		return types.IsPossibleType(condition, typename)
	default:
		return false
	}
}
