package record

import (
	"math"
	"reflect"

	"github.com/tiendc/go-deepcopy"
)

// Kind tags the variant held by a Value.
type Kind uint8

const (
	KindScalar Kind = iota + 1
	KindRef
	KindRefList
)

func (k Kind) String() string {
	switch k {
	case KindScalar:
		return "scalar"
	case KindRef:
		return "ref"
	case KindRefList:
		return "refs"
	default:
		return "invalid"
	}
}

// Value is a field value stored in a Record: a scalar (including null and
// lists or objects of scalars), a reference to another record, or an ordered
// list of references. Values are immutable once constructed.
type Value struct {
	kind   Kind
	scalar any
	ref    ID
	refs   []*ID
}

// Scalar returns a scalar value. Composite scalars (lists, input-like maps)
// are deep-copied so later mutation by the caller cannot reach the cache.
func Scalar(v any) Value {
	return Value{kind: KindScalar, scalar: cloneScalar(v)}
}

// Null is the scalar null value.
func Null() Value { return Value{kind: KindScalar} }

// Ref returns a reference to the record identified by id.
func Ref(id ID) Value { return Value{kind: KindRef, ref: id} }

// RefList returns an ordered list of references. Nil entries are null items.
func RefList(ids []*ID) Value {
	return Value{kind: KindRefList, refs: cloneRefs(ids)}
}

// RefListOf is a convenience for lists without null items.
func RefListOf(ids ...ID) Value {
	refs := make([]*ID, len(ids))
	for i := range ids {
		id := ids[i]
		refs[i] = &id
	}
	return Value{kind: KindRefList, refs: refs}
}

func (v Value) Kind() Kind    { return v.kind }
func (v Value) IsValid() bool { return v.kind != 0 }

// IsNull reports whether v is the null scalar.
func (v Value) IsNull() bool { return v.kind == KindScalar && v.scalar == nil }

// ScalarValue returns a copy of the scalar and true when v is a scalar.
func (v Value) ScalarValue() (any, bool) {
	if v.kind != KindScalar {
		return nil, false
	}
	return cloneScalar(v.scalar), true
}

// RefID returns the referenced ID when v is a reference.
func (v Value) RefID() (ID, bool) {
	if v.kind != KindRef {
		return "", false
	}
	return v.ref, true
}

// RefIDs returns a copy of the reference list when v is a list of references.
func (v Value) RefIDs() ([]*ID, bool) {
	if v.kind != KindRefList {
		return nil, false
	}
	return cloneRefs(v.refs), true
}

// Equal reports whether two values hold the same content. Numbers compare by
// value so an int written locally equals the float64 decoded from JSON.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindScalar:
		return scalarEqual(v.scalar, o.scalar)
	case KindRef:
		return v.ref == o.ref
	case KindRefList:
		if len(v.refs) != len(o.refs) {
			return false
		}
		for i := range v.refs {
			a, b := v.refs[i], o.refs[i]
			if (a == nil) != (b == nil) {
				return false
			}
			if a != nil && *a != *b {
				return false
			}
		}
		return true
	}
	return true
}

func cloneRefs(ids []*ID) []*ID {
	if ids == nil {
		return nil
	}
	out := make([]*ID, len(ids))
	for i, id := range ids {
		if id != nil {
			cp := *id
			out[i] = &cp
		}
	}
	return out
}

func cloneScalar(v any) any {
	switch t := v.(type) {
	case map[string]any:
		var out map[string]any
		if err := deepcopy.Copy(&out, &t); err != nil {
			return t
		}
		return out
	case []any:
		var out []any
		if err := deepcopy.Copy(&out, &t); err != nil {
			return t
		}
		return out
	default:
		return v
	}
}

func scalarEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && (fa == fb || (math.IsNaN(fa) && math.IsNaN(fb)))
	}
	switch ta := a.(type) {
	case []any:
		tb, ok := b.([]any)
		if !ok || len(ta) != len(tb) {
			return false
		}
		for i := range ta {
			if !scalarEqual(ta[i], tb[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		tb, ok := b.(map[string]any)
		if !ok || len(ta) != len(tb) {
			return false
		}
		for k, av := range ta {
			bv, ok := tb[k]
			if !ok || !scalarEqual(av, bv) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
