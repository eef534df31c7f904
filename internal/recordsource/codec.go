package recordsource

import (
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/hanpama/normcache/internal/record"
)

const (
	refKey    = "__ref"
	refsKey   = "__refs"
	scalarKey = "__scalar"
)

// ErrInvalidSnapshot is returned when a persisted snapshot does not follow
// the `id -> {storageKey: value}` layout.
var ErrInvalidSnapshot = errors.New("recordsource: invalid snapshot")

// ToMap converts the source into its persisted layout:
//
//	{"<id>": {"__id": "<id>", "__typename": "T", "<storageKey>": <value>}}
//
// References are {"__ref": id}, reference lists {"__refs": [id|null]} and
// tombstones null. A scalar object that would read back as one of these
// markers is wrapped as {"__scalar": value}.
func (s *Source) ToMap() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.records))
	for id, r := range s.records {
		if r == nil {
			out[id] = nil
			continue
		}
		out[id] = encodeRecord(r)
	}
	return out
}

func encodeRecord(r *record.Record) map[string]any {
	m := make(map[string]any, r.Len()+2)
	m[record.IDKey] = r.ID()
	if r.Typename() != "" {
		m[record.TypenameKey] = r.Typename()
	}
	for _, key := range r.Keys() {
		v, _ := r.Get(key)
		m[key] = encodeValue(v)
	}
	return m
}

func encodeValue(v record.Value) any {
	switch v.Kind() {
	case record.KindRef:
		id, _ := v.RefID()
		return map[string]any{refKey: id}
	case record.KindRefList:
		ids, _ := v.RefIDs()
		refs := make([]any, len(ids))
		for i, id := range ids {
			if id != nil {
				refs[i] = *id
			}
		}
		return map[string]any{refsKey: refs}
	default:
		s, _ := v.ScalarValue()
		if marker(s) {
			return map[string]any{scalarKey: s}
		}
		return s
	}
}

// marker reports whether v has the shape of an encoded reference, reference
// list or wrapped scalar.
func marker(v any) bool {
	obj, ok := v.(map[string]any)
	if !ok || len(obj) != 1 {
		return false
	}
	for key := range obj {
		return key == refKey || key == refsKey || key == scalarKey
	}
	return false
}

// FromMap builds a source from the persisted layout produced by ToMap.
func FromMap(m map[string]any) (*Source, error) {
	s := New()
	for id, raw := range m {
		if raw == nil {
			s.records[id] = nil
			continue
		}
		fields, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: record %q is %T", ErrInvalidSnapshot, id, raw)
		}
		r, err := decodeRecord(id, fields)
		if err != nil {
			return nil, err
		}
		s.records[id] = r
	}
	return s, nil
}

func decodeRecord(id record.ID, fields map[string]any) (*record.Record, error) {
	if got, ok := fields[record.IDKey]; ok && got != id {
		return nil, fmt.Errorf("%w: record %q carries __id %v", ErrInvalidSnapshot, id, got)
	}
	typename, _ := fields[record.TypenameKey].(string)
	r := record.New(id, typename)
	for key, raw := range fields {
		if key == record.IDKey || key == record.TypenameKey {
			continue
		}
		v, err := decodeValue(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %s.%s: %v", ErrInvalidSnapshot, id, key, err)
		}
		r.Set(key, v)
	}
	return r, nil
}

func decodeValue(raw any) (record.Value, error) {
	obj, ok := raw.(map[string]any)
	if !ok || len(obj) != 1 {
		return record.Scalar(raw), nil
	}
	if inner, ok := obj[scalarKey]; ok {
		return record.Scalar(inner), nil
	}
	if ref, ok := obj[refKey]; ok {
		id, ok := ref.(string)
		if !ok {
			return record.Value{}, fmt.Errorf("__ref must be a string, got %T", ref)
		}
		return record.Ref(id), nil
	}
	if refs, ok := obj[refsKey]; ok {
		list, ok := refs.([]any)
		if !ok {
			return record.Value{}, fmt.Errorf("__refs must be a list, got %T", refs)
		}
		ids := make([]*record.ID, len(list))
		for i, item := range list {
			if item == nil {
				continue
			}
			id, ok := item.(string)
			if !ok {
				return record.Value{}, fmt.Errorf("__refs[%d] must be a string, got %T", i, item)
			}
			ids[i] = &id
		}
		return record.RefList(ids), nil
	}
	return record.Scalar(raw), nil
}

// MarshalJSON implements json.Marshaler using the persisted layout.
func (s *Source) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.ToMap())
}

// MarshalIndentJSON is MarshalJSON with two-space indentation, used for
// human-readable dumps.
func (s *Source) MarshalIndentJSON() ([]byte, error) {
	return json.MarshalIndent(s.ToMap(), "", "  ")
}

// UnmarshalJSON replaces the content of s with a decoded snapshot.
func (s *Source) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	return s.replace(m)
}

// MarshalProto encodes the persisted layout as a google.protobuf.Struct.
func (s *Source) MarshalProto() ([]byte, error) {
	st, err := structpb.NewStruct(s.ToMap())
	if err != nil {
		return nil, fmt.Errorf("recordsource: encode struct: %w", err)
	}
	return proto.Marshal(st)
}

// UnmarshalProto replaces the content of s with a snapshot produced by
// MarshalProto.
func (s *Source) UnmarshalProto(data []byte) error {
	st := &structpb.Struct{}
	if err := proto.Unmarshal(data, st); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	return s.replace(st.AsMap())
}

func (s *Source) replace(m map[string]any) error {
	decoded, err := FromMap(m)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = decoded.records
	return nil
}
