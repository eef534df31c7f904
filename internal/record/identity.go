package record

import (
	"strconv"
	"strings"
)

// IdentityInput describes one response object that needs a record ID.
type IdentityInput struct {
	// ParentID is the record holding the field that links to the object.
	ParentID ID
	// StorageKey is the parent's storage key for that field.
	StorageKey string
	// Index is the position within a plural field, or -1 for singular fields.
	Index int
	// Typename is the concrete typename when known (payload __typename or
	// schema), otherwise empty.
	Typename string
	// Object is the raw response object.
	Object map[string]any
}

// IdentityStrategy derives the record ID for a response object. It must be
// deterministic: the same entity must always map to the same ID.
type IdentityStrategy func(in IdentityInput) ID

// DefaultIdentity uses the object's `id` field when present, prefixed with the
// typename when one is known ("User:U1"). Objects without an id get a
// path-based client ID derived from their parent.
func DefaultIdentity(in IdentityInput) ID {
	if raw, ok := in.Object["id"]; ok {
		if id, ok := idString(raw); ok {
			if in.Typename != "" {
				return in.Typename + ":" + id
			}
			return id
		}
	}
	return ClientID(in.ParentID, in.StorageKey, in.Index)
}

// ClientID returns the synthetic ID of an object only reachable through its
// parent's field.
func ClientID(parent ID, storageKey string, index int) ID {
	var b strings.Builder
	if !IsClientID(parent) {
		b.WriteString("client:")
	}
	b.WriteString(parent)
	b.WriteByte(':')
	b.WriteString(storageKey)
	if index >= 0 {
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(index))
	}
	return b.String()
}

// IsClientID reports whether id was synthesized by ClientID (or is the root).
func IsClientID(id ID) bool { return strings.HasPrefix(id, "client:") }

func idString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, t != ""
	case int:
		return strconv.Itoa(t), true
	case int32:
		return strconv.FormatInt(int64(t), 10), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	}
	return "", false
}
