package record

import (
	"sort"
	"strings"

	json "github.com/goccy/go-json"
)

// StorageKey returns the key under which a field is stored in its record.
// Fields queried with different arguments must not collide, so non-null
// arguments are appended sorted by name, e.g. `friends(first:10,orderBy:"NAME")`.
func StorageKey(fieldName string, args map[string]any) string {
	if len(args) == 0 {
		return fieldName
	}
	names := make([]string, 0, len(args))
	for name, v := range args {
		if v == nil {
			continue
		}
		names = append(names, name)
	}
	if len(names) == 0 {
		return fieldName
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(fieldName)
	b.WriteByte('(')
	for i, name := range names {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(name)
		b.WriteByte(':')
		b.WriteString(stableJSON(args[name]))
	}
	b.WriteByte(')')
	return b.String()
}

// stableJSON encodes v with object keys sorted so equal arguments always
// produce the same key.
func stableJSON(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(raw)
}
