package introspection

import (
	"fmt"
	"maps"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/hanpama/normcache/internal/schema"
)

func (r *runtime) schemaField(s *schema.Schema, field string) any {
	switch field {
	case "types":
		names := slices.Sorted(maps.Keys(s.Types))
		out := make([]*schema.Type, len(names))
		for i, name := range names {
			out[i] = s.Types[name]
		}
		return out
	case "queryType":
		return r.named(s.QueryType)
	case "mutationType":
		return r.named(s.MutationType)
	case "subscriptionType":
		return r.named(s.SubscriptionType)
	case "directives":
		out := make([]*schema.Directive, 0, len(s.Directives))
		for _, d := range s.Directives {
			out = append(out, d)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
		return out
	}
	return nil
}

func (r *runtime) typeField(t *schema.Type, field string, args map[string]any) any {
	includeDeprecated, _ := args["includeDeprecated"].(bool)
	switch field {
	case "kind":
		return string(t.Kind)
	case "name":
		return t.Name
	case "description":
		return optional(t.Description)
	case "fields":
		if t.Kind != schema.TypeKindObject && t.Kind != schema.TypeKindInterface {
			return nil
		}
		out := []*schema.Field{}
		for _, f := range t.Fields {
			if strings.HasPrefix(f.Name, "__") || (f.IsDeprecated && !includeDeprecated) {
				continue
			}
			out = append(out, f)
		}
		return out
	case "interfaces":
		if t.Kind != schema.TypeKindObject && t.Kind != schema.TypeKindInterface {
			return nil
		}
		return r.types(t.Interfaces)
	case "possibleTypes":
		if !t.IsAbstract() {
			return nil
		}
		return r.types(t.PossibleTypes)
	case "enumValues":
		if t.Kind != schema.TypeKindEnum {
			return nil
		}
		out := []*schema.EnumValue{}
		for _, v := range t.EnumValues {
			if v.IsDeprecated && !includeDeprecated {
				continue
			}
			out = append(out, v)
		}
		return out
	case "inputFields":
		if t.Kind != schema.TypeKindInputObject {
			return nil
		}
		return inputs(t.InputFields)
	case "isOneOf":
		if t.Kind != schema.TypeKindInputObject {
			return nil
		}
		return false
	}
	// specifiedByURL, ofType
	return nil
}

// wrapperField resolves __Type fields of a List or Non-Null wrapper.
func (r *runtime) wrapperField(ref *schema.TypeRef, field string) any {
	switch field {
	case "kind":
		return string(ref.Kind)
	case "ofType":
		return r.typeOf(ref.OfType)
	}
	return nil
}

func (r *runtime) types(names []string) []*schema.Type {
	out := make([]*schema.Type, 0, len(names))
	for _, name := range names {
		if t := r.schema.Types[name]; t != nil {
			out = append(out, t)
		}
	}
	return out
}

func (r *runtime) fieldField(f *schema.Field, field string) any {
	switch field {
	case "name":
		return f.Name
	case "description":
		return optional(f.Description)
	case "args":
		return inputs(f.Arguments)
	case "type":
		return r.typeOf(f.Type)
	case "isDeprecated":
		return f.IsDeprecated
	case "deprecationReason":
		if f.IsDeprecated {
			return f.DeprecationReason
		}
	}
	return nil
}

func (r *runtime) inputValueField(v *schema.InputValue, field string) any {
	switch field {
	case "name":
		return v.Name
	case "description":
		return optional(v.Description)
	case "type":
		return r.typeOf(v.Type)
	case "defaultValue":
		if v.DefaultValue == nil {
			return nil
		}
		t := r.schema.Types[v.Type.GetNamedType()]
		return literal(v.DefaultValue, t != nil && t.Kind == schema.TypeKindEnum)
	case "isDeprecated":
		return false
	}
	return nil
}

func enumValueField(v *schema.EnumValue, field string) any {
	switch field {
	case "name":
		return v.Name
	case "description":
		return optional(v.Description)
	case "isDeprecated":
		return v.IsDeprecated
	case "deprecationReason":
		if v.IsDeprecated {
			return v.DeprecationReason
		}
	}
	return nil
}

func directiveField(d *schema.Directive, field string) any {
	switch field {
	case "name":
		return d.Name
	case "description":
		return optional(d.Description)
	case "locations":
		if d.Locations == nil {
			return []string{}
		}
		return d.Locations
	case "args":
		return inputs(d.Arguments)
	case "isRepeatable":
		return d.IsRepeatable
	}
	return nil
}

// inputs keeps non-null lists of input values from completing to null.
func inputs(v []*schema.InputValue) []*schema.InputValue {
	if v == nil {
		return []*schema.InputValue{}
	}
	return v
}

func optional(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// literal prints a default value as GraphQL source text. Strings of an enum
// typed value print bare.
func literal(v any, enum bool) string {
	switch v := v.(type) {
	case nil:
		return "null"
	case string:
		if enum {
			return v
		}
		return strconv.Quote(v)
	case []any:
		parts := make([]string, len(v))
		for i, item := range v {
			parts[i] = literal(item, enum)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = k + ": " + literal(v[k], false)
		}
		return "{" + strings.Join(parts, ", ") + "}"
	default:
		return fmt.Sprint(v)
	}
}
