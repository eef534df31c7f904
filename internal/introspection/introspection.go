// Package introspection answers the __schema and __type root fields on top of
// another executor.Runtime.
package introspection

import (
	"context"
	"errors"
	"maps"
	"slices"
	"strings"

	"github.com/hanpama/normcache/internal/executor"
	"github.com/hanpama/normcache/internal/schema"
)

// Wrapper pairs the introspecting runtime with the schema it must run
// against.
type Wrapper struct {
	Runtime executor.Runtime
	Schema  *schema.Schema
}

// Wrap extends sch with the introspection types and returns a runtime that
// resolves them, delegating every other field to base. sch is not modified.
func Wrap(base executor.Runtime, sch *schema.Schema) (*Wrapper, error) {
	if sch.Source == nil {
		return nil, errors.New("introspection: schema has no source definition")
	}
	full, err := schema.BuildFromAST(sch.Source, schema.WithIntrospection())
	if err != nil {
		return nil, err
	}

	ext := *sch
	ext.Types = maps.Clone(sch.Types)
	for name, t := range full.Types {
		if strings.HasPrefix(name, "__") {
			ext.Types[name] = t
		}
	}
	if q := sch.GetQueryType(); q != nil {
		fq := full.GetQueryType()
		cp := *q
		cp.Fields = append(slices.Clone(q.Fields), fq.Field("__schema"), fq.Field("__type"))
		ext.Types[q.Name] = &cp
	}
	return &Wrapper{Runtime: &runtime{base: base, schema: &ext}, Schema: &ext}, nil
}

type runtime struct {
	base   executor.Runtime
	schema *schema.Schema
}

func (r *runtime) ResolveSync(ctx context.Context, objectType, field string, source any, args map[string]any) (any, error) {
	switch objectType {
	case r.schema.QueryType:
		switch field {
		case "__schema":
			return r.schema, nil
		case "__type":
			name, _ := args["name"].(string)
			return r.named(name), nil
		}
	case "__Schema":
		if s, ok := source.(*schema.Schema); ok {
			return r.schemaField(s, field), nil
		}
	case "__Type":
		switch t := source.(type) {
		case *schema.Type:
			return r.typeField(t, field, args), nil
		case *schema.TypeRef:
			return r.wrapperField(t, field), nil
		}
	case "__Field":
		if f, ok := source.(*schema.Field); ok {
			return r.fieldField(f, field), nil
		}
	case "__InputValue":
		if v, ok := source.(*schema.InputValue); ok {
			return r.inputValueField(v, field), nil
		}
	case "__EnumValue":
		if v, ok := source.(*schema.EnumValue); ok {
			return enumValueField(v, field), nil
		}
	case "__Directive":
		if d, ok := source.(*schema.Directive); ok {
			return directiveField(d, field), nil
		}
	}
	return r.base.ResolveSync(ctx, objectType, field, source, args)
}

func (r *runtime) BatchResolveAsync(ctx context.Context, tasks []executor.AsyncResolveTask) []executor.AsyncResolveResult {
	return r.base.BatchResolveAsync(ctx, tasks)
}

func (r *runtime) ResolveType(ctx context.Context, abstractType string, value any) (string, error) {
	return r.base.ResolveType(ctx, abstractType, value)
}

func (r *runtime) SerializeLeafValue(ctx context.Context, typeName string, value any) (any, error) {
	return r.base.SerializeLeafValue(ctx, typeName, value)
}

// named returns the __Type value of the named type, or an untyped nil.
func (r *runtime) named(name string) any {
	if t := r.schema.Types[name]; t != nil {
		return t
	}
	return nil
}

// typeOf turns a type reference into a __Type value: the named type itself
// or the List/Non-Null wrapper.
func (r *runtime) typeOf(ref *schema.TypeRef) any {
	if ref == nil {
		return nil
	}
	if ref.Kind == schema.TypeRefKindNamed {
		return r.named(ref.Named)
	}
	return ref
}
