package executor

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Runtime is the host integration surface of the Executor.
//
//   - ResolveSync is only called for fields the schema marks as sync.
//   - BatchResolveAsync is called once per depth with every live async task
//     of that depth and must return one result per task, in task order.
//     Failures are per element.
//   - ResolveType returns the concrete object type of an interface or union
//     value.
//   - SerializeLeafValue turns scalars and enums into JSON-safe values.
//
// Implementations must be safe for concurrent use and must not mutate source
// or args.
type Runtime interface {
	ResolveSync(ctx context.Context, objectType string, field string, source any, args map[string]any) (any, error)
	BatchResolveAsync(ctx context.Context, tasks []AsyncResolveTask) []AsyncResolveResult
	ResolveType(ctx context.Context, abstractType string, value any) (string, error)
	SerializeLeafValue(ctx context.Context, scalarOrEnumTypeName string, value any) (any, error)
}

type AsyncResolveTask struct {
	// ObjectType is the parent GraphQL object type name for the field.
	ObjectType string
	// Field is the GraphQL field name to resolve.
	Field string
	// Source is the parent object value (nil for root fields).
	Source any
	// Args are the field arguments, coerced to Go values per the schema.
	Args map[string]any
}

type AsyncResolveResult struct {
	Value any
	Error error
}

// Resolver resolves one field of one parent value.
type Resolver func(ctx context.Context, source any, args map[string]any) (any, error)

// ResolverRuntime resolves fields through resolvers keyed "Type.field" and
// falls back to reading the field from a map[string]any parent. Async tasks of
// one batch run concurrently.
type ResolverRuntime struct {
	mu        sync.RWMutex
	resolvers map[string]Resolver
	batches   int
}

// NewResolverRuntime returns a runtime serving resolvers.
func NewResolverRuntime(resolvers map[string]Resolver) *ResolverRuntime {
	rt := &ResolverRuntime{resolvers: make(map[string]Resolver, len(resolvers))}
	for k, v := range resolvers {
		rt.resolvers[k] = v
	}
	return rt
}

// Handle registers or replaces the resolver of typeName.field.
func (rt *ResolverRuntime) Handle(typeName, field string, r Resolver) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.resolvers[typeName+"."+field] = r
}

// IsAsync reports whether typeName.field has a resolver. It is meant to be
// passed to schema.WithAsyncFields.
func (rt *ResolverRuntime) IsAsync(typeName, field string) bool {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	_, ok := rt.resolvers[typeName+"."+field]
	return ok
}

// Batches returns how many async batches the runtime has served.
func (rt *ResolverRuntime) Batches() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.batches
}

func (rt *ResolverRuntime) lookup(objectType, field string) Resolver {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.resolvers[objectType+"."+field]
}

func (rt *ResolverRuntime) ResolveSync(ctx context.Context, objectType string, field string, source any, args map[string]any) (any, error) {
	if r := rt.lookup(objectType, field); r != nil {
		return r(ctx, source, args)
	}
	return project(source, field), nil
}

func (rt *ResolverRuntime) BatchResolveAsync(ctx context.Context, tasks []AsyncResolveTask) []AsyncResolveResult {
	rt.mu.Lock()
	rt.batches++
	rt.mu.Unlock()

	results := make([]AsyncResolveResult, len(tasks))
	var g errgroup.Group
	for i, task := range tasks {
		g.Go(func() error {
			v, err := rt.ResolveSync(ctx, task.ObjectType, task.Field, task.Source, task.Args)
			results[i] = AsyncResolveResult{Value: v, Error: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (rt *ResolverRuntime) ResolveType(ctx context.Context, abstractType string, value any) (string, error) {
	if m, ok := value.(map[string]any); ok {
		if name, ok := m["__typename"].(string); ok && name != "" {
			return name, nil
		}
	}
	return "", fmt.Errorf("cannot resolve concrete type of %s value %T", abstractType, value)
}

func (rt *ResolverRuntime) SerializeLeafValue(ctx context.Context, typeName string, value any) (any, error) {
	switch typeName {
	case "Int":
		return toInt(value)
	case "Float":
		if f, ok := toFloat(value); ok {
			return f, nil
		}
		return nil, fmt.Errorf("Float cannot represent %v", value)
	case "ID":
		return toID(value)
	case "String":
		if s, ok := value.(string); ok {
			return s, nil
		}
		return fmt.Sprint(value), nil
	case "Boolean":
		if b, ok := value.(bool); ok {
			return b, nil
		}
		return nil, fmt.Errorf("Boolean cannot represent %v", value)
	}
	return value, nil
}

func project(source any, field string) any {
	if m, ok := source.(map[string]any); ok {
		return m[field]
	}
	return nil
}
