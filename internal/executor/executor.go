package executor

import (
	"context"
	"fmt"
	"reflect"

	language "github.com/hanpama/normcache/internal/language"
	schema "github.com/hanpama/normcache/internal/schema"
)

// Params describes one execution.
type Params struct {
	Document      *language.QueryDocument
	OperationName string
	Variables     map[string]any
	RootValue     any
}

type Executor struct {
	runtime Runtime
	schema  *schema.Schema
}

func NewExecutor(runtime Runtime, schema *schema.Schema) *Executor {
	return &Executor{runtime: runtime, schema: schema}
}

// Schema returns the schema the executor runs against.
func (e *Executor) Schema() *schema.Schema { return e.schema }

// execution holds the state of a single request.
type execution struct {
	ctx       context.Context
	runtime   Runtime
	schema    *schema.Schema
	document  *language.QueryDocument
	variables map[string]any
	root      map[string]any
	pending   []pendingField
	errors    []GraphQLError
	// top-level response keys nullified by a Non-Null violation
	nullified map[string]struct{}
}

// pendingField is an async field waiting for the next batch.
type pendingField struct {
	task   AsyncResolveTask
	path   Path
	typ    *schema.TypeRef
	fields []*language.Field
	set    func(any)
}

// Execute runs the operation selected by p.OperationName.
func (e *Executor) Execute(ctx context.Context, p Params) *Result {
	op, err := language.SelectOperation(p.Document, p.OperationName)
	if err != nil {
		return &Result{Errors: []GraphQLError{{Message: err.Error()}}}
	}
	vars, err := coerceVariableValues(op, p.Variables)
	if err != nil {
		return &Result{Errors: []GraphQLError{{Message: err.Error()}}}
	}

	var rootType *schema.Type
	switch op.Operation {
	case language.Query:
		rootType = e.schema.GetQueryType()
	case language.Mutation:
		rootType = e.schema.GetMutationType()
	case language.Subscription:
		rootType = e.schema.GetSubscriptionType()
	}
	if rootType == nil {
		return &Result{Errors: []GraphQLError{{Message: fmt.Sprintf("root type not found for %s operation", op.Operation)}}}
	}

	ex := &execution{
		ctx:       ctx,
		runtime:   e.runtime,
		schema:    e.schema,
		document:  p.Document,
		variables: vars,
		root:      make(map[string]any),
		errors:    []GraphQLError{},
		nullified: make(map[string]struct{}),
	}
	ex.executeSelectionSet(rootType, op.SelectionSet, p.RootValue, Path{}, ex.root)

	for len(ex.pending) > 0 {
		if err := ctx.Err(); err != nil {
			ex.addError(err.Error(), nil)
			break
		}
		ex.flush()
	}
	return &Result{Data: ex.root, Errors: ex.errors}
}

// executeSelectionSet fills out with the collected fields of selectionSet. It
// returns false when a Non-Null child completed to null, in which case the
// caller must null the whole object.
func (ex *execution) executeSelectionSet(objectType *schema.Type, selectionSet language.SelectionSet, source any, path Path, out map[string]any) bool {
	for _, group := range ex.collectFields(objectType, selectionSet) {
		fieldPath := path.append(group.ResponseName)
		name := group.Fields[0].Name
		if name == "__typename" {
			out[group.ResponseName] = objectType.Name
			continue
		}

		def := objectType.Field(name)
		if def == nil {
			ex.addError(fmt.Sprintf("Cannot query field '%s' on type '%s'", name, objectType.Name), fieldPath)
			continue
		}
		args := ex.coerceArguments(def, group.Fields[0].Arguments, fieldPath)

		if def.Async {
			key := group.ResponseName
			out[key] = nil
			ex.pending = append(ex.pending, pendingField{
				task: AsyncResolveTask{
					ObjectType: objectType.Name,
					Field:      name,
					Source:     source,
					Args:       args,
				},
				path:   fieldPath,
				typ:    def.Type,
				fields: group.Fields,
				set:    func(v any) { out[key] = v },
			})
			continue
		}

		raw, err := ex.runtime.ResolveSync(ex.ctx, objectType.Name, name, source, args)
		if err != nil {
			ex.addError(err.Error(), fieldPath)
			raw = nil
		}
		completed := ex.completeValue(def.Type, group.Fields, raw, fieldPath)
		if isNullish(completed) {
			if schema.IsNonNull(def.Type) && len(path) > 0 {
				return false
			}
			completed = nil
		}
		out[group.ResponseName] = completed
	}
	return true
}

func (ex *execution) flush() {
	live := make([]pendingField, 0, len(ex.pending))
	for _, pf := range ex.pending {
		if !ex.isNullified(pf.path) {
			live = append(live, pf)
		}
	}
	ex.pending = nil
	if len(live) == 0 {
		return
	}

	tasks := make([]AsyncResolveTask, len(live))
	for i, pf := range live {
		tasks[i] = pf.task
	}
	results := ex.runtime.BatchResolveAsync(ex.ctx, tasks)
	if len(results) != len(tasks) {
		for _, pf := range live {
			ex.addError(fmt.Sprintf("runtime returned %d results for %d tasks", len(results), len(tasks)), pf.path)
		}
		return
	}

	for i, pf := range live {
		if ex.isNullified(pf.path) {
			continue
		}
		res := results[i]
		var completed any
		if res.Error != nil {
			ex.addError(res.Error.Error(), pf.path)
		} else {
			completed = ex.completeValue(pf.typ, pf.fields, res.Value, pf.path)
		}
		if isNullish(completed) {
			if schema.IsNonNull(pf.typ) {
				ex.nullify(pf.path)
				continue
			}
			completed = nil
		}
		pf.set(completed)
	}
}

func (ex *execution) completeValue(fieldType *schema.TypeRef, fields []*language.Field, result any, path Path) any {
	if schema.IsNonNull(fieldType) {
		if isNullish(result) {
			if !ex.hasErrorAt(path) {
				ex.addError(fmt.Sprintf("Cannot return null for non-nullable field %s", path), path)
			}
			return nil
		}
		return ex.completeValue(schema.Unwrap(fieldType), fields, result, path)
	}
	if isNullish(result) {
		return nil
	}
	if schema.IsList(fieldType) {
		return ex.completeList(fieldType, fields, result, path)
	}

	named := schema.GetNamedType(fieldType)
	typ := ex.schema.Types[named]
	if typ == nil {
		ex.addError(fmt.Sprintf("Unknown type: %s", named), path)
		return nil
	}
	switch typ.Kind {
	case schema.TypeKindScalar, schema.TypeKindEnum:
		v, err := ex.runtime.SerializeLeafValue(ex.ctx, named, result)
		if err != nil {
			ex.addError(err.Error(), path)
			return nil
		}
		return v
	case schema.TypeKindObject:
		return ex.completeObject(typ, fields, result, path)
	case schema.TypeKindInterface, schema.TypeKindUnion:
		concrete, err := ex.runtime.ResolveType(ex.ctx, named, result)
		if err != nil {
			ex.addError(err.Error(), path)
			return nil
		}
		objectType := ex.schema.Types[concrete]
		if objectType == nil || objectType.Kind != schema.TypeKindObject || !ex.schema.IsPossibleType(named, concrete) {
			ex.addError(fmt.Sprintf("Abstract type %s must resolve to an Object type at runtime. Got: %s", named, concrete), path)
			return nil
		}
		return ex.completeObject(objectType, fields, result, path)
	default:
		ex.addError(fmt.Sprintf("Cannot complete value of unexpected type: %s", typ.Kind), path)
		return nil
	}
}

func (ex *execution) completeList(listType *schema.TypeRef, fields []*language.Field, result any, path Path) any {
	items, ok := result.([]any)
	if !ok {
		rv := reflect.ValueOf(result)
		if rv.Kind() != reflect.Slice {
			ex.addError(fmt.Sprintf("Expected list value, got %T", result), path)
			return nil
		}
		items = make([]any, rv.Len())
		for i := range items {
			items[i] = rv.Index(i).Interface()
		}
	}

	inner := schema.Unwrap(listType)
	completed := make([]any, len(items))
	for i, item := range items {
		v := ex.completeValue(inner, fields, item, path.append(i))
		if isNullish(v) {
			if schema.IsNonNull(inner) {
				return nil
			}
			v = nil
		}
		completed[i] = v
	}
	return completed
}

func (ex *execution) completeObject(objectType *schema.Type, fields []*language.Field, result any, path Path) any {
	var sub language.SelectionSet
	for _, f := range fields {
		sub = append(sub, f.SelectionSet...)
	}
	out := make(map[string]any)
	if !ex.executeSelectionSet(objectType, sub, result, path, out) {
		return nil
	}
	return out
}

func (ex *execution) addError(message string, path Path) {
	ex.errors = append(ex.errors, GraphQLError{Message: message, Path: path})
}

func (ex *execution) hasErrorAt(path Path) bool {
	for _, err := range ex.errors {
		if reflect.DeepEqual(err.Path, path) {
			return true
		}
	}
	return false
}

// nullify propagates a Non-Null violation of an async field to its top-level
// response field.
func (ex *execution) nullify(path Path) {
	if len(path) == 0 {
		return
	}
	key, _ := path[0].(string)
	ex.root[key] = nil
	ex.nullified[key] = struct{}{}
}

func (ex *execution) isNullified(path Path) bool {
	if len(path) == 0 || len(ex.nullified) == 0 {
		return false
	}
	key, _ := path[0].(string)
	_, ok := ex.nullified[key]
	return ok
}

// isNullish returns true for nil interfaces and typed nils (map, slice, ptr, interface)
func isNullish(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Interface, reflect.Ptr, reflect.Slice, reflect.Map, reflect.Func, reflect.Chan:
		return rv.IsNil()
	default:
		return false
	}
}
