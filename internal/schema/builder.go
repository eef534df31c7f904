package schema

import (
	"sort"
	"strings"

	"github.com/vektah/gqlparser/v2/ast"

	"github.com/hanpama/normcache/internal/language"
)

// BuildOption customizes BuildFromAST.
type BuildOption func(*buildConfig)

type buildConfig struct {
	async         func(typeName, fieldName string) bool
	introspection bool
}

// WithAsyncFields marks the fields for which fn returns true as async, so the
// executor resolves them in depth-wise batches instead of projecting them from
// the parent value.
func WithAsyncFields(fn func(typeName, fieldName string) bool) BuildOption {
	return func(c *buildConfig) { c.async = fn }
}

// WithIntrospection keeps the introspection types and the __schema and __type
// root fields that are otherwise left out of the built schema.
func WithIntrospection() BuildOption {
	return func(c *buildConfig) { c.introspection = true }
}

// BuildFromAST builds an executable GraphQL schema from a validated
// gqlparser schema. Introspection types are left out unless
// WithIntrospection is given.
func BuildFromAST(src *language.Schema, opts ...BuildOption) (*Schema, error) {
	cfg := buildConfig{async: func(string, string) bool { return false }}
	for _, o := range opts {
		o(&cfg)
	}

	s := &Schema{
		Types:      make(map[string]*Type, len(src.Types)),
		Directives: make(map[string]*Directive, len(src.Directives)),
		Source:     src,
	}
	if src.Query != nil {
		s.QueryType = src.Query.Name
	}
	if src.Mutation != nil {
		s.MutationType = src.Mutation.Name
	}
	if src.Subscription != nil {
		s.SubscriptionType = src.Subscription.Name
	}

	for name, def := range src.Types {
		if isIntrospection(name) && !cfg.introspection {
			continue
		}
		s.Types[name] = buildType(src, def, cfg)
	}
	for name, dir := range src.Directives {
		s.Directives[name] = buildDirective(dir)
	}
	return s, nil
}

// BuildFromSDL loads sdl and builds the executable schema from it.
func BuildFromSDL(sdl string, opts ...BuildOption) (*Schema, error) {
	src, err := language.LoadSchemaString("schema.graphql", sdl)
	if err != nil {
		return nil, err
	}
	return BuildFromAST(src, opts...)
}

func buildType(src *ast.Schema, def *ast.Definition, cfg buildConfig) *Type {
	t := &Type{Name: def.Name, Description: def.Description}
	switch def.Kind {
	case ast.Object:
		t.Kind = TypeKindObject
	case ast.Interface:
		t.Kind = TypeKindInterface
	case ast.Union:
		t.Kind = TypeKindUnion
	case ast.Enum:
		t.Kind = TypeKindEnum
	case ast.InputObject:
		t.Kind = TypeKindInputObject
	default:
		t.Kind = TypeKindScalar
	}

	t.Interfaces = append(t.Interfaces, def.Interfaces...)
	sort.Strings(t.Interfaces)

	switch t.Kind {
	case TypeKindObject, TypeKindInterface:
		for _, f := range def.Fields {
			if isIntrospection(f.Name) && !cfg.introspection {
				continue
			}
			t.Fields = append(t.Fields, buildField(f, cfg.async(def.Name, f.Name)))
		}
	case TypeKindInputObject:
		for _, f := range def.Fields {
			t.InputFields = append(t.InputFields, &InputValue{
				Name:         f.Name,
				Description:  f.Description,
				Type:         buildTypeRef(f.Type),
				DefaultValue: constValue(f.DefaultValue),
			})
		}
	case TypeKindEnum:
		for _, v := range def.EnumValues {
			e := &EnumValue{Name: v.Name, Description: v.Description}
			if d := v.Directives.ForName("deprecated"); d != nil {
				e.IsDeprecated = true
				e.DeprecationReason = deprecationReason(d)
			}
			t.EnumValues = append(t.EnumValues, e)
		}
	}

	if t.IsAbstract() {
		for _, p := range src.GetPossibleTypes(def) {
			t.PossibleTypes = append(t.PossibleTypes, p.Name)
		}
		sort.Strings(t.PossibleTypes)
	}
	return t
}

func isIntrospection(name string) bool {
	return strings.HasPrefix(name, "__")
}

func buildField(def *ast.FieldDefinition, async bool) *Field {
	f := &Field{
		Name:        def.Name,
		Description: def.Description,
		Type:        buildTypeRef(def.Type),
		Async:       async,
	}
	if d := def.Directives.ForName("deprecated"); d != nil {
		f.IsDeprecated = true
		f.DeprecationReason = deprecationReason(d)
	}
	for _, a := range def.Arguments {
		f.Arguments = append(f.Arguments, &InputValue{
			Name:         a.Name,
			Description:  a.Description,
			Type:         buildTypeRef(a.Type),
			DefaultValue: constValue(a.DefaultValue),
		})
	}
	return f
}

func buildTypeRef(t *ast.Type) *TypeRef {
	if t == nil {
		return nil
	}
	if t.NonNull {
		return NonNullType(buildTypeRef(&ast.Type{NamedType: t.NamedType, Elem: t.Elem}))
	}
	if t.NamedType != "" {
		return NamedType(t.NamedType)
	}
	return ListType(buildTypeRef(t.Elem))
}

func buildDirective(def *ast.DirectiveDefinition) *Directive {
	d := &Directive{Name: def.Name, Description: def.Description, IsRepeatable: def.IsRepeatable}
	for _, loc := range def.Locations {
		d.Locations = append(d.Locations, string(loc))
	}
	for _, a := range def.Arguments {
		d.Arguments = append(d.Arguments, &InputValue{
			Name:         a.Name,
			Description:  a.Description,
			Type:         buildTypeRef(a.Type),
			DefaultValue: constValue(a.DefaultValue),
		})
	}
	return d
}

func constValue(v *ast.Value) any {
	if v == nil {
		return nil
	}
	out, err := v.Value(nil)
	if err != nil {
		return nil
	}
	return out
}

func deprecationReason(d *ast.Directive) string {
	if arg := d.Arguments.ForName("reason"); arg != nil && arg.Value != nil {
		return arg.Value.Raw
	}
	return "No longer supported"
}
