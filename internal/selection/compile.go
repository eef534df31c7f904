package selection

import (
	"errors"
	"fmt"

	"github.com/vektah/gqlparser/v2/ast"

	"github.com/hanpama/normcache/internal/language"
	"github.com/hanpama/normcache/internal/schema"
)

// ErrUnknownField is returned when a schema is supplied and a selected field
// does not exist on its parent type.
var ErrUnknownField = errors.New("selection: unknown field")

type compiler struct {
	doc    *language.QueryDocument
	schema *schema.Schema
	// fragments currently being expanded, to reject cycles
	active map[string]bool
}

// Compile turns the operation's selection set into a selection tree. s may be
// nil, in which case plurality is left to the payload and type conditions are
// kept as written.
func Compile(doc *language.QueryDocument, op *language.OperationDefinition, s *schema.Schema) ([]Selection, error) {
	c := &compiler{doc: doc, schema: s, active: make(map[string]bool)}
	return c.selections(op.SelectionSet, c.rootType(op.Operation))
}

// CompileFragment compiles the named fragment for reads and writes rooted at
// a record, returning the fragment's type condition alongside.
func CompileFragment(doc *language.QueryDocument, name string, s *schema.Schema) ([]Selection, string, error) {
	def := doc.Fragments.ForName(name)
	if def == nil {
		return nil, "", fmt.Errorf("selection: fragment %q not found", name)
	}
	c := &compiler{doc: doc, schema: s, active: map[string]bool{name: true}}
	sels, err := c.selections(def.SelectionSet, c.typeNamed(def.TypeCondition))
	if err != nil {
		return nil, "", err
	}
	return sels, def.TypeCondition, nil
}

func (c *compiler) rootType(op language.Operation) *schema.Type {
	if c.schema == nil {
		return nil
	}
	switch op {
	case language.Mutation:
		return c.schema.GetMutationType()
	case language.Subscription:
		return c.schema.GetSubscriptionType()
	default:
		return c.schema.GetQueryType()
	}
}

func (c *compiler) typeNamed(name string) *schema.Type {
	if c.schema == nil || name == "" {
		return nil
	}
	return c.schema.Types[name]
}

// selections compiles set against parent, the static type of the enclosing
// object (nil without a schema).
func (c *compiler) selections(set language.SelectionSet, parent *schema.Type) ([]Selection, error) {
	out := make([]Selection, 0, len(set))
	for _, sel := range set {
		var (
			compiled   Selection
			directives language.DirectiveList
			err        error
		)
		switch s := sel.(type) {
		case *language.Field:
			directives = s.Directives
			compiled, err = c.field(s, parent)
		case *language.InlineFragment:
			directives = s.Directives
			compiled, err = c.fragment(s.TypeCondition, s.SelectionSet, parent)
		case *language.FragmentSpread:
			def := c.doc.Fragments.ForName(s.Name)
			if def == nil {
				return nil, fmt.Errorf("selection: fragment %q not found", s.Name)
			}
			if c.active[s.Name] {
				return nil, fmt.Errorf("selection: fragment %q spreads itself", s.Name)
			}
			directives = append(append(language.DirectiveList{}, s.Directives...), def.Directives...)
			c.active[s.Name] = true
			compiled, err = c.fragment(def.TypeCondition, def.SelectionSet, parent)
			delete(c.active, s.Name)
		}
		if err != nil {
			return nil, err
		}
		if compiled == nil {
			continue
		}
		out = append(out, wrapConditions(compiled, directives))
	}
	return out, nil
}

func (c *compiler) field(f *language.Field, parent *schema.Type) (Selection, error) {
	args := compileArguments(f.Arguments)
	// the parser fills Alias with the field name when none is written
	alias := f.Alias
	if alias == f.Name {
		alias = ""
	}
	if len(f.SelectionSet) == 0 {
		return &ScalarField{Alias: alias, Name: f.Name, Args: args}, nil
	}

	linked := &LinkedField{Alias: alias, Name: f.Name, Args: args}
	var fieldType *schema.Type
	if parent != nil {
		def := parent.Field(f.Name)
		if def == nil {
			return nil, fmt.Errorf("%w: %s.%s", ErrUnknownField, parent.Name, f.Name)
		}
		linked.Plural = Singular
		if schema.IsList(def.Type) {
			linked.Plural = Plural
		}
		fieldType = c.schema.Types[schema.GetNamedType(def.Type)]
		if fieldType != nil && fieldType.Kind == schema.TypeKindObject {
			linked.ConcreteType = fieldType.Name
		}
	}
	sels, err := c.selections(f.SelectionSet, fieldType)
	if err != nil {
		return nil, err
	}
	linked.Selections = sels
	return linked, nil
}

// fragment compiles an inline fragment or an expanded spread. With a schema,
// a condition that always holds for the parent object type is dropped.
func (c *compiler) fragment(condition string, set language.SelectionSet, parent *schema.Type) (Selection, error) {
	target := parent
	if condition != "" && c.schema != nil {
		target = c.schema.Types[condition]
	}
	sels, err := c.selections(set, target)
	if err != nil {
		return nil, err
	}
	if condition == "" || (parent != nil && parent.Kind == schema.TypeKindObject && c.schema.IsPossibleType(condition, parent.Name)) {
		return &InlineFragment{Selections: sels}, nil
	}
	return &InlineFragment{TypeCondition: condition, Selections: sels}, nil
}

// wrapConditions nests sel under a Condition per @include / @skip directive.
func wrapConditions(sel Selection, directives language.DirectiveList) Selection {
	for i := len(directives) - 1; i >= 0; i-- {
		d := directives[i]
		var passing bool
		switch d.Name {
		case "include":
			passing = true
		case "skip":
			passing = false
		default:
			continue
		}
		arg := d.Arguments.ForName("if")
		if arg == nil || arg.Value == nil {
			continue
		}
		cond := &Condition{Passing: passing, Selections: []Selection{sel}}
		if arg.Value.Kind == ast.Variable {
			cond.Variable = arg.Value.Raw
		} else {
			cond.Literal = arg.Value.Raw == "true"
		}
		sel = cond
	}
	return sel
}

func compileArguments(list language.ArgumentList) []Argument {
	if len(list) == 0 {
		return nil
	}
	out := make([]Argument, 0, len(list))
	for _, a := range list {
		arg := Argument{Name: a.Name}
		switch {
		case a.Value == nil:
		case a.Value.Kind == ast.Variable:
			arg.Variable = a.Value.Raw
		case hasVariables(a.Value):
			arg.nested = a.Value
		default:
			arg.Literal, _ = a.Value.Value(nil)
		}
		out = append(out, arg)
	}
	return out
}

func hasVariables(v *ast.Value) bool {
	if v == nil {
		return false
	}
	if v.Kind == ast.Variable {
		return true
	}
	for _, child := range v.Children {
		if hasVariables(child.Value) {
			return true
		}
	}
	return false
}
