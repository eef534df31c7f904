// Package selection holds the selection shape the store normalizes and reads
// with: a tree of tagged variants compiled once from a validated document.
package selection

import (
	"github.com/vektah/gqlparser/v2/ast"

	"github.com/hanpama/normcache/internal/record"
)

// Selection is one of *ScalarField, *LinkedField, *InlineFragment or
// *Condition.
type Selection interface {
	isSelection()
}

// Plurality tells whether a linked field holds one object or a list.
type Plurality uint8

const (
	// PluralityUnknown defers the decision to the payload on write and to the
	// stored value on read. It is used when no schema is available.
	PluralityUnknown Plurality = iota
	Singular
	Plural
)

// Argument is a field argument bound to a literal or to an operation
// variable.
type Argument struct {
	Name     string
	Variable string
	Literal  any
	// composite literals that embed variables are resolved at use time
	nested *ast.Value
}

// Value resolves the argument against vars.
func (a Argument) Value(vars map[string]any) any {
	switch {
	case a.Variable != "":
		return vars[a.Variable]
	case a.nested != nil:
		v, err := a.nested.Value(vars)
		if err != nil {
			return nil
		}
		return v
	default:
		return a.Literal
	}
}

// ScalarField selects a leaf value.
type ScalarField struct {
	Alias string
	Name  string
	Args  []Argument
}

// LinkedField selects an object or a list of objects, stored as references.
type LinkedField struct {
	Alias        string
	Name         string
	Args         []Argument
	Plural       Plurality
	ConcreteType string
	Selections   []Selection
}

// InlineFragment applies its selections only to records whose typename
// satisfies TypeCondition.
type InlineFragment struct {
	TypeCondition string
	Selections    []Selection
}

// Condition applies its selections when the boolean (variable or literal)
// equals Passing. @include maps to Passing=true, @skip to Passing=false.
type Condition struct {
	Variable   string
	Literal    bool
	Passing    bool
	Selections []Selection
}

func (*ScalarField) isSelection()    {}
func (*LinkedField) isSelection()    {}
func (*InlineFragment) isSelection() {}
func (*Condition) isSelection()      {}

// ResponseKey is the key the field uses in payloads and read results.
func (f *ScalarField) ResponseKey() string { return responseKey(f.Alias, f.Name) }

// StorageKey is the key the field uses inside a record.
func (f *ScalarField) StorageKey(vars map[string]any) string {
	return record.StorageKey(f.Name, argValues(f.Args, vars))
}

func (f *LinkedField) ResponseKey() string { return responseKey(f.Alias, f.Name) }

func (f *LinkedField) StorageKey(vars map[string]any) string {
	return record.StorageKey(f.Name, argValues(f.Args, vars))
}

// Passes evaluates the condition against vars. A missing variable is false.
func (c *Condition) Passes(vars map[string]any) bool {
	v := c.Literal
	if c.Variable != "" {
		v, _ = vars[c.Variable].(bool)
	}
	return v == c.Passing
}

func responseKey(alias, name string) string {
	if alias != "" {
		return alias
	}
	return name
}

func argValues(args []Argument, vars map[string]any) map[string]any {
	if len(args) == 0 {
		return nil
	}
	out := make(map[string]any, len(args))
	for _, a := range args {
		out[a.Name] = a.Value(vars)
	}
	return out
}
