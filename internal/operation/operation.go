// Package operation builds the immutable operation descriptors the
// environment executes: the validated document, its compiled selection and a
// content-derived identity used for in-flight deduplication.
package operation

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
	json "github.com/goccy/go-json"
	"github.com/tiendc/go-deepcopy"
	"github.com/vektah/gqlparser/v2/ast"

	"github.com/hanpama/normcache/internal/language"
	"github.com/hanpama/normcache/internal/schema"
	"github.com/hanpama/normcache/internal/selection"
)

// Descriptor is a parsed, validated and compiled operation. It is shared by
// every Operation built from it and must not be modified.
type Descriptor struct {
	Name       string
	Kind       language.Operation
	Text       string
	Document   *language.QueryDocument
	Definition *language.OperationDefinition
	Selections []selection.Selection
	Schema     *schema.Schema
}

// Option configures Parse.
type Option func(*options)

type options struct {
	schema        *schema.Schema
	operationName string
	typename      bool
}

// WithSchema validates the document against s and compiles with its type
// information.
func WithSchema(s *schema.Schema) Option {
	return func(o *options) { o.schema = s }
}

// WithOperationName selects one operation of a multi-operation document.
func WithOperationName(name string) Option {
	return func(o *options) { o.operationName = name }
}

// WithTypename adds __typename to every nested selection set so that records
// always learn their concrete type.
func WithTypename() Option {
	return func(o *options) { o.typename = true }
}

// Parse parses, validates and compiles text.
func Parse(text string, opts ...Option) (*Descriptor, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	var (
		doc *language.QueryDocument
		err error
	)
	if o.schema != nil && o.schema.Source != nil {
		doc, err = language.LoadQuery(o.schema.Source, text)
	} else {
		doc, err = language.ParseQuery(text)
	}
	if err != nil {
		return nil, fmt.Errorf("operation: %w", err)
	}
	return FromDocument(doc, opts...)
}

// FromDocument compiles an already validated document.
func FromDocument(doc *language.QueryDocument, opts ...Option) (*Descriptor, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	def, err := language.SelectOperation(doc, o.operationName)
	if err != nil {
		return nil, fmt.Errorf("operation: %w", err)
	}
	if o.typename {
		addTypename(doc)
	}
	sels, err := selection.Compile(doc, def, o.schema)
	if err != nil {
		return nil, fmt.Errorf("operation: %w", err)
	}
	return &Descriptor{
		Name:       def.Name,
		Kind:       def.Operation,
		Text:       language.Format(doc),
		Document:   doc,
		Definition: def,
		Selections: sels,
		Schema:     o.schema,
	}, nil
}

// Operation is a descriptor bound to variables.
type Operation struct {
	Descriptor *Descriptor
	Variables  map[string]any
	Identity   string
}

// New binds d to vars. Declared defaults are applied, undeclared variables are
// dropped and the remaining values are copied so later caller mutations do
// not affect the operation.
func New(d *Descriptor, vars map[string]any) (*Operation, error) {
	bound := make(map[string]any, len(d.Definition.VariableDefinitions))
	for _, def := range d.Definition.VariableDefinitions {
		v, ok := vars[def.Variable]
		if !ok && def.DefaultValue != nil {
			dv, err := def.DefaultValue.Value(nil)
			if err != nil {
				return nil, fmt.Errorf("operation: default of $%s: %w", def.Variable, err)
			}
			v, ok = dv, true
		}
		if !ok {
			if def.Type.NonNull {
				return nil, fmt.Errorf("operation: variable $%s of required type %s was not provided", def.Variable, def.Type.String())
			}
			continue
		}
		bound[def.Variable] = v
	}

	var copied map[string]any
	if err := deepcopy.Copy(&copied, &bound); err != nil {
		return nil, fmt.Errorf("operation: copy variables: %w", err)
	}
	id, err := Identity(d, copied)
	if err != nil {
		return nil, err
	}
	return &Operation{Descriptor: d, Variables: copied, Identity: id}, nil
}

// MustNew is New for tests and static operations.
func MustNew(d *Descriptor, vars map[string]any) *Operation {
	op, err := New(d, vars)
	if err != nil {
		panic(err)
	}
	return op
}

// Identity is "<name>:<digest>" where digest is the xxhash64 of the canonical
// JSON of the printed document and variables. Equal text and variables give
// equal identities whatever the whitespace or map order of the input.
func Identity(d *Descriptor, vars map[string]any) (string, error) {
	canonical, err := json.Marshal(struct {
		Query     string         `json:"query"`
		Variables map[string]any `json:"variables"`
	}{d.Text, vars})
	if err != nil {
		return "", fmt.Errorf("operation: encode identity: %w", err)
	}
	name := d.Name
	if name == "" {
		name = "anonymous"
	}
	return fmt.Sprintf("%s:%016x", name, xxhash.Sum64(canonical)), nil
}

func addTypename(doc *language.QueryDocument) {
	for _, op := range doc.Operations {
		for _, sel := range op.SelectionSet {
			addTypenameTo(sel)
		}
	}
	for _, frag := range doc.Fragments {
		frag.SelectionSet = withTypename(frag.SelectionSet)
	}
}

func addTypenameTo(sel ast.Selection) {
	switch s := sel.(type) {
	case *ast.Field:
		if len(s.SelectionSet) > 0 {
			s.SelectionSet = withTypename(s.SelectionSet)
		}
	case *ast.InlineFragment:
		for _, child := range s.SelectionSet {
			addTypenameTo(child)
		}
	}
}

func withTypename(set ast.SelectionSet) ast.SelectionSet {
	has := false
	for _, sel := range set {
		addTypenameTo(sel)
		if f, ok := sel.(*ast.Field); ok && f.Name == "__typename" && f.Alias == "__typename" {
			has = true
		}
	}
	if has {
		return set
	}
	return append(set, &ast.Field{Alias: "__typename", Name: "__typename"})
}
