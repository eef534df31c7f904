// Package language is the parsing and validation layer of the cache. It wraps
// gqlparser so the rest of the module only sees already validated documents.
package language

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/formatter"
	"github.com/vektah/gqlparser/v2/parser"
)

func ParseQuery(source string) (*QueryDocument, error) {
	doc, err := parser.ParseQuery(&ast.Source{Input: source})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func ParseSchema(name, source string) (*SchemaDocument, error) {
	doc, err := parser.ParseSchema(&ast.Source{Name: name, Input: source})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// LoadSchema parses and validates SDL sources into a schema, including the
// built-in scalars and directives.
func LoadSchema(sources ...*Source) (*Schema, error) {
	s, err := gqlparser.LoadSchema(sources...)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// LoadSchemaString is LoadSchema for a single in-memory SDL document.
func LoadSchemaString(name, sdl string) (*Schema, error) {
	return LoadSchema(&ast.Source{Name: name, Input: sdl})
}

// LoadSchemaFiles reads every path and loads them as one schema.
func LoadSchemaFiles(paths ...string) (*Schema, error) {
	sources := make([]*Source, 0, len(paths))
	for _, p := range paths {
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", p, err)
		}
		sources = append(sources, &ast.Source{Name: filepath.Base(p), Input: string(b)})
	}
	return LoadSchema(sources...)
}

// LoadQuery parses query and validates it against s. When s is nil the
// document is only parsed.
func LoadQuery(s *Schema, query string) (*QueryDocument, error) {
	if s == nil {
		return ParseQuery(query)
	}
	doc, errs := gqlparser.LoadQuery(s, query)
	if len(errs) > 0 {
		return nil, errs
	}
	return doc, nil
}

// Format prints doc in gqlparser's canonical layout. Two documents that differ
// only in whitespace or comments format identically.
func Format(doc *QueryDocument) string {
	var buf bytes.Buffer
	formatter.NewFormatter(&buf).FormatQueryDocument(doc)
	return buf.String()
}

// SelectOperation returns the operation named name, or the only operation
// when name is empty.
func SelectOperation(doc *QueryDocument, name string) (*OperationDefinition, error) {
	if name == "" {
		if len(doc.Operations) == 1 {
			return doc.Operations[0], nil
		}
		return nil, fmt.Errorf("document has %d operations, an operation name is required", len(doc.Operations))
	}
	if op := doc.Operations.ForName(name); op != nil {
		return op, nil
	}
	return nil, fmt.Errorf("operation %q not found", name)
}
