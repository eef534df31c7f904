package language

import "github.com/vektah/gqlparser/v2/ast"

// Aliases for the gqlparser nodes the rest of the module walks.
type (
	Schema              = ast.Schema
	Source              = ast.Source
	SchemaDocument      = ast.SchemaDocument
	QueryDocument       = ast.QueryDocument
	OperationDefinition = ast.OperationDefinition
	SelectionSet        = ast.SelectionSet
	Field               = ast.Field
	InlineFragment      = ast.InlineFragment
	FragmentSpread      = ast.FragmentSpread
	Directive           = ast.Directive
	DirectiveList       = ast.DirectiveList
	ArgumentList        = ast.ArgumentList
)

type Operation = ast.Operation

const (
	Query        Operation = ast.Query
	Mutation     Operation = ast.Mutation
	Subscription Operation = ast.Subscription
)

// Variable is the value kind of a `$name` reference.
const Variable = ast.Variable
