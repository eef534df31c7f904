package executor

import (
	language "github.com/hanpama/normcache/internal/language"
	schema "github.com/hanpama/normcache/internal/schema"
)

// fieldGroup is the set of AST fields sharing one response name, in the order
// they first appear in the query.
type fieldGroup struct {
	ResponseName string
	Fields       []*language.Field
}

func (ex *execution) collectFields(objectType *schema.Type, selectionSet language.SelectionSet) []fieldGroup {
	var groups []fieldGroup
	index := make(map[string]int)
	visited := make(map[string]bool)

	var collect func(set language.SelectionSet)
	collect = func(set language.SelectionSet) {
		for _, selection := range set {
			switch sel := selection.(type) {
			case *language.Field:
				if !ex.shouldInclude(sel.Directives) {
					continue
				}
				name := sel.Alias
				if name == "" {
					name = sel.Name
				}
				if i, ok := index[name]; ok {
					groups[i].Fields = append(groups[i].Fields, sel)
					continue
				}
				index[name] = len(groups)
				groups = append(groups, fieldGroup{ResponseName: name, Fields: []*language.Field{sel}})

			case *language.InlineFragment:
				if !ex.shouldInclude(sel.Directives) || !ex.typeApplies(sel.TypeCondition, objectType) {
					continue
				}
				collect(sel.SelectionSet)

			case *language.FragmentSpread:
				if !ex.shouldInclude(sel.Directives) || visited[sel.Name] {
					continue
				}
				visited[sel.Name] = true
				def := ex.document.Fragments.ForName(sel.Name)
				if def == nil || !ex.typeApplies(def.TypeCondition, objectType) || !ex.shouldInclude(def.Directives) {
					continue
				}
				collect(def.SelectionSet)
			}
		}
	}
	collect(selectionSet)
	return groups
}

func (ex *execution) typeApplies(condition string, objectType *schema.Type) bool {
	return condition == "" || ex.schema.IsPossibleType(condition, objectType.Name)
}

// shouldInclude evaluates @skip and @include.
func (ex *execution) shouldInclude(directives language.DirectiveList) bool {
	if d := directives.ForName("skip"); d != nil && ex.directiveIf(d) {
		return false
	}
	if d := directives.ForName("include"); d != nil && !ex.directiveIf(d) {
		return false
	}
	return true
}

func (ex *execution) directiveIf(d *language.Directive) bool {
	arg := d.Arguments.ForName("if")
	if arg == nil || arg.Value == nil {
		return false
	}
	v, err := arg.Value.Value(ex.variables)
	if err != nil {
		return false
	}
	b, _ := v.(bool)
	return b
}
