package executor

import (
	"fmt"
	"math"
	"strconv"

	language "github.com/hanpama/normcache/internal/language"
	schema "github.com/hanpama/normcache/internal/schema"
)

// coerceVariableValues applies defaults and Non-Null checks of the operation's
// variable definitions. Values are otherwise passed through as provided.
func coerceVariableValues(op *language.OperationDefinition, provided map[string]any) (map[string]any, error) {
	coerced := make(map[string]any, len(op.VariableDefinitions))
	for _, def := range op.VariableDefinitions {
		val, ok := provided[def.Variable]
		if !ok {
			switch {
			case def.DefaultValue != nil:
				v, err := def.DefaultValue.Value(nil)
				if err != nil {
					return nil, fmt.Errorf("variable $%s default: %w", def.Variable, err)
				}
				val = v
			case def.Type.NonNull:
				return nil, fmt.Errorf("variable $%s of required type %s was not provided", def.Variable, def.Type.String())
			default:
				continue
			}
		}
		if val == nil && def.Type.NonNull {
			return nil, fmt.Errorf("variable $%s of type %s cannot be null", def.Variable, def.Type.String())
		}
		coerced[def.Variable] = val
	}
	return coerced, nil
}

func (ex *execution) coerceArguments(def *schema.Field, arguments language.ArgumentList, path Path) map[string]any {
	coerced := make(map[string]any, len(def.Arguments))
	for _, argDef := range def.Arguments {
		arg := arguments.ForName(argDef.Name)
		if arg == nil || arg.Value == nil || (arg.Value.Kind == language.Variable && !hasVariable(ex.variables, arg.Value.Raw)) {
			if argDef.DefaultValue != nil {
				coerced[argDef.Name] = argDef.DefaultValue
			} else if schema.IsNonNull(argDef.Type) {
				ex.addError(fmt.Sprintf("argument '%s' of required type was not provided", argDef.Name), path)
			}
			continue
		}
		raw, err := arg.Value.Value(ex.variables)
		if err == nil {
			raw, err = coerceValue(raw, argDef.Type)
		}
		if err != nil {
			ex.addError(fmt.Sprintf("argument '%s' cannot be coerced: %v", argDef.Name, err), path)
			continue
		}
		coerced[argDef.Name] = raw
	}
	return coerced
}

func hasVariable(vars map[string]any, name string) bool {
	_, ok := vars[name]
	return ok
}

// coerceValue coerces an input value to the builtin scalar it is declared as.
// Custom scalars, enums and input objects pass through.
func coerceValue(value any, t *schema.TypeRef) (any, error) {
	if schema.IsNonNull(t) {
		if value == nil {
			return nil, fmt.Errorf("cannot provide null for non-null type")
		}
		return coerceValue(value, schema.Unwrap(t))
	}
	if value == nil {
		return nil, nil
	}
	if schema.IsList(t) {
		inner := schema.Unwrap(t)
		items, ok := value.([]any)
		if !ok {
			items = []any{value}
		}
		out := make([]any, len(items))
		for i, item := range items {
			v, err := coerceValue(item, inner)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	}

	switch schema.GetNamedType(t) {
	case "Int":
		return toInt(value)
	case "Float":
		f, ok := toFloat(value)
		if !ok {
			return nil, fmt.Errorf("cannot coerce %v (%T) to float", value, value)
		}
		return f, nil
	case "String":
		if s, ok := value.(string); ok {
			return s, nil
		}
		return nil, fmt.Errorf("cannot coerce %v (%T) to string", value, value)
	case "Boolean":
		if b, ok := value.(bool); ok {
			return b, nil
		}
		return nil, fmt.Errorf("cannot coerce %v (%T) to boolean", value, value)
	case "ID":
		return toID(value)
	default:
		return value, nil
	}
}

func toInt(value any) (int64, error) {
	switch v := value.(type) {
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case float64:
		if v == math.Trunc(v) {
			return int64(v), nil
		}
	}
	return 0, fmt.Errorf("cannot coerce %v (%T) to int", value, value)
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

func toID(value any) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case int:
		return strconv.Itoa(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case float64:
		if v == math.Trunc(v) {
			return strconv.FormatInt(int64(v), 10), nil
		}
	}
	return "", fmt.Errorf("cannot coerce %v (%T) to ID", value, value)
}
