package workflow

import (
	"regexp"
	"strings"
)

// Scope is the lookup environment for input templates: the execution's
// initial context, the result cache keyed by completed step id, and the
// definition's named variables. Step results shadow variables of the same
// name.
type Scope struct {
	Initial   map[string]any
	Results   map[string]any
	Variables map[string]any
}

// refPattern matches a whole-value reference ${scope.key[.key...]}.
// References embedded in longer strings stay literal.
var refPattern = regexp.MustCompile(`^\$\{([A-Za-z0-9_-]+(?:\.[A-Za-z0-9_-]+)*)\}$`)

// ResolveTemplate substitutes every reference in the template and returns a
// new document. It is a pure function of its arguments: inputs are never
// mutated, and a missing reference resolves to nil, which marshals as JSON
// null.
func ResolveTemplate(template map[string]any, scope Scope) map[string]any {
	out := make(map[string]any, len(template))
	for k, v := range template {
		out[k] = resolveValue(v, scope)
	}
	return out
}

func resolveValue(v any, scope Scope) any {
	switch t := v.(type) {
	case string:
		if m := refPattern.FindStringSubmatch(t); m != nil {
			return scope.lookup(strings.Split(m[1], "."))
		}
		return t
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = resolveValue(item, scope)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = resolveValue(item, scope)
		}
		return out
	default:
		return v
	}
}

// lookup walks a dotted path. The first segment selects the root: the
// literal "initial", a completed step id, or a variable name.
func (s Scope) lookup(path []string) any {
	if len(path) == 0 {
		return nil
	}
	var root any
	switch head := path[0]; {
	case head == "initial":
		root = s.Initial
	default:
		if r, ok := s.Results[head]; ok {
			root = r
		} else if v, ok := s.Variables[head]; ok {
			root = v
		} else {
			return nil
		}
	}
	return walk(root, path[1:])
}

func walk(v any, path []string) any {
	for _, key := range path {
		m, ok := v.(map[string]any)
		if !ok {
			return nil
		}
		v, ok = m[key]
		if !ok {
			return nil
		}
	}
	return v
}
