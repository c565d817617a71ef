package expressions

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/sethdford/vibex-sub011/pkg/schema"
)

// Interpolate resolves ${{ path }} references inside params against scope.
// A string that is exactly one reference takes the referenced value with
// its type; references embedded in longer strings are formatted inline.
// Paths are dotted ("state.user.name", "steps.fetch.items.0").
func Interpolate(params map[string]any, scope map[string]any) (map[string]any, error) {
	if params == nil {
		return nil, nil
	}
	out, err := interpolateValue(params, scope)
	if err != nil {
		return nil, err
	}
	return out.(map[string]any), nil
}

// HasReferences reports whether any string in v contains a ${{ marker.
func HasReferences(v any) bool {
	switch val := v.(type) {
	case string:
		return strings.Contains(val, "${{")
	case map[string]any:
		for _, x := range val {
			if HasReferences(x) {
				return true
			}
		}
	case []any:
		for _, x := range val {
			if HasReferences(x) {
				return true
			}
		}
	}
	return false
}

func interpolateValue(v any, scope map[string]any) (any, error) {
	switch val := v.(type) {
	case string:
		return interpolateString(val, scope)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, x := range val {
			r, err := interpolateValue(x, scope)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, x := range val {
			r, err := interpolateValue(x, scope)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

func interpolateString(s string, scope map[string]any) (any, error) {
	if !strings.Contains(s, "${{") {
		return s, nil
	}

	var b strings.Builder
	i := 0
	for i < len(s) {
		idx := strings.Index(s[i:], "${{")
		if idx == -1 {
			b.WriteString(s[i:])
			break
		}
		b.WriteString(s[i : i+idx])
		start := i + idx + 3
		end := strings.Index(s[start:], "}}")
		if end == -1 {
			return nil, schema.NewError(schema.ErrCodeValidation, "unclosed ${{ reference")
		}
		end += start

		path := strings.TrimSpace(s[start:end])
		if path == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "empty ${{ }} reference")
		}
		val, err := Lookup(scope, path)
		if err != nil {
			return nil, err
		}
		// whole string is one reference: keep the type
		if idx == 0 && i == 0 && end+2 == len(s) {
			return val, nil
		}
		b.WriteString(inline(val))
		i = end + 2
	}
	return b.String(), nil
}

// Lookup walks a dotted path through maps and slices.
func Lookup(root map[string]any, path string) (any, error) {
	var cur any = root
	parts := strings.Split(path, ".")
	for i, part := range parts {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[part]
			if !ok {
				return nil, missingRef(path, strings.Join(parts[:i], "."), keys(node))
			}
			cur = v
		case []any:
			n, err := strconv.Atoi(part)
			if err != nil || n < 0 || n >= len(node) {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"reference %q: index %q out of range (len %d)", path, part, len(node))
			}
			cur = node[n]
		default:
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"reference %q: %q is not an object", path, strings.Join(parts[:i], "."))
		}
	}
	return cur, nil
}

func missingRef(path, parent string, available []string) error {
	where := parent
	if where == "" {
		where = "scope"
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "reference %q not found in %s", path, where).
		WithDetails(map[string]any{"reference": path, "available": available})
}

func inline(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int, int64, bool:
		return fmt.Sprint(val)
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	}
}

func keys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
