package when

import (
	"fmt"
	"sort"
	"strings"

	"github.com/teranos/relay/errors"
)

// IsTemplate reports whether s contains a ${{ }} template
func IsTemplate(s string) bool {
	return templatePattern.MatchString(s)
}

// CheckTemplates parses every template inside value (strings, maps and
// slices are walked) without evaluating them.
func CheckTemplates(value any) error {
	return walkStrings(value, func(s string) error {
		for _, m := range templatePattern.FindAllStringSubmatch(s, -1) {
			if _, err := Parse(m[1]); err != nil {
				return err
			}
		}
		return nil
	})
}

// Render resolves templates inside value.
//
// A string that is exactly one template is replaced by the typed result.
// Templates embedded in longer strings are replaced by their text form.
// Maps and slices are rendered recursively; other values pass through.
func Render(value any, scope Scope) (any, error) {
	switch v := value.(type) {
	case string:
		return renderString(v, scope)
	case map[string]any:
		out := make(map[string]any, len(v))
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			rendered, err := Render(v[k], scope)
			if err != nil {
				return nil, errors.Wrapf(err, "%s", k)
			}
			out[k] = rendered
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			rendered, err := Render(item, scope)
			if err != nil {
				return nil, errors.Wrapf(err, "[%d]", i)
			}
			out[i] = rendered
		}
		return out, nil
	}
	return value, nil
}

func renderString(s string, scope Scope) (any, error) {
	if !IsTemplate(s) {
		return s, nil
	}

	if m := wrapperPattern.FindStringSubmatch(s); m != nil && !strings.Contains(m[1], "}}") {
		return evalTemplate(m[1], scope)
	}

	var firstErr error
	out := templatePattern.ReplaceAllStringFunc(s, func(match string) string {
		inner := templatePattern.FindStringSubmatch(match)[1]
		val, err := evalTemplate(inner, scope)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return match
		}
		if val == nil {
			return ""
		}
		if str, ok := val.(string); ok {
			return str
		}
		return fmt.Sprint(val)
	})
	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

func evalTemplate(src string, scope Scope) (any, error) {
	expr, err := Parse(src)
	if err != nil {
		return nil, err
	}
	val, err := expr.Value(scope)
	if err != nil {
		return nil, err
	}
	return ctyToGo(val)
}

func walkStrings(value any, fn func(string) error) error {
	switch v := value.(type) {
	case string:
		return fn(v)
	case map[string]any:
		for _, item := range v {
			if err := walkStrings(item, fn); err != nil {
				return err
			}
		}
	case []any:
		for _, item := range v {
			if err := walkStrings(item, fn); err != nil {
				return err
			}
		}
	}
	return nil
}
