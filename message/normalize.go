package message

import "fmt"

// Normalize rewrites decoder-specific containers into the generic wire shapes
// (scalars, []any, map[string]any). MessagePack may yield maps keyed by
// interface{}; JSON cannot encode those.
func Normalize(v any) any {
	switch t := v.(type) {
	case map[any]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[fmt.Sprint(k)] = Normalize(e)
		}
		return m
	case map[string]any:
		for k, e := range t {
			t[k] = Normalize(e)
		}
		return t
	case []any:
		for i, e := range t {
			t[i] = Normalize(e)
		}
		return t
	default:
		return v
	}
}
