// Package devconfig reads devcontainer configuration documents, merges a
// local override onto the shared base, and extracts the declared ports.
//
// Documents are JSONC (comments and trailing commas allowed) decoded into
// generic values: map[string]any, []any, json.Number, string, bool, nil.
package devconfig

// Merge returns override deep-merged onto base.
//
// When both values are objects the result holds every key of both, with
// values for shared keys merged recursively. Any other pairing (arrays,
// scalars, mismatched kinds) yields override unchanged; arrays are never
// combined element-wise. A nil override returns base. Neither input is
// modified.
func Merge(base, override any) any {
	if override == nil {
		return base
	}
	baseObj, ok := base.(map[string]any)
	if !ok {
		return override
	}
	overrideObj, ok := override.(map[string]any)
	if !ok {
		return override
	}

	out := make(map[string]any, len(baseObj)+len(overrideObj))
	for k, v := range baseObj {
		out[k] = v
	}
	for k, ov := range overrideObj {
		bv, exists := baseObj[k]
		if !exists {
			out[k] = ov
			continue
		}
		out[k] = mergeValue(bv, ov)
	}
	return out
}

// mergeValue merges a value present in override. An explicit null in the
// override replaces the base value.
func mergeValue(base, override any) any {
	if override == nil {
		return nil
	}
	return Merge(base, override)
}
