package workflow

import "regexp"

var (
	braceVarRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)
	bareVarRe  = regexp.MustCompile(`\$([A-Za-z_][A-Za-z0-9_]*)`)
)

// Interpolate substitutes ${NAME} and then $NAME occurrences with values
// from vars. Unknown names are left untouched so shell-expanded
// variables still work inside commands. Re-applying the substitution is
// a no-op as long as values do not themselves look like references.
func Interpolate(s string, vars map[string]string) string {
	if len(vars) == 0 {
		return s
	}
	s = braceVarRe.ReplaceAllStringFunc(s, func(m string) string {
		name := m[2 : len(m)-1]
		if v, ok := vars[name]; ok {
			return v
		}
		return m
	})
	return bareVarRe.ReplaceAllStringFunc(s, func(m string) string {
		if v, ok := vars[m[1:]]; ok {
			return v
		}
		return m
	})
}

// mergeVars overlays b onto a without mutating either.
func mergeVars(a, b map[string]string) map[string]string {
	out := make(map[string]string, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}
