// Package strings cleans operator-supplied string lists such as comma
// separated flags and config arrays.
package strings

import (
	"strings"
)

// Normalize trims every value, applies fold when it is non-nil and drops
// empty values and repeats. The first occurrence keeps its position.
func Normalize(values []string, fold func(string) string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if fold != nil {
			v = fold(v)
		}
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
