// Package strings holds small slice helpers for request normalisation.
package strings

import "strings"

// DedupeBy keeps the first element for each distinct key, in input order.
// Elements whose key is empty are dropped.
func DedupeBy[T any](values []T, key func(T) string) []T {
	if len(values) == 0 {
		return values
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]T, 0, len(values))
	for _, v := range values {
		k := key(v)
		if k == "" {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, v)
	}
	return out
}

// DedupeAndTrim trims each value and removes blanks and repeats.
func DedupeAndTrim(values []string) []string {
	trimmed := make([]string, len(values))
	for i, v := range values {
		trimmed[i] = strings.TrimSpace(v)
	}
	if values == nil {
		trimmed = nil
	}
	return DedupeBy(trimmed, func(s string) string { return s })
}
