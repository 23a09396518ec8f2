// Package strings provides string list helpers used by configuration parsing.
package strings

import (
	"strings"
)

// SplitList splits a comma or whitespace separated value into trimmed,
// non-empty entries. Order is preserved and duplicates are kept.
//
// Example:
//
//	SplitList(" MX, US-MI  US-ID,,")
//	// Returns: []string{"MX", "US-MI", "US-ID"}
func SplitList(value string) []string {
	fields := strings.FieldsFunc(value, func(r rune) bool {
		return r == ',' || r == ';' || r == ' ' || r == '\t' || r == '\n'
	})
	if len(fields) == 0 {
		return nil
	}
	return fields
}

// DedupeAndTrimUpper trims and uppercases each element, dropping empty
// strings and duplicates. Order of first occurrence is preserved.
//
// Example:
//
//	DedupeAndTrimUpper([]string{" mx ", "US-mi", "MX", ""})
//	// Returns: []string{"MX", "US-MI"}
func DedupeAndTrimUpper(values []string) []string {
	if len(values) == 0 {
		return values
	}

	seen := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))

	for _, v := range values {
		normalized := strings.ToUpper(strings.TrimSpace(v))
		if normalized == "" {
			continue
		}
		if _, ok := seen[normalized]; ok {
			continue
		}
		seen[normalized] = struct{}{}
		result = append(result, normalized)
	}

	return result
}
