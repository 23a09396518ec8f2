// Package region canonicalizes state and province representations into the
// two-letter code space used by policy rules.
package region

import "strings"

const separator = "-"

// Normalize turns a provider's state code or state name into a canonical code.
//
// A non-blank code wins: it is uppercased and, for ISO 3166-2 forms such as
// "US-CA", reduced to the part after the last hyphen. Otherwise the name is
// looked up in the built-in table; unknown names come back uppercased. The
// result is nil only when neither input carries anything usable. Normalize
// never fails.
func Normalize(stateCode, stateName *string) *string {
	if stateCode != nil {
		if code := NormalizeCode(*stateCode); code != "" {
			return &code
		}
	}
	if stateName != nil {
		if code := codeForName(*stateName); code != "" {
			return &code
		}
	}
	return nil
}

// NormalizeCode uppercases a subdivision code and strips any country prefix.
func NormalizeCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if idx := strings.LastIndex(code, separator); idx != -1 {
		code = strings.TrimSpace(code[idx+len(separator):])
	}
	return code
}

// codeForName maps a full English name through the table. Unknown names come
// back uppercased.
func codeForName(name string) string {
	if code, ok := subdivisionCodes[strings.ToLower(strings.TrimSpace(name))]; ok {
		return code
	}
	return strings.ToUpper(strings.TrimSpace(name))
}

// Value dereferences an optional normalized code, yielding "" for nil.
func Value(code *string) string {
	if code == nil {
		return ""
	}
	return *code
}
