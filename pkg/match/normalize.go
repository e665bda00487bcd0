// Package match provides include/exclude pattern matching for item
// names using doublestar semantics, plus static-prefix derivation so
// remote sources can narrow their list operations.
package match

import (
	"strings"
)

// Glob metacharacters that can be escaped with backslash in patterns.
const globEscapable = `*?[]{}\`

// NormalizePattern converts a user-provided glob pattern to canonical
// form.
//
// Normalization rules:
//   - Unescaped backslashes converted to forward slashes (patterns are
//     often authored on Windows acquisition machines)
//   - Escaped backslashes and glob metacharacters preserved (\*, \?, ...)
//   - Leading slash, trailing slash, and // sequences preserved
//
// Examples:
//
//	"session_01/**"        → "session_01/**"       (unchanged)
//	"session_01\**"        → "session_01/**"       (backslash → slash)
//	"raw/mic\*.mrc"        → "raw/mic\*.mrc"       (escape preserved)
//	"raw\\GridSquare\\*"   → "raw/GridSquare/*"    (unescaped \ → /)
func NormalizePattern(pattern string) string {
	if pattern == "" {
		return ""
	}

	var result strings.Builder
	result.Grow(len(pattern))

	runes := []rune(pattern)
	for i := 0; i < len(runes); i++ {
		r := runes[i]

		if r == '\\' && i+1 < len(runes) {
			next := runes[i+1]
			if strings.ContainsRune(globEscapable, next) {
				// Preserve the escape sequence.
				result.WriteRune('\\')
				result.WriteRune(next)
				i++
				continue
			}
			// Unescaped backslash: treat as separator.
			result.WriteRune('/')
			continue
		}

		if r == '\\' {
			// Trailing backslash.
			result.WriteRune('/')
			continue
		}

		result.WriteRune(r)
	}

	return result.String()
}

// IsHidden returns true if any path segment of the item name starts
// with a dot. Acquisition software and file transfers leave dot-files
// next to micrographs; those are never estimation input by default.
//
// The name is matched as-is, using '/' as separator.
//
// Examples:
//
//	"raw/mic_0001.mrc"       → false
//	".partial/mic_0001.mrc"  → true
//	"raw/.mic_0001.mrc.tmp"  → true
//	"raw/mic_0001.mrc."      → false (trailing dot is not hidden)
func IsHidden(name string) bool {
	if name == "" {
		return false
	}

	segments := strings.Split(name, "/")
	for _, seg := range segments {
		if seg != "" && strings.HasPrefix(seg, ".") {
			return true
		}
	}
	return false
}

// EnsureTrailingSlash adds a trailing slash if not present. Returns an
// empty string unchanged. Used when joining listing prefixes.
func EnsureTrailingSlash(name string) string {
	if name == "" {
		return ""
	}
	if name[len(name)-1] != '/' {
		return name + "/"
	}
	return name
}
