package match

import (
	"sort"
	"strings"
)

// DerivePrefix extracts the longest static prefix from a glob pattern.
//
// The prefix is the portion of the pattern before any unescaped glob
// metacharacter. Escaped metacharacters (\*, \?, \[, \{) are treated as
// literals and included. Remote sources use the prefix to narrow their
// list calls instead of paging through the whole collection.
//
// Examples:
//
//	"session_01/**/*.mrc"     → "session_01/"
//	"*.mrc"                   → ""
//	"raw/grid-{a,b}/*.mrc"    → "raw/"
//	"exact/path/mic.mrc"      → "exact/path/mic.mrc"
//	"raw/mic\*.mrc"           → "raw/mic*.mrc" (escaped * is literal)
func DerivePrefix(pattern string) string {
	if pattern == "" {
		return ""
	}

	pattern = NormalizePattern(pattern)

	metaIdx := findFirstUnescapedMeta(pattern)

	if metaIdx == -1 {
		// No unescaped metacharacters: the pattern is an exact name.
		// Unescape so the prefix carries the literal characters.
		return unescapePrefix(pattern)
	}

	if metaIdx == 0 {
		return ""
	}

	prefix := pattern[:metaIdx]

	// Truncate to the last complete path segment:
	// "session_2026-" becomes "" and "raw/session-" becomes "raw/".
	lastSlash := strings.LastIndex(prefix, "/")
	if lastSlash >= 0 {
		return unescapePrefix(prefix[:lastSlash+1])
	}

	return ""
}

// findFirstUnescapedMeta returns the index of the first unescaped glob
// metacharacter (* ? [ {) in the pattern, or -1 if none found.
//
// A plain IndexAny cannot distinguish literal metacharacters (escaped
// with \) from glob ones; without this scan a pattern like
// "raw/mic\*.mrc" would terminate its prefix at the escaped asterisk.
func findFirstUnescapedMeta(pattern string) int {
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]

		if c == '\\' && i+1 < len(pattern) {
			next := pattern[i+1]
			if next == '*' || next == '?' || next == '[' || next == '{' || next == '\\' {
				i++ // skip the escaped character
				continue
			}
			continue
		}

		if c == '*' || c == '?' || c == '[' || c == '{' {
			return i
		}
	}
	return -1
}

// unescapePrefix removes escape backslashes from glob metacharacters in
// a prefix. Stored item names carry no escape sequences, so a pattern
// prefix "raw/mic\*" must become the literal prefix "raw/mic*".
func unescapePrefix(prefix string) string {
	if !strings.ContainsRune(prefix, '\\') {
		return prefix
	}

	var result strings.Builder
	result.Grow(len(prefix))

	for i := 0; i < len(prefix); i++ {
		c := prefix[i]

		if c == '\\' && i+1 < len(prefix) {
			next := prefix[i+1]
			if next == '*' || next == '?' || next == '[' || next == ']' ||
				next == '{' || next == '}' || next == '\\' {
				result.WriteByte(next)
				i++
				continue
			}
		}

		result.WriteByte(c)
	}

	return result.String()
}

// DerivePrefixes extracts prefixes from multiple patterns and
// deduplicates them.
//
// The returned prefixes are derived from each include pattern,
// deduplicated (parent prefixes subsume children), and sorted for
// deterministic ordering.
//
// Examples:
//
//	["raw/s1/**", "raw/s2/**"] → ["raw/s1/", "raw/s2/"]
//	["raw/**", "raw/s1/**"]    → ["raw/"]  (parent subsumes child)
//	["**/*.mrc"]               → [""]      (empty = full listing)
func DerivePrefixes(patterns []string) []string {
	if len(patterns) == 0 {
		return nil
	}

	prefixes := make([]string, 0, len(patterns))
	for _, p := range patterns {
		prefixes = append(prefixes, DerivePrefix(p))
	}

	return deduplicatePrefixes(prefixes)
}

// deduplicatePrefixes removes prefixes that are subsumed by shorter
// prefixes. "raw/" subsumes "raw/session_01/"; the empty string
// subsumes everything (full listing).
func deduplicatePrefixes(prefixes []string) []string {
	if len(prefixes) == 0 {
		return nil
	}

	for _, p := range prefixes {
		if p == "" {
			return []string{""}
		}
	}

	sorted := make([]string, len(prefixes))
	copy(sorted, prefixes)
	sort.Slice(sorted, func(i, j int) bool {
		return len(sorted[i]) < len(sorted[j])
	})

	result := make([]string, 0, len(sorted))
	for _, candidate := range sorted {
		subsumed := false
		for _, existing := range result {
			if strings.HasPrefix(candidate, existing) {
				subsumed = true
				break
			}
		}
		if !subsumed {
			result = append(result, candidate)
		}
	}

	sort.Strings(result)
	return result
}

// IsGlobPattern returns true if the pattern contains unescaped glob
// metacharacters. Escape-aware: "raw/mic\*.mrc" is an exact name, not a
// glob.
func IsGlobPattern(pattern string) bool {
	return findFirstUnescapedMeta(pattern) != -1
}
