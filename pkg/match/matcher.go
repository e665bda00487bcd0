package match

import (
	"errors"

	"github.com/bmatcuk/doublestar/v4"
)

// Matcher decides which discovered items enter the estimation stream.
//
// A Matcher is configured with include and exclude patterns over item
// names (source-relative, slash-separated):
//   - Include patterns: an item must match at least one
//   - Exclude patterns: an item must not match any
//
// The Matcher is safe for concurrent use after creation.
type Matcher struct {
	includes      []pattern
	excludes      []pattern
	prefixes      []string
	includeHidden bool
}

// pattern holds a normalized pattern with its derived static prefix.
type pattern struct {
	raw    string
	prefix string
}

// Config configures a Matcher.
type Config struct {
	// Includes are glob patterns item names must match (at least one).
	// Required: at least one include pattern must be specified.
	Includes []string

	// Excludes are glob patterns item names must not match (any).
	// Optional: if empty, no excludes are applied.
	Excludes []string

	// IncludeHidden controls whether hidden items are matched. Hidden
	// items have a path segment starting with '.'; acquisition software
	// drops dot-files next to micrographs and those must never be
	// dispatched by default.
	IncludeHidden bool
}

// Errors returned by Matcher operations.
var (
	// ErrNoIncludes is returned when no include patterns are provided.
	ErrNoIncludes = errors.New("at least one include pattern is required")

	// ErrInvalidPattern is returned when a pattern cannot be compiled.
	ErrInvalidPattern = errors.New("invalid glob pattern")
)

// PatternError wraps pattern-related errors with context.
type PatternError struct {
	Pattern string
	Err     error
}

func (e *PatternError) Error() string {
	return "pattern " + e.Pattern + ": " + e.Err.Error()
}

func (e *PatternError) Unwrap() error {
	return e.Err
}

// New creates a Matcher from the given configuration.
//
// Patterns are normalized to handle Windows-style backslash separators
// (acquisition machines are mostly Windows) while preserving escape
// sequences for literal glob metacharacters.
//
// Returns an error if no include patterns are provided or any pattern
// cannot be compiled.
func New(cfg Config) (*Matcher, error) {
	if len(cfg.Includes) == 0 {
		return nil, ErrNoIncludes
	}

	includes := make([]pattern, 0, len(cfg.Includes))
	for _, raw := range cfg.Includes {
		normalized := NormalizePattern(raw)
		if !doublestar.ValidatePattern(normalized) {
			return nil, &PatternError{Pattern: raw, Err: ErrInvalidPattern}
		}
		includes = append(includes, pattern{
			raw:    normalized,
			prefix: DerivePrefix(normalized),
		})
	}

	excludes := make([]pattern, 0, len(cfg.Excludes))
	for _, raw := range cfg.Excludes {
		normalized := NormalizePattern(raw)
		if !doublestar.ValidatePattern(normalized) {
			return nil, &PatternError{Pattern: raw, Err: ErrInvalidPattern}
		}
		excludes = append(excludes, pattern{
			raw:    normalized,
			prefix: DerivePrefix(normalized),
		})
	}

	// Derive deduplicated listing prefixes from normalized includes.
	normalizedIncludes := make([]string, len(includes))
	for i, p := range includes {
		normalizedIncludes[i] = p.raw
	}
	prefixes := DerivePrefixes(normalizedIncludes)

	return &Matcher{
		includes:      includes,
		excludes:      excludes,
		prefixes:      prefixes,
		includeHidden: cfg.IncludeHidden,
	}, nil
}

// Match returns true if the item name passes the include/exclude
// patterns.
//
// A name matches if:
//  1. It matches at least one include pattern
//  2. It does not match any exclude pattern
//  3. It is not hidden (unless IncludeHidden is true)
//
// Names are matched as-is: they are opaque source-relative keys and any
// character is valid in them.
func (m *Matcher) Match(name string) bool {
	if !m.includeHidden && IsHidden(name) {
		return false
	}

	matched := false
	for _, inc := range m.includes {
		if matchPattern(inc.raw, name) {
			matched = true
			break
		}
	}
	if !matched {
		return false
	}

	for _, exc := range m.excludes {
		if matchPattern(exc.raw, name) {
			return false
		}
	}
	return true
}

// Prefixes returns the deduplicated static prefixes derived from the
// include patterns. Remote sources use them to narrow list operations
// instead of walking the whole collection on every poll.
//
// An empty string in the result means at least one pattern requires a
// full listing (no prefix filter possible).
func (m *Matcher) Prefixes() []string {
	return m.prefixes
}

// IncludePatterns returns the normalized include patterns.
func (m *Matcher) IncludePatterns() []string {
	patterns := make([]string, len(m.includes))
	for i, p := range m.includes {
		patterns[i] = p.raw
	}
	return patterns
}

// ExcludePatterns returns the normalized exclude patterns.
func (m *Matcher) ExcludePatterns() []string {
	patterns := make([]string, len(m.excludes))
	for i, p := range m.excludes {
		patterns[i] = p.raw
	}
	return patterns
}

// HasEmptyPrefix returns true if any prefix is empty, meaning a full
// source listing is required on every poll. Callers may want to warn:
// on large facility archives that is a scale problem.
func (m *Matcher) HasEmptyPrefix() bool {
	for _, p := range m.prefixes {
		if p == "" {
			return true
		}
	}
	return false
}

// matchPattern matches a name against a doublestar pattern.
func matchPattern(pattern, name string) bool {
	matched, err := doublestar.Match(pattern, name)
	if err != nil {
		// Patterns are validated at construction; treat as no match.
		return false
	}
	return matched
}
