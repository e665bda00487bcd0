package match

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDerivePrefix(t *testing.T) {
	tests := []struct {
		name     string
		pattern  string
		expected string
	}{
		// Basic cases
		{"empty pattern", "", ""},
		{"exact match", "raw/session/mic.mrc", "raw/session/mic.mrc"},
		{"simple wildcard", "*.mrc", ""},
		{"wildcard at end", "raw/*.mrc", "raw/"},
		{"double star", "raw/**", "raw/"},
		{"double star with suffix", "raw/**/*.mrc", "raw/"},

		// Complex patterns
		{"brace expansion", "raw/grid-{a,b}/*.mrc", "raw/"},
		{"character class", "raw/[0-9]*/*.mrc", "raw/"},
		{"question mark", "raw/mic?.mrc", "raw/"},
		{"nested wildcards", "a/b/c/**/*.mrc", "a/b/c/"},

		// Edge cases
		{"leading wildcard", "**/mic.mrc", ""},
		{"wildcard in middle", "raw/*/mic.mrc", "raw/"},
		{"partial segment wildcard", "raw/session-*/*.mrc", "raw/"},
		{"only slash", "/", "/"},
		{"trailing slash preserved", "raw/session/", "raw/session/"},

		// Pattern normalization (Windows compat)
		// In "raw\2026\**\*.mrc": \2 → /2 (not escapable), but \* is an
		// escape. Prefix truncates to the last / before the first
		// unescaped metacharacter.
		{"backslashes with escapes", "raw\\2026\\**\\*.mrc", "raw/"},
		{"windows path with glob", "raw\\2026\\session\\**", "raw/2026/"},
		// Windows users who want the full prefix should use forward
		// slashes for the glob part.
		{"windows path forward glob", "raw\\2026\\session/**", "raw/2026/session/"},
		{"leading slash preserved", "/raw/2026/**", "/raw/2026/"},

		// Escaped metacharacters (literal matching)
		{"escaped asterisk exact", "raw/mic\\*.mrc", "raw/mic*.mrc"},
		{"escaped asterisk in dir", "raw/mic\\*/frames/*.mrc", "raw/mic*/frames/"},
		{"escaped question mark", "raw/mic\\?.mrc", "raw/mic?.mrc"},
		{"escaped bracket", "raw/\\[backup\\]/mic.mrc", "raw/[backup]/mic.mrc"},
		{"escaped brace", "raw/\\{v1\\}/mic.mrc", "raw/{v1}/mic.mrc"},
		{"escaped backslash", "raw/path\\\\/mic.mrc", "raw/path\\/mic.mrc"},
		{"mixed escaped and glob", "raw/\\[2026\\]/**/*.mrc", "raw/[2026]/"},
		{"escaped asterisk before slash", "raw/mic\\*/*.log", "raw/mic*/"},

		// Real-world layouts
		{"epu session", "Images-Disc1/GridSquare_*/**/*.mrc", "Images-Disc1/"},
		{"tilt exclude", "**/gain/**", ""},
		{"transfer exclude", "**/.transfer/**", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := DerivePrefix(tt.pattern)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestDerivePrefixes(t *testing.T) {
	tests := []struct {
		name     string
		patterns []string
		expected []string
	}{
		{"nil", nil, nil},
		{"empty", []string{}, nil},
		{"single pattern", []string{"raw/2026/**"}, []string{"raw/2026/"}},

		// Deduplication
		{"parent subsumes child", []string{"raw/**", "raw/2026/**"}, []string{"raw/"}},
		{"child not subsumed", []string{"raw/2026/**", "raw/2027/**"}, []string{"raw/2026/", "raw/2027/"}},
		{"multiple parents", []string{"a/**", "b/**", "a/x/**"}, []string{"a/", "b/"}},

		// Empty prefix handling
		{"empty prefix from wildcard", []string{"**/*.mrc"}, []string{""}},
		{"empty subsumes all", []string{"raw/2026/**", "**/*.mrc"}, []string{""}},

		// Sorting
		{"sorted output", []string{"z/**", "a/**", "m/**"}, []string{"a/", "m/", "z/"}},

		// Real-world
		{
			"typical session",
			[]string{"raw/session_01/**/*.mrc", "raw/session_01/**/*.tif"},
			[]string{"raw/session_01/"},
		},
		{
			"multi-session",
			[]string{"raw/s01/**", "raw/s02/**", "raw/s03/**"},
			[]string{"raw/s01/", "raw/s02/", "raw/s03/"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := DerivePrefixes(tt.patterns)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestDeduplicatePrefixes(t *testing.T) {
	tests := []struct {
		name     string
		prefixes []string
		expected []string
	}{
		{"nil", nil, nil},
		{"empty", []string{}, nil},
		{"single", []string{"raw/"}, []string{"raw/"}},
		{"no overlap", []string{"a/", "b/"}, []string{"a/", "b/"}},
		{"parent subsumes", []string{"raw/", "raw/2026/"}, []string{"raw/"}},
		{"child before parent", []string{"raw/2026/", "raw/"}, []string{"raw/"}},
		{"empty subsumes all", []string{"raw/", ""}, []string{""}},
		{"multiple empty", []string{"", "", "raw/"}, []string{""}},
		{"complex chain", []string{"a/b/c/", "a/b/", "a/"}, []string{"a/"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := deduplicatePrefixes(tt.prefixes)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestIsGlobPattern(t *testing.T) {
	tests := []struct {
		name     string
		pattern  string
		expected bool
	}{
		{"plain name", "raw/mic.mrc", false},
		{"double star", "raw/**", true},
		{"question mark", "mic?.mrc", true},
		{"character class", "mic[0-9].mrc", true},
		{"escaped asterisk is literal", "raw/mic\\*.mrc", false},
		{"escaped then real glob", "raw/mic\\*/*.mrc", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsGlobPattern(tt.pattern))
		})
	}
}

func BenchmarkDerivePrefix(b *testing.B) {
	pattern := "raw/session=2026/grid=*/square=*/**/*.mrc"
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		DerivePrefix(pattern)
	}
}

func BenchmarkDerivePrefixes(b *testing.B) {
	patterns := []string{
		"raw/2026/**/*.mrc",
		"raw/2026/**/*.tif",
		"raw/2027/**/*.mrc",
		"tilt/**/*.mrc",
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		DerivePrefixes(patterns)
	}
}
