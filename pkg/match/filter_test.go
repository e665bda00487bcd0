package match

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func candidate(name string, size int64, mod time.Time) Candidate {
	return Candidate{Name: name, Size: size, ModTime: mod}
}

func TestNewSizeFilter(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *SizeFilterConfig
		wantNil bool
		wantErr bool
	}{
		{"nil config", nil, true, false},
		{"min only", &SizeFilterConfig{Min: "1MB"}, false, false},
		{"max only", &SizeFilterConfig{Max: "1GB"}, false, false},
		{"min and max", &SizeFilterConfig{Min: "1MB", Max: "1GB"}, false, false},
		{"invalid min", &SizeFilterConfig{Min: "abc"}, false, true},
		{"invalid max", &SizeFilterConfig{Max: "xyz"}, false, true},
		{"min greater than max", &SizeFilterConfig{Min: "1GB", Max: "1MB"}, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := NewSizeFilter(tt.cfg)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.wantNil {
				assert.Nil(t, f)
			} else {
				assert.NotNil(t, f)
			}
		})
	}
}

func TestSizeFilter_Match(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name     string
		cfg      SizeFilterConfig
		size     int64
		expected bool
	}{
		// Minimum size guards against half-written frames.
		{"below min", SizeFilterConfig{Min: "100MB"}, 50 * MB, false},
		{"at min", SizeFilterConfig{Min: "100MB"}, 100 * MB, true},
		{"above min", SizeFilterConfig{Min: "100MB"}, 200 * MB, true},

		{"below max", SizeFilterConfig{Max: "1GB"}, 500 * MB, true},
		{"at max", SizeFilterConfig{Max: "1GB"}, 1 * GB, true},
		{"above max", SizeFilterConfig{Max: "1GB"}, 2 * GB, false},

		{"in range", SizeFilterConfig{Min: "100MB", Max: "1GB"}, 500 * MB, true},
		{"below range", SizeFilterConfig{Min: "100MB", Max: "1GB"}, 50 * MB, false},
		{"above range", SizeFilterConfig{Min: "100MB", Max: "1GB"}, 2 * GB, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := NewSizeFilter(&tt.cfg)
			require.NoError(t, err)
			require.NotNil(t, f)

			got := f.Match(candidate("mic_0001.mrc", tt.size, now))
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestSizeFilter_String(t *testing.T) {
	f, err := NewSizeFilter(&SizeFilterConfig{Min: "1MiB", Max: "1GiB"})
	require.NoError(t, err)
	assert.Equal(t, "size: 1.0MiB - 1.0GiB", f.String())

	f, err = NewSizeFilter(&SizeFilterConfig{Min: "1MiB"})
	require.NoError(t, err)
	assert.Equal(t, "size: >= 1.0MiB", f.String())
}

func TestNewDateFilter(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *DateFilterConfig
		wantNil bool
		wantErr bool
	}{
		{"nil config", nil, true, false},
		{"after only", &DateFilterConfig{After: "2026-01-15"}, false, false},
		{"before only", &DateFilterConfig{Before: "2026-02-01"}, false, false},
		{"after and before", &DateFilterConfig{After: "2026-01-15", Before: "2026-02-01"}, false, false},
		{"invalid after", &DateFilterConfig{After: "notadate"}, false, true},
		{"invalid before", &DateFilterConfig{Before: "15/01/2026"}, false, true},
		{"after >= before", &DateFilterConfig{After: "2026-02-01", Before: "2026-01-15"}, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := NewDateFilter(tt.cfg)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.wantNil {
				assert.Nil(t, f)
			} else {
				assert.NotNil(t, f)
			}
		})
	}
}

func TestDateFilter_Match(t *testing.T) {
	f, err := NewDateFilter(&DateFilterConfig{
		After:  "2026-01-15",
		Before: "2026-02-01",
	})
	require.NoError(t, err)

	tests := []struct {
		name     string
		mod      time.Time
		expected bool
	}{
		{"before window", time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC), false},
		{"at after (inclusive)", time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC), true},
		{"inside window", time.Date(2026, 1, 20, 12, 0, 0, 0, time.UTC), true},
		{"at before (exclusive)", time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), false},
		{"after window", time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := f.Match(candidate("mic_0001.mrc", 100*MB, tt.mod))
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestCompositeFilter(t *testing.T) {
	sizeFilter, err := NewSizeFilter(&SizeFilterConfig{Min: "100MB"})
	require.NoError(t, err)
	dateFilter, err := NewDateFilter(&DateFilterConfig{After: "2026-01-15"})
	require.NoError(t, err)

	f := NewCompositeFilter(sizeFilter, dateFilter)
	require.NotNil(t, f)
	assert.Len(t, f.Filters(), 2)

	inWindow := time.Date(2026, 1, 20, 0, 0, 0, 0, time.UTC)
	outWindow := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)

	assert.True(t, f.Match(candidate("mic.mrc", 200*MB, inWindow)))
	assert.False(t, f.Match(candidate("mic.mrc", 50*MB, inWindow)), "size fails")
	assert.False(t, f.Match(candidate("mic.mrc", 200*MB, outWindow)), "date fails")
	assert.False(t, f.Match(candidate("mic.mrc", 50*MB, outWindow)), "both fail")
}

func TestNewCompositeFilter_NilHandling(t *testing.T) {
	assert.Nil(t, NewCompositeFilter())
	assert.Nil(t, NewCompositeFilter(nil, nil))

	sizeFilter, err := NewSizeFilter(&SizeFilterConfig{Min: "1MB"})
	require.NoError(t, err)
	f := NewCompositeFilter(nil, sizeFilter, nil)
	require.NotNil(t, f)
	assert.Len(t, f.Filters(), 1)
}

func TestNewFilterFromConfig(t *testing.T) {
	t.Run("nil config", func(t *testing.T) {
		f, err := NewFilterFromConfig(nil)
		require.NoError(t, err)
		assert.Nil(t, f)
	})

	t.Run("empty config", func(t *testing.T) {
		f, err := NewFilterFromConfig(&FilterConfig{})
		require.NoError(t, err)
		assert.Nil(t, f)
	})

	t.Run("size and date", func(t *testing.T) {
		f, err := NewFilterFromConfig(&FilterConfig{
			Size:     &SizeFilterConfig{Min: "100MB"},
			Modified: &DateFilterConfig{After: "2026-01-15"},
		})
		require.NoError(t, err)
		require.NotNil(t, f)
		assert.Len(t, f.Filters(), 2)
		assert.Contains(t, f.String(), "size")
		assert.Contains(t, f.String(), "modified")
	})

	t.Run("invalid size propagates", func(t *testing.T) {
		_, err := NewFilterFromConfig(&FilterConfig{
			Size: &SizeFilterConfig{Min: "wat"},
		})
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInvalidSize))
	})
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		input    string
		expected int64
		wantErr  bool
	}{
		{"1024", 1024, false},
		{"0", 0, false},
		{"1KB", 1000, false},
		{"1kb", 1000, false},
		{"1Kb", 1000, false},
		{"1KiB", 1024, false},
		{"100MB", 100 * MB, false},
		{"100MiB", 100 * MiB, false},
		{"1.5GB", int64(1.5 * float64(GB)), false},
		{"2TiB", 2 * TiB, false},
		{"1K", 1000, false},
		{"1Mi", MiB, false},
		{" 10MB ", 10 * MB, false},
		{"", 0, true},
		{"abc", 0, true},
		{"10XB", 0, true},
		{"-5MB", 0, true},
		{"..5MB", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseSize(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidSize))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestParseSize_Overflow(t *testing.T) {
	_, err := ParseSize("99999999999TB")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "overflows")
}

func TestFormatSize(t *testing.T) {
	tests := []struct {
		bytes    int64
		expected string
	}{
		{512, "512B"},
		{KiB, "1.0KiB"},
		{100 * MiB, "100.0MiB"},
		{GiB, "1.0GiB"},
		{3 * TiB, "3.0TiB"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, FormatSize(tt.bytes))
		})
	}
}

func TestParseDate(t *testing.T) {
	tests := []struct {
		input    string
		expected time.Time
		wantErr  bool
	}{
		{"2026-01-15", time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC), false},
		{"2026-01-15T10:30:00Z", time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC), false},
		{"2026-01-15T10:30:00+05:00", time.Date(2026, 1, 15, 5, 30, 0, 0, time.UTC), false},
		{"", time.Time{}, true},
		{"15/01/2026", time.Time{}, true},
		{"notadate", time.Time{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseDate(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidDate))
				return
			}
			require.NoError(t, err)
			assert.True(t, tt.expected.Equal(got), "want %s, got %s", tt.expected, got)
		})
	}
}
