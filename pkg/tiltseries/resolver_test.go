package tiltseries

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewResolver(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		wantErr string
	}{
		{
			name:    "valid pattern",
			pattern: `(?P<series>TS_\d+)_(?P<order>\d+)\.mrc$`,
		},
		{
			name:    "invalid regexp",
			pattern: `(?P<series>[`,
			wantErr: "tilt-series pattern",
		},
		{
			name:    "missing series group",
			pattern: `TS_\d+_(?P<order>\d+)\.mrc$`,
			wantErr: "missing named group 'series'",
		},
		{
			name:    "missing order group",
			pattern: `(?P<series>TS_\d+)_\d+\.mrc$`,
			wantErr: "missing named group 'order'",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := NewResolver(tt.pattern)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				assert.Nil(t, r)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, r)
		})
	}
}

func TestResolver_Resolve(t *testing.T) {
	r, err := NewResolver(`(?P<series>TS_\d+)_(?P<order>\d+)\.mrc$`)
	require.NoError(t, err)

	tests := []struct {
		name       string
		input      string
		wantSeries string
		wantOrder  int
		wantOK     bool
	}{
		{
			name:       "plain frame",
			input:      "TS_01_003.mrc",
			wantSeries: "TS_01",
			wantOrder:  3,
			wantOK:     true,
		},
		{
			name:       "leading zeros",
			input:      "TS_07_000.mrc",
			wantSeries: "TS_07",
			wantOrder:  0,
			wantOK:     true,
		},
		{
			name:       "name with directory",
			input:      "session_042/TS_12_040.mrc",
			wantSeries: "TS_12",
			wantOrder:  40,
			wantOK:     true,
		},
		{
			name:   "single micrograph",
			input:  "GridSquare_001.mrc",
			wantOK: false,
		},
		{
			name:   "wrong extension",
			input:  "TS_01_003.tif",
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			series, order, ok := r.Resolve(tt.input)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantSeries, series)
			assert.Equal(t, tt.wantOrder, order)
		})
	}
}

func TestResolver_Resolve_NonNumericOrder(t *testing.T) {
	r, err := NewResolver(`(?P<series>\w+)-(?P<order>\w+)\.mrc$`)
	require.NoError(t, err)

	_, _, ok := r.Resolve("TS01-final.mrc")
	assert.False(t, ok)
}

func TestResolver_Resolve_NegativeOrder(t *testing.T) {
	r, err := NewResolver(`(?P<series>TS\d+)_(?P<order>-?\d+)\.mrc$`)
	require.NoError(t, err)

	_, _, ok := r.Resolve("TS1_-3.mrc")
	assert.False(t, ok)
}

func TestResolver_Resolve_EmptySeriesCapture(t *testing.T) {
	r, err := NewResolver(`(?P<series>\w*?)_?frame_(?P<order>\d+)\.mrc$`)
	require.NoError(t, err)

	_, _, ok := r.Resolve("frame_003.mrc")
	assert.False(t, ok)
}

func TestResolver_Pattern(t *testing.T) {
	const pattern = `(?P<series>TS_\d+)_(?P<order>\d+)\.mrc$`

	r, err := NewResolver(pattern)
	require.NoError(t, err)
	assert.Equal(t, pattern, r.Pattern())
}
