package ctf

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cleanResult() *Result {
	return &Result{
		ItemID:             "stack_0001_12.0",
		TiltSeriesID:       "stack_0001",
		AcquisitionOrder:   3,
		DefocusU:           15234.5,
		DefocusV:           14980.2,
		AstigmatismAzimuth: 42.7,
		PhaseShift:         0.31,
		FitScore:           0.143,
		ResolutionLimit:    4.8,
		Quality:            QualityClean,
	}
}

func TestSanitize_CleanResultUnchanged(t *testing.T) {
	in := cleanResult()
	out, err := Sanitize(in)
	require.NoError(t, err)

	assert.Equal(t, in, out)
	assert.Equal(t, QualityClean, out.Quality)
	assert.Empty(t, out.DegradedFields)
}

func TestSanitize_NaNResolutionKeptDegraded(t *testing.T) {
	in := cleanResult()
	in.ResolutionLimit = math.NaN()

	out, err := Sanitize(in)
	require.NoError(t, err)

	assert.Equal(t, SentinelValue, out.ResolutionLimit)
	assert.Equal(t, QualityDegraded, out.Quality)
	assert.Contains(t, out.DegradedFields, "resolution_limit")

	// Everything else survives untouched.
	assert.Equal(t, in.DefocusU, out.DefocusU)
	assert.Equal(t, in.FitScore, out.FitScore)
}

func TestSanitize_NaNPhaseShiftUsesZeroSentinel(t *testing.T) {
	in := cleanResult()
	in.PhaseShift = math.NaN()

	out, err := Sanitize(in)
	require.NoError(t, err)

	assert.Equal(t, SentinelPhaseShift, out.PhaseShift)
	assert.Contains(t, out.DegradedFields, "phase_shift")
}

func TestSanitize_NaNIceThickness(t *testing.T) {
	in := cleanResult()
	ice := math.NaN()
	in.IceThickness = &ice

	out, err := Sanitize(in)
	require.NoError(t, err)

	require.NotNil(t, out.IceThickness)
	assert.Equal(t, SentinelValue, *out.IceThickness)
	assert.Contains(t, out.DegradedFields, "ice_thickness")

	// The input's ice pointer must not be mutated.
	assert.True(t, math.IsNaN(ice))
}

func TestSanitize_NegativeDefocusRejected(t *testing.T) {
	for _, field := range []string{"defocus_u", "defocus_v"} {
		t.Run(field, func(t *testing.T) {
			in := cleanResult()
			if field == "defocus_u" {
				in.DefocusU = -50
			} else {
				in.DefocusV = -50
			}

			out, err := Sanitize(in)
			require.Error(t, err)
			assert.Nil(t, out)
			assert.True(t, IsInvalidResult(err))

			var ire *InvalidResultError
			require.True(t, errors.As(err, &ire))
			assert.Equal(t, field, ire.Field)
			assert.Equal(t, in.ItemID, ire.ItemID)
			assert.Equal(t, -50.0, ire.Value)
		})
	}
}

func TestSanitize_NaNDefocusNotRejected(t *testing.T) {
	// A NaN defocus becomes the (negative) sentinel, which is a degraded
	// marker, not an implausible measurement. It must not trip the
	// negative-defocus rejection.
	in := cleanResult()
	in.DefocusU = math.NaN()

	out, err := Sanitize(in)
	require.NoError(t, err)

	assert.Equal(t, SentinelValue, out.DefocusU)
	assert.Equal(t, QualityDegraded, out.Quality)
	assert.Contains(t, out.DegradedFields, "defocus_u")
}

func TestSanitize_MissingPSDCleared(t *testing.T) {
	in := cleanResult()
	in.PSDPath = filepath.Join(t.TempDir(), "nope_ctf.mrc")

	out, err := Sanitize(in)
	require.NoError(t, err)

	assert.Empty(t, out.PSDPath)
	assert.Equal(t, QualityDegraded, out.Quality)
	assert.Contains(t, out.DegradedFields, "psd")
}

func TestSanitize_ExistingPSDKept(t *testing.T) {
	dir := t.TempDir()
	psd := filepath.Join(dir, "mic_ctf.mrc")
	require.NoError(t, os.WriteFile(psd, []byte("MAP "), 0o644))

	in := cleanResult()
	in.PSDPath = psd

	out, err := Sanitize(in)
	require.NoError(t, err)

	assert.Equal(t, psd, out.PSDPath)
	assert.Equal(t, QualityClean, out.Quality)
}

func TestSanitize_AzimuthNormalized(t *testing.T) {
	tests := []struct {
		name string
		in   float64
		want float64
	}{
		{"in range", 42.7, 42.7},
		{"exactly 180", 180, 0},
		{"above range", 250, 70},
		{"negative", -30, 150},
		{"negative multiple", -390, 150},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := cleanResult()
			in.AstigmatismAzimuth = tt.in

			out, err := Sanitize(in)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, out.AstigmatismAzimuth, 1e-9)

			// Normalization alone never degrades the record.
			assert.Equal(t, QualityClean, out.Quality)
		})
	}
}

func TestSanitize_Idempotent(t *testing.T) {
	in := cleanResult()
	in.DefocusU = math.NaN()
	in.PhaseShift = math.NaN()
	in.ResolutionLimit = math.NaN()
	in.AstigmatismAzimuth = -30
	in.PSDPath = filepath.Join(t.TempDir(), "missing_ctf.mrc")

	once, err := Sanitize(in)
	require.NoError(t, err)

	twice, err := Sanitize(once)
	require.NoError(t, err)

	assert.Equal(t, once, twice)
	assert.Equal(t, QualityDegraded, twice.Quality)
}

func TestSanitize_DoesNotMutateInput(t *testing.T) {
	in := cleanResult()
	in.ResolutionLimit = math.NaN()
	in.AstigmatismAzimuth = 200

	_, err := Sanitize(in)
	require.NoError(t, err)

	assert.True(t, math.IsNaN(in.ResolutionLimit))
	assert.Equal(t, 200.0, in.AstigmatismAzimuth)
	assert.Empty(t, in.DegradedFields)
}

func TestInvalidResultError_Message(t *testing.T) {
	err := &InvalidResultError{
		ItemID: "mic_0042",
		Field:  "defocus_u",
		Value:  -50,
		Reason: "defocus must be non-negative",
	}

	assert.Contains(t, err.Error(), "mic_0042")
	assert.Contains(t, err.Error(), "defocus_u")
	assert.Contains(t, err.Error(), "defocus must be non-negative")
}

func TestIsInvalidResult(t *testing.T) {
	assert.False(t, IsInvalidResult(nil))
	assert.False(t, IsInvalidResult(errors.New("other")))
	assert.True(t, IsInvalidResult(&InvalidResultError{ItemID: "x", Field: "defocus_v"}))
}

func TestInputItem_IsTiltFrame(t *testing.T) {
	single := InputItem{ID: "mic_0001", Path: "/data/mic_0001.mrc"}
	assert.False(t, single.IsTiltFrame())

	tilt := InputItem{ID: "stack_0001_3", Path: "/data/ts/stack_0001_12.0.mrc", TiltSeriesID: "stack_0001", AcquisitionOrder: 3}
	assert.True(t, tilt.IsTiltFrame())
}
