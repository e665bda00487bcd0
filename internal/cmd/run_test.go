package cmd

import (
	"bytes"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryokit/ctfstream/pkg/manifest"
)

func dirManifest() *manifest.Manifest {
	m := &manifest.Manifest{
		Source: manifest.SourceConfig{
			Backend: "dir",
			Dir:     &manifest.DirSourceConfig{Path: "/data/session"},
		},
		Match: manifest.MatchConfig{
			Includes: []string{"**/*.mrc"},
		},
		Acquisition: manifest.AcquisitionConfig{
			PixelSize:           1.06,
			Voltage:             300,
			SphericalAberration: 2.7,
			AmplitudeContrast:   0.07,
		},
		Estimator: manifest.EstimatorConfig{
			Binary: "ctffind",
		},
		Output: manifest.OutputConfig{
			Destination: "stdout",
		},
	}
	m.ApplyDefaults()
	return m
}

func TestShowRunPlan(t *testing.T) {
	tests := []struct {
		name     string
		manifest func() *manifest.Manifest
		contains []string
	}{
		{
			name:     "basic dir manifest",
			manifest: dirManifest,
			contains: []string{
				"Run Plan (dry-run)",
				"Source:      dir",
				"Path:        /data/session",
				"**/*.mrc",
				"Pixel Size:  1.06 A/px",
				"Voltage:     300 kV",
				"Binary:      ctffind",
				"Output:      stdout",
			},
		},
		{
			name: "s3 with endpoint and excludes",
			manifest: func() *manifest.Manifest {
				m := dirManifest()
				m.Source = manifest.SourceConfig{
					Backend: "s3",
					S3: &manifest.S3SourceConfig{
						Bucket:   "microscope-drop",
						Prefix:   "session-42/",
						Region:   "us-east-1",
						Endpoint: "https://minio.facility.local",
					},
				}
				m.Match.Excludes = []string{"**/gain/*"}
				return m
			},
			contains: []string{
				"Source:      s3",
				"Bucket:      microscope-drop",
				"Prefix:      session-42/",
				"Region:      us-east-1",
				"Endpoint:    https://minio.facility.local",
				"Exclude:",
				"**/gain/*",
			},
		},
		{
			name: "with tilt series and phase shift",
			manifest: func() *manifest.Manifest {
				m := dirManifest()
				m.Estimator.PhaseShift = &manifest.PhaseShiftConfig{
					Search: true,
					Min:    0,
					Max:    180,
					Step:   10,
				}
				m.TiltSeries = &manifest.TiltSeriesConfig{
					Pattern:    `^(?P<series>TS_\d+)_(?P<order>\d+)`,
					FrameCount: 41,
				}
				return m
			},
			contains: []string{
				"Phase Shift: 0 - 180 deg (step 10)",
				"Tilt Series:",
				"Frames:      41 per series",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Capture stdout
			old := os.Stdout
			r, w, _ := os.Pipe()
			os.Stdout = w

			err := showRunPlan(tt.manifest())
			require.NoError(t, err)

			require.NoError(t, w.Close())
			os.Stdout = old

			var buf bytes.Buffer
			_, _ = buf.ReadFrom(r)
			output := buf.String()

			for _, want := range tt.contains {
				assert.Contains(t, output, want, "output should contain %q", want)
			}
		})
	}
}

func TestBuildEstimatorConfig(t *testing.T) {
	t.Run("converts degrees to radians", func(t *testing.T) {
		m := dirManifest()
		m.Estimator.PhaseShift = &manifest.PhaseShiftConfig{
			Search: true,
			Min:    0,
			Max:    180,
			Step:   10,
		}

		cfg, err := buildEstimatorConfig(m)
		require.NoError(t, err)

		assert.True(t, cfg.PhaseShift.Search)
		assert.InDelta(t, 0, cfg.PhaseShift.Min, 1e-12)
		assert.InDelta(t, math.Pi, cfg.PhaseShift.Max, 1e-12)
		assert.InDelta(t, math.Pi/18, cfg.PhaseShift.Step, 1e-12)
	})

	t.Run("parses timeout", func(t *testing.T) {
		m := dirManifest()
		m.Estimator.Timeout = "5m"

		cfg, err := buildEstimatorConfig(m)
		require.NoError(t, err)
		assert.Equal(t, 5*time.Minute, cfg.Timeout)
	})

	t.Run("rejects malformed timeout", func(t *testing.T) {
		m := dirManifest()
		m.Estimator.Timeout = "soon"

		_, err := buildEstimatorConfig(m)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid estimator timeout")
	})

	t.Run("defaults work dir", func(t *testing.T) {
		m := dirManifest()
		m.Estimator.WorkDir = ""

		cfg, err := buildEstimatorConfig(m)
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(os.TempDir(), "ctfstream"), cfg.WorkDir)
	})

	t.Run("carries acquisition parameters", func(t *testing.T) {
		m := dirManifest()

		cfg, err := buildEstimatorConfig(m)
		require.NoError(t, err)
		assert.Equal(t, 1.06, cfg.PixelSize)
		assert.Equal(t, 300.0, cfg.Voltage)
		assert.Equal(t, 2.7, cfg.SphericalAberration)
		assert.Equal(t, 0.07, cfg.AmplitudeContrast)
	})
}

func TestBuildRunFilter(t *testing.T) {
	t.Run("nil filters", func(t *testing.T) {
		m := dirManifest()
		m.Match.Filters = nil

		f, err := buildRunFilter(m)
		require.NoError(t, err)
		assert.Nil(t, f)
	})

	t.Run("size and date filters", func(t *testing.T) {
		m := dirManifest()
		m.Match.Filters = &manifest.FilterConfig{
			Size:     &manifest.SizeFilterConfig{Min: "1MB", Max: "10GB"},
			Modified: &manifest.DateFilterConfig{After: "2024-01-01"},
		}

		f, err := buildRunFilter(m)
		require.NoError(t, err)
		require.NotNil(t, f)
	})

	t.Run("malformed size", func(t *testing.T) {
		m := dirManifest()
		m.Match.Filters = &manifest.FilterConfig{
			Size: &manifest.SizeFilterConfig{Min: "lots"},
		}

		_, err := buildRunFilter(m)
		require.Error(t, err)
	})
}

func TestCreateWriter_Stdout(t *testing.T) {
	m := dirManifest()
	m.Output.Destination = "stdout"

	writer, cleanup, err := createWriter(m, "test-run-id")
	require.NoError(t, err)
	require.NotNil(t, writer)
	require.NotNil(t, cleanup)

	// Cleanup shouldn't panic
	cleanup()
}

func TestCreateWriter_EmptyDestination(t *testing.T) {
	m := dirManifest()
	m.Output.Destination = ""

	writer, cleanup, err := createWriter(m, "test-run-id")
	require.NoError(t, err)
	require.NotNil(t, writer)
	require.NotNil(t, cleanup)

	cleanup()
}

func TestCreateWriter_FileDestination(t *testing.T) {
	tmpDir := t.TempDir()
	outPath := filepath.Join(tmpDir, "output.jsonl")

	m := dirManifest()
	m.Output.Destination = outPath

	writer, cleanup, err := createWriter(m, "test-run-id")
	require.NoError(t, err)
	require.NotNil(t, writer)

	// File should exist
	_, err = os.Stat(outPath)
	require.NoError(t, err)

	cleanup()
}

func TestCreateWriter_FilePrefix(t *testing.T) {
	tmpDir := t.TempDir()
	outPath := filepath.Join(tmpDir, "output.jsonl")

	m := dirManifest()
	m.Output.Destination = "file:" + outPath

	writer, cleanup, err := createWriter(m, "test-run-id")
	require.NoError(t, err)
	require.NotNil(t, writer)

	// File should exist
	_, err = os.Stat(outPath)
	require.NoError(t, err)

	cleanup()
}

func TestDegToRad(t *testing.T) {
	assert.InDelta(t, math.Pi, degToRad(180), 1e-12)
	assert.InDelta(t, math.Pi/2, degToRad(90), 1e-12)
	assert.InDelta(t, 0, degToRad(0), 1e-12)
}
