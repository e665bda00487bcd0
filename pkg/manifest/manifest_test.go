package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// validManifestYAML returns a minimal valid manifest in YAML format.
func validManifestYAML() string {
	return `version: "1.0"
source:
  backend: dir
  dir:
    path: /data/session/frames
match:
  includes:
    - "**/*.mrc"
acquisition:
  pixel_size: 1.06
  voltage: 300
  spherical_aberration: 2.7
  amplitude_contrast: 0.07
estimator:
  binary: ctffind
`
}

// validManifestJSON returns a minimal valid manifest in JSON format.
func validManifestJSON() string {
	return `{
  "version": "1.0",
  "source": {
    "backend": "dir",
    "dir": {"path": "/data/session/frames"}
  },
  "match": {
    "includes": ["**/*.mrc"]
  },
  "acquisition": {
    "pixel_size": 1.06,
    "voltage": 300,
    "spherical_aberration": 2.7,
    "amplitude_contrast": 0.07
  },
  "estimator": {
    "binary": "ctffind"
  }
}`
}

// fullManifestYAML returns a complete manifest with all optional fields.
func fullManifestYAML() string {
	return `version: "1.0"
source:
  backend: s3
  s3:
    bucket: krios-session-042
    prefix: frames/
    region: us-east-1
    endpoint: https://storage.facility.example
    profile: facility
    staging_dir: /scratch/staging
match:
  includes:
    - "**/*.mrc"
    - "**/*.tif"
  excludes:
    - "**/gain_*.mrc"
  include_hidden: true
  filters:
    size:
      min: 1MiB
      max: 10GiB
    modified:
      after: "2026-01-01"
acquisition:
  pixel_size: 0.83
  voltage: 300
  spherical_aberration: 2.7
  amplitude_contrast: 0.1
estimator:
  binary: /opt/ctffind/bin/ctffind
  window_size: 1024
  resolution:
    low: 50
    high: 4
  defocus:
    min: 3000
    max: 90000
    step: 250
  astigmatism:
    restrained: true
    tolerance: 1000
  phase_shift:
    search: true
    min: 0
    max: 120
    step: 5
  slow_search: true
  timeout: 30m
  max_retries: 3
  work_dir: /scratch/ctfstream
tilt_series:
  pattern: "(?P<series>TS_\\d+)_(?P<order>\\d+)\\.mrc$"
  frame_count: 41
run:
  workers: 8
  queue_size: 128
  rate_limit: 2.5
  progress_every: 10
  max_idle_polls: 30
output:
  destination: file:/tmp/results.jsonl
  progress: false
`
}

func TestLoad(t *testing.T) {
	t.Run("valid YAML manifest", func(t *testing.T) {
		path := writeTempManifest(t, "run.yaml", validManifestYAML())

		m, err := Load(path)
		require.NoError(t, err)

		assert.Equal(t, "1.0", m.Version)
		assert.Equal(t, "dir", m.Source.Backend)
		require.NotNil(t, m.Source.Dir)
		assert.Equal(t, "/data/session/frames", m.Source.Dir.Path)
		assert.Equal(t, []string{"**/*.mrc"}, m.Match.Includes)
		assert.Equal(t, 1.06, m.Acquisition.PixelSize)
		assert.Equal(t, "ctffind", m.Estimator.Binary)
	})

	t.Run("valid JSON manifest", func(t *testing.T) {
		path := writeTempManifest(t, "run.json", validManifestJSON())

		m, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "1.0", m.Version)
		assert.Equal(t, 300.0, m.Acquisition.Voltage)
	})

	t.Run("full manifest", func(t *testing.T) {
		path := writeTempManifest(t, "run.yaml", fullManifestYAML())

		m, err := Load(path)
		require.NoError(t, err)

		assert.Equal(t, "s3", m.Source.Backend)
		require.NotNil(t, m.Source.S3)
		assert.Equal(t, "krios-session-042", m.Source.S3.Bucket)
		assert.Equal(t, "/scratch/staging", m.Source.S3.StagingDir)

		require.NotNil(t, m.Match.Filters)
		require.NotNil(t, m.Match.Filters.Size)
		assert.Equal(t, "1MiB", m.Match.Filters.Size.Min)

		assert.Equal(t, 1024, m.Estimator.WindowSize)
		assert.Equal(t, 50.0, m.Estimator.Resolution.Low)
		assert.True(t, m.Estimator.Astigmatism.Restrained)
		assert.True(t, m.Estimator.PhaseShift.Search)
		assert.Equal(t, 5.0, m.Estimator.PhaseShift.Step)
		assert.Equal(t, 3, m.Estimator.Retries())

		require.NotNil(t, m.TiltSeries)
		assert.Equal(t, 41, m.TiltSeries.FrameCount)

		assert.Equal(t, 8, m.Run.Workers)
		assert.Equal(t, "file:/tmp/results.jsonl", m.Output.Destination)
		assert.False(t, m.Output.ProgressEnabled())
	})

	t.Run("file not found", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not found")
	})

	t.Run("empty manifest", func(t *testing.T) {
		path := writeTempManifest(t, "empty.yaml", "")
		_, err := Load(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "empty")
	})

	t.Run("invalid YAML syntax", func(t *testing.T) {
		path := writeTempManifest(t, "bad.yaml", "version: [unclosed")
		_, err := Load(path)
		require.Error(t, err)
	})
}

func TestLoadApplyDefaults(t *testing.T) {
	path := writeTempManifest(t, "run.yaml", validManifestYAML())

	m, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, DefaultSettle, m.Source.Dir.Settle)
	assert.Equal(t, DefaultWindowSize, m.Estimator.WindowSize)
	assert.Equal(t, DefaultResolutionLow, m.Estimator.Resolution.Low)
	assert.Equal(t, DefaultResolutionHigh, m.Estimator.Resolution.High)
	assert.Equal(t, DefaultDefocusMin, m.Estimator.Defocus.Min)
	assert.Equal(t, DefaultDefocusMax, m.Estimator.Defocus.Max)
	assert.Equal(t, DefaultDefocusStep, m.Estimator.Defocus.Step)
	assert.Equal(t, DefaultAstigmatismTolerance, m.Estimator.Astigmatism.Tolerance)
	assert.False(t, m.Estimator.Astigmatism.Restrained)
	assert.Equal(t, DefaultTimeout, m.Estimator.Timeout)
	assert.Equal(t, DefaultMaxRetries, m.Estimator.Retries())
	assert.Equal(t, DefaultWorkers, m.Run.Workers)
	assert.Equal(t, DefaultQueueSize, m.Run.QueueSize)
	assert.Equal(t, DefaultRateLimit, m.Run.RateLimit)
	assert.Equal(t, DefaultProgressEvery, m.Run.ProgressEvery)
	assert.Equal(t, 0, m.Run.MaxIdlePolls)
	assert.Equal(t, DefaultDestination, m.Output.Destination)
	assert.True(t, m.Output.ProgressEnabled())
}

func TestLoadSchemaValidation(t *testing.T) {
	t.Run("unknown top-level field rejected", func(t *testing.T) {
		content := validManifestYAML() + "unknown_field: value\n"
		path := writeTempManifest(t, "run.yaml", content)

		_, err := Load(path)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrValidationFailed), "expected validation failure, got: %v", err)
	})

	t.Run("unknown nested field rejected", func(t *testing.T) {
		content := strings.Replace(validManifestYAML(),
			"estimator:\n  binary: ctffind\n",
			"estimator:\n  binary: ctffind\n  box: 512\n", 1)
		path := writeTempManifest(t, "run.yaml", content)

		_, err := Load(path)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrValidationFailed))
	})

	t.Run("missing required section", func(t *testing.T) {
		content := strings.Replace(validManifestYAML(),
			"acquisition:\n  pixel_size: 1.06\n  voltage: 300\n  spherical_aberration: 2.7\n  amplitude_contrast: 0.07\n",
			"", 1)
		path := writeTempManifest(t, "run.yaml", content)

		_, err := Load(path)
		require.Error(t, err)
	})

	t.Run("bad version", func(t *testing.T) {
		content := strings.Replace(validManifestYAML(), `version: "1.0"`, `version: "2.0"`, 1)
		path := writeTempManifest(t, "run.yaml", content)

		_, err := Load(path)
		require.Error(t, err)
	})
}

func TestLoadSemanticValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(string) string
		wantMsg string
	}{
		{
			name: "missing dir block for dir backend",
			mutate: func(s string) string {
				return strings.Replace(s,
					"source:\n  backend: dir\n  dir:\n    path: /data/session/frames\n",
					"source:\n  backend: dir\n", 1)
			},
			wantMsg: "dir block is required",
		},
		{
			name: "defocus min above max",
			mutate: func(s string) string {
				return s + "  defocus:\n    min: 90000\n    max: 5000\n"
			},
			wantMsg: "min 90000 must be below max",
		},
		{
			name: "resolution low below high",
			mutate: func(s string) string {
				return s + "  resolution:\n    low: 4\n    high: 30\n"
			},
			wantMsg: "must exceed high bound",
		},
		{
			name: "phase shift min not below max",
			mutate: func(s string) string {
				return s + "  phase_shift:\n    search: true\n    min: 120\n    max: 90\n    step: 5\n"
			},
			wantMsg: "min 120 must be below max 90",
		},
		{
			name: "phase shift step beyond range",
			mutate: func(s string) string {
				return s + "  phase_shift:\n    search: true\n    min: 0\n    max: 10\n    step: 40\n"
			},
			wantMsg: "step 40 must be in (0, max-min]",
		},
		{
			name: "zero pixel size",
			mutate: func(s string) string {
				return strings.Replace(s, "pixel_size: 1.06", "pixel_size: 0", 1)
			},
			wantMsg: "pixel size must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeTempManifest(t, "run.yaml", tt.mutate(validManifestYAML()))

			_, err := Load(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}

	t.Run("disabled phase shift ignores bounds", func(t *testing.T) {
		content := validManifestYAML() + "  phase_shift:\n    search: false\n    min: 170\n    max: 10\n"
		path := writeTempManifest(t, "run.yaml", content)

		_, err := Load(path)
		require.NoError(t, err)
	})
}

func TestLoadFromReader(t *testing.T) {
	m, err := LoadFromReader(strings.NewReader(validManifestYAML()), "run.yaml")
	require.NoError(t, err)
	assert.Equal(t, "1.0", m.Version)
}

func TestLoadFromBytesUnknownExtension(t *testing.T) {
	// YAML content with no useful extension: YAML is attempted first.
	m, err := LoadFromBytes([]byte(validManifestYAML()), "manifest")
	require.NoError(t, err)
	assert.Equal(t, "dir", m.Source.Backend)

	// JSON content also parses (JSON is a YAML subset).
	m, err = LoadFromBytes([]byte(validManifestJSON()), "manifest")
	require.NoError(t, err)
	assert.Equal(t, "ctffind", m.Estimator.Binary)
}

func TestValidateStruct(t *testing.T) {
	path := writeTempManifest(t, "run.yaml", validManifestYAML())
	m, err := Load(path)
	require.NoError(t, err)

	// A loaded manifest round-trips through struct validation.
	require.NoError(t, Validate(m))
}

func writeTempManifest(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}
