// Package manifest provides loading and validation of ctfstream run manifests.
//
// A run manifest is a YAML or JSON file that configures all aspects of an
// estimation run: input source, item matching, acquisition parameters,
// estimator invocation, tilt-series shape, and output.
//
// Manifests are validated against a JSON Schema to ensure correctness before
// execution. The schema enforces strict typing and disallows unknown
// properties. Numeric cross-field rules the schema cannot express (defocus
// range ordering, phase-shift search bounds) are checked after parsing.
//
// Example manifest (YAML):
//
//	version: "1.0"
//	source:
//	  backend: dir
//	  dir:
//	    path: /data/session_042/frames
//	match:
//	  includes:
//	    - "**/*.mrc"
//	acquisition:
//	  pixel_size: 1.06
//	  voltage: 300
//	  spherical_aberration: 2.7
//	  amplitude_contrast: 0.07
//	estimator:
//	  binary: ctffind
//	output:
//	  destination: stdout
package manifest

// Manifest represents a validated run manifest.
//
// Required fields are Version, Source, Match, Acquisition, and Estimator.
// TiltSeries, Run, and Output are optional with sensible defaults.
type Manifest struct {
	// Schema is an optional JSON Schema reference for editor support.
	Schema string `json:"$schema,omitempty" yaml:"$schema,omitempty"`

	// Version is the manifest schema version. Must be "1.0".
	Version string `json:"version" yaml:"version"`

	// Source configures where new micrographs arrive.
	Source SourceConfig `json:"source" yaml:"source"`

	// Match configures item filtering by glob patterns.
	Match MatchConfig `json:"match" yaml:"match"`

	// Acquisition carries the microscope parameters for every item.
	Acquisition AcquisitionConfig `json:"acquisition" yaml:"acquisition"`

	// Estimator configures the external estimator invocation.
	Estimator EstimatorConfig `json:"estimator" yaml:"estimator"`

	// TiltSeries declares tilt-series membership and shape (optional).
	// Without it every item is treated as a single micrograph.
	TiltSeries *TiltSeriesConfig `json:"tilt_series,omitempty" yaml:"tilt_series,omitempty"`

	// Run configures streaming behavior (optional).
	Run RunConfig `json:"run,omitempty" yaml:"run,omitempty"`

	// Output configures output destination and format (optional).
	Output OutputConfig `json:"output,omitempty" yaml:"output,omitempty"`
}

// SourceConfig selects and configures the input backend.
type SourceConfig struct {
	// Backend is the input backend type: "dir" or "s3".
	Backend string `json:"backend" yaml:"backend"`

	// Dir configures the local watch-directory backend.
	// Required when Backend is "dir".
	Dir *DirSourceConfig `json:"dir,omitempty" yaml:"dir,omitempty"`

	// S3 configures the bucket backend. Required when Backend is "s3".
	S3 *S3SourceConfig `json:"s3,omitempty" yaml:"s3,omitempty"`
}

// DirSourceConfig configures the local watch-directory backend.
type DirSourceConfig struct {
	// Path is the watched directory.
	Path string `json:"path" yaml:"path"`

	// Settle is how long a file's size and mtime must stay unchanged
	// before it is admitted, as a Go duration string ("5s").
	// Default: "5s". "0s" admits files on first sight.
	Settle string `json:"settle,omitempty" yaml:"settle,omitempty"`
}

// S3SourceConfig configures the bucket backend.
type S3SourceConfig struct {
	// Bucket is the bucket new micrographs are uploaded into.
	Bucket string `json:"bucket" yaml:"bucket"`

	// Prefix is the key prefix the session lives under. Optional.
	Prefix string `json:"prefix,omitempty" yaml:"prefix,omitempty"`

	// Region is the AWS region (e.g., "us-east-1"). Optional; resolved
	// via the SDK chain and instance metadata when empty.
	Region string `json:"region,omitempty" yaml:"region,omitempty"`

	// Endpoint is a custom endpoint URL for S3-compatible facility
	// storage. Optional.
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`

	// Profile is the AWS credential profile name. Optional.
	Profile string `json:"profile,omitempty" yaml:"profile,omitempty"`

	// StagingDir is the local directory objects are downloaded into
	// before estimation. Default: a "staging" directory under the
	// estimator work_dir.
	StagingDir string `json:"staging_dir,omitempty" yaml:"staging_dir,omitempty"`
}

// MatchConfig configures item filtering by glob patterns and metadata
// filters.
type MatchConfig struct {
	// Includes is a list of glob patterns for items to include.
	// At least one pattern is required.
	Includes []string `json:"includes" yaml:"includes"`

	// Excludes is a list of glob patterns for items to exclude. Optional.
	Excludes []string `json:"excludes,omitempty" yaml:"excludes,omitempty"`

	// IncludeHidden includes hidden files (starting with .). Default: false.
	IncludeHidden bool `json:"include_hidden,omitempty" yaml:"include_hidden,omitempty"`

	// Filters specifies additional metadata-based filters. Optional.
	// Filters are applied after glob pattern matching with AND semantics.
	Filters *FilterConfig `json:"filters,omitempty" yaml:"filters,omitempty"`
}

// FilterConfig specifies metadata-based item filters.
// All filters are optional and compose with AND semantics.
type FilterConfig struct {
	// Size specifies min/max size constraints.
	// Supports human-readable values: "1KB", "100MiB", "1GB".
	Size *SizeFilterConfig `json:"size,omitempty" yaml:"size,omitempty"`

	// Modified specifies last-modified date range constraints.
	// Dates are in ISO 8601 format: "2024-01-15" or "2024-01-15T10:30:00Z".
	Modified *DateFilterConfig `json:"modified,omitempty" yaml:"modified,omitempty"`
}

// SizeFilterConfig specifies size constraints.
type SizeFilterConfig struct {
	// Min is the minimum size (inclusive).
	// Supports: raw bytes "1024", base-10 "1KB", base-2 "1KiB".
	Min string `json:"min,omitempty" yaml:"min,omitempty"`

	// Max is the maximum size (inclusive).
	Max string `json:"max,omitempty" yaml:"max,omitempty"`
}

// DateFilterConfig specifies date range constraints.
type DateFilterConfig struct {
	// After filters to items modified at or after this time (inclusive).
	After string `json:"after,omitempty" yaml:"after,omitempty"`

	// Before filters to items modified before this time (exclusive end).
	Before string `json:"before,omitempty" yaml:"before,omitempty"`
}

// AcquisitionConfig carries the microscope parameters the estimator needs
// for every item. All four fields are required.
type AcquisitionConfig struct {
	// PixelSize is the calibrated pixel size in Angstrom per pixel.
	PixelSize float64 `json:"pixel_size" yaml:"pixel_size"`

	// Voltage is the acceleration voltage in kV.
	Voltage float64 `json:"voltage" yaml:"voltage"`

	// SphericalAberration is the objective Cs in mm.
	SphericalAberration float64 `json:"spherical_aberration" yaml:"spherical_aberration"`

	// AmplitudeContrast is the amplitude contrast fraction (0-1).
	AmplitudeContrast float64 `json:"amplitude_contrast" yaml:"amplitude_contrast"`
}

// EstimatorConfig configures the external estimator invocation.
type EstimatorConfig struct {
	// Binary is the estimator executable: an absolute path or a bare
	// name resolved via PATH.
	Binary string `json:"binary" yaml:"binary"`

	// WindowSize is the box size (pixels) of the amplitude spectrum.
	// Default: 512.
	WindowSize int `json:"window_size,omitempty" yaml:"window_size,omitempty"`

	// Resolution bounds the fitted frequency range. Optional.
	Resolution *ResolutionConfig `json:"resolution,omitempty" yaml:"resolution,omitempty"`

	// Defocus configures the defocus search range. Optional.
	Defocus *DefocusConfig `json:"defocus,omitempty" yaml:"defocus,omitempty"`

	// Astigmatism configures the astigmatism restraint. Optional.
	Astigmatism *AstigmatismConfig `json:"astigmatism,omitempty" yaml:"astigmatism,omitempty"`

	// PhaseShift configures the additional-phase-shift search. Optional.
	// Angles here are degrees; conversion to the radians the estimator
	// protocol expects happens when the run is built.
	PhaseShift *PhaseShiftConfig `json:"phase_shift,omitempty" yaml:"phase_shift,omitempty"`

	// SlowSearch enables the exhaustive 2D search. Default: false.
	SlowSearch bool `json:"slow_search,omitempty" yaml:"slow_search,omitempty"`

	// Timeout is the per-item wall-clock budget as a Go duration string
	// ("10m"). Default: "10m". "0s" disables the timeout.
	Timeout string `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// MaxRetries is how many additional attempts a failed estimation
	// earns. Default: 1.
	MaxRetries *int `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`

	// WorkDir is the root under which per-item work directories are
	// created. Default: a "ctfstream" directory under the system temp
	// directory.
	WorkDir string `json:"work_dir,omitempty" yaml:"work_dir,omitempty"`
}

// ResolutionConfig bounds the fitted frequency range in Angstrom.
// Low is the coarser (larger) end.
type ResolutionConfig struct {
	Low  float64 `json:"low,omitempty" yaml:"low,omitempty"`
	High float64 `json:"high,omitempty" yaml:"high,omitempty"`
}

// DefocusConfig configures the defocus search range in Angstrom.
type DefocusConfig struct {
	Min  float64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max  float64 `json:"max,omitempty" yaml:"max,omitempty"`
	Step float64 `json:"step,omitempty" yaml:"step,omitempty"`
}

// AstigmatismConfig configures the astigmatism restraint.
type AstigmatismConfig struct {
	// Restrained penalizes astigmatism beyond Tolerance.
	Restrained bool `json:"restrained,omitempty" yaml:"restrained,omitempty"`

	// Tolerance is the expected astigmatism in Angstrom. Default: 500.
	Tolerance float64 `json:"tolerance,omitempty" yaml:"tolerance,omitempty"`
}

// PhaseShiftConfig configures the additional-phase-shift search.
// All angles are degrees.
type PhaseShiftConfig struct {
	// Search enables the phase-shift search (phase-plate data).
	Search bool `json:"search,omitempty" yaml:"search,omitempty"`

	// Min and Max bound the searched shift. Defaults: 0 and 180.
	Min float64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max float64 `json:"max,omitempty" yaml:"max,omitempty"`

	// Step is the search step. Default: 10.
	Step float64 `json:"step,omitempty" yaml:"step,omitempty"`
}

// TiltSeriesConfig declares tilt-series membership and shape.
type TiltSeriesConfig struct {
	// Pattern is a regular expression with named capture groups "series"
	// and "order" that derives series membership from item names.
	// Example: "(?P<series>TS_\\d+)_(?P<order>\\d+)\\.mrc$"
	Pattern string `json:"pattern" yaml:"pattern"`

	// FrameCount is the uniform declared frame count per series. Zero
	// means every series must appear in Frames.
	FrameCount int `json:"frame_count,omitempty" yaml:"frame_count,omitempty"`

	// Frames maps series identifiers to individual frame counts,
	// overriding FrameCount where present.
	Frames map[string]int `json:"frames,omitempty" yaml:"frames,omitempty"`
}

// RunConfig configures streaming behavior.
//
// All fields are optional with sensible defaults applied during loading.
type RunConfig struct {
	// Workers is the estimation worker-pool size (subprocesses that may
	// run at once). Range: 1-64. Default: 4.
	Workers int `json:"workers,omitempty" yaml:"workers,omitempty"`

	// QueueSize is the admission queue capacity. Default: 64.
	QueueSize int `json:"queue_size,omitempty" yaml:"queue_size,omitempty"`

	// RateLimit is the maximum source polls per second. Default: 1.
	RateLimit float64 `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`

	// ProgressEvery controls progress record frequency.
	// A progress record is emitted every N terminal items. Default: 50.
	ProgressEvery int `json:"progress_every,omitempty" yaml:"progress_every,omitempty"`

	// MaxIdlePolls ends the run after N consecutive polls that
	// discovered nothing. Default: 0 (run until stopped).
	MaxIdlePolls int `json:"max_idle_polls,omitempty" yaml:"max_idle_polls,omitempty"`
}

// OutputConfig configures output destination and format.
//
// All fields are optional with sensible defaults applied during loading.
type OutputConfig struct {
	// Destination is the output target.
	// Values: "stdout" or "file:/path/to/results.jsonl"
	// Default: "stdout".
	Destination string `json:"destination,omitempty" yaml:"destination,omitempty"`

	// Progress enables progress record emission during the run.
	// Default: true.
	Progress *bool `json:"progress,omitempty" yaml:"progress,omitempty"`
}

// Default values for optional configuration fields. Estimator defaults
// follow the original CTFFIND protocol defaults.
const (
	// DefaultVersion is the current manifest schema version.
	DefaultVersion = "1.0"

	// DefaultSettle is the default watch-directory settle window.
	DefaultSettle = "5s"

	// DefaultWindowSize is the default amplitude-spectrum box size.
	DefaultWindowSize = 512

	// DefaultResolutionLow and DefaultResolutionHigh bound the default
	// fitted range (Angstrom).
	DefaultResolutionLow  = 30.0
	DefaultResolutionHigh = 5.0

	// Default defocus search range (Angstrom).
	DefaultDefocusMin  = 5000.0
	DefaultDefocusMax  = 50000.0
	DefaultDefocusStep = 100.0

	// DefaultAstigmatismTolerance is the default expected astigmatism.
	DefaultAstigmatismTolerance = 500.0

	// Default phase-shift search bounds (degrees).
	DefaultPhaseShiftMin  = 0.0
	DefaultPhaseShiftMax  = 180.0
	DefaultPhaseShiftStep = 10.0

	// DefaultTimeout is the default per-item wall-clock budget.
	DefaultTimeout = "10m"

	// DefaultMaxRetries is the default retry bound.
	DefaultMaxRetries = 1

	// DefaultWorkers is the default worker-pool size.
	DefaultWorkers = 4

	// DefaultQueueSize is the default admission queue capacity.
	DefaultQueueSize = 64

	// DefaultRateLimit is the default source polls per second.
	DefaultRateLimit = 1.0

	// DefaultProgressEvery is the default progress emission frequency.
	DefaultProgressEvery = 50

	// DefaultDestination is the default output destination.
	DefaultDestination = "stdout"

	// DefaultProgress is the default value for progress emission.
	DefaultProgress = true
)

// ApplyDefaults fills in default values for optional fields.
//
// This should be called after loading and validating the manifest so
// callers never have to reason about zero values.
func (m *Manifest) ApplyDefaults() {
	// Source defaults
	if m.Source.Dir != nil && m.Source.Dir.Settle == "" {
		m.Source.Dir.Settle = DefaultSettle
	}

	// Estimator defaults
	if m.Estimator.WindowSize == 0 {
		m.Estimator.WindowSize = DefaultWindowSize
	}
	if m.Estimator.Resolution == nil {
		m.Estimator.Resolution = &ResolutionConfig{}
	}
	if m.Estimator.Resolution.Low == 0 {
		m.Estimator.Resolution.Low = DefaultResolutionLow
	}
	if m.Estimator.Resolution.High == 0 {
		m.Estimator.Resolution.High = DefaultResolutionHigh
	}
	if m.Estimator.Defocus == nil {
		m.Estimator.Defocus = &DefocusConfig{}
	}
	if m.Estimator.Defocus.Min == 0 {
		m.Estimator.Defocus.Min = DefaultDefocusMin
	}
	if m.Estimator.Defocus.Max == 0 {
		m.Estimator.Defocus.Max = DefaultDefocusMax
	}
	if m.Estimator.Defocus.Step == 0 {
		m.Estimator.Defocus.Step = DefaultDefocusStep
	}
	if m.Estimator.Astigmatism == nil {
		m.Estimator.Astigmatism = &AstigmatismConfig{}
	}
	if m.Estimator.Astigmatism.Tolerance == 0 {
		m.Estimator.Astigmatism.Tolerance = DefaultAstigmatismTolerance
	}
	if m.Estimator.PhaseShift == nil {
		m.Estimator.PhaseShift = &PhaseShiftConfig{}
	}
	if m.Estimator.PhaseShift.Search {
		if m.Estimator.PhaseShift.Max == 0 {
			m.Estimator.PhaseShift.Max = DefaultPhaseShiftMax
		}
		if m.Estimator.PhaseShift.Step == 0 {
			m.Estimator.PhaseShift.Step = DefaultPhaseShiftStep
		}
	}
	if m.Estimator.Timeout == "" {
		m.Estimator.Timeout = DefaultTimeout
	}
	if m.Estimator.MaxRetries == nil {
		retries := DefaultMaxRetries
		m.Estimator.MaxRetries = &retries
	}

	// Run defaults
	if m.Run.Workers == 0 {
		m.Run.Workers = DefaultWorkers
	}
	if m.Run.QueueSize == 0 {
		m.Run.QueueSize = DefaultQueueSize
	}
	if m.Run.RateLimit == 0 {
		m.Run.RateLimit = DefaultRateLimit
	}
	if m.Run.ProgressEvery == 0 {
		m.Run.ProgressEvery = DefaultProgressEvery
	}
	// MaxIdlePolls: 0 is a valid value (run until stopped), so no default.

	// Output defaults
	if m.Output.Destination == "" {
		m.Output.Destination = DefaultDestination
	}
	if m.Output.Progress == nil {
		defaultProgress := DefaultProgress
		m.Output.Progress = &defaultProgress
	}
}

// ProgressEnabled returns whether progress records should be emitted.
// Returns the configured value, or DefaultProgress if not set.
func (o *OutputConfig) ProgressEnabled() bool {
	if o.Progress == nil {
		return DefaultProgress
	}
	return *o.Progress
}

// Retries returns the configured retry bound, or the default if unset.
func (e *EstimatorConfig) Retries() int {
	if e.MaxRetries == nil {
		return DefaultMaxRetries
	}
	return *e.MaxRetries
}
