package estimator

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// PhaseShiftSearch configures the additional-phase-shift search. All
// angles are radians: conversion from the degrees a manifest carries
// happens at the manifest boundary, before this struct is built.
type PhaseShiftSearch struct {
	Search bool
	Min    float64
	Max    float64
	Step   float64
}

// Config carries everything one estimator subprocess needs besides the
// input image: microscope parameters, search ranges, and execution
// limits. Length units are Angstrom, voltage is kV, spherical
// aberration is mm.
type Config struct {
	// BinaryPath locates the estimator executable. Bare names are
	// resolved via PATH at dispatcher construction.
	BinaryPath string

	PixelSize           float64
	Voltage             float64
	SphericalAberration float64
	AmplitudeContrast   float64

	// WindowSize is the box size (pixels) of the amplitude spectrum.
	WindowSize int

	// ResolutionLow and ResolutionHigh bound the fitted frequency range;
	// low is the coarser (larger Angstrom) end.
	ResolutionLow  float64
	ResolutionHigh float64

	DefocusMin  float64
	DefocusMax  float64
	DefocusStep float64

	// AstigmatismRestrained penalizes astigmatism beyond Tolerance.
	AstigmatismRestrained bool
	AstigmatismTolerance  float64

	PhaseShift PhaseShiftSearch

	// SlowSearch enables the exhaustive 2D search.
	SlowSearch bool

	// WorkDir is the root under which per-item work directories are
	// created.
	WorkDir string

	// Timeout is the per-attempt wall-clock budget; zero disables it.
	Timeout time.Duration

	// MaxRetries is how many additional attempts a retryable failure
	// earns; zero means one attempt total.
	MaxRetries int
}

// validate checks the fields the dispatcher cannot run without. Range
// checks on the physics parameters belong to manifest validation; here
// only structural misuse is caught.
func (c *Config) validate() error {
	if c.BinaryPath == "" {
		return fmt.Errorf("estimator binary path is required")
	}
	if c.PixelSize <= 0 {
		return fmt.Errorf("pixel size must be positive, got %g", c.PixelSize)
	}
	if c.WorkDir == "" {
		return fmt.Errorf("work directory is required")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries must be non-negative, got %d", c.MaxRetries)
	}
	return nil
}

// resolveBinary turns BinaryPath into an absolute path, consulting PATH
// for bare names. A binary that cannot be resolved is fatal for the
// whole run, not per-item.
func resolveBinary(path string) (string, error) {
	if strings.ContainsRune(path, os.PathSeparator) {
		abs, err := filepath.Abs(path)
		if err != nil {
			return "", fmt.Errorf("resolve estimator binary: %w", err)
		}
		if _, err := os.Stat(abs); err != nil {
			return "", fmt.Errorf("estimator binary not found: %s: %w", abs, err)
		}
		return abs, nil
	}
	abs, err := exec.LookPath(path)
	if err != nil {
		return "", fmt.Errorf("estimator binary not found in PATH: %s: %w", path, err)
	}
	return abs, nil
}
