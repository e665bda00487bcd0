// Package ctf defines the core data model for CTF estimation results:
// input items, per-item results, assembled tilt series, and the sanity
// rules applied before a result may enter the output collection.
//
// The types here are deliberately plain. Parsing lives in pkg/report,
// subprocess execution in pkg/estimator, and aggregation in pkg/results;
// this package only knows what a result is and when it is trustworthy.
package ctf

import (
	"errors"
	"fmt"
)

// InputItem identifies one micrograph or one tilt-series frame.
//
// Items are immutable once created. For single micrographs TiltSeriesID
// is empty and AcquisitionOrder is meaningless; for tilt frames both are
// set by the tilt-series resolver at discovery time.
type InputItem struct {
	// ID is the unique, stable identifier for this item. For file-based
	// sources this is the source-relative key.
	ID string `json:"id"`

	// Path is the local path of the image handed to the estimator.
	Path string `json:"path"`

	// TiltSeriesID is the parent series identifier, empty for single
	// micrographs.
	TiltSeriesID string `json:"tilt_series_id,omitempty"`

	// AcquisitionOrder is the 0-based position of this frame within its
	// tilt series. Only meaningful when TiltSeriesID is set.
	AcquisitionOrder int `json:"acquisition_order,omitempty"`
}

// IsTiltFrame reports whether the item belongs to a tilt series.
func (i InputItem) IsTiltFrame() bool {
	return i.TiltSeriesID != ""
}

// Quality classifies how much a result can be trusted downstream.
type Quality string

const (
	// QualityClean marks results whose every field came straight from the
	// estimator report.
	QualityClean Quality = "clean"

	// QualityDegraded marks results that were kept after sanitizing: at
	// least one field was replaced with a sentinel or an auxiliary file
	// reference was dropped.
	QualityDegraded Quality = "degraded"
)

// Sentinel values substituted for numerically pathological fields.
//
// The estimator emits NaN when a fit fails to converge; NaN must never
// reach the output collection, so sanitizing replaces it with these
// documented markers. Downstream consumers can recognize them via the
// result's DegradedFields list.
const (
	// SentinelValue replaces NaN in defocus, azimuth, fit-score and
	// resolution-limit fields.
	SentinelValue = -999.0

	// SentinelPhaseShift replaces NaN in the additional phase shift;
	// zero means "no additional phase plate shift", the physically
	// neutral value.
	SentinelPhaseShift = 0.0
)

// Result is the parsed, validated outcome of one estimation job.
//
// Length units are Angstrom throughout. AstigmatismAzimuth is degrees in
// the canonical [0,180) range; PhaseShift is radians.
type Result struct {
	// ItemID links the result back to its InputItem.
	ItemID string `json:"item_id"`

	// TiltSeriesID and AcquisitionOrder mirror the input item so series
	// assembly does not need a side lookup.
	TiltSeriesID     string `json:"tilt_series_id,omitempty"`
	AcquisitionOrder int    `json:"acquisition_order,omitempty"`

	// DefocusU and DefocusV are the defocus along the major and minor
	// astigmatism axes.
	DefocusU float64 `json:"defocus_u"`
	DefocusV float64 `json:"defocus_v"`

	// AstigmatismAzimuth is the angle of the major axis.
	AstigmatismAzimuth float64 `json:"astigmatism_azimuth"`

	// PhaseShift is the additional phase shift from a phase plate.
	PhaseShift float64 `json:"phase_shift"`

	// FitScore is the estimator's cross-correlation between the fitted
	// and observed spectra.
	FitScore float64 `json:"fit_score"`

	// ResolutionLimit is the highest resolution up to which the fit is
	// considered reliable.
	ResolutionLimit float64 `json:"resolution_limit"`

	// IceThickness is reported only by estimator versions that measure
	// it; nil when the report carried no such column.
	IceThickness *float64 `json:"ice_thickness,omitempty"`

	// PSDPath references the power-spectrum diagnostic image written by
	// the estimator. Cleared (and the result degraded) when the file is
	// missing.
	PSDPath string `json:"psd_path,omitempty"`

	// Quality distinguishes clean results from sanitized-but-kept ones.
	Quality Quality `json:"quality"`

	// DegradedFields names the fields touched by sanitizing, in rule
	// order. Empty for clean results.
	DegradedFields []string `json:"degraded_fields,omitempty"`
}

// TiltSeries is the ordered per-frame CTF for one tilt series.
//
// Frames is indexed by acquisition order: Frames[k] is the result for
// acquisition order k, or nil when the series was force-closed before
// that frame arrived. Gaps lists the missing orders explicitly so a
// closed series never silently omits frames.
type TiltSeries struct {
	SeriesID   string    `json:"series_id"`
	FrameCount int       `json:"frame_count"`
	Frames     []*Result `json:"frames"`
	Gaps       []int     `json:"gaps,omitempty"`

	// Complete is true when every expected frame is present. Force-closed
	// series have Complete=false and a non-empty Gaps list.
	Complete bool `json:"complete"`
}

// InvalidResultError reports a physically implausible value that failed
// hard validation. Items with invalid results are excluded from the
// output collection.
type InvalidResultError struct {
	// ItemID identifies the rejected item.
	ItemID string

	// Field names the offending result field.
	Field string

	// Value is the rejected value.
	Value float64

	// Reason is a short human-readable explanation.
	Reason string
}

func (e *InvalidResultError) Error() string {
	return fmt.Sprintf("invalid result for %s: %s=%g: %s", e.ItemID, e.Field, e.Value, e.Reason)
}

// IsInvalidResult returns true if the error is a hard validation failure.
func IsInvalidResult(err error) bool {
	var ire *InvalidResultError
	return errors.As(err, &ire)
}
