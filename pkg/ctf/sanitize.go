package ctf

import (
	"math"
	"os"
)

// Sanitize applies the domain sanity rules to a parsed result and returns
// a sanitized copy. The input is never modified.
//
// Rules, applied in order:
//  1. Every NaN numeric field is replaced with its documented sentinel,
//     the field name is recorded in DegradedFields, and the result is
//     marked degraded. The record is kept, not dropped.
//  2. A negative DefocusU or DefocusV fails hard with InvalidResultError.
//     This is a physical-plausibility check and is never auto-corrected.
//     Fields already replaced by rule 1 are exempt (the sentinel is
//     negative by construction).
//  3. A PSDPath referencing a missing file is cleared and recorded as a
//     degraded field; the result is kept.
//
// The astigmatism azimuth is additionally normalized into [0,180); the
// two defocus axes are 180-degree symmetric, so this loses no
// information and does not degrade the record.
//
// Sanitize is idempotent: sanitizing a sanitized result returns an
// identical copy.
func Sanitize(r *Result) (*Result, error) {
	out := *r
	if len(r.DegradedFields) > 0 {
		out.DegradedFields = append([]string(nil), r.DegradedFields...)
	}

	sentinelled := map[string]bool{}
	replace := func(field string, v *float64, sentinel float64) {
		if !math.IsNaN(*v) {
			return
		}
		*v = sentinel
		sentinelled[field] = true
		out.markDegraded(field)
	}

	replace("defocus_u", &out.DefocusU, SentinelValue)
	replace("defocus_v", &out.DefocusV, SentinelValue)
	replace("astigmatism_azimuth", &out.AstigmatismAzimuth, SentinelValue)
	replace("phase_shift", &out.PhaseShift, SentinelPhaseShift)
	replace("fit_score", &out.FitScore, SentinelValue)
	replace("resolution_limit", &out.ResolutionLimit, SentinelValue)
	if out.IceThickness != nil {
		ice := *out.IceThickness
		if math.IsNaN(ice) {
			ice = SentinelValue
			out.IceThickness = &ice
			sentinelled["ice_thickness"] = true
			out.markDegraded("ice_thickness")
		}
	}

	if out.DefocusU < 0 && !sentinelled["defocus_u"] && !degradedBefore(r, "defocus_u") {
		return nil, &InvalidResultError{
			ItemID: r.ItemID,
			Field:  "defocus_u",
			Value:  out.DefocusU,
			Reason: "defocus must be non-negative",
		}
	}
	if out.DefocusV < 0 && !sentinelled["defocus_v"] && !degradedBefore(r, "defocus_v") {
		return nil, &InvalidResultError{
			ItemID: r.ItemID,
			Field:  "defocus_v",
			Value:  out.DefocusV,
			Reason: "defocus must be non-negative",
		}
	}

	if !sentinelled["astigmatism_azimuth"] && !degradedBefore(r, "astigmatism_azimuth") {
		out.AstigmatismAzimuth = normalizeAzimuth(out.AstigmatismAzimuth)
	}

	if out.PSDPath != "" {
		if _, err := os.Stat(out.PSDPath); err != nil {
			out.PSDPath = ""
			out.markDegraded("psd")
		}
	}

	if len(out.DegradedFields) == 0 {
		out.Quality = QualityClean
	}
	return &out, nil
}

// markDegraded records a degraded field once and flips the quality flag.
func (r *Result) markDegraded(field string) {
	for _, f := range r.DegradedFields {
		if f == field {
			r.Quality = QualityDegraded
			return
		}
	}
	r.DegradedFields = append(r.DegradedFields, field)
	r.Quality = QualityDegraded
}

// degradedBefore reports whether a previous sanitize pass already
// sentinel-replaced the field. Keeps Sanitize idempotent: a sentinel is
// negative and must not trip the plausibility check on a second pass.
func degradedBefore(r *Result, field string) bool {
	for _, f := range r.DegradedFields {
		if f == field {
			return true
		}
	}
	return false
}

// normalizeAzimuth maps an angle in degrees onto [0,180).
func normalizeAzimuth(deg float64) float64 {
	m := math.Mod(deg, 180)
	if m < 0 {
		m += 180
	}
	return m
}
