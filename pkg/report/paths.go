package report

import (
	"path/filepath"
	"strings"
)

// The estimator takes the diagnostic PSD image path as its output
// argument and derives its other outputs from it by extension swap.
// These helpers mirror that derivation so the dispatcher can predict
// where the report will land before the process runs.

// TextPath returns the text report path for a diagnostic output path:
// the same path with the extension replaced by .txt.
func TextPath(diagnosticPath string) string {
	return trimExt(diagnosticPath) + ".txt"
}

// AvgRotPath returns the radial-average profile path for a diagnostic
// output path: the text report path with an _avrot suffix before the
// extension.
func AvgRotPath(diagnosticPath string) string {
	return trimExt(diagnosticPath) + "_avrot.txt"
}

func trimExt(path string) string {
	return strings.TrimSuffix(path, filepath.Ext(path))
}
