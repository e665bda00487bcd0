// Package report parses the text reports written by CTF estimator
// binaries into typed rows.
//
// The grammar is deliberately liberal: '#' comment lines and blank lines
// are skipped, data rows are whitespace-separated columns, and both the
// leading row-index column and the trailing ice-thickness column are
// optional. NaN values parse successfully and pass through untouched;
// deciding what to do with them is the sanitizer's job, not the
// parser's.
package report

import (
	"bufio"
	"bytes"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/cryokit/ctfstream/pkg/ctf"
)

// Row is one data row of an estimator report.
//
// Length units are Angstrom, the azimuth is degrees, the phase shift is
// radians. These are the units the estimator writes; unit conversion on
// the way in (manifest degrees to protocol radians) happens before the
// estimator runs, never here.
type Row struct {
	// Index is the 1-based row index when the report carries a leading
	// index column, -1 otherwise. Estimators write it as a float
	// ("1.000000"); it is truncated to the integer frame number.
	Index int

	DefocusU           float64
	DefocusV           float64
	AstigmatismAzimuth float64
	PhaseShift         float64
	FitScore           float64
	ResolutionLimit    float64

	// IceThickness is nil unless the report carried the optional
	// trailing ice-thickness column.
	IceThickness *float64
}

// Result converts the row into a result record for the given item.
// Quality is left unset; the sanitizer owns that classification.
func (r Row) Result(item ctf.InputItem) *ctf.Result {
	return &ctf.Result{
		ItemID:             item.ID,
		TiltSeriesID:       item.TiltSeriesID,
		AcquisitionOrder:   item.AcquisitionOrder,
		DefocusU:           r.DefocusU,
		DefocusV:           r.DefocusV,
		AstigmatismAzimuth: r.AstigmatismAzimuth,
		PhaseShift:         r.PhaseShift,
		FitScore:           r.FitScore,
		ResolutionLimit:    r.ResolutionLimit,
		IceThickness:       r.IceThickness,
	}
}

// columns in writing order. The leading index and trailing ice columns
// are handled separately.
var columns = []string{
	"defocus_u",
	"defocus_v",
	"astigmatism_azimuth",
	"phase_shift",
	"fit_score",
	"resolution_limit",
}

// Parse reads the report at path and returns the result row for the
// given item. A single-row report yields that row regardless of its
// leading index: per-frame estimator invocations always write index
// 1.000000. Multi-row stack reports select the row whose leading index
// equals item.AcquisitionOrder+1.
func Parse(path string, item ctf.InputItem) (*ctf.Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ParseError{Path: path, Reason: "read report", Err: err}
	}
	rows, err := parseRows(path, data)
	if err != nil {
		return nil, err
	}
	return selectRow(path, rows, item)
}

// ParseBytes is Parse over in-memory report content.
func ParseBytes(data []byte, item ctf.InputItem) (*ctf.Result, error) {
	rows, err := parseRows("", data)
	if err != nil {
		return nil, err
	}
	return selectRow("", rows, item)
}

// ParseAll returns every data row of the report at path, in file order.
func ParseAll(path string) ([]Row, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ParseError{Path: path, Reason: "read report", Err: err}
	}
	return parseRows(path, data)
}

// ParseAllBytes is ParseAll over in-memory report content. The path is
// used only for error context.
func ParseAllBytes(path string, data []byte) ([]Row, error) {
	return parseRows(path, data)
}

func selectRow(path string, rows []Row, item ctf.InputItem) (*ctf.Result, error) {
	// A one-row report is the result for this item, whatever frame the
	// item is: each per-frame subprocess sees a single image and writes
	// its row with leading index 1.000000. Index matching applies only
	// to genuine multi-row stack reports.
	if len(rows) == 1 {
		return rows[0].Result(item), nil
	}

	// Indexed stack reports: match the 1-based frame number. Unindexed
	// multi-row reports take the first row.
	if rows[0].Index >= 0 {
		want := item.AcquisitionOrder + 1
		for _, row := range rows {
			if row.Index == want {
				return row.Result(item), nil
			}
		}
		if item.IsTiltFrame() {
			return nil, &ParseError{
				Path:   path,
				Reason: fmt.Sprintf("no row for frame index %d (%d rows)", want, len(rows)),
			}
		}
	}
	return rows[0].Result(item), nil
}

// parseRows parses report content. An empty report (comments only) is a
// parse error: the estimator exiting zero without writing data rows
// means the run silently failed.
func parseRows(path string, data []byte) ([]Row, error) {
	var rows []Row

	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		row, err := parseRow(path, lineNo, line)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	if err := sc.Err(); err != nil {
		return nil, &ParseError{Path: path, Line: lineNo, Reason: "scan report", Err: err}
	}
	if len(rows) == 0 {
		return nil, &ParseError{Path: path, Reason: "no data rows"}
	}
	return rows, nil
}

func parseRow(path string, lineNo int, line string) (Row, error) {
	fields := strings.Fields(line)

	// Column layouts, by count:
	//   6: the six measurement columns, bare
	//   7: leading 1-based index + six measurements
	//   8: index + six measurements + trailing ice thickness
	// Seven columns is ambiguous on paper (index+6 vs 6+ice); it always
	// resolves as index+6 because the estimator only writes the ice
	// column on indexed reports, never on bare ones.
	row := Row{Index: -1}
	var vals []string
	switch len(fields) {
	case 6:
		vals = fields
	case 7, 8:
		idx, err := strconv.ParseFloat(fields[0], 64)
		if err != nil || math.IsNaN(idx) || math.IsInf(idx, 0) {
			return Row{}, &ParseError{
				Path: path, Line: lineNo,
				Reason: fmt.Sprintf("row index: invalid number %q", fields[0]),
				Err:    err,
			}
		}
		row.Index = int(idx)
		vals = fields[1:7]
	default:
		return Row{}, &ParseError{
			Path: path, Line: lineNo,
			Reason: fmt.Sprintf("expected 6-8 columns, found %d", len(fields)),
		}
	}

	dst := []*float64{
		&row.DefocusU,
		&row.DefocusV,
		&row.AstigmatismAzimuth,
		&row.PhaseShift,
		&row.FitScore,
		&row.ResolutionLimit,
	}
	for i, s := range vals {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return Row{}, &ParseError{
				Path: path, Line: lineNo,
				Reason: fmt.Sprintf("%s: invalid number %q", columns[i], s),
				Err:    err,
			}
		}
		*dst[i] = v
	}

	if len(fields) == 8 {
		v, err := strconv.ParseFloat(fields[7], 64)
		if err != nil {
			return Row{}, &ParseError{
				Path: path, Line: lineNo,
				Reason: fmt.Sprintf("ice_thickness: invalid number %q", fields[7]),
				Err:    err,
			}
		}
		row.IceThickness = &v
	}
	return row, nil
}
