package results

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/cryokit/ctfstream/pkg/ctf"
)

// readerBufferSize is the initial scanner buffer. Lines carrying per-frame
// series payloads can be large, so the cap is generous.
const (
	readerBufferSize  = 64 * 1024
	readerMaxLineSize = 16 * 1024 * 1024
)

// StreamStats summarizes the non-result records seen while loading a
// stream.
type StreamStats struct {
	// RunID is taken from the first record envelope.
	RunID string

	// Lines is the number of non-empty lines read.
	Lines int

	// Errors is the number of error records in the stream.
	Errors int

	// Summary is the last summary record seen, if any.
	Summary *SummaryRecord

	// Closed reports whether a run close record was seen.
	Closed bool
}

// ReadStream loads a JSONL results stream into a collection.
//
// Result and series records are appended to the collection; duplicate
// appends are rejected the same way live appends are, so re-reading a
// stream that was resumed mid-run surfaces the overlap instead of
// silently double-counting. Unknown record types are skipped, which
// keeps the reader forward-compatible with newer stream versions.
func ReadStream(r io.Reader, collection *Collection) (*StreamStats, error) {
	stats := &StreamStats{}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, readerBufferSize), readerMaxLineSize)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		stats.Lines++

		var record Record
		if err := json.Unmarshal(line, &record); err != nil {
			return stats, fmt.Errorf("line %d: decode record: %w", lineNo, err)
		}
		if stats.RunID == "" {
			stats.RunID = record.RunID
		}

		switch record.Type {
		case TypeResult:
			res := &ctf.Result{}
			if err := json.Unmarshal(record.Data, res); err != nil {
				return stats, fmt.Errorf("line %d: decode result: %w", lineNo, err)
			}
			if err := collection.AppendResult(res); err != nil {
				return stats, fmt.Errorf("line %d: %w", lineNo, err)
			}

		case TypeSeries:
			series := &ctf.TiltSeries{}
			if err := json.Unmarshal(record.Data, series); err != nil {
				return stats, fmt.Errorf("line %d: decode series: %w", lineNo, err)
			}
			if err := collection.AppendSeries(series); err != nil {
				return stats, fmt.Errorf("line %d: %w", lineNo, err)
			}

		case TypeError:
			stats.Errors++

		case TypeSummary:
			sum := &SummaryRecord{}
			if err := json.Unmarshal(record.Data, sum); err != nil {
				return stats, fmt.Errorf("line %d: decode summary: %w", lineNo, err)
			}
			stats.Summary = sum

		case TypeRunClose:
			stats.Closed = true

		case TypeRunOpen, TypeProgress:
			// informational only

		default:
			// skip unknown record types
		}
	}
	if err := scanner.Err(); err != nil {
		return stats, fmt.Errorf("read stream: %w", err)
	}

	return stats, nil
}
