package results

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryokit/ctfstream/pkg/ctf"
)

func TestReadStream_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-77", "dir")
	ctx := context.Background()

	require.NoError(t, w.WriteRunOpen(ctx, &RunOpenRecord{Estimator: "/usr/local/bin/ctffind", Workers: 4}))
	require.NoError(t, w.WriteResult(ctx, &ctf.Result{
		ItemID:   "FoilHole_001.mrc",
		DefocusU: 18234.5,
		DefocusV: 17991.2,
		Quality:  ctf.QualityClean,
	}))
	require.NoError(t, w.WriteResult(ctx, &ctf.Result{
		ItemID:  "FoilHole_002.mrc",
		Quality: ctf.QualityDegraded,
	}))
	require.NoError(t, w.WriteSeries(ctx, &ctf.TiltSeries{
		SeriesID:   "TS_01",
		FrameCount: 41,
		Complete:   true,
	}))
	require.NoError(t, w.WriteError(ctx, &ErrorRecord{
		Code:   ErrCodeTimeout,
		ItemID: "FoilHole_003.mrc",
	}))
	require.NoError(t, w.WriteSummary(ctx, &SummaryRecord{
		ItemsDiscovered: 3,
		ItemsCompleted:  2,
		ItemsFailed:     1,
	}))
	require.NoError(t, w.WriteRunClose(ctx, &RunCloseRecord{
		Reason:   ReasonExhausted,
		Duration: 3 * time.Second,
	}))

	collection := NewCollection()
	stats, err := ReadStream(&buf, collection)
	require.NoError(t, err)

	assert.Equal(t, "run-77", stats.RunID)
	assert.Equal(t, 7, stats.Lines)
	assert.Equal(t, 1, stats.Errors)
	assert.True(t, stats.Closed)
	require.NotNil(t, stats.Summary)
	assert.Equal(t, int64(2), stats.Summary.ItemsCompleted)

	snap := collection.Snapshot()
	require.Len(t, snap.Results, 2)
	require.Len(t, snap.Series, 1)
	assert.Equal(t, "FoilHole_001.mrc", snap.Results[0].ItemID)
	assert.Equal(t, "TS_01", snap.Series[0].SeriesID)
}

func TestReadStream_SkipsBlankLinesAndUnknownTypes(t *testing.T) {
	input := strings.Join([]string{
		`{"type":"ctfstream.result.v1","ts":"2026-08-26T10:00:00Z","run_id":"r1","source":"dir","data":{"item_id":"a.mrc"}}`,
		``,
		`{"type":"ctfstream.future.v9","ts":"2026-08-26T10:00:01Z","run_id":"r1","source":"dir","data":{}}`,
	}, "\n")

	collection := NewCollection()
	stats, err := ReadStream(strings.NewReader(input), collection)
	require.NoError(t, err)

	assert.Equal(t, 2, stats.Lines)
	assert.Equal(t, 1, collection.Len())
}

func TestReadStream_DuplicateResultFails(t *testing.T) {
	line := `{"type":"ctfstream.result.v1","ts":"2026-08-26T10:00:00Z","run_id":"r1","source":"dir","data":{"item_id":"a.mrc"}}`
	input := line + "\n" + line + "\n"

	collection := NewCollection()
	_, err := ReadStream(strings.NewReader(input), collection)
	require.Error(t, err)
	assert.True(t, IsDuplicateResult(err))
}

func TestReadStream_MalformedLine(t *testing.T) {
	collection := NewCollection()
	_, err := ReadStream(strings.NewReader("not json\n"), collection)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 1")
}
