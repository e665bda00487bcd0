package results

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryokit/ctfstream/pkg/ctf"
)

func newTestAggregator(buf *bytes.Buffer) *Aggregator {
	return NewAggregator(NewCollection(), NewJSONLWriter(buf, "run-123", "dir"))
}

func TestAggregator_AppendResult(t *testing.T) {
	var buf bytes.Buffer
	agg := newTestAggregator(&buf)

	err := agg.AppendResult(context.Background(), sampleResult("a.mrc"))
	require.NoError(t, err)

	assert.Equal(t, 1, agg.Collection().Len())

	var record Record
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, TypeResult, record.Type)

	var res ctf.Result
	require.NoError(t, json.Unmarshal(record.Data, &res))
	assert.Equal(t, "a.mrc", res.ItemID)
}

func TestAggregator_AppendSeries(t *testing.T) {
	var buf bytes.Buffer
	agg := newTestAggregator(&buf)

	err := agg.AppendSeries(context.Background(), sampleSeries("TS_01"))
	require.NoError(t, err)

	var record Record
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, TypeSeries, record.Type)

	var series ctf.TiltSeries
	require.NoError(t, json.Unmarshal(record.Data, &series))
	assert.Equal(t, "TS_01", series.SeriesID)
	assert.True(t, series.Complete)
}

func TestAggregator_DuplicateNotEmitted(t *testing.T) {
	var buf bytes.Buffer
	agg := newTestAggregator(&buf)
	ctx := context.Background()

	require.NoError(t, agg.AppendResult(ctx, sampleResult("a.mrc")))

	err := agg.AppendResult(ctx, sampleResult("a.mrc"))
	require.Error(t, err)
	assert.True(t, IsDuplicateResult(err))

	// The rejected append must not reach the stream.
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 1)
	assert.Equal(t, 1, agg.Collection().Len())
}

func TestAggregator_LineOrderMatchesCollection(t *testing.T) {
	var buf bytes.Buffer
	agg := newTestAggregator(&buf)

	const appenders = 8
	const perAppender = 25

	var wg sync.WaitGroup
	wg.Add(appenders)

	for i := 0; i < appenders; i++ {
		go func(id int) {
			defer wg.Done()
			for j := 0; j < perAppender; j++ {
				itemID := fmt.Sprintf("worker%d_item%03d.mrc", id, j)
				assert.NoError(t, agg.AppendResult(context.Background(), sampleResult(itemID)))
			}
		}(i)
	}
	wg.Wait()

	snap := agg.Collection().Snapshot()
	require.Len(t, snap.Results, appenders*perAppender)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, appenders*perAppender)

	// Stream order must match collection order, whatever the arrival
	// interleaving was.
	for i, line := range lines {
		var record Record
		require.NoError(t, json.Unmarshal([]byte(line), &record))

		var res ctf.Result
		require.NoError(t, json.Unmarshal(record.Data, &res))
		assert.Equal(t, snap.Results[i].ItemID, res.ItemID, "line %d", i)
	}
}

func TestAggregator_WriteFailureKeepsRecord(t *testing.T) {
	failWriter := &failingWriter{err: errors.New("disk full")}
	agg := NewAggregator(NewCollection(), NewJSONLWriter(failWriter, "run-123", "dir"))
	ctx := context.Background()

	err := agg.AppendResult(ctx, sampleResult("a.mrc"))
	require.Error(t, err)

	var writeErr *WriteError
	assert.True(t, errors.As(err, &writeErr))

	// The record was accepted before the stream failed; a retry is a
	// duplicate, not a second copy.
	assert.Equal(t, 1, agg.Collection().Len())
	err = agg.AppendResult(ctx, sampleResult("a.mrc"))
	assert.True(t, IsDuplicateResult(err))
}

func TestAggregator_Accessors(t *testing.T) {
	var buf bytes.Buffer
	collection := NewCollection()
	writer := NewJSONLWriter(&buf, "run-123", "dir")
	agg := NewAggregator(collection, writer)

	assert.Same(t, collection, agg.Collection())
	assert.Same(t, writer, agg.Writer())
}
