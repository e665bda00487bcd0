package tiltseries

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryokit/ctfstream/pkg/ctf"
)

func frameItem(series string, order int) ctf.InputItem {
	return ctf.InputItem{
		ID:               fmt.Sprintf("%s_%03d.mrc", series, order),
		Path:             fmt.Sprintf("/scratch/%s_%03d.mrc", series, order),
		TiltSeriesID:     series,
		AcquisitionOrder: order,
	}
}

func frameResult(item ctf.InputItem) *ctf.Result {
	return &ctf.Result{
		ItemID:           item.ID,
		TiltSeriesID:     item.TiltSeriesID,
		AcquisitionOrder: item.AcquisitionOrder,
		DefocusU:         12400,
		DefocusV:         11900,
		FitScore:         0.14,
		ResolutionLimit:  4.1,
		Quality:          ctf.QualityClean,
	}
}

func accept(t *testing.T, a *Assembler, series string, order int) {
	t.Helper()
	item := frameItem(series, order)
	require.NoError(t, a.Accept(item, frameResult(item)))
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{
			name:   "uniform count",
			config: Config{FrameCount: 41},
		},
		{
			name:   "per-series counts only",
			config: Config{Frames: map[string]int{"TS_01": 41, "TS_02": 35}},
		},
		{
			name:   "empty",
			config: Config{},
		},
		{
			name:    "negative uniform count",
			config:  Config{FrameCount: -1},
			wantErr: "must not be negative",
		},
		{
			name:    "zero per-series count",
			config:  Config{Frames: map[string]int{"TS_01": 0}},
			wantErr: "must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestNewAssembler_InvalidConfig(t *testing.T) {
	a, err := NewAssembler(Config{FrameCount: -5})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tilt-series config")
	assert.Nil(t, a)
}

func TestAssembler_Drain_ReverseArrival(t *testing.T) {
	a, err := NewAssembler(Config{FrameCount: 5})
	require.NoError(t, err)

	// Workers finish the last-acquired frame first.
	for order := 4; order >= 0; order-- {
		accept(t, a, "TS_01", order)
	}

	done := a.Drain()
	require.Len(t, done, 1)

	series := done[0]
	assert.Equal(t, "TS_01", series.SeriesID)
	assert.Equal(t, 5, series.FrameCount)
	assert.True(t, series.Complete)
	assert.Empty(t, series.Gaps)

	require.Len(t, series.Frames, 5)
	for order, frame := range series.Frames {
		require.NotNil(t, frame, "frame %d", order)
		assert.Equal(t, order, frame.AcquisitionOrder)
		assert.Equal(t, fmt.Sprintf("TS_01_%03d.mrc", order), frame.ItemID)
	}
}

func TestAssembler_Drain_OnlyComplete(t *testing.T) {
	a, err := NewAssembler(Config{FrameCount: 3})
	require.NoError(t, err)

	accept(t, a, "TS_01", 0)
	accept(t, a, "TS_01", 1)
	accept(t, a, "TS_01", 2)

	accept(t, a, "TS_02", 0)

	done := a.Drain()
	require.Len(t, done, 1)
	assert.Equal(t, "TS_01", done[0].SeriesID)
	assert.Equal(t, 1, a.Open())
}

func TestAssembler_Drain_RemovesSeries(t *testing.T) {
	a, err := NewAssembler(Config{FrameCount: 2})
	require.NoError(t, err)

	accept(t, a, "TS_01", 0)
	accept(t, a, "TS_01", 1)

	require.Len(t, a.Drain(), 1)
	assert.Empty(t, a.Drain())
	assert.Equal(t, 0, a.Open())
}

func TestAssembler_Drain_InterleavedSeries(t *testing.T) {
	a, err := NewAssembler(Config{FrameCount: 2})
	require.NoError(t, err)

	accept(t, a, "TS_02", 1)
	accept(t, a, "TS_01", 0)
	accept(t, a, "TS_02", 0)
	accept(t, a, "TS_01", 1)

	done := a.Drain()
	require.Len(t, done, 2)
	assert.Equal(t, "TS_01", done[0].SeriesID)
	assert.Equal(t, "TS_02", done[1].SeriesID)
	assert.True(t, done[0].Complete)
	assert.True(t, done[1].Complete)
}

func TestAssembler_Accept_Duplicate(t *testing.T) {
	a, err := NewAssembler(Config{FrameCount: 3})
	require.NoError(t, err)

	accept(t, a, "TS_01", 1)

	item := frameItem("TS_01", 1)
	err = a.Accept(item, frameResult(item))
	require.Error(t, err)
	assert.True(t, IsDuplicateFrame(err))

	var frameErr *FrameError
	require.ErrorAs(t, err, &frameErr)
	assert.Equal(t, "TS_01", frameErr.SeriesID)
	assert.Equal(t, 1, frameErr.Order)

	// The failed accept must not disturb the series.
	accept(t, a, "TS_01", 0)
	accept(t, a, "TS_01", 2)
	require.Len(t, a.Drain(), 1)
}

func TestAssembler_Accept_OrderOutOfRange(t *testing.T) {
	a, err := NewAssembler(Config{FrameCount: 41})
	require.NoError(t, err)

	tests := []struct {
		name  string
		order int
	}{
		{name: "at count", order: 41},
		{name: "beyond count", order: 100},
		{name: "negative", order: -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			item := frameItem("TS_01", tt.order)
			err := a.Accept(item, frameResult(item))
			require.Error(t, err)
			assert.True(t, IsOrderOutOfRange(err))
		})
	}
}

func TestAssembler_Accept_UnknownSeries(t *testing.T) {
	a, err := NewAssembler(Config{Frames: map[string]int{"TS_01": 3}})
	require.NoError(t, err)

	item := frameItem("TS_99", 0)
	err = a.Accept(item, frameResult(item))
	require.Error(t, err)
	assert.True(t, IsUnknownSeries(err))
	assert.Contains(t, err.Error(), "TS_99")
}

func TestAssembler_Accept_NotTiltFrame(t *testing.T) {
	a, err := NewAssembler(Config{FrameCount: 3})
	require.NoError(t, err)

	item := ctf.InputItem{ID: "GridSquare_001.mrc", Path: "/scratch/GridSquare_001.mrc"}
	err = a.Accept(item, &ctf.Result{ItemID: item.ID})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotTiltFrame)
}

func TestAssembler_PerSeriesCountOverridesUniform(t *testing.T) {
	a, err := NewAssembler(Config{
		FrameCount: 3,
		Frames:     map[string]int{"TS_SHORT": 2},
	})
	require.NoError(t, err)

	accept(t, a, "TS_SHORT", 0)
	accept(t, a, "TS_SHORT", 1)

	item := frameItem("TS_SHORT", 2)
	err = a.Accept(item, frameResult(item))
	require.Error(t, err)
	assert.True(t, IsOrderOutOfRange(err))

	done := a.Drain()
	require.Len(t, done, 1)
	assert.Equal(t, 2, done[0].FrameCount)
}

func TestAssembler_CloseAll_MarksGaps(t *testing.T) {
	a, err := NewAssembler(Config{FrameCount: 4})
	require.NoError(t, err)

	accept(t, a, "TS_01", 0)
	accept(t, a, "TS_01", 2)

	closed := a.CloseAll()
	require.Len(t, closed, 1)

	series := closed[0]
	assert.False(t, series.Complete)
	assert.Equal(t, []int{1, 3}, series.Gaps)

	require.Len(t, series.Frames, 4)
	assert.NotNil(t, series.Frames[0])
	assert.Nil(t, series.Frames[1])
	assert.NotNil(t, series.Frames[2])
	assert.Nil(t, series.Frames[3])

	assert.Equal(t, 0, a.Open())
}

func TestAssembler_CloseAll_CompleteSeries(t *testing.T) {
	a, err := NewAssembler(Config{FrameCount: 2})
	require.NoError(t, err)

	accept(t, a, "TS_01", 0)
	accept(t, a, "TS_01", 1)

	closed := a.CloseAll()
	require.Len(t, closed, 1)
	assert.True(t, closed[0].Complete)
	assert.Empty(t, closed[0].Gaps)
}

func TestAssembler_CloseAll_Empty(t *testing.T) {
	a, err := NewAssembler(Config{FrameCount: 3})
	require.NoError(t, err)

	assert.Empty(t, a.CloseAll())
}

func TestAssembler_ConcurrentAccept(t *testing.T) {
	const frames = 41

	a, err := NewAssembler(Config{FrameCount: frames})
	require.NoError(t, err)

	seriesIDs := []string{"TS_01", "TS_02", "TS_03"}

	var wg sync.WaitGroup
	for _, id := range seriesIDs {
		for order := 0; order < frames; order++ {
			wg.Add(1)
			go func(id string, order int) {
				defer wg.Done()
				item := frameItem(id, order)
				assert.NoError(t, a.Accept(item, frameResult(item)))
			}(id, order)
		}
	}
	wg.Wait()

	done := a.Drain()
	require.Len(t, done, len(seriesIDs))
	for _, series := range done {
		assert.True(t, series.Complete)
		assert.Len(t, series.Frames, frames)
	}
}

func TestFrameError_Error(t *testing.T) {
	err := &FrameError{SeriesID: "TS_01", Order: 7, Err: ErrDuplicateFrame}
	assert.Equal(t, "series TS_01 frame 7: duplicate frame", err.Error())
}

func TestFrameError_Unwrap(t *testing.T) {
	err := &FrameError{SeriesID: "TS_01", Order: 7, Err: ErrDuplicateFrame}
	assert.ErrorIs(t, err, ErrDuplicateFrame)
	assert.False(t, errors.Is(err, ErrOrderOutOfRange))
}
