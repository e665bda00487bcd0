package cmd

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryokit/ctfstream/pkg/ctf"
	"github.com/cryokit/ctfstream/pkg/results"
)

func TestSignalHealthChecker(t *testing.T) {
	checker := signalHealthChecker{}

	t.Run("always returns nil", func(t *testing.T) {
		err := checker.CheckHealth(context.Background())
		assert.NoError(t, err)
	})
}

func TestIdentityHealthChecker(t *testing.T) {
	tests := []struct {
		name       string
		binaryName string
		envPrefix  string
		configName string
		wantErr    bool
		errContain string
	}{
		{
			name:       "all fields valid",
			binaryName: "myapp",
			envPrefix:  "MYAPP",
			configName: "myapp",
			wantErr:    false,
		},
		{
			name:       "missing binary name",
			binaryName: "",
			envPrefix:  "MYAPP",
			configName: "myapp",
			wantErr:    true,
			errContain: "missing binary name",
		},
		{
			name:       "missing env prefix",
			binaryName: "myapp",
			envPrefix:  "",
			configName: "myapp",
			wantErr:    true,
			errContain: "missing env prefix",
		},
		{
			name:       "missing config name",
			binaryName: "myapp",
			envPrefix:  "MYAPP",
			configName: "",
			wantErr:    true,
			errContain: "missing config name",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := identityHealthChecker{
				binaryName: tt.binaryName,
				envPrefix:  tt.envPrefix,
				configName: tt.configName,
			}

			err := checker.CheckHealth(context.Background())
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContain)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestResultsHealthChecker(t *testing.T) {
	t.Run("nil stats", func(t *testing.T) {
		checker := resultsHealthChecker{}
		err := checker.CheckHealth(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no results loaded")
	})

	t.Run("unclosed stream", func(t *testing.T) {
		checker := resultsHealthChecker{stats: &results.StreamStats{Closed: false}}
		err := checker.CheckHealth(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not closed cleanly")
	})

	t.Run("closed stream", func(t *testing.T) {
		checker := resultsHealthChecker{stats: &results.StreamStats{Closed: true}}
		err := checker.CheckHealth(context.Background())
		assert.NoError(t, err)
	})
}

func TestLoadResultsFile(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, _, err := loadResultsFile(filepath.Join(t.TempDir(), "nope.jsonl"))
		require.Error(t, err)
	})

	t.Run("loads a complete stream", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "results.jsonl")
		f, err := os.Create(path)
		require.NoError(t, err)

		w := results.NewJSONLWriter(f, "run-serve-test", "dir")
		ctx := context.Background()
		require.NoError(t, w.WriteRunOpen(ctx, &results.RunOpenRecord{}))
		require.NoError(t, w.WriteResult(ctx, &ctf.Result{
			ItemID:   "stack_0001",
			DefocusU: 15000,
			DefocusV: 14800,
			FitScore: 0.21,
			Quality:  ctf.QualityClean,
		}))
		require.NoError(t, w.WriteRunClose(ctx, &results.RunCloseRecord{}))
		require.NoError(t, w.Close())
		require.NoError(t, f.Close())

		collection, stats, err := loadResultsFile(path)
		require.NoError(t, err)
		assert.True(t, stats.Closed)
		assert.Equal(t, "run-serve-test", stats.RunID)

		snap := collection.Snapshot()
		require.Len(t, snap.Results, 1)
		assert.Equal(t, "stack_0001", snap.Results[0].ItemID)
	})
}
