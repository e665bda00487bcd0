package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cryokit/ctfstream/internal/observability"
	"github.com/cryokit/ctfstream/pkg/ctf"
	"github.com/cryokit/ctfstream/pkg/report"
)

var parseCmd = &cobra.Command{
	Use:   "parse <report-file> [report-file...]",
	Short: "Parse estimator report files",
	Long: `Parse one or more estimator diagnostic report files and print the
fitted parameters.

Each row is validated and sanitized the same way a streaming run would
treat it: out-of-range values are clamped or rejected and the result is
classified as clean or degraded.

Example:
  ctfstream parse stack_0001_output.txt
  ctfstream parse --json results/*.txt
  ctfstream parse --raw stack_0001_output.txt`,
	Args: cobra.MinimumNArgs(1),
	RunE: runParse,
}

var (
	parseJSON bool
	parseRaw  bool
)

func init() {
	rootCmd.AddCommand(parseCmd)

	parseCmd.Flags().BoolVar(&parseJSON, "json", false, "Emit results as JSON lines")
	parseCmd.Flags().BoolVar(&parseRaw, "raw", false, "Skip sanitizing and print rows as parsed")
}

func runParse(cmd *cobra.Command, args []string) error {
	var failed int
	var firstErr error

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	if !parseJSON {
		fmt.Fprintln(w, "ITEM\tFRAME\tDEFOCUS U\tDEFOCUS V\tAZIMUTH\tPHASE\tSCORE\tRES LIMIT\tQUALITY")
	}

	for _, path := range args {
		if err := parseOne(w, path); err != nil {
			observability.CLILogger.Error("Failed to parse report",
				zap.String("path", path),
				zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			failed++
		}
	}

	if !parseJSON {
		if err := w.Flush(); err != nil {
			return exitError(foundry.ExitFileWriteError, "Failed to write output", err)
		}
	}

	if failed > 0 {
		return exitError(foundry.ExitInvalidArgument,
			fmt.Sprintf("%d of %d reports failed to parse", failed, len(args)), firstErr)
	}
	return nil
}

func parseOne(w *tabwriter.Writer, path string) error {
	rows, err := report.ParseAll(path)
	if err != nil {
		return err
	}

	itemID := reportItemID(path)
	for _, row := range rows {
		res := row.Result(ctf.InputItem{ID: itemID})
		frame := row.Index

		if !parseRaw {
			res, err = ctf.Sanitize(res)
			if err != nil {
				return fmt.Errorf("row %d: %w", row.Index, err)
			}
		}

		if parseJSON {
			data, err := json.Marshal(res)
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			continue
		}

		fmt.Fprintf(w, "%s\t%s\t%.1f\t%.1f\t%.2f\t%.4f\t%.4f\t%.2f\t%s\n",
			itemID,
			formatFrame(frame),
			res.DefocusU,
			res.DefocusV,
			res.AstigmatismAzimuth,
			res.PhaseShift,
			res.FitScore,
			res.ResolutionLimit,
			string(res.Quality))
	}
	return nil
}

// reportItemID derives a display identifier from the report filename,
// stripping the estimator's _output suffix when present.
func reportItemID(path string) string {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return strings.TrimSuffix(base, "_output")
}

func formatFrame(idx int) string {
	if idx < 0 {
		return "-"
	}
	return fmt.Sprintf("%d", idx)
}
