package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/spf13/cobra"

	"github.com/cryokit/ctfstream/pkg/runregistry"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Manage background estimation runs",
	Long: `Manage run records for managed background estimation sessions.

This command group is designed to be agent-friendly:

- stable run ids
- predictable on-disk locations
- optional JSON output for machine parsing

Background runs are started with 'run --background'.`,
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List estimation runs",
	RunE:  runRunsList,
}

var runsStatusCmd = &cobra.Command{
	Use:   "status <run_id>",
	Short: "Show status for a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsStatus,
}

var runsStopCmd = &cobra.Command{
	Use:   "stop <run_id>",
	Short: "Stop a running session",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsStop,
}

var runsLogsCmd = &cobra.Command{
	Use:   "logs <run_id>",
	Short: "Show logs for a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsLogs,
}

var runsGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Garbage collect old run records",
	RunE:  runRunsGC,
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsStatusCmd)
	runsCmd.AddCommand(runsStopCmd)
	runsCmd.AddCommand(runsLogsCmd)
	runsCmd.AddCommand(runsGCCmd)

	runsListCmd.Flags().Bool("json", false, "Output as JSON")
	runsStatusCmd.Flags().Bool("json", false, "Output as JSON")
	runsStopCmd.Flags().String("signal", "term", "Signal to send: term or kill")
	runsLogsCmd.Flags().String("stream", "stdout", "Log stream: stdout, stderr, or both")
	runsLogsCmd.Flags().Int("tail", 200, "Show last N lines (0 = no tail)")
	runsLogsCmd.Flags().Bool("follow", false, "Follow log output")
	runsGCCmd.Flags().String("max-age", "168h", "Delete completed runs older than this duration")
	runsGCCmd.Flags().Bool("dry-run", false, "Show how many runs would be deleted")
	runsGCCmd.Flags().Bool("json", false, "Output as JSON")
}

func runsRootDir() (string, error) {
	identity := GetAppIdentity()
	dataDir := gfconfig.GetAppDataDir(identity.ConfigName)
	if dataDir == "" {
		return "", fmt.Errorf("unable to determine application data directory")
	}
	return filepath.Join(dataDir, "runs"), nil
}

func runRunsList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	root, err := runsRootDir()
	if err != nil {
		return err
	}
	store := runregistry.NewStore(root)

	runs, err := store.List()
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		_, _ = fmt.Fprintln(os.Stdout, "No runs found")
		return nil
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(runs)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "RUN ID\tNAME\tSTATE\tSTARTED\tENDED\tSOURCE\tMANIFEST")
	for _, r := range runs {
		started := formatOptionalTime(r.StartedAt)
		ended := formatOptionalTime(r.EndedAt)
		name := r.Name
		if name == "" {
			name = "-"
		}
		src := "-"
		if r.Source != nil && r.Source.Root != "" {
			src = r.Source.Root
		}
		manifest := r.ManifestPath
		if manifest == "" {
			manifest = "-"
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			shortRunID(r.RunID),
			name,
			r.State,
			started,
			ended,
			src,
			manifest,
		)
	}

	return nil
}

func runRunsStatus(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	runID := strings.TrimSpace(args[0])
	if runID == "" {
		return fmt.Errorf("run_id is required")
	}

	root, err := runsRootDir()
	if err != nil {
		return err
	}
	store := runregistry.NewStore(root)

	resolvedID, err := resolveRunID(store, runID)
	if err != nil {
		return err
	}

	rec, err := store.Get(resolvedID)
	if err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	}

	_, _ = fmt.Fprintf(os.Stdout, "run_id=%s\n", rec.RunID)
	if rec.Name != "" {
		_, _ = fmt.Fprintf(os.Stdout, "name=%s\n", rec.Name)
	}
	_, _ = fmt.Fprintf(os.Stdout, "state=%s\n", rec.State)
	_, _ = fmt.Fprintf(os.Stdout, "manifest_path=%s\n", rec.ManifestPath)
	if rec.ResultsPath != "" {
		_, _ = fmt.Fprintf(os.Stdout, "results_path=%s\n", rec.ResultsPath)
	}
	if rec.Source != nil {
		if rec.Source.Backend != "" {
			_, _ = fmt.Fprintf(os.Stdout, "source_backend=%s\n", rec.Source.Backend)
		}
		if rec.Source.Root != "" {
			_, _ = fmt.Fprintf(os.Stdout, "source_root=%s\n", rec.Source.Root)
		}
		if rec.Source.Estimator != "" {
			_, _ = fmt.Fprintf(os.Stdout, "estimator=%s\n", rec.Source.Estimator)
		}
	}
	if rec.StartedAt != nil {
		_, _ = fmt.Fprintf(os.Stdout, "started_at=%s\n", rec.StartedAt.UTC().Format(time.RFC3339))
	}
	if rec.EndedAt != nil {
		_, _ = fmt.Fprintf(os.Stdout, "ended_at=%s\n", rec.EndedAt.UTC().Format(time.RFC3339))
	}

	return nil
}

func shortRunID(runID string) string {
	runID = strings.TrimSpace(runID)
	if len(runID) <= 12 {
		return runID
	}
	return runID[:12]
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func resolveRunID(store *runregistry.Store, input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", fmt.Errorf("run_id is required")
	}

	// Exact match first.
	if store != nil {
		if _, err := store.Get(input); err == nil {
			return input, nil
		}
	}

	// Prefix match (allows table-friendly short IDs).
	runs, err := store.List()
	if err != nil {
		return "", err
	}
	matches := make([]string, 0, 2)
	for _, r := range runs {
		if strings.HasPrefix(r.RunID, input) {
			matches = append(matches, r.RunID)
		}
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("run not found: %s", input)
	}
	if len(matches) > 1 {
		return "", fmt.Errorf("run id prefix is ambiguous (%d matches); use full run_id or --json", len(matches))
	}
	return matches[0], nil
}
