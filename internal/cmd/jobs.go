package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/imputeflow/internal/config"
	"github.com/3leaps/imputeflow/internal/observability"
	"github.com/3leaps/imputeflow/pkg/jobregistry"
	"github.com/3leaps/imputeflow/pkg/logtail"
	"github.com/3leaps/imputeflow/pkg/scheduler"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and manage workflow runs",
	Long: `Inspect the runs and scheduler jobs recorded in the state directory.

Run ids may be abbreviated to any unique prefix or given as the run's job
tag (if + 8 hex digits).`,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded runs",
	RunE:  runJobsList,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <run_id>",
	Short: "Show a run and its scheduler jobs",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <run_id>",
	Short: "Cancel every outstanding scheduler job of a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsCancel,
}

var jobsLogsCmd = &cobra.Command{
	Use:   "logs <run_id>",
	Short: "Show scheduler logs of a run's jobs",
	Long: `Show logs for a run.

With --stage, the newest scheduler log files of that stage's jobs are
shown. Without it, the run's own stdout/stderr (background runs) are shown.`,
	Args: cobra.ExactArgs(1),
	RunE: runJobsLogs,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsStatusCmd)
	jobsCmd.AddCommand(jobsCancelCmd)
	jobsCmd.AddCommand(jobsLogsCmd)

	jobsListCmd.Flags().Bool("json", false, "Output as JSON")
	jobsStatusCmd.Flags().Bool("json", false, "Output as JSON")
	jobsCancelCmd.Flags().Bool("stop-driver", true, "Also stop the run's driver process when it runs on this host")
	jobsLogsCmd.Flags().String("stage", "", "Stage whose scheduler logs to show")
	jobsLogsCmd.Flags().String("stream", "stderr", "Log stream: stdout, stderr, or both")
	jobsLogsCmd.Flags().Int("files", 3, "Number of newest log files to show per stream")
	jobsLogsCmd.Flags().Int("tail", logtail.DefaultLines, "Show last N lines (0 = whole file)")
	jobsLogsCmd.Flags().Bool("follow", false, "Follow the newest log file")
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	cfg, err := currentConfig(commandContext(cmd))
	if err != nil {
		return exitError(exitConfigError(err), "Failed to load configuration", err)
	}
	store := runStore(cfg)

	runs, err := store.ListRuns()
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to read run records", err)
	}
	out := cmd.OutOrStdout()
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if runs == nil {
			runs = []jobregistry.RunRecord{}
		}
		return enc.Encode(runs)
	}
	if len(runs) == 0 {
		_, _ = fmt.Fprintln(out, "No runs found")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "RUN ID\tTAG\tDATASET\tSTATE\tSTAGE\tSTARTED\tENDED\tBACKEND")
	for _, r := range runs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			shortRunID(r.RunID),
			r.Tag,
			r.Dataset,
			r.State,
			orDash(r.CurrentStage),
			formatOptionalTime(r.StartedAt),
			formatOptionalTime(r.EndedAt),
			orDash(r.Backend),
		)
	}
	return nil
}

// runStatus is the JSON form of jobs status.
type runStatus struct {
	Run  *jobregistry.RunRecord  `json:"run"`
	Jobs []jobregistry.JobRecord `json:"jobs"`
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	cfg, err := currentConfig(commandContext(cmd))
	if err != nil {
		return exitError(exitConfigError(err), "Failed to load configuration", err)
	}
	store := runStore(cfg)

	rec, jobs, err := loadRun(store, args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		if jobs == nil {
			jobs = []jobregistry.JobRecord{}
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(runStatus{Run: rec, Jobs: jobs})
	}

	_, _ = fmt.Fprintf(out, "run_id=%s\n", rec.RunID)
	_, _ = fmt.Fprintf(out, "tag=%s\n", rec.Tag)
	_, _ = fmt.Fprintf(out, "dataset=%s\n", rec.Dataset)
	_, _ = fmt.Fprintf(out, "state=%s\n", rec.State)
	if rec.CurrentStage != "" {
		_, _ = fmt.Fprintf(out, "current_stage=%s\n", rec.CurrentStage)
	}
	if rec.PID > 0 {
		_, _ = fmt.Fprintf(out, "pid=%d\n", rec.PID)
	}
	if rec.Host != "" {
		_, _ = fmt.Fprintf(out, "host=%s\n", rec.Host)
	}
	if rec.StartedAt != nil {
		_, _ = fmt.Fprintf(out, "started_at=%s\n", rec.StartedAt.UTC().Format(time.RFC3339))
	}
	if rec.EndedAt != nil {
		_, _ = fmt.Fprintf(out, "ended_at=%s\n", rec.EndedAt.UTC().Format(time.RFC3339))
	}
	if rec.LastHeartbeat != nil {
		_, _ = fmt.Fprintf(out, "last_heartbeat=%s\n", rec.LastHeartbeat.UTC().Format(time.RFC3339))
	}
	if rec.Error != "" {
		_, _ = fmt.Fprintf(out, "error=%s\n", rec.Error)
	}
	if len(jobs) == 0 {
		return nil
	}

	_, _ = fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()
	_, _ = fmt.Fprintln(w, "JOB ID\tSTAGE\tNAME\tUNIT\tTASKS\tSTATE\tSUBMITTED")
	for _, j := range jobs {
		tasks := 1
		if j.ArrayTasks > 0 {
			tasks = j.ArrayTasks
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			j.JobID, j.Stage, j.Name, orDash(j.Unit), tasks, j.State,
			j.SubmittedAt.UTC().Format(time.RFC3339))
	}
	return nil
}

func runJobsCancel(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	stopDriver, _ := cmd.Flags().GetBool("stop-driver")
	cfg, err := currentConfig(ctx)
	if err != nil {
		return exitError(exitConfigError(err), "Failed to load configuration", err)
	}
	store := runStore(cfg)

	rec, jobs, err := loadRun(store, args[0])
	if err != nil {
		return err
	}

	if stopDriver && rec.State == jobregistry.RunStateRunning {
		if err := stopDriverProcess(rec); err != nil {
			observability.CLILogger.Warn("Could not stop driver process", zap.Int("pid", rec.PID), zap.Error(err))
		}
	}

	var pending []jobregistry.JobRecord
	for _, j := range jobs {
		if j.State == jobregistry.JobStateSubmitted {
			pending = append(pending, j)
		}
	}
	if len(pending) == 0 {
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No outstanding jobs")
		return nil
	}

	var failed int
	err = withClient(ctx, cfg, func(ctx context.Context, client scheduler.Client) error {
		for _, j := range pending {
			if err := client.Cancel(ctx, scheduler.JobID(j.JobID)); err != nil {
				failed++
				observability.CLILogger.Warn(fmt.Sprintf("Cancel %s failed", j.JobID),
					zap.String("job_id", j.JobID), zap.String("stage", j.Stage), zap.Error(err))
				continue
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "cancelled %s (%s)\n", j.JobID, j.Name)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := store.MarkJobs(rec.RunID, "", jobregistry.JobStateCancelled, time.Now()); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to update job records", err)
	}
	if failed > 0 {
		return exitError(foundry.ExitExternalServiceUnavailable, "Some jobs could not be cancelled", fmt.Errorf("failed=%d", failed))
	}
	return nil
}

// stopDriverProcess sends SIGTERM to a run's driver on this host.
func stopDriverProcess(rec *jobregistry.RunRecord) error {
	if rec.PID <= 0 {
		return fmt.Errorf("run has no pid recorded")
	}
	if host, _ := os.Hostname(); rec.Host != "" && rec.Host != host {
		return fmt.Errorf("driver runs on %s", rec.Host)
	}
	if !isProcessAlive(rec.PID) {
		return nil
	}
	proc, err := os.FindProcess(rec.PID)
	if err != nil {
		return fmt.Errorf("find process: %w", err)
	}
	return proc.Signal(syscall.SIGTERM)
}

func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}

func runJobsLogs(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	stage, _ := cmd.Flags().GetString("stage")
	stream, _ := cmd.Flags().GetString("stream")
	files, _ := cmd.Flags().GetInt("files")
	tailN, _ := cmd.Flags().GetInt("tail")
	follow, _ := cmd.Flags().GetBool("follow")

	stream = strings.TrimSpace(strings.ToLower(stream))
	var exts []string
	switch stream {
	case "stdout":
		exts = []string{".out"}
	case "stderr", "":
		exts = []string{".err"}
	case "both":
		exts = []string{".out", ".err"}
	default:
		return exitError(foundry.ExitInvalidArgument, "Invalid --stream value",
			fmt.Errorf("invalid --stream %q (expected stdout, stderr, or both)", stream))
	}
	if tailN < 0 {
		tailN = 0
	}

	cfg, err := currentConfig(ctx)
	if err != nil {
		return exitError(exitConfigError(err), "Failed to load configuration", err)
	}
	store := runStore(cfg)
	rec, jobs, err := loadRun(store, args[0])
	if err != nil {
		return err
	}

	var paths []string
	if stage == "" {
		for _, ext := range exts {
			p := rec.StdoutPath
			if ext == ".err" {
				p = rec.StderrPath
			}
			if p != "" {
				paths = append(paths, p)
			}
		}
		if len(paths) == 0 {
			return exitError(foundry.ExitFileNotFound, "No driver logs recorded", fmt.Errorf("run %s was not started in the background; use --stage", rec.RunID))
		}
	} else {
		dir, name := stageLogLocation(cfg.Run.Folders.SchedulerLogs, rec, jobs, stage)
		if dir == "" {
			return exitError(foundry.ExitFileNotFound, "No jobs recorded for stage", fmt.Errorf("stage %s of run %s", stage, rec.RunID))
		}
		for _, ext := range exts {
			found, err := logtail.Newest(dir, escapeLogGlob(name)+"_*"+ext)
			if err != nil {
				return exitError(foundry.ExitFileReadError, "Failed to list logs", err)
			}
			if files > 0 && len(found) > files {
				found = found[:files]
			}
			paths = append(paths, found...)
		}
		if len(paths) == 0 {
			return exitError(foundry.ExitFileNotFound, "No log files found", fmt.Errorf("%s/%s_*", dir, name))
		}
	}

	out := cmd.OutOrStdout()
	if follow {
		return logtail.Follow(ctx, paths[0], out, 0)
	}
	for _, p := range paths {
		if err := printLogTail(out, p, tailN, len(paths) > 1); err != nil {
			return exitError(foundry.ExitFileReadError, "Failed to read log", err)
		}
	}
	return nil
}

// stageLogLocation returns the scheduler log directory and job name of a
// run's stage.
func stageLogLocation(defaultDir string, rec *jobregistry.RunRecord, jobs []jobregistry.JobRecord, stage string) (dir, name string) {
	for _, j := range jobs {
		if j.Stage == stage {
			dir = j.LogDir
			if dir == "" {
				dir = strings.ReplaceAll(defaultDir, config.DatasetPlaceholder, rec.Dataset)
			}
			return dir, j.Name
		}
	}
	return "", ""
}

func escapeLogGlob(s string) string {
	return strings.NewReplacer(`\`, `\\`, "*", `\*`, "?", `\?`, "[", `\[`, "{", `\{`).Replace(s)
}

func printLogTail(out io.Writer, path string, tailN int, header bool) error {
	if header {
		_, _ = fmt.Fprintf(out, "==> %s <==\n", filepath.Clean(path))
	}
	if tailN <= 0 {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()
		_, err = io.Copy(out, f)
		return err
	}
	lines, err := logtail.File(path, tailN)
	if err != nil {
		return err
	}
	for _, line := range lines {
		_, _ = fmt.Fprintln(out, line)
	}
	return nil
}

func loadRun(store *jobregistry.Store, query string) (*jobregistry.RunRecord, []jobregistry.JobRecord, error) {
	runID, err := resolveRunID(store, query)
	if err != nil {
		return nil, nil, exitError(foundry.ExitFileNotFound, "Run not found", err)
	}
	rec, err := store.GetRun(runID)
	if err != nil {
		return nil, nil, exitError(foundry.ExitFileReadError, "Failed to read run record", err)
	}
	jobs, err := store.ListJobs(runID)
	if err != nil {
		return nil, nil, exitError(foundry.ExitFileReadError, "Failed to read job records", err)
	}
	return rec, jobs, nil
}

func shortRunID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
