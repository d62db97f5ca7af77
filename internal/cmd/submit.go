package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/imputeflow/internal/config"
	"github.com/3leaps/imputeflow/internal/observability"
	"github.com/3leaps/imputeflow/pkg/pipeline"
	"github.com/3leaps/imputeflow/pkg/scheduler"
	"github.com/3leaps/imputeflow/pkg/throttle"
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit one workflow run per dataset as scheduler jobs",
	Long: `Submit one 'imputeflow run --dataset D' driver job per dataset listed in
--datasets (one name per line, '#' starts a comment, '-' reads stdin).

With --chain each driver starts only after the previous one succeeded.

Examples:
  imputeflow submit --datasets cohorts.txt
  imputeflow submit --datasets cohorts.txt --limit 3 --chain
  imputeflow submit --datasets cohorts.txt --dry-run`,
	RunE: runSubmit,
}

func init() {
	rootCmd.AddCommand(submitCmd)

	submitCmd.Flags().String("datasets", "", "File listing dataset prefixes (- for stdin)")
	submitCmd.Flags().Int("limit", 0, "Submit only the first N datasets (0 = batch.limit or all)")
	submitCmd.Flags().Bool("chain", false, "Make each driver job depend on the previous one")
	submitCmd.Flags().Bool("dry-run", false, "Show the driver jobs without submitting")
	_ = submitCmd.MarkFlagRequired("datasets")
}

// driverJob is one dataset's planned driver submission.
type driverJob struct {
	Dataset string
	Spec    scheduler.JobSpec
	JobID   scheduler.JobID
}

func runSubmit(cmd *cobra.Command, _ []string) error {
	ctx := commandContext(cmd)
	path, _ := cmd.Flags().GetString("datasets")
	limit, _ := cmd.Flags().GetInt("limit")
	chain, _ := cmd.Flags().GetBool("chain")
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	cfg, err := currentConfig(ctx)
	if err != nil {
		return exitError(exitConfigError(err), "Failed to load configuration", err)
	}
	if limit < 0 {
		return exitError(foundry.ExitInvalidArgument, "Invalid --limit value", fmt.Errorf("limit must be >= 0"))
	}
	if limit == 0 {
		limit = cfg.Batch.Limit
	}
	if !cmd.Flags().Changed("chain") {
		chain = cfg.Batch.Chain
	}

	datasets, err := readDatasetList(cmd.InOrStdin(), path)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to read dataset list", err)
	}
	if len(datasets) == 0 {
		return exitError(foundry.ExitInvalidArgument, "No datasets to submit", fmt.Errorf("%s lists no datasets", path))
	}
	if limit > 0 && limit < len(datasets) {
		datasets = datasets[:limit]
	}

	jobs, err := planDriverJobs(cfg, datasets)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid dataset", err)
	}

	if dryRun {
		return printDriverJobs(cmd.OutOrStdout(), jobs, chain)
	}

	bound := false
	err = withClient(ctx, cfg, func(ctx context.Context, client scheduler.Client) error {
		if bound = scheduler.IsProcessBound(client); bound {
			return exitError(foundry.ExitInvalidArgument, "Backend cannot hold driver jobs",
				fmt.Errorf("backend %q stops its jobs when submit exits; use 'imputeflow run --dataset D --background' instead", cfg.Scheduler.Backend))
		}
		return submitDriverJobs(ctx, cfg, client, jobs, chain)
	})
	if bound {
		return err
	}
	if perr := printDriverJobs(cmd.OutOrStdout(), jobs, chain); perr != nil && err == nil {
		err = perr
	}
	return err
}

// readDatasetList reads dataset prefixes, skipping blanks, comments and
// repeats.
func readDatasetList(stdin io.Reader, path string) ([]string, error) {
	var r io.Reader = stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer func() { _ = f.Close() }()
		r = f
	}

	seen := make(map[string]bool)
	var out []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" || seen[line] {
			continue
		}
		seen[line] = true
		out = append(out, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func planDriverJobs(cfg *config.Config, datasets []string) ([]*driverJob, error) {
	self := cfg.Run.Self
	if self == "" {
		if exe, err := os.Executable(); err == nil {
			self = exe
		} else {
			self = appIdentity.BinaryName
		}
	}
	_, tag := pipeline.NewRunID()

	base := scheduler.Resources{
		Partition: cfg.Scheduler.Partition,
		Account:   cfg.Scheduler.Account,
		QOS:       cfg.Scheduler.QOS,
	}

	jobs := make([]*driverJob, 0, len(datasets))
	for _, ds := range datasets {
		l, err := cfg.Layout(ds)
		if err != nil {
			return nil, err
		}
		argv := []string{self, "run", "--dataset", ds}
		if cfgFile != "" {
			argv = append(argv, "--config", cfgFile)
		}
		if cfg.Run.CancelOnAbort {
			argv = append(argv, "--cancel-on-abort")
		}
		jobs = append(jobs, &driverJob{
			Dataset: ds,
			Spec: scheduler.JobSpec{
				Name:      tag + "_run-" + ds,
				RunTag:    tag,
				Stage:     "run",
				Command:   argv,
				LogDir:    l.Folders.SchedulerLogs,
				Resources: cfg.Batch.Resources.Merge(base),
			},
		})
	}
	return jobs, nil
}

// submitDriverJobs submits in order, each through the queue governor. It
// stops at the first rejection.
func submitDriverJobs(ctx context.Context, cfg *config.Config, client scheduler.Client, jobs []*driverJob, chain bool) error {
	logger := observability.CLILogger
	gov := throttle.New(cfg.Throttle.Limit, cfg.Throttle.Interval)
	gov.OnWait = func(depth int, err error) {
		if err != nil {
			logger.Warn("Queue depth unknown; waiting", zap.Error(err))
			return
		}
		logger.Info(fmt.Sprintf("Queue depth %d at limit %d; waiting", depth, gov.Limit), zap.Int("depth", depth))
	}
	depth := func(ctx context.Context) (int, error) {
		st, err := client.QueryState(ctx, scheduler.Filter{AllUserJobs: true})
		return st.Pending, err
	}

	var prev scheduler.JobID
	for i, j := range jobs {
		if chain {
			j.Spec.AfterOK = prev
		}
		if err := gov.Admit(ctx, depth); err != nil {
			return exitError(foundry.ExitSignalInt, "Submission interrupted", err)
		}
		id, err := client.Submit(ctx, j.Spec)
		if err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, fmt.Sprintf("Scheduler rejected driver job for %s", j.Dataset), err)
		}
		j.JobID = id
		prev = id
		logger.Info(fmt.Sprintf("[%d/%d] Submitted %s as job %s", i+1, len(jobs), j.Dataset, id),
			zap.String("dataset", j.Dataset),
			zap.String("job_id", string(id)),
			zap.String("after_ok", string(j.Spec.AfterOK)))
	}
	return nil
}

func printDriverJobs(out io.Writer, jobs []*driverJob, chain bool) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "DATASET\tJOB NAME\tJOB ID\tAFTER OK\tCOMMAND")
	prevName := ""
	for _, j := range jobs {
		id := string(j.JobID)
		if id == "" {
			id = "-"
		}
		after := string(j.Spec.AfterOK)
		if after == "" && chain && prevName != "" {
			after = prevName
		}
		if after == "" {
			after = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", j.Dataset, j.Spec.Name, id, after, strings.Join(j.Spec.Command, " "))
		prevName = j.Spec.Name
	}
	return w.Flush()
}
