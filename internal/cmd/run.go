package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/imputeflow/internal/config"
	"github.com/3leaps/imputeflow/internal/metrics"
	"github.com/3leaps/imputeflow/internal/observability"
	"github.com/3leaps/imputeflow/internal/server"
	"github.com/3leaps/imputeflow/internal/server/handlers"
	"github.com/3leaps/imputeflow/pkg/jobregistry"
	"github.com/3leaps/imputeflow/pkg/layout"
	"github.com/3leaps/imputeflow/pkg/output"
	"github.com/3leaps/imputeflow/pkg/pipeline"
	"github.com/3leaps/imputeflow/pkg/scheduler"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the imputation workflow for one dataset",
	Long: `Run every workflow stage for one dataset, in order.

Stages whose artifacts are already present are skipped, so a failed or
interrupted run is resumed by running the same command again.

Examples:
  imputeflow run --dataset cohortA
  imputeflow run --dataset cohortA --dry-run
  imputeflow run --dataset cohortA --events run.jsonl --metrics-addr 127.0.0.1:9464
  imputeflow run --dataset cohortA --background`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().String("dataset", "", "Dataset prefix (default: run.prefix)")
	runCmd.Flags().Bool("dry-run", false, "Show what each stage would do without submitting")
	runCmd.Flags().Bool("json", false, "Output the dry-run plan as JSON")
	runCmd.Flags().String("events", "", "Write JSONL run events to a file (- for stdout)")
	runCmd.Flags().String("metrics-addr", "", "Serve health, status and metrics on this address")
	runCmd.Flags().Bool("cancel-on-abort", false, "Cancel submitted jobs when the run fails or is interrupted")
	runCmd.Flags().Bool("background", false, "Detach and run in the background")
	runCmd.Flags().String("_managed-run-id", "", "Run id assigned by a background launcher")
	_ = runCmd.Flags().MarkHidden("_managed-run-id")
}

// runOptions are the flags of one run invocation.
type runOptions struct {
	dataset       string
	dryRun        bool
	jsonPlan      bool
	events        string
	metricsAddr   string
	cancelOnAbort bool
	background    bool
	managedRunID  string
}

func readRunOptions(cmd *cobra.Command) runOptions {
	var o runOptions
	o.dataset, _ = cmd.Flags().GetString("dataset")
	o.dryRun, _ = cmd.Flags().GetBool("dry-run")
	o.jsonPlan, _ = cmd.Flags().GetBool("json")
	o.events, _ = cmd.Flags().GetString("events")
	o.metricsAddr, _ = cmd.Flags().GetString("metrics-addr")
	o.cancelOnAbort, _ = cmd.Flags().GetBool("cancel-on-abort")
	o.background, _ = cmd.Flags().GetBool("background")
	o.managedRunID, _ = cmd.Flags().GetString("_managed-run-id")
	return o
}

func runRun(cmd *cobra.Command, _ []string) error {
	ctx := commandContext(cmd)
	opts := readRunOptions(cmd)

	cfg, err := currentConfig(ctx)
	if err != nil {
		return exitError(exitConfigError(err), "Failed to load configuration", err)
	}
	if err := cfg.Validate(); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	l, err := cfg.Layout(opts.dataset)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid dataset", err)
	}
	pc, err := cfg.Pipeline()
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	pc.RunID, pc.Tag = pipeline.NewRunID()
	if id := strings.TrimSpace(opts.managedRunID); id != "" {
		pc.RunID, pc.Tag = id, pipeline.TagFor(id)
	}
	if pc.Self == "" {
		if exe, err := os.Executable(); err == nil {
			pc.Self = exe
		}
	}
	if opts.cancelOnAbort {
		pc.CancelOnAbort = true
	}

	store := runStore(cfg)
	if opts.background && !opts.dryRun {
		return startBackgroundRun(cmd, cfg, store, l, pc, opts)
	}

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	return withClient(sigCtx, cfg, func(ctx context.Context, client scheduler.Client) error {
		if opts.dryRun {
			seq, err := pipeline.New(l, pc, pipeline.Deps{Client: client})
			if err != nil {
				return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
			}
			return printPlan(ctx, cmd.OutOrStdout(), seq, opts.jsonPlan)
		}
		return executeRun(ctx, cmd, cfg, store, l, pc, client, opts)
	})
}

func executeRun(ctx context.Context, cmd *cobra.Command, cfg *config.Config, store *jobregistry.Store,
	l *layout.Layout, pc pipeline.Config, client scheduler.Client, opts runOptions) error {
	logger := observability.CLILogger
	tracker := pipeline.NewTracker(pc.RunID, pc.Tag, l.Prefix)

	rec := &jobregistry.RunRecord{
		RunID:     pc.RunID,
		Tag:       pc.Tag,
		Dataset:   l.Prefix,
		Reference: l.Reference,
		Backend:   cfg.Scheduler.Backend,
	}
	if existing, err := store.GetRun(pc.RunID); err == nil {
		rec = existing
	}
	recorder := newRunRecorder(store, rec)
	if err := recorder.begin(); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to write run record", err)
	}

	observers := pipeline.Observers{observability.NewProgress(logger), tracker, recorder}

	events, closeEvents, err := openEvents(ctx, cmd.OutOrStdout(), opts.events, pc.RunID, l.Prefix)
	if err != nil {
		recorder.finish(err)
		return exitError(foundry.ExitFileWriteError, "Failed to open events output", err)
	}
	defer closeEvents()
	if events != nil {
		observers = append(observers, events)
	}

	addr := opts.metricsAddr
	if addr == "" {
		addr = cfg.Metrics.Addr
	}
	if addr != "" {
		m := metrics.New(cfg.Metrics.Namespace)
		observers = append(observers, m.Observer())
		srv, err := startStatusServer(addr, m, tracker, client, pc.Tag)
		if err != nil {
			recorder.finish(err)
			return exitError(foundry.ExitInvalidArgument, "Failed to start metrics server", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
		logger.Info("Serving status and metrics", zap.String("addr", srv.Addr()))
	}

	seq, err := pipeline.New(l, pc, pipeline.Deps{
		Client:   client,
		Registry: store,
		Observer: observers,
	})
	if err != nil {
		recorder.finish(err)
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	logger.Info(fmt.Sprintf("Starting run %s for dataset %s", pc.RunID, l.Prefix),
		zap.String("run_id", pc.RunID),
		zap.String("tag", pc.Tag),
		zap.String("dataset", l.Prefix),
		zap.String("backend", cfg.Scheduler.Backend))

	stopHeartbeat := startManagedHeartbeat(ctx, recorder)
	sum, runErr := seq.Run(ctx)
	stopHeartbeat()
	recorder.finish(runErr)

	if events != nil {
		if err := events.Err(); err != nil {
			logger.Warn("Event output failed", zap.Error(err))
		}
		bg := context.WithoutCancel(ctx)
		if runErr != nil {
			_ = events.w.WriteError(bg, output.ErrorFor(runErr))
		}
		_ = events.w.WriteSummary(bg, output.SummaryFor(sum, runErr))
	}

	for _, line := range sum.Lines() {
		logger.Info(line)
	}
	return runExitError(runErr)
}

// runExitError maps a run error to the process exit code.
func runExitError(err error) error {
	if err == nil {
		return nil
	}
	var vf *pipeline.ValidationFailure
	var se *pipeline.StageError
	switch {
	case errors.Is(err, pipeline.ErrAborted), errors.Is(err, context.Canceled):
		return exitError(foundry.ExitSignalInt, "Run aborted", err)
	case errors.As(err, &vf):
		observability.CLILogger.Error(vf.Detail(), zap.String("stage", string(vf.Stage)))
		return exitError(foundry.ExitDataInvalid, "Stage validation failed", err)
	case errors.As(err, &se) && se.Op == "submit":
		return exitError(foundry.ExitExternalServiceUnavailable, "Scheduler rejected a submission", err)
	default:
		return exitError(1, "Run failed", err)
	}
}

// runEvents pairs the event observer with its writer.
type runEvents struct {
	*output.Events
	w output.Writer
}

// openEvents opens the JSONL event stream. Events keep flowing after an
// interrupt so the final summary is written.
func openEvents(ctx context.Context, stdout io.Writer, path, runID, dataset string) (*runEvents, func(), error) {
	if strings.TrimSpace(path) == "" {
		return nil, func() {}, nil
	}
	dst := stdout
	closer := func() {}
	if path != "-" {
		f, err := os.Create(path)
		if err != nil {
			return nil, nil, err
		}
		dst = f
		closer = func() { _ = f.Close() }
	}
	w := output.NewJSONLWriter(dst, runID, dataset)
	ev := &runEvents{Events: output.NewEvents(context.WithoutCancel(ctx), w), w: w}
	return ev, func() {
		_ = w.Close()
		closer()
	}, nil
}

func startStatusServer(addr string, m *metrics.Metrics, tracker *pipeline.Tracker, client scheduler.Client, tag string) (*server.Server, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("metrics address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("metrics address %q: invalid port", addr)
	}

	hm := handlers.InitHealthManager(versionInfo.Version)
	hm.RegisterChecker("identity", identityHealthChecker{
		binaryName: appIdentity.BinaryName,
		envPrefix:  appIdentity.EnvPrefix,
		configName: appIdentity.ConfigName,
	})
	hm.RegisterChecker("scheduler", schedulerHealthChecker{client: client, tag: tag})
	hm.RegisterChecker("run", runHealthChecker{tracker: tracker})

	srv := server.New(host, port, server.WithStatus(tracker), server.WithMetrics(m.Handler()))
	if err := srv.Start(); err != nil {
		return nil, err
	}
	return srv, nil
}

func printPlan(ctx context.Context, out io.Writer, seq *pipeline.Sequencer, asJSON bool) error {
	plan, err := seq.Plan(ctx)
	if err != nil {
		return exitError(1, "Failed to plan run", err)
	}

	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(plan)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "#\tSTAGE\tPRECONDITION\tUNITS\tDONE\tJOBS\tNOTE")
	for _, p := range plan {
		note := p.Note
		if note == "" {
			note = "-"
		}
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%d\t%d\t%s\n",
			p.Stage.Ordinal, p.Stage.Name, p.Precondition, p.Units, p.Done, len(p.Jobs), note)
	}
	return nil
}

func startBackgroundRun(cmd *cobra.Command, cfg *config.Config, store *jobregistry.Store,
	l *layout.Layout, pc pipeline.Config, opts runOptions) error {
	args := []string{"--dataset", l.Prefix}
	if cfgFile != "" {
		args = append(args, "--config", cfgFile)
	}
	if opts.events != "" && opts.events != "-" {
		args = append(args, "--events", opts.events)
	}
	if opts.metricsAddr != "" {
		args = append(args, "--metrics-addr", opts.metricsAddr)
	}
	if opts.cancelOnAbort {
		args = append(args, "--cancel-on-abort")
	}

	exec := jobregistry.NewExecutor(store.RootDir())
	rec, err := exec.StartRunBackground(jobregistry.RunRecord{
		RunID:     pc.RunID,
		Tag:       pc.Tag,
		Dataset:   l.Prefix,
		Reference: l.Reference,
		Backend:   cfg.Scheduler.Backend,
	}, args, jobregistry.BackgroundOptions{Dedupe: true})
	if err != nil {
		return exitError(1, "Failed to start background run", err)
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "run_id=%s\n", rec.RunID)
	_, _ = fmt.Fprintf(out, "tag=%s\n", rec.Tag)
	_, _ = fmt.Fprintf(out, "pid=%d\n", rec.PID)
	_, _ = fmt.Fprintf(out, "stdout=%s\n", rec.StdoutPath)
	_, _ = fmt.Fprintf(out, "stderr=%s\n", rec.StderrPath)
	return nil
}
