package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/imputeflow/internal/config"
	"github.com/3leaps/imputeflow/internal/observability"
	"github.com/3leaps/imputeflow/pkg/layout"
	"github.com/3leaps/imputeflow/pkg/partition"
	"github.com/3leaps/imputeflow/pkg/pipeline"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the environment a workflow run depends on.

Examples:
  imputeflow doctor                    # Environment and scheduler checks
  imputeflow doctor --dataset cohortA  # Also check folders and reference panel`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().String("dataset", "", "Dataset whose folders to check (default: run.prefix)")
}

// doctorCheck is one diagnostic. run returns a short detail and whether
// the check passed.
type doctorCheck struct {
	name string
	run  func() (string, bool)
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	dataset, _ := cmd.Flags().GetString("dataset")
	cfg, err := currentConfig(commandContext(cmd))
	if err != nil {
		return exitError(exitConfigError(err), "Failed to load configuration", err)
	}

	identity := GetAppIdentity()
	bannerName := "doctor"
	if identity != nil && identity.BinaryName != "" {
		bannerName = identity.BinaryName + " doctor"
	}
	logger := observability.CLILogger
	logger.Info("=== " + bannerName + " ===")
	logger.Info("")
	logger.Info("Running diagnostic checks...")
	logger.Info("")

	checks := doctorChecks(cfg, dataset)
	failed := 0
	for i, c := range checks {
		detail, ok := c.run()
		if ok {
			logger.Info(fmt.Sprintf("[%d/%d] Checking %s... ✅ %s", i+1, len(checks), c.name, detail),
				zap.String("check", c.name))
			continue
		}
		failed++
		logger.Error(fmt.Sprintf("[%d/%d] Checking %s... ❌ %s", i+1, len(checks), c.name, detail),
			zap.String("check", c.name))
	}

	logger.Info("")
	if failed == 0 {
		logger.Info(fmt.Sprintf("✅ All checks passed! Your %s environment is ready.", appIdentity.BinaryName))
	} else {
		logger.Warn("⚠️  Some checks failed. Review the output above for details.")
	}
	logger.Info("")
	logger.Info("=== End Diagnostics ===")

	if failed > 0 {
		return exitError(foundry.ExitExternalServiceUnavailable, "Diagnostics failed", fmt.Errorf("%d of %d checks failed", failed, len(checks)))
	}
	return nil
}

func doctorChecks(cfg *config.Config, dataset string) []doctorCheck {
	checks := []doctorCheck{
		{name: "Go version", run: checkGoVersion},
		{name: "Crucible access", run: checkCrucible},
		{name: "state directory", run: func() (string, bool) { return checkWritable(stateDir(cfg)) }},
		{name: "scheduler commands", run: func() (string, bool) { return checkSchedulerCommands(cfg) }},
		{name: "stage tools", run: func() (string, bool) { return checkTools(cfg) }},
	}

	if dataset == "" && cfg.Run.Prefix == "" {
		return checks
	}
	l, err := cfg.Layout(dataset)
	if err != nil {
		return append(checks, doctorCheck{name: "run folders", run: func() (string, bool) { return err.Error(), false }})
	}
	return append(checks,
		doctorCheck{name: "run folders", run: func() (string, bool) { return checkFolders(l) }},
		doctorCheck{name: "reference panel", run: func() (string, bool) { return checkReference(l) }},
	)
}

func checkGoVersion() (string, bool) {
	v := runtime.Version()
	return fmt.Sprintf("%s %s/%s", v, runtime.GOOS, runtime.GOARCH), true
}

func checkCrucible() (string, bool) {
	v := crucible.GetVersion()
	if v.Crucible == "" {
		return "Cannot access Crucible", false
	}
	return fmt.Sprintf("crucible v%s, gofulmen v%s", v.Crucible, v.Gofulmen), true
}

func checkWritable(dir string) (string, bool) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Sprintf("%s: %v", dir, err), false
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return fmt.Sprintf("%s is not writable: %v", dir, err), false
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
	return dir, true
}

func checkSchedulerCommands(cfg *config.Config) (string, bool) {
	switch cfg.Scheduler.Backend {
	case config.BackendLocal:
		return lookPaths("sh")
	case config.BackendSlurm:
		s := cfg.SlurmConfig()
		return lookPaths(s.Sbatch, s.Squeue, s.Scancel)
	default:
		return fmt.Sprintf("unknown backend %q", cfg.Scheduler.Backend), false
	}
}

// checkTools resolves the executable of every stage's argv template.
func checkTools(cfg *config.Config) (string, bool) {
	pc, err := cfg.Pipeline()
	if err != nil {
		return err.Error(), false
	}
	tools := pipeline.DefaultTools()
	for name, argv := range pc.Tools {
		tools[name] = argv
	}

	seen := map[string]bool{}
	var exes []string
	for _, argv := range tools {
		if len(argv) == 0 || strings.Contains(argv[0], "{") || seen[argv[0]] {
			continue
		}
		seen[argv[0]] = true
		exes = append(exes, argv[0])
	}
	sort.Strings(exes)
	return lookPaths(exes...)
}

func lookPaths(names ...string) (string, bool) {
	var missing []string
	for _, n := range names {
		if _, err := exec.LookPath(n); err != nil {
			missing = append(missing, n)
		}
	}
	if len(missing) > 0 {
		return "not found on PATH: " + strings.Join(missing, ", "), false
	}
	return strings.Join(names, ", "), true
}

func checkFolders(l *layout.Layout) (string, bool) {
	dirs := []string{
		l.Folders.Work, l.Folders.Chromosomes, l.Folders.SchedulerLogs,
		l.Folders.PhasingLogs, l.Folders.Imputed, l.Folders.Output,
	}
	for _, d := range dirs {
		if detail, ok := checkWritable(d); !ok {
			return detail, false
		}
	}
	if _, err := os.Stat(l.Folders.Input); err != nil {
		return fmt.Sprintf("input folder: %v", err), false
	}
	return fmt.Sprintf("%d folders writable", len(dirs)), true
}

// checkReference verifies the haplotype, legend and genetic map files of
// every autosome.
func checkReference(l *layout.Layout) (string, bool) {
	var missing []string
	for _, c := range partition.Autosomes() {
		for _, p := range []string{l.ReferenceHaps(c.String()), l.ReferenceLegend(c.String()), l.GeneticMap(c.String())} {
			if _, err := os.Stat(p); err != nil {
				missing = append(missing, filepath.Base(p))
			}
		}
	}
	if len(missing) > 0 {
		shown := missing
		if len(shown) > 3 {
			shown = append(shown[:3:3], "...")
		}
		return fmt.Sprintf("%d reference file(s) missing: %s", len(missing), strings.Join(shown, ", ")), false
	}
	return fmt.Sprintf("%d chromosomes present in %s", partition.Count, l.Folders.Reference), true
}
