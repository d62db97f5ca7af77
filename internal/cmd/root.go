// Package cmd implements the imputeflow command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/imputeflow/internal/config"
	"github.com/3leaps/imputeflow/internal/observability"
)

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "unknown",
	BuildDate: "unknown",
}

var (
	cfgFile  string
	verbose  bool
	logLevel string

	appIdentity = config.DefaultIdentity()
	appConfig   *config.Config
)

// skipConfig marks commands that run without loading configuration.
const skipConfig = "imputeflow/skip-config"

var rootCmd = &cobra.Command{
	Use:   "imputeflow",
	Short: "Genotype imputation workflow orchestrator",
	Long: `imputeflow drives a genotype imputation workflow through an HPC batch
scheduler: preprocessing, per-chromosome splitting and phasing, segmented
imputation, concatenation, encoding, format conversion and merging.

Every stage checks the artifacts of earlier attempts first, so re-running a
dataset resumes where the last run stopped.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initRuntime,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: imputeflow.yaml in the project or user config dir)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
}

// SetVersionInfo records build information injected by the linker.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

// GetAppIdentity returns the application identity.
func GetAppIdentity() *config.Identity {
	return appIdentity
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	err := rootCmd.Execute()
	if err == nil {
		return 0
	}
	_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
	var ce *codedError
	if errors.As(err, &ce) {
		return ce.code
	}
	return 1
}

func initRuntime(cmd *cobra.Command, _ []string) error {
	if cmd.Annotations[skipConfig] == "true" {
		observability.InitCLILogger(appIdentity.BinaryName, verbose)
		return nil
	}

	overrides := map[string]any{}
	if logLevel != "" {
		overrides["logging"] = map[string]any{"level": logLevel}
	}
	if verbose {
		overrides["logging"] = map[string]any{"level": "debug"}
	}
	cfg, err := config.LoadFile(cmd.Context(), cfgFile, overrides)
	if err != nil {
		return exitError(exitConfigError(err), "Failed to load configuration", err)
	}
	appConfig = cfg

	if err := observability.Configure(appIdentity.BinaryName, cfg.LoggerOptions()); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
	}
	observability.CLILogger.Debug("Configuration loaded",
		zap.String("config_file", cfgFile),
		zap.String("backend", cfg.Scheduler.Backend))
	return nil
}

// currentConfig returns the loaded configuration, loading defaults when a
// command runs outside Execute (tests).
func currentConfig(ctx context.Context) (*config.Config, error) {
	if appConfig != nil {
		return appConfig, nil
	}
	cfg, err := config.LoadFile(ctx, cfgFile)
	if err != nil {
		return nil, err
	}
	appConfig = cfg
	return cfg, nil
}

// commandContext returns the command's context, or Background when the
// command runs outside Execute.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
