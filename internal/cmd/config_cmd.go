package cmd

import (
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/3leaps/imputeflow/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as YAML",
	Long: `Print the configuration after defaults, config files, environment
variables and flags have been applied.`,
	RunE: runConfigShow,
}

var configPathsCmd = &cobra.Command{
	Use:   "paths",
	Short: "Print where configuration and run state are looked up",
	RunE:  runConfigPaths,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configPathsCmd)
	configShowCmd.Flags().Bool("validate", false, "Fail when the configuration is invalid")
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	validate, _ := cmd.Flags().GetBool("validate")
	cfg, err := currentConfig(commandContext(cmd))
	if err != nil {
		return exitError(exitConfigError(err), "Failed to load configuration", err)
	}
	if validate {
		if err := cfg.Validate(); err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
		}
	}

	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to render configuration", err)
	}
	return enc.Close()
}

func runConfigPaths(cmd *cobra.Command, _ []string) error {
	cfg, err := currentConfig(commandContext(cmd))
	if err != nil {
		return exitError(exitConfigError(err), "Failed to load configuration", err)
	}
	out := cmd.OutOrStdout()
	if cfgFile != "" {
		_, _ = fmt.Fprintf(out, "config_file=%s\n", cfgFile)
	}
	for _, p := range config.SearchPaths() {
		_, _ = fmt.Fprintf(out, "search_path=%s\n", p)
	}
	_, _ = fmt.Fprintf(out, "env_prefix=%s\n", appIdentity.EnvPrefix)
	_, _ = fmt.Fprintf(out, "state_dir=%s\n", stateDir(cfg))
	return nil
}
