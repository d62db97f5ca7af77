package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/imputeflow/internal/config"
	"github.com/3leaps/imputeflow/pkg/scheduler"
	"github.com/3leaps/imputeflow/pkg/scheduler/schedulertest"
)

const testConfigTemplate = `
run:
  prefix: cohort
  folders:
    work: ROOT/work
    chromosomes: ROOT/chromosomes
    scheduler_logs: ROOT/logs/scheduler
    phasing_logs: ROOT/logs/phasing
    imputed: ROOT/imputed
    output: ROOT/output
    reference: ROOT/reference
scheduler:
  backend: local
throttle:
  interval: 1ms
poll:
  grace: 0s
  confirm_delay: 0s
  short_interval: 1ms
  long_interval: 1ms
state:
  dir: ROOT/state
logging:
  level: error
`

// testEnv is an isolated workspace with a config file.
type testEnv struct {
	root   string
	config string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	root := t.TempDir()
	path := filepath.Join(root, "imputeflow.yaml")
	body := strings.ReplaceAll(testConfigTemplate, "ROOT", root)
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return &testEnv{root: root, config: path}
}

func (e *testEnv) path(parts ...string) string {
	return filepath.Join(append([]string{e.root}, parts...)...)
}

func (e *testEnv) load(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadFile(t.Context(), e.config)
	require.NoError(t, err)
	return cfg
}

func useFakeScheduler(t *testing.T, f *schedulertest.Fake) {
	t.Helper()
	orig := newClient
	newClient = func(*config.Config) (scheduler.Client, func(), error) { return f, func() {}, nil }
	t.Cleanup(func() { newClient = orig })
}

// executeCommand runs the root command with args and fresh flag values.
func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	appConfig = nil

	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
		appConfig = nil
		resetFlags(rootCmd)
	})

	err := rootCmd.ExecuteContext(t.Context())
	return buf.String(), err
}

func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}
