package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/imputeflow/internal/observability"
	"github.com/3leaps/imputeflow/pkg/partition"
)

func TestLookPaths(t *testing.T) {
	detail, ok := lookPaths("sh")
	assert.True(t, ok)
	assert.Equal(t, "sh", detail)

	detail, ok = lookPaths("sh", "definitely-not-a-real-binary-xyz")
	assert.False(t, ok)
	assert.Contains(t, detail, "definitely-not-a-real-binary-xyz")
	assert.NotContains(t, detail, "sh,")
}

func TestCheckWritable(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "new", "state")
	detail, ok := checkWritable(dir)
	assert.True(t, ok)
	assert.Equal(t, dir, detail)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "probe file is removed")

	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0644))
	_, ok = checkWritable(filepath.Join(file, "sub"))
	assert.False(t, ok)
}

func TestCheckReference(t *testing.T) {
	env := newTestEnv(t)
	cfg := env.load(t)
	l, err := cfg.Layout("")
	require.NoError(t, err)

	detail, ok := checkReference(l)
	assert.False(t, ok)
	assert.Contains(t, detail, "66 reference file(s) missing")

	require.NoError(t, os.MkdirAll(l.Folders.Reference, 0755))
	for _, c := range partition.Autosomes() {
		for _, p := range []string{l.ReferenceHaps(c.String()), l.ReferenceLegend(c.String()), l.GeneticMap(c.String())} {
			require.NoError(t, os.WriteFile(p, []byte("x"), 0644))
		}
	}
	detail, ok = checkReference(l)
	assert.True(t, ok, detail)
}

func TestCheckSchedulerCommands(t *testing.T) {
	env := newTestEnv(t)
	cfg := env.load(t)

	_, ok := checkSchedulerCommands(cfg)
	assert.True(t, ok, "local backend needs only sh")

	cfg.Scheduler.Backend = "pbs"
	detail, ok := checkSchedulerCommands(cfg)
	assert.False(t, ok)
	assert.Contains(t, detail, "unknown backend")
}

func TestDoctorChecks_DatasetAddsFolderChecks(t *testing.T) {
	env := newTestEnv(t)
	cfg := env.load(t)

	names := func(checks []doctorCheck) []string {
		var out []string
		for _, c := range checks {
			out = append(out, c.name)
		}
		return out
	}
	assert.Contains(t, names(doctorChecks(cfg, "")), "reference panel")

	cfg.Run.Prefix = ""
	got := names(doctorChecks(cfg, ""))
	assert.NotContains(t, got, "run folders")
	assert.Contains(t, got, "scheduler commands")
}

func TestDoctor_ReportsFailures(t *testing.T) {
	observability.InitCLILogger("test", false)
	env := newTestEnv(t)

	_, err := executeCommand(t, "--config", env.config, "doctor")
	var ce *codedError
	require.ErrorAs(t, err, &ce, "reference panel is missing")
	assert.Equal(t, foundry.ExitExternalServiceUnavailable, ce.code)
}
