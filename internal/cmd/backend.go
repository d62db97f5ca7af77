package cmd

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/fulmenhq/gofulmen/foundry"

	"github.com/3leaps/imputeflow/internal/config"
	"github.com/3leaps/imputeflow/pkg/jobregistry"
	"github.com/3leaps/imputeflow/pkg/scheduler"
	"github.com/3leaps/imputeflow/pkg/scheduler/local"
	"github.com/3leaps/imputeflow/pkg/scheduler/slurm"
)

// newClient builds the configured scheduler backend. The returned func
// releases it. Tests replace newClient with a fake.
var newClient = func(cfg *config.Config) (scheduler.Client, func(), error) {
	switch cfg.Scheduler.Backend {
	case config.BackendSlurm:
		return slurm.New(cfg.SlurmConfig(), nil), func() {}, nil
	case config.BackendLocal:
		c := local.New(cfg.LocalConfig())
		return c, func() { _ = c.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown scheduler backend %q", cfg.Scheduler.Backend)
	}
}

// stateDir is where run and job records live.
func stateDir(cfg *config.Config) string {
	if cfg != nil && strings.TrimSpace(cfg.State.Dir) != "" {
		return cfg.State.Dir
	}
	return filepath.Join(gfconfig.GetAppDataDir(appIdentity.ConfigName), "runs")
}

func runStore(cfg *config.Config) *jobregistry.Store {
	return jobregistry.NewStore(stateDir(cfg))
}

// resolveRunID accepts a full run id, a unique prefix of one, or a job tag.
func resolveRunID(store *jobregistry.Store, query string) (string, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return "", fmt.Errorf("run id is required")
	}
	if _, err := store.GetRun(query); err == nil {
		return query, nil
	}

	runs, err := store.ListRuns()
	if err != nil {
		return "", err
	}
	var matches []string
	for _, r := range runs {
		if strings.HasPrefix(r.RunID, query) || r.Tag == query {
			matches = append(matches, r.RunID)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("run not found: %s", query)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("run id prefix %q is ambiguous (%d matches)", query, len(matches))
	}
}

// withClient runs fn against a freshly built backend.
func withClient(ctx context.Context, cfg *config.Config, fn func(context.Context, scheduler.Client) error) error {
	client, release, err := newClient(cfg)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid scheduler backend", err)
	}
	defer release()
	return fn(ctx, client)
}
