package jobregistry

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Executor starts detached workflow runs.
//
// A background run is a child process running `imputeflow run` in managed
// mode with a pre-assigned run id, its stdout/stderr captured to the run's
// directory so an operator can log out of the submission host.
type Executor struct {
	store *Store
	exe   func() (string, error)
}

func NewExecutor(root string) *Executor {
	return &Executor{store: NewStore(root), exe: os.Executable}
}

func (e *Executor) Store() *Store {
	return e.store
}

func (e *Executor) StdoutPath(runID string) string {
	return filepath.Join(e.store.RunDir(runID), "stdout.log")
}

func (e *Executor) StderrPath(runID string) string {
	return filepath.Join(e.store.RunDir(runID), "stderr.log")
}

// BackgroundOptions controls StartRunBackground.
type BackgroundOptions struct {
	// Dedupe refuses to start when a live run of the same dataset exists.
	Dedupe bool
}

// StartRunBackground spawns:
//
//	imputeflow run <args...> --_managed-run-id <run_id>
//
// It writes the initial run record and returns after the child starts.
func (e *Executor) StartRunBackground(rec RunRecord, args []string, opts BackgroundOptions) (*RunRecord, error) {
	if e == nil || e.store == nil {
		return nil, fmt.Errorf("executor is not initialized")
	}
	if strings.TrimSpace(rec.RunID) == "" {
		return nil, fmt.Errorf("run_id is required")
	}

	if opts.Dedupe {
		if existing, _ := e.store.ListRuns(); len(existing) > 0 {
			for _, r := range existing {
				if r.Dataset == rec.Dataset && r.State == RunStateRunning {
					return nil, fmt.Errorf("duplicate running run exists for dataset %s: %s", r.Dataset, r.RunID)
				}
			}
		}
	}

	runDir := e.store.RunDir(rec.RunID)
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}

	stdoutFile, err := os.Create(e.StdoutPath(rec.RunID))
	if err != nil {
		return nil, fmt.Errorf("create stdout log: %w", err)
	}
	defer func() { _ = stdoutFile.Close() }()
	stderrFile, err := os.Create(e.StderrPath(rec.RunID))
	if err != nil {
		return nil, fmt.Errorf("create stderr log: %w", err)
	}
	defer func() { _ = stderrFile.Close() }()

	exe, err := e.exe()
	if err != nil {
		return nil, fmt.Errorf("resolve executable: %w", err)
	}

	argv := append([]string{"run"}, args...)
	argv = append(argv, "--_managed-run-id", rec.RunID)
	cmd := exec.Command(exe, argv...)
	cmd.Stdout = stdoutFile
	cmd.Stderr = stderrFile
	cmd.Env = os.Environ()

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start background run: %w", err)
	}

	now := time.Now().UTC()
	host, _ := os.Hostname()
	rec.State = RunStateRunning
	rec.PID = cmd.Process.Pid
	rec.Host = host
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.StartedAt = &now
	rec.LastHeartbeat = func() *time.Time { t := now; return &t }()
	rec.StdoutPath = e.StdoutPath(rec.RunID)
	rec.StderrPath = e.StderrPath(rec.RunID)
	if err := e.store.WriteRun(&rec); err != nil {
		return nil, err
	}

	// The child is detached; reap it if it exits while we are still alive.
	go func() { _ = cmd.Wait() }()

	return &rec, nil
}
