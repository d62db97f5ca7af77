package jobregistry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"
)

// Store persists run and job records in an on-disk directory.
//
// Directory layout:
//
//	<root>/<run_id>/run.json
//	<root>/<run_id>/jobs/<job_id>.json
//	<root>/<run_id>/stdout.log   (background runs)
//	<root>/<run_id>/stderr.log   (background runs)
//
// Root is expected to live on the shared filesystem next to the scheduler
// logs so every node sees the same view.
type Store struct {
	root string
}

func NewStore(root string) *Store {
	return &Store{root: strings.TrimSpace(root)}
}

func (s *Store) RootDir() string {
	return s.root
}

func (s *Store) RunDir(runID string) string {
	return filepath.Join(s.root, runID)
}

func (s *Store) RunPath(runID string) string {
	return filepath.Join(s.RunDir(runID), "run.json")
}

func (s *Store) JobPath(runID, jobID string) string {
	return filepath.Join(s.RunDir(runID), "jobs", sanitizeID(jobID)+".json")
}

func (s *Store) ensureRoot() error {
	if strings.TrimSpace(s.root) == "" {
		return fmt.Errorf("job registry root dir is empty")
	}
	return os.MkdirAll(s.root, 0755)
}

// WriteRun persists record atomically.
func (s *Store) WriteRun(record *RunRecord) error {
	if record == nil {
		return fmt.Errorf("run record is nil")
	}
	runID := strings.TrimSpace(record.RunID)
	if runID == "" {
		return fmt.Errorf("run_id is required")
	}
	if err := s.ensureRoot(); err != nil {
		return err
	}
	return writeJSON(s.RunPath(runID), record)
}

// GetRun loads a run record. A run that claims to be running but whose
// pid is gone is marked unknown.
func (s *Store) GetRun(runID string) (*RunRecord, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, fmt.Errorf("run_id is required")
	}

	var record RunRecord
	if err := readJSON(s.RunPath(runID), &record); err != nil {
		return nil, err
	}

	if record.State == RunStateRunning && record.PID > 0 && sameHost(record.Host) {
		if !isProcessAlive(record.PID) {
			record.State = RunStateUnknown
			now := time.Now().UTC()
			record.LastHeartbeat = &now
			_ = s.WriteRun(&record)
		}
	}

	return &record, nil
}

// ListRuns returns every run, newest first.
func (s *Store) ListRuns() ([]RunRecord, error) {
	if err := s.ensureRoot(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read runs root: %w", err)
	}

	out := make([]RunRecord, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		r, err := s.GetRun(entry.Name())
		if err != nil {
			continue
		}
		out = append(out, *r)
	}

	sort.Slice(out, func(i, j int) bool {
		return runSortTime(out[i]).After(runSortTime(out[j]))
	})
	return out, nil
}

// Heartbeat refreshes the run's heartbeat timestamp.
func (s *Store) Heartbeat(runID string, at time.Time) error {
	rec, err := s.GetRun(runID)
	if err != nil {
		return err
	}
	at = at.UTC()
	rec.LastHeartbeat = &at
	return s.WriteRun(rec)
}

// WriteJob persists a job record atomically.
func (s *Store) WriteJob(record *JobRecord) error {
	if record == nil {
		return fmt.Errorf("job record is nil")
	}
	if strings.TrimSpace(record.RunID) == "" {
		return fmt.Errorf("run_id is required")
	}
	if strings.TrimSpace(record.JobID) == "" {
		return fmt.Errorf("job_id is required")
	}
	if err := s.ensureRoot(); err != nil {
		return err
	}
	return writeJSON(s.JobPath(record.RunID, record.JobID), record)
}

// ListJobs returns a run's jobs in submission order.
func (s *Store) ListJobs(runID string) ([]JobRecord, error) {
	dir := filepath.Join(s.RunDir(runID), "jobs")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read jobs dir: %w", err)
	}

	out := make([]JobRecord, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		var rec JobRecord
		if err := readJSON(filepath.Join(dir, entry.Name()), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].JobID < out[j].JobID
		}
		return out[i].SubmittedAt.Before(out[j].SubmittedAt)
	})
	return out, nil
}

// MarkJobs sets state on every job of runID whose stage matches (all jobs
// when stage is empty) and which is still marked submitted.
func (s *Store) MarkJobs(runID, stage string, state JobState, at time.Time) error {
	jobs, err := s.ListJobs(runID)
	if err != nil {
		return err
	}
	at = at.UTC()
	for i := range jobs {
		j := &jobs[i]
		if j.State != JobStateSubmitted || (stage != "" && j.Stage != stage) {
			continue
		}
		j.State = state
		j.EndedAt = &at
		if err := s.WriteJob(j); err != nil {
			return err
		}
	}
	return nil
}

func writeJSON(path string, v any) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}

	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp record: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename record: %w", err)
	}
	return nil
}

func readJSON(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		return fmt.Errorf("%s is empty", filepath.Base(path))
	}
	if err := json.Unmarshal([]byte(trimmed), v); err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

func sanitizeID(id string) string {
	return strings.NewReplacer("/", "_", string(filepath.Separator), "_", ";", "_").Replace(strings.TrimSpace(id))
}

func runSortTime(r RunRecord) time.Time {
	if r.StartedAt != nil {
		return r.StartedAt.UTC()
	}
	return r.CreatedAt.UTC()
}

// sameHost reports whether host is this machine; pids from other nodes
// cannot be probed.
func sameHost(host string) bool {
	if host == "" {
		return true
	}
	h, err := os.Hostname()
	return err == nil && h == host
}

func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// signal 0 is supported on unix; it checks for existence without sending a signal.
	if err := p.Signal(os.Signal(syscall.Signal(0))); err != nil {
		return false
	}
	return true
}
