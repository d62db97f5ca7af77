package cmd

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/3leaps/imputeflow/pkg/jobregistry"
	"github.com/3leaps/imputeflow/pkg/pipeline"
)

const managedHeartbeatInterval = 30 * time.Second

// runRecorder keeps the run record in the registry in step with the
// sequencer.
type runRecorder struct {
	pipeline.NopObserver

	store *jobregistry.Store
	mu    sync.Mutex
	rec   *jobregistry.RunRecord
}

func newRunRecorder(store *jobregistry.Store, rec *jobregistry.RunRecord) *runRecorder {
	return &runRecorder{store: store, rec: rec}
}

func (r *runRecorder) begin() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	host, _ := os.Hostname()
	r.rec.State = jobregistry.RunStateRunning
	r.rec.PID = os.Getpid()
	r.rec.Host = host
	if r.rec.CreatedAt.IsZero() {
		r.rec.CreatedAt = now
	}
	if r.rec.StartedAt == nil {
		r.rec.StartedAt = &now
	}
	r.rec.LastHeartbeat = &now
	return r.store.WriteRun(r.rec)
}

func (r *runRecorder) StageStarted(s pipeline.StageStart) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rec.CurrentStage = string(s.Stage.Name)
	_ = r.store.WriteRun(r.rec)
}

func (r *runRecorder) heartbeat() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	r.rec.LastHeartbeat = &now
	_ = r.store.WriteRun(r.rec)
}

// finish records the terminal state of the run.
func (r *runRecorder) finish(runErr error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	r.rec.EndedAt = &now
	r.rec.LastHeartbeat = &now
	switch {
	case runErr == nil:
		r.rec.State = jobregistry.RunStateSucceeded
		r.rec.CurrentStage = ""
	case errors.Is(runErr, pipeline.ErrAborted) || errors.Is(runErr, context.Canceled):
		r.rec.State = jobregistry.RunStateAborted
		r.rec.Error = runErr.Error()
	default:
		r.rec.State = jobregistry.RunStateFailed
		r.rec.Error = runErr.Error()
	}
	_ = r.store.WriteRun(r.rec)
}

// startManagedHeartbeat refreshes the run's heartbeat until the returned
// stop func is called.
func startManagedHeartbeat(ctx context.Context, r *runRecorder) func() {
	if r == nil {
		return func() {}
	}

	t := time.NewTicker(managedHeartbeatInterval)
	done := make(chan struct{})
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-t.C:
				r.heartbeat()
			}
		}
	}()

	return func() {
		t.Stop()
		close(done)
		<-stopped
	}
}
