// Package local runs jobs as child processes on the current host.
//
// It implements the same contract as a cluster scheduler so a workflow can
// run end to end on a workstation: array jobs fan out into tasks, at most
// MaxParallel tasks run at once, and AfterOK dependencies hold a job until
// its dependency succeeded.
package local

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/3leaps/imputeflow/pkg/scheduler"
)

type taskState int

const (
	taskPending taskState = iota
	taskRunning
	taskSucceeded
	taskFailed
	taskCancelled
)

type task struct {
	index int
	state taskState
}

type job struct {
	id     scheduler.JobID
	spec   scheduler.JobSpec
	tasks  []*task
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	failed bool
}

// Config configures the local backend.
type Config struct {
	// MaxParallel bounds concurrently running tasks. Defaults to NumCPU.
	MaxParallel int
}

// Client is an in-process scheduler backed by os/exec.
type Client struct {
	mu   sync.Mutex
	jobs map[scheduler.JobID]*job
	sem  chan struct{}
	wg   sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

var (
	_ scheduler.Client       = (*Client)(nil)
	_ scheduler.ProcessBound = (*Client)(nil)
)

// New creates a local backend. Call Close to stop outstanding work.
func New(cfg Config) *Client {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = runtime.NumCPU()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		jobs:   make(map[scheduler.JobID]*job),
		sem:    make(chan struct{}, cfg.MaxParallel),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Submit schedules spec and returns immediately.
func (c *Client) Submit(_ context.Context, spec scheduler.JobSpec) (scheduler.JobID, error) {
	if err := spec.Validate(); err != nil {
		return "", &scheduler.SubmissionError{Job: spec.Name, Err: err}
	}
	if spec.LogDir != "" {
		if err := os.MkdirAll(spec.LogDir, 0755); err != nil {
			return "", &scheduler.SubmissionError{Job: spec.Name, Err: fmt.Errorf("create log dir: %w", err)}
		}
	}

	c.mu.Lock()
	var dep *job
	if spec.AfterOK != "" {
		dep = c.jobs[spec.AfterOK]
		if dep == nil {
			c.mu.Unlock()
			return "", &scheduler.SubmissionError{Job: spec.Name, Err: fmt.Errorf("dependency %s: %w", spec.AfterOK, scheduler.ErrUnknownJob)}
		}
	}

	ctx, cancel := context.WithCancel(c.ctx)
	j := &job{
		id:     scheduler.JobID(uuid.New().String()),
		spec:   spec,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	if spec.Array != nil {
		for i := spec.Array.First; i <= spec.Array.Last; i++ {
			j.tasks = append(j.tasks, &task{index: i})
		}
	} else {
		j.tasks = []*task{{index: -1}}
	}
	c.jobs[j.id] = j
	c.mu.Unlock()

	c.wg.Add(1)
	go c.runJob(j, dep)

	return j.id, nil
}

// QueryState counts pending and running tasks among matching jobs.
func (c *Client) QueryState(_ context.Context, f scheduler.Filter) (scheduler.QueueState, error) {
	if f.Empty() {
		return scheduler.QueueState{}, fmt.Errorf("empty queue filter")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var selected []*job
	switch {
	case len(f.JobIDs) > 0:
		for _, id := range f.JobIDs {
			if j := c.jobs[id]; j != nil {
				selected = append(selected, j)
			}
		}
	default:
		for _, j := range c.jobs {
			if f.AllUserJobs || strings.HasPrefix(j.spec.Name, f.NamePrefix) {
				selected = append(selected, j)
			}
		}
	}

	var st scheduler.QueueState
	for _, j := range selected {
		for _, t := range j.tasks {
			switch t.state {
			case taskPending:
				st.Pending++
			case taskRunning:
				st.Running++
			}
		}
	}
	return st, nil
}

// Cancel stops a job's running tasks and drops its pending ones.
func (c *Client) Cancel(_ context.Context, id scheduler.JobID) error {
	c.mu.Lock()
	j := c.jobs[id]
	c.mu.Unlock()
	if j == nil {
		return scheduler.ErrUnknownJob
	}
	j.cancel()
	return nil
}

// Wait blocks until the job finished and reports whether every task succeeded.
func (c *Client) Wait(ctx context.Context, id scheduler.JobID) (bool, error) {
	c.mu.Lock()
	j := c.jobs[id]
	c.mu.Unlock()
	if j == nil {
		return false, scheduler.ErrUnknownJob
	}
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-j.done:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return !j.failed, nil
}

// ProcessBound is true: Close kills every job this client started.
func (c *Client) ProcessBound() bool { return true }

// Close cancels all jobs and waits for their processes to exit.
func (c *Client) Close() error {
	c.cancel()
	c.wg.Wait()
	return nil
}

func (c *Client) runJob(j *job, dep *job) {
	defer c.wg.Done()
	defer close(j.done)

	if dep != nil {
		select {
		case <-j.ctx.Done():
		case <-dep.done:
		}
		c.mu.Lock()
		depFailed := dep.failed
		c.mu.Unlock()
		if depFailed || j.ctx.Err() != nil {
			c.finishAll(j, taskCancelled)
			return
		}
	}

	var wg sync.WaitGroup
	for _, t := range j.tasks {
		wg.Add(1)
		go func(t *task) {
			defer wg.Done()
			c.runTask(j, t)
		}(t)
	}
	wg.Wait()
}

func (c *Client) runTask(j *job, t *task) {
	select {
	case <-j.ctx.Done():
		c.setState(j, t, taskCancelled)
		return
	case c.sem <- struct{}{}:
	}
	defer func() { <-c.sem }()

	if j.ctx.Err() != nil {
		c.setState(j, t, taskCancelled)
		return
	}
	c.setState(j, t, taskRunning)

	if err := c.exec(j, t); err != nil {
		if j.ctx.Err() != nil {
			c.setState(j, t, taskCancelled)
			return
		}
		c.setState(j, t, taskFailed)
		return
	}
	c.setState(j, t, taskSucceeded)
}

func (c *Client) exec(j *job, t *task) error {
	argv := j.spec.Command
	if t.index >= 0 {
		argv = scheduler.ExpandTask(argv, t.index)
	}

	cmd := exec.CommandContext(j.ctx, argv[0], argv[1:]...)
	cmd.Dir = j.spec.WorkDir
	cmd.Env = os.Environ()
	for k, v := range j.spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	if t.index >= 0 {
		cmd.Env = append(cmd.Env, "SLURM_ARRAY_TASK_ID="+strconv.Itoa(t.index))
	}

	if j.spec.LogDir != "" {
		base := LogBase(j.spec.LogDir, j.spec.Name, j.id, t.index)
		stdout, err := os.Create(base + ".out")
		if err != nil {
			return fmt.Errorf("create stdout log: %w", err)
		}
		defer func() { _ = stdout.Close() }()
		stderr, err := os.Create(base + ".err")
		if err != nil {
			return fmt.Errorf("create stderr log: %w", err)
		}
		defer func() { _ = stderr.Close() }()
		cmd.Stdout = stdout
		cmd.Stderr = stderr
	}

	return cmd.Run()
}

func (c *Client) setState(j *job, t *task, s taskState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t.state = s
	if s == taskFailed || s == taskCancelled {
		j.failed = true
	}
}

func (c *Client) finishAll(j *job, s taskState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range j.tasks {
		t.state = s
	}
	j.failed = true
}

// LogBase is the per-task log path without extension. It mirrors the
// SLURM naming used by the cluster backend (name_job_task).
func LogBase(dir, name string, id scheduler.JobID, index int) string {
	if index < 0 {
		return filepath.Join(dir, fmt.Sprintf("%s_%s", name, id))
	}
	return filepath.Join(dir, fmt.Sprintf("%s_%s_%d", name, id, index))
}
