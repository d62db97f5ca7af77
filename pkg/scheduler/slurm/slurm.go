// Package slurm adapts the SLURM command-line tools to scheduler.Client.
package slurm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/3leaps/imputeflow/pkg/scheduler"
)

// queryChunk bounds the number of ids passed to one squeue invocation.
const queryChunk = 200

// Runner executes an external command and returns its output streams.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// Config configures the SLURM adapter.
type Config struct {
	Sbatch  string
	Squeue  string
	Scancel string

	// User scopes whole-queue queries. Defaults to the current user.
	User string

	// QueryRate caps squeue invocations per second. Zero disables the cap.
	QueryRate float64

	// QueryTimeout bounds a single squeue call.
	QueryTimeout time.Duration

	// ExtraArgs are appended to every sbatch call before --wrap.
	ExtraArgs []string
}

// DefaultConfig returns a Config with standard command names.
func DefaultConfig() Config {
	return Config{
		Sbatch:       "sbatch",
		Squeue:       "squeue",
		Scancel:      "scancel",
		QueryRate:    1,
		QueryTimeout: 60 * time.Second,
	}
}

// Client submits and inspects jobs through sbatch, squeue and scancel.
type Client struct {
	cfg     Config
	runner  Runner
	limiter *rate.Limiter
}

var _ scheduler.Client = (*Client)(nil)

// New creates a Client. A nil runner uses ExecRunner.
func New(cfg Config, runner Runner) *Client {
	def := DefaultConfig()
	if cfg.Sbatch == "" {
		cfg.Sbatch = def.Sbatch
	}
	if cfg.Squeue == "" {
		cfg.Squeue = def.Squeue
	}
	if cfg.Scancel == "" {
		cfg.Scancel = def.Scancel
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = def.QueryTimeout
	}
	if cfg.User == "" {
		cfg.User = currentUser()
	}
	if runner == nil {
		runner = ExecRunner{}
	}

	c := &Client{cfg: cfg, runner: runner}
	if cfg.QueryRate > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.QueryRate), 1)
	}
	return c
}

// Submit calls sbatch --parsable and returns the assigned job id.
func (c *Client) Submit(ctx context.Context, spec scheduler.JobSpec) (scheduler.JobID, error) {
	if err := spec.Validate(); err != nil {
		return "", &scheduler.SubmissionError{Job: spec.Name, Err: err}
	}
	if spec.LogDir != "" {
		if err := os.MkdirAll(spec.LogDir, 0755); err != nil {
			return "", &scheduler.SubmissionError{Job: spec.Name, Err: fmt.Errorf("create log dir: %w", err)}
		}
	}

	args := SbatchArgs(spec, c.cfg.ExtraArgs)
	stdout, stderr, err := c.runner.Run(ctx, c.cfg.Sbatch, args...)
	if err != nil {
		return "", &scheduler.SubmissionError{Job: spec.Name, Output: string(stderr), Err: err}
	}

	id, err := parseJobID(stdout)
	if err != nil {
		return "", &scheduler.SubmissionError{Job: spec.Name, Output: string(stdout) + string(stderr), Err: err}
	}
	return id, nil
}

// QueryState counts running and pending tasks through squeue.
func (c *Client) QueryState(ctx context.Context, f scheduler.Filter) (scheduler.QueueState, error) {
	if f.Empty() {
		return scheduler.QueueState{}, fmt.Errorf("empty queue filter")
	}

	if len(f.JobIDs) > 0 {
		var total scheduler.QueueState
		for start := 0; start < len(f.JobIDs); start += queryChunk {
			end := min(start+queryChunk, len(f.JobIDs))
			ids := make([]string, 0, end-start)
			for _, id := range f.JobIDs[start:end] {
				ids = append(ids, string(id))
			}
			st, err := c.squeue(ctx, "", "-j", strings.Join(ids, ","))
			if err != nil {
				return scheduler.QueueState{}, err
			}
			total.Running += st.Running
			total.Pending += st.Pending
		}
		return total, nil
	}

	return c.squeue(ctx, f.NamePrefix, "-u", c.cfg.User)
}

// Cancel calls scancel for id.
func (c *Client) Cancel(ctx context.Context, id scheduler.JobID) error {
	if strings.TrimSpace(string(id)) == "" {
		return scheduler.ErrUnknownJob
	}
	_, stderr, err := c.runner.Run(ctx, c.cfg.Scancel, string(id))
	if err != nil {
		return fmt.Errorf("scancel %s: %w: %s", id, err, strings.TrimSpace(string(stderr)))
	}
	return nil
}

func (c *Client) squeue(ctx context.Context, namePrefix string, selector ...string) (scheduler.QueueState, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return scheduler.QueueState{}, err
		}
	}

	qctx, cancel := context.WithTimeout(ctx, c.cfg.QueryTimeout)
	defer cancel()

	args := append([]string{"-h", "-o", "%i|%j|%T"}, selector...)
	stdout, stderr, err := c.runner.Run(qctx, c.cfg.Squeue, args...)
	if err != nil {
		if ctx.Err() != nil {
			return scheduler.QueueState{}, ctx.Err()
		}
		// squeue -j rejects ids that already left the controller's memory.
		if strings.Contains(string(stderr), "Invalid job id specified") {
			return scheduler.QueueState{}, nil
		}
		msg := strings.TrimSpace(string(stderr))
		if msg != "" {
			err = fmt.Errorf("%w: %s", err, msg)
		}
		return scheduler.QueueState{}, scheduler.Uncertain("squeue", err)
	}
	return ParseQueue(stdout, namePrefix)
}

// ParseQueue counts tasks in squeue "%i|%j|%T" output. Rows whose name
// does not start with namePrefix are ignored when namePrefix is set.
func ParseQueue(out []byte, namePrefix string) (scheduler.QueueState, error) {
	var st scheduler.QueueState
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, "|")
		if len(fields) != 3 {
			return scheduler.QueueState{}, scheduler.Uncertain("squeue", fmt.Errorf("unexpected line %q", line))
		}
		if namePrefix != "" && !strings.HasPrefix(fields[1], namePrefix) {
			continue
		}
		n, err := taskCount(fields[0])
		if err != nil {
			return scheduler.QueueState{}, scheduler.Uncertain("squeue", err)
		}
		switch strings.ToUpper(fields[2]) {
		case "PENDING", "CONFIGURING", "REQUEUED", "REQUEUE_HOLD", "RESIZING":
			st.Pending += n
		case "RUNNING", "COMPLETING", "SUSPENDED", "STOPPED", "SIGNALING", "STAGE_OUT":
			st.Running += n
		}
	}
	return st, nil
}

// taskCount expands pending array records such as 123_[1-5,9,12-22%4].
func taskCount(id string) (int, error) {
	open := strings.Index(id, "_[")
	if open == -1 {
		return 1, nil
	}
	spec := strings.TrimSuffix(id[open+2:], "]")
	if pct := strings.IndexByte(spec, '%'); pct != -1 {
		spec = spec[:pct]
	}

	total := 0
	for _, part := range strings.Split(spec, ",") {
		if part == "" {
			continue
		}
		lo, hi, found := strings.Cut(part, "-")
		if !found {
			if _, err := strconv.Atoi(lo); err != nil {
				return 0, fmt.Errorf("bad array index %q in %q", part, id)
			}
			total++
			continue
		}
		a, err1 := strconv.Atoi(lo)
		b, err2 := strconv.Atoi(hi)
		if err1 != nil || err2 != nil || b < a {
			return 0, fmt.Errorf("bad array range %q in %q", part, id)
		}
		total += b - a + 1
	}
	return total, nil
}

// SbatchArgs renders spec into sbatch arguments.
func SbatchArgs(spec scheduler.JobSpec, extra []string) []string {
	args := []string{"--parsable", "--job-name=" + spec.Name}
	if spec.RunTag != "" {
		args = append(args, "--comment="+spec.RunTag)
	}

	if spec.LogDir != "" {
		pattern := "%x_%j"
		if spec.Array != nil {
			pattern = "%x_%A_%a"
		}
		args = append(args,
			"--output="+filepath.Join(spec.LogDir, pattern+".out"),
			"--error="+filepath.Join(spec.LogDir, pattern+".err"))
	}

	r := spec.Resources
	if r.CPUs > 0 {
		args = append(args, "--cpus-per-task="+strconv.Itoa(r.CPUs))
	}
	if r.MemoryMB > 0 {
		args = append(args, "--mem="+strconv.Itoa(r.MemoryMB)+"M")
	}
	if r.Walltime > 0 {
		args = append(args, "--time="+FormatWalltime(r.Walltime))
	}
	if r.Partition != "" {
		args = append(args, "--partition="+r.Partition)
	}
	if r.Account != "" {
		args = append(args, "--account="+r.Account)
	}
	if r.QOS != "" {
		args = append(args, "--qos="+r.QOS)
	}

	if spec.Array != nil {
		args = append(args, "--array="+spec.Array.String())
	}
	if spec.AfterOK != "" {
		args = append(args, "--dependency=afterok:"+string(spec.AfterOK), "--kill-on-invalid-dep=yes")
	}
	if spec.WorkDir != "" {
		args = append(args, "--chdir="+spec.WorkDir)
	}

	args = append(args, extra...)
	args = append(args, "--wrap="+WrapCommand(spec.Command, spec.Env))
	return args
}

// FormatWalltime renders d as D-HH:MM:SS, rounding up to whole seconds.
func FormatWalltime(d time.Duration) string {
	secs := int64((d + time.Second - 1) / time.Second)
	days := secs / 86400
	secs %= 86400
	return fmt.Sprintf("%d-%02d:%02d:%02d", days, secs/3600, (secs%3600)/60, secs%60)
}

// WrapCommand quotes argv for sbatch --wrap. The task placeholder becomes
// the SLURM array index variable; everything else is single-quoted.
func WrapCommand(argv []string, env map[string]string) string {
	parts := make([]string, 0, len(argv)+len(env)+1)
	if len(env) > 0 {
		keys := make([]string, 0, len(env))
		for k := range env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts = append(parts, "env")
		for _, k := range keys {
			parts = append(parts, quoteWord(k+"="+env[k]))
		}
	}
	for _, arg := range argv {
		parts = append(parts, quoteWord(arg))
	}
	return strings.Join(parts, " ")
}

func quoteWord(s string) string {
	if s == "" {
		return "''"
	}
	pieces := strings.Split(s, scheduler.TaskPlaceholder)
	var b strings.Builder
	for i, p := range pieces {
		if i > 0 {
			b.WriteString(`"${SLURM_ARRAY_TASK_ID}"`)
		}
		if p == "" {
			continue
		}
		if isSafeWord(p) {
			b.WriteString(p)
			continue
		}
		b.WriteString("'" + strings.ReplaceAll(p, "'", `'\''`) + "'")
	}
	return b.String()
}

func isSafeWord(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case strings.ContainsRune("-_./=:,+@%", r):
		default:
			return false
		}
	}
	return true
}

func parseJobID(out []byte) (scheduler.JobID, error) {
	line := strings.TrimSpace(string(out))
	if i := strings.IndexByte(line, '\n'); i != -1 {
		line = strings.TrimSpace(line[:i])
	}
	// --parsable prints "<id>" or "<id>;<cluster>".
	id, _, _ := strings.Cut(line, ";")
	if id == "" {
		return "", errors.New("sbatch returned no job id")
	}
	if _, err := strconv.ParseUint(id, 10, 64); err != nil {
		return "", fmt.Errorf("unexpected sbatch output %q", line)
	}
	return scheduler.JobID(id), nil
}

func currentUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return ""
}
