// Package config loads the imputeflow configuration.
//
// Layers, lowest first: built-in defaults, config files, IMPUTEFLOW_*
// environment variables, runtime overrides (command-line flags).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/3leaps/imputeflow/internal/observability"
	"github.com/3leaps/imputeflow/pkg/layout"
	"github.com/3leaps/imputeflow/pkg/partition"
	"github.com/3leaps/imputeflow/pkg/pipeline"
	"github.com/3leaps/imputeflow/pkg/scheduler"
	"github.com/3leaps/imputeflow/pkg/scheduler/local"
	"github.com/3leaps/imputeflow/pkg/scheduler/slurm"
)

// Scheduler backends.
const (
	BackendSlurm = "slurm"
	BackendLocal = "local"
)

// DatasetPlaceholder in a folder path is replaced by the dataset prefix, so
// one configuration serves a batch of datasets.
const DatasetPlaceholder = "{dataset}"

// ByteSize is a size that decodes from "10MB" style strings.
type ByteSize int64

// MarshalYAML renders the size in human form.
func (b ByteSize) MarshalYAML() (any, error) {
	return humanize.Bytes(uint64(b)), nil
}

// Config is the full configuration.
type Config struct {
	Run        RunConfig              `mapstructure:"run" yaml:"run"`
	Cleanup    pipeline.CleanupPolicy `mapstructure:"cleanup" yaml:"cleanup"`
	Scheduler  SchedulerConfig        `mapstructure:"scheduler" yaml:"scheduler"`
	Throttle   ThrottleConfig         `mapstructure:"throttle" yaml:"throttle"`
	Poll       PollConfig             `mapstructure:"poll" yaml:"poll"`
	Validation ValidationConfig       `mapstructure:"validation" yaml:"validation"`
	Partition  PartitionConfig        `mapstructure:"partition" yaml:"partition"`
	Tools      map[string][]string    `mapstructure:"tools" yaml:"tools,omitempty"`
	Env        map[string]string      `mapstructure:"env" yaml:"env,omitempty"`
	Logging    LoggingConfig          `mapstructure:"logging" yaml:"logging"`
	Metrics    MetricsConfig          `mapstructure:"metrics" yaml:"metrics"`
	Batch      BatchConfig            `mapstructure:"batch" yaml:"batch"`
	State      StateConfig            `mapstructure:"state" yaml:"state"`

	settings map[string]any
}

// RunConfig names the dataset and its folders.
type RunConfig struct {
	Prefix    string         `mapstructure:"prefix" yaml:"prefix"`
	Reference string         `mapstructure:"reference" yaml:"reference"`
	Folders   layout.Folders `mapstructure:"folders" yaml:"folders"`
	// Self is the imputeflow executable used inside helper jobs. Empty
	// means the running executable.
	Self          string `mapstructure:"self" yaml:"self,omitempty"`
	CancelOnAbort bool   `mapstructure:"cancel_on_abort" yaml:"cancel_on_abort"`
}

// SchedulerConfig selects and configures the backend.
type SchedulerConfig struct {
	Backend   string                         `mapstructure:"backend" yaml:"backend"`
	Partition string                         `mapstructure:"partition" yaml:"partition,omitempty"`
	Account   string                         `mapstructure:"account" yaml:"account,omitempty"`
	QOS       string                         `mapstructure:"qos" yaml:"qos,omitempty"`
	Resources map[string]scheduler.Resources `mapstructure:"resources" yaml:"resources,omitempty"`
	Slurm     SlurmConfig                    `mapstructure:"slurm" yaml:"slurm"`
	Local     LocalConfig                    `mapstructure:"local" yaml:"local"`
}

// SlurmConfig configures the SLURM adapter.
type SlurmConfig struct {
	Sbatch       string        `mapstructure:"sbatch" yaml:"sbatch"`
	Squeue       string        `mapstructure:"squeue" yaml:"squeue"`
	Scancel      string        `mapstructure:"scancel" yaml:"scancel"`
	User         string        `mapstructure:"user" yaml:"user,omitempty"`
	QueryRate    float64       `mapstructure:"query_rate" yaml:"query_rate"`
	QueryTimeout time.Duration `mapstructure:"query_timeout" yaml:"query_timeout"`
	ExtraArgs    []string      `mapstructure:"extra_args" yaml:"extra_args,omitempty"`
}

// LocalConfig configures the in-process backend.
type LocalConfig struct {
	MaxParallel int `mapstructure:"max_parallel" yaml:"max_parallel"`
}

// ThrottleConfig configures the submission governor.
type ThrottleConfig struct {
	Limit    int           `mapstructure:"limit" yaml:"limit"`
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
	Scope    string        `mapstructure:"scope" yaml:"scope"`
}

// PollConfig configures stage completion polling.
type PollConfig struct {
	Grace         time.Duration `mapstructure:"grace" yaml:"grace"`
	ConfirmDelay  time.Duration `mapstructure:"confirm_delay" yaml:"confirm_delay"`
	ShortInterval time.Duration `mapstructure:"short_interval" yaml:"short_interval"`
	LongInterval  time.Duration `mapstructure:"long_interval" yaml:"long_interval"`
	Match         string        `mapstructure:"match" yaml:"match"`
}

// ValidationConfig holds artifact size minimums.
type ValidationConfig struct {
	EncodedMinSize ByteSize `mapstructure:"encoded_min_size" yaml:"encoded_min_size"`
	MergedMinSize  ByteSize `mapstructure:"merged_min_size" yaml:"merged_min_size"`
}

// PartitionConfig overrides chromosome lengths, in megabases.
type PartitionConfig struct {
	Lengths map[string]int `mapstructure:"lengths" yaml:"lengths,omitempty"`
}

// LoggingConfig configures the CLI logger.
type LoggingConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Profile    string `mapstructure:"profile" yaml:"profile"`
	File       string `mapstructure:"file" yaml:"file,omitempty"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
}

// MetricsConfig configures the status and metrics server.
type MetricsConfig struct {
	// Addr enables the server when set, e.g. "127.0.0.1:9464".
	Addr      string `mapstructure:"addr" yaml:"addr,omitempty"`
	Namespace string `mapstructure:"namespace" yaml:"namespace"`
}

// BatchConfig configures multi-dataset submission.
type BatchConfig struct {
	Limit int  `mapstructure:"limit" yaml:"limit"`
	Chain bool `mapstructure:"chain" yaml:"chain"`
	// Resources for the driver job that runs one dataset's workflow.
	Resources scheduler.Resources `mapstructure:"resources" yaml:"resources"`
}

// StateConfig locates the run and job registry.
type StateConfig struct {
	Dir string `mapstructure:"dir" yaml:"dir,omitempty"`
}

// Settings returns the merged raw settings as loaded.
func (c *Config) Settings() map[string]any { return c.settings }

// Validate rejects configurations a run cannot start with.
func (c *Config) Validate() error {
	if _, err := c.Layout(""); err != nil {
		return err
	}
	switch c.Scheduler.Backend {
	case BackendSlurm, BackendLocal:
	default:
		return fmt.Errorf("unknown scheduler backend %q (want %s or %s)", c.Scheduler.Backend, BackendSlurm, BackendLocal)
	}
	if c.Throttle.Limit <= 0 {
		return fmt.Errorf("throttle.limit must be positive, got %d", c.Throttle.Limit)
	}
	if c.Throttle.Interval <= 0 {
		return fmt.Errorf("throttle.interval must be positive")
	}
	if c.Poll.ShortInterval <= 0 || c.Poll.LongInterval <= 0 {
		return fmt.Errorf("poll intervals must be positive")
	}
	if c.Poll.Grace < 0 || c.Poll.ConfirmDelay < 0 {
		return fmt.Errorf("poll delays must not be negative")
	}
	switch c.Poll.Match {
	case pipeline.MatchIDs, pipeline.MatchName:
	default:
		return fmt.Errorf("unknown poll.match %q (want %s or %s)", c.Poll.Match, pipeline.MatchIDs, pipeline.MatchName)
	}
	switch c.Throttle.Scope {
	case pipeline.ScopeUser, pipeline.ScopeRun:
	default:
		return fmt.Errorf("unknown throttle.scope %q (want %s or %s)", c.Throttle.Scope, pipeline.ScopeUser, pipeline.ScopeRun)
	}
	if c.Scheduler.Slurm.QueryRate < 0 {
		return fmt.Errorf("scheduler.slurm.query_rate must not be negative")
	}
	switch strings.ToLower(c.Logging.Profile) {
	case observability.ProfileConsole, observability.ProfileStructured:
	default:
		return fmt.Errorf("unknown logging profile %q", c.Logging.Profile)
	}
	if _, err := c.Pipeline(); err != nil {
		return err
	}
	return nil
}

// Layout resolves the run folders for dataset. An empty dataset uses
// run.prefix.
func (c *Config) Layout(dataset string) (*layout.Layout, error) {
	prefix := strings.TrimSpace(dataset)
	if prefix == "" {
		prefix = c.Run.Prefix
	}
	f := c.Run.Folders
	for _, dir := range []*string{
		&f.Input, &f.Work, &f.Chromosomes, &f.SchedulerLogs,
		&f.PhasingLogs, &f.Imputed, &f.Output, &f.Reference,
	} {
		*dir = strings.ReplaceAll(*dir, DatasetPlaceholder, prefix)
	}
	return layout.New(prefix, c.Run.Reference, f)
}

// Pipeline converts the configuration into sequencer settings. The run id
// and tag are left for the caller.
func (c *Config) Pipeline() (pipeline.Config, error) {
	pc := pipeline.Config{
		Self: c.Run.Self,
		BaseResources: scheduler.Resources{
			Partition: c.Scheduler.Partition,
			Account:   c.Scheduler.Account,
			QOS:       c.Scheduler.QOS,
		},
		Thresholds: pipeline.Thresholds{
			EncodedMinBytes: int64(c.Validation.EncodedMinSize),
			MergedMinBytes:  int64(c.Validation.MergedMinSize),
		},
		Cleanup: c.Cleanup,
		Poll: pipeline.PollConfig{
			Grace:         c.Poll.Grace,
			ConfirmDelay:  c.Poll.ConfirmDelay,
			ShortInterval: c.Poll.ShortInterval,
			LongInterval:  c.Poll.LongInterval,
			Match:         c.Poll.Match,
		},
		Throttle: pipeline.ThrottleConfig{
			Limit:    c.Throttle.Limit,
			Interval: c.Throttle.Interval,
			Scope:    c.Throttle.Scope,
		},
		CancelOnAbort: c.Run.CancelOnAbort,
	}

	// Config keys are case-folded on load; job environments are upper case.
	if len(c.Env) > 0 {
		pc.Env = make(map[string]string, len(c.Env))
		for k, val := range c.Env {
			pc.Env[strings.ToUpper(k)] = val
		}
	}

	if len(c.Tools) > 0 {
		pc.Tools = make(map[pipeline.Name][]string, len(c.Tools))
		for key, argv := range c.Tools {
			name, err := pipeline.ParseName(key)
			if err != nil {
				return pipeline.Config{}, fmt.Errorf("tools: %w", err)
			}
			pc.Tools[name] = argv
		}
		if _, err := pipeline.CompileTools(pc.Tools); err != nil {
			return pipeline.Config{}, fmt.Errorf("tools: %w", err)
		}
	}

	if len(c.Scheduler.Resources) > 0 {
		pc.Resources = make(map[pipeline.Name]scheduler.Resources, len(c.Scheduler.Resources))
		for key, r := range c.Scheduler.Resources {
			name, err := pipeline.ParseName(key)
			if err != nil {
				return pipeline.Config{}, fmt.Errorf("scheduler.resources: %w", err)
			}
			pc.Resources[name] = r
		}
	}

	overrides := make(map[partition.Chromosome]int, len(c.Partition.Lengths))
	for key, mb := range c.Partition.Lengths {
		chr, err := partition.ParseChromosome(key)
		if err != nil {
			return pipeline.Config{}, fmt.Errorf("partition.lengths: %w", err)
		}
		overrides[chr] = mb
	}
	lengths, err := partition.NewLengths(overrides)
	if err != nil {
		return pipeline.Config{}, fmt.Errorf("partition.lengths: %w", err)
	}
	pc.Lengths = lengths
	return pc, nil
}

// SlurmConfig returns the SLURM adapter settings.
func (c *Config) SlurmConfig() slurm.Config {
	s := c.Scheduler.Slurm
	return slurm.Config{
		Sbatch:       s.Sbatch,
		Squeue:       s.Squeue,
		Scancel:      s.Scancel,
		User:         s.User,
		QueryRate:    s.QueryRate,
		QueryTimeout: s.QueryTimeout,
		ExtraArgs:    s.ExtraArgs,
	}
}

// LocalConfig returns the local backend settings.
func (c *Config) LocalConfig() local.Config {
	return local.Config{MaxParallel: c.Scheduler.Local.MaxParallel}
}

// LoggerOptions returns the observability settings.
func (c *Config) LoggerOptions() observability.Options {
	return observability.Options{
		Level:      c.Logging.Level,
		Profile:    strings.ToLower(c.Logging.Profile),
		File:       c.Logging.File,
		MaxSizeMB:  c.Logging.MaxSizeMB,
		MaxBackups: c.Logging.MaxBackups,
		MaxAgeDays: c.Logging.MaxAgeDays,
	}
}
