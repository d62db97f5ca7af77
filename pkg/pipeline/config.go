package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/3leaps/imputeflow/pkg/partition"
	"github.com/3leaps/imputeflow/pkg/poll"
	"github.com/3leaps/imputeflow/pkg/scheduler"
	"github.com/3leaps/imputeflow/pkg/throttle"
)

// Throttle scopes select whose pending jobs the governor counts.
const (
	ScopeUser = "user"
	ScopeRun  = "run"
)

// Poll match modes select how the poller finds a stage's jobs.
const (
	MatchIDs  = "ids"
	MatchName = "name"
)

// Default artifact thresholds.
const (
	DefaultEncodedMinBytes = 10 * 1000 * 1000
	DefaultMergedMinBytes  = 1000 * 1000
)

// CleanupPolicy gates what the cleanup stage removes.
type CleanupPolicy struct {
	RemoveIntermediates    bool `mapstructure:"remove_intermediates" yaml:"remove_intermediates"`
	RemovePartitionOutputs bool `mapstructure:"remove_partition_outputs" yaml:"remove_partition_outputs"`
}

// PollConfig configures waiting for a stage.
type PollConfig struct {
	Grace         time.Duration
	ConfirmDelay  time.Duration
	ShortInterval time.Duration
	LongInterval  time.Duration
	Match         string
}

// ThrottleConfig configures the backpressure governor.
type ThrottleConfig struct {
	Limit    int
	Interval time.Duration
	Scope    string
}

// Thresholds are the artifact sanity minimums.
type Thresholds struct {
	EncodedMinBytes int64
	MergedMinBytes  int64
}

// Config configures a Sequencer.
type Config struct {
	RunID string
	// Tag prefixes every job name of the run.
	Tag string
	// Self is the imputeflow executable used by helper stages.
	Self string

	Tools     map[Name][]string
	Resources map[Name]scheduler.Resources
	// BaseResources fill fields no stage sets, typically partition and account.
	BaseResources scheduler.Resources
	Env           map[string]string

	Lengths    *partition.Lengths
	Thresholds Thresholds
	Cleanup    CleanupPolicy
	Poll       PollConfig
	Throttle   ThrottleConfig

	// CancelOnAbort cancels every submitted job when the run fails or is
	// interrupted.
	CancelOnAbort bool
}

// DefaultConfig returns the default configuration for a new run.
func DefaultConfig() Config {
	runID, tag := NewRunID()
	return Config{
		RunID:     runID,
		Tag:       tag,
		Self:      "imputeflow",
		Resources: DefaultResources(),
		Thresholds: Thresholds{
			EncodedMinBytes: DefaultEncodedMinBytes,
			MergedMinBytes:  DefaultMergedMinBytes,
		},
		Poll: PollConfig{
			Grace:         poll.DefaultGrace,
			ConfirmDelay:  poll.DefaultConfirmDelay,
			ShortInterval: poll.DefaultInterval,
			LongInterval:  10 * time.Minute,
			Match:         MatchIDs,
		},
		Throttle: ThrottleConfig{
			Limit:    throttle.DefaultLimit,
			Interval: throttle.DefaultInterval,
			Scope:    ScopeUser,
		},
	}
}

// NewRunID returns a fresh run id and its job tag.
func NewRunID() (runID, tag string) {
	runID = uuid.New().String()
	return runID, TagFor(runID)
}

// TagFor derives the job tag of a run: "if" plus eight hex digits.
func TagFor(runID string) string {
	hex := strings.ReplaceAll(strings.ToLower(runID), "-", "")
	if len(hex) > 8 {
		hex = hex[:8]
	}
	return "if" + hex
}

func (c *Config) applyDefaults() error {
	def := DefaultConfig()
	if c.RunID == "" {
		c.RunID, c.Tag = def.RunID, def.Tag
	}
	if c.Tag == "" {
		c.Tag = TagFor(c.RunID)
	}
	if strings.ContainsAny(c.Tag, " \t/") {
		return fmt.Errorf("invalid run tag %q", c.Tag)
	}
	if c.Self == "" {
		c.Self = def.Self
	}
	if c.Lengths == nil {
		lengths, err := partition.NewLengths(nil)
		if err != nil {
			return err
		}
		c.Lengths = lengths
	}

	merged := DefaultResources()
	for name, r := range c.Resources {
		merged[name] = r.Merge(merged[name])
	}
	for name, r := range merged {
		merged[name] = r.Merge(c.BaseResources)
	}
	c.Resources = merged

	if c.Thresholds.EncodedMinBytes == 0 {
		c.Thresholds.EncodedMinBytes = def.Thresholds.EncodedMinBytes
	}
	if c.Thresholds.MergedMinBytes == 0 {
		c.Thresholds.MergedMinBytes = def.Thresholds.MergedMinBytes
	}

	if c.Poll.ShortInterval <= 0 {
		c.Poll.ShortInterval = def.Poll.ShortInterval
	}
	if c.Poll.LongInterval <= 0 {
		c.Poll.LongInterval = def.Poll.LongInterval
	}
	if c.Poll.Grace < 0 || c.Poll.ConfirmDelay < 0 {
		return fmt.Errorf("poll delays must not be negative")
	}
	switch c.Poll.Match {
	case "":
		c.Poll.Match = MatchIDs
	case MatchIDs, MatchName:
	default:
		return fmt.Errorf("unknown poll match mode %q", c.Poll.Match)
	}

	if c.Throttle.Limit <= 0 {
		c.Throttle.Limit = def.Throttle.Limit
	}
	if c.Throttle.Interval <= 0 {
		c.Throttle.Interval = def.Throttle.Interval
	}
	switch c.Throttle.Scope {
	case "":
		c.Throttle.Scope = ScopeUser
	case ScopeUser, ScopeRun:
	default:
		return fmt.Errorf("unknown throttle scope %q", c.Throttle.Scope)
	}
	return nil
}
