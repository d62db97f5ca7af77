package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// StageResult is the outcome of one stage.
type StageResult struct {
	Stage     Name          `json:"stage"`
	Ordinal   int           `json:"ordinal"`
	Status    Status        `json:"status"`
	Reason    string        `json:"reason,omitempty"`
	Units     int           `json:"units,omitempty"`
	Skipped   int           `json:"skipped_units,omitempty"`
	Jobs      int           `json:"jobs,omitempty"`
	Tasks     int           `json:"tasks,omitempty"`
	Artifacts int           `json:"artifacts,omitempty"`
	Bytes     int64         `json:"bytes,omitempty"`
	Cycles    int           `json:"poll_cycles,omitempty"`
	Uncertain int           `json:"uncertain_queries,omitempty"`
	Duration  time.Duration `json:"duration_ns"`
}

// CleanupReport counts what cleanup removed.
type CleanupReport struct {
	Files int   `json:"files"`
	Bytes int64 `json:"bytes"`
}

// Summary describes a finished run.
type Summary struct {
	RunID    string        `json:"run_id"`
	Tag      string        `json:"tag"`
	Dataset  string        `json:"dataset"`
	Stages   []StageResult `json:"stages"`
	Cleanup  CleanupReport `json:"cleanup"`
	Duration time.Duration `json:"duration_ns"`
}

// Jobs is the number of scheduler submissions.
func (s *Summary) Jobs() int {
	n := 0
	for _, r := range s.Stages {
		n += r.Jobs
	}
	return n
}

// Tasks is the number of scheduler tasks across all submissions.
func (s *Summary) Tasks() int {
	n := 0
	for _, r := range s.Stages {
		n += r.Tasks
	}
	return n
}

// ByStatus returns the names of stages with status st.
func (s *Summary) ByStatus(st Status) []string {
	var out []string
	for _, r := range s.Stages {
		if r.Status == st {
			out = append(out, string(r.Stage))
		}
	}
	return out
}

// Failed returns the failed stage result, if any.
func (s *Summary) Failed() (StageResult, bool) {
	for _, r := range s.Stages {
		if r.Status == StatusFailed {
			return r, true
		}
	}
	return StageResult{}, false
}

// Lines renders one human-readable line per stage plus a total.
func (s *Summary) Lines() []string {
	out := make([]string, 0, len(s.Stages)+1)
	for _, r := range s.Stages {
		var b strings.Builder
		fmt.Fprintf(&b, "%d. %-16s %-9s", r.Ordinal, r.Stage, r.Status)
		if r.Jobs > 0 {
			fmt.Fprintf(&b, " jobs=%d tasks=%d", r.Jobs, r.Tasks)
		}
		if r.Artifacts > 0 {
			fmt.Fprintf(&b, " artifacts=%d size=%s", r.Artifacts, humanize.Bytes(uint64(r.Bytes)))
		}
		if r.Stage == Cleanup && s.Cleanup.Files > 0 {
			fmt.Fprintf(&b, " removed=%d freed=%s", s.Cleanup.Files, humanize.Bytes(uint64(s.Cleanup.Bytes)))
		}
		if r.Reason != "" {
			fmt.Fprintf(&b, " (%s)", r.Reason)
		}
		out = append(out, strings.TrimRight(b.String(), " "))
	}
	out = append(out, fmt.Sprintf("total: %d job(s), %d task(s) in %s",
		s.Jobs(), s.Tasks(), s.Duration.Round(time.Second)))
	return out
}
