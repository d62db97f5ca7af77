package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/3leaps/imputeflow/pkg/artifact"
	"github.com/3leaps/imputeflow/pkg/match"
)

// cleanupTarget is one folder and the artifacts cleanup may remove there.
type cleanupTarget struct {
	root     string
	patterns []string
	prune    bool
}

// cleanupTargets lists what the policy removes. Scheduler and phasing logs
// are always kept.
func (s *Sequencer) cleanupTargets() []cleanupTarget {
	l := s.layout
	perChr := s.chrPattern(".*")
	var out []cleanupTarget
	if s.cfg.Cleanup.RemoveIntermediates {
		out = append(out,
			cleanupTarget{root: l.Folders.Work, patterns: []string{
				escapeGlob(filepath.Base(l.QCBase())) + ".*",
				perChr,
			}},
			cleanupTarget{root: l.Folders.Imputed, patterns: []string{
				"chr*/" + perChr,
			}, prune: true},
		)
	}
	if s.cfg.Cleanup.RemovePartitionOutputs {
		out = append(out,
			cleanupTarget{root: l.Folders.Chromosomes, patterns: []string{perChr}},
			cleanupTarget{root: l.Folders.Output, patterns: []string{s.chrPattern(escapeGlob(".vcf.gz") + "*")}},
		)
	}
	return out
}

// cleanup runs unconditionally after the last stage succeeded. What it
// removes is gated by the policy alone.
func (s *Sequencer) cleanup(ctx context.Context) (StageResult, CleanupReport, error) {
	start := time.Now()
	st := mustStage(Cleanup)
	res := StageResult{Stage: Cleanup, Ordinal: st.Ordinal, Status: StatusSatisfied}
	var report CleanupReport

	targets := s.cleanupTargets()
	if len(targets) == 0 {
		res.Reason = "retention policy keeps all artifacts"
		return res, report, nil
	}
	s.observer.StageStarted(StageStart{Stage: st, Units: len(targets)})

	for _, t := range targets {
		n, bytes, err := removeMatching(ctx, t)
		report.Files += n
		report.Bytes += bytes
		if err != nil {
			res.Status = StatusFailed
			res.Reason = err.Error()
			res.Duration = time.Since(start)
			return res, report, &StageError{Stage: Cleanup, Op: "remove", Err: err}
		}
	}

	res.Artifacts = report.Files
	res.Bytes = report.Bytes
	res.Duration = time.Since(start)
	var kinds []string
	if s.cfg.Cleanup.RemoveIntermediates {
		kinds = append(kinds, "intermediates")
	}
	if s.cfg.Cleanup.RemovePartitionOutputs {
		kinds = append(kinds, "partition outputs")
	}
	res.Reason = "removed " + strings.Join(kinds, " and ")
	return res, report, nil
}

func removeMatching(ctx context.Context, t cleanupTarget) (int, int64, error) {
	store, err := artifact.NewLocal(t.root)
	if err != nil {
		return 0, 0, err
	}
	m, err := match.New(match.Config{Includes: t.patterns})
	if err != nil {
		return 0, 0, err
	}
	items, err := store.List(ctx, m.Prefix())
	if err != nil {
		return 0, 0, err
	}

	var n int
	var bytes int64
	for _, a := range items {
		if !m.Match(a.Key) {
			continue
		}
		if err := store.Remove(ctx, a.Key); err != nil {
			return n, bytes, fmt.Errorf("remove %s: %w", a.Path, err)
		}
		n++
		bytes += a.Size
	}
	if t.prune {
		if err := store.PruneEmptyDirs(); err != nil {
			return n, bytes, err
		}
	}
	return n, bytes, nil
}
