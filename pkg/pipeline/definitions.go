package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/3leaps/imputeflow/pkg/artifact"
	"github.com/3leaps/imputeflow/pkg/partition"
	"github.com/3leaps/imputeflow/pkg/scheduler"
	"github.com/3leaps/imputeflow/pkg/validate"
)

// job is a spec plus the unit it covers.
type job struct {
	spec scheduler.JobSpec
	unit string
}

// definition binds a stage to this run's layout.
type definition struct {
	stage        Stage
	plan         func(ctx context.Context) ([]partition.Unit, error)
	locate       partition.Locator
	prepare      func(ctx context.Context) error
	jobs         func(units []partition.Unit) ([]job, error)
	requirements func(units []partition.Unit) []validate.Requirement
}

var splitExts = []string{".bed", ".bim", ".fam"}

func (s *Sequencer) definitions() []definition {
	l := s.layout
	chrUnits := func(context.Context) ([]partition.Unit, error) { return s.planner.ChromosomeUnits(), nil }
	datasetUnit := func(context.Context) ([]partition.Unit, error) { return []partition.Unit{partition.Dataset()}, nil }
	perChr := func(fn func(c string) []string) partition.Locator {
		return partition.LocatorFunc(func(u partition.Unit) []string { return fn(u.Chromosome.String()) })
	}

	return []definition{
		{
			stage:  mustStage(Preprocess),
			plan:   datasetUnit,
			locate: partition.LocatorFunc(func(partition.Unit) []string { return []string{l.QCBase() + ".bed"} }),
			jobs:   s.singleJob(Preprocess),
			requirements: func([]partition.Unit) []validate.Requirement {
				qc := escapeGlob(filepath.Base(l.QCBase()))
				work := []string{l.Folders.Work}
				return []validate.Requirement{
					{Name: "preprocess", Roots: work, Pattern: qc + ".bed", MinCount: 1, MinBytes: 1},
					{Name: "preprocess .bim", Roots: work, Pattern: qc + ".bim", MinCount: 1, MinLines: 1},
					{Name: "preprocess .fam", Roots: work, Pattern: qc + ".fam", MinCount: 1, MinLines: 1},
				}
			},
		},
		{
			stage: mustStage(PartitionSplit),
			plan:  chrUnits,
			locate: perChr(func(c string) []string {
				return []string{l.SplitBase(c) + ".bed", l.SplitWorkBase(c) + ".bed"}
			}),
			jobs: s.arrayJob(PartitionSplit),
			requirements: func([]partition.Unit) []validate.Requirement {
				roots := []string{l.Folders.Chromosomes, l.Folders.Work}
				out := make([]validate.Requirement, 0, len(splitExts))
				for i, ext := range splitExts {
					name := "partition-split"
					if i > 0 {
						name += " " + ext
					}
					out = append(out, validate.Requirement{Name: name, Roots: roots, Pattern: s.chrGlob(ext), MinCount: partition.Count})
				}
				return out
			},
		},
		{
			stage:   mustStage(Phase),
			plan:    chrUnits,
			locate:  perChr(func(c string) []string { return []string{l.PhasedHaps(c)} }),
			prepare: s.relocateSplits,
			jobs:    s.arrayJob(Phase),
			requirements: func([]partition.Unit) []validate.Requirement {
				roots := []string{l.Folders.Chromosomes}
				return []validate.Requirement{
					{Name: "phase", Roots: roots, Pattern: s.chrGlob(".phased.haps"), MinCount: partition.Count, MinLines: 1},
					{Name: "phase .sample", Roots: roots, Pattern: s.chrGlob(".phased.sample"), MinCount: partition.Count, MinLines: 1},
				}
			},
		},
		{
			stage: mustStage(Impute),
			plan:  s.planner.AllSegmentUnits,
			locate: partition.LocatorFunc(func(u partition.Unit) []string {
				return []string{l.Segment(u.Chromosome.String(), u.Offset)}
			}),
			prepare:      s.createSegmentDirs,
			jobs:         s.segmentJobs,
			requirements: s.segmentRequirements,
		},
		{
			stage:  mustStage(Concatenate),
			plan:   chrUnits,
			locate: perChr(func(c string) []string { return []string{l.Concatenated(c)} }),
			jobs:   s.arrayJob(Concatenate),
			requirements: func([]partition.Unit) []validate.Requirement {
				return []validate.Requirement{
					{Name: "concatenate", Roots: []string{l.Folders.Work}, Pattern: s.chrGlob(".impute2"), MinCount: partition.Count},
				}
			},
		},
		{
			stage:  mustStage(SortEncode),
			plan:   chrUnits,
			locate: perChr(func(c string) []string { return []string{l.Encoded(c)} }),
			jobs:   s.arrayJob(SortEncode),
			requirements: func([]partition.Unit) []validate.Requirement {
				return []validate.Requirement{
					{Name: "sort-and-encode", Roots: []string{l.Folders.Work}, Pattern: s.chrGlob(".impute2.gz"),
						MinCount: partition.Count, MinBytes: s.cfg.Thresholds.EncodedMinBytes},
				}
			},
		},
		{
			stage:  mustStage(FormatConvert),
			plan:   chrUnits,
			locate: perChr(func(c string) []string { return []string{l.Converted(c)} }),
			jobs:   s.arrayJob(FormatConvert),
			requirements: func([]partition.Unit) []validate.Requirement {
				return []validate.Requirement{
					{Name: "format-convert", Roots: []string{l.Folders.Output}, Pattern: s.chrGlob(".vcf.gz"), MinCount: partition.Count},
				}
			},
		},
		{
			stage:  mustStage(Merge),
			plan:   datasetUnit,
			locate: partition.LocatorFunc(func(partition.Unit) []string { return []string{l.Merged()} }),
			jobs:   s.singleJob(Merge),
			requirements: func([]partition.Unit) []validate.Requirement {
				return []validate.Requirement{
					{Name: "merge", Roots: []string{l.Folders.Output}, Pattern: escapeGlob(filepath.Base(l.Merged())),
						MinCount: 1, MinBytes: s.cfg.Thresholds.MergedMinBytes},
				}
			},
		},
	}
}

func mustStage(n Name) Stage {
	st, ok := Lookup(n)
	if !ok {
		panic("unknown stage " + string(n))
	}
	return st
}

// chrGlob matches <prefix>_chr<1..22><suffix> and nothing else.
func (s *Sequencer) chrGlob(suffix string) string {
	return s.chrPattern(escapeGlob(suffix))
}

// chrPattern is chrGlob with tail taken as a glob.
func (s *Sequencer) chrPattern(tail string) string {
	nums := make([]string, 0, partition.Count)
	for _, c := range partition.Autosomes() {
		nums = append(nums, c.String())
	}
	return escapeGlob(s.layout.Prefix) + "_chr{" + strings.Join(nums, ",") + "}" + tail
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '{', '}', '\\', ',':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// vars returns the placeholders every stage can use.
func (s *Sequencer) vars(name Name) Vars {
	l := s.layout
	r := s.cfg.Resources[name]
	return Vars{Scalars: map[string]string{
		"prefix":  l.Prefix,
		"ref":     l.Reference,
		"self":    s.cfg.Self,
		"work":    l.Folders.Work,
		"chr_dir": l.Folders.Chromosomes,
		"output":  l.Folders.Output,
		"cpus":    strconv.Itoa(max(r.CPUs, 1)),
		"mem_mb":  strconv.Itoa(r.MemoryMB),
		"raw":     l.RawBase(),
		"qc":      l.QCBase(),
		"merged":  l.Merged(),
	}, Lists: map[string][]string{
		"inputs": s.convertedInputs(),
	}}
}

// chromosomeVars adds the placeholders of chromosome c, which may be the
// array task placeholder.
func (s *Sequencer) chromosomeVars(v Vars, c string) Vars {
	l := s.layout
	return v.with(
		"chr", c,
		"split", l.SplitBase(c),
		"split_work", l.SplitWorkBase(c),
		"phased", l.PhasedBase(c),
		"haps", l.PhasedHaps(c),
		"sample", l.PhasedSample(c),
		"phase_log", l.PhasingLog(c),
		"map", l.GeneticMap(c),
		"ref_haps", l.ReferenceHaps(c),
		"ref_legend", l.ReferenceLegend(c),
		"seg_dir", l.SegmentDir(c),
		"seg_pattern", l.SegmentPattern(c),
		"concat", l.Concatenated(c),
		"encoded", l.Encoded(c),
		"vcf", l.Converted(c),
	)
}

func (s *Sequencer) convertedInputs() []string {
	out := make([]string, 0, partition.Count)
	for _, c := range partition.Autosomes() {
		out = append(out, s.layout.Converted(c.String()))
	}
	return out
}

func (s *Sequencer) spec(name Name, argv []string) scheduler.JobSpec {
	return scheduler.JobSpec{
		Name:      s.jobName(name),
		RunTag:    s.cfg.Tag,
		Stage:     string(name),
		Command:   argv,
		Env:       s.cfg.Env,
		WorkDir:   s.layout.Folders.Work,
		LogDir:    s.layout.Folders.SchedulerLogs,
		Resources: s.cfg.Resources[name],
	}
}

func (s *Sequencer) jobName(name Name) string {
	return s.cfg.Tag + "_" + string(name)
}

func (s *Sequencer) singleJob(name Name) func([]partition.Unit) ([]job, error) {
	return func([]partition.Unit) ([]job, error) {
		argv, err := s.tools[name].Render(s.vars(name))
		if err != nil {
			return nil, fmt.Errorf("render %s command: %w", name, err)
		}
		return []job{{spec: s.spec(name, argv), unit: partition.Dataset().Key()}}, nil
	}
}

// arrayJob submits all 22 chromosomes as one array; partial prior state
// never narrows the array.
func (s *Sequencer) arrayJob(name Name) func([]partition.Unit) ([]job, error) {
	return func([]partition.Unit) ([]job, error) {
		v := s.chromosomeVars(s.vars(name), scheduler.TaskPlaceholder)
		argv, err := s.tools[name].Render(v)
		if err != nil {
			return nil, fmt.Errorf("render %s command: %w", name, err)
		}
		spec := s.spec(name, argv)
		spec.Array = &scheduler.ArrayRange{First: int(partition.FirstAutosome), Last: int(partition.LastAutosome)}
		return []job{{spec: spec, unit: "chr" + spec.Array.String()}}, nil
	}
}

func (s *Sequencer) segmentJobs(units []partition.Unit) ([]job, error) {
	base := s.vars(Impute)
	out := make([]job, 0, len(units))
	for _, u := range units {
		c := u.Chromosome.String()
		v := s.chromosomeVars(base, c).with(
			"start", strconv.FormatInt(u.Start(), 10),
			"end", strconv.FormatInt(u.End(), 10),
			"offset", strconv.Itoa(u.Offset),
			"seg_out", s.layout.Segment(c, u.Offset),
		)
		argv, err := s.tools[Impute].Render(v)
		if err != nil {
			return nil, fmt.Errorf("render impute command: %w", err)
		}
		out = append(out, job{spec: s.spec(Impute, argv), unit: u.Key()})
	}
	return out, nil
}

// segmentRequirements expects the exact planned output of every unit,
// including segments completed by an earlier attempt. Stray segment files
// outside the plan never count toward a chromosome.
func (s *Sequencer) segmentRequirements(units []partition.Unit) []validate.Requirement {
	planned := make(map[partition.Chromosome][]string)
	for _, u := range units {
		name := filepath.Base(s.layout.Segment(u.Chromosome.String(), u.Offset))
		planned[u.Chromosome] = append(planned[u.Chromosome], escapeGlob(name))
	}
	root := s.layout.Folders.Imputed
	var out []validate.Requirement
	for _, c := range partition.Autosomes() {
		names := planned[c]
		if len(names) == 0 {
			continue
		}
		dir, err := filepath.Rel(root, s.layout.SegmentDir(c.String()))
		if err != nil {
			dir = "chr" + c.String()
		}
		pattern := names[0]
		if len(names) > 1 {
			pattern = "{" + strings.Join(names, ",") + "}"
		}
		out = append(out, validate.Requirement{
			Name:     "impute chr" + c.String(),
			Roots:    []string{root},
			Pattern:  escapeGlob(filepath.ToSlash(dir)) + "/" + pattern,
			MinCount: len(names),
		})
	}
	return out
}

func (s *Sequencer) createSegmentDirs(context.Context) error {
	for _, c := range partition.Autosomes() {
		if err := os.MkdirAll(s.layout.SegmentDir(c.String()), 0o755); err != nil {
			return err
		}
	}
	return nil
}

// relocateSplits moves split filesets left in the working folder into the
// chromosome store, where the phasing array reads them.
func (s *Sequencer) relocateSplits(ctx context.Context) error {
	work, err := artifact.NewLocal(s.layout.Folders.Work)
	if err != nil {
		return err
	}
	store, err := artifact.NewLocal(s.layout.Folders.Chromosomes)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.layout.Folders.PhasingLogs, 0o755); err != nil {
		return err
	}

	for _, c := range partition.Autosomes() {
		cs := c.String()
		for _, ext := range splitExts {
			key := filepath.Base(s.layout.SplitWorkBase(cs)) + ext
			if _, err := work.Stat(ctx, key); err != nil {
				if artifact.IsNotFound(err) {
					continue
				}
				return err
			}
			if err := work.Move(ctx, key, store); err != nil {
				return err
			}
		}
	}
	return nil
}
