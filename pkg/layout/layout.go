// Package layout names every artifact of a run. Names are pure functions of
// the dataset prefix, the folder roles and the unit, so a rerun finds the
// artifacts of a previous attempt without any state besides the filesystem.
//
// Chromosome arguments are strings so the same function can render either a
// concrete chromosome ("21") or the array task placeholder.
package layout

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Folders are the folder roles of a run.
type Folders struct {
	Input         string `mapstructure:"input" yaml:"input"`
	Work          string `mapstructure:"work" yaml:"work"`
	Chromosomes   string `mapstructure:"chromosomes" yaml:"chromosomes"`
	SchedulerLogs string `mapstructure:"scheduler_logs" yaml:"scheduler_logs"`
	PhasingLogs   string `mapstructure:"phasing_logs" yaml:"phasing_logs"`
	Imputed       string `mapstructure:"imputed" yaml:"imputed"`
	Output        string `mapstructure:"output" yaml:"output"`
	Reference     string `mapstructure:"reference" yaml:"reference"`
}

// Layout resolves artifact paths for one dataset.
type Layout struct {
	Prefix    string
	Reference string
	Folders   Folders
}

// New validates and returns a Layout. An empty Input folder defaults to Work.
func New(prefix, reference string, f Folders) (*Layout, error) {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return nil, fmt.Errorf("dataset prefix is required")
	}
	if strings.ContainsAny(prefix, "/ \t") {
		return nil, fmt.Errorf("dataset prefix %q must be a bare name", prefix)
	}
	if f.Input == "" {
		f.Input = f.Work
	}
	required := map[string]string{
		"work":           f.Work,
		"chromosomes":    f.Chromosomes,
		"scheduler_logs": f.SchedulerLogs,
		"phasing_logs":   f.PhasingLogs,
		"imputed":        f.Imputed,
		"output":         f.Output,
	}
	for role, dir := range required {
		if strings.TrimSpace(dir) == "" {
			return nil, fmt.Errorf("folder %q is required", role)
		}
	}
	return &Layout{Prefix: prefix, Reference: strings.TrimSpace(reference), Folders: f}, nil
}

// Ensure creates every writable folder role.
func (l *Layout) Ensure() error {
	for _, dir := range []string{
		l.Folders.Work, l.Folders.Chromosomes, l.Folders.SchedulerLogs,
		l.Folders.PhasingLogs, l.Folders.Imputed, l.Folders.Output,
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// RawBase is the plink fileset the run starts from.
func (l *Layout) RawBase() string { return filepath.Join(l.Folders.Input, l.Prefix) }

// QCBase is the preprocessed plink fileset.
func (l *Layout) QCBase() string { return filepath.Join(l.Folders.Work, l.Prefix+"_qc") }

func (l *Layout) chrName(c string) string { return l.Prefix + "_chr" + c }

// SplitBase is the per-chromosome plink fileset in the chromosome store.
func (l *Layout) SplitBase(c string) string {
	return filepath.Join(l.Folders.Chromosomes, l.chrName(c))
}

// SplitWorkBase is where the split tool writes before relocation.
func (l *Layout) SplitWorkBase(c string) string {
	return filepath.Join(l.Folders.Work, l.chrName(c))
}

// PhasedBase is the prefix of the phased haplotype pair.
func (l *Layout) PhasedBase(c string) string {
	return filepath.Join(l.Folders.Chromosomes, l.chrName(c)+".phased")
}

func (l *Layout) PhasedHaps(c string) string   { return l.PhasedBase(c) + ".haps" }
func (l *Layout) PhasedSample(c string) string { return l.PhasedBase(c) + ".sample" }

// PhasingLog is the phasing tool's own log for c.
func (l *Layout) PhasingLog(c string) string {
	return filepath.Join(l.Folders.PhasingLogs, l.chrName(c)+".phasing.log")
}

// SegmentDir holds the imputation segments of c.
func (l *Layout) SegmentDir(c string) string {
	return filepath.Join(l.Folders.Imputed, "chr"+c)
}

// Segment is the imputation output of c at megabase offset off.
func (l *Layout) Segment(c string, off int) string {
	return filepath.Join(l.SegmentDir(c), l.chrName(c)+"."+strconv.Itoa(off)+".impute2")
}

// SegmentPattern matches every segment output of c inside SegmentDir(c).
func (l *Layout) SegmentPattern(c string) string {
	return l.chrName(c) + ".*.impute2"
}

// Concatenated is the joined imputation output of c.
func (l *Layout) Concatenated(c string) string {
	return filepath.Join(l.Folders.Work, l.chrName(c)+".impute2")
}

// Encoded is the position-sorted, compressed imputation output of c.
func (l *Layout) Encoded(c string) string { return l.Concatenated(c) + ".gz" }

// Converted is the per-chromosome VCF.
func (l *Layout) Converted(c string) string {
	return filepath.Join(l.Folders.Output, l.chrName(c)+".vcf.gz")
}

// Merged is the final genome-wide VCF.
func (l *Layout) Merged() string {
	return filepath.Join(l.Folders.Output, l.Prefix+".vcf.gz")
}

// ReferenceHaps is the reference panel haplotype file for c.
func (l *Layout) ReferenceHaps(c string) string {
	return filepath.Join(l.Folders.Reference, l.Reference+"_chr"+c+".hap.gz")
}

// ReferenceLegend is the reference panel legend for c.
func (l *Layout) ReferenceLegend(c string) string {
	return filepath.Join(l.Folders.Reference, l.Reference+"_chr"+c+".legend.gz")
}

// GeneticMap is the recombination map for c.
func (l *Layout) GeneticMap(c string) string {
	return filepath.Join(l.Folders.Reference, "genetic_map_chr"+c+"_combined_b37.txt")
}
