// Package pipeline sequences the fixed imputation stages: it decides which
// stages are already satisfied on disk, submits the rest through the
// scheduler, waits for their queues to drain and gates advancement on the
// declared artifacts.
package pipeline

import (
	"fmt"
	"strings"
)

// Name identifies a stage.
type Name string

const (
	Preprocess     Name = "preprocess"
	PartitionSplit Name = "partition-split"
	Phase          Name = "phase"
	Impute         Name = "impute"
	Concatenate    Name = "concatenate"
	SortEncode     Name = "sort-and-encode"
	FormatConvert  Name = "format-convert"
	Merge          Name = "merge"
	Cleanup        Name = "cleanup"
)

// Granularity is how a stage fans out.
type Granularity string

const (
	PerDataset    Granularity = "dataset"
	PerChromosome Granularity = "chromosome"
	PerSegment    Granularity = "segment"
	Local         Granularity = "local"
)

// Stage is the static description of one step.
type Stage struct {
	Name        Name
	Ordinal     int
	Granularity Granularity
	// LongRunning stages poll on the long interval.
	LongRunning bool
}

var catalog = []Stage{
	{Name: Preprocess, Ordinal: 1, Granularity: PerDataset},
	{Name: PartitionSplit, Ordinal: 2, Granularity: PerChromosome},
	{Name: Phase, Ordinal: 3, Granularity: PerChromosome, LongRunning: true},
	{Name: Impute, Ordinal: 4, Granularity: PerSegment, LongRunning: true},
	{Name: Concatenate, Ordinal: 5, Granularity: PerChromosome},
	{Name: SortEncode, Ordinal: 6, Granularity: PerChromosome},
	{Name: FormatConvert, Ordinal: 7, Granularity: PerChromosome},
	{Name: Merge, Ordinal: 8, Granularity: PerDataset},
	{Name: Cleanup, Ordinal: 9, Granularity: Local},
}

// Stages returns the stages in execution order.
func Stages() []Stage {
	out := make([]Stage, len(catalog))
	copy(out, catalog)
	return out
}

// Submitted returns the stages that run as scheduler jobs.
func Submitted() []Stage {
	var out []Stage
	for _, s := range catalog {
		if s.Granularity != Local {
			out = append(out, s)
		}
	}
	return out
}

// Lookup returns the stage named n.
func Lookup(n Name) (Stage, bool) {
	for _, s := range catalog {
		if s.Name == n {
			return s, true
		}
	}
	return Stage{}, false
}

// ParseName accepts a stage name case-insensitively.
func ParseName(s string) (Name, error) {
	n := Name(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := Lookup(n); !ok {
		return "", fmt.Errorf("unknown stage %q", s)
	}
	return n, nil
}

func (n Name) String() string { return string(n) }
