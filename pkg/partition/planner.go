package partition

import (
	"context"
	"os"
)

// Locator maps a unit to the paths where its primary artifact may live.
// Any existing candidate means the unit is done.
type Locator interface {
	Candidates(u Unit) []string
}

// LocatorFunc adapts a function to Locator.
type LocatorFunc func(u Unit) []string

func (f LocatorFunc) Candidates(u Unit) []string { return f(u) }

// Planner enumerates units and checks completion on the filesystem.
type Planner struct {
	lengths *Lengths
	// haps returns the phased haplotype artifact of a chromosome.
	haps func(c Chromosome) string
	stat func(path string) (os.FileInfo, error)
}

// NewPlanner creates a planner. hapsPath locates the phased haplotypes the
// segment plan reads its first marker from.
func NewPlanner(lengths *Lengths, hapsPath func(c Chromosome) string) *Planner {
	return &Planner{lengths: lengths, haps: hapsPath, stat: os.Stat}
}

// ChromosomeUnits returns the 22 autosome units.
func (p *Planner) ChromosomeUnits() []Unit {
	out := make([]Unit, 0, Count)
	for _, c := range Autosomes() {
		out = append(out, ChromosomeUnit(c))
	}
	return out
}

// SegmentUnits plans the imputation segments of c from its phased output.
func (p *Planner) SegmentUnits(ctx context.Context, c Chromosome) ([]Unit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	first, err := ReadFirstMarker(p.haps(c))
	if err != nil {
		return nil, err
	}
	return PlanSegments(c, p.lengths.Mb(c), first)
}

// AllSegmentUnits plans segments for every autosome in order.
func (p *Planner) AllSegmentUnits(ctx context.Context) ([]Unit, error) {
	var out []Unit
	for _, c := range Autosomes() {
		units, err := p.SegmentUnits(ctx, c)
		if err != nil {
			return nil, err
		}
		out = append(out, units...)
	}
	return out, nil
}

// AlreadyComplete reports whether any candidate artifact of u exists as a
// regular file.
func (p *Planner) AlreadyComplete(loc Locator, u Unit) bool {
	for _, path := range loc.Candidates(u) {
		if path == "" {
			continue
		}
		info, err := p.stat(path)
		if err == nil && info.Mode().IsRegular() {
			return true
		}
	}
	return false
}

// Split partitions units into those already complete and those still to do.
func (p *Planner) Split(loc Locator, units []Unit) (done, todo []Unit) {
	for _, u := range units {
		if p.AlreadyComplete(loc, u) {
			done = append(done, u)
		} else {
			todo = append(todo, u)
		}
	}
	return done, todo
}
