package partition

import "fmt"

// Kind is the granularity of a unit.
type Kind string

const (
	KindDataset    Kind = "dataset"
	KindChromosome Kind = "chromosome"
	KindSegment    Kind = "segment"
)

// BasesPerSegment is the width of one imputation segment.
const BasesPerSegment = 1_000_000

// Unit is one independently schedulable piece of a stage.
//
// For segments, Offset is the megabase offset and the segment covers
// bases [Offset*1e6+1, (Offset+1)*1e6].
type Unit struct {
	Kind       Kind       `json:"kind"`
	Chromosome Chromosome `json:"chromosome,omitempty"`
	Offset     int        `json:"offset,omitempty"`
}

// Dataset is the single whole-dataset unit.
func Dataset() Unit { return Unit{Kind: KindDataset} }

// ChromosomeUnit wraps c as a unit.
func ChromosomeUnit(c Chromosome) Unit { return Unit{Kind: KindChromosome, Chromosome: c} }

// SegmentUnit is the segment of c at megabase offset off.
func SegmentUnit(c Chromosome, off int) Unit {
	return Unit{Kind: KindSegment, Chromosome: c, Offset: off}
}

// Start is the first base covered by a segment.
func (u Unit) Start() int64 { return int64(u.Offset)*BasesPerSegment + 1 }

// End is the last base covered by a segment.
func (u Unit) End() int64 { return int64(u.Offset+1) * BasesPerSegment }

// Key is a stable identifier used in logs and job names.
func (u Unit) Key() string {
	switch u.Kind {
	case KindChromosome:
		return fmt.Sprintf("chr%d", u.Chromosome)
	case KindSegment:
		return fmt.Sprintf("chr%d.%d", u.Chromosome, u.Offset)
	default:
		return "dataset"
	}
}

func (u Unit) String() string { return u.Key() }
