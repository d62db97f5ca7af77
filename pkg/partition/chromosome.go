// Package partition plans the units of work the workflow fans out over:
// the 22 autosomes and, for imputation, 1 Mb segments of each chromosome.
package partition

import (
	"fmt"
	"strconv"
	"strings"
)

// Chromosome is an autosome number, 1 through 22.
type Chromosome int

const (
	FirstAutosome Chromosome = 1
	LastAutosome  Chromosome = 22
)

// Count is the number of autosomes.
const Count = int(LastAutosome - FirstAutosome + 1)

func (c Chromosome) String() string { return strconv.Itoa(int(c)) }

// Valid reports whether c is an autosome.
func (c Chromosome) Valid() bool { return c >= FirstAutosome && c <= LastAutosome }

// ParseChromosome accepts "21", "chr21" or "CHR21".
func ParseChromosome(s string) (Chromosome, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	s = strings.TrimPrefix(s, "chr")
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid chromosome %q", s)
	}
	c := Chromosome(n)
	if !c.Valid() {
		return 0, fmt.Errorf("chromosome %d out of range %d-%d", n, FirstAutosome, LastAutosome)
	}
	return c, nil
}

// Autosomes returns 1..22 in order.
func Autosomes() []Chromosome {
	out := make([]Chromosome, 0, Count)
	for c := FirstAutosome; c <= LastAutosome; c++ {
		out = append(out, c)
	}
	return out
}

// DefaultLengthsMb holds GRCh37 autosome lengths in megabases, rounded up.
var DefaultLengthsMb = map[Chromosome]int{
	1: 250, 2: 244, 3: 199, 4: 192, 5: 181, 6: 172, 7: 160, 8: 147,
	9: 142, 10: 136, 11: 136, 12: 134, 13: 116, 14: 108, 15: 103, 16: 91,
	17: 82, 18: 79, 19: 60, 20: 64, 21: 49, 22: 52,
}

// Lengths resolves chromosome lengths, preferring overrides.
type Lengths struct {
	overrides map[Chromosome]int
}

// NewLengths builds a table from DefaultLengthsMb plus overrides.
func NewLengths(overrides map[Chromosome]int) (*Lengths, error) {
	for c, mb := range overrides {
		if !c.Valid() {
			return nil, fmt.Errorf("length override for invalid chromosome %d", c)
		}
		if mb <= 0 {
			return nil, fmt.Errorf("length override for chromosome %d must be positive", c)
		}
	}
	return &Lengths{overrides: overrides}, nil
}

// Mb returns the length of c in megabases.
func (l *Lengths) Mb(c Chromosome) int {
	if l != nil {
		if mb, ok := l.overrides[c]; ok {
			return mb
		}
	}
	return DefaultLengthsMb[c]
}
