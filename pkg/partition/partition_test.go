package partition

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAutosomes(t *testing.T) {
	got := Autosomes()
	require.Len(t, got, 22)
	assert.Equal(t, Chromosome(1), got[0])
	assert.Equal(t, Chromosome(22), got[21])
	for _, c := range got {
		assert.Positive(t, DefaultLengthsMb[c], "missing length for chr%d", c)
	}
}

func TestParseChromosome(t *testing.T) {
	tests := []struct {
		in      string
		want    Chromosome
		wantErr bool
	}{
		{"21", 21, false},
		{"chr7", 7, false},
		{" CHR1 ", 1, false},
		{"23", 0, true},
		{"X", 0, true},
		{"0", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseChromosome(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPlanSegments_Chr21(t *testing.T) {
	units, err := PlanSegments(21, 49, 20_300_000)
	require.NoError(t, err)
	require.Len(t, units, 30)
	assert.Equal(t, 20, units[0].Offset)
	assert.Equal(t, 49, units[len(units)-1].Offset)
	assert.Equal(t, int64(20_000_001), units[0].Start())
	assert.Equal(t, int64(21_000_000), units[0].End())
	assert.Equal(t, "chr21.20", units[0].Key())
}

func TestPlanSegments_CountFormula(t *testing.T) {
	tests := []struct {
		lengthMb    int
		firstMarker int64
	}{
		{49, 0},
		{49, 999_999},
		{49, 1_000_000},
		{250, 752_566},
		{52, 16_050_075},
		{49, 49_000_000},
	}
	for _, tt := range tests {
		units, err := PlanSegments(1, tt.lengthMb, tt.firstMarker)
		require.NoError(t, err)
		startMb := int(tt.firstMarker / 1_000_000)
		assert.Len(t, units, tt.lengthMb-startMb+1)
	}
}

func TestPlanSegments_Errors(t *testing.T) {
	_, err := PlanSegments(21, 49, 60_000_000)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "beyond")

	_, err = PlanSegments(23, 49, 0)
	require.Error(t, err)

	_, err = PlanSegments(21, 0, 0)
	require.Error(t, err)
}

func TestLengths_Overrides(t *testing.T) {
	l, err := NewLengths(map[Chromosome]int{21: 47})
	require.NoError(t, err)
	assert.Equal(t, 47, l.Mb(21))
	assert.Equal(t, 52, l.Mb(22))

	_, err = NewLengths(map[Chromosome]int{30: 10})
	require.Error(t, err)
	_, err = NewLengths(map[Chromosome]int{3: 0})
	require.Error(t, err)
}

const hapsFixture = "21 rs1 20300000 A G 0 1 1 0\n21 rs2 20300512 C T 0 0 1 1\n"

func TestFirstMarkerPosition(t *testing.T) {
	pos, err := FirstMarkerPosition(strings.NewReader("\n" + hapsFixture))
	require.NoError(t, err)
	assert.Equal(t, int64(20_300_000), pos)

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err = zw.Write([]byte(hapsFixture))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	pos, err = FirstMarkerPosition(&buf)
	require.NoError(t, err)
	assert.Equal(t, int64(20_300_000), pos)
}

func TestFirstMarkerPosition_Errors(t *testing.T) {
	_, err := FirstMarkerPosition(strings.NewReader(""))
	assert.ErrorIs(t, err, ErrNoMarkers)

	_, err = FirstMarkerPosition(strings.NewReader("21 rs1\n"))
	require.Error(t, err)

	_, err = FirstMarkerPosition(strings.NewReader("21 rs1 abc A G\n"))
	require.Error(t, err)
}

func TestPlanner_SegmentUnits(t *testing.T) {
	dir := t.TempDir()
	hapsPath := func(c Chromosome) string { return filepath.Join(dir, "cohort_chr"+c.String()+".phased.haps") }
	require.NoError(t, os.WriteFile(hapsPath(21), []byte(hapsFixture), 0644))

	p := NewPlanner(nil, hapsPath)
	units, err := p.SegmentUnits(context.Background(), 21)
	require.NoError(t, err)
	assert.Len(t, units, 30)

	_, err = p.SegmentUnits(context.Background(), 22)
	require.Error(t, err)
	assert.True(t, os.IsNotExist(err))

	_, err = p.AllSegmentUnits(context.Background())
	require.Error(t, err)
}

func TestPlanner_AlreadyComplete(t *testing.T) {
	dir := t.TempDir()
	work := filepath.Join(dir, "work")
	store := filepath.Join(dir, "chr")
	require.NoError(t, os.MkdirAll(work, 0755))
	require.NoError(t, os.MkdirAll(store, 0755))

	loc := LocatorFunc(func(u Unit) []string {
		name := "cohort_chr" + u.Chromosome.String() + ".bed"
		return []string{filepath.Join(store, name), filepath.Join(work, name)}
	})

	p := NewPlanner(nil, nil)
	assert.False(t, p.AlreadyComplete(loc, ChromosomeUnit(1)))

	require.NoError(t, os.WriteFile(filepath.Join(work, "cohort_chr1.bed"), []byte("x"), 0644))
	assert.True(t, p.AlreadyComplete(loc, ChromosomeUnit(1)), "working directory is a legal location")

	require.NoError(t, os.WriteFile(filepath.Join(store, "cohort_chr2.bed"), []byte("x"), 0644))
	assert.True(t, p.AlreadyComplete(loc, ChromosomeUnit(2)), "chromosome store is a legal location")

	require.NoError(t, os.MkdirAll(filepath.Join(store, "cohort_chr3.bed"), 0755))
	assert.False(t, p.AlreadyComplete(loc, ChromosomeUnit(3)), "directories do not count")

	done, todo := p.Split(loc, p.ChromosomeUnits())
	assert.Len(t, done, 2)
	assert.Len(t, todo, 20)
}
