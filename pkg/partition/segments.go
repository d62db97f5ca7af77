package partition

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// ErrNoMarkers is returned when a haplotype file has no data lines.
var ErrNoMarkers = errors.New("no markers found")

// PlanSegments returns one unit per megabase from floor(firstMarker/1e6)
// through lengthMb inclusive, so the count is lengthMb - startMb + 1.
func PlanSegments(c Chromosome, lengthMb int, firstMarker int64) ([]Unit, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("invalid chromosome %d", c)
	}
	if lengthMb <= 0 {
		return nil, fmt.Errorf("chromosome %d: length must be positive", c)
	}
	if firstMarker < 0 {
		return nil, fmt.Errorf("chromosome %d: negative marker position %d", c, firstMarker)
	}

	startMb := int(firstMarker / BasesPerSegment)
	if startMb > lengthMb {
		return nil, fmt.Errorf("chromosome %d: first marker at %d lies beyond the %d Mb chromosome length", c, firstMarker, lengthMb)
	}

	units := make([]Unit, 0, lengthMb-startMb+1)
	for off := startMb; off <= lengthMb; off++ {
		units = append(units, SegmentUnit(c, off))
	}
	return units, nil
}

// ReadFirstMarker opens a phased haplotype file and returns the position of
// its first marker. Gzip input is detected from the magic bytes.
func ReadFirstMarker(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()

	pos, err := FirstMarkerPosition(f)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", path, err)
	}
	return pos, nil
}

// FirstMarkerPosition parses the first data line of a .haps stream. The
// third whitespace-separated column is the base position.
func FirstMarkerPosition(r io.Reader) (int64, error) {
	br := bufio.NewReader(r)
	magic, _ := br.Peek(2)
	var src io.Reader = br
	if bytes.Equal(magic, []byte{0x1f, 0x8b}) {
		zr, err := gzip.NewReader(br)
		if err != nil {
			return 0, fmt.Errorf("open gzip stream: %w", err)
		}
		defer func() { _ = zr.Close() }()
		src = zr
	}

	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 3 {
			return 0, fmt.Errorf("malformed marker line: %d columns", len(fields))
		}
		pos, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil || pos < 0 {
			return 0, fmt.Errorf("malformed marker position %q", fields[2])
		}
		return pos, nil
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	return 0, ErrNoMarkers
}
