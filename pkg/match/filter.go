package match

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/3leaps/imputeflow/pkg/artifact"
)

// SizeRange bounds artifact sizes. Zero bounds are open.
type SizeRange struct {
	Min int64
	Max int64
}

// ParseSizeRange parses human-readable bounds such as "10MB" or "1.5GiB".
func ParseSizeRange(minSize, maxSize string) (SizeRange, error) {
	var r SizeRange
	var err error
	if r.Min, err = ParseSize(minSize); err != nil {
		return SizeRange{}, fmt.Errorf("min size: %w", err)
	}
	if r.Max, err = ParseSize(maxSize); err != nil {
		return SizeRange{}, fmt.Errorf("max size: %w", err)
	}
	if r.Max > 0 && r.Min > r.Max {
		return SizeRange{}, fmt.Errorf("min size %d exceeds max size %d", r.Min, r.Max)
	}
	return r, nil
}

// ParseSize parses a human-readable size. Empty input is zero.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, err
	}
	if n > 1<<62 {
		return 0, fmt.Errorf("size %q is too large", s)
	}
	return int64(n), nil
}

// Contains reports whether a's size lies within r.
func (r SizeRange) Contains(a artifact.Artifact) bool {
	if r.Min > 0 && a.Size < r.Min {
		return false
	}
	if r.Max > 0 && a.Size > r.Max {
		return false
	}
	return true
}

func (r SizeRange) String() string {
	switch {
	case r.Min > 0 && r.Max > 0:
		return humanize.Bytes(uint64(r.Min)) + ".." + humanize.Bytes(uint64(r.Max))
	case r.Min > 0:
		return ">=" + humanize.Bytes(uint64(r.Min))
	case r.Max > 0:
		return "<=" + humanize.Bytes(uint64(r.Max))
	default:
		return "any"
	}
}
