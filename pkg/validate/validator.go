// Package validate checks that a stage's declared artifacts exist in the
// expected number and are not truncated.
package validate

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/gzip"

	"github.com/3leaps/imputeflow/pkg/artifact"
	"github.com/3leaps/imputeflow/pkg/match"
)

// Requirement declares one family of artifacts a stage must leave behind.
//
// Pattern is a doublestar glob relative to each root. When several roots
// are given, matches are counted once per base name, so an artifact that
// legitimately lives in either of two folders counts once.
type Requirement struct {
	Name     string   `json:"name"`
	Roots    []string `json:"roots"`
	Pattern  string   `json:"pattern"`
	MinCount int      `json:"min_count"`
	MinBytes int64    `json:"min_bytes,omitempty"`
	MinLines int64    `json:"min_lines,omitempty"`
}

// Finding is the evaluation of one requirement.
type Finding struct {
	Requirement Requirement `json:"requirement"`
	Found       int         `json:"found"`
	Bytes       int64       `json:"bytes"`
	Undersized  []string    `json:"undersized,omitempty"`
	Short       []string    `json:"short,omitempty"`
	Err         string      `json:"error,omitempty"`
}

// Passed reports whether the requirement is met.
func (f Finding) Passed() bool {
	return f.Err == "" && f.Found >= f.Requirement.MinCount && len(f.Undersized) == 0 && len(f.Short) == 0
}

// Reason describes why a requirement failed, or "" if it passed.
func (f Finding) Reason() string {
	var parts []string
	if f.Err != "" {
		parts = append(parts, f.Err)
	}
	if f.Found < f.Requirement.MinCount {
		parts = append(parts, fmt.Sprintf("expected %d, found %d", f.Requirement.MinCount, f.Found))
	}
	if len(f.Undersized) > 0 {
		parts = append(parts, fmt.Sprintf("%d artifact(s) below %s: %s",
			len(f.Undersized), humanize.Bytes(uint64(f.Requirement.MinBytes)), summarize(f.Undersized)))
	}
	if len(f.Short) > 0 {
		parts = append(parts, fmt.Sprintf("%d artifact(s) with fewer than %d lines: %s",
			len(f.Short), f.Requirement.MinLines, summarize(f.Short)))
	}
	if len(parts) == 0 {
		return ""
	}
	return f.Requirement.Name + ": " + strings.Join(parts, "; ")
}

// Result aggregates findings.
type Result struct {
	Passed   bool      `json:"passed"`
	Findings []Finding `json:"findings"`
	Reason   string    `json:"reason,omitempty"`
}

// Artifacts is the number of matched artifacts across all findings.
func (r Result) Artifacts() int {
	n := 0
	for _, f := range r.Findings {
		n += f.Found
	}
	return n
}

// Bytes is the total size of matched artifacts.
func (r Result) Bytes() int64 {
	var n int64
	for _, f := range r.Findings {
		n += f.Bytes
	}
	return n
}

// StoreFunc opens the artifact store for a root folder.
type StoreFunc func(root string) (artifact.Store, error)

// Validator evaluates requirements against artifact stores.
type Validator struct {
	open StoreFunc
}

// New returns a Validator over local folders.
func New() *Validator {
	return &Validator{open: func(root string) (artifact.Store, error) { return artifact.NewLocal(root) }}
}

// NewWithStores returns a Validator over custom stores.
func NewWithStores(open StoreFunc) *Validator {
	return &Validator{open: open}
}

// Validate evaluates every requirement. It never short-circuits so the
// reason lists every shortfall at once.
func (v *Validator) Validate(ctx context.Context, reqs []Requirement) Result {
	res := Result{Passed: true}
	var reasons []string
	for _, req := range reqs {
		f := v.evaluate(ctx, req)
		res.Findings = append(res.Findings, f)
		if !f.Passed() {
			res.Passed = false
			reasons = append(reasons, f.Reason())
		}
	}
	res.Reason = strings.Join(reasons, "; ")
	return res
}

func (v *Validator) evaluate(ctx context.Context, req Requirement) Finding {
	f := Finding{Requirement: req}

	m, err := match.New(match.Config{Includes: []string{req.Pattern}})
	if err != nil {
		f.Err = err.Error()
		return f
	}

	size := match.SizeRange{Min: req.MinBytes}
	seen := make(map[string]bool)
	for _, root := range req.Roots {
		store, err := v.open(root)
		if err != nil {
			f.Err = err.Error()
			return f
		}
		items, err := store.List(ctx, m.Prefix())
		if err != nil {
			f.Err = err.Error()
			return f
		}
		for _, a := range items {
			if !m.Match(a.Key) {
				continue
			}
			base := path.Base(a.Key)
			if seen[base] {
				continue
			}
			seen[base] = true
			f.Found++
			f.Bytes += a.Size

			if !size.Contains(a) {
				f.Undersized = append(f.Undersized, base)
				continue
			}
			if req.MinLines > 0 {
				n, err := countArtifactLines(ctx, store, a.Key, req.MinLines)
				if err != nil || n < req.MinLines {
					f.Short = append(f.Short, base)
				}
			}
		}
	}
	sort.Strings(f.Undersized)
	sort.Strings(f.Short)
	return f
}

func countArtifactLines(ctx context.Context, store artifact.Store, key string, limit int64) (int64, error) {
	rc, err := store.Open(ctx, key)
	if err != nil {
		return 0, err
	}
	defer func() { _ = rc.Close() }()
	return CountLines(rc, limit)
}

// CountLines counts newline-terminated lines, stopping once limit is
// reached (limit <= 0 counts everything). Gzip input is decoded.
func CountLines(r io.Reader, limit int64) (int64, error) {
	br := bufio.NewReader(r)
	magic, _ := br.Peek(2)
	var src io.Reader = br
	if bytes.Equal(magic, []byte{0x1f, 0x8b}) {
		zr, err := gzip.NewReader(br)
		if err != nil {
			return 0, err
		}
		defer func() { _ = zr.Close() }()
		src = zr
	}

	buf := make([]byte, 64*1024)
	var n int64
	var last byte = '\n'
	for {
		k, err := src.Read(buf)
		if k > 0 {
			n += int64(bytes.Count(buf[:k], []byte{'\n'}))
			last = buf[k-1]
			if limit > 0 && n >= limit {
				return n, nil
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return n, err
		}
	}
	if last != '\n' {
		n++
	}
	return n, nil
}

func summarize(names []string) string {
	const show = 3
	if len(names) <= show {
		return strings.Join(names, ", ")
	}
	return strings.Join(names[:show], ", ") + fmt.Sprintf(" and %d more", len(names)-show)
}
