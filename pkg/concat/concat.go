// Package concat joins per-segment imputation outputs into one
// per-chromosome file and encodes the joined file in position order.
package concat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/klauspost/compress/gzip"
)

// ErrNoInputs is returned when the pattern matches nothing.
var ErrNoInputs = errors.New("no segment files matched")

// Options configures a concatenation.
type Options struct {
	Dir     string
	Pattern string
	Out     string
	// MinInputs fails the join when fewer inputs match.
	MinInputs int
}

// Result describes a completed join.
type Result struct {
	Inputs []string
	Bytes  int64
}

// Ordered returns the files in dir matching pattern, sorted by segment
// offset. Files without a numeric field sort last, by name.
func Ordered(dir, pattern string) ([]string, error) {
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid pattern %q", pattern)
	}
	matches, err := doublestar.Glob(os.DirFS(dir), pattern)
	if err != nil {
		return nil, err
	}

	files := matches[:0]
	for _, m := range matches {
		if strings.HasPrefix(filepath.Base(m), ".") {
			continue
		}
		st, err := os.Stat(filepath.Join(dir, filepath.FromSlash(m)))
		if err != nil || !st.Mode().IsRegular() {
			continue
		}
		files = append(files, m)
	}

	sort.SliceStable(files, func(i, j int) bool {
		oi, okI := Offset(files[i])
		oj, okJ := Offset(files[j])
		switch {
		case okI && okJ && oi != oj:
			return oi < oj
		case okI != okJ:
			return okI
		default:
			return files[i] < files[j]
		}
	})

	out := make([]string, len(files))
	for i, f := range files {
		out[i] = filepath.Join(dir, filepath.FromSlash(f))
	}
	return out, nil
}

// Offset returns the last all-digit dot-separated field of a file's base
// name: "cohort_chr21.20.impute2" → 20.
func Offset(name string) (int, bool) {
	fields := strings.Split(filepath.Base(name), ".")
	for i := len(fields) - 1; i >= 1; i-- {
		if n, err := strconv.Atoi(fields[i]); err == nil && n >= 0 {
			return n, true
		}
	}
	return 0, false
}

// Join writes the ordered inputs to opts.Out atomically. A ".gz" output is
// gzip-compressed.
func Join(ctx context.Context, opts Options) (*Result, error) {
	if strings.TrimSpace(opts.Out) == "" {
		return nil, fmt.Errorf("output path is required")
	}
	inputs, err := Ordered(opts.Dir, opts.Pattern)
	if err != nil {
		return nil, err
	}
	if len(inputs) == 0 {
		return nil, fmt.Errorf("%w: %s in %s", ErrNoInputs, opts.Pattern, opts.Dir)
	}
	if opts.MinInputs > 0 && len(inputs) < opts.MinInputs {
		return nil, fmt.Errorf("expected at least %d segment files, found %d", opts.MinInputs, len(inputs))
	}

	if err := os.MkdirAll(filepath.Dir(opts.Out), 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(opts.Out), "."+filepath.Base(opts.Out)+".tmp.*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	var w io.Writer = tmp
	var zw *gzip.Writer
	if strings.HasSuffix(opts.Out, ".gz") {
		zw = gzip.NewWriter(tmp)
		w = zw
	}

	res := &Result{Inputs: inputs}
	for _, in := range inputs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := appendFile(w, in)
		if err != nil {
			return nil, err
		}
		res.Bytes += n
	}
	if zw != nil {
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("close gzip stream: %w", err)
		}
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, opts.Out); err != nil {
		return nil, fmt.Errorf("rename output: %w", err)
	}
	return res, nil
}

func appendFile(w io.Writer, path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()
	n, err := io.Copy(w, f)
	if err != nil {
		return n, fmt.Errorf("copy %s: %w", path, err)
	}
	return n, nil
}
