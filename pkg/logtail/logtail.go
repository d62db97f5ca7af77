// Package logtail reads the ends of scheduler log files.
package logtail

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// DefaultLines is the number of lines attached to a failure report.
const DefaultLines = 20

// Lines returns the last n lines of r.
func Lines(r io.Reader, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	buf := make([]string, 0, n)

	for scanner.Scan() {
		line := scanner.Text()
		if len(buf) < n {
			buf = append(buf, line)
			continue
		}
		copy(buf, buf[1:])
		buf[n-1] = line
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return buf, nil
}

// File returns the last n lines of the file at path.
func File(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return Lines(f, n)
}

// Newest returns files in dir matching pattern, newest first.
func Newest(dir, pattern string) ([]string, error) {
	matches, err := doublestar.Glob(os.DirFS(dir), pattern)
	if err != nil {
		return nil, fmt.Errorf("glob %s: %w", pattern, err)
	}

	type entry struct {
		path string
		mod  time.Time
	}
	entries := make([]entry, 0, len(matches))
	for _, m := range matches {
		full := filepath.Join(dir, filepath.FromSlash(m))
		st, err := os.Stat(full)
		if err != nil || !st.Mode().IsRegular() {
			continue
		}
		entries = append(entries, entry{path: full, mod: st.ModTime()})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].mod.Equal(entries[j].mod) {
			return entries[i].path > entries[j].path
		}
		return entries[i].mod.After(entries[j].mod)
	})

	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.path
	}
	return out, nil
}

// Excerpt is the tail of one log file.
type Excerpt struct {
	Path  string   `json:"path"`
	Lines []string `json:"lines"`
}

// String renders the excerpt with a header line.
func (e Excerpt) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "==> %s <==\n", e.Path)
	for _, l := range e.Lines {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	return b.String()
}

// Collect tails the newest files matching pattern in dir, reading at most
// maxFiles files and n lines from each. Empty files are skipped.
func Collect(dir, pattern string, maxFiles, n int) []Excerpt {
	paths, err := Newest(dir, pattern)
	if err != nil {
		return nil
	}
	var out []Excerpt
	for _, p := range paths {
		if maxFiles > 0 && len(out) >= maxFiles {
			break
		}
		lines, err := File(p, n)
		if err != nil || len(lines) == 0 {
			continue
		}
		out = append(out, Excerpt{Path: p, Lines: lines})
	}
	return out
}

// Follow copies path to w and keeps copying appended content until ctx is
// done.
func Follow(ctx context.Context, path string, w io.Writer, interval time.Duration) error {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := io.Copy(w, f); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
