package artifact

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Local implements Store on a local or shared POSIX directory.
type Local struct {
	root string
}

var _ Store = (*Local)(nil)

// NewLocal returns a store rooted at dir. The directory need not exist.
func NewLocal(dir string) (*Local, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("artifact root is required")
	}
	return &Local{root: filepath.Clean(dir)}, nil
}

func (l *Local) Root() string { return l.root }

// Path returns the absolute path of key.
func (l *Local) Path(key string) (string, error) {
	key = strings.TrimPrefix(strings.TrimSpace(key), "/")
	clean := strings.TrimPrefix(filepath.Clean("/"+key), "/")
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", ErrInvalidKey
	}
	return filepath.Join(l.root, filepath.FromSlash(clean)), nil
}

func (l *Local) List(ctx context.Context, prefix string) ([]Artifact, error) {
	prefix = strings.TrimPrefix(prefix, "/")

	// Walk from the deepest directory the prefix names.
	dirPart := prefix
	if !strings.HasSuffix(dirPart, "/") {
		dirPart = filepath.ToSlash(filepath.Dir(dirPart))
		if dirPart == "." {
			dirPart = ""
		}
	}
	start, err := l.Path(dirPart)
	if err != nil {
		return nil, l.wrap("List", prefix, err)
	}
	if _, err := os.Stat(start); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, l.wrap("List", prefix, err)
	}

	var out []Artifact
	walkErr := filepath.WalkDir(start, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(l.root, path)
		if err != nil {
			return nil
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		out = append(out, Artifact{Key: key, Path: path, Size: info.Size(), ModTime: info.ModTime()})
		return nil
	})
	if walkErr != nil {
		return nil, l.wrap("List", prefix, walkErr)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (l *Local) Stat(_ context.Context, key string) (*Artifact, error) {
	full, err := l.Path(key)
	if err != nil {
		return nil, l.wrap("Stat", key, err)
	}
	st, err := os.Stat(full)
	if err != nil {
		return nil, l.wrap("Stat", key, err)
	}
	if !st.Mode().IsRegular() {
		return nil, l.wrap("Stat", key, ErrNotFound)
	}
	return &Artifact{Key: strings.TrimPrefix(key, "/"), Path: full, Size: st.Size(), ModTime: st.ModTime()}, nil
}

func (l *Local) Open(_ context.Context, key string) (io.ReadCloser, error) {
	full, err := l.Path(key)
	if err != nil {
		return nil, l.wrap("Open", key, err)
	}
	f, err := os.Open(full)
	if err != nil {
		return nil, l.wrap("Open", key, err)
	}
	return f, nil
}

func (l *Local) Remove(_ context.Context, key string) error {
	full, err := l.Path(key)
	if err != nil {
		return l.wrap("Remove", key, err)
	}
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return l.wrap("Remove", key, err)
	}
	return nil
}

// Move relocates key into dst under the same base name. It renames when
// possible and falls back to copy-then-remove across filesystems.
func (l *Local) Move(ctx context.Context, key string, dst *Local) error {
	src, err := l.Path(key)
	if err != nil {
		return l.wrap("Move", key, err)
	}
	target, err := dst.Path(filepath.Base(src))
	if err != nil {
		return l.wrap("Move", key, err)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return l.wrap("Move", key, err)
	}
	if err := os.Rename(src, target); err == nil {
		return nil
	}

	in, err := l.Open(ctx, key)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	tmp, err := os.CreateTemp(filepath.Dir(target), ".imputeflow-move-*")
	if err != nil {
		return l.wrap("Move", key, err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := io.Copy(tmp, in); err != nil {
		return l.wrap("Move", key, err)
	}
	if err := tmp.Close(); err != nil {
		return l.wrap("Move", key, err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		return l.wrap("Move", key, err)
	}
	return l.Remove(ctx, key)
}

// PruneEmptyDirs removes empty directories below the root, deepest first.
func (l *Local) PruneEmptyDirs() error {
	var dirs []string
	_ = filepath.WalkDir(l.root, func(path string, d fs.DirEntry, err error) error {
		if err == nil && d.IsDir() && path != l.root {
			dirs = append(dirs, path)
		}
		return nil
	})
	sort.Slice(dirs, func(i, j int) bool { return len(dirs[i]) > len(dirs[j]) })
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err == nil && len(entries) == 0 {
			if err := os.Remove(dir); err != nil {
				return l.wrap("Prune", dir, err)
			}
		}
	}
	return nil
}

func (l *Local) wrap(op, key string, err error) error {
	wrapped := &StoreError{Op: op, Root: l.root, Key: key, Err: err}
	switch {
	case os.IsNotExist(err):
		wrapped.Err = ErrNotFound
	case os.IsPermission(err):
		wrapped.Err = ErrAccessDenied
	}
	return wrapped
}
