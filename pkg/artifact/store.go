// Package artifact is the file-existence oracle of the workflow. Every
// question of the form "is this output there, and how big is it" goes
// through a Store so completion checks and cleanup share one view of the
// shared filesystem.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// Artifact is one file produced by a stage.
type Artifact struct {
	// Key is the slash-separated path relative to the store root.
	Key     string
	Path    string
	Size    int64
	ModTime time.Time
}

// Store lists and manipulates artifacts under one root directory.
type Store interface {
	Root() string
	// List returns every regular file whose key starts with prefix, sorted.
	List(ctx context.Context, prefix string) ([]Artifact, error)
	// Stat returns ErrNotFound for missing keys and for directories.
	Stat(ctx context.Context, key string) (*Artifact, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	// Remove is idempotent.
	Remove(ctx context.Context, key string) error
}

var (
	// ErrNotFound indicates the artifact does not exist.
	ErrNotFound = errors.New("artifact not found")

	// ErrAccessDenied indicates insufficient permissions.
	ErrAccessDenied = errors.New("access denied")

	// ErrInvalidKey indicates a key escaping the store root.
	ErrInvalidKey = errors.New("invalid artifact key")
)

// StoreError wraps store errors with context.
type StoreError struct {
	Op   string
	Root string
	Key  string
	Err  error
}

func (e *StoreError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("artifact %s: %s/%s: %v", e.Op, e.Root, e.Key, e.Err)
	}
	return fmt.Sprintf("artifact %s: %s: %v", e.Op, e.Root, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// IsNotFound reports whether err indicates a missing artifact.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
