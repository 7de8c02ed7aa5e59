package blobstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FSSource reads refs from the local filesystem.
type FSSource struct {
	root string
}

// NewFSSource creates a filesystem source. With a non-empty root, refs are
// resolved inside it and may not escape; with an empty root, refs are plain
// paths, relative or absolute.
func NewFSSource(root string) *FSSource {
	return &FSSource{root: root}
}

// Fetch reads the file the ref names.
func (s *FSSource) Fetch(ctx context.Context, ref string) ([]byte, error) {
	if strings.TrimSpace(ref) == "" {
		return nil, ErrEmptyRef
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := ref
	if s.root != "" {
		if !filepath.IsLocal(ref) {
			return nil, fmt.Errorf("%w: %s", ErrRefOutsideRoot, ref)
		}
		path = filepath.Join(s.root, ref)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("blobstore: read %s: %w", ref, err)
	}
	return data, nil
}
