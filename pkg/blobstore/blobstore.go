// Package blobstore fetches notebook documents by reference. A reference is
// either a filesystem path or an s3://bucket/key URL; the Router picks the
// backend by scheme so callers pass refs through untouched.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Source fetches the contents of one reference.
type Source interface {
	Fetch(ctx context.Context, ref string) ([]byte, error)
}

var (
	// ErrEmptyRef reports a blank reference.
	ErrEmptyRef = errors.New("blobstore: empty ref")

	// ErrRefOutsideRoot reports a filesystem ref escaping the configured root.
	ErrRefOutsideRoot = errors.New("blobstore: ref escapes root")

	// ErrBadS3Ref reports an s3:// ref without a bucket and key.
	ErrBadS3Ref = errors.New("blobstore: malformed s3 ref")

	// ErrNoS3 reports an s3:// ref arriving with no S3 source configured.
	ErrNoS3 = errors.New("blobstore: s3 refs not configured")

	// ErrNoFS reports a filesystem ref arriving with no filesystem source
	// configured.
	ErrNoFS = errors.New("blobstore: filesystem refs not configured")
)

// s3Scheme prefixes refs served by the S3 source.
const s3Scheme = "s3://"

// IsS3Ref reports whether ref names an S3 object.
func IsS3Ref(ref string) bool {
	return strings.HasPrefix(ref, s3Scheme)
}

// Router dispatches refs by scheme: s3:// refs to S3, everything else to
// the filesystem source.
type Router struct {
	fs Source
	s3 Source
}

// NewRouter creates a Router. s3 may be nil; s3:// refs then fail with
// ErrNoS3.
func NewRouter(fs, s3 Source) *Router {
	return &Router{fs: fs, s3: s3}
}

// Fetch resolves ref through the backend its scheme selects.
func (r *Router) Fetch(ctx context.Context, ref string) ([]byte, error) {
	if strings.TrimSpace(ref) == "" {
		return nil, ErrEmptyRef
	}
	if IsS3Ref(ref) {
		if r.s3 == nil {
			return nil, fmt.Errorf("%w: %s", ErrNoS3, ref)
		}
		return r.s3.Fetch(ctx, ref)
	}
	if r.fs == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoFS, ref)
	}
	return r.fs.Fetch(ctx, ref)
}
