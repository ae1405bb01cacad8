// Package objstore fronts the object store with a narrow capability
// interface. Stages never see the cloud SDK; tests substitute the
// in-memory implementation.
package objstore

import (
	"context"
	"fmt"
	"strings"
)

// Store is the object-store capability used by the stages.
type Store interface {
	// Read returns the full contents of an object.
	Read(ctx context.Context, bucket, path string) ([]byte, error)
	// Write stores data under bucket/path with the given content type
	// and returns the object URI. Writes are overwriting, which keeps
	// stage outputs idempotent under bus redelivery.
	Write(ctx context.Context, bucket, path string, data []byte, contentType string) (string, error)
	// Copy duplicates an object and returns the destination URI.
	Copy(ctx context.Context, srcBucket, srcPath, dstBucket, dstPath string) (string, error)
	// Delete removes an object. Deleting a missing object is not an
	// error.
	Delete(ctx context.Context, bucket, path string) error
}

// URI renders the canonical gs:// form of an object location.
func URI(bucket, path string) string {
	return fmt.Sprintf("gs://%s/%s", bucket, path)
}

// ParseURI splits a gs:// URI into bucket and path.
func ParseURI(uri string) (bucket, path string, err error) {
	rest, ok := strings.CutPrefix(uri, "gs://")
	if !ok {
		return "", "", fmt.Errorf("objstore: not a gs:// uri: %q", uri)
	}
	bucket, path, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || path == "" {
		return "", "", fmt.Errorf("objstore: malformed uri: %q", uri)
	}
	return bucket, path, nil
}

// Stem returns the object's base name without directories or extension,
// used to derive page and sidecar names.
func Stem(path string) string {
	base := path
	if i := strings.LastIndex(base, "/"); i >= 0 {
		base = base[i+1:]
	}
	if i := strings.LastIndex(base, "."); i > 0 {
		base = base[:i]
	}
	return base
}
