package objstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"

	"github.com/recibo-labs/recibo/pkg/errs"
)

// GCSStore implements Store on Google Cloud Storage.
type GCSStore struct {
	client *storage.Client
}

// NewGCSStore creates a GCS-backed store using application default
// credentials.
func NewGCSStore(ctx context.Context) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("objstore: create gcs client: %w", err)
	}
	return &GCSStore{client: client}, nil
}

// Read returns the full contents of bucket/path.
func (s *GCSStore) Read(ctx context.Context, bucket, path string) ([]byte, error) {
	r, err := s.client.Bucket(bucket).Object(path).NewReader(ctx)
	if err != nil {
		return nil, classify(fmt.Errorf("objstore: read %s: %w", URI(bucket, path), err))
	}
	defer func() { _ = r.Close() }()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, classify(fmt.Errorf("objstore: read %s: %w", URI(bucket, path), err))
	}
	return data, nil
}

// Write stores data with the given content type and returns the URI.
func (s *GCSStore) Write(ctx context.Context, bucket, path string, data []byte, contentType string) (string, error) {
	w := s.client.Bucket(bucket).Object(path).NewWriter(ctx)
	w.ContentType = contentType

	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", classify(fmt.Errorf("objstore: write %s: %w", URI(bucket, path), err))
	}
	if err := w.Close(); err != nil {
		return "", classify(fmt.Errorf("objstore: write %s: %w", URI(bucket, path), err))
	}
	return URI(bucket, path), nil
}

// Copy duplicates srcBucket/srcPath to dstBucket/dstPath server-side.
func (s *GCSStore) Copy(ctx context.Context, srcBucket, srcPath, dstBucket, dstPath string) (string, error) {
	src := s.client.Bucket(srcBucket).Object(srcPath)
	dst := s.client.Bucket(dstBucket).Object(dstPath)
	if _, err := dst.CopierFrom(src).Run(ctx); err != nil {
		return "", classify(fmt.Errorf("objstore: copy %s -> %s: %w",
			URI(srcBucket, srcPath), URI(dstBucket, dstPath), err))
	}
	return URI(dstBucket, dstPath), nil
}

// Delete removes an object; a missing object is treated as success.
func (s *GCSStore) Delete(ctx context.Context, bucket, path string) error {
	err := s.client.Bucket(bucket).Object(path).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return classify(fmt.Errorf("objstore: delete %s: %w", URI(bucket, path), err))
	}
	return nil
}

// Close closes the underlying client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}

// classify maps GCS errors onto the pipeline taxonomy. Not-found and
// permission failures are terminal; everything else is retryable.
func classify(err error) error {
	if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
		return errs.New(errs.KindNotFound, err)
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusNotFound:
			return errs.New(errs.KindNotFound, err)
		case apiErr.Code == http.StatusForbidden || apiErr.Code == http.StatusUnauthorized:
			return errs.New(errs.KindPermissionDenied, err)
		}
	}
	return errs.New(errs.KindTransient, err)
}
