// Package gcs reads dataset objects from Google Cloud Storage.
package gcs

import (
	"context"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
)

// Scheme prefixes object URIs handled by this package.
const Scheme = "gs://"

// Reader opens gs://bucket/object URIs.
type Reader struct {
	client *storage.Client
}

// New wraps an existing storage client.
func New(client *storage.Client) (*Reader, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	return &Reader{client: client}, nil
}

// NewFromEnv creates a client using Application Default Credentials.
func NewFromEnv(ctx context.Context) (*Reader, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return &Reader{client: client}, nil
}

// ParseURI splits a gs:// URI into bucket and object.
func ParseURI(uri string) (bucket, object string, err error) {
	if !strings.HasPrefix(uri, Scheme) {
		return "", "", fmt.Errorf("not a gcs uri: %q", uri)
	}
	bucket, object, ok := strings.Cut(strings.TrimPrefix(uri, Scheme), "/")
	if !ok || bucket == "" || object == "" {
		return "", "", fmt.Errorf("gcs uri needs bucket and object: %q", uri)
	}
	return bucket, object, nil
}

// Open returns a reader for the object. Callers must close it.
func (r *Reader) Open(ctx context.Context, uri string) (io.ReadCloser, error) {
	bucket, object, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}
	rc, err := r.client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", uri, err)
	}
	return rc, nil
}

// Close releases the underlying client.
func (r *Reader) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	if err := r.client.Close(); err != nil {
		return fmt.Errorf("close gcs client: %w", err)
	}
	return nil
}
