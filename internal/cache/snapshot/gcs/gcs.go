// Package gcs persists cache snapshots as a Google Cloud Storage object.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"

	"github.com/JakeFAU/venue-enrichment/internal/cache"
)

const contentType = "application/json"

// Config captures the bucket and object holding the snapshot.
type Config struct {
	Bucket string
	Object string
}

// Snapshotter reads and writes the snapshot object.
type Snapshotter struct {
	client *storage.Client
	bucket string
	object string
}

// New creates a GCS-backed snapshotter.
func New(client *storage.Client, cfg Config) (*Snapshotter, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	if cfg.Object == "" {
		return nil, fmt.Errorf("object name is required")
	}
	return &Snapshotter{client: client, bucket: cfg.Bucket, object: cfg.Object}, nil
}

// URI returns the gs:// location of the snapshot.
func (s *Snapshotter) URI() string {
	return fmt.Sprintf("gs://%s/%s", s.bucket, s.object)
}

// Load downloads the snapshot or returns cache.ErrNoSnapshot.
func (s *Snapshotter) Load(ctx context.Context) ([]byte, error) {
	r, err := s.client.Bucket(s.bucket).Object(s.object).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, cache.ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", s.URI(), err)
	}
	defer func() { _ = r.Close() }()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.URI(), err)
	}
	return data, nil
}

// Save uploads the snapshot, replacing the previous object.
func (s *Snapshotter) Save(ctx context.Context, data []byte) error {
	writer := s.client.Bucket(s.bucket).Object(s.object).NewWriter(ctx)
	writer.ContentType = contentType
	if _, err := writer.Write(data); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return fmt.Errorf("write object: %w (close writer: %v)", err, closeErr)
		}
		return fmt.Errorf("write object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close writer: %w", err)
	}
	return nil
}
