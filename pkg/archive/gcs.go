//go:build gcp

package archive

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"
)

// GCSArchiver uploads sealed segments to a Google Cloud Storage bucket.
type GCSArchiver struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSConfig holds configuration for GCSArchiver.
type GCSConfig struct {
	Bucket string
	Prefix string // Optional key prefix
}

// NewGCSArchiver creates a GCS-backed segment archiver. Credentials come
// from application default credentials.
func NewGCSArchiver(ctx context.Context, cfg GCSConfig) (*GCSArchiver, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("archive: create GCS client: %w", err)
	}
	return &GCSArchiver{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

// Put uploads segment bytes under the given key.
func (a *GCSArchiver) Put(ctx context.Context, key string, data []byte) error {
	obj := a.client.Bucket(a.bucket).Object(a.prefix + key)
	w := obj.NewWriter(ctx)
	w.ContentType = "application/x-ndjson"

	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("archive: gcs write %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("archive: gcs close %s: %w", key, err)
	}
	return nil
}
