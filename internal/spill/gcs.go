package spill

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"cloud.google.com/go/storage"
)

// ObjectStore reads and writes whole objects.
type ObjectStore interface {
	Write(ctx context.Context, bucket, object string, data []byte) error
	Read(ctx context.Context, bucket, object string) ([]byte, error)
}

// GCSObjects is the ObjectStore backed by Google Cloud Storage. It assumes
// Application Default Credentials are configured.
type GCSObjects struct {
	client *storage.Client
}

// NewGCSObjects creates a storage client.
func NewGCSObjects(ctx context.Context) (*GCSObjects, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("NewGCSObjects: create storage client: %w", err)
	}
	return &GCSObjects{client: client}, nil
}

// Write uploads data as a new object. Existing objects are never overwritten.
func (g *GCSObjects) Write(ctx context.Context, bucket, object string, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	w := g.client.Bucket(bucket).Object(object).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = "application/json"
	defer func() {
		// Ensure the writer is closed even on early returns
		_ = w.Close()
	}()

	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("copy to GCS writer: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalize upload of gs://%s/%s: %w", bucket, object, err)
	}
	return nil
}

// Read downloads an object.
func (g *GCSObjects) Read(ctx context.Context, bucket, object string) ([]byte, error) {
	rc, err := g.client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("open GCS object reader %s/%s: %w", bucket, object, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read GCS object: %w", err)
	}
	return data, nil
}

// Close closes the storage client.
func (g *GCSObjects) Close() error {
	return g.client.Close()
}
