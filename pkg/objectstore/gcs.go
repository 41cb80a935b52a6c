package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
)

// ParquetContentType is set on staged objects.
const ParquetContentType = "application/vnd.apache.parquet"

// GCS is a Store backed by Google Cloud Storage using application default credentials.
type GCS struct {
	Logger *zap.Logger
	client *storage.Client
}

// NewGCS opens a storage client.
func NewGCS(ctx context.Context, logger *zap.Logger) (*GCS, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return &GCS{Logger: logger, client: client}, nil
}

// Read downloads bucket/key into memory.
func (g *GCS) Read(ctx context.Context, bucket, key string) ([]byte, error) {
	r, err := g.client.Bucket(bucket).Object(key).NewReader(ctx)
	if err != nil {
		if isNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, URI(bucket, key))
		}
		return nil, fmt.Errorf("open %s: %w", URI(bucket, key), err)
	}
	defer r.Close()

	b, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", URI(bucket, key), err)
	}
	g.Logger.Debug("Downloaded object", zap.String("uri", URI(bucket, key)), zap.Int("bytes", len(b)))
	return b, nil
}

// UploadFile streams the local file at path to bucket/key.
func (g *GCS) UploadFile(ctx context.Context, bucket, key, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	// A canceled ctx aborts the upload and leaves no object behind.
	w := g.client.Bucket(bucket).Object(key).NewWriter(ctx)
	w.ContentType = ParquetContentType

	n, err := io.Copy(w, f)
	if err != nil {
		_ = w.Close()
		return fmt.Errorf("write %s: %w", URI(bucket, key), err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalize %s: %w", URI(bucket, key), err)
	}

	g.Logger.Info("Uploaded object", zap.String("uri", URI(bucket, key)), zap.Int64("bytes", n))
	return nil
}

// Delete removes bucket/key. A missing object is not an error.
func (g *GCS) Delete(ctx context.Context, bucket, key string) error {
	err := g.client.Bucket(bucket).Object(key).Delete(ctx)
	if err != nil && !isNotExist(err) {
		return fmt.Errorf("delete %s: %w", URI(bucket, key), err)
	}
	return nil
}

// Close releases the storage client.
func (g *GCS) Close() error {
	return g.client.Close()
}

func isNotExist(err error) bool {
	return errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist)
}
