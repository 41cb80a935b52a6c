// Package objectstore reads job inputs from and stages job outputs to object storage.
package objectstore

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned when the bucket or object does not exist.
var ErrNotFound = errors.New("object not found")

// Reader fetches a whole object.
type Reader interface {
	Read(ctx context.Context, bucket, key string) ([]byte, error)
}

// Store is the subset of object storage the job uses.
type Store interface {
	Reader
	UploadFile(ctx context.Context, bucket, key, path string) error
	Delete(ctx context.Context, bucket, key string) error
	Close() error
}

// URI is the gs:// form a load job references the staged object by.
func URI(bucket, key string) string {
	return fmt.Sprintf("gs://%s/%s", bucket, key)
}
