// Package export serializes an annotated batch, stages it in object storage and appends it to
// the destination table.
package export

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/armor-analytics/stakedsold/pkg/columnar"
	"github.com/armor-analytics/stakedsold/pkg/descriptor"
	"github.com/armor-analytics/stakedsold/pkg/objectstore"
	"github.com/armor-analytics/stakedsold/pkg/pipelineerr"
	"github.com/armor-analytics/stakedsold/pkg/warehouse"
)

// Stager uploads and removes staged objects.
type Stager interface {
	UploadFile(ctx context.Context, bucket, key, path string) error
	Delete(ctx context.Context, bucket, key string) error
}

// WriteFunc serializes rows to a local file.
type WriteFunc func(path string, rows []*descriptor.Descriptor) error

type Exporter struct {
	Logger *zap.Logger
	Store  Stager
	Loader warehouse.Loader

	StagingBucket          string
	Prefix                 string
	LocalPath              string
	CleanupStagedOnFailure bool

	// Write defaults to columnar.WriteFile.
	Write WriteFunc
}

// Result describes a completed export.
type Result struct {
	Object    string
	URI       string
	TableRows uint64
	Elapsed   time.Duration
}

// ObjectName is the staged object key for a run: <prefix>_<iso_date>_<time>.
func ObjectName(prefix string, stamp descriptor.RunStamp) string {
	return prefix + "_" + stamp.ISODate() + "_" + stamp.Time()
}

// Export writes rows to LocalPath, uploads the file and appends it to the destination table.
// Rows are exported in the given order.
func (e *Exporter) Export(ctx context.Context, rows []*descriptor.Descriptor, stamp descriptor.RunStamp) (Result, error) {
	start := time.Now()
	object := ObjectName(e.Prefix, stamp)
	uri := objectstore.URI(e.StagingBucket, object)

	write := e.Write
	if write == nil {
		write = columnar.WriteFile
	}
	if err := write(e.LocalPath, rows); err != nil {
		if !errors.Is(err, pipelineerr.ErrSerializationFailed) {
			err = fmt.Errorf("%w: %w", pipelineerr.ErrSerializationFailed, err)
		}
		return Result{}, err
	}
	e.Logger.Debug("Wrote local file", zap.String("path", e.LocalPath), zap.Int("rows", len(rows)))

	err := e.Store.UploadFile(ctx, e.StagingBucket, object, e.LocalPath)
	e.removeLocal()
	if err != nil {
		return Result{}, fmt.Errorf("%w: %s: %w", pipelineerr.ErrUploadFailed, uri, err)
	}

	if err := e.Loader.Load(ctx, uri); err != nil {
		e.cleanup(ctx, object)
		return Result{}, fmt.Errorf("%w: %s: %w", pipelineerr.ErrLoadJobFailed, uri, err)
	}

	n, err := e.Loader.RowCount(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("%w: row count: %w", pipelineerr.ErrLoadJobFailed, err)
	}

	res := Result{Object: object, URI: uri, TableRows: n, Elapsed: time.Since(start)}
	e.Logger.Info("Exported batch",
		zap.String("uri", uri),
		zap.Int("rows", len(rows)),
		zap.Uint64("table_rows", n),
		zap.Duration("elapsed", res.Elapsed))
	return res, nil
}

func (e *Exporter) removeLocal() {
	if err := os.Remove(e.LocalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		e.Logger.Warn("Failed to remove local file", zap.String("path", e.LocalPath), zap.Error(err))
	}
}

func (e *Exporter) cleanup(ctx context.Context, object string) {
	if !e.CleanupStagedOnFailure {
		return
	}
	// the run context may already be done; the delete gets its own budget
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := e.Store.Delete(dctx, e.StagingBucket, object); err != nil {
		e.Logger.Warn("Failed to delete staged object",
			zap.String("uri", objectstore.URI(e.StagingBucket, object)), zap.Error(err))
		return
	}
	e.Logger.Info("Deleted staged object after failed load", zap.String("uri", objectstore.URI(e.StagingBucket, object)))
}
