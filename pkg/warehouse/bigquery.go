package warehouse

import (
	"context"
	"fmt"

	"cloud.google.com/go/bigquery"
	"go.uber.org/zap"
)

// BigQuery loads staged objects with append-only Parquet load jobs.
type BigQuery struct {
	Logger *zap.Logger
	Ref    TableRef
	client *bigquery.Client
}

// NewBigQuery opens a client for the project named in tableID.
func NewBigQuery(ctx context.Context, logger *zap.Logger, tableID string) (*BigQuery, error) {
	ref, err := ParseTable(tableID)
	if err != nil {
		return nil, err
	}
	if ref.Project == "" {
		return nil, fmt.Errorf("bigquery table %q needs a project", tableID)
	}
	client, err := bigquery.NewClient(ctx, ref.Project)
	if err != nil {
		return nil, fmt.Errorf("bigquery client: %w", err)
	}
	return &BigQuery{Logger: logger, Ref: ref, client: client}, nil
}

func (b *BigQuery) table() *bigquery.Table {
	return b.client.Dataset(b.Ref.Dataset).Table(b.Ref.Table)
}

func (b *BigQuery) Load(ctx context.Context, sourceURI string) error {
	ref := bigquery.NewGCSReference(sourceURI)
	ref.SourceFormat = bigquery.Parquet

	loader := b.table().LoaderFrom(ref)
	loader.WriteDisposition = bigquery.WriteAppend

	job, err := loader.Run(ctx)
	if err != nil {
		return fmt.Errorf("start load job: %w", err)
	}
	b.Logger.Debug("Load job started", zap.String("job_id", job.ID()), zap.String("source", sourceURI))

	status, err := job.Wait(ctx)
	if err != nil {
		return fmt.Errorf("wait load job %s: %w", job.ID(), err)
	}
	if err := status.Err(); err != nil {
		return fmt.Errorf("load job %s: %w", job.ID(), err)
	}

	b.Logger.Info("Load job completed", zap.String("job_id", job.ID()), zap.String("table", b.Ref.String()))
	return nil
}

func (b *BigQuery) RowCount(ctx context.Context) (uint64, error) {
	md, err := b.table().Metadata(ctx)
	if err != nil {
		return 0, fmt.Errorf("table metadata: %w", err)
	}
	return md.NumRows, nil
}

func (b *BigQuery) Close() error {
	return b.client.Close()
}
