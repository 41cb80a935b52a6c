package export

import (
	"context"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/armor-analytics/stakedsold/pkg/columnar"
	"github.com/armor-analytics/stakedsold/pkg/configsource"
	"github.com/armor-analytics/stakedsold/pkg/descriptor"
	"github.com/armor-analytics/stakedsold/pkg/pipelineerr"
)

type fakeStager struct {
	uploadErr error
	deleteErr error
	uploaded  map[string][]byte
	deleted   []string
}

func (f *fakeStager) UploadFile(_ context.Context, bucket, key, path string) error {
	if f.uploadErr != nil {
		return f.uploadErr
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if f.uploaded == nil {
		f.uploaded = map[string][]byte{}
	}
	f.uploaded[bucket+"/"+key] = b
	return nil
}

func (f *fakeStager) Delete(_ context.Context, bucket, key string) error {
	f.deleted = append(f.deleted, bucket+"/"+key)
	return f.deleteErr
}

type fakeLoader struct {
	loadErr  error
	countErr error
	rows     uint64
	loaded   []string
}

func (f *fakeLoader) Load(_ context.Context, uri string) error {
	if f.loadErr != nil {
		return f.loadErr
	}
	f.loaded = append(f.loaded, uri)
	f.rows += 2
	return nil
}

func (f *fakeLoader) RowCount(context.Context) (uint64, error) { return f.rows, f.countErr }
func (f *fakeLoader) Close() error                             { return nil }

var stamp = descriptor.NewRunStamp(time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC))

func batch(t *testing.T) []*descriptor.Descriptor {
	t.Helper()
	rows, err := configsource.Parse([]byte(`[{"contract_address":"0xAAA"},{"contract_address":"0xBBB","note":"x"}]`))
	require.NoError(t, err)
	for _, d := range rows {
		d.Annotate(big.NewInt(0), big.NewInt(1e18), stamp)
	}
	return rows
}

func newExporter(t *testing.T, s *fakeStager, l *fakeLoader) *Exporter {
	return &Exporter{
		Logger:                 zaptest.NewLogger(t),
		Store:                  s,
		Loader:                 l,
		StagingBucket:          "staging",
		Prefix:                 "web3-staked-sold",
		LocalPath:              filepath.Join(t.TempDir(), "out.parquet"),
		CleanupStagedOnFailure: true,
	}
}

func TestObjectName(t *testing.T) {
	assert.Equal(t, "web3-staked-sold_2024-05-01_12:30:00", ObjectName("web3-staked-sold", stamp))
}

func TestExport(t *testing.T) {
	s, l := &fakeStager{}, &fakeLoader{rows: 40}
	e := newExporter(t, s, l)

	res, err := e.Export(context.Background(), batch(t), stamp)
	require.NoError(t, err)

	assert.Equal(t, "web3-staked-sold_2024-05-01_12:30:00", res.Object)
	assert.Equal(t, "gs://staging/web3-staked-sold_2024-05-01_12:30:00", res.URI)
	assert.Equal(t, uint64(42), res.TableRows)
	assert.Equal(t, []string{res.URI}, l.loaded)
	assert.Contains(t, s.uploaded, "staging/"+res.Object)
	assert.NoFileExists(t, e.LocalPath)
	assert.Empty(t, s.deleted)

	// the staged bytes are a readable parquet file in input order
	path := filepath.Join(t.TempDir(), "staged.parquet")
	require.NoError(t, os.WriteFile(path, s.uploaded["staging/"+res.Object], 0o600))
	cols, err := columnar.ReadFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "contract_address", cols[0].Name)
	assert.Equal(t, []any{"0xAAA", "0xBBB"}, cols[0].Values)
}

func TestExportSerializationFailure(t *testing.T) {
	s, l := &fakeStager{}, &fakeLoader{}
	e := newExporter(t, s, l)
	e.Write = func(string, []*descriptor.Descriptor) error { return errors.New("disk full") }

	_, err := e.Export(context.Background(), batch(t), stamp)
	assert.ErrorIs(t, err, pipelineerr.ErrSerializationFailed)
	assert.Empty(t, s.uploaded)
	assert.Empty(t, l.loaded)
}

func TestExportUploadFailure(t *testing.T) {
	s, l := &fakeStager{uploadErr: errors.New("403")}, &fakeLoader{}
	e := newExporter(t, s, l)

	_, err := e.Export(context.Background(), batch(t), stamp)
	assert.ErrorIs(t, err, pipelineerr.ErrUploadFailed)
	assert.Empty(t, l.loaded)
	assert.NoFileExists(t, e.LocalPath)
}

func TestExportLoadFailureCleansUp(t *testing.T) {
	s, l := &fakeStager{}, &fakeLoader{loadErr: errors.New("schema mismatch")}
	e := newExporter(t, s, l)

	_, err := e.Export(context.Background(), batch(t), stamp)
	assert.ErrorIs(t, err, pipelineerr.ErrLoadJobFailed)
	assert.Equal(t, []string{"staging/web3-staked-sold_2024-05-01_12:30:00"}, s.deleted)
}

func TestExportLoadFailureKeepsStagedObject(t *testing.T) {
	s, l := &fakeStager{}, &fakeLoader{loadErr: errors.New("schema mismatch")}
	e := newExporter(t, s, l)
	e.CleanupStagedOnFailure = false

	_, err := e.Export(context.Background(), batch(t), stamp)
	assert.ErrorIs(t, err, pipelineerr.ErrLoadJobFailed)
	assert.Empty(t, s.deleted)
}

func TestExportCleanupFailureKeepsLoadError(t *testing.T) {
	s := &fakeStager{deleteErr: errors.New("permission denied")}
	l := &fakeLoader{loadErr: errors.New("quota")}
	e := newExporter(t, s, l)

	_, err := e.Export(context.Background(), batch(t), stamp)
	assert.ErrorIs(t, err, pipelineerr.ErrLoadJobFailed)
	assert.Contains(t, err.Error(), "quota")
}

func TestExportEmptyBatch(t *testing.T) {
	s, l := &fakeStager{}, &fakeLoader{}
	e := newExporter(t, s, l)

	res, err := e.Export(context.Background(), nil, stamp)
	require.NoError(t, err)
	assert.Len(t, s.uploaded, 1)
	assert.Equal(t, []string{res.URI}, l.loaded)
}
