package columnar

import (
	"context"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/armor-analytics/stakedsold/pkg/configsource"
	"github.com/armor-analytics/stakedsold/pkg/descriptor"
	"github.com/armor-analytics/stakedsold/pkg/pipelineerr"
)

func parse(t *testing.T, body string) []*descriptor.Descriptor {
	t.Helper()
	rows, err := configsource.Parse([]byte(body))
	require.NoError(t, err)
	return rows
}

func columnNames(cols []Column) []string {
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	return names
}

func TestInferSchemaOrderAndKinds(t *testing.T) {
	rows := parse(t, `[
		{"contract_address":"0x01","name":"alpha","active":true,"weight":3},
		{"contract_address":"0x02","tags":["a","b"],"weight":2.5,"name":null}
	]`)

	schema, err := InferSchema(rows)
	require.NoError(t, err)

	want := []struct {
		name string
		typ  arrow.DataType
	}{
		{"contract_address", arrow.BinaryTypes.String},
		{"name", arrow.BinaryTypes.String},
		{"active", arrow.FixedWidthTypes.Boolean},
		{"weight", arrow.PrimitiveTypes.Float64},
		{"tags", arrow.BinaryTypes.String},
		{"total_used_eth", arrow.PrimitiveTypes.Float64},
		{"total_staked_eth", arrow.PrimitiveTypes.Float64},
		{"time_stamp", arrow.PrimitiveTypes.Float64},
		{"iso_date", arrow.BinaryTypes.String},
		{"time", arrow.BinaryTypes.String},
	}
	require.Equal(t, len(want), schema.NumFields())
	for i, w := range want {
		assert.Equal(t, w.name, schema.Field(i).Name)
		assert.True(t, arrow.TypeEqual(w.typ, schema.Field(i).Type), "column %s: %s", w.name, schema.Field(i).Type)
	}
}

func TestInferSchemaMixedKinds(t *testing.T) {
	rows := parse(t, `[
		{"contract_address":"0x01","tier":"gold"},
		{"contract_address":"0x02","tier":7}
	]`)

	_, err := InferSchema(rows)
	require.Error(t, err)
	assert.ErrorIs(t, err, pipelineerr.ErrSerializationFailed)
	assert.Contains(t, err.Error(), `"tier"`)
}

func TestWriteReadRoundTrip(t *testing.T) {
	rows := parse(t, `[
		{"contract_address":"0xAAA","protocol":"yearn","seats":4},
		{"contract_address":"0xBBB","extra":{"k":1}}
	]`)
	stamp := descriptor.NewRunStamp(time.Date(2024, 5, 1, 12, 30, 15, 0, time.UTC))
	rows[0].Annotate(big.NewInt(0), new(big.Int).Mul(big.NewInt(5), big.NewInt(1e18)), stamp)
	rows[1].Annotate(big.NewInt(1500000000000000000), big.NewInt(0), stamp)

	path := filepath.Join(t.TempDir(), "batch.parquet")
	require.NoError(t, WriteFile(path, rows))

	cols, err := ReadFile(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"contract_address", "protocol", "seats", "extra",
		"total_used_eth", "total_staked_eth", "time_stamp", "iso_date", "time",
	}, columnNames(cols))

	byName := make(map[string][]any, len(cols))
	for _, c := range cols {
		byName[c.Name] = c.Values
	}
	assert.Equal(t, []any{"0xAAA", "0xBBB"}, byName["contract_address"])
	assert.Equal(t, []any{"yearn", nil}, byName["protocol"])
	assert.Equal(t, []any{int64(4), nil}, byName["seats"])
	assert.Equal(t, []any{nil, `{"k":1}`}, byName["extra"])
	assert.Equal(t, []any{0.0, 1.5}, byName["total_used_eth"])
	assert.Equal(t, []any{5.0, 0.0}, byName["total_staked_eth"])
	assert.Equal(t, []any{stamp.Epoch(), stamp.Epoch()}, byName["time_stamp"])
	assert.Equal(t, []any{"2024-05-01", "2024-05-01"}, byName["iso_date"])
	assert.Equal(t, []any{"12:30:15", "12:30:15"}, byName["time"])
}

func TestWriteEmptyBatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.parquet")
	require.NoError(t, WriteFile(path, nil))

	cols, err := ReadFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, descriptor.AnnotationFields, columnNames(cols))
	for _, c := range cols {
		assert.Empty(t, c.Values)
	}
}

func TestWriteFileRejectsMixedKinds(t *testing.T) {
	rows := parse(t, `[{"contract_address":"0x01","x":true},{"contract_address":"0x02","x":"yes"}]`)
	path := filepath.Join(t.TempDir(), "bad.parquet")

	err := WriteFile(path, rows)
	assert.ErrorIs(t, err, pipelineerr.ErrSerializationFailed)
	assert.NoFileExists(t, path)
}
