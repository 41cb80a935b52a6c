package columnar

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/memory"
	"github.com/apache/arrow/go/v17/parquet"
	"github.com/apache/arrow/go/v17/parquet/compress"
	"github.com/apache/arrow/go/v17/parquet/pqarrow"

	"github.com/armor-analytics/stakedsold/pkg/descriptor"
	"github.com/armor-analytics/stakedsold/pkg/pipelineerr"
)

// BuildRecord lays rows out against schema. Missing metadata values and the annotations of
// unannotated rows are null.
func BuildRecord(mem memory.Allocator, schema *arrow.Schema, rows []*descriptor.Descriptor) (arrow.Record, error) {
	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()

	meta := schema.NumFields() - len(annotationSchema)
	index := make(map[string]int, meta)
	for i := 0; i < meta; i++ {
		index[schema.Field(i).Name] = i
	}

	present := make([]bool, meta)
	for r, d := range rows {
		clear(present)
		for _, f := range d.Metadata() {
			i, ok := index[f.Name]
			if !ok {
				return nil, fmt.Errorf("%w: row %d column %q not in schema", pipelineerr.ErrSerializationFailed, r, f.Name)
			}
			if err := appendValue(b.Field(i), f.Value); err != nil {
				return nil, fmt.Errorf("%w: row %d column %q: %w", pipelineerr.ErrSerializationFailed, r, f.Name, err)
			}
			present[i] = true
		}
		for i, ok := range present {
			if !ok {
				b.Field(i).AppendNull()
			}
		}
		appendAnnotations(b, meta, d)
	}

	return b.NewRecord(), nil
}

func appendValue(bld array.Builder, v any) error {
	if v == nil {
		bld.AppendNull()
		return nil
	}
	switch bb := bld.(type) {
	case *array.StringBuilder:
		switch val := v.(type) {
		case string:
			bb.Append(val)
		case json.RawMessage:
			bb.Append(string(val))
		default:
			return fmt.Errorf("cannot store %T as string", v)
		}
	case *array.BooleanBuilder:
		val, ok := v.(bool)
		if !ok {
			return fmt.Errorf("cannot store %T as bool", v)
		}
		bb.Append(val)
	case *array.Int64Builder:
		n, ok := v.(json.Number)
		if !ok {
			return fmt.Errorf("cannot store %T as integer", v)
		}
		i, err := n.Int64()
		if err != nil {
			return err
		}
		bb.Append(i)
	case *array.Float64Builder:
		n, ok := v.(json.Number)
		if !ok {
			return fmt.Errorf("cannot store %T as float", v)
		}
		f, err := n.Float64()
		if err != nil {
			return err
		}
		bb.Append(f)
	default:
		return fmt.Errorf("unsupported builder %T", bld)
	}
	return nil
}

func appendAnnotations(b *array.RecordBuilder, offset int, d *descriptor.Descriptor) {
	used := b.Field(offset).(*array.Float64Builder)
	staked := b.Field(offset + 1).(*array.Float64Builder)
	ts := b.Field(offset + 2).(*array.Float64Builder)
	date := b.Field(offset + 3).(*array.StringBuilder)
	clock := b.Field(offset + 4).(*array.StringBuilder)

	if !d.Annotated() {
		used.AppendNull()
		staked.AppendNull()
		ts.AppendNull()
		date.AppendNull()
		clock.AppendNull()
		return
	}
	used.Append(d.TotalUsedETH.InexactFloat64())
	staked.Append(d.TotalStakedETH.InexactFloat64())
	ts.Append(d.Stamp.Epoch())
	date.Append(d.Stamp.ISODate())
	clock.Append(d.Stamp.Time())
}

// WriteFile writes rows to path as a single Snappy-compressed Parquet file. An empty batch
// produces a file holding only the annotation schema.
func WriteFile(path string, rows []*descriptor.Descriptor) (err error) {
	schema, err := InferSchema(rows)
	if err != nil {
		return err
	}
	rec, err := BuildRecord(memory.DefaultAllocator, schema, rows)
	if err != nil {
		return err
	}
	defer rec.Release()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("%w: create %s: %w", pipelineerr.ErrSerializationFailed, path, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("%w: close %s: %w", pipelineerr.ErrSerializationFailed, path, cerr)
		}
	}()

	bw := bufio.NewWriter(f)
	props := parquet.NewWriterProperties(parquet.WithCompression(compress.Codecs.Snappy))
	fw, err := pqarrow.NewFileWriter(schema, bw, props, pqarrow.NewArrowWriterProperties(pqarrow.WithStoreSchema()))
	if err != nil {
		return fmt.Errorf("%w: parquet writer: %w", pipelineerr.ErrSerializationFailed, err)
	}
	if rec.NumRows() > 0 {
		if err := fw.Write(rec); err != nil {
			return errors.Join(fmt.Errorf("%w: write: %w", pipelineerr.ErrSerializationFailed, err), fw.Close())
		}
	}
	if err := fw.Close(); err != nil {
		return fmt.Errorf("%w: finalize: %w", pipelineerr.ErrSerializationFailed, err)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("%w: flush: %w", pipelineerr.ErrSerializationFailed, err)
	}
	return nil
}

// Column is one column read back from a Parquet file.
type Column struct {
	Name   string
	Type   arrow.DataType
	Values []any
}

// ReadFile loads a Parquet file written by WriteFile into column-major values.
func ReadFile(ctx context.Context, path string) ([]Column, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	tbl, err := pqarrow.ReadTable(ctx, f, parquet.NewReaderProperties(memory.DefaultAllocator),
		pqarrow.ArrowReadProperties{}, memory.DefaultAllocator)
	if err != nil {
		return nil, fmt.Errorf("read parquet: %w", err)
	}
	defer tbl.Release()

	schema := tbl.Schema()
	out := make([]Column, int(tbl.NumCols()))
	for i := range out {
		col := Column{Name: schema.Field(i).Name, Type: schema.Field(i).Type, Values: []any{}}
		for _, chunk := range tbl.Column(i).Data().Chunks() {
			for j := 0; j < chunk.Len(); j++ {
				col.Values = append(col.Values, chunk.GetOneForMarshal(j))
			}
		}
		out[i] = col
	}
	return out, nil
}
