// Package columnar converts annotated descriptor batches to and from Parquet.
package columnar

import (
	"encoding/json"
	"fmt"

	"github.com/apache/arrow/go/v17/arrow"

	"github.com/armor-analytics/stakedsold/pkg/descriptor"
	"github.com/armor-analytics/stakedsold/pkg/pipelineerr"
)

type kind int

const (
	kindNull kind = iota
	kindString
	kindBool
	kindInt
	kindFloat
	kindJSON
)

func (k kind) String() string {
	switch k {
	case kindString:
		return "string"
	case kindBool:
		return "bool"
	case kindInt:
		return "integer"
	case kindFloat:
		return "float"
	case kindJSON:
		return "json"
	default:
		return "null"
	}
}

func (k kind) arrowType() arrow.DataType {
	switch k {
	case kindBool:
		return arrow.FixedWidthTypes.Boolean
	case kindInt:
		return arrow.PrimitiveTypes.Int64
	case kindFloat:
		return arrow.PrimitiveTypes.Float64
	default:
		// all-null columns fall back to strings
		return arrow.BinaryTypes.String
	}
}

func kindOf(v any) (kind, error) {
	switch val := v.(type) {
	case nil:
		return kindNull, nil
	case string:
		return kindString, nil
	case bool:
		return kindBool, nil
	case json.Number:
		if _, err := val.Int64(); err == nil {
			return kindInt, nil
		}
		if _, err := val.Float64(); err != nil {
			return kindNull, fmt.Errorf("number %q out of range", val.String())
		}
		return kindFloat, nil
	case json.RawMessage:
		return kindJSON, nil
	default:
		return kindNull, fmt.Errorf("unsupported value type %T", v)
	}
}

// merge widens integers to floats and lets null join anything.
func merge(a, b kind) (kind, bool) {
	switch {
	case a == b:
		return a, true
	case a == kindNull:
		return b, true
	case b == kindNull:
		return a, true
	case (a == kindInt && b == kindFloat) || (a == kindFloat && b == kindInt):
		return kindFloat, true
	}
	return a, false
}

var annotationSchema = []arrow.Field{
	{Name: descriptor.FieldTotalUsedETH, Type: arrow.PrimitiveTypes.Float64, Nullable: true},
	{Name: descriptor.FieldTotalStakedETH, Type: arrow.PrimitiveTypes.Float64, Nullable: true},
	{Name: descriptor.FieldTimeStamp, Type: arrow.PrimitiveTypes.Float64, Nullable: true},
	{Name: descriptor.FieldISODate, Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: descriptor.FieldTime, Type: arrow.BinaryTypes.String, Nullable: true},
}

// InferSchema returns the union of metadata columns in first-seen order, followed by the
// annotation columns. A column whose values disagree on kind fails with ErrSerializationFailed.
func InferSchema(rows []*descriptor.Descriptor) (*arrow.Schema, error) {
	var order []string
	kinds := make(map[string]kind)

	for i, d := range rows {
		for _, f := range d.Metadata() {
			k, err := kindOf(f.Value)
			if err != nil {
				return nil, fmt.Errorf("%w: row %d column %q: %w", pipelineerr.ErrSerializationFailed, i, f.Name, err)
			}
			prev, seen := kinds[f.Name]
			if !seen {
				order = append(order, f.Name)
				kinds[f.Name] = k
				continue
			}
			merged, ok := merge(prev, k)
			if !ok {
				return nil, fmt.Errorf("%w: column %q mixes %s and %s at row %d",
					pipelineerr.ErrSerializationFailed, f.Name, prev, k, i)
			}
			kinds[f.Name] = merged
		}
	}

	fields := make([]arrow.Field, 0, len(order)+len(annotationSchema))
	for _, name := range order {
		fields = append(fields, arrow.Field{Name: name, Type: kinds[name].arrowType(), Nullable: true})
	}
	fields = append(fields, annotationSchema...)
	return arrow.NewSchema(fields, nil), nil
}
