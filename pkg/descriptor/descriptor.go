// Package descriptor models the tracked contracts of one run and the annotations the run adds to them.
package descriptor

import (
	"encoding/json"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// AddressField is the input key carrying the tracked contract address.
const AddressField = "contract_address"

// Annotation column names, in the order they are appended to every row.
const (
	FieldTotalUsedETH   = "total_used_eth"
	FieldTotalStakedETH = "total_staked_eth"
	FieldTimeStamp      = "time_stamp"
	FieldISODate        = "iso_date"
	FieldTime           = "time"
)

// AnnotationFields lists the annotation columns in output order.
var AnnotationFields = []string{FieldTotalUsedETH, FieldTotalStakedETH, FieldTimeStamp, FieldISODate, FieldTime}

// BaseUnitExponent scales on-chain integer amounts to whole tokens (10^18).
const BaseUnitExponent = 18

// Field is one caller-supplied metadata value. Value holds a string, bool, json.Number,
// json.RawMessage (objects and arrays, compacted) or nil.
type Field struct {
	Name  string
	Value any
}

// Descriptor is one tracked contract. Fields keeps the source key order, contract_address included.
type Descriptor struct {
	Address common.Address
	Fields  []Field

	TotalUsedETH   decimal.Decimal
	TotalStakedETH decimal.Decimal
	Stamp          RunStamp
	annotated      bool
}

// Annotate records the run figures. Raw amounts are in base units.
func (d *Descriptor) Annotate(usedRaw, stakedRaw *big.Int, stamp RunStamp) {
	d.TotalUsedETH = FromBaseUnits(usedRaw)
	d.TotalStakedETH = FromBaseUnits(stakedRaw)
	d.Stamp = stamp
	d.annotated = true
}

// Annotated reports whether Annotate has run.
func (d *Descriptor) Annotated() bool { return d.annotated }

// Metadata returns the caller-supplied fields, minus any that an annotation overrides.
func (d *Descriptor) Metadata() []Field {
	out := make([]Field, 0, len(d.Fields))
	for _, f := range d.Fields {
		if isAnnotation(f.Name) {
			continue
		}
		out = append(out, f)
	}
	return out
}

// AddressString returns the address as it appeared in the input.
func (d *Descriptor) AddressString() string {
	for _, f := range d.Fields {
		if f.Name == AddressField {
			if s, ok := f.Value.(string); ok {
				return s
			}
		}
	}
	return d.Address.Hex()
}

func isAnnotation(name string) bool {
	for _, a := range AnnotationFields {
		if a == name {
			return true
		}
	}
	return false
}

// FromBaseUnits divides raw by 10^18 without rounding. A nil raw is zero.
func FromBaseUnits(raw *big.Int) decimal.Decimal {
	if raw == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(raw, -BaseUnitExponent)
}

// RunStamp is the run-start instant shared by every row of a batch.
type RunStamp struct {
	At time.Time
}

// NewRunStamp captures now in UTC.
func NewRunStamp(now time.Time) RunStamp {
	return RunStamp{At: now.UTC()}
}

// Epoch is seconds since the Unix epoch with sub-second precision.
func (s RunStamp) Epoch() float64 {
	return float64(s.At.UnixNano()) / float64(time.Second)
}

// ISODate is the UTC run date, YYYY-MM-DD.
func (s RunStamp) ISODate() string { return s.At.Format(time.DateOnly) }

// Time is the UTC run time of day, HH:MM:SS.
func (s RunStamp) Time() string { return s.At.Format(time.TimeOnly) }

// MarshalJSON renders the descriptor as a flat object in column order, for logs and debugging.
func (d *Descriptor) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(d.Fields)+len(AnnotationFields))
	for _, f := range d.Metadata() {
		m[f.Name] = f.Value
	}
	if d.annotated {
		m[FieldTotalUsedETH] = d.TotalUsedETH
		m[FieldTotalStakedETH] = d.TotalStakedETH
		m[FieldTimeStamp] = d.Stamp.Epoch()
		m[FieldISODate] = d.Stamp.ISODate()
		m[FieldTime] = d.Stamp.Time()
	}
	return json.Marshal(m)
}
