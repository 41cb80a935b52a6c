// Package configsource loads the tracked contract list from object storage.
package configsource

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/armor-analytics/stakedsold/pkg/descriptor"
	"github.com/armor-analytics/stakedsold/pkg/objectstore"
	"github.com/armor-analytics/stakedsold/pkg/pipelineerr"
)

// Loader reads the descriptor list for a run.
type Loader struct {
	Logger *zap.Logger
	Store  objectstore.Reader
	Bucket string
	Key    string
}

// Load fetches and parses the configured object. Descriptor order and field order follow the source.
func (l *Loader) Load(ctx context.Context) ([]*descriptor.Descriptor, error) {
	raw, err := l.Store.Read(ctx, l.Bucket, l.Key)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", pipelineerr.ErrConfigUnavailable, objectstore.URI(l.Bucket, l.Key), err)
	}

	descriptors, err := Parse(raw)
	if err != nil {
		return nil, err
	}

	l.Logger.Info("Loaded contract descriptors",
		zap.String("uri", objectstore.URI(l.Bucket, l.Key)),
		zap.Int("count", len(descriptors)))
	return descriptors, nil
}

// Parse decodes a JSON array of objects, each carrying a hex contract_address.
func Parse(raw []byte) ([]*descriptor.Descriptor, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	if err := expectDelim(dec, '['); err != nil {
		return nil, malformed("top level: %v", err)
	}

	out := make([]*descriptor.Descriptor, 0)
	for i := 0; dec.More(); i++ {
		fields, err := decodeObject(dec)
		if err != nil {
			return nil, malformed("element %d: %v", i, err)
		}
		d, err := newDescriptor(fields)
		if err != nil {
			return nil, malformed("element %d: %v", i, err)
		}
		out = append(out, d)
	}

	if err := expectDelim(dec, ']'); err != nil {
		return nil, malformed("top level: %v", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, malformed("trailing data after array")
	}
	return out, nil
}

func newDescriptor(fields []descriptor.Field) (*descriptor.Descriptor, error) {
	var addr string
	found := false
	for _, f := range fields {
		if f.Name != descriptor.AddressField {
			continue
		}
		s, ok := f.Value.(string)
		if !ok {
			return nil, fmt.Errorf("%s must be a string", descriptor.AddressField)
		}
		addr, found = s, true
	}
	if !found || addr == "" {
		return nil, fmt.Errorf("missing %s", descriptor.AddressField)
	}
	address, err := parseAddress(addr)
	if err != nil {
		return nil, fmt.Errorf("%s %q: %w", descriptor.AddressField, addr, err)
	}
	return &descriptor.Descriptor{Address: address, Fields: fields}, nil
}

// parseAddress accepts hex of up to 20 bytes, with or without 0x. Short forms are left-padded.
func parseAddress(s string) (common.Address, error) {
	h := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if h == "" || len(h) > 2*common.AddressLength {
		return common.Address{}, errors.New("not a 20-byte hex address")
	}
	if _, err := hex.DecodeString(strings.Repeat("0", len(h)%2) + h); err != nil {
		return common.Address{}, errors.New("not a hex address")
	}
	return common.HexToAddress(h), nil
}

// decodeObject reads one object keeping key order. A repeated key keeps its first position and last value.
func decodeObject(dec *json.Decoder) ([]descriptor.Field, error) {
	if err := expectDelim(dec, '{'); err != nil {
		return nil, err
	}

	fields := make([]descriptor.Field, 0)
	index := map[string]int{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		name, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected token %v", tok)
		}

		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return nil, fmt.Errorf("field %q: %w", name, err)
		}
		v, err := scalar(value)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", name, err)
		}

		if at, dup := index[name]; dup {
			fields[at].Value = v
			continue
		}
		index[name] = len(fields)
		fields = append(fields, descriptor.Field{Name: name, Value: v})
	}

	if err := expectDelim(dec, '}'); err != nil {
		return nil, err
	}
	return fields, nil
}

// scalar maps a raw JSON value onto the Field value kinds.
func scalar(raw json.RawMessage) (any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, errors.New("empty value")
	}
	switch trimmed[0] {
	case 'n':
		return nil, nil
	case 't', 'f':
		var b bool
		err := json.Unmarshal(trimmed, &b)
		return b, err
	case '"':
		var s string
		err := json.Unmarshal(trimmed, &s)
		return s, err
	case '{', '[':
		var buf bytes.Buffer
		if err := json.Compact(&buf, trimmed); err != nil {
			return nil, err
		}
		return json.RawMessage(buf.Bytes()), nil
	default:
		var n json.Number
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.UseNumber()
		if err := dec.Decode(&n); err != nil {
			return nil, err
		}
		return n, nil
	}
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return fmt.Errorf("expected %q, got %v", want, tok)
	}
	return nil
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", pipelineerr.ErrConfigMalformed, fmt.Sprintf(format, args...))
}
