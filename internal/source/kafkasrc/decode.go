package kafkasrc

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/smalldata-ai/ferry-sub000/pkg/records"
)

// Confluent wire format: magic byte 0, 4-byte big-endian schema id, payload.
const (
	wireMagic  = 0
	wireHeader = 5
)

var errNotWireFormat = errors.New("value is not in schema registry wire format")

// SchemaID splits a wire-format value into its schema id and payload.
func SchemaID(value []byte) (int, []byte, error) {
	if len(value) < wireHeader || value[0] != wireMagic {
		return 0, nil, errNotWireFormat
	}
	return int(binary.BigEndian.Uint32(value[1:wireHeader])), value[wireHeader:], nil
}

// Decoder turns messages into records.
type Decoder struct {
	// Registry is set for Avro topics.
	Registry *Registry
}

// Decode returns the record for m: the decoded value plus offset,
// partition, timestamp (unix milliseconds) and key.
func (d Decoder) Decode(ctx context.Context, m kafka.Message) (records.Record, error) {
	var (
		rec records.Record
		err error
	)
	if d.Registry != nil {
		rec, err = d.avro(ctx, m.Value)
	} else {
		rec = textValue(m.Key, m.Value)
	}
	if err != nil {
		return nil, err
	}
	rec["offset"] = m.Offset
	rec["partition"] = int64(m.Partition)
	rec["timestamp"] = millis(m.Time)
	if m.Key != nil {
		rec["key"] = string(bytes.ToValidUTF8(m.Key, []byte("�")))
	} else {
		rec["key"] = nil
	}
	return rec, nil
}

func (d Decoder) avro(ctx context.Context, value []byte) (records.Record, error) {
	id, payload, err := SchemaID(value)
	if err != nil {
		return nil, err
	}
	codec, err := d.Registry.Codec(ctx, id)
	if err != nil {
		return nil, err
	}
	native, _, err := codec.NativeFromBinary(payload)
	if err != nil {
		return nil, fmt.Errorf("avro decode with schema %d: %w", id, err)
	}
	m, ok := native.(map[string]any)
	if !ok {
		return records.Record{"value": avroValue(native)}, nil
	}
	rec := make(records.Record, len(m))
	for k, v := range m {
		rec[k] = avroValue(v)
	}
	return rec, nil
}

// avroValue unwraps goavro's union encoding ({"type": value}) and widens
// 32-bit numbers.
func avroValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		if len(t) == 1 {
			for k, inner := range t {
				if isAvroType(k) {
					return avroValue(inner)
				}
			}
		}
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = avroValue(vv)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = avroValue(vv)
		}
		return out
	case int32:
		return int64(t)
	case float32:
		return float64(t)
	case time.Time:
		return t.UTC()
	}
	return v
}

func isAvroType(name string) bool {
	switch name {
	case "null", "boolean", "int", "long", "float", "double", "bytes", "string",
		"long.timestamp-millis", "long.timestamp-micros", "int.date", "bytes.decimal":
		return true
	}
	// Named record, enum or fixed types in a union.
	return strings.Contains(name, ".")
}

// textValue decodes a JSON object value. Anything else becomes {"raw": s},
// except comma-separated values whose key is "header:<names>" with a
// matching number of fields, which become a record keyed by those names.
func textValue(key, value []byte) records.Record {
	s := string(bytes.ToValidUTF8(value, []byte("�")))

	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err == nil && obj != nil && !dec.More() {
		rec := make(records.Record, len(obj))
		for k, v := range obj {
			rec[k] = jsonValue(v)
		}
		return rec
	}

	if k := string(key); strings.HasPrefix(k, "header:") {
		names := strings.Split(strings.TrimPrefix(k, "header:"), ",")
		values := strings.Split(strings.TrimSpace(s), ",")
		if len(names) == len(values) {
			rec := make(records.Record, len(names))
			for i, n := range names {
				rec[n] = values[i]
			}
			return rec
		}
	}
	return records.Record{"raw": s}
}

func jsonValue(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case map[string]any:
		for k, vv := range t {
			t[k] = jsonValue(vv)
		}
	case []any:
		for i, vv := range t {
			t[i] = jsonValue(vv)
		}
	}
	return v
}

func millis(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}
