// Package schema holds the logical table schemas ferry infers from extracted
// records and persists per pipeline identity.
package schema

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// DataType is a destination-independent column type. Dialects map it to
// their concrete SQL types.
type DataType string

const (
	TypeBool      DataType = "bool"
	TypeBigInt    DataType = "bigint"
	TypeDouble    DataType = "double"
	TypeText      DataType = "text"
	TypeTimestamp DataType = "timestamp"
	TypeDate      DataType = "date"
	TypeJSON      DataType = "json"
	TypeBinary    DataType = "binary"
)

const (
	DateLayout      = "2006-01-02"
	TimestampLayout = time.RFC3339Nano
)

// InferValue returns the logical type of a Go value, or "" for nil. Strings
// are text; sources that produce untyped text use ParseScalar first.
func InferValue(v any) DataType {
	switch t := v.(type) {
	case nil:
		return ""
	case bool:
		return TypeBool
	case int, int8, int16, int32, int64, uint8, uint16, uint32:
		return TypeBigInt
	case uint, uint64:
		return TypeBigInt
	case float32, float64:
		return TypeDouble
	case json.Number:
		if _, err := t.Int64(); err == nil {
			return TypeBigInt
		}
		return TypeDouble
	case time.Time:
		return TypeTimestamp
	case Date:
		return TypeDate
	case []byte:
		return TypeBinary
	case string:
		return TypeText
	case map[string]any, []any:
		return TypeJSON
	default:
		return TypeText
	}
}

// Date marks a calendar date without a time component. Sources emit it for
// DATE columns so the logical type survives normalization.
type Date struct{ time.Time }

func (d Date) String() string { return d.Format(DateLayout) }

// MarshalJSON encodes the date as YYYY-MM-DD.
func (d Date) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

// Widen returns the narrowest type able to hold values of both a and b.
func Widen(a, b DataType) DataType {
	switch {
	case a == "":
		return b
	case b == "", a == b:
		return a
	}
	pair := func(x, y DataType) bool { return (a == x && b == y) || (a == y && b == x) }
	switch {
	case pair(TypeBigInt, TypeDouble):
		return TypeDouble
	case pair(TypeDate, TypeTimestamp):
		return TypeTimestamp
	case pair(TypeBool, TypeBigInt):
		return TypeBigInt
	default:
		return TypeText
	}
}

var (
	timestampLayouts = []string{
		time.RFC3339Nano,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05.999999999",
		"2006-01-02 15:04:05",
	}
	dateLayouts = []string{DateLayout}
)

// ParseScalar guesses the typed value of untyped text such as a CSV cell:
// integers, floats, true/false, timestamps and dates. Empty strings become
// nil; anything else stays a string.
func ParseScalar(s string) any {
	st := strings.TrimSpace(s)
	if st == "" {
		return nil
	}
	if i, err := strconv.ParseInt(st, 10, 64); err == nil {
		// Leading zeros carry meaning (codes, zip numbers).
		if len(st) > 1 && (st[0] == '0' || strings.HasPrefix(st, "-0")) {
			return s
		}
		return i
	}
	if f, err := strconv.ParseFloat(st, 64); err == nil && !math.IsInf(f, 0) && !math.IsNaN(f) {
		return f
	}
	switch strings.ToLower(st) {
	case "true":
		return true
	case "false":
		return false
	}
	if t, ok := ParseTime(st); ok {
		return t
	}
	if t, err := time.Parse(DateLayout, st); err == nil {
		return Date{t}
	}
	return s
}

// ParseTime parses s with the timestamp layouts ferry accepts.
func ParseTime(s string) (time.Time, bool) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Coerce converts v to the Go representation of t: bool, int64, float64,
// string, time.Time (UTC), Date, []byte or a JSON string. nil stays nil.
func Coerce(v any, t DataType) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t {
	case TypeBool:
		return toBool(v)
	case TypeBigInt:
		return toInt(v)
	case TypeDouble:
		return toFloat(v)
	case TypeTimestamp:
		return toTime(v)
	case TypeDate:
		ts, err := toTime(v)
		if err != nil {
			return nil, err
		}
		u := ts.(time.Time)
		return Date{time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)}, nil
	case TypeJSON:
		if s, ok := v.(string); ok {
			return s, nil
		}
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode json: %w", err)
		}
		return string(b), nil
	case TypeBinary:
		switch b := v.(type) {
		case []byte:
			return b, nil
		case string:
			if raw, err := base64.StdEncoding.DecodeString(b); err == nil {
				return raw, nil
			}
			return []byte(b), nil
		}
		return nil, fmt.Errorf("cannot convert %T to binary", v)
	default:
		return Text(v), nil
	}
}

// Text renders v the way text columns store it.
func Text(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case time.Time:
		return t.UTC().Format(TimestampLayout)
	case Date:
		return t.String()
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case map[string]any, []any:
		b, _ := json.Marshal(t)
		return string(b)
	default:
		return fmt.Sprint(t)
	}
}

func toBool(v any) (any, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(t))
		if err != nil {
			return nil, fmt.Errorf("cannot convert %q to bool", t)
		}
		return b, nil
	}
	i, err := toInt(v)
	if err != nil {
		return nil, err
	}
	return i.(int64) != 0, nil
}

func toInt(v any) (any, error) {
	switch t := v.(type) {
	case int:
		return int64(t), nil
	case int8:
		return int64(t), nil
	case int16:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case int64:
		return t, nil
	case uint8:
		return int64(t), nil
	case uint16:
		return int64(t), nil
	case uint32:
		return int64(t), nil
	case uint:
		return int64(t), nil
	case uint64:
		return int64(t), nil
	case bool:
		if t {
			return int64(1), nil
		}
		return int64(0), nil
	case float64:
		if t != math.Trunc(t) {
			return nil, fmt.Errorf("cannot convert %v to bigint without loss", t)
		}
		return int64(t), nil
	case float32:
		return toInt(float64(t))
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i, nil
		}
		f, err := t.Float64()
		if err != nil {
			return nil, fmt.Errorf("cannot convert %q to bigint", t)
		}
		return toInt(f)
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("cannot convert %q to bigint", t)
		}
		return i, nil
	}
	return nil, fmt.Errorf("cannot convert %T to bigint", v)
}

func toFloat(v any) (any, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return nil, fmt.Errorf("cannot convert %q to double", t)
		}
		return f, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return nil, fmt.Errorf("cannot convert %q to double", t)
		}
		return f, nil
	}
	i, err := toInt(v)
	if err != nil {
		return nil, fmt.Errorf("cannot convert %T to double", v)
	}
	return float64(i.(int64)), nil
}

func toTime(v any) (any, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case Date:
		return t.Time.UTC(), nil
	case string:
		st := strings.TrimSpace(t)
		if ts, ok := ParseTime(st); ok {
			return ts.UTC(), nil
		}
		if d, err := time.Parse(DateLayout, st); err == nil {
			return d, nil
		}
		return nil, fmt.Errorf("cannot convert %q to timestamp", t)
	case int64:
		return time.Unix(t, 0).UTC(), nil
	case json.Number:
		i, err := t.Int64()
		if err != nil {
			return nil, fmt.Errorf("cannot convert %q to timestamp", t)
		}
		return time.Unix(i, 0).UTC(), nil
	}
	return nil, fmt.Errorf("cannot convert %T to timestamp", v)
}
