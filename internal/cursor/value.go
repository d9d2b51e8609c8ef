package cursor

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"
)

type valueKind int

const (
	kindNull valueKind = iota
	kindNumber
	kindTime
	kindString
)

// Native converts request and state values to driver-friendly Go values:
// json.Number becomes int64 or float64; everything else is returned as is.
func Native(v any) any {
	if n, ok := v.(json.Number); ok {
		if i, err := n.Int64(); err == nil {
			return i
		}
		if f, err := n.Float64(); err == nil {
			return f
		}
		return n.String()
	}
	return v
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

func parseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if len(s) < len("2006-01-02") || s[4] != '-' {
		return time.Time{}, false
	}
	for _, l := range timeLayouts {
		if t, err := time.Parse(l, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// classify reduces v to one of the comparable kinds.
func classify(v any) (valueKind, *big.Float, time.Time, string) {
	switch x := Native(v).(type) {
	case nil:
		return kindNull, nil, time.Time{}, ""
	case int:
		return kindNumber, new(big.Float).SetInt64(int64(x)), time.Time{}, ""
	case int32:
		return kindNumber, new(big.Float).SetInt64(int64(x)), time.Time{}, ""
	case int64:
		return kindNumber, new(big.Float).SetInt64(x), time.Time{}, ""
	case uint64:
		return kindNumber, new(big.Float).SetUint64(x), time.Time{}, ""
	case float32:
		return kindNumber, big.NewFloat(float64(x)), time.Time{}, ""
	case float64:
		return kindNumber, big.NewFloat(x), time.Time{}, ""
	case time.Time:
		return kindTime, nil, x.UTC(), ""
	case []byte:
		return classify(string(x))
	case string:
		if t, ok := parseTime(x); ok {
			return kindTime, nil, t, x
		}
		if f, _, err := big.ParseFloat(strings.TrimSpace(x), 10, 128, big.ToNearestEven); err == nil {
			return kindNumber, f, time.Time{}, x
		}
		return kindString, nil, time.Time{}, x
	default:
		return kindString, nil, time.Time{}, fmt.Sprint(x)
	}
}

// Compare orders a and b. Numbers compare numerically across int, float and
// numeric strings; timestamps compare chronologically across time.Time and
// date/timestamp strings; other strings compare lexicographically. Nulls
// sort first. Mixed kinds that cannot be reconciled are an error.
func Compare(a, b any) (int, error) {
	ka, fa, ta, sa := classify(a)
	kb, fb, tb, sb := classify(b)
	switch {
	case ka == kindNull && kb == kindNull:
		return 0, nil
	case ka == kindNull:
		return -1, nil
	case kb == kindNull:
		return 1, nil
	case ka == kindNumber && kb == kindNumber:
		return fa.Cmp(fb), nil
	case ka == kindTime && kb == kindTime:
		return ta.Compare(tb), nil
	case ka == kindString && kb == kindString,
		ka == kindString && sb != "",
		kb == kindString && sa != "":
		return strings.Compare(sa, sb), nil
	}
	return 0, fmt.Errorf("cannot compare %T with %T", a, b)
}

// subtractLag moves v back by lag: numerically for numbers, by lag seconds
// for timestamps. Plain strings cannot be shifted and are returned unchanged.
func subtractLag(v any, lag float64) any {
	if lag == 0 || v == nil {
		return v
	}
	k, f, t, _ := classify(v)
	switch k {
	case kindNumber:
		out := new(big.Float).Sub(f, big.NewFloat(lag))
		if out.IsInt() {
			if i, acc := out.Int64(); acc == big.Exact {
				return i
			}
		}
		r, _ := out.Float64()
		return r
	case kindTime:
		return t.Add(-time.Duration(lag * float64(time.Second)))
	}
	return v
}

// Encode renders v for persistence. Timestamps become RFC 3339 strings and
// numbers keep their exact decimal form.
func Encode(v any) any {
	switch x := Native(v).(type) {
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case int:
		return json.Number(strconv.Itoa(x))
	case int64:
		return json.Number(strconv.FormatInt(x, 10))
	case float64:
		return json.Number(strconv.FormatFloat(x, 'f', -1, 64))
	case []byte:
		return string(x)
	default:
		return x
	}
}

// Time returns v as a UTC timestamp when it is a time.Time or a string in
// one of the accepted timestamp layouts.
func Time(v any) (time.Time, bool) {
	switch x := v.(type) {
	case time.Time:
		return x.UTC(), true
	case string:
		return parseTime(x)
	}
	return time.Time{}, false
}
