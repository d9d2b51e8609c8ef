// Package rules applies per-resource column rules to extracted records:
// excluded columns are dropped and pseudonymized columns are replaced by a
// deterministic one-way hash of their stringified value.
package rules

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/smalldata-ai/ferry-sub000/internal/directive"
	"github.com/smalldata-ai/ferry-sub000/pkg/records"
)

// Applier is built once per resource and applied to every record.
type Applier struct {
	exclude      map[string]struct{}
	pseudonymize map[string]struct{}
	salt         string
}

// New builds an Applier for r. salt is prepended to every hashed value.
func New(r directive.ColumnRules, salt string) *Applier {
	a := &Applier{
		exclude:      make(map[string]struct{}, len(r.Exclude)),
		pseudonymize: make(map[string]struct{}, len(r.Pseudonymize)),
		salt:         salt,
	}
	for _, c := range r.Exclude {
		a.exclude[c] = struct{}{}
	}
	for _, c := range r.Pseudonymize {
		a.pseudonymize[c] = struct{}{}
	}
	return a
}

// Apply mutates rec in place and returns it. Nil values stay nil.
func (a *Applier) Apply(rec records.Record) records.Record {
	if a == nil {
		return rec
	}
	for c := range a.exclude {
		delete(rec, c)
	}
	for c := range a.pseudonymize {
		v, ok := rec[c]
		if !ok || v == nil {
			continue
		}
		rec[c] = Pseudonymize(a.salt, v)
	}
	return rec
}

// Pseudonymize returns the hex SHA-256 of salt followed by the stringified
// value.
func Pseudonymize(salt string, v any) string {
	sum := sha256.Sum256([]byte(salt + Stringify(v)))
	return hex.EncodeToString(sum[:])
}

// Stringify renders v canonically so equal values hash equally regardless
// of the driver type they arrived as.
func Stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.FormatInt(int64(x), 10)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case int64:
		return strconv.FormatInt(x, 10)
	case uint64:
		return strconv.FormatUint(x, 10)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}
