// Package ferryerr defines the error kinds surfaced by the ingestion engine
// and the stable response envelope returned to callers.
//
// Every error produced by the engine carries a Kind. Phase errors
// (Extract, Normalize, Load) also carry the resource and adapter family
// they belong to, so traces and logs can name the failing unit without
// string parsing.
package ferryerr

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Kind classifies an engine error.
type Kind string

const (
	KindInvalidSource      Kind = "invalid_source"
	KindInvalidDestination Kind = "invalid_destination"
	KindValidation         Kind = "validation"
	KindExtract            Kind = "extract"
	KindNormalize          Kind = "normalize"
	KindLoad               Kind = "load"
	KindCursorConflict     Kind = "cursor_conflict"
	KindNotFound           Kind = "not_found"
	KindFatal              Kind = "fatal"

	// Authentication kinds belong to gateways in front of the engine.
	// They are declared so callers can share one taxonomy; the engine
	// never returns them.
	KindUnauthenticated Kind = "unauthenticated"
	KindUnauthorized    Kind = "unauthorized"
)

// Error is the concrete error type for all kinds.
type Error struct {
	Kind     Kind
	Family   string // adapter family, e.g. "sql", "objectstore"
	Resource string // resource (source table) name, when phase-scoped
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Family != "" {
		b.WriteString(" family=")
		b.WriteString(e.Family)
	}
	if e.Resource != "" {
		b.WriteString(" resource=")
		b.WriteString(e.Resource)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with kind.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Newf formats a message and wraps it with kind.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Phase wraps err as a phase-scoped error. A nil err returns nil.
func Phase(kind Kind, family, resource string, err error) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) && fe.Kind == kind && fe.Resource == resource {
		return err
	}
	return &Error{Kind: kind, Family: family, Resource: resource, Err: err}
}

// KindOf returns the Kind of the outermost *Error in err's chain, or ""
// when err carries none.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return KindValidation
	}
	return ""
}

// Is reports whether err is of the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// ValidationError collects field-scoped validation messages. Fields are
// dotted paths into the request, e.g. "resources[0].write_disposition".
type ValidationError struct {
	Fields map[string][]string
}

// Add records msg under field.
func (v *ValidationError) Add(field, msg string) {
	if v.Fields == nil {
		v.Fields = map[string][]string{}
	}
	v.Fields[field] = append(v.Fields[field], msg)
}

// Addf is Add with formatting.
func (v *ValidationError) Addf(field, format string, args ...any) {
	v.Add(field, fmt.Sprintf(format, args...))
}

// Merge copies all messages of other under prefix.
func (v *ValidationError) Merge(prefix string, other *ValidationError) {
	if other == nil {
		return
	}
	for f, msgs := range other.Fields {
		key := f
		if prefix != "" {
			key = prefix + "." + f
		}
		for _, m := range msgs {
			v.Add(key, m)
		}
	}
}

// Empty reports whether no messages were recorded.
func (v *ValidationError) Empty() bool { return v == nil || len(v.Fields) == 0 }

// Err returns v as an error, or nil when empty.
func (v *ValidationError) Err() error {
	if v.Empty() {
		return nil
	}
	return v
}

func (v *ValidationError) Error() string {
	fields := make([]string, 0, len(v.Fields))
	for f := range v.Fields {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, f+": "+strings.Join(v.Fields[f], "; "))
	}
	return "validation failed: " + strings.Join(parts, ", ")
}
