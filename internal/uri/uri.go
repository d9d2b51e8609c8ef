// Package uri validates connection URIs and classifies them into adapter
// families. The result is a Descriptor: the decoded, opaque connection
// handle that one source or destination adapter owns for one request.
//
// Shapes are validated strictly and before any network I/O. Each scheme is
// registered with a shape validator; adding a scheme means registering a
// validator, not editing the dispatcher.
package uri

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/smalldata-ai/ferry-sub000/internal/ferryerr"
)

// Family groups schemes that share an adapter implementation.
type Family string

const (
	FamilySQL         Family = "sql"
	FamilyFileBased   Family = "filebased"
	FamilyDocument    Family = "document"
	FamilyWarehouse   Family = "warehouse"
	FamilyMotherDuck  Family = "motherduck"
	FamilyBigQuery    Family = "bigquery"
	FamilyObjectStore Family = "objectstore"
	FamilyLocalFile   Family = "local-file"
	FamilyStreaming   Family = "streaming"
)

// Descriptor is a validated connection URI.
type Descriptor struct {
	Raw      string
	Scheme   string // lower-cased
	Family   Family
	User     string
	Password string
	Host     string // host, account, broker list or bucket/container
	Port     int
	Database string // database, project, or motherduck database
	Path     string // file path, object prefix, or warehouse schema
	Query    url.Values
}

// String returns the URI exactly as accepted.
func (d Descriptor) String() string { return d.Raw }

// Param returns the first value of query parameter key, or def.
func (d Descriptor) Param(key, def string) string {
	if v := d.Query.Get(key); v != "" {
		return v
	}
	return def
}

// Redacted renders d without any credential material. It is the only form
// of a descriptor that may appear in logs or traces.
func (d Descriptor) Redacted() string {
	var b strings.Builder
	b.WriteString(d.Scheme)
	b.WriteString("://")
	if d.User != "" {
		b.WriteString(d.User)
		if d.Password != "" {
			b.WriteString(":***")
		}
		b.WriteByte('@')
	}
	b.WriteString(d.Host)
	if d.Port > 0 {
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(d.Port))
	}
	if d.Database != "" {
		b.WriteByte('/')
		b.WriteString(d.Database)
	}
	if d.Path != "" {
		if !strings.HasPrefix(d.Path, "/") {
			b.WriteByte('/')
		}
		b.WriteString(d.Path)
	}
	if len(d.Query) > 0 {
		keys := make([]string, 0, len(d.Query))
		for k := range d.Query {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for i, k := range keys {
			if i == 0 {
				b.WriteByte('?')
			} else {
				b.WriteByte('&')
			}
			b.WriteString(k)
			b.WriteString("=")
			if isSecretParam(k) {
				b.WriteString("***")
			} else {
				b.WriteString(d.Query.Get(k))
			}
		}
	}
	return b.String()
}

func isSecretParam(k string) bool {
	k = strings.ToLower(k)
	for _, s := range []string{"secret", "password", "token", "key", "private"} {
		if strings.Contains(k, s) {
			return true
		}
	}
	return k == "account_key"
}

// Validator checks the shape of a parsed URI and fills the descriptor.
type Validator func(u *url.URL, d *Descriptor) error

type entry struct {
	family   Family
	validate Validator
}

var (
	mu      sync.RWMutex
	schemes = map[string]entry{}
)

// Register adds (or replaces) the validator for scheme.
func Register(scheme string, family Family, v Validator) {
	mu.Lock()
	defer mu.Unlock()
	schemes[strings.ToLower(scheme)] = entry{family: family, validate: v}
}

// Schemes lists registered schemes in ascending order.
func Schemes() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(schemes))
	for s := range schemes {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Parse validates raw and returns its descriptor.
func Parse(raw string) (Descriptor, error) {
	if strings.TrimSpace(raw) == "" {
		return Descriptor{}, fmt.Errorf("uri must not be empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		// *url.Error quotes the whole input, credentials included.
		var ue *url.Error
		if errors.As(err, &ue) {
			err = ue.Err
		}
		return Descriptor{}, fmt.Errorf("malformed uri: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme == "" {
		return Descriptor{}, fmt.Errorf("uri is missing a scheme")
	}
	mu.RLock()
	e, ok := schemes[scheme]
	mu.RUnlock()
	if !ok {
		return Descriptor{}, fmt.Errorf("unsupported scheme %q", scheme)
	}
	d := Descriptor{Raw: raw, Scheme: scheme, Family: e.family, Query: u.Query()}
	if err := e.validate(u, &d); err != nil {
		return Descriptor{}, fmt.Errorf("invalid %s uri: %w", scheme, err)
	}
	return d, nil
}

// ValidateSource parses raw and classifies failures as InvalidSource.
func ValidateSource(raw string) (Descriptor, error) {
	d, err := Parse(raw)
	if err != nil {
		return Descriptor{}, ferryerr.New(ferryerr.KindInvalidSource, err)
	}
	return d, nil
}

// ValidateDestination parses raw and classifies failures as
// InvalidDestination.
func ValidateDestination(raw string) (Descriptor, error) {
	d, err := Parse(raw)
	if err != nil {
		return Descriptor{}, ferryerr.New(ferryerr.KindInvalidDestination, err)
	}
	return d, nil
}

func missing(component string) error {
	return fmt.Errorf("missing %s", component)
}
