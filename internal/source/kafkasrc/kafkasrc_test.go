package kafkasrc

import (
	"context"
	"encoding/binary"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/linkedin/goavro/v2"
	"github.com/segmentio/kafka-go"

	"github.com/smalldata-ai/ferry-sub000/internal/config"
	"github.com/smalldata-ai/ferry-sub000/internal/directive"
	"github.com/smalldata-ai/ferry-sub000/internal/ferryerr"
	"github.com/smalldata-ai/ferry-sub000/internal/uri"
	"github.com/smalldata-ai/ferry-sub000/pkg/records"
)

const userSchema = `{
	"type": "record",
	"name": "User",
	"namespace": "ferry.test",
	"fields": [
		{"name": "id", "type": "int"},
		{"name": "email", "type": ["null", "string"], "default": null}
	]
}`

func TestParseStartFrom(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    StartFrom
		wantErr bool
	}{
		{"", StartFrom{Offset: kafka.FirstOffset}, false},
		{"earliest", StartFrom{Offset: kafka.FirstOffset}, false},
		{"latest", StartFrom{Offset: kafka.LastOffset}, false},
		{"timestamp:1700000000000", StartFrom{At: time.UnixMilli(1700000000000).UTC()}, false},
		{"timestamp:soon", StartFrom{}, true},
		{"middle", StartFrom{}, true},
	}
	for _, tt := range tests {
		got, err := ParseStartFrom(tt.in)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParseStartFrom(%q) err = %v", tt.in, err)
		}
		if !got.At.Equal(tt.want.At) || got.Offset != tt.want.Offset {
			t.Fatalf("ParseStartFrom(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestTextValue(t *testing.T) {
	t.Parallel()

	rec := textValue(nil, []byte(`{"id": 7, "price": 1.5, "tags": ["a"]}`))
	if rec["id"] != int64(7) || rec["price"] != 1.5 {
		t.Fatalf("json record = %v", rec)
	}

	rec = textValue([]byte("header:a,b"), []byte("1,2"))
	if rec["a"] != "1" || rec["b"] != "2" {
		t.Fatalf("header record = %v", rec)
	}

	rec = textValue([]byte("header:a,b,c"), []byte("1,2"))
	if rec["raw"] != "1,2" {
		t.Fatalf("mismatched header record = %v", rec)
	}

	rec = textValue(nil, []byte(`[1,2]`))
	if rec["raw"] != "[1,2]" {
		t.Fatalf("array record = %v", rec)
	}
}

func TestDecodeAddsMessageFields(t *testing.T) {
	t.Parallel()

	at := time.UnixMilli(1700000000123)
	rec, err := Decoder{}.Decode(context.Background(), kafka.Message{
		Key: []byte("k1"), Value: []byte("hello"), Offset: 42, Partition: 3, Time: at,
	})
	if err != nil {
		t.Fatal(err)
	}
	want := records.Record{"raw": "hello", "offset": int64(42), "partition": int64(3), "timestamp": int64(1700000000123), "key": "k1"}
	for k, v := range want {
		if rec[k] != v {
			t.Fatalf("%s = %#v, want %#v", k, rec[k], v)
		}
	}
}

func TestSchemaID(t *testing.T) {
	t.Parallel()

	if _, _, err := SchemaID([]byte(`{"a":1}`)); err == nil {
		t.Fatal("want error for non wire-format value")
	}
	id, payload, err := SchemaID([]byte{0, 0, 0, 1, 2, 9})
	if err != nil || id == 0 || len(payload) != 1 {
		t.Fatalf("SchemaID = %d %v %v", id, payload, err)
	}
	if id != 258 {
		t.Fatalf("id = %d, want 258", id)
	}
}

// registryServer serves userSchema as id 1 after failing the first
// `failures` requests with 503.
func registryServer(tb testing.TB, failures int32) (*httptest.Server, *int32) {
	tb.Helper()
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&hits, 1)
		if n <= failures {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if r.URL.Path != "/schemas/ids/1" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error_code": 40403, "message": "Schema not found"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"schema": ` + strconv.Quote(userSchema) + `}`))
	}))
	tb.Cleanup(srv.Close)
	return srv, &hits
}

func fastRegistry(url string) *Registry {
	return NewRegistry(RegistryConfig{URL: url, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond})
}

func TestRegistryRetriesAndCaches(t *testing.T) {
	t.Parallel()

	srv, hits := registryServer(t, 2)
	reg := fastRegistry(srv.URL)
	ctx := context.Background()

	if _, err := reg.Codec(ctx, 1); err != nil {
		t.Fatalf("Codec: %v", err)
	}
	if got := atomic.LoadInt32(hits); got != 3 {
		t.Fatalf("hits = %d, want 3", got)
	}
	if _, err := reg.Codec(ctx, 1); err != nil {
		t.Fatal(err)
	}
	if got := atomic.LoadInt32(hits); got != 3 {
		t.Fatalf("cached codec refetched: hits = %d", got)
	}
}

func TestRegistryNotFoundIsPermanent(t *testing.T) {
	t.Parallel()

	srv, hits := registryServer(t, 0)
	_, err := fastRegistry(srv.URL).Schema(context.Background(), 99)
	if err == nil {
		t.Fatal("want error")
	}
	if got := atomic.LoadInt32(hits); got != 1 {
		t.Fatalf("hits = %d, want 1", got)
	}
}

func avroMessage(tb testing.TB, offset int64, native map[string]any) kafka.Message {
	tb.Helper()
	codec, err := goavro.NewCodec(userSchema)
	if err != nil {
		tb.Fatal(err)
	}
	payload, err := codec.BinaryFromNative(nil, native)
	if err != nil {
		tb.Fatal(err)
	}
	value := make([]byte, wireHeader, wireHeader+len(payload))
	binary.BigEndian.PutUint32(value[1:], 1)
	return kafka.Message{Value: append(value, payload...), Offset: offset}
}

func TestDecodeAvro(t *testing.T) {
	t.Parallel()

	srv, _ := registryServer(t, 0)
	dec := Decoder{Registry: fastRegistry(srv.URL)}
	m := avroMessage(t, 5, map[string]any{"id": int32(9), "email": goavro.Union("string", "a@b.c")})

	rec, err := dec.Decode(context.Background(), m)
	if err != nil {
		t.Fatal(err)
	}
	if rec["id"] != int64(9) || rec["email"] != "a@b.c" || rec["offset"] != int64(5) {
		t.Fatalf("record = %v", rec)
	}
}

// queueReader replays messages, then reports EOF.
type queueReader struct {
	msgs   []kafka.Message
	closed atomic.Bool
}

func (q *queueReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	if err := ctx.Err(); err != nil {
		return kafka.Message{}, err
	}
	if len(q.msgs) == 0 {
		return kafka.Message{}, io.EOF
	}
	m := q.msgs[0]
	q.msgs = q.msgs[1:]
	return m, nil
}

func (q *queueReader) Close() error {
	q.closed.Store(true)
	return nil
}

// idleReader never returns a message.
type idleReader struct{}

func (idleReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (idleReader) Close() error { return nil }

func session(readers ...reader) *Session {
	return &Session{
		poll: 5 * time.Millisecond,
		open: func(context.Context, []string, *kafka.Dialer, string, StartFrom) ([]reader, error) {
			return readers, nil
		},
	}
}

func drain(t *testing.T, s *Session, opts config.Options) []records.Record {
	t.Helper()
	var out []records.Record
	for rec, err := range s.Extract(context.Background(), directive.Resource{SourceTable: "events", SourceOptions: opts}, nil) {
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, rec)
	}
	return out
}

func TestExtractReadsAllPartitions(t *testing.T) {
	t.Parallel()

	p0 := &queueReader{msgs: []kafka.Message{
		{Partition: 0, Offset: 0, Value: []byte(`{"n": 1}`)},
		{Partition: 0, Offset: 1, Value: []byte(`{"n": 2}`)},
	}}
	p1 := &queueReader{msgs: []kafka.Message{
		{Partition: 1, Offset: 0, Value: []byte(`{"n": 3}`)},
	}}
	got := drain(t, session(p0, p1), config.Options{"batch_size": 2})
	if len(got) != 3 {
		t.Fatalf("records = %d, want 3", len(got))
	}
	if !p0.closed.Load() || !p1.closed.Load() {
		t.Fatal("readers not closed")
	}
}

func TestExtractStopsAfterEmptyPolls(t *testing.T) {
	t.Parallel()

	got := drain(t, session(idleReader{}), nil)
	if len(got) != 0 {
		t.Fatalf("records = %v", got)
	}
}

func TestExtractHonoursPollTimeout(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		session func() *Session
		opts    config.Options
		atLeast time.Duration
	}{
		{"resource option", func() *Session { return session(idleReader{}) }, config.Options{"poll_timeout": "150ms"}, 150 * time.Millisecond},
		{"uri setting", func() *Session {
			s := session(idleReader{})
			s.idle = 120 * time.Millisecond
			return s
		}, nil, 120 * time.Millisecond},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			start := time.Now()
			if got := drain(t, tt.session(), tt.opts); len(got) != 0 {
				t.Fatalf("records = %v", got)
			}
			if el := time.Since(start); el < tt.atLeast {
				t.Fatalf("stopped after %s, want at least %s", el, tt.atLeast)
			}
		})
	}
}

func TestOpenReadsPollTimeout(t *testing.T) {
	t.Parallel()

	d, err := uri.Parse("kafka://broker:9092?group_id=g&poll_timeout=45s")
	if err != nil {
		t.Fatal(err)
	}
	s, err := Adapter{}.Open(context.Background(), d)
	if err != nil {
		t.Fatal(err)
	}
	if got := s.(*Session).idle; got != 45*time.Second {
		t.Fatalf("idle = %s", got)
	}

	bad, _ := uri.Parse("kafka://broker:9092?group_id=g&poll_timeout=soon")
	if _, err := (Adapter{}).Open(context.Background(), bad); err == nil {
		t.Fatal("want error for invalid poll_timeout")
	}
	for raw, want := range map[string]time.Duration{"30": 30 * time.Second, "1m": time.Minute, "2.5": 2500 * time.Millisecond} {
		if got, err := ParsePollTimeout(raw); err != nil || got != want {
			t.Errorf("ParsePollTimeout(%q) = %s, %v", raw, got, err)
		}
	}
	if _, err := ParsePollTimeout("0"); err == nil {
		t.Error("zero poll_timeout accepted")
	}
}

func TestExtractBadStartFrom(t *testing.T) {
	t.Parallel()

	for _, err := range session().Extract(context.Background(), directive.Resource{
		SourceTable:   "events",
		SourceOptions: config.Options{"start_from": "yesterday"},
	}, nil) {
		if !ferryerr.Is(err, ferryerr.KindExtract) {
			t.Fatalf("want extract error, got %v", err)
		}
		return
	}
	t.Fatal("no error yielded")
}

func TestDialer(t *testing.T) {
	t.Parallel()

	d, err := uri.Parse("kafka://b1:9092?group_id=g&security_protocol=SASL_SSL&sasl_mechanisms=SCRAM-SHA-512&sasl_username=u&sasl_password=p")
	if err != nil {
		t.Fatal(err)
	}
	dialer, err := Dialer(d)
	if err != nil {
		t.Fatal(err)
	}
	if dialer.TLS == nil || dialer.SASLMechanism == nil || dialer.SASLMechanism.Name() != "SCRAM-SHA-512" {
		t.Fatalf("dialer = %+v", dialer)
	}
	if _, err := Mechanism("GSSAPI", "u", "p"); err == nil {
		t.Fatal("want unsupported mechanism error")
	}
}
