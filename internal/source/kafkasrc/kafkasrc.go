// Package kafkasrc extracts Kafka topics.
//
// Every partition of the topic named by source_table is assigned and read
// from start_from (earliest, latest or timestamp:<unix ms>). Values decode
// as JSON objects, or as Avro through a schema registry when the URI sets
// use_avro=true. Extraction ends once no message arrives for poll_timeout,
// ten seconds unless the URI or the resource's source options set it.
package kafkasrc

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"iter"
	"strconv"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/smalldata-ai/ferry-sub000/internal/cursor"
	"github.com/smalldata-ai/ferry-sub000/internal/directive"
	"github.com/smalldata-ai/ferry-sub000/internal/ferryerr"
	"github.com/smalldata-ai/ferry-sub000/internal/logging"
	"github.com/smalldata-ai/ferry-sub000/internal/source"
	"github.com/smalldata-ai/ferry-sub000/internal/uri"
	"github.com/smalldata-ai/ferry-sub000/pkg/records"
)

const (
	defaultBatchSize    = 100
	defaultBatchTimeout = 5 * time.Second
	pollInterval        = time.Second
	maxEmptyPolls       = 10
	dialTimeout         = 10 * time.Second
)

func init() {
	source.Register(uri.FamilyStreaming, Adapter{})
}

// Adapter opens Kafka sessions.
type Adapter struct{}

// Open builds the dialer and, for Avro topics, the registry client.
func (Adapter) Open(_ context.Context, d uri.Descriptor) (source.Session, error) {
	dialer, err := Dialer(d)
	if err != nil {
		return nil, ferryerr.Phase(ferryerr.KindExtract, string(d.Family), "", err)
	}
	s := &Session{
		brokers: d.Brokers(),
		dialer:  dialer,
		open:    openPartitions,
	}
	if raw := d.Query.Get("poll_timeout"); raw != "" {
		if s.idle, err = ParsePollTimeout(raw); err != nil {
			return nil, ferryerr.Phase(ferryerr.KindExtract, string(d.Family), "", err)
		}
	}
	if avro, _ := strconv.ParseBool(d.Query.Get("use_avro")); avro {
		s.decoder.Registry = NewRegistry(RegistryConfig{
			URL:      d.Query.Get("schema_registry"),
			Username: d.Query.Get("schema_registry_username"),
			Password: d.Query.Get("schema_registry_password"),
		})
	}
	return s, nil
}

// Dialer returns a kafka dialer honouring security_protocol and
// sasl_mechanisms.
func Dialer(d uri.Descriptor) (*kafka.Dialer, error) {
	dialer := &kafka.Dialer{Timeout: dialTimeout, DualStack: true}
	proto := strings.ToUpper(d.Param("security_protocol", "PLAINTEXT"))
	if proto == "SSL" || proto == "SASL_SSL" {
		dialer.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if strings.HasPrefix(proto, "SASL") {
		mech, err := Mechanism(d.Param("sasl_mechanisms", "PLAIN"), d.Query.Get("sasl_username"), d.Query.Get("sasl_password"))
		if err != nil {
			return nil, err
		}
		dialer.SASLMechanism = mech
	}
	return dialer, nil
}

// Mechanism returns the SASL mechanism named by name.
func Mechanism(name, user, password string) (sasl.Mechanism, error) {
	switch strings.ToUpper(name) {
	case "PLAIN":
		return plain.Mechanism{Username: user, Password: password}, nil
	case "SCRAM-SHA-256":
		return scram.Mechanism(scram.SHA256, user, password)
	case "SCRAM-SHA-512":
		return scram.Mechanism(scram.SHA512, user, password)
	}
	return nil, fmt.Errorf("unsupported sasl mechanism %q", name)
}

// StartFrom is a parsed start_from option.
type StartFrom struct {
	Offset int64     // kafka.FirstOffset or kafka.LastOffset when At is zero
	At     time.Time // seek by timestamp
}

// ParseStartFrom parses earliest, latest or timestamp:<unix ms>.
func ParseStartFrom(s string) (StartFrom, error) {
	switch {
	case s == "" || s == "earliest":
		return StartFrom{Offset: kafka.FirstOffset}, nil
	case s == "latest":
		return StartFrom{Offset: kafka.LastOffset}, nil
	case strings.HasPrefix(s, "timestamp:"):
		ms, err := strconv.ParseInt(strings.TrimPrefix(s, "timestamp:"), 10, 64)
		if err != nil {
			return StartFrom{}, fmt.Errorf("invalid start_from %q: %w", s, err)
		}
		return StartFrom{At: time.UnixMilli(ms).UTC()}, nil
	}
	return StartFrom{}, fmt.Errorf("invalid start_from %q", s)
}

// reader is the part of *kafka.Reader a session uses.
type reader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

type openFunc func(ctx context.Context, brokers []string, dialer *kafka.Dialer, topic string, start StartFrom) ([]reader, error)

// Session reads topics from one cluster.
type Session struct {
	brokers []string
	dialer  *kafka.Dialer
	decoder Decoder
	open    openFunc

	// poll is the empty-poll wait; zero means pollInterval.
	poll time.Duration
	// idle ends an extraction that saw no message for that long; zero
	// means maxEmptyPolls polls.
	idle time.Duration
}

// ParsePollTimeout accepts a Go duration ("30s") or whole seconds ("30").
func ParsePollTimeout(raw string) (time.Duration, error) {
	d, err := time.ParseDuration(raw)
	if err != nil {
		secs, serr := strconv.ParseFloat(raw, 64)
		if serr != nil {
			return 0, fmt.Errorf("invalid poll_timeout %q", raw)
		}
		d = time.Duration(secs * float64(time.Second))
	}
	if d <= 0 {
		return 0, fmt.Errorf("poll_timeout must be positive, got %q", raw)
	}
	return d, nil
}

// Close is a no-op; readers are closed per extraction.
func (s *Session) Close() error { return nil }

// Extract streams the messages of topic res.SourceTable. Messages that fail
// to decode are logged and skipped. Cursor filtering is left to the engine.
func (s *Session) Extract(ctx context.Context, res directive.Resource, _ *cursor.Filter) iter.Seq2[records.Record, error] {
	return func(yield func(records.Record, error) bool) {
		fail := func(err error) {
			yield(nil, ferryerr.Phase(ferryerr.KindExtract, string(uri.FamilyStreaming), res.SourceTable, err))
		}
		log := logging.From(ctx).With(zap.String("topic", res.SourceTable))

		start, err := ParseStartFrom(res.SourceOptions.String("start_from", "earliest"))
		if err != nil {
			fail(err)
			return
		}
		batchSize := res.SourceOptions.Int("batch_size", defaultBatchSize)
		if batchSize <= 0 {
			batchSize = defaultBatchSize
		}
		batchTimeout := res.SourceOptions.Duration("batch_timeout", defaultBatchTimeout)

		readers, err := s.open(ctx, s.brokers, s.dialer, res.SourceTable, start)
		if err != nil {
			fail(err)
			return
		}

		ctx, cancel := context.WithCancel(ctx)
		msgs := make(chan kafka.Message, batchSize)
		g, gctx := errgroup.WithContext(ctx)
		for _, r := range readers {
			g.Go(func() error {
				defer r.Close()
				for {
					m, err := r.ReadMessage(gctx)
					if err != nil {
						if errors.Is(err, io.EOF) || gctx.Err() != nil {
							return nil
						}
						return err
					}
					select {
					case msgs <- m:
					case <-gctx.Done():
						return nil
					}
				}
			})
		}
		readErr := make(chan error, 1)
		go func() { readErr <- g.Wait() }()
		defer func() {
			cancel()
			<-readErr
		}()

		poll := s.poll
		if poll <= 0 {
			poll = pollInterval
		}
		idle := res.SourceOptions.Duration("poll_timeout", s.idle)
		if idle <= 0 {
			idle = poll * maxEmptyPolls
		}
		var (
			batch    []records.Record
			started  = time.Now()
			lastSeen = time.Now()
			total    = 0
		)
		flush := func() bool {
			for _, r := range batch {
				if !yield(r, nil) {
					return false
				}
			}
			total += len(batch)
			batch = batch[:0]
			started = time.Now()
			return true
		}

		// take decodes m into the batch; false stops the extraction.
		take := func(m kafka.Message) bool {
			rec, err := s.decoder.Decode(ctx, m)
			if err != nil {
				log.Error("failed to decode message",
					zap.Int("partition", m.Partition), zap.Int64("offset", m.Offset), zap.Error(err))
				return true
			}
			batch = append(batch, rec)
			if len(batch) >= batchSize {
				return flush()
			}
			return true
		}

		timer := time.NewTimer(poll)
		defer timer.Stop()
		for {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(poll)

			select {
			case <-ctx.Done():
				fail(ctx.Err())
				return
			case err := <-readErr:
				readErr <- err
				if err != nil {
					fail(err)
					return
				}
				for {
					select {
					case m := <-msgs:
						if !take(m) {
							return
						}
						continue
					default:
					}
					break
				}
				flush()
				return
			case <-timer.C:
				if time.Since(lastSeen) >= idle {
					log.Info("no new messages, stopping",
						zap.Int("records", total+len(batch)), zap.Duration("poll_timeout", idle))
					flush()
					return
				}
				if len(batch) > 0 && time.Since(started) >= batchTimeout {
					if !flush() {
						return
					}
				}
			case m := <-msgs:
				lastSeen = time.Now()
				if !take(m) {
					return
				}
			}
		}
	}
}

// openPartitions assigns a reader to every partition of topic, positioned
// at start.
func openPartitions(ctx context.Context, brokers []string, dialer *kafka.Dialer, topic string, start StartFrom) ([]reader, error) {
	if len(brokers) == 0 {
		return nil, errors.New("no brokers")
	}
	parts, err := dialer.LookupPartitions(ctx, "tcp", brokers[0], topic)
	if err != nil {
		return nil, fmt.Errorf("lookup partitions of %s: %w", topic, err)
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("topic %q not found", topic)
	}
	out := make([]reader, 0, len(parts))
	closeAll := func() {
		for _, r := range out {
			_ = r.Close()
		}
	}
	for _, p := range parts {
		r := kafka.NewReader(kafka.ReaderConfig{
			Brokers:   brokers,
			Topic:     topic,
			Partition: p.ID,
			Dialer:    dialer,
			MinBytes:  1,
			MaxBytes:  10e6,
			MaxWait:   pollInterval,
		})
		if start.At.IsZero() {
			err = r.SetOffset(start.Offset)
		} else {
			err = r.SetOffsetAt(ctx, start.At)
		}
		if err != nil {
			_ = r.Close()
			closeAll()
			return nil, fmt.Errorf("seek %s/%d: %w", topic, p.ID, err)
		}
		out = append(out, r)
	}
	return out, nil
}
