// Package mongosrc extracts collections from MongoDB.
package mongosrc

import (
	"context"
	"fmt"
	"iter"
	"net"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/smalldata-ai/ferry-sub000/internal/cursor"
	"github.com/smalldata-ai/ferry-sub000/internal/directive"
	"github.com/smalldata-ai/ferry-sub000/internal/ferryerr"
	"github.com/smalldata-ai/ferry-sub000/internal/source"
	"github.com/smalldata-ai/ferry-sub000/internal/uri"
	"github.com/smalldata-ai/ferry-sub000/pkg/records"
)

const connectTimeout = 15 * time.Second

func init() {
	source.Register(uri.FamilyDocument, Adapter{})
}

// Adapter opens MongoDB sessions.
type Adapter struct{}

// Open connects and pings the deployment named by d.
func (Adapter) Open(ctx context.Context, d uri.Descriptor) (source.Session, error) {
	fail := func(err error) error {
		return ferryerr.Phase(ferryerr.KindExtract, string(d.Family), "", err)
	}
	opts := options.Client().
		ApplyURI("mongodb://" + net.JoinHostPort(d.Host, strconv.Itoa(d.Port))).
		SetConnectTimeout(connectTimeout)
	if d.User != "" {
		authSource := d.Path
		if authSource == "" {
			authSource = "admin"
		}
		opts.SetAuth(options.Credential{Username: d.User, Password: d.Password, AuthSource: authSource})
	}
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fail(fmt.Errorf("connect: %w", err))
	}
	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fail(fmt.Errorf("ping %s: %w", d.Redacted(), err))
	}
	return &Session{client: client, db: client.Database(d.Database)}, nil
}

// Session reads collections of one database.
type Session struct {
	client *mongo.Client
	db     *mongo.Database
}

// Close disconnects the client.
func (s *Session) Close() error { return s.client.Disconnect(context.Background()) }

// Extract streams the documents of the collection res.SourceTable.
func (s *Session) Extract(ctx context.Context, res directive.Resource, f *cursor.Filter) iter.Seq2[records.Record, error] {
	return func(yield func(records.Record, error) bool) {
		fail := func(err error) {
			yield(nil, ferryerr.Phase(ferryerr.KindExtract, string(uri.FamilyDocument), res.SourceTable, err))
		}
		opts := options.Find()
		if f.Active() {
			opts.SetSort(bson.D{{Key: f.Column, Value: 1}})
		}
		cur, err := s.db.Collection(res.SourceTable).Find(ctx, Filter(f), opts)
		if err != nil {
			fail(fmt.Errorf("find %s: %w", res.SourceTable, err))
			return
		}
		defer cur.Close(context.Background())

		for cur.Next(ctx) {
			var doc bson.M
			if err := cur.Decode(&doc); err != nil {
				fail(fmt.Errorf("decode %s: %w", res.SourceTable, err))
				return
			}
			if !yield(Record(doc), nil) {
				return
			}
		}
		if err := cur.Err(); err != nil {
			fail(fmt.Errorf("read %s: %w", res.SourceTable, err))
		}
	}
}

// Filter renders f as a query document. Timestamp bounds match both BSON
// dates and ISO-8601 strings, since collections store either.
func Filter(f *cursor.Filter) bson.M {
	if !f.Active() {
		return bson.M{}
	}
	var conds bson.A
	bound := func(v any, closedOp, openOp string, closed bool) {
		if v == nil {
			return
		}
		op := openOp
		if closed {
			op = closedOp
		}
		if t, ok := cursor.Time(v); ok {
			s, isString := v.(string)
			if !isString {
				s = t.Format(time.RFC3339Nano)
			}
			conds = append(conds, bson.M{"$or": bson.A{
				bson.M{f.Column: bson.M{op: t}},
				bson.M{f.Column: bson.M{op: s}},
			}})
			return
		}
		conds = append(conds, bson.M{f.Column: bson.M{op: v}})
	}
	bound(f.Start, "$gte", "$gt", f.StartClosed)
	bound(f.End, "$lte", "$lt", f.EndClosed)
	switch len(conds) {
	case 0:
		return bson.M{f.Column: bson.M{"$ne": nil}}
	case 1:
		return conds[0].(bson.M)
	}
	return bson.M{"$and": conds}
}

// Record converts a decoded document to a record.
func Record(doc bson.M) records.Record {
	rec := make(records.Record, len(doc))
	for k, v := range doc {
		rec[k] = native(v)
	}
	return rec
}

func native(v any) any {
	switch t := v.(type) {
	case primitive.ObjectID:
		return t.Hex()
	case primitive.DateTime:
		return t.Time().UTC()
	case primitive.Timestamp:
		return time.Unix(int64(t.T), 0).UTC()
	case primitive.Decimal128:
		s := t.String()
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
		return s
	case primitive.Binary:
		return t.Data
	case primitive.Regex:
		return t.Pattern
	case primitive.Null, primitive.Undefined:
		return nil
	case int32:
		return int64(t)
	case time.Time:
		return t.UTC()
	case primitive.M:
		m := make(map[string]any, len(t))
		for k, vv := range t {
			m[k] = native(vv)
		}
		return m
	case primitive.D:
		m := make(map[string]any, len(t))
		for _, e := range t {
			m[e.Key] = native(e.Value)
		}
		return m
	case primitive.A:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = native(vv)
		}
		return out
	}
	return v
}
