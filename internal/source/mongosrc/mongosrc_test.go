package mongosrc

import (
	"reflect"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/smalldata-ai/ferry-sub000/internal/cursor"
)

func TestFilter(t *testing.T) {
	t.Parallel()

	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		f    *cursor.Filter
		want bson.M
	}{
		{"inactive", nil, bson.M{}},
		{"unbounded", &cursor.Filter{Column: "n"}, bson.M{"n": bson.M{"$ne": nil}}},
		{"closed start", &cursor.Filter{Column: "n", Start: int64(5), StartClosed: true}, bson.M{"n": bson.M{"$gte": int64(5)}}},
		{
			"open range",
			&cursor.Filter{Column: "n", Start: int64(1), End: int64(9)},
			bson.M{"$and": bson.A{bson.M{"n": bson.M{"$gt": int64(1)}}, bson.M{"n": bson.M{"$lt": int64(9)}}}},
		},
		{
			"timestamp string",
			&cursor.Filter{Column: "at", End: "2024-01-01T00:00:00Z", EndClosed: true},
			bson.M{"$or": bson.A{
				bson.M{"at": bson.M{"$lte": ts}},
				bson.M{"at": bson.M{"$lte": "2024-01-01T00:00:00Z"}},
			}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Filter(tt.f); !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("Filter = %#v\nwant %#v", got, tt.want)
			}
		})
	}
}

func TestRecord(t *testing.T) {
	t.Parallel()

	oid := primitive.NewObjectID()
	when := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	doc := bson.M{
		"_id":   oid,
		"n":     int32(3),
		"at":    primitive.NewDateTimeFromTime(when),
		"price": primitive.NewDecimal128(0, 125),
		"tags":  primitive.A{"a", int32(1)},
		"addr":  primitive.M{"zip": "12345"},
	}
	rec := Record(doc)
	if rec["_id"] != oid.Hex() {
		t.Fatalf("_id = %#v", rec["_id"])
	}
	if rec["n"] != int64(3) {
		t.Fatalf("n = %#v", rec["n"])
	}
	if got, ok := rec["at"].(time.Time); !ok || !got.Equal(when) {
		t.Fatalf("at = %#v", rec["at"])
	}
	if rec["price"] != float64(125) {
		t.Fatalf("price = %#v", rec["price"])
	}
	if !reflect.DeepEqual(rec["tags"], []any{"a", int64(1)}) {
		t.Fatalf("tags = %#v", rec["tags"])
	}
	if !reflect.DeepEqual(rec["addr"], map[string]any{"zip": "12345"}) {
		t.Fatalf("addr = %#v", rec["addr"])
	}
}
