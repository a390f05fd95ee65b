package storage

import (
	"testing"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
)

func rawValue(t *testing.T, v any) bson.RawValue {
	t.Helper()
	typ, data, err := bson.MarshalValue(v)
	if err != nil {
		t.Fatalf("marshal %v: %v", v, err)
	}
	return bson.RawValue{Type: typ, Value: data}
}

func TestRawAmount(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   any
		want string
	}{
		{"1500", "1500"},
		{int32(1500), "1500"},
		{int64(2750), "2750"},
		{1499.5, "1499.5"},
		{true, ""},
	}
	for _, tt := range tests {
		if got := rawAmount(rawValue(t, tt.in)); got != tt.want {
			t.Fatalf("rawAmount(%v)=%q, want %q", tt.in, got, tt.want)
		}
	}
	if got := rawAmount(bson.RawValue{}); got != "" {
		t.Fatalf("empty raw value: got %q", got)
	}
}

func TestMongoMonitorLegacyID(t *testing.T) {
	t.Parallel()

	oid := primitive.NewObjectID()
	m := mongoMonitor{OID: oid, ChatID: 3, Location: "Islington"}.toModel()
	if m.ID != oid.Hex() {
		t.Fatalf("expected legacy id %s, got %s", oid.Hex(), m.ID)
	}
	m = mongoMonitor{OID: oid, ID: "abc"}.toModel()
	if m.ID != "abc" {
		t.Fatalf("expected monitor_id to win, got %s", m.ID)
	}
}

func TestMongoIndexes(t *testing.T) {
	t.Parallel()

	idx := mongoIndexes()
	find := func(coll, key string) mongo.IndexModel {
		t.Helper()
		for _, m := range idx[coll] {
			keys, ok := m.Keys.(bson.D)
			if ok && len(keys) > 0 && keys[0].Key == key {
				return m
			}
		}
		t.Fatalf("no index on %s.%s", coll, key)
		return mongo.IndexModel{}
	}

	ttl := find(collSessions, "expires_at")
	if ttl.Options == nil || ttl.Options.ExpireAfterSeconds == nil || *ttl.Options.ExpireAfterSeconds != 0 {
		t.Fatalf("sessions.expires_at is not a TTL index: %+v", ttl.Options)
	}

	snap := find(collProperties, "chat_id")
	keys := snap.Keys.(bson.D)
	if len(keys) != 2 || keys[1].Key != "id" {
		t.Fatalf("snapshot index keys = %v, want chat_id,id", keys)
	}
	if snap.Options == nil || snap.Options.Unique == nil || !*snap.Options.Unique {
		t.Fatal("snapshot index must be unique")
	}
}

func TestMongoPropertyLegacyRow(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		doc    bson.D
		id     string
		price  string
		pValid bool
	}{
		{
			name:   "crawler row with numeric id",
			doc:    bson.D{{Key: "id", Value: int64(148325921)}, {Key: "chat_id", Value: int64(10)}, {Key: "price", Value: bson.D{{Key: "amount", Value: int32(1800)}}}},
			id:     "148325921",
			price:  "1800",
			pValid: true,
		},
		{
			name:   "int32 id and double amount",
			doc:    bson.D{{Key: "id", Value: int32(77)}, {Key: "chat_id", Value: int64(10)}, {Key: "price", Value: bson.D{{Key: "amount", Value: 2100.0}}}},
			id:     "77",
			price:  "2100",
			pValid: true,
		},
		{
			name:   "current row",
			doc:    bson.D{{Key: "id", Value: " 555 "}, {Key: "chat_id", Value: int64(10)}, {Key: "price", Value: bson.D{{Key: "amount", Value: "1999.99"}}}},
			id:     "555",
			price:  "1999.99",
			pValid: true,
		},
		{
			name: "null amount",
			doc:  bson.D{{Key: "id", Value: "9"}, {Key: "chat_id", Value: int64(10)}, {Key: "price", Value: bson.D{{Key: "amount", Value: nil}}}},
			id:   "9",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := bson.Marshal(tt.doc)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			var row mongoProperty
			if err := bson.Unmarshal(raw, &row); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if got := rawListingID(row.ID); got != tt.id {
				t.Fatalf("id = %q, want %q", got, tt.id)
			}
			price, ok := parsePrice(rawAmount(row.Price.Amount))
			if ok != tt.pValid {
				t.Fatalf("price valid = %v, want %v", ok, tt.pValid)
			}
			if ok && price.String() != tt.price {
				t.Fatalf("price = %s, want %s", price, tt.price)
			}
		})
	}
}

func TestPropertyFilterMatchesNumericIDs(t *testing.T) {
	t.Parallel()

	f := propertyFilter(10, "148325921")
	in, ok := f[1].Value.(bson.D)
	if !ok || in[0].Key != "$in" {
		t.Fatalf("numeric id filter = %v, want $in", f)
	}
	alts := in[0].Value.(bson.A)
	if len(alts) != 3 || alts[0] != "148325921" || alts[1] != int64(148325921) {
		t.Fatalf("alternatives = %v", alts)
	}

	f = propertyFilter(10, "abc-1")
	if f[1].Value != "abc-1" {
		t.Fatalf("text id filter = %v", f)
	}
}
