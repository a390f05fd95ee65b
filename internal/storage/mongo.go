package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"rentwatch/internal/model"
	logx "rentwatch/pkg/logx"
)

const (
	collMonitors   = "monitors"
	collProperties = "monitor_properties"
	collSessions   = "sessions"

	defaultMongoDatabase = "rentwatch"
)

type mongoStore struct {
	client *mongo.Client
	db     *mongo.Database
	log    logx.Logger
}

// mongoMonitor tolerates rows written before monitor_id existed; those are
// addressed by their ObjectID hex.
type mongoMonitor struct {
	OID       primitive.ObjectID `bson:"_id,omitempty"`
	ID        string             `bson:"monitor_id,omitempty"`
	ChatID    int64              `bson:"chat_id"`
	Location  string             `bson:"location"`
	MinBeds   int                `bson:"min_beds"`
	MaxBeds   int                `bson:"max_beds"`
	MinPrice  int                `bson:"min_price"`
	MaxPrice  int                `bson:"max_price"`
	CreatedAt time.Time          `bson:"created_at,omitempty"`
}

func (m mongoMonitor) toModel() model.Monitor {
	id := m.ID
	if id == "" && !m.OID.IsZero() {
		id = m.OID.Hex()
	}
	return model.Monitor{
		ID:        id,
		ChatID:    m.ChatID,
		Location:  m.Location,
		MinBeds:   m.MinBeds,
		MaxBeds:   m.MaxBeds,
		MinPrice:  m.MinPrice,
		MaxPrice:  m.MaxPrice,
		CreatedAt: m.CreatedAt,
	}
}

// mongoProperty keeps the listing id under "id" and the amount under
// "price.amount". Rows written by the old crawler hold the whole provider
// document, so both may be numbers instead of strings.
type mongoProperty struct {
	ChatID int64         `bson:"chat_id"`
	ID     bson.RawValue `bson:"id"`
	Price  struct {
		Amount bson.RawValue `bson:"amount"`
	} `bson:"price"`
	Payload   string    `bson:"payload,omitempty"`
	UpdatedAt time.Time `bson:"updated_at,omitempty"`
}

func openMongo(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for mongo driver")
	}
	if !strings.Contains(dsn, "://") {
		// MONGO_HOST style value.
		dsn = "mongodb://" + dsn
	}
	name := strings.TrimSpace(cfg.Database)
	if name == "" {
		name = defaultMongoDatabase
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(dsn))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w", err)
	}

	st := &mongoStore{client: client, db: client.Database(name), log: log}
	if err := st.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	log.Debug("mongo store opened", logx.String("database", name))
	return st, nil
}

// mongoIndexes lists the indexes each collection needs. The unique key on
// (chat_id, id) keeps one snapshot per listing per chat; the sessions TTL
// index expires rows at expires_at.
func mongoIndexes() map[string][]mongo.IndexModel {
	return map[string][]mongo.IndexModel{
		collProperties: {{
			Keys:    bson.D{{Key: "chat_id", Value: 1}, {Key: "id", Value: 1}},
			Options: options.Index().SetName("chat_listing").SetUnique(true),
		}},
		collMonitors: {{
			Keys:    bson.D{{Key: "chat_id", Value: 1}},
			Options: options.Index().SetName("chat"),
		}},
		collSessions: {
			{
				Keys:    bson.D{{Key: "expires_at", Value: 1}},
				Options: options.Index().SetName("expires_ttl").SetExpireAfterSeconds(0),
			},
			{
				Keys:    bson.D{{Key: "session_id", Value: 1}},
				Options: options.Index().SetName("session").SetUnique(true),
			},
		},
	}
}

func (s *mongoStore) ensureIndexes(ctx context.Context) error {
	for _, coll := range []string{collProperties, collMonitors, collSessions} {
		if _, err := s.db.Collection(coll).Indexes().CreateMany(ctx, mongoIndexes()[coll]); err != nil {
			return fmt.Errorf("index %s: %w", coll, err)
		}
	}
	return nil
}

func (s *mongoStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// ---- monitors ----

func (s *mongoStore) ListMonitors(ctx context.Context) ([]model.Monitor, error) {
	return s.findMonitors(ctx, bson.D{})
}

func (s *mongoStore) ListMonitorsByChat(ctx context.Context, chatID int64) ([]model.Monitor, error) {
	return s.findMonitors(ctx, bson.D{{Key: "chat_id", Value: chatID}})
}

func (s *mongoStore) findMonitors(ctx context.Context, filter bson.D) ([]model.Monitor, error) {
	cur, err := s.db.Collection(collMonitors).Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []model.Monitor
	for cur.Next(ctx) {
		var row mongoMonitor
		if err := cur.Decode(&row); err != nil {
			return nil, err
		}
		out = append(out, row.toModel())
	}
	return out, cur.Err()
}

func (s *mongoStore) InsertMonitor(ctx context.Context, m model.Monitor) (model.Monitor, error) {
	m = prepareMonitor(m)
	row := mongoMonitor{
		ID:        m.ID,
		ChatID:    m.ChatID,
		Location:  m.Location,
		MinBeds:   m.MinBeds,
		MaxBeds:   m.MaxBeds,
		MinPrice:  m.MinPrice,
		MaxPrice:  m.MaxPrice,
		CreatedAt: m.CreatedAt,
	}
	if _, err := s.db.Collection(collMonitors).InsertOne(ctx, row); err != nil {
		return model.Monitor{}, err
	}
	return m, nil
}

func (s *mongoStore) DeleteMonitor(ctx context.Context, chatID int64, id string) error {
	match := bson.A{bson.D{{Key: "monitor_id", Value: id}}}
	if oid, err := primitive.ObjectIDFromHex(id); err == nil {
		match = append(match, bson.D{{Key: "_id", Value: oid}})
	}
	res, err := s.db.Collection(collMonitors).DeleteOne(ctx, bson.D{
		{Key: "chat_id", Value: chatID},
		{Key: "$or", Value: match},
	})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- snapshots ----

func (s *mongoStore) SnapshotsForChat(ctx context.Context, chatID int64) ([]model.Snapshot, error) {
	cur, err := s.db.Collection(collProperties).Find(ctx, bson.D{{Key: "chat_id", Value: chatID}})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []model.Snapshot
	for cur.Next(ctx) {
		var row mongoProperty
		if err := cur.Decode(&row); err != nil {
			return nil, err
		}
		if rawListingID(row.ID) == "" {
			s.log.Warn("snapshot row without listing id skipped", logx.Int64("chat_id", chatID))
			continue
		}
		snap := model.Snapshot{
			ChatID:    chatID,
			ListingID: rawListingID(row.ID),
			UpdatedAt: row.UpdatedAt,
		}
		snap.Price, snap.PriceValid = parsePrice(rawAmount(row.Price.Amount))
		if row.Payload != "" {
			snap.Payload = json.RawMessage(row.Payload)
		}
		out = append(out, snap)
	}
	return out, cur.Err()
}

// rawAmount renders a stored amount as text for parsePrice.
func rawAmount(v bson.RawValue) string {
	switch v.Type {
	case bsontype.String:
		return v.StringValue()
	case bsontype.Int32:
		return fmt.Sprint(v.Int32())
	case bsontype.Int64:
		return fmt.Sprint(v.Int64())
	case bsontype.Double:
		return strconv.FormatFloat(v.Double(), 'f', -1, 64)
	case bsontype.Decimal128:
		return v.Decimal128().String()
	default:
		return ""
	}
}

// rawListingID renders a stored listing id the way the search client
// renders provider ids: numbers as plain digits, strings trimmed.
func rawListingID(v bson.RawValue) string {
	if v.Type == bsontype.String {
		return strings.TrimSpace(v.StringValue())
	}
	return rawAmount(v)
}

// propertyFilter matches a listing row whether its id was stored as text or,
// by the old crawler, as a number.
func propertyFilter(chatID int64, listingID string) bson.D {
	id := any(listingID)
	if n, err := strconv.ParseInt(listingID, 10, 64); err == nil {
		id = bson.D{{Key: "$in", Value: bson.A{listingID, n, float64(n)}}}
	}
	return bson.D{{Key: "chat_id", Value: chatID}, {Key: "id", Value: id}}
}

func propertySet(snap model.Snapshot) bson.D {
	var amount any
	if t := priceText(snap); t != "" {
		amount = t
	}
	return bson.D{
		{Key: "id", Value: snap.ListingID},
		{Key: "price", Value: bson.D{{Key: "amount", Value: amount}}},
		{Key: "payload", Value: string(snap.Payload)},
		{Key: "updated_at", Value: snap.UpdatedAt},
	}
}

func (s *mongoStore) InsertSnapshot(ctx context.Context, snap model.Snapshot) error {
	snap = prepareSnapshot(snap)
	_, err := s.db.Collection(collProperties).UpdateOne(ctx,
		propertyFilter(snap.ChatID, snap.ListingID),
		bson.D{{Key: "$set", Value: propertySet(snap)}},
		options.Update().SetUpsert(true),
	)
	return err
}

func (s *mongoStore) UpdateSnapshot(ctx context.Context, snap model.Snapshot) error {
	snap = prepareSnapshot(snap)
	res, err := s.db.Collection(collProperties).UpdateOne(ctx,
		propertyFilter(snap.ChatID, snap.ListingID),
		bson.D{{Key: "$set", Value: propertySet(snap)}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- sessions ----

func (s *mongoStore) PutSession(ctx context.Context, sess model.Session) error {
	sess = prepareSession(sess)
	_, err := s.db.Collection(collSessions).ReplaceOne(ctx,
		bson.D{{Key: "session_id", Value: sess.ID}},
		sess,
		options.Replace().SetUpsert(true),
	)
	return err
}

func (s *mongoStore) ActiveSession(ctx context.Context, chatID int64, now time.Time) (model.Session, bool, error) {
	var sess model.Session
	err := s.db.Collection(collSessions).FindOne(ctx,
		bson.D{{Key: "chat_id", Value: chatID}, {Key: "expires_at", Value: bson.D{{Key: "$gt", Value: now}}}},
		options.FindOne().SetSort(bson.D{{Key: "expires_at", Value: -1}}),
	).Decode(&sess)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return model.Session{}, false, nil
	}
	if err != nil {
		return model.Session{}, false, err
	}
	return sess, true, nil
}

func (s *mongoStore) DeleteSession(ctx context.Context, id string) error {
	_, err := s.db.Collection(collSessions).DeleteOne(ctx, bson.D{{Key: "session_id", Value: id}})
	return err
}

// PruneSessions removes expired rows now rather than waiting for the TTL
// monitor, which runs about once a minute.
func (s *mongoStore) PruneSessions(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.Collection(collSessions).DeleteMany(ctx,
		bson.D{{Key: "expires_at", Value: bson.D{{Key: "$lte", Value: now}}}})
	if err != nil {
		return 0, err
	}
	return int(res.DeletedCount), nil
}
