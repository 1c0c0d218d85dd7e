package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/wellsync/wellsync/pkg/model"
)

// mongoSubmission is the stored form; the opaque payload is kept as its JSON text.
type mongoSubmission struct {
	ID         string    `bson:"_id"`
	Key        string    `bson:"key,omitempty"`
	Data       string    `bson:"data"`
	ReceivedAt time.Time `bson:"received_at"`
}

func toMongo(sub Submission) mongoSubmission {
	return mongoSubmission{ID: sub.ID, Key: sub.Key, Data: string(sub.Data), ReceivedAt: sub.ReceivedAt}
}

func (m mongoSubmission) submission() Submission {
	return Submission{ID: m.ID, Key: m.Key, Data: json.RawMessage(m.Data), ReceivedAt: m.ReceivedAt}
}

type mongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// NewMongoStore connects, pings and ensures the idempotency index.
func NewMongoStore(ctx context.Context, cfg MongoConfig) (Store, error) {
	clientOpts := options.Client().ApplyURI(cfg.URI)
	if clientOpts.ConnectTimeout == nil {
		clientOpts.SetConnectTimeout(10 * time.Second)
	}

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx)
		return nil, err
	}

	s := newMongoStore(client, client.Database(cfg.Database), cfg.Collection)
	if err := s.EnsureIndexes(ctx); err != nil {
		client.Disconnect(ctx)
		return nil, err
	}
	return s, nil
}

func newMongoStore(client *mongo.Client, db *mongo.Database, collectionName string) *mongoStore {
	if collectionName == "" {
		collectionName = "health_data"
	}
	return &mongoStore{client: client, coll: db.Collection(collectionName)}
}

func (s *mongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "key", Value: 1}},
		Options: options.Index().
			SetUnique(true).
			SetPartialFilterExpression(bson.M{"key": bson.M{"$type": "string"}}),
	})
	return err
}

func (s *mongoStore) Save(ctx context.Context, sub Submission) (Submission, bool, error) {
	_, err := s.coll.InsertOne(ctx, toMongo(sub))
	if err == nil {
		return sub, true, nil
	}
	if !mongo.IsDuplicateKeyError(err) || sub.Key == "" {
		return Submission{}, false, model.WrapError(err)
	}

	var existing mongoSubmission
	if err := s.coll.FindOne(ctx, bson.M{"key": sub.Key}).Decode(&existing); err != nil {
		return Submission{}, false, model.WrapError(err)
	}
	return existing.submission(), false, nil
}

func (s *mongoStore) Get(ctx context.Context, id string) (Submission, error) {
	var doc mongoSubmission
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return Submission{}, model.ErrNotFound
		}
		return Submission{}, model.WrapError(err)
	}
	return doc.submission(), nil
}

func (s *mongoStore) Count(ctx context.Context) (int64, error) {
	n, err := s.coll.CountDocuments(ctx, bson.M{})
	return n, model.WrapError(err)
}

func (s *mongoStore) Close(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.Disconnect(ctx)
}
