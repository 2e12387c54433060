package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const (
	DefaultMongoDatabase   = "lifeline"
	DefaultMongoCollection = "session_tokens"
)

type mongoToken struct {
	Name      string    `bson:"_id"`
	Data      []byte    `bson:"data"`
	UpdatedAt time.Time `bson:"updatedAt"`
}

// MongoStore keeps one document per session keyed by name.
type MongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// ConnectMongo connects and pings, retrying while the server warms up.
func ConnectMongo(ctx context.Context, url string, attempts int, interval time.Duration) (*mongo.Client, error) {
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for range attempts {
		client, err := mongo.Connect(options.Client().ApplyURI(url).SetConnectTimeout(10 * time.Second))
		if err == nil {
			if lastErr = client.Ping(ctx, nil); lastErr == nil {
				return client, nil
			}
			_ = client.Disconnect(ctx)
		} else {
			lastErr = err
		}

		select {
		case <-ctx.Done():
			return nil, errors.Join(lastErr, ctx.Err())
		case <-time.After(interval):
		}
	}
	return nil, fmt.Errorf("failed to connect to mongo: %w", lastErr)
}

// NewMongoStore uses database.collection on client.
func NewMongoStore(client *mongo.Client, database, collection string) *MongoStore {
	if database == "" {
		database = DefaultMongoDatabase
	}
	if collection == "" {
		collection = DefaultMongoCollection
	}
	return &MongoStore{
		client:     client,
		collection: client.Database(database).Collection(collection),
	}
}

func (s *MongoStore) Get(ctx context.Context, name string) (*Record, error) {
	var doc mongoToken
	err := s.collection.FindOne(ctx, bson.M{"_id": name}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read token: %w", err)
	}
	return Decode(doc.Data)
}

func (s *MongoStore) Set(ctx context.Context, name string, rec *Record) error {
	data, err := Encode(rec)
	if err != nil {
		return err
	}
	doc := mongoToken{Name: name, Data: data, UpdatedAt: rec.UpdatedAt}
	_, err = s.collection.ReplaceOne(ctx, bson.M{"_id": name}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}
	return nil
}

func (s *MongoStore) Delete(ctx context.Context, name string) error {
	if _, err := s.collection.DeleteOne(ctx, bson.M{"_id": name}); err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}
	return nil
}

func (s *MongoStore) List(ctx context.Context) ([]string, error) {
	opts := options.Find().
		SetProjection(bson.M{"_id": 1}).
		SetSort(bson.M{"_id": 1})

	cursor, err := s.collection.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list tokens: %w", err)
	}

	var docs []mongoToken
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode token names: %w", err)
	}

	names := make([]string, 0, len(docs))
	for _, d := range docs {
		names = append(names, d.Name)
	}
	return names, nil
}

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
