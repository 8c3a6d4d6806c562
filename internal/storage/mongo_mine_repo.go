package storage

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoConfig contains connection settings for the MongoDB mine repository.
type MongoConfig struct {
	URI        string // e.g. mongodb://localhost:27017
	Database   string // e.g. mineworlds
	Collection string // e.g. mines
}

// MongoMineRepo implements MineRepo on MongoDB backend.
type MongoMineRepo struct {
	client     *mongo.Client
	collection *mongo.Collection
	ctxTimeout time.Duration
}

// NewMongoMineRepo establishes connection and returns repository.
func NewMongoMineRepo(cfg MongoConfig) (*MongoMineRepo, error) {
	if cfg.URI == "" {
		cfg.URI = "mongodb://localhost:27017"
	}
	if cfg.Database == "" {
		cfg.Database = "mineworlds"
	}
	if cfg.Collection == "" {
		cfg.Collection = "mines"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}

	repo := &MongoMineRepo{
		client:     client,
		collection: client.Database(cfg.Database).Collection(cfg.Collection),
		ctxTimeout: 5 * time.Second,
	}
	if err := repo.ensureIndexes(); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return repo, nil
}

func (m *MongoMineRepo) ensureIndexes() error {
	ctx, cancel := context.WithTimeout(context.Background(), m.ctxTimeout)
	defer cancel()
	ownerIdx := mongo.IndexModel{
		Keys:    bson.D{{Key: "owner_id", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("owner_unique"),
	}
	_, err := m.collection.Indexes().CreateOne(ctx, ownerIdx)
	return err
}

// Save upserts the record keyed by owner_id.
func (m *MongoMineRepo) Save(ctx context.Context, rec MineRecord) error {
	ctx, cancel := context.WithTimeout(ctx, m.ctxTimeout)
	defer cancel()
	rec.UpdatedAt = time.Now().UTC()
	rec.Allowed = nonNil(rec.Allowed)
	_, err := m.collection.ReplaceOne(ctx,
		bson.M{"owner_id": rec.OwnerID}, rec,
		options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("mongo save mine %s: %w", rec.OwnerID, err)
	}
	return nil
}

func (m *MongoMineRepo) Load(ctx context.Context, ownerID string) (MineRecord, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, m.ctxTimeout)
	defer cancel()
	var rec MineRecord
	err := m.collection.FindOne(ctx, bson.M{"owner_id": ownerID}).Decode(&rec)
	if err == mongo.ErrNoDocuments {
		return MineRecord{}, false, nil
	}
	if err != nil {
		return MineRecord{}, false, fmt.Errorf("mongo load mine %s: %w", ownerID, err)
	}
	return rec, true, nil
}

func (m *MongoMineRepo) Delete(ctx context.Context, ownerID string) error {
	ctx, cancel := context.WithTimeout(ctx, m.ctxTimeout)
	defer cancel()
	_, err := m.collection.DeleteOne(ctx, bson.M{"owner_id": ownerID})
	return err
}

func (m *MongoMineRepo) List(ctx context.Context) ([]MineRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, m.ctxTimeout)
	defer cancel()
	cur, err := m.collection.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "owner_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("mongo list mines: %w", err)
	}
	defer cur.Close(ctx)

	var out []MineRecord
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("mongo decode mines: %w", err)
	}
	return out, nil
}

func (m *MongoMineRepo) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), m.ctxTimeout)
	defer cancel()
	return m.client.Disconnect(ctx)
}
