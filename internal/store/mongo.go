package store

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/event"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"rocket-sync-lite/internal/logger"
)

// MongoPersister stores every kind of a store in its own collection named
// "<store>_<kind>". Documents carry the record key as _id.
type MongoPersister struct {
	client           *mongo.Client
	db               *mongo.Database
	operationTimeout time.Duration
}

type mongoRecord struct {
	ID  string   `bson:"_id"`
	Seq int64    `bson:"seq"`
	Doc bson.Raw `bson:"doc"`
}

func ConnectMongo(ctx context.Context, uri, database string) (*MongoPersister, error) {
	logger.DebugF("Connecting to database...")
	clientOptions := options.Client().ApplyURI(uri).SetAppName("rocket-sync-lite")
	clientOptions.SetConnectTimeout(10 * time.Second)
	clientOptions.SetPoolMonitor(&event.PoolMonitor{
		Event: func(evt *event.PoolEvent) {
			switch evt.Type {
			case event.ConnectionCreated:
				logger.DebugF("Database connection created: %s", evt.Address)
			case event.ConnectionClosed:
				logger.DebugF("Database connection closed: %s", evt.Address)
			}
		},
	})

	connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("error occured while connecting to database: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(connectCtx)
		return nil, fmt.Errorf("error occured while pinging database: %w", err)
	}
	return NewMongoPersister(client, database), nil
}

func NewMongoPersister(client *mongo.Client, database string) *MongoPersister {
	return &MongoPersister{
		client:           client,
		db:               client.Database(database),
		operationTimeout: 10 * time.Second,
	}
}

func (p *MongoPersister) collection(name, kind string) *mongo.Collection {
	if name == "" {
		name = "default"
	}
	return p.db.Collection(sanitizeName(name) + "_" + kind)
}

func (p *MongoPersister) Load(ctx context.Context, name string, schema Schema) (Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, p.operationTimeout)
	defer cancel()

	snap := make(Snapshot, len(schema))
	for kind, dec := range schema {
		cur, err := p.collection(name, kind).Find(ctx, bson.D{}, options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}))
		if err != nil {
			return nil, fmt.Errorf("database operation failed: %w", err)
		}
		for cur.Next(ctx) {
			var rec mongoRecord
			if err := cur.Decode(&rec); err != nil {
				_ = cur.Close(ctx)
				return nil, fmt.Errorf("decode %s/%s: %w", kind, rec.ID, err)
			}
			ptr := dec.New()
			if err := bson.Unmarshal(rec.Doc, ptr); err != nil {
				_ = cur.Close(ctx)
				return nil, fmt.Errorf("decode %s/%s: %w", kind, rec.ID, err)
			}
			snap[kind] = append(snap[kind], Record{Seq: rec.Seq, Value: dec.Value(ptr)})
		}
		err = cur.Err()
		_ = cur.Close(ctx)
		if err != nil {
			return nil, fmt.Errorf("database operation failed: %w", err)
		}
	}
	return snap, nil
}

// Save upserts written records and deletes removed ones, one bulk write
// per kind.
func (p *MongoPersister) Save(ctx context.Context, name string, changes []Change) error {
	ctx, cancel := context.WithTimeout(ctx, p.operationTimeout)
	defer cancel()

	kinds, groups := changesByKind(changes)
	for _, kind := range kinds {
		models := make([]mongo.WriteModel, 0, len(groups[kind]))
		for _, c := range groups[kind] {
			filter := bson.D{{Key: "_id", Value: c.Key}}
			if c.Value == nil {
				models = append(models, mongo.NewDeleteOneModel().SetFilter(filter))
				continue
			}
			doc, err := bson.Marshal(c.Value)
			if err != nil {
				return fmt.Errorf("marshal %s/%s: %w", kind, c.Key, err)
			}
			models = append(models, mongo.NewReplaceOneModel().
				SetFilter(filter).
				SetReplacement(mongoRecord{ID: c.Key, Seq: c.Seq, Doc: doc}).
				SetUpsert(true))
		}
		if _, err := p.collection(name, kind).BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false)); err != nil {
			return fmt.Errorf("database operation failed: %w", err)
		}
	}
	return nil
}

// Invoke disconnects the client; it is registered with the shutdown cleaner.
func (p *MongoPersister) Invoke(ctx context.Context) error {
	logger.InfoF("Closing database connection")
	return p.client.Disconnect(ctx)
}
