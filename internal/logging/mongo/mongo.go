// Package mongo stores events as upserted documents in a MongoDB collection.
//
// Each event becomes one document whose _id is the event key, so a repeated
// occurrence of the same event replaces the earlier document instead of
// adding a duplicate.
//
// The timestamp index is always named TimestampIndex. Its TTL follows
// MONGODB_TTL: Prepare updates an existing index in place with collMod, so
// the TTL can be changed between runs. Turning a TTL index back into a plain
// one is not possible in place; drop TimestampIndex by hand first.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/url"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/Chichichkin/LogTransport/internal/logging"
)

const (
	DefaultPort    = 27017
	TimestampIndex = "timestamp_-1"
	PodIndex       = "labels.pod_1_timestamp_-1"
)

// server error codes returned by createIndexes for an existing index with
// the same name or keys but different options
const (
	codeIndexOptionsConflict  = 85
	codeIndexKeySpecsConflict = 86
)

var (
	ErrFailedToConnect   = errors.New("failed to connect to mongo")
	ErrFailedToPrepare   = errors.New("failed to prepare mongo collection")
	ErrFailedToPersist   = errors.New("failed to persist events to mongo")
	ErrHealthcheckFailed = errors.New("mongo healthcheck failed")
	ErrInvalidTTL        = errors.New("invalid mongo ttl")
	ErrTTLRemoval        = errors.New("timestamp index has a ttl, drop it to disable expiry")
)

type Config struct {
	Database       string        `env:"MONGODB_DATABASE" envDefault:"logs"`
	Collection     string        `env:"MONGODB_COLLECTION" envDefault:"events"`
	Username       string        `env:"MONGODB_USERNAME"`
	Password       string        `env:"MONGODB_PASSWORD"`
	ConnectTimeout time.Duration `env:"MONGODB_CONNECT_TIMEOUT" envDefault:"10s"`
	MaxPoolSize    uint64        `env:"MONGODB_MAX_POOL_SIZE" envDefault:"10"`
	// TTL expires documents this long after their timestamp. Zero keeps them.
	TTL time.Duration `env:"MONGODB_TTL" envDefault:"0s"`
}

// ttlSeconds converts the configured TTL into the int32 seconds MongoDB
// stores for expireAfterSeconds.
func (c Config) ttlSeconds() (int32, error) {
	if c.TTL < 0 {
		return 0, fmt.Errorf("%w: %s is negative", ErrInvalidTTL, c.TTL)
	}
	secs := int64(c.TTL / time.Second)
	if secs > math.MaxInt32 {
		return 0, fmt.Errorf("%w: %s exceeds %d seconds", ErrInvalidTTL, c.TTL, int64(math.MaxInt32))
	}
	if c.TTL > 0 && secs == 0 {
		return 0, fmt.Errorf("%w: %s is below one second", ErrInvalidTTL, c.TTL)
	}
	return int32(secs), nil
}

// Collection is the write side of *mongo.Collection.
type Collection interface {
	BulkWrite(ctx context.Context, models []mongo.WriteModel, opts ...options.Lister[options.BulkWriteOptions]) (*mongo.BulkWriteResult, error)
}

// IndexCreator is satisfied by mongo.IndexView.
type IndexCreator interface {
	CreateOne(ctx context.Context, model mongo.IndexModel, opts ...options.Lister[options.CreateIndexesOptions]) (string, error)
}

// Commander runs database commands, satisfied by *mongo.Database.
type Commander interface {
	RunCommand(ctx context.Context, runCommand any, opts ...options.Lister[options.RunCmdOptions]) *mongo.SingleResult
}

type document struct {
	ID        string            `bson:"_id"`
	Timestamp time.Time         `bson:"timestamp"`
	Message   string            `bson:"message"`
	Labels    map[string]string `bson:"labels,omitempty"`
	Payload   []byte            `bson:"payload,omitempty"`
}

func toDocument(e logging.Event) document {
	return document{
		ID:        e.Key,
		Timestamp: e.Timestamp,
		Message:   e.Message,
		Labels:    e.Labels,
		Payload:   e.Payload,
	}
}

type Backend struct {
	client     *mongo.Client
	collection Collection
	indexes    IndexCreator
	db         Commander
	name       string
	ttl        int32
}

// NewBackend binds the backend to the configured collection of client.
func NewBackend(client *mongo.Client, cfg Config) (*Backend, error) {
	ttl, err := cfg.ttlSeconds()
	if err != nil {
		return nil, err
	}

	db := client.Database(cfg.Database)
	coll := db.Collection(cfg.Collection)
	return &Backend{
		client:     client,
		collection: coll,
		indexes:    coll.Indexes(),
		db:         db,
		name:       cfg.Collection,
		ttl:        ttl,
	}, nil
}

// Indexes returns the indexes Prepare creates.
func (b *Backend) Indexes() []mongo.IndexModel {
	ts := options.Index().SetName(TimestampIndex)
	if b.ttl > 0 {
		ts.SetExpireAfterSeconds(b.ttl)
	}

	return []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "labels.pod", Value: 1}, {Key: "timestamp", Value: -1}},
			Options: options.Index().SetName(PodIndex),
		},
		{
			Keys:    bson.D{{Key: "timestamp", Value: -1}},
			Options: ts,
		},
	}
}

// Prepare creates the indexes one by one. When the timestamp index already
// exists with another TTL it is updated in place.
func (b *Backend) Prepare(ctx context.Context) error {
	for _, model := range b.Indexes() {
		_, err := b.indexes.CreateOne(ctx, model)
		if err == nil {
			continue
		}
		if !isIndexConflict(err) || !isTimestampIndex(model) {
			return errors.Join(ErrFailedToPrepare, err)
		}
		if err := b.updateTTL(ctx); err != nil {
			return errors.Join(ErrFailedToPrepare, err)
		}
	}
	return nil
}

func (b *Backend) updateTTL(ctx context.Context) error {
	if b.ttl == 0 {
		return ErrTTLRemoval
	}

	cmd := bson.D{
		{Key: "collMod", Value: b.name},
		{Key: "index", Value: bson.D{
			{Key: "name", Value: TimestampIndex},
			{Key: "expireAfterSeconds", Value: b.ttl},
		}},
	}
	if err := b.db.RunCommand(ctx, cmd).Err(); err != nil {
		return fmt.Errorf("collMod %s: %w", TimestampIndex, err)
	}
	return nil
}

func isIndexConflict(err error) bool {
	var cmdErr mongo.CommandError
	if !errors.As(err, &cmdErr) {
		return false
	}
	return cmdErr.Code == codeIndexOptionsConflict || cmdErr.Code == codeIndexKeySpecsConflict
}

func isTimestampIndex(model mongo.IndexModel) bool {
	keys, ok := model.Keys.(bson.D)
	return ok && len(keys) == 1 && keys[0].Key == "timestamp"
}

// PersistBatch upserts every event in one unordered bulk write, so a bad
// document does not stop the rest of the batch.
func (b *Backend) PersistBatch(ctx context.Context, events []logging.Event) error {
	if len(events) == 0 {
		return nil
	}

	_, err := b.collection.BulkWrite(ctx, writeModels(events), options.BulkWrite().SetOrdered(false))
	if err != nil {
		return fmt.Errorf("%w: bulk write %d events: %w", ErrFailedToPersist, len(events), err)
	}
	return nil
}

func writeModels(events []logging.Event) []mongo.WriteModel {
	models := make([]mongo.WriteModel, 0, len(events))
	for _, e := range events {
		models = append(models, mongo.NewReplaceOneModel().
			SetFilter(bson.D{{Key: "_id", Value: e.Key}}).
			SetReplacement(toDocument(e)).
			SetUpsert(true))
	}
	return models
}

func (b *Backend) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx, nil); err != nil {
		return errors.Join(ErrHealthcheckFailed, err)
	}
	return nil
}

func (b *Backend) Close(ctx context.Context) error {
	return b.client.Disconnect(ctx)
}

type Connector struct {
	Config Config
}

func (c Connector) DefaultPort() int { return DefaultPort }

func (c Connector) Connect(ctx context.Context, addr logging.Address) (logging.Backend, error) {
	if _, err := c.Config.ttlSeconds(); err != nil {
		return nil, err
	}

	client, err := mongo.Connect(
		options.Client().
			ApplyURI(connectionURI(addr, c.Config)).
			SetConnectTimeout(c.Config.ConnectTimeout).
			SetMaxPoolSize(c.Config.MaxPoolSize),
	)
	if err != nil {
		return nil, errors.Join(ErrFailedToConnect, err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, errors.Join(ErrFailedToConnect, err)
	}

	backend, err := NewBackend(client, c.Config)
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return backend, nil
}

func connectionURI(addr logging.Address, cfg Config) string {
	u := url.URL{Scheme: "mongodb", Host: addr.HostPort(), Path: "/"}
	if cfg.Username != "" {
		u.User = url.UserPassword(cfg.Username, cfg.Password)
	}
	return u.String()
}
