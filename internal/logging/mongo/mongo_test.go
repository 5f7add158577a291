package mongo

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/Chichichkin/LogTransport/internal/logging"
)

type MockCollection struct {
	mock.Mock
}

func (m *MockCollection) BulkWrite(ctx context.Context, models []mongo.WriteModel, opts ...options.Lister[options.BulkWriteOptions]) (*mongo.BulkWriteResult, error) {
	args := m.Called(ctx, models)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*mongo.BulkWriteResult), args.Error(1)
}

type MockIndexes struct {
	mock.Mock
}

func (m *MockIndexes) CreateOne(ctx context.Context, model mongo.IndexModel, opts ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	args := m.Called(ctx, model)
	return args.String(0), args.Error(1)
}

type MockCommander struct {
	mock.Mock
}

func (m *MockCommander) RunCommand(ctx context.Context, runCommand any, opts ...options.Lister[options.RunCmdOptions]) *mongo.SingleResult {
	args := m.Called(ctx, runCommand)
	return mongo.NewSingleResultFromDocument(bson.D{{Key: "ok", Value: 1}}, args.Error(0), nil)
}

func newTestBackend(ttl int32) (*Backend, *MockCollection, *MockIndexes, *MockCommander) {
	coll, idx, cmd := &MockCollection{}, &MockIndexes{}, &MockCommander{}
	return &Backend{collection: coll, indexes: idx, db: cmd, name: "events", ttl: ttl}, coll, idx, cmd
}

// indexNamed matches the index model Prepare builds for name.
func indexNamed(name string) any {
	want := map[string]int{PodIndex: 2, TimestampIndex: 1}[name]
	return mock.MatchedBy(func(m mongo.IndexModel) bool {
		keys, ok := m.Keys.(bson.D)
		return ok && len(keys) == want
	})
}

func conflict(code int32) error {
	return mongo.CommandError{Code: code, Name: "IndexOptionsConflict", Message: "index exists with different options"}
}

func TestWriteModels(t *testing.T) {
	now := time.Now()
	events := []logging.Event{
		{Key: "a", Timestamp: now, Message: "first", Labels: map[string]string{"pod": "p"}},
		{Key: "b", Timestamp: now, Message: "second"},
	}

	models := writeModels(events)
	require.Len(t, models, 2)

	for i, m := range models {
		replace, ok := m.(*mongo.ReplaceOneModel)
		require.True(t, ok)
		require.NotNil(t, replace.Upsert)
		assert.True(t, *replace.Upsert)
		assert.Equal(t, bson.D{{Key: "_id", Value: events[i].Key}}, replace.Filter)

		doc, ok := replace.Replacement.(document)
		require.True(t, ok)
		assert.Equal(t, events[i].Key, doc.ID)
		assert.Equal(t, events[i].Message, doc.Message)
	}
}

func TestBackend_PersistBatch(t *testing.T) {
	backend, coll, _, _ := newTestBackend(0)

	events := []logging.Event{{Key: "a", Message: "first"}, {Key: "b", Message: "second"}}
	coll.On("BulkWrite", mock.Anything, mock.MatchedBy(func(models []mongo.WriteModel) bool {
		return len(models) == 2
	})).Return(&mongo.BulkWriteResult{UpsertedCount: 2}, nil).Once()

	require.NoError(t, backend.PersistBatch(context.Background(), events))
	require.NoError(t, backend.PersistBatch(context.Background(), nil))
	coll.AssertExpectations(t)
}

func TestBackend_PersistBatch_Error(t *testing.T) {
	backend, coll, _, _ := newTestBackend(0)

	writeErr := mongo.BulkWriteException{WriteErrors: []mongo.BulkWriteError{{WriteError: mongo.WriteError{Code: 11000, Message: "dup"}}}}
	coll.On("BulkWrite", mock.Anything, mock.Anything).Return(nil, writeErr).Once()

	err := backend.PersistBatch(context.Background(), []logging.Event{{Key: "a"}})
	assert.ErrorIs(t, err, ErrFailedToPersist)

	var bulkErr mongo.BulkWriteException
	assert.ErrorAs(t, err, &bulkErr)
	coll.AssertExpectations(t)
}

func TestBackend_Prepare(t *testing.T) {
	backend, _, idx, cmd := newTestBackend(3600)

	idx.On("CreateOne", mock.Anything, indexNamed(PodIndex)).Return(PodIndex, nil).Once()
	idx.On("CreateOne", mock.Anything, indexNamed(TimestampIndex)).Return(TimestampIndex, nil).Once()

	require.NoError(t, backend.Prepare(context.Background()))
	idx.AssertExpectations(t)
	cmd.AssertNotCalled(t, "RunCommand", mock.Anything, mock.Anything)
}

func TestBackend_Prepare_UpdatesChangedTTL(t *testing.T) {
	backend, _, idx, cmd := newTestBackend(7200)

	idx.On("CreateOne", mock.Anything, indexNamed(PodIndex)).Return(PodIndex, nil).Once()
	idx.On("CreateOne", mock.Anything, indexNamed(TimestampIndex)).Return("", conflict(codeIndexOptionsConflict)).Once()
	cmd.On("RunCommand", mock.Anything, bson.D{
		{Key: "collMod", Value: "events"},
		{Key: "index", Value: bson.D{
			{Key: "name", Value: TimestampIndex},
			{Key: "expireAfterSeconds", Value: int32(7200)},
		}},
	}).Return(nil).Once()

	require.NoError(t, backend.Prepare(context.Background()))
	idx.AssertExpectations(t)
	cmd.AssertExpectations(t)
}

func TestBackend_Prepare_TTLRemovalNeedsManualDrop(t *testing.T) {
	backend, _, idx, cmd := newTestBackend(0)

	idx.On("CreateOne", mock.Anything, indexNamed(PodIndex)).Return(PodIndex, nil).Once()
	idx.On("CreateOne", mock.Anything, indexNamed(TimestampIndex)).Return("", conflict(codeIndexKeySpecsConflict)).Once()

	err := backend.Prepare(context.Background())
	assert.ErrorIs(t, err, ErrFailedToPrepare)
	assert.ErrorIs(t, err, ErrTTLRemoval)
	cmd.AssertNotCalled(t, "RunCommand", mock.Anything, mock.Anything)
}

func TestBackend_Prepare_Errors(t *testing.T) {
	t.Run("other failure", func(t *testing.T) {
		backend, _, idx, _ := newTestBackend(60)
		denied := mongo.CommandError{Code: 13, Name: "Unauthorized"}
		idx.On("CreateOne", mock.Anything, indexNamed(PodIndex)).Return("", denied).Once()

		err := backend.Prepare(context.Background())
		assert.ErrorIs(t, err, ErrFailedToPrepare)
		var cmdErr mongo.CommandError
		require.ErrorAs(t, err, &cmdErr)
		assert.Equal(t, int32(13), cmdErr.Code)
		idx.AssertNumberOfCalls(t, "CreateOne", 1)
	})

	t.Run("conflict on pod index", func(t *testing.T) {
		backend, _, idx, cmd := newTestBackend(60)
		idx.On("CreateOne", mock.Anything, indexNamed(PodIndex)).Return("", conflict(codeIndexOptionsConflict)).Once()

		assert.ErrorIs(t, backend.Prepare(context.Background()), ErrFailedToPrepare)
		cmd.AssertNotCalled(t, "RunCommand", mock.Anything, mock.Anything)
	})

	t.Run("collMod fails", func(t *testing.T) {
		backend, _, idx, cmd := newTestBackend(60)
		idx.On("CreateOne", mock.Anything, indexNamed(PodIndex)).Return(PodIndex, nil).Once()
		idx.On("CreateOne", mock.Anything, indexNamed(TimestampIndex)).Return("", conflict(codeIndexOptionsConflict)).Once()
		cmd.On("RunCommand", mock.Anything, mock.Anything).Return(errors.New("not authorized")).Once()

		err := backend.Prepare(context.Background())
		assert.ErrorIs(t, err, ErrFailedToPrepare)
		assert.ErrorContains(t, err, "collMod")
	})
}

func TestConfig_TTLSeconds(t *testing.T) {
	secs, err := Config{}.ttlSeconds()
	require.NoError(t, err)
	assert.Zero(t, secs)

	secs, err = Config{TTL: 24 * time.Hour}.ttlSeconds()
	require.NoError(t, err)
	assert.Equal(t, int32(86400), secs)

	_, err = Config{TTL: time.Duration(math.MaxInt32+1) * time.Second}.ttlSeconds()
	assert.ErrorIs(t, err, ErrInvalidTTL)

	_, err = Config{TTL: -time.Second}.ttlSeconds()
	assert.ErrorIs(t, err, ErrInvalidTTL)

	_, err = Config{TTL: time.Millisecond}.ttlSeconds()
	assert.ErrorIs(t, err, ErrInvalidTTL)
}

func TestConnector_RejectsInvalidTTL(t *testing.T) {
	_, err := Connector{Config: Config{TTL: -time.Hour}}.Connect(context.Background(), logging.Address{Host: "127.0.0.1", Port: 1})
	assert.ErrorIs(t, err, ErrInvalidTTL)
}

func TestConnectionURI(t *testing.T) {
	addr := logging.Address{Host: "db", Port: 27018}

	assert.Equal(t, "mongodb://db:27018/", connectionURI(addr, Config{}))
	assert.Equal(t, "mongodb://app:s%40cret@db:27018/", connectionURI(addr, Config{Username: "app", Password: "s@cret"}))
}

func TestIndexes(t *testing.T) {
	b := &Backend{}
	indexes := b.Indexes()
	require.Len(t, indexes, 2)
	assert.Equal(t, bson.D{{Key: "timestamp", Value: -1}}, indexes[1].Keys)
	require.NotNil(t, indexes[1].Options)

	b.ttl = 3600
	indexes = b.Indexes()
	require.Len(t, indexes, 2)
	require.NotNil(t, indexes[1].Options)
}

func TestConnector_DefaultPort(t *testing.T) {
	assert.Equal(t, 27017, Connector{}.DefaultPort())
}
