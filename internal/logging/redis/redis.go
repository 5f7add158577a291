// Package redis stores each event as a msgpack value under prefix:key and
// indexes keys by timestamp in a sorted set.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Chichichkin/LogTransport/internal/logging"
	"github.com/Chichichkin/LogTransport/internal/logging/codec"
)

const DefaultPort = 6379

var (
	ErrRedisNotReady     = errors.New("redis is not ready")
	ErrHealthcheckFailed = errors.New("redis healthcheck failed")
)

type Config struct {
	Username string        `env:"REDIS_USERNAME"`
	Password string        `env:"REDIS_PASSWORD"`
	DB       int           `env:"REDIS_DB" envDefault:"0"`
	Prefix   string        `env:"REDIS_PREFIX" envDefault:"logtransport"`
	TTL      time.Duration `env:"REDIS_TTL" envDefault:"168h"`
}

type Backend struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

func NewBackend(client *redis.Client, cfg Config) *Backend {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "logtransport"
	}
	return &Backend{client: client, prefix: prefix, ttl: cfg.TTL, now: time.Now}
}

func (b *Backend) eventKey(key string) string { return b.prefix + ":" + key }

func (b *Backend) indexKey() string { return b.prefix + ":index" }

// PersistBatch writes the batch in one pipeline round trip. With a TTL the
// index is trimmed to entries younger than the TTL in the same round trip, so
// it does not outlive the values it points at.
func (b *Backend) PersistBatch(ctx context.Context, events []logging.Event) error {
	if len(events) == 0 {
		return nil
	}

	values := make([][]byte, len(events))
	for i, e := range events {
		data, err := codec.Encode(e)
		if err != nil {
			return err
		}
		values[i] = data
	}

	_, err := b.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, e := range events {
			pipe.Set(ctx, b.eventKey(e.Key), values[i], b.ttl)
			pipe.ZAdd(ctx, b.indexKey(), redis.Z{
				Score:  float64(e.Timestamp.UnixMilli()),
				Member: e.Key,
			})
		}
		if b.ttl > 0 {
			cutoff := b.now().Add(-b.ttl).UnixMilli()
			pipe.ZRemRangeByScore(ctx, b.indexKey(), "-inf", "("+strconv.FormatInt(cutoff, 10))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("pipeline %d events: %w", len(events), err)
	}
	return nil
}

func (b *Backend) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return errors.Join(ErrHealthcheckFailed, err)
	}
	return nil
}

func (b *Backend) Close(ctx context.Context) error {
	return b.client.Close()
}

type Connector struct {
	Config Config
}

func (c Connector) DefaultPort() int { return DefaultPort }

func (c Connector) Connect(ctx context.Context, addr logging.Address) (logging.Backend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr.HostPort(),
		Username: c.Config.Username,
		Password: c.Config.Password,
		DB:       c.Config.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Join(ErrRedisNotReady, err)
	}

	return NewBackend(client, c.Config), nil
}
