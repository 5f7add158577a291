package main

import (
	"log/slog"
	"testing"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chichichkin/LogTransport/internal/logger"
	"github.com/Chichichkin/LogTransport/internal/logging"
	"github.com/Chichichkin/LogTransport/internal/logging/loki"
	"github.com/Chichichkin/LogTransport/internal/logging/mongo"
	"github.com/Chichichkin/LogTransport/internal/logging/opensearch"
	"github.com/Chichichkin/LogTransport/internal/logging/postgres"
	"github.com/Chichichkin/LogTransport/internal/logging/redis"
	"github.com/Chichichkin/LogTransport/internal/logging/s3"
)

func TestAppConfig_Connector(t *testing.T) {
	cases := map[string]logging.Connector{
		"loki":       loki.Connector{},
		"MONGO":      mongo.Connector{},
		"redis":      redis.Connector{},
		"minio":      s3.Connector{},
		"opensearch": opensearch.Connector{},
		"postgres":   postgres.Connector{},
	}
	for name, want := range cases {
		c, err := AppConfig{Backend: name}.connector()
		require.NoError(t, err, name)
		assert.IsType(t, want, c, name)
		assert.Equal(t, want.DefaultPort(), c.DefaultPort(), name)
	}

	_, err := AppConfig{Backend: "kafka"}.connector()
	assert.ErrorIs(t, err, logging.ErrInvalidArgument)
}

func TestAppConfig_LogSettings(t *testing.T) {
	s, err := AppConfig{LogLevel: "debug", ForwardLevel: "warn", LogFormat: "text"}.logSettings()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, s.level)
	assert.Equal(t, slog.LevelWarn, s.forward)
	assert.Equal(t, logger.FormatText, s.format)

	cases := map[string]struct {
		cfg  AppConfig
		want error
	}{
		"LOG_LEVEL":     {AppConfig{LogLevel: "loud", ForwardLevel: "error", LogFormat: "json"}, logger.ErrInvalidLevel},
		"FORWARD_LEVEL": {AppConfig{LogLevel: "info", ForwardLevel: "urgent", LogFormat: "json"}, logger.ErrInvalidLevel},
		"LOG_FORMAT":    {AppConfig{LogLevel: "info", ForwardLevel: "error", LogFormat: "xml"}, logger.ErrInvalidFormat},
	}
	for name, tc := range cases {
		var err error
		assert.NotPanics(t, func() { _, err = tc.cfg.logSettings() }, name)
		assert.ErrorIs(t, err, tc.want, name)
		assert.ErrorContains(t, err, name, name)
	}
}

func TestAppConfig_EnvParsing(t *testing.T) {
	var cfg AppConfig
	require.NoError(t, env.ParseWithOptions(&cfg, env.Options{Environment: map[string]string{
		"BACKEND":        "redis",
		"FLUSH_INTERVAL": "250ms",
		"NODE_NAME":      "node-7",
		"REDIS_PREFIX":   "agent",
		"LOG_PATH":       "/logs",
	}}))

	assert.Equal(t, "redis", cfg.Backend)
	assert.Equal(t, 250*time.Millisecond, cfg.FlushInterval)
	assert.Equal(t, 1000, cfg.MaxBatchSize)
	assert.False(t, cfg.DrainOnClose)
	assert.Equal(t, "node-7", cfg.Tailer.NodeName)
	assert.Equal(t, "node-7", cfg.Loki.NodeName)
	assert.Equal(t, "/logs", cfg.Tailer.LogRootPath)
	assert.Equal(t, "agent", cfg.Redis.Prefix)
	assert.Equal(t, "logs", cfg.Mongo.Database)
}
