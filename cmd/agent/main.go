package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Chichichkin/LogTransport/internal/config"
	"github.com/Chichichkin/LogTransport/internal/intake/slogbridge"
	"github.com/Chichichkin/LogTransport/internal/intake/tailer"
	"github.com/Chichichkin/LogTransport/internal/logger"
	"github.com/Chichichkin/LogTransport/internal/logging"
	"github.com/Chichichkin/LogTransport/internal/logging/loki"
	"github.com/Chichichkin/LogTransport/internal/logging/mongo"
	"github.com/Chichichkin/LogTransport/internal/logging/opensearch"
	"github.com/Chichichkin/LogTransport/internal/logging/postgres"
	"github.com/Chichichkin/LogTransport/internal/logging/redis"
	"github.com/Chichichkin/LogTransport/internal/logging/s3"
	"github.com/Chichichkin/LogTransport/internal/logging/transport"
)

func main() {
	if err := run(); err != nil {
		slog.Error("Agent failed", logger.Error(err))
		os.Exit(1)
	}
}

func run() error {
	var cfg AppConfig
	if err := config.Load(&cfg); err != nil {
		return err
	}

	logCfg, err := cfg.logSettings()
	if err != nil {
		return err
	}
	handler := logger.NewHandler(
		logger.WithLevel(logCfg.level),
		logger.WithFormat(logCfg.format),
		logger.WithAttr(slog.String("node", cfg.Tailer.NodeName)),
	)
	base := slog.New(handler)
	slog.SetDefault(base)

	connector, err := cfg.connector()
	if err != nil {
		return err
	}

	addr, err := logging.ParseAddress(cfg.BackendAddr)
	if err != nil {
		return err
	}

	opts := []transport.Option{
		transport.WithLogger(base),
		transport.WithName(cfg.Backend),
		transport.WithFlushInterval(cfg.FlushInterval),
		transport.WithMaxBatchSize(cfg.MaxBatchSize),
		transport.WithPersistTimeout(cfg.PersistTimeout),
	}
	if cfg.DrainOnClose {
		opts = append(opts, transport.WithDrainOnClose(cfg.DrainTimeout))
	}
	tr := transport.New(connector, opts...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	err = tr.Connect(connectCtx, addr)
	cancel()
	if err != nil {
		_ = tr.Close()
		return err
	}
	base.Info("Transport connected", "backend", cfg.Backend, "addr", addr.WithDefaults(connector.DefaultPort()).String())

	slog.SetDefault(slog.New(slogbridge.New(tr,
		slogbridge.WithNext(handler),
		slogbridge.WithMinLevel(logCfg.forward),
		slogbridge.WithLabels(map[string]string{"node": cfg.Tailer.NodeName, "component": "agent"}),
	)))

	tail := tailer.New(ctx, cfg.Tailer, tr, slog.Default())
	tail.Start()

	go reportMetrics(ctx, tr, base, cfg.MetricsInterval)

	select {
	case <-ctx.Done():
		base.Info("Received shutdown signal")
	case <-tr.Done():
		base.Warn("Transport closed on its own, shutting down")
	}

	tail.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := tr.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown transport: %w", err)
	}

	m := tr.Metrics()
	base.Info("Agent stopped", logging.Marker(),
		"accepted", m.EventsAccepted, "persisted", m.EventsPersisted, "dropped", m.EventsDropped)
	return nil
}

func reportMetrics(ctx context.Context, tr *transport.Transport, log *slog.Logger, interval time.Duration) {
	if interval <= 0 {
		return
	}
	log = log.With(logging.Marker())

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m := tr.Metrics()
			log.Info("Transport metrics",
				"state", tr.State().String(),
				"accepted", m.EventsAccepted,
				"dropped", m.EventsDropped,
				"persisted", m.EventsPersisted,
				"batches", m.BatchesPersisted,
				"batches_failed", m.BatchesFailed,
			)
		case <-ctx.Done():
			return
		case <-tr.Done():
			return
		}
	}
}

// ------------------------------------  code for reading config -----------------------------------------------------

type AppConfig struct {
	Backend         string        `env:"BACKEND" envDefault:"loki"`
	BackendAddr     string        `env:"BACKEND_ADDR"`
	ConnectTimeout  time.Duration `env:"CONNECT_TIMEOUT" envDefault:"30s"`
	FlushInterval   time.Duration `env:"FLUSH_INTERVAL" envDefault:"5s"`
	MaxBatchSize    int           `env:"MAX_BATCH_SIZE" envDefault:"1000"`
	PersistTimeout  time.Duration `env:"PERSIST_TIMEOUT" envDefault:"30s"`
	DrainOnClose    bool          `env:"DRAIN_ON_CLOSE" envDefault:"false"`
	DrainTimeout    time.Duration `env:"DRAIN_TIMEOUT" envDefault:"10s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`
	MetricsInterval time.Duration `env:"METRICS_INTERVAL" envDefault:"30s"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat       string        `env:"LOG_FORMAT" envDefault:"json"`
	ForwardLevel    string        `env:"FORWARD_LEVEL" envDefault:"error"`

	Tailer     tailer.Config
	Loki       loki.Config
	Mongo      mongo.Config
	Redis      redis.Config
	S3         s3.Config
	OpenSearch opensearch.Config
	Postgres   postgres.Config
}

type logSettings struct {
	level   slog.Level
	forward slog.Level
	format  logger.Format
}

// logSettings validates the logging variables before anything is built.
func (c AppConfig) logSettings() (logSettings, error) {
	var (
		s   logSettings
		err error
	)
	if s.level, err = logger.ParseLevel(c.LogLevel); err != nil {
		return s, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	if s.forward, err = logger.ParseLevel(c.ForwardLevel); err != nil {
		return s, fmt.Errorf("FORWARD_LEVEL: %w", err)
	}
	if s.format, err = logger.ParseFormat(c.LogFormat); err != nil {
		return s, fmt.Errorf("LOG_FORMAT: %w", err)
	}
	return s, nil
}

func (c AppConfig) connector() (logging.Connector, error) {
	switch strings.ToLower(c.Backend) {
	case "loki":
		return loki.Connector{Config: c.Loki}, nil
	case "mongo", "mongodb":
		return mongo.Connector{Config: c.Mongo}, nil
	case "redis":
		return redis.Connector{Config: c.Redis}, nil
	case "s3", "minio":
		return s3.Connector{Config: c.S3}, nil
	case "opensearch":
		return opensearch.Connector{Config: c.OpenSearch}, nil
	case "postgres", "postgresql":
		return postgres.Connector{Config: c.Postgres}, nil
	}
	return nil, fmt.Errorf("%w: unknown backend %q", logging.ErrInvalidArgument, c.Backend)
}
