package app

import (
	"context"
	"fmt"

	"github.com/benbjohnson/clock"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/chainsafe/revenue-middleware/pkg/config"
	"github.com/chainsafe/revenue-middleware/pkg/events"
	"github.com/chainsafe/revenue-middleware/pkg/kvstore"
	"github.com/chainsafe/revenue-middleware/pkg/pgutil"
	"github.com/chainsafe/revenue-middleware/pkg/plan"
	"github.com/chainsafe/revenue-middleware/pkg/remote"
)

const redisKeyPrefix = "revenue:"

// CloseFunc releases a resource opened by this package
type CloseFunc func()

func noop() {}

// LoadCatalog reads the plan catalog file, or returns the built-in catalog when path is empty
func LoadCatalog(path string) (*plan.Catalog, error) {
	if path == "" {
		return plan.Default(), nil
	}
	catalog, err := plan.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load plan catalog: %w", err)
	}
	return catalog, nil
}

// OpenBackend connects the keyed store backend: Redis when an address is
// configured, process memory otherwise
func OpenBackend(cfg *config.RedisConfig, logger *zap.Logger) (kvstore.Backend, CloseFunc, error) {
	if cfg.Addr == "" {
		logger.Warn("Redis not configured, using in-memory keyed store")
		return kvstore.NewMemoryBackend(), noop, nil
	}
	pool, err := kvstore.NewRedisPool(cfg.Addr, cfg.PoolSize)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("Connected to Redis", zap.String("addr", cfg.Addr))
	return kvstore.NewRedisBackend(pool, redisKeyPrefix), func() { _ = pool.Close() }, nil
}

// OpenRemote connects the remote store: Postgres when a host is configured,
// process memory otherwise
func OpenRemote(ctx context.Context, cfg *config.DatabaseConfig, clk clock.Clock, logger *zap.Logger) (remote.Store, CloseFunc, error) {
	if !cfg.Enabled() {
		logger.Warn("Database not configured, using in-memory remote store")
		return remote.NewMemoryStore(clk), noop, nil
	}
	db, err := pgutil.ConnectDB(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return remote.NewPGStore(db), func() { _ = db.Close() }, nil
}

// AttachEventSink forwards bus events to the configured AMQP exchange.
// An empty URL leaves the bus local.
func AttachEventSink(cfg *config.AMQPConfig, bus *events.Bus, logger *zap.Logger) (CloseFunc, error) {
	if cfg.URL == "" {
		return noop, nil
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	sink, err := events.NewAMQPSink(ch, cfg.Exchange, logger)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	detach := sink.Attach(bus)
	logger.Info("Publishing events to AMQP", zap.String("exchange", cfg.Exchange))
	return func() {
		detach()
		_ = ch.Close()
		_ = conn.Close()
	}, nil
}
