package cmd

import (
	"context"
	"errors"
	"fmt"

	"citation-capture/core/broker"
	"citation-capture/core/cache"
	"citation-capture/core/config"
	"citation-capture/core/database"
	"citation-capture/core/logger"
	"citation-capture/core/reconcile"
	"citation-capture/core/snapshot"
	"citation-capture/core/storage"
	"citation-capture/feature/citation"
	"citation-capture/feature/external"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// app holds the wired components shared by the commands.
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	db        *gorm.DB
	storage   storage.Client
	producer  *broker.Producer
	processor *citation.Processor
	engine    *snapshot.Engine
}

// newApp loads the configuration and connects every collaborator.
func newApp() (*app, error) {
	cfg, err := config.LoadConfig(".")
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	l, err := logger.New(&cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	zap.ReplaceGlobals(l)

	db, err := database.Connect(cfg.Database)
	if err != nil {
		return nil, err
	}
	if err := migrate(db); err != nil {
		return nil, err
	}

	client, err := storage.NewClient(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to storage: %w", err)
	}

	a := &app{cfg: cfg, logger: l, db: db, storage: client}

	var emitter citation.Broker
	if cfg.Broker.Enabled {
		a.producer = broker.NewProducer(cfg.Broker, l)
		emitter = a.producer
	}

	var c cache.Cache
	if cfg.Cache.Enabled {
		redis, err := cache.NewRedis(cfg.Cache)
		if err != nil {
			l.Warn("Cache unavailable, resolving without it", zap.Error(err))
		} else {
			c = redis
		}
	}

	store := citation.NewStore(db)
	a.processor = citation.NewProcessor(store, citation.Dependencies{
		Metadata:  external.NewDataCite(cfg.Resolver, l),
		Liveness:  external.NewHTTPLiveness(cfg.Resolver, l),
		Canonical: external.NewCanonicalHTTP(cfg.Resolver, c, l),
		Broker:    emitter,
		Sink:      external.NewObjectSink(client, cfg.Storage.Bucket, cfg.Storage.RecordPrefix, l),
	}, cfg.Resolver.PIDBaseURL, l)

	a.engine = snapshot.NewEngine(db, cfg.Snapshot, l,
		snapshot.WithReconstructor(store),
		snapshot.WithArchiver(snapshot.NewArchiver(client, cfg.Storage.Bucket, cfg.Storage.ArchivePrefix, l)),
	)
	return a, nil
}

// ensureBucket creates the storage bucket; failures are only logged because
// the sink reports its own errors per record.
func (a *app) ensureBucket(ctx context.Context) {
	if err := storage.EnsureBucket(ctx, a.storage, a.cfg.Storage.Bucket); err != nil {
		a.logger.Warn("Storage bucket unavailable", zap.String("bucket", a.cfg.Storage.Bucket), zap.Error(err))
	}
}

// Close releases the producer and the database.
func (a *app) Close() {
	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			a.logger.Warn("Failed to close producer", zap.Error(err))
		}
	}
	if sqlDB, err := a.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	_ = a.logger.Sync()
}

// drain dispatches the pending changes of namespace through a fresh worker pool.
func (a *app) drain(ctx context.Context, namespace string, chunk int) (reconcile.Summary, error) {
	if chunk <= 0 {
		chunk = a.cfg.Snapshot.ChunkSize
	}
	it, err := a.engine.Store().Iterator(ctx, namespace, chunk)
	if err != nil {
		return reconcile.Summary{}, err
	}
	a.logger.Info("Draining changes",
		zap.String("namespace", namespace),
		zap.Int64("offset", it.Offset()),
		zap.Int64("remaining", it.Remaining()))

	pool := reconcile.NewPool(a.cfg.Worker, a.logger)
	a.processor.Register(pool)
	pool.Start(ctx)

	n, err := reconcile.Dispatch(ctx, it, pool, citation.NewChangeTask)
	pool.Close()

	summary := pool.Summary()
	a.logger.Info("Changes processed",
		zap.String("namespace", namespace),
		zap.Int("dispatched", n),
		zap.Int("enqueued", summary.Enqueued),
		zap.Int("retried", summary.Retried),
		zap.Int("failed", summary.Failed()),
		zap.Any("outcomes", summary.Outcomes))
	if errors.Is(err, reconcile.ErrIncomplete) {
		a.logger.Warn("Changes left for redelivery; the next drain resumes at the cursor",
			zap.String("namespace", namespace),
			zap.Int64("offset", it.Offset()))
	}
	return summary, err
}

func migrate(db *gorm.DB) error {
	if err := snapshot.Migrate(db); err != nil {
		return fmt.Errorf("failed to migrate snapshot registry: %w", err)
	}
	if err := citation.Migrate(db); err != nil {
		return fmt.Errorf("failed to migrate citation registry: %w", err)
	}
	return nil
}
