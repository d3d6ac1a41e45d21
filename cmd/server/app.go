package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"dropbeam/internal/server/config"
	"dropbeam/internal/server/database"
	"dropbeam/internal/server/events"
	"dropbeam/internal/server/storage"
	"dropbeam/internal/server/upload"

	"github.com/redis/go-redis/v9"
)

// app holds the long-lived dependencies shared by every subcommand.
type app struct {
	cfg     *config.Config
	db      *database.DB
	repo    *database.Repository
	redis   *redis.Client
	objects *storage.Registry
	chunks  *storage.ChunkStore
	tracker *upload.Tracker
	emitter *events.Emitter
	closers []func()
}

func bootstrap(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	// Connect to database
	a.db, err = database.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.db.Close)
	a.repo = database.NewRepository(a.db)

	// Connect to redis
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	a.redis = redis.NewClient(opts)
	a.closers = append(a.closers, func() { a.redis.Close() })
	if err := a.redis.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	slog.Info("connected to redis", "addr", opts.Addr)

	// Initialize storage
	if a.objects, err = openObjects(ctx, cfg); err != nil {
		return nil, err
	}
	a.chunks = storage.NewChunkStore(cfg.ChunkPath)
	if err := a.chunks.EnsureDir(); err != nil {
		return nil, fmt.Errorf("failed to initialize chunk storage: %w", err)
	}
	slog.Info("storage initialized", "backend", cfg.StorageBackend, "chunks", cfg.ChunkPath)

	a.tracker = upload.NewTracker(a.redis, a.chunks, upload.TrackerConfig{
		Policy: upload.Policy{
			MaxSize: cfg.MaxFileSize,
			Allowed: cfg.AllowedExtensions,
			Denied:  cfg.DeniedExtensions,
		},
		TTL: cfg.UploadTTL,
	})

	a.emitter = events.NewEmitter(events.EmitterConfig{
		Enabled:    cfg.EventsEnabled,
		BufferSize: cfg.EventsBufferSize,
		Publishers: a.publishers(),
	})

	return a, nil
}

// openObjects builds the registry of permanent stores. The local store stays
// registered behind an s3 primary so files written before a switch remain
// readable and deletable.
func openObjects(ctx context.Context, cfg *config.Config) (*storage.Registry, error) {
	local := storage.NewFileSystemStore(cfg.StoragePath)
	if err := local.EnsureDir(); err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	if cfg.StorageBackend != "s3" {
		return storage.NewRegistry(local), nil
	}

	remote, err := storage.NewS3Store(ctx, storage.S3Config{
		Bucket:    cfg.S3Bucket,
		Region:    cfg.S3Region,
		Endpoint:  cfg.S3Endpoint,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
		Kind:      cfg.S3KindLabel,
	})
	if err != nil {
		return nil, err
	}
	return storage.NewRegistry(remote, local), nil
}

func (a *app) publishers() []events.Publisher {
	pubs := []events.Publisher{events.NewLogPublisher()}
	if a.cfg.EventsRedisChannel != "" {
		pubs = append(pubs, events.NewRedisPublisher(a.redis, a.cfg.EventsRedisChannel))
	}
	if len(a.cfg.KafkaBrokers) > 0 {
		kafka, err := events.NewKafkaPublisher(events.KafkaConfig{
			Brokers: a.cfg.KafkaBrokers,
			Topic:   a.cfg.KafkaTopic,
		})
		if err != nil {
			slog.Error("kafka publisher disabled", "error", err)
		} else {
			pubs = append(pubs, kafka)
		}
	}
	return pubs
}

func (a *app) sweeper() *storage.Sweeper {
	return storage.NewSweeper(a.repo, a.objects, a.chunks, a.tracker, a.emitter, storage.SweeperConfig{
		ChunkTTL: a.cfg.UploadTTL,
	})
}

// Close drains pending events and releases connections in reverse order.
func (a *app) Close() {
	if a.emitter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := a.emitter.Close(ctx); err != nil {
			slog.Warn("events not fully delivered", "error", err)
		}
		cancel()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}
