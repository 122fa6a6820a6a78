package repositories

import (
	"context"
	"fmt"

	"rillmix/internal/core/ports"
	boltrepo "rillmix/internal/infrastructure/repositories/bolt"
	"rillmix/internal/infrastructure/repositories/memory"
	redisrepo "rillmix/internal/infrastructure/repositories/redis"
	"rillmix/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory opens the configured layout backend. A redis backend
// that cannot be reached falls back to memory.
type RepositoryFactory struct {
	backend     string
	redisClient *redis.Client
	bolt        *boltrepo.LayoutRepository
	layouts     ports.LayoutRepository
	logger      *zap.SugaredLogger
}

func NewRepositoryFactory(cfg *config.Config, logger *zap.SugaredLogger) (*RepositoryFactory, error) {
	factory := &RepositoryFactory{
		backend: cfg.Repository.Backend,
		logger:  logger,
	}

	switch cfg.Repository.Backend {
	case "redis":
		client, err := redisrepo.NewClient(context.Background(), redisrepo.Options{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			PoolSize:  cfg.Redis.PoolSize,
			Namespace: cfg.Redis.Namespace,
		}, logger)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory repository",
				"error", err,
			)
			factory.backend = "memory"
			break
		}
		factory.redisClient = client
		factory.layouts = redisrepo.NewLayoutRepository(client, cfg.Redis.Namespace)
	case "bolt":
		repo, err := boltrepo.Open(cfg.Repository.BoltPath)
		if err != nil {
			return nil, err
		}
		factory.bolt = repo
		factory.layouts = repo
	case "memory", "":
		factory.backend = "memory"
	default:
		return nil, fmt.Errorf("unknown repository backend %q", cfg.Repository.Backend)
	}

	if factory.layouts == nil {
		factory.layouts = memory.NewLayoutRepository()
	}
	logger.Infow("layout repository ready", "backend", factory.backend)
	return factory, nil
}

func (f *RepositoryFactory) LayoutRepository() ports.LayoutRepository {
	return f.layouts
}

// Backend is the backend actually in use after any fallback.
func (f *RepositoryFactory) Backend() string {
	return f.backend
}

// RedisClient is nil unless the redis backend is in use.
func (f *RepositoryFactory) RedisClient() *redis.Client {
	return f.redisClient
}

func (f *RepositoryFactory) Close() error {
	if f.bolt != nil {
		return f.bolt.Close()
	}
	if f.redisClient != nil {
		return redisrepo.CloseClient(f.redisClient)
	}
	return nil
}

// HealthCheck checks Redis connection health
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.redisClient != nil {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
