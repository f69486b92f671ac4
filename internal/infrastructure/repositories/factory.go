package repositories

import (
	"context"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"nexusvoice/internal/core/ports"
	"nexusvoice/internal/infrastructure/repositories/memory"
	redisrepo "nexusvoice/internal/infrastructure/repositories/redis"
	"nexusvoice/pkg/config"
)

// RepositoryFactory creates repositories with fallback support
type RepositoryFactory struct {
	useRedis    bool
	redisClient *redis.Client
	logger      *zap.SugaredLogger
}

// NewRepositoryFactory creates a new repository factory
func NewRepositoryFactory(cfg *config.Config, logger *zap.SugaredLogger) (*RepositoryFactory, error) {
	factory := &RepositoryFactory{
		useRedis: cfg.Redis.Enabled,
		logger:   logger,
	}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(
			cfg.Redis.Address,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.PoolSize,
			logger,
		)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory registry",
				"error", err,
			)
			factory.useRedis = false
		} else {
			factory.redisClient = client
			logger.Info("using Redis room registry")
		}
	}

	if !factory.useRedis {
		logger.Info("using memory room registry")
	}

	return factory, nil
}

// CreateRoomRegistry creates a room registry (Redis or memory with fallback)
func (f *RepositoryFactory) CreateRoomRegistry() ports.RoomRegistry {
	if f.useRedis && f.redisClient != nil {
		return redisrepo.NewRedisRoomRegistry(f.redisClient)
	}
	return memory.NewRoomRegistry()
}

// Close closes the Redis connection if used
func (f *RepositoryFactory) Close() error {
	if f.redisClient != nil {
		return redisrepo.CloseRedisClient(f.redisClient)
	}
	return nil
}

// HealthCheck checks Redis connection health
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.useRedis && f.redisClient != nil {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
