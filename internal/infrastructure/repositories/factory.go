package repositories

import (
	"fmt"

	"huddle/internal/core/ports"
	"huddle/internal/infrastructure/repositories/memory"
	redisrepo "huddle/internal/infrastructure/repositories/redis"
	"huddle/pkg/config"

	"go.uber.org/zap"
)

// NewPresenceRepository selects the presence backend from configuration:
// Redis when enabled, the in-process map otherwise.
func NewPresenceRepository(cfg *config.Config, logger *zap.SugaredLogger) (ports.PresenceRepository, func() error, error) {
	if !cfg.Redis.Enabled {
		return memory.NewMemoryPresenceRepository(), func() error { return nil }, nil
	}

	client, err := redisrepo.Dial(
		cfg.Redis.Address,
		cfg.Redis.Password,
		cfg.Redis.DB,
		cfg.Redis.PoolSize,
		logger,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create Redis presence backend: %w", err)
	}

	repo := redisrepo.NewRedisPresenceRepository(client, cfg.Presence.StalenessTimeout)
	return repo, client.Close, nil
}
