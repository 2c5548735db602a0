package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/osvaldoandrade/tiledetect/internal/repository"
	"github.com/osvaldoandrade/tiledetect/pkg/persistence"

	"github.com/go-redis/redis/v8"
)

// Config holds Redis-specific configuration
type Config struct {
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
}

// Plugin implements PluginPersistence for Redis/KVRocks
type Plugin struct {
	client  *redis.Client
	runRepo repository.RunRepository
}

// NewPlugin creates a new Redis persistence plugin
func NewPlugin(config persistence.PluginConfig) (persistence.PluginPersistence, error) {
	var cfg Config
	if err := json.Unmarshal(config.Config, &cfg); err != nil {
		return nil, err
	}
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis persistence: addr is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	return &Plugin{
		client:  client,
		runRepo: repository.NewRunRepository(client, config.Timezone, config.TTL),
	}, nil
}

// RunIndex returns the run index implementation
func (p *Plugin) RunIndex() persistence.RunIndex {
	return &runIndexAdapter{repo: p.runRepo}
}

// Health checks if Redis is healthy
func (p *Plugin) Health(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Close releases Redis connection
func (p *Plugin) Close() error {
	return p.client.Close()
}

func init() {
	persistence.RegisterProvider("redis", NewPlugin)
}
