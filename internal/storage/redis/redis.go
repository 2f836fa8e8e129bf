package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/goodtune/screentime/internal/config"
	"github.com/goodtune/screentime/internal/storage"
	"github.com/redis/go-redis/v9"
)

// Key layout:
//
//	screentime:agent:<id>        JSON agent record
//	screentime:agents            set of agent IDs
//	screentime:child:<id>        JSON child record
//	screentime:children          set of child IDs
//	screentime:violation:<ulid>  JSON violation record
//	screentime:violations        sorted set of ULIDs scored by unix time
//	screentime:settings          JSON settings record
//	screentime:shutdown:<agent>  JSON pending shutdown
//	screentime:shutdowns         set of agent IDs with a pending shutdown
const keyPrefix = "screentime:"

// Store implements the storage.Store interface using Redis
type Store struct {
	client *redis.Client
}

// Open creates a new Redis-backed storage instance
func Open(cfg config.RedisConfig) (*Store, error) {
	dialTimeout, err := time.ParseDuration(cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid dial_timeout: %w", err)
	}

	readTimeout, err := time.ParseDuration(cfg.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid read_timeout: %w", err)
	}

	writeTimeout, err := time.ParseDuration(cfg.WriteTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid write_timeout: %w", err)
	}

	addr := cfg.Host
	if cfg.Port > 0 {
		addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &Store{client: client}, nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Agents returns the agent store.
func (s *Store) Agents() storage.AgentStore {
	return &agentStore{client: s.client}
}

// Children returns the child store.
func (s *Store) Children() storage.ChildStore {
	return &childStore{client: s.client}
}

// Violations returns the violation store.
func (s *Store) Violations() storage.ViolationStore {
	return &violationStore{client: s.client}
}

// Settings returns the settings store.
func (s *Store) Settings() storage.SettingsStore {
	return &settingsStore{client: s.client}
}

// Shutdowns returns the pending-shutdown store.
func (s *Store) Shutdowns() storage.ShutdownStore {
	return &shutdownStore{client: s.client}
}
