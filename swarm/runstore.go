package swarm

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/evolving-machines-lab/evolve/core"
)

const (
	// Redis key patterns for the run store
	runStoreKeyPrefix = "evolve:swarm:results:"
	runStoreIndexKey  = "evolve:swarm:operations"

	defaultRunStoreTTL = 24 * time.Hour
)

// RunStore journals result metadata per operation for later inspection.
// Stores are best-effort: recording failures are logged, never surfaced
// to the operation that produced the result.
type RunStore interface {
	RecordResult(ctx context.Context, res *core.SwarmResult)
	Close() error
}

// RedisRunStoreOption configures the Redis run store
type RedisRunStoreOption func(*redisRunStoreConfig)

type redisRunStoreConfig struct {
	redisURL  string
	redisDB   int
	keyPrefix string
	ttl       time.Duration
	logger    core.Logger
}

// WithRunStoreRedisURL sets the Redis connection URL
func WithRunStoreRedisURL(url string) RedisRunStoreOption {
	return func(c *redisRunStoreConfig) {
		c.redisURL = url
	}
}

// WithRunStoreRedisDB sets the Redis database number (default: 0)
func WithRunStoreRedisDB(db int) RedisRunStoreOption {
	return func(c *redisRunStoreConfig) {
		c.redisDB = db
	}
}

// WithRunStoreKeyPrefix overrides the key prefix (default:
// "evolve:swarm:results:")
func WithRunStoreKeyPrefix(prefix string) RedisRunStoreOption {
	return func(c *redisRunStoreConfig) {
		c.keyPrefix = prefix
	}
}

// WithRunStoreTTL sets how long journaled results live (default: 24h)
func WithRunStoreTTL(ttl time.Duration) RedisRunStoreOption {
	return func(c *redisRunStoreConfig) {
		c.ttl = ttl
	}
}

// WithRunStoreLogger sets the logger for run store operations
func WithRunStoreLogger(logger core.Logger) RedisRunStoreOption {
	return func(c *redisRunStoreConfig) {
		c.logger = logger
	}
}

// RedisRunStore journals one record per result under
// {prefix}{operationId}, with the operation ID indexed in a sorted set
// by completion time.
type RedisRunStore struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
	logger    core.Logger
}

// NewRedisRunStore connects to Redis and returns the store.
func NewRedisRunStore(opts ...RedisRunStoreOption) (*RedisRunStore, error) {
	cfg := &redisRunStoreConfig{
		redisURL:  "redis://localhost:6379",
		keyPrefix: runStoreKeyPrefix,
		ttl:       defaultRunStoreTTL,
		logger:    &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(cfg)
	}

	redisOpts, err := redis.ParseURL(cfg.redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}
	if cfg.redisDB != 0 {
		redisOpts.DB = cfg.redisDB
	}

	return &RedisRunStore{
		client:    redis.NewClient(redisOpts),
		keyPrefix: cfg.keyPrefix,
		ttl:       cfg.ttl,
		logger:    cfg.logger,
	}, nil
}

type runRecord struct {
	Meta       core.BaseMeta    `json:"meta"`
	Status     core.Status      `json:"status"`
	Tag        string           `json:"tag"`
	SandboxID  string           `json:"sandboxId,omitempty"`
	Error      string           `json:"error,omitempty"`
	Verify     *core.VerifyInfo `json:"verify,omitempty"`
	RecordedAt time.Time        `json:"recordedAt"`
}

// RecordResult implements RunStore.
func (s *RedisRunStore) RecordResult(ctx context.Context, res *core.SwarmResult) {
	record := runRecord{
		Meta:       res.Meta,
		Status:     res.Status,
		Tag:        res.Tag,
		SandboxID:  res.SandboxID,
		Error:      res.Error,
		Verify:     res.Verify,
		RecordedAt: time.Now().UTC(),
	}
	payload, err := json.Marshal(record)
	if err != nil {
		s.logger.Warn("run store marshal failed", map[string]interface{}{
			"operation_id": res.Meta.OperationID,
			"error":        err.Error(),
		})
		return
	}

	key := s.keyPrefix + res.Meta.OperationID
	pipe := s.client.Pipeline()
	pipe.RPush(ctx, key, payload)
	pipe.Expire(ctx, key, s.ttl)
	pipe.ZAdd(ctx, runStoreIndexKey, &redis.Z{
		Score:  float64(record.RecordedAt.UnixMilli()),
		Member: res.Meta.OperationID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn("run store record failed", map[string]interface{}{
			"operation_id": res.Meta.OperationID,
			"error":        err.Error(),
		})
	}
}

// Close releases the Redis connection.
func (s *RedisRunStore) Close() error {
	return s.client.Close()
}
