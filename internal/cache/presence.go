package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const opTimeout = 2 * time.Second

// PresenceSnapshot is the cross-node projection of one presence session.
// The cache is read-through/write-through only; the owning actor stays the
// system of record.
type PresenceSnapshot struct {
	UserID       string            `json:"user_id"`
	Status       string            `json:"status"`
	LastActivity time.Time         `json:"last_activity"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Config holds Redis connection configuration.
type Config struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// PresenceCache distributes presence snapshots across nodes via Redis.
// Every operation degrades to a miss or a dropped write on failure; a broken
// cache never propagates errors into presence handling.
type PresenceCache struct {
	client *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

// New connects to Redis and verifies the connection.
func New(cfg Config, logger zerolog.Logger) (*PresenceCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	logger.Info().Str("addr", cfg.Addr).Int("db", cfg.DB).Msg("connected to presence snapshot cache")

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &PresenceCache{client: client, ttl: ttl, logger: logger}, nil
}

// NewDisabled returns a cache that silently drops writes and misses every
// read, for single-node deployments without Redis.
func NewDisabled() *PresenceCache {
	return &PresenceCache{}
}

func snapshotKey(userID string) string {
	return "presence:" + userID
}

// Put stores a snapshot, fire-and-forget. The snapshot is serialized before
// returning so the caller may reuse its maps.
func (c *PresenceCache) Put(snap PresenceSnapshot) {
	if c.client == nil {
		return
	}
	data, err := json.Marshal(snap)
	if err != nil {
		c.logger.Warn().Err(err).Str("user_id", snap.UserID).Msg("snapshot marshal failed")
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		if err := c.client.Set(ctx, snapshotKey(snap.UserID), data, c.ttl).Err(); err != nil {
			c.logger.Warn().Err(err).Str("user_id", snap.UserID).Msg("snapshot write failed")
		}
	}()
}

// Get retrieves one snapshot; a failure reads as a miss.
func (c *PresenceCache) Get(userID string) (PresenceSnapshot, bool) {
	if c.client == nil {
		return PresenceSnapshot{}, false
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	data, err := c.client.Get(ctx, snapshotKey(userID)).Bytes()
	if err == redis.Nil {
		return PresenceSnapshot{}, false
	}
	if err != nil {
		c.logger.Warn().Err(err).Str("user_id", userID).Msg("snapshot read failed")
		return PresenceSnapshot{}, false
	}

	var snap PresenceSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		c.logger.Warn().Err(err).Str("user_id", userID).Msg("snapshot unmarshal failed")
		return PresenceSnapshot{}, false
	}
	return snap, true
}

// GetBulk retrieves snapshots for many users in one round trip. Missing or
// unreadable entries are simply absent from the result.
func (c *PresenceCache) GetBulk(userIDs []string) map[string]PresenceSnapshot {
	out := make(map[string]PresenceSnapshot, len(userIDs))
	if c.client == nil || len(userIDs) == 0 {
		return out
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	keys := make([]string, len(userIDs))
	for i, id := range userIDs {
		keys[i] = snapshotKey(id)
	}
	values, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		c.logger.Warn().Err(err).Int("users", len(userIDs)).Msg("bulk snapshot read failed")
		return out
	}
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var snap PresenceSnapshot
		if err := json.Unmarshal([]byte(s), &snap); err != nil {
			continue
		}
		out[snap.UserID] = snap
	}
	return out
}

// HealthCheck reports whether Redis is reachable. Disabled caches are
// always healthy.
func (c *PresenceCache) HealthCheck(ctx context.Context) error {
	if c.client == nil {
		return nil
	}
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *PresenceCache) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}
