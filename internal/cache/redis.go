// Package cache holds the Redis-backed fast-read mirror of entitlement
// records and the gateway portal configuration id.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"tollgate/internal/config"
	"tollgate/internal/types"
)

const (
	entitlementKeyPrefix  = "billing:entitlement:"
	portalConfigKeyPrefix = "billing:portal_config:"
)

// redisClient is the subset of *redis.Client the caches use.
type redisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// NewClient connects to Redis and pings it. It returns nil, nil when addr is
// empty, which callers treat as "cache disabled".
func NewClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password.Unmask(),
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging redis at %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// EntitlementCache stores entitlement records as JSON with a TTL. The TTL
// bounds how long a missed invalidation can serve a stale record.
type EntitlementCache struct {
	rdb redisClient
	ttl time.Duration
}

func NewEntitlementCache(rdb redisClient, ttl time.Duration) *EntitlementCache {
	return &EntitlementCache{rdb: rdb, ttl: ttl}
}

func (c *EntitlementCache) Get(ctx context.Context, tenantID string) (*types.Entitlement, bool, error) {
	raw, err := c.rdb.Get(ctx, entitlementKeyPrefix+tenantID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading cached entitlement: %w", err)
	}
	var ent types.Entitlement
	if err := json.Unmarshal(raw, &ent); err != nil {
		return nil, false, fmt.Errorf("decoding cached entitlement: %w", err)
	}
	return &ent, true, nil
}

func (c *EntitlementCache) Set(ctx context.Context, ent *types.Entitlement) error {
	raw, err := json.Marshal(ent)
	if err != nil {
		return fmt.Errorf("encoding entitlement: %w", err)
	}
	if err := c.rdb.Set(ctx, entitlementKeyPrefix+ent.TenantID, raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("writing cached entitlement: %w", err)
	}
	return nil
}

func (c *EntitlementCache) Delete(ctx context.Context, tenantID string) error {
	if err := c.rdb.Del(ctx, entitlementKeyPrefix+tenantID).Err(); err != nil {
		return fmt.Errorf("deleting cached entitlement: %w", err)
	}
	return nil
}

// PortalConfigCache keeps the portal configuration id per feature version.
// Entries never expire; a new version gets a new key.
type PortalConfigCache struct {
	rdb redisClient
}

func NewPortalConfigCache(rdb redisClient) *PortalConfigCache {
	return &PortalConfigCache{rdb: rdb}
}

func (c *PortalConfigCache) GetPortalConfigID(ctx context.Context, version string) (string, bool, error) {
	id, err := c.rdb.Get(ctx, portalConfigKeyPrefix+version).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading portal config id: %w", err)
	}
	return id, true, nil
}

func (c *PortalConfigCache) SetPortalConfigID(ctx context.Context, version, configID string) error {
	if err := c.rdb.Set(ctx, portalConfigKeyPrefix+version, configID, 0).Err(); err != nil {
		return fmt.Errorf("writing portal config id: %w", err)
	}
	return nil
}
