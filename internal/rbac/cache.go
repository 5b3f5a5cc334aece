package rbac

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const roleCacheKeyPrefix = "rbac:active-roles:"

// RoleCache keeps short-lived snapshots of a user's active role ids in
// Redis so the hottest read path does not hit the engine lock on every
// call. Concurrent misses for the same user are collapsed into one load.
type RoleCache struct {
	client *redis.Client
	ttl    time.Duration
	group  singleflight.Group
}

// NewRoleCache constructs a RoleCache with the given snapshot TTL.
func NewRoleCache(client *redis.Client, ttl time.Duration) *RoleCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RoleCache{client: client, ttl: ttl}
}

// ActiveRoles returns the cached snapshot for the user, loading and
// caching it on a miss.
func (c *RoleCache) ActiveRoles(ctx context.Context, userID string, load func(context.Context) ([]string, error)) ([]string, error) {
	key := roleCacheKeyPrefix + userID
	cached, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		var roleIDs []string
		if err := json.Unmarshal(cached, &roleIDs); err == nil {
			return roleIDs, nil
		}
		// Unreadable entry: fall through and rebuild it.
	} else if err != redis.Nil {
		return nil, fmt.Errorf("rbac/cache: get %s: %w", userID, err)
	}

	result, err, _ := c.group.Do(key, func() (any, error) {
		roleIDs, err := load(ctx)
		if err != nil {
			return nil, err
		}
		payload, err := json.Marshal(roleIDs)
		if err != nil {
			return nil, fmt.Errorf("rbac/cache: marshal %s: %w", userID, err)
		}
		if err := c.client.Set(ctx, key, payload, c.ttl).Err(); err != nil {
			return nil, fmt.Errorf("rbac/cache: set %s: %w", userID, err)
		}
		return roleIDs, nil
	})
	if err != nil {
		return nil, err
	}
	roleIDs, _ := result.([]string)
	return roleIDs, nil
}

// InvalidateUser drops the user's snapshot. Called after any mutation that
// changes the user's effective roles.
func (c *RoleCache) InvalidateUser(ctx context.Context, userID string) error {
	if err := c.client.Del(ctx, roleCacheKeyPrefix+userID).Err(); err != nil {
		return fmt.Errorf("rbac/cache: invalidate %s: %w", userID, err)
	}
	return nil
}
