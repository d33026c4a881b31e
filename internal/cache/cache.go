// Package cache keeps the latest showcase status in redis so that dashboard
// polling does not hit postgres on every refresh.
package cache

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"showcase3d/internal/models"
)

const statusTTL = time.Hour

type StatusCache struct {
	Client *redis.Client
}

func NewStatusCache(client *redis.Client) *StatusCache {
	return &StatusCache{Client: client}
}

// Keys are owner-scoped so a cached status can only be read back by the
// user the poll endpoint authenticated.
func (c *StatusCache) SetStatus(ctx context.Context, userID, showcaseID uuid.UUID, status models.ShowcaseStatus) error {
	return c.Client.Set(ctx, key(userID, showcaseID), string(status), statusTTL).Err()
}

// GetStatus returns the cached status; ok is false on a miss, which callers
// treat as "read from postgres".
func (c *StatusCache) GetStatus(ctx context.Context, userID, showcaseID uuid.UUID) (models.ShowcaseStatus, bool) {
	v, err := c.Client.Get(ctx, key(userID, showcaseID)).Result()
	if err != nil {
		return "", false
	}
	return models.ShowcaseStatus(v), true
}

func key(userID, id uuid.UUID) string {
	return "showcase_status:" + userID.String() + ":" + id.String()
}
