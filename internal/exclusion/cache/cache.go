// Package cache holds short-lived exclusion lookup answers in Redis so
// repeated checks for the same person skip the ledger.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"nser/internal/exclusion/models"
	id "nser/pkg/domain"
)

const (
	keyPrefix = "nser:excl:"

	// MaxStaleness bounds how long a cached answer may outlive a ledger
	// change on another instance.
	MaxStaleness = 2 * time.Second
)

// Entry is a cached ledger read for a canonical person. Record is nil when
// the person had no live exclusion.
type Entry struct {
	Record *models.Record `json:"record,omitempty"`
}

// RedisCache stores entries under nser:excl:{canonical person}.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis returns a cache whose entries expire after staleness, capped at
// MaxStaleness.
func NewRedis(client *redis.Client, staleness time.Duration) *RedisCache {
	if staleness <= 0 || staleness > MaxStaleness {
		staleness = MaxStaleness
	}
	return &RedisCache{client: client, ttl: staleness}
}

func key(person id.PersonID) string {
	return keyPrefix + person.String()
}

// Get returns the entry for person. ok is false on a miss.
func (c *RedisCache) Get(ctx context.Context, person id.PersonID) (Entry, bool, error) {
	raw, err := c.client.Get(ctx, key(person)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("get lookup cache: %w", err)
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry{}, false, fmt.Errorf("decode lookup cache: %w", err)
	}
	return e, true, nil
}

func (c *RedisCache) Set(ctx context.Context, person id.PersonID, e Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode lookup cache: %w", err)
	}
	return c.client.Set(ctx, key(person), raw, c.ttl).Err()
}

// Invalidate drops the entries of every given person in one round trip.
func (c *RedisCache) Invalidate(ctx context.Context, persons ...id.PersonID) error {
	if len(persons) == 0 {
		return nil
	}
	keys := make([]string, len(persons))
	for i, p := range persons {
		keys[i] = key(p)
	}
	return c.client.Del(ctx, keys...).Err()
}
