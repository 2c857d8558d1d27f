// Package paircache memoizes resolved conversation ids per (property,
// counterparty) pair. It is an explicit collaborator handed to the service
// at construction, never hidden state: the resolver stays pure enough to
// test without it, and entries are advisory only. A hit is always
// re-validated against the record store, so a stale id at worst costs one
// extra read; the resolver's newest-wins selection means cached ids only
// ever converge onto the canonical conversation.
package paircache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type Cache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func New(redisURL string, ttl time.Duration) (*Cache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewWithClient(client, ttl), nil
}

func NewWithClient(client *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Cache{
		client: client,
		prefix: "convpair:",
		ttl:    ttl,
	}
}

func (c *Cache) key(propertyID, counterpartyID string) string {
	return c.prefix + propertyID + ":" + counterpartyID
}

// Get returns the memoized conversation id for the pair, if any.
func (c *Cache) Get(ctx context.Context, propertyID, counterpartyID string) (string, bool, error) {
	id, err := c.client.Get(ctx, c.key(propertyID, counterpartyID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("paircache get: %w", err)
	}
	return id, true, nil
}

func (c *Cache) Put(ctx context.Context, propertyID, counterpartyID, conversationID string) error {
	if err := c.client.Set(ctx, c.key(propertyID, counterpartyID), conversationID, c.ttl).Err(); err != nil {
		return fmt.Errorf("paircache put: %w", err)
	}
	return nil
}

func (c *Cache) Forget(ctx context.Context, propertyID, counterpartyID string) error {
	if err := c.client.Del(ctx, c.key(propertyID, counterpartyID)).Err(); err != nil {
		return fmt.Errorf("paircache forget: %w", err)
	}
	return nil
}

func (c *Cache) Close() error {
	return c.client.Close()
}
