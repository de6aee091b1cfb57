// Package cache publishes fire-and-forget cache-invalidation notifications
// for entities that changed.
//
// Downstream services cache organization data keyed by the organization's
// stable UUID; whenever the billing core mutates an organization it publishes
// an invalidation so those caches drop the stale entry. Delivery is
// best-effort: a failed publish is logged, never surfaced to the caller, and
// callers must only publish after their enclosing transaction has committed.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// DefaultChannel is the Redis pub/sub channel invalidations are published on
const DefaultChannel = "squarelet:cache-invalidations"

// Invalidation is the wire format of a single notification
type Invalidation struct {
	EntityType string   `json:"entity_type"`
	UUIDs      []string `json:"uuids"`
}

// Invalidator publishes cache-invalidation notifications
type Invalidator interface {
	Invalidate(ctx context.Context, entityType string, ids ...uuid.UUID) error
}

// RedisInvalidator publishes invalidations over Redis pub/sub
type RedisInvalidator struct {
	client  *redis.Client
	channel string
	logger  *logrus.Logger
}

// NewRedisInvalidator creates an invalidator from a Redis URL
func NewRedisInvalidator(redisURL, password string, db int, logger *logrus.Logger) (*RedisInvalidator, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if password != "" {
		opts.Password = password
	}
	if db >= 0 {
		opts.DB = db
	}
	opts.DialTimeout = 5 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisInvalidator{
		client:  client,
		channel: DefaultChannel,
		logger:  logger,
	}, nil
}

// Invalidate publishes one notification covering all given ids. Publish
// failures are logged and swallowed; invalidation is best-effort.
func (i *RedisInvalidator) Invalidate(ctx context.Context, entityType string, ids ...uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}

	msg := Invalidation{EntityType: entityType}
	for _, id := range ids {
		msg.UUIDs = append(msg.UUIDs, id.String())
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal invalidation: %w", err)
	}

	if err := i.client.Publish(ctx, i.channel, payload).Err(); err != nil {
		i.logger.WithError(err).WithFields(logrus.Fields{
			"entity_type": entityType,
			"count":       len(ids),
		}).Warn("cache invalidation publish failed")
	}
	return nil
}

// Ping checks Redis connectivity
func (i *RedisInvalidator) Ping(ctx context.Context) error {
	return i.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (i *RedisInvalidator) Close() error {
	return i.client.Close()
}

// NopInvalidator discards all notifications, for tests and for deployments
// without a cache layer
type NopInvalidator struct{}

// Invalidate discards the notification
func (NopInvalidator) Invalidate(context.Context, string, ...uuid.UUID) error { return nil }
