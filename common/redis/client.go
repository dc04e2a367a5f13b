package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Client wraps redis.Client with common operations and instrumentation
type Client struct {
	redis  *redis.Client
	logger Logger
}

// NewClient creates a new Redis client wrapper
func NewClient(redisClient *redis.Client, logger Logger) *Client {
	return &Client{
		redis:  redisClient,
		logger: logger,
	}
}

// GetUnderlying returns the underlying redis.Client for advanced operations
func (c *Client) GetUnderlying() *redis.Client {
	return c.redis
}

// SetBytes sets a key to a raw byte value without expiration
func (c *Client) SetBytes(ctx context.Context, key string, value []byte) error {
	err := c.redis.Set(ctx, key, value, 0).Err()
	if err != nil {
		c.logger.Error("redis SET failed", "key", key, "error", err)
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	c.logger.Debug("redis SET", "key", key, "size", len(value))
	return nil
}

// GetBytes retrieves a raw byte value by key. The second return value
// reports whether the key exists.
func (c *Client) GetBytes(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.redis.Get(ctx, key).Bytes()
	if err == redis.Nil {
		c.logger.Debug("redis GET key not found", "key", key)
		return nil, false, nil
	}
	if err != nil {
		c.logger.Error("redis GET failed", "key", key, "error", err)
		return nil, false, fmt.Errorf("failed to get key %s: %w", key, err)
	}
	c.logger.Debug("redis GET", "key", key, "size", len(val))
	return val, true, nil
}

// Exists reports whether a key is present
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.redis.Exists(ctx, key).Result()
	if err != nil {
		c.logger.Error("redis EXISTS failed", "key", key, "error", err)
		return false, fmt.Errorf("failed to check key %s: %w", key, err)
	}
	return n > 0, nil
}

// Delete removes keys
func (c *Client) Delete(ctx context.Context, keys ...string) error {
	err := c.redis.Del(ctx, keys...).Err()
	if err != nil {
		c.logger.Error("redis DEL failed", "keys", keys, "error", err)
		return fmt.Errorf("failed to delete keys: %w", err)
	}
	c.logger.Debug("redis DEL", "keys", keys)
	return nil
}

// AddToStream adds a message to a Redis stream
func (c *Client) AddToStream(ctx context.Context, stream string, values map[string]interface{}) (string, error) {
	id, err := c.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: values,
	}).Result()
	if err != nil {
		c.logger.Error("redis XADD failed", "stream", stream, "error", err)
		return "", fmt.Errorf("failed to add to stream %s: %w", stream, err)
	}
	c.logger.Debug("redis XADD", "stream", stream, "id", id)
	return id, nil
}

// ReadFromStreamGroup reads messages from a stream using consumer groups
func (c *Client) ReadFromStreamGroup(ctx context.Context, group, consumer, stream string, count int64, block time.Duration) ([]redis.XStream, error) {
	streams, err := c.redis.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()

	if err == redis.Nil {
		// Timeout/no messages - not an error
		return nil, nil
	}
	if err != nil {
		c.logger.Error("redis XREADGROUP failed", "stream", stream, "group", group, "error", err)
		return nil, fmt.Errorf("failed to read from stream %s: %w", stream, err)
	}

	c.logger.Debug("redis XREADGROUP", "stream", stream, "group", group, "message_count", len(streams))
	return streams, nil
}

// AckStreamMessage acknowledges a message in a stream
func (c *Client) AckStreamMessage(ctx context.Context, stream, group, messageID string) error {
	err := c.redis.XAck(ctx, stream, group, messageID).Err()
	if err != nil {
		c.logger.Error("redis XACK failed", "stream", stream, "group", group, "message_id", messageID, "error", err)
		return fmt.Errorf("failed to ack message %s: %w", messageID, err)
	}
	c.logger.Debug("redis XACK", "stream", stream, "group", group, "message_id", messageID)
	return nil
}

// CreateStreamGroup creates a consumer group for a stream
func (c *Client) CreateStreamGroup(ctx context.Context, stream, group string) error {
	err := c.redis.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		c.logger.Error("redis XGROUP CREATE failed", "stream", stream, "group", group, "error", err)
		return fmt.Errorf("failed to create consumer group %s: %w", group, err)
	}
	c.logger.Debug("redis XGROUP CREATE", "stream", stream, "group", group)
	return nil
}
