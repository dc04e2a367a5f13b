package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/SoftwareHeritage/swh-vault/cmd/vault/service"
	"github.com/SoftwareHeritage/swh-vault/common/logger"
	"github.com/SoftwareHeritage/swh-vault/common/models"
	rediscommon "github.com/SoftwareHeritage/swh-vault/common/redis"
)

const (
	statusGroup   = "vault-server"
	readCount     = 10
	readBlock     = 5 * time.Second
	handleTimeout = 30 * time.Second
)

// StatusConsumer drains the worker status stream and applies each update
// to the bundle state machine through the vault service. Messages are
// acked only after handling. A crash between handling and ack leaves the
// entry pending under this consumer's name; nothing claims it until a
// process with the same name restarts, and a redelivered duplicate is
// dropped by the service as stale.
type StatusConsumer struct {
	redis    *rediscommon.Client
	vault    *service.VaultService
	log      *logger.Logger
	consumer string
	done     chan struct{}
}

func NewStatusConsumer(redis *rediscommon.Client, vault *service.VaultService, log *logger.Logger, consumerName string) *StatusConsumer {
	return &StatusConsumer{
		redis:    redis,
		vault:    vault,
		log:      log,
		consumer: consumerName,
		done:     make(chan struct{}),
	}
}

// Start creates the consumer group and begins draining the stream in a
// background goroutine until ctx is cancelled
func (c *StatusConsumer) Start(ctx context.Context) error {
	if err := c.redis.CreateStreamGroup(ctx, models.CookingStatusStream, statusGroup); err != nil {
		return fmt.Errorf("failed to create status consumer group: %w", err)
	}

	go c.loop(ctx)
	c.log.Info("status consumer started", "stream", models.CookingStatusStream, "consumer", c.consumer)
	return nil
}

// Wait blocks until the consume loop has exited
func (c *StatusConsumer) Wait() {
	<-c.done
}

func (c *StatusConsumer) loop(ctx context.Context) {
	defer close(c.done)

	for {
		select {
		case <-ctx.Done():
			c.log.Info("status consumer stopping")
			return
		default:
		}

		streams, err := c.redis.ReadFromStreamGroup(ctx, statusGroup, c.consumer, models.CookingStatusStream, readCount, readBlock)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Error("status stream read failed", "error", err)
			time.Sleep(time.Second)
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				c.handleMessage(ctx, msg.ID, msg.Values)
			}
		}
	}
}

func (c *StatusConsumer) handleMessage(ctx context.Context, messageID string, values map[string]interface{}) {
	hctx, cancel := context.WithTimeout(ctx, handleTimeout)
	defer cancel()

	update, err := decodeUpdate(values)
	if err != nil {
		// Malformed messages are acked so they do not wedge the group
		c.log.Error("discarding malformed status update", "message_id", messageID, "error", err)
		c.ack(hctx, messageID)
		return
	}

	if err := c.apply(hctx, update); err != nil {
		c.log.Error("failed to apply status update",
			"message_id", messageID, "bundle_id", update.BundleID, "event", update.Event, "error", err)
		return
	}

	c.ack(hctx, messageID)
}

func (c *StatusConsumer) apply(ctx context.Context, update *models.StatusUpdate) error {
	switch update.Event {
	case models.EventProgress:
		return c.vault.RecordProgress(ctx, update.BundleID, update.JobID, update.Message)
	case models.EventSuccess:
		return c.vault.RecordSuccess(ctx, update.BundleID, update.JobID, update.Bundle)
	case models.EventFailure:
		return c.vault.RecordFailure(ctx, update.BundleID, update.JobID, update.Message)
	default:
		return fmt.Errorf("unknown status event %q", update.Event)
	}
}

func (c *StatusConsumer) ack(ctx context.Context, messageID string) {
	if err := c.redis.AckStreamMessage(ctx, models.CookingStatusStream, statusGroup, messageID); err != nil {
		c.log.Error("failed to ack status update", "message_id", messageID, "error", err)
	}
}

func decodeUpdate(values map[string]interface{}) (*models.StatusUpdate, error) {
	raw, ok := values["update"].(string)
	if !ok {
		return nil, fmt.Errorf("missing update payload")
	}

	var update models.StatusUpdate
	if err := json.Unmarshal([]byte(raw), &update); err != nil {
		return nil, fmt.Errorf("failed to decode status update: %w", err)
	}
	return &update, nil
}
