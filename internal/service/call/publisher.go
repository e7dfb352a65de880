package call

import (
	"context"
	"encoding/json"
	"fmt"

	"commlink-backend/internal/database"
)

const callEventsChannel = "call:events"

// RedisPublisher fans call lifecycle events out over Redis pub/sub so other
// services (chat timeline, notification workers) can react to them
type RedisPublisher struct {
	client *database.RedisClient
}

// NewRedisPublisher creates a publisher on the shared Redis client
func NewRedisPublisher(client *database.RedisClient) *RedisPublisher {
	return &RedisPublisher{client: client}
}

// PublishCallEvent publishes the event on the call events channel
func (p *RedisPublisher) PublishCallEvent(ctx context.Context, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal call event: %w", err)
	}

	if err := p.client.SafePublish(ctx, callEventsChannel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish call event: %w", err)
	}

	return nil
}
