package publisher

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/simaogato/convertflow-backend/internal/domain"
)

// DefaultChannel carries every conversion event
const DefaultChannel = "convertflow:conversion_events"

// RedisPublisher broadcasts conversion events over Redis pub/sub
type RedisPublisher struct {
	rdb     redis.Cmdable
	channel string
}

// NewRedisPublisher creates a publisher on the given channel
func NewRedisPublisher(rdb redis.Cmdable, channel string) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisPublisher{rdb: rdb, channel: channel}
}

// Publish implements domain.EventPublisher
func (p *RedisPublisher) Publish(ctx context.Context, event *domain.ConversionEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal conversion event: %w", err)
	}
	if err := p.rdb.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish conversion event: %w", err)
	}
	return nil
}
