package events

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

type redisPublisherClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisPublisher difunde eventos por pub/sub para otras instancias.
type RedisPublisher struct {
	client  redisPublisherClient
	channel string
}

func NewRedisPublisher(client *redis.Client, channel string) *RedisPublisher {
	if client == nil {
		return nil
	}
	if channel == "" {
		channel = "chat:conversations"
	}
	return &RedisPublisher{client: client, channel: channel}
}

func (p *RedisPublisher) Publish(ctx context.Context, ev Event) error {
	if p == nil || p.client == nil {
		return nil
	}
	raw, err := encode(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, raw).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", p.channel, err)
	}
	return nil
}
