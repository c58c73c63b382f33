package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/aura-voice/backend/internal/platform"
)

// DefaultChannel carries presence events published by gateway shards.
const DefaultChannel = "voice:presence"

const publishTimeout = 5 * time.Second

// RedisSource reads presence events from a Redis pub/sub channel fed by an
// external gateway process.
type RedisSource struct {
	client  *redis.Client
	channel string
	logger  *zap.Logger
}

// NewRedisSource creates a pub/sub source on channel.
func NewRedisSource(client *redis.Client, channel string, logger *zap.Logger) *RedisSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisSource{client: client, channel: channel, logger: logger}
}

// Publish sends ev on the channel, as a gateway shard would.
func (r *RedisSource) Publish(ctx context.Context, ev platform.PresenceEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	body, err := json.Marshal(Message{Event: EventPresence, Data: data, At: time.Now().Unix()})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return r.client.Publish(ctx, r.channel, body).Err()
}

// Run subscribes and hands every presence event to h until ctx is done.
func (r *RedisSource) Run(ctx context.Context, h Handler) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	r.logger.Info("presence subscription ready", zap.String("channel", r.channel))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("subscription %s closed", r.channel)
			}
			ev, ok := decode([]byte(msg.Payload))
			if !ok {
				r.logger.Debug("ignored pub/sub message", zap.String("channel", r.channel))
				continue
			}
			if err := h(ctx, ev); err != nil {
				r.logger.Warn("presence event not delivered", zap.String("user_id", ev.UserID), zap.Error(err))
			}
		}
	}
}
