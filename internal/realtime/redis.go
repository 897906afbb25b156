package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/wasta-market/wasta-chat/internal/store"
)

// RedisChannel is the pub/sub channel shared by every server instance.
const RedisChannel = "wasta:messages"

// redisEnvelope is the wire form of an Event on Redis.
type redisEnvelope struct {
	FromServerID string  `json:"fromServerId"`
	Kind         string  `json:"kind"`
	Audience     []int64 `json:"audience"`
	MessageID    int64   `json:"messageId"`
	RoomID       int64   `json:"roomId"`
	SenderID     int64   `json:"senderId"`
	Text         string  `json:"text"`
	IsRead       bool    `json:"isRead"`
	SentAt       int64   `json:"sentAt"` // unix millis
}

// RedisBroker fans events out across server instances. Local subscribers
// are served by an embedded Hub; every published event goes through Redis
// and comes back to each instance, including the publisher.
type RedisBroker struct {
	hub      *Hub
	client   *redis.Client
	serverID string
	log      *zerolog.Logger
	ready    chan struct{}
}

var _ Broker = (*RedisBroker)(nil)

// NewRedisBroker connects to redisURL and wraps hub.
func NewRedisBroker(ctx context.Context, redisURL, serverID string, hub *Hub, logger *zerolog.Logger) (*RedisBroker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	return &RedisBroker{
		hub:      hub,
		client:   client,
		serverID: serverID,
		log:      logger,
		ready:    make(chan struct{}),
	}, nil
}

// Run starts the local hub and the Redis consumer; it blocks until ctx is done.
func (b *RedisBroker) Run(ctx context.Context) {
	go b.hub.Run(ctx)

	pubsub := b.client.Subscribe(ctx, RedisChannel)
	defer pubsub.Close()

	// Wait for the subscription confirmation so nothing published after
	// Ready is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		b.log.Error().Err(err).Msg("redis subscribe")
		return
	}
	close(b.ready)

	b.log.Info().Str("server_id", b.serverID).Str("channel", RedisChannel).Msg("redis subscriber started")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				b.log.Warn().Msg("redis subscription channel closed")
				return
			}
			var env redisEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.log.Warn().Err(err).Msg("unmarshal redis event")
				continue
			}
			if err := b.hub.Publish(ctx, env.event()); err != nil {
				b.log.Warn().Err(err).Msg("forward redis event")
				return
			}
		}
	}
}

// Ready is closed once the Redis subscription is confirmed.
func (b *RedisBroker) Ready() <-chan struct{} {
	return b.ready
}

// Publish sends ev to every instance through Redis.
func (b *RedisBroker) Publish(ctx context.Context, ev Event) error {
	env := redisEnvelope{
		FromServerID: b.serverID,
		Kind:         string(ev.Kind),
		Audience:     ev.Audience,
		MessageID:    ev.Message.ID,
		RoomID:       ev.Message.RoomID,
		SenderID:     ev.Message.SenderID,
		Text:         ev.Message.Text,
		IsRead:       ev.Message.IsRead,
		SentAt:       ev.Message.SentAt.UnixMilli(),
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, RedisChannel, payload).Err(); err != nil {
		return fmt.Errorf("publish to redis: %w", err)
	}
	return nil
}

// SubscribeRoom subscribes on the local hub.
func (b *RedisBroker) SubscribeRoom(ctx context.Context, roomID int64) (*Subscription, error) {
	return b.hub.SubscribeRoom(ctx, roomID)
}

// SubscribeUser subscribes on the local hub.
func (b *RedisBroker) SubscribeUser(ctx context.Context, userID int64) (*Subscription, error) {
	return b.hub.SubscribeUser(ctx, userID)
}

// Close closes the Redis connection.
func (b *RedisBroker) Close() error {
	return b.client.Close()
}

func (e redisEnvelope) event() Event {
	return Event{
		Kind:     EventKind(e.Kind),
		Audience: e.Audience,
		Message: store.Message{
			ID:       e.MessageID,
			RoomID:   e.RoomID,
			SenderID: e.SenderID,
			Text:     e.Text,
			IsRead:   e.IsRead,
			SentAt:   time.UnixMilli(e.SentAt).UTC(),
		},
	}
}
