package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	rediscache "github.com/prn-tf/bastion/internal/cache/redis"
)

// RedisBus publishes and consumes events on a Redis pub/sub channel.
type RedisBus struct {
	client  *rediscache.Client
	channel string
	origin  string
	logger  zerolog.Logger
}

// NewRedisBus creates a bus for this server. origin is stamped on published events.
func NewRedisBus(client *rediscache.Client, channel, origin string, logger zerolog.Logger) *RedisBus {
	return &RedisBus{
		client:  client,
		channel: channel,
		origin:  origin,
		logger:  logger.With().Str("component", "events").Logger(),
	}
}

// Publish stamps and sends ev.
func (b *RedisBus) Publish(ctx context.Context, ev Event) error {
	ev.Origin = b.origin
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Subscribe delivers events from other servers to handle until ctx is done.
// It returns once the subscription failed or ctx ended.
func (b *RedisBus) Subscribe(ctx context.Context, handle Handler) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	b.logger.Info().Str("channel", b.channel).Msg("listening for punishment events")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				b.logger.Warn().Err(err).Msg("dropping undecodable event")
				continue
			}
			if ev.Origin == b.origin {
				continue
			}
			handle(ctx, ev)
		}
	}
}

var _ Publisher = (*RedisBus)(nil)
