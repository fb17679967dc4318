package redisq

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/devbotlabs/ai-dev-pipeline/internal/domain"
)

// Bus implements domain.EventBus on Redis pub/sub. Every recipient name maps
// to one channel; subscribers also hear the broadcast channel.
type Bus struct {
	redis *redis.Client
}

// NewBus wraps an already-connected Redis client.
func NewBus(rdb *redis.Client) *Bus {
	return &Bus{redis: rdb}
}

func channelFor(recipient string) string {
	return "agent:" + recipient
}

// Publish sends the event to its recipient channel. Missing envelope fields
// are filled in: id, timestamp, and a default priority of 2.
func (b *Bus) Publish(ctx domain.Context, ev domain.Event) error {
	if ev.Recipient == "" {
		return fmt.Errorf("%w: event recipient required", domain.ErrInvalidArgument)
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if ev.Priority == 0 {
		ev.Priority = 2
	}
	payload, _ := json.Marshal(ev)
	if err := b.redis.Publish(ctx, channelFor(ev.Recipient), payload).Err(); err != nil {
		return fmt.Errorf("%w: publish to %s: %v", domain.ErrBrokerUnavailable, ev.Recipient, err)
	}
	return nil
}

// Subscribe listens on the named recipients plus the broadcast channel and
// returns a typed event stream. The stream closes when ctx ends. Malformed
// payloads are logged and skipped.
func (b *Bus) Subscribe(ctx domain.Context, recipients ...string) (<-chan domain.Event, error) {
	channels := make([]string, 0, len(recipients)+1)
	seen := map[string]bool{}
	for _, r := range append(recipients, domain.Broadcast) {
		ch := channelFor(r)
		if seen[ch] {
			continue
		}
		seen[ch] = true
		channels = append(channels, ch)
	}
	sub := b.redis.Subscribe(ctx, channels...)
	// Force the SUBSCRIBE round trip so a Publish right after this call
	// cannot race past an unconfirmed subscription.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("%w: subscribe %v: %v", domain.ErrBrokerUnavailable, recipients, err)
	}
	out := make(chan domain.Event, 16)
	go func() {
		defer close(out)
		defer func() { _ = sub.Close() }()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev domain.Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					slog.Warn("dropping malformed event", slog.String("channel", msg.Channel), slog.String("error", err.Error()))
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
