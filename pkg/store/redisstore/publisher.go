package redisstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/wilhg/rewind/pkg/playback"
)

// Message is what Publisher sends for every replayed frame.
type Message struct {
	Index       int             `json:"index"`
	Total       int             `json:"total"`
	Seq         uint64          `json:"seq"`
	TimestampMs float64         `json:"timestamp_ms"`
	State       json.RawMessage `json:"state"`
}

// Publisher is a playback.Consumer that fans replayed frames out on a Redis
// channel so remote hosts can follow a replay.
type Publisher struct {
	client  *redis.Client
	channel string
}

// NewPublisher publishes on channel through client.
func NewPublisher(client *redis.Client, channel string) *Publisher {
	return &Publisher{client: client, channel: channel}
}

// PlaybackChannel returns the channel name for replays of session id.
func PlaybackChannel(id string) string { return "playback:" + id }

// OnFrame publishes d. Payloads that are not JSON are sent as a JSON string.
func (p *Publisher) OnFrame(ctx context.Context, d playback.Dispatch) error {
	msg := Message{
		Index:       d.Index,
		Total:       d.Total,
		Seq:         d.Frame.Seq,
		TimestampMs: d.Frame.TimestampMs,
		State:       d.Frame.Payload,
	}
	if !json.Valid(msg.State) {
		b, err := json.Marshal(string(d.Frame.Payload))
		if err != nil {
			return err
		}
		msg.State = b
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("redisstore.Publisher.OnFrame: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, b).Err(); err != nil {
		return fmt.Errorf("redisstore.Publisher.OnFrame: %w", err)
	}
	return nil
}

// Subscribe streams decoded messages from channel until ctx is done. The
// returned func releases the subscription.
func Subscribe(ctx context.Context, client *redis.Client, channel string) (<-chan Message, func(), error) {
	sub := client.Subscribe(ctx, channel)

	// Wait for subscription confirmation.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("redisstore.Subscribe: receive confirmation: %w", err)
	}

	out := make(chan Message, 64)
	redisCh := sub.Channel()

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-redisCh:
				if !ok {
					return
				}
				var m Message
				if err := json.Unmarshal([]byte(raw.Payload), &m); err != nil {
					continue
				}
				select {
				case out <- m:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, func() { _ = sub.Close() }, nil
}
