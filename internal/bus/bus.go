// Package bus implements the Control Bus Adapter: a Redis Pub/Sub-backed
// publish/subscribe client used for cross-process signalling — call
// transfers, call lifecycle events — between the bridge and the rest of the
// telephony platform.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Publisher is the narrow interface the Tool Dispatcher depends on, so it
// can be faked in tests without a real Redis connection.
type Publisher interface {
	Publish(ctx context.Context, channel string, event any) error
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithPrefix namespaces every channel name the Adapter touches.
func WithPrefix(prefix string) Option {
	return func(a *Adapter) { a.prefix = prefix }
}

// Adapter is a Redis-backed Publisher plus a subscription side that
// auto-resubscribes after a connection drop.
type Adapter struct {
	client *redis.Client
	prefix string

	mu   sync.Mutex
	subs map[string][]chan []byte
}

// New creates an Adapter over an existing Redis client.
func New(client *redis.Client, opts ...Option) *Adapter {
	a := &Adapter{
		client: client,
		subs:   make(map[string][]chan []byte),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Adapter) channelKey(channel string) string {
	if a.prefix == "" {
		return channel
	}
	return a.prefix + ":" + channel
}

// Publish JSON-encodes event and publishes it on channel.
func (a *Adapter) Publish(ctx context.Context, channel string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("bus: marshal event: %w", err)
	}
	if err := a.client.Publish(ctx, a.channelKey(channel), data).Err(); err != nil {
		return fmt.Errorf("bus: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe returns a channel of raw message payloads for the given bus
// channel. The subscription survives Redis reconnects: the underlying
// go-redis PubSub object resubscribes automatically on its next read after a
// connection drop, and Subscribe additionally restarts the read loop if it
// exits with a non-context error so a dropped TCP connection doesn't leave
// the caller silently starved.
func (a *Adapter) Subscribe(ctx context.Context, channel string) <-chan []byte {
	out := make(chan []byte, 32)

	go func() {
		defer close(out)
		for {
			if ctx.Err() != nil {
				return
			}
			a.runSubscription(ctx, channel, out)
			if ctx.Err() != nil {
				return
			}
			slog.Warn("bus: subscription dropped, retrying", "channel", channel)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

func (a *Adapter) runSubscription(ctx context.Context, channel string, out chan<- []byte) {
	pubsub := a.client.Subscribe(ctx, a.channelKey(channel))
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			select {
			case out <- []byte(msg.Payload):
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// Close releases the underlying Redis client.
func (a *Adapter) Close() error {
	return a.client.Close()
}
