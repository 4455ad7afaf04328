// Package queue carries real-time events between API instances. Delivery is
// at-most-once: a message published while nobody is subscribed is gone.
package queue

import (
	"context"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Message is one serialized event.
type Message struct {
	Type string
	Body []byte
}

// Broker is the abstraction over different backends.
type Broker interface {
	Publish(ctx context.Context, msg Message) error
	// Subscribe streams messages until ctx is done, then closes the channel.
	Subscribe(ctx context.Context) (<-chan Message, error)
}

// InMemory fans messages out to subscribers of this process only.
type InMemory struct {
	size int

	mu   sync.RWMutex
	subs map[chan Message]struct{}
}

// NewInMemory creates a broker whose subscribers buffer up to size messages.
func NewInMemory(size int) *InMemory {
	if size <= 0 {
		size = 64
	}
	return &InMemory{size: size, subs: make(map[chan Message]struct{})}
}

// Publish hands msg to every subscriber with room for it.
func (b *InMemory) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- msg:
		default:
		}
	}
	return nil
}

func (b *InMemory) Subscribe(ctx context.Context) (<-chan Message, error) {
	ch := make(chan Message, b.size)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, ch)
		close(ch)
		b.mu.Unlock()
	}()
	return ch, nil
}

// Redis implements the broker with Redis Pub/Sub on a single channel.
type Redis struct {
	client  *redis.Client
	channel string
}

// NewRedis builds a broker publishing to channel.
func NewRedis(client *redis.Client, channel string) *Redis {
	if channel == "" {
		channel = "schoolgate:events"
	}
	return &Redis{client: client, channel: channel}
}

func (b *Redis) Publish(ctx context.Context, msg Message) error {
	return b.client.Publish(ctx, b.channel, serialize(msg)).Err()
}

func (b *Redis) Subscribe(ctx context.Context) (<-chan Message, error) {
	sub := b.client.Subscribe(ctx, b.channel)
	// Wait for the subscription confirmation so early publishes are not lost.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}

	out := make(chan Message)
	go func() {
		defer close(out)
		defer sub.Close()
		in := sub.Channel()
		for {
			select {
			case m, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- deserialize(m.Payload):
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// serialize stores messages as Type|Body.
func serialize(msg Message) string {
	return msg.Type + "|" + string(msg.Body)
}

func deserialize(s string) Message {
	typ, body, ok := strings.Cut(s, "|")
	if !ok {
		return Message{Body: []byte(s)}
	}
	return Message{Type: typ, Body: []byte(body)}
}
