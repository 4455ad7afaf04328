package notify

import (
	"context"
	"encoding/json"
	"sync"

	"schoolgate/internal/domain"
	"schoolgate/internal/logging"
	"schoolgate/internal/metrics"
	"schoolgate/internal/queue"
)

// Hub delivers events from the broker to this instance's connected users.
type Hub struct {
	buffer int
	log    logging.Logger

	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

// Subscription is one connected user's event stream.
type Subscription struct {
	actor domain.Actor
	ch    chan Event
}

func (s *Subscription) Events() <-chan Event { return s.ch }

// NewHub returns a hub whose subscribers buffer up to buffer events.
func NewHub(buffer int, log logging.Logger) *Hub {
	if buffer <= 0 {
		buffer = 16
	}
	return &Hub{buffer: buffer, log: log, subs: make(map[*Subscription]struct{})}
}

// Subscribe registers actor. The returned cancel func must be called on disconnect.
func (h *Hub) Subscribe(actor domain.Actor) (*Subscription, func()) {
	sub := &Subscription{actor: actor, ch: make(chan Event, h.buffer)}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	metrics.Subscribers.Inc()

	var once sync.Once
	return sub, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, sub)
			close(sub.ch)
			h.mu.Unlock()
			metrics.Subscribers.Dec()
		})
	}
}

// Dispatch pushes e to every matching subscriber that has room; the rest miss it.
func (h *Hub) Dispatch(e Event) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for sub := range h.subs {
		if !e.Audience.Includes(sub.actor) {
			continue
		}
		select {
		case sub.ch <- e:
			delivered++
		default:
			metrics.EventsDropped.Inc()
			h.log.Debugf("dropped %s for %s", e.Type, sub.actor.UserID)
		}
	}
	return delivered
}

// Run feeds the hub from broker until ctx is done.
func (h *Hub) Run(ctx context.Context, broker queue.Broker) error {
	msgs, err := broker.Subscribe(ctx)
	if err != nil {
		return err
	}
	for msg := range msgs {
		var e Event
		if err := json.Unmarshal(msg.Body, &e); err != nil {
			h.log.Warnf("decode event %q: %v", msg.Type, err)
			continue
		}
		h.Dispatch(e)
	}
	return ctx.Err()
}
