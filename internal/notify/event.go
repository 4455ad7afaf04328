// Package notify pushes real-time events to connected users and keeps their
// stored notifications. Push delivery is best-effort; stored notifications
// are written inside the caller's transaction.
package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"schoolgate/internal/domain"
	"schoolgate/internal/logging"
	"schoolgate/internal/metrics"
	"schoolgate/internal/queue"
)

type EventType string

const (
	QueueEntryAdded    EventType = "queue-entry-added"
	QueueEntryRemoved  EventType = "queue-entry-removed"
	AttendanceMarked   EventType = "attendance-marked"
	TransferCommitted  EventType = "transfer-committed"
	TransferDenied     EventType = "transfer-denied"
	OverridePending    EventType = "override-pending"
	OverrideApproved   EventType = "override-approved"
	AnnouncementPosted EventType = "announcement-posted"
)

// Audience selects who receives an event. A listed user always matches.
// Otherwise the actor's role must be listed (no roles means any role) and,
// when ClassID is set, the actor must belong to that class or be an admin.
// The zero Audience reaches everyone.
type Audience struct {
	UserIDs []string      `json:"user_ids,omitempty"`
	Roles   []domain.Role `json:"roles,omitempty"`
	ClassID string        `json:"class_id,omitempty"`
}

var staffRoles = []domain.Role{domain.RoleTeacher, domain.RoleAdmin}

// Staff is every teacher and admin of classID. staffIDs are the class's
// roster staff, who are reached whatever class their session carries.
func Staff(classID string, staffIDs ...string) Audience {
	return Audience{UserIDs: staffIDs, Roles: staffRoles, ClassID: classID}
}

// Users is exactly the listed users.
func Users(ids ...string) Audience {
	return Audience{UserIDs: ids}
}

// And merges the user lists of a and o. Role and class filters come from a.
func (a Audience) And(o Audience) Audience {
	a.UserIDs = append(append([]string(nil), a.UserIDs...), o.UserIDs...)
	return a
}

func (a Audience) Includes(actor domain.Actor) bool {
	for _, id := range a.UserIDs {
		if id != "" && id == actor.UserID {
			return true
		}
	}
	if len(a.UserIDs) > 0 && len(a.Roles) == 0 {
		return false
	}
	if len(a.Roles) > 0 && !hasRole(a.Roles, actor.Role) {
		return false
	}
	return a.ClassID == "" || a.ClassID == actor.ClassID || actor.IsAdmin()
}

func hasRole(roles []domain.Role, r domain.Role) bool {
	for _, role := range roles {
		if role == r {
			return true
		}
	}
	return false
}

// Event is one push message.
type Event struct {
	ID       string          `json:"id"`
	Type     EventType       `json:"type"`
	Payload  json.RawMessage `json:"payload"`
	Audience Audience        `json:"audience"`
	At       time.Time       `json:"at"`
}

// NewEvent wraps payload, which must be JSON-encodable.
func NewEvent(typ EventType, aud Audience, payload any) Event {
	body, err := json.Marshal(payload)
	if err != nil {
		body = []byte("null")
	}
	return Event{ID: uuid.NewString(), Type: typ, Payload: body, Audience: aud, At: time.Now().UTC()}
}

// Publisher sends events after the state they describe is committed.
type Publisher interface {
	Publish(ctx context.Context, events ...Event)
}

// BrokerPublisher publishes through a queue.Broker and never fails the caller.
type BrokerPublisher struct {
	broker queue.Broker
	log    logging.Logger
}

func NewBrokerPublisher(broker queue.Broker, log logging.Logger) *BrokerPublisher {
	return &BrokerPublisher{broker: broker, log: log}
}

func (p *BrokerPublisher) Publish(ctx context.Context, events ...Event) {
	for _, e := range events {
		body, err := json.Marshal(e)
		if err != nil {
			p.log.Errorf("encode event %s: %v", e.Type, err)
			continue
		}
		if err := p.broker.Publish(ctx, queue.Message{Type: string(e.Type), Body: body}); err != nil {
			p.log.Warnf("publish event %s: %v", e.Type, err)
			continue
		}
		metrics.EventsPublished.WithLabelValues(string(e.Type)).Inc()
	}
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, events ...Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
}

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types lists the published event types in order.
func (r *Recorder) Types() []EventType {
	var out []EventType
	for _, e := range r.Events() {
		out = append(out, e.Type)
	}
	return out
}
