package notify

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"schoolgate/internal/domain"
	"schoolgate/internal/repository"
)

const defaultListLimit = 50

// Service manages stored notifications.
type Service struct {
	tx    repository.TxManager
	pub   Publisher
	clock func() time.Time
}

func NewService(tx repository.TxManager, pub Publisher, clock func() time.Time) *Service {
	if clock == nil {
		clock = time.Now
	}
	return &Service{tx: tx, pub: pub, clock: clock}
}

// List returns the actor's notifications, newest first.
func (s *Service) List(ctx context.Context, actor domain.Actor, limit int) ([]domain.Notification, error) {
	if limit <= 0 || limit > 200 {
		limit = defaultListLimit
	}
	var out []domain.Notification
	err := s.tx.WithTx(ctx, func(ctx context.Context, r repository.Repos) error {
		var err error
		out, err = r.Notifications.ListFor(ctx, actor, limit)
		return err
	})
	if err != nil {
		return nil, domain.Wrap(err)
	}
	return out, nil
}

func (s *Service) MarkRead(ctx context.Context, actor domain.Actor, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return domain.NotFound(domain.CodeUnknownNotice, "unknown notification")
	}
	var found bool
	err := s.tx.WithTx(ctx, func(ctx context.Context, r repository.Repos) error {
		var err error
		found, err = r.Notifications.MarkRead(ctx, actor, id)
		return err
	})
	if err != nil {
		return domain.Wrap(err)
	}
	if !found {
		return domain.NotFound(domain.CodeUnknownNotice, "unknown notification")
	}
	return nil
}

// Clear marks everything the actor can see as read and reports how many changed.
func (s *Service) Clear(ctx context.Context, actor domain.Actor) (int64, error) {
	var n int64
	err := s.tx.WithTx(ctx, func(ctx context.Context, r repository.Repos) error {
		var err error
		n, err = r.Notifications.MarkAllRead(ctx, actor)
		return err
	})
	return n, domain.Wrap(err)
}

// Announcement is a message staff post to a class, a role or the whole school.
type Announcement struct {
	Message  string
	ClassID  string
	Role     domain.Role
	Severity domain.Severity
}

// Announce stores an announcement and pushes it to the audience it names.
// Teachers may only address their own classes.
func (s *Service) Announce(ctx context.Context, actor domain.Actor, a Announcement) (domain.Notification, error) {
	if !actor.IsStaff() {
		return domain.Notification{}, domain.Forbidden(domain.CodeRoleRequired, "only staff can post announcements")
	}
	msg := strings.TrimSpace(a.Message)
	if msg == "" {
		return domain.Notification{}, domain.Validation(domain.CodeMissingField, "message is required")
	}
	if a.Role != "" {
		if _, ok := domain.ParseRole(string(a.Role)); !ok {
			return domain.Notification{}, domain.Validation(domain.CodeInvalidValue, "unknown role")
		}
	}
	switch a.Severity {
	case "":
		a.Severity = domain.SeverityInfo
	case domain.SeverityInfo, domain.SeverityWarning, domain.SeverityCritical:
	default:
		return domain.Notification{}, domain.Validation(domain.CodeInvalidValue, "unknown severity")
	}
	if !actor.IsAdmin() && a.ClassID == "" {
		if actor.ClassID == "" {
			return domain.Notification{}, domain.Forbidden(domain.CodeRoleRequired, "only an administrator can address the whole school")
		}
		a.ClassID = actor.ClassID
	}

	n := domain.Notification{
		ID:            uuid.NewString(),
		RecipientRole: a.Role,
		ClassID:       a.ClassID,
		EventType:     string(AnnouncementPosted),
		Message:       msg,
		Severity:      a.Severity,
		CreatedAt:     s.clock(),
	}
	err := s.tx.WithTx(ctx, func(ctx context.Context, r repository.Repos) error {
		if a.ClassID != "" {
			class, err := r.Classes.Get(ctx, a.ClassID)
			if err != nil {
				return err
			}
			if err := domain.CheckStaff(actor, class); err != nil {
				return err
			}
		}
		return r.Notifications.Insert(ctx, n)
	})
	if err != nil {
		return domain.Notification{}, domain.Wrap(err)
	}

	aud := Audience{ClassID: a.ClassID}
	if a.Role != "" {
		aud.Roles = []domain.Role{a.Role}
	}
	s.pub.Publish(ctx, NewEvent(AnnouncementPosted, aud, n))
	return n, nil
}
