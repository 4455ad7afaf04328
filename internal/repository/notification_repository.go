package repository

import (
	"context"
	"fmt"

	"schoolgate/internal/domain"
)

// NotificationPostgresRepository stores notifications once per audience and
// tracks read state per user in notification_reads.
type NotificationPostgresRepository struct {
	execer Execer
}

func NewNotificationPostgresRepository(execer Execer) *NotificationPostgresRepository {
	return &NotificationPostgresRepository{execer: execer}
}

// visibleTo mirrors domain.Notification.VisibleTo. Placeholders: $1 user id,
// $2 role, $3 class id, $4 is admin.
const visibleTo = `(
	n.recipient_id = $1
	OR (
		n.recipient_id = ''
		AND (n.recipient_role = '' OR n.recipient_role = $2)
		AND (
			n.class_id = '' OR n.class_id = $3 OR $4
			OR EXISTS (SELECT 1 FROM class_staff cs WHERE cs.class_id = n.class_id AND cs.user_id = $1)
		)
	)
)`

func (r *NotificationPostgresRepository) Insert(ctx context.Context, n domain.Notification) error {
	const query = `
INSERT INTO notifications (id, recipient_role, recipient_id, class_id, event_type, message, severity, related_id, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
`
	if _, err := r.execer.ExecContext(ctx, query,
		n.ID, n.RecipientRole, n.RecipientID, n.ClassID, n.EventType, n.Message, n.Severity, n.RelatedID, n.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert notification %s: %w", n.EventType, err)
	}
	return nil
}

func (r *NotificationPostgresRepository) ListFor(ctx context.Context, actor domain.Actor, limit int) ([]domain.Notification, error) {
	rows, err := r.execer.QueryContext(ctx, `
SELECT n.id, n.recipient_role, n.recipient_id, n.class_id, n.event_type, n.message, n.severity, n.related_id,
	EXISTS (SELECT 1 FROM notification_reads nr WHERE nr.notification_id = n.id AND nr.user_id = $1),
	n.created_at
FROM notifications n
WHERE `+visibleTo+`
ORDER BY n.created_at DESC
LIMIT $5
`, actor.UserID, actor.Role, actor.ClassID, actor.IsAdmin(), limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications for %s: %w", actor.UserID, err)
	}
	defer rows.Close()

	out := []domain.Notification{}
	for rows.Next() {
		var n domain.Notification
		if err := rows.Scan(
			&n.ID, &n.RecipientRole, &n.RecipientID, &n.ClassID, &n.EventType,
			&n.Message, &n.Severity, &n.RelatedID, &n.Read, &n.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (r *NotificationPostgresRepository) MarkRead(ctx context.Context, actor domain.Actor, id string) (bool, error) {
	res, err := r.execer.ExecContext(ctx, `
INSERT INTO notification_reads (notification_id, user_id, read_at)
SELECT n.id, $1, now()
FROM notifications n
WHERE n.id = $5 AND `+visibleTo+`
ON CONFLICT (notification_id, user_id) DO NOTHING
`, actor.UserID, actor.Role, actor.ClassID, actor.IsAdmin(), id)
	if err != nil {
		return false, fmt.Errorf("mark notification %s read: %w", id, err)
	}
	if n, err := res.RowsAffected(); err != nil || n > 0 {
		return n > 0, err
	}

	// Already read counts as found.
	var found bool
	if err := r.execer.QueryRowContext(ctx, `
SELECT EXISTS (SELECT 1 FROM notifications n WHERE n.id = $5 AND `+visibleTo+`)
`, actor.UserID, actor.Role, actor.ClassID, actor.IsAdmin(), id).Scan(&found); err != nil {
		return false, fmt.Errorf("lookup notification %s: %w", id, err)
	}
	return found, nil
}

func (r *NotificationPostgresRepository) MarkAllRead(ctx context.Context, actor domain.Actor) (int64, error) {
	res, err := r.execer.ExecContext(ctx, `
INSERT INTO notification_reads (notification_id, user_id, read_at)
SELECT n.id, $1, now()
FROM notifications n
WHERE `+visibleTo+`
ON CONFLICT (notification_id, user_id) DO NOTHING
`, actor.UserID, actor.Role, actor.ClassID, actor.IsAdmin())
	if err != nil {
		return 0, fmt.Errorf("clear notifications for %s: %w", actor.UserID, err)
	}
	return res.RowsAffected()
}
