package repository

import (
	"context"
	"fmt"

	"schoolgate/internal/domain"
)

type QueuePostgresRepository struct {
	execer Execer
}

func NewQueuePostgresRepository(execer Execer) *QueuePostgresRepository {
	return &QueuePostgresRepository{execer: execer}
}

const queueColumns = `
id, student_id, student_name, guardian_id, guardian_name, guardian_photo_url,
class_id, entry_date::text, mode, status, pending_approval, updated_at`

func (r *QueuePostgresRepository) Get(ctx context.Context, studentID, date string, mode domain.ClassMode) (*domain.QueueEntry, error) {
	row := r.execer.QueryRowContext(ctx, `
SELECT`+queueColumns+`
FROM queue_entries
WHERE student_id = $1 AND entry_date = $2 AND mode = $3
`, studentID, date, mode)
	e, err := scanEntry(row)
	if err != nil {
		if noRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get queue entry %s/%s/%s: %w", studentID, date, mode, err)
	}
	return &e, nil
}

func (r *QueuePostgresRepository) Upsert(ctx context.Context, e domain.QueueEntry) (domain.QueueEntry, bool, error) {
	row := r.execer.QueryRowContext(ctx, `
INSERT INTO queue_entries (
	id, student_id, student_name, guardian_id, guardian_name, guardian_photo_url,
	class_id, entry_date, mode, status, pending_approval, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, false, $11)
ON CONFLICT (student_id, entry_date, mode)
DO UPDATE SET
	student_name = EXCLUDED.student_name,
	guardian_id = EXCLUDED.guardian_id,
	guardian_name = EXCLUDED.guardian_name,
	guardian_photo_url = EXCLUDED.guardian_photo_url,
	class_id = EXCLUDED.class_id,
	status = EXCLUDED.status,
	updated_at = EXCLUDED.updated_at
WHERE queue_entries.status <> 'completed'
RETURNING`+queueColumns+`, (xmax = 0) AS inserted
`,
		e.ID, e.StudentID, e.StudentName, e.GuardianID, e.GuardianName, e.GuardianPhotoURL,
		e.ClassID, e.Date, e.Mode, e.Status, e.UpdatedAt,
	)

	var inserted bool
	out, err := scanEntry(row, &inserted)
	if err != nil {
		if noRows(err) {
			return domain.QueueEntry{}, false, ErrConflict
		}
		return domain.QueueEntry{}, false, fmt.Errorf("upsert queue entry %s: %w", e.StudentID, err)
	}
	return out, inserted, nil
}

func (r *QueuePostgresRepository) Complete(ctx context.Context, e domain.QueueEntry) (domain.QueueEntry, error) {
	row := r.execer.QueryRowContext(ctx, `
INSERT INTO queue_entries (
	id, student_id, student_name, guardian_id, guardian_name, guardian_photo_url,
	class_id, entry_date, mode, status, pending_approval, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 'completed', $10, $11)
ON CONFLICT (student_id, entry_date, mode)
DO UPDATE SET
	status = 'completed',
	pending_approval = queue_entries.pending_approval OR EXCLUDED.pending_approval,
	updated_at = EXCLUDED.updated_at
WHERE queue_entries.status <> 'completed'
RETURNING`+queueColumns+`
`,
		e.ID, e.StudentID, e.StudentName, e.GuardianID, e.GuardianName, e.GuardianPhotoURL,
		e.ClassID, e.Date, e.Mode, e.PendingApproval, e.UpdatedAt,
	)
	out, err := scanEntry(row)
	if err != nil {
		if noRows(err) {
			return domain.QueueEntry{}, ErrConflict
		}
		return domain.QueueEntry{}, fmt.Errorf("complete queue entry %s: %w", e.StudentID, err)
	}
	return out, nil
}

func (r *QueuePostgresRepository) ListActive(ctx context.Context, classID, date string, mode domain.ClassMode) ([]domain.QueueEntry, error) {
	rows, err := r.execer.QueryContext(ctx, `
SELECT`+queueColumns+`
FROM queue_entries
WHERE class_id = $1 AND entry_date = $2 AND mode = $3 AND status <> 'completed'
ORDER BY updated_at ASC
`, classID, date, mode)
	if err != nil {
		return nil, fmt.Errorf("list queue %s/%s: %w", classID, date, err)
	}
	defer rows.Close()

	entries := []domain.QueueEntry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (r *QueuePostgresRepository) DeleteOpen(ctx context.Context, studentID, date string) ([]domain.QueueEntry, error) {
	rows, err := r.execer.QueryContext(ctx, `
DELETE FROM queue_entries
WHERE student_id = $1 AND entry_date = $2 AND status <> 'completed'
RETURNING`+queueColumns+`
`, studentID, date)
	if err != nil {
		return nil, fmt.Errorf("delete queue entries %s: %w", studentID, err)
	}
	defer rows.Close()

	var removed []domain.QueueEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		removed = append(removed, e)
	}
	return removed, rows.Err()
}

func (r *QueuePostgresRepository) ClearPendingApproval(ctx context.Context, studentID, date string, mode domain.ClassMode) error {
	_, err := r.execer.ExecContext(ctx, `
UPDATE queue_entries SET pending_approval = false
WHERE student_id = $1 AND entry_date = $2 AND mode = $3
`, studentID, date, mode)
	if err != nil {
		return fmt.Errorf("clear queue approval marker %s: %w", studentID, err)
	}
	return nil
}

func scanEntry(row rowScanner, extra ...any) (domain.QueueEntry, error) {
	var e domain.QueueEntry
	dest := []any{
		&e.ID,
		&e.StudentID,
		&e.StudentName,
		&e.GuardianID,
		&e.GuardianName,
		&e.GuardianPhotoURL,
		&e.ClassID,
		&e.Date,
		&e.Mode,
		&e.Status,
		&e.PendingApproval,
		&e.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return domain.QueueEntry{}, err
	}
	return e, nil
}
