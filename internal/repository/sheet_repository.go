package repository

import (
	"context"
	"database/sql"
	"fmt"

	"schoolgate/internal/domain"
)

type SheetPostgresRepository struct {
	execer Execer
}

func NewSheetPostgresRepository(execer Execer) *SheetPostgresRepository {
	return &SheetPostgresRepository{execer: execer}
}

const recordColumns = `
r.sheet_id, s.class_id, s.sheet_date::text, r.student_id, r.status,
r.arrival_time, r.dismissal_time, r.authorized_pickup_person, r.pending_approval, r.updated_at`

func (r *SheetPostgresRepository) GetByClassDate(ctx context.Context, classID, date string) (*domain.AttendanceSheet, error) {
	const query = `
SELECT id, class_id, sheet_date::text, created_at
FROM attendance_sheets
WHERE class_id = $1 AND sheet_date = $2
`
	var sheet domain.AttendanceSheet
	if err := r.execer.QueryRowContext(ctx, query, classID, date).Scan(
		&sheet.ID, &sheet.ClassID, &sheet.Date, &sheet.CreatedAt,
	); err != nil {
		if noRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get sheet %s/%s: %w", classID, date, err)
	}

	rows, err := r.execer.QueryContext(ctx, `
SELECT`+recordColumns+`
FROM attendance_records r
JOIN attendance_sheets s ON s.id = r.sheet_id
WHERE r.sheet_id = $1
ORDER BY r.student_id ASC
`, sheet.ID)
	if err != nil {
		return nil, fmt.Errorf("list records of sheet %s: %w", sheet.ID, err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		sheet.Records = append(sheet.Records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &sheet, nil
}

func (r *SheetPostgresRepository) Create(ctx context.Context, sheet domain.AttendanceSheet) error {
	const query = `
INSERT INTO attendance_sheets (id, class_id, sheet_date, created_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (class_id, sheet_date) DO NOTHING
RETURNING id
`
	var id string
	if err := r.execer.QueryRowContext(ctx, query, sheet.ID, sheet.ClassID, sheet.Date, sheet.CreatedAt).Scan(&id); err != nil {
		if noRows(err) || isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("create sheet %s/%s: %w", sheet.ClassID, sheet.Date, err)
	}

	const insertRecord = `
INSERT INTO attendance_records (sheet_id, student_id, status, updated_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (sheet_id, student_id) DO NOTHING
`
	for _, rec := range sheet.Records {
		if _, err := r.execer.ExecContext(ctx, insertRecord, sheet.ID, rec.StudentID, rec.Status, rec.UpdatedAt); err != nil {
			return fmt.Errorf("create record %s on sheet %s: %w", rec.StudentID, sheet.ID, err)
		}
	}
	return nil
}

func (r *SheetPostgresRepository) FindRecord(ctx context.Context, studentID, date string) (*domain.AttendanceRecord, error) {
	row := r.execer.QueryRowContext(ctx, `
SELECT`+recordColumns+`
FROM attendance_records r
JOIN attendance_sheets s ON s.id = r.sheet_id
WHERE r.student_id = $1 AND s.sheet_date = $2
ORDER BY r.updated_at DESC
LIMIT 1
`, studentID, date)
	rec, err := scanRecord(row)
	if err != nil {
		if noRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("find record %s/%s: %w", studentID, date, err)
	}
	return &rec, nil
}

func (r *SheetPostgresRepository) WriteArrival(ctx context.Context, w ArrivalWrite) (domain.AttendanceRecord, error) {
	const query = `
INSERT INTO attendance_records (sheet_id, student_id, status, arrival_time, pending_approval, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (sheet_id, student_id)
DO UPDATE SET
	status = EXCLUDED.status,
	arrival_time = EXCLUDED.arrival_time,
	pending_approval = attendance_records.pending_approval OR EXCLUDED.pending_approval,
	updated_at = EXCLUDED.updated_at
`
	if _, err := r.execer.ExecContext(ctx, query,
		w.SheetID, w.StudentID, w.Status, w.ArrivalTime, w.PendingApproval, w.At,
	); err != nil {
		return domain.AttendanceRecord{}, fmt.Errorf("write arrival %s: %w", w.StudentID, err)
	}
	return r.getRecord(ctx, w.SheetID, w.StudentID)
}

func (r *SheetPostgresRepository) WriteDismissal(ctx context.Context, w DismissalWrite) (domain.AttendanceRecord, error) {
	const query = `
INSERT INTO attendance_records (sheet_id, student_id, status, dismissal_time, authorized_pickup_person, pending_approval, updated_at)
VALUES ($1, $2, 'absent', $3, $4, $5, $6)
ON CONFLICT (sheet_id, student_id)
DO UPDATE SET
	dismissal_time = EXCLUDED.dismissal_time,
	authorized_pickup_person = EXCLUDED.authorized_pickup_person,
	pending_approval = attendance_records.pending_approval OR EXCLUDED.pending_approval,
	updated_at = EXCLUDED.updated_at
`
	if _, err := r.execer.ExecContext(ctx, query,
		w.SheetID, w.StudentID, w.DismissalTime, w.AuthorizedPerson, w.PendingApproval, w.At,
	); err != nil {
		return domain.AttendanceRecord{}, fmt.Errorf("write dismissal %s: %w", w.StudentID, err)
	}
	return r.getRecord(ctx, w.SheetID, w.StudentID)
}

func (r *SheetPostgresRepository) ClearPendingApproval(ctx context.Context, studentID, date string) error {
	_, err := r.execer.ExecContext(ctx, `
UPDATE attendance_records r
SET pending_approval = false, updated_at = now()
FROM attendance_sheets s
WHERE r.sheet_id = s.id AND r.student_id = $1 AND s.sheet_date = $2
`, studentID, date)
	if err != nil {
		return fmt.Errorf("clear approval marker %s/%s: %w", studentID, date, err)
	}
	return nil
}

func (r *SheetPostgresRepository) getRecord(ctx context.Context, sheetID, studentID string) (domain.AttendanceRecord, error) {
	row := r.execer.QueryRowContext(ctx, `
SELECT`+recordColumns+`
FROM attendance_records r
JOIN attendance_sheets s ON s.id = r.sheet_id
WHERE r.sheet_id = $1 AND r.student_id = $2
`, sheetID, studentID)
	rec, err := scanRecord(row)
	if err != nil {
		return domain.AttendanceRecord{}, fmt.Errorf("read record %s: %w", studentID, err)
	}
	return rec, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (domain.AttendanceRecord, error) {
	var rec domain.AttendanceRecord
	var arrival, dismissal sql.NullTime
	if err := row.Scan(
		&rec.SheetID,
		&rec.ClassID,
		&rec.Date,
		&rec.StudentID,
		&rec.Status,
		&arrival,
		&dismissal,
		&rec.AuthorizedPickupPerson,
		&rec.PendingApproval,
		&rec.UpdatedAt,
	); err != nil {
		return domain.AttendanceRecord{}, err
	}
	rec.ArrivalTime = nullTime(arrival)
	rec.DismissalTime = nullTime(dismissal)
	return rec, nil
}
