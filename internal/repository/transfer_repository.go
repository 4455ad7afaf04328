package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"schoolgate/internal/domain"
)

type TransferPostgresRepository struct {
	execer Execer
}

func NewTransferPostgresRepository(execer Execer) *TransferPostgresRepository {
	return &TransferPostgresRepository{execer: execer}
}

const transferColumns = `
id, COALESCE(pass_token, ''), student_id, class_id, guardian_id, guardian_name, purpose, mode,
transfer_date::text, state, override, approval, requested_by, decided_by, approved_by, reason,
created_at, decided_at, approved_at`

func (r *TransferPostgresRepository) Create(ctx context.Context, t domain.Transfer) error {
	const query = `
INSERT INTO transfers (
	id, pass_token, student_id, class_id, guardian_id, guardian_name, purpose, mode,
	transfer_date, state, override, approval, requested_by, decided_by, reason, created_at, decided_at
) VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
`
	if _, err := r.execer.ExecContext(ctx, query,
		t.ID, t.PassToken, t.StudentID, t.ClassID, t.GuardianID, t.GuardianName, t.Purpose, t.Mode,
		t.Date, t.State, t.Override, t.Approval, t.RequestedBy, t.DecidedBy, t.Reason, t.CreatedAt, t.DecidedAt,
	); err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("create transfer for %s: %w", t.StudentID, err)
	}
	return nil
}

func (r *TransferPostgresRepository) Get(ctx context.Context, id string) (*domain.Transfer, error) {
	row := r.execer.QueryRowContext(ctx, `SELECT`+transferColumns+` FROM transfers WHERE id = $1`, id)
	return r.one(row, "get transfer "+id)
}

func (r *TransferPostgresRepository) GetByPass(ctx context.Context, token string) (*domain.Transfer, error) {
	row := r.execer.QueryRowContext(ctx, `SELECT`+transferColumns+` FROM transfers WHERE pass_token = $1`, token)
	return r.one(row, "get transfer by pass")
}

func (r *TransferPostgresRepository) one(row *sql.Row, op string) (*domain.Transfer, error) {
	t, err := scanTransfer(row)
	if err != nil {
		if noRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &t, nil
}

func (r *TransferPostgresRepository) Decide(ctx context.Context, t domain.Transfer) error {
	res, err := r.execer.ExecContext(ctx, `
UPDATE transfers
SET state = $2, approval = $3, decided_by = $4, decided_at = $5, reason = $6
WHERE id = $1 AND state = 'pending'
`, t.ID, t.State, t.Approval, t.DecidedBy, t.DecidedAt, t.Reason)
	if err != nil {
		return fmt.Errorf("decide transfer %s: %w", t.ID, err)
	}
	return expectOne(res)
}

func (r *TransferPostgresRepository) Approve(ctx context.Context, id, adminID string, at time.Time) error {
	res, err := r.execer.ExecContext(ctx, `
UPDATE transfers
SET approval = 'approved', approved_by = $2, approved_at = $3
WHERE id = $1 AND approval = 'awaiting'
`, id, adminID, at)
	if err != nil {
		return fmt.Errorf("approve transfer %s: %w", id, err)
	}
	return expectOne(res)
}

func (r *TransferPostgresRepository) ListAwaitingApproval(ctx context.Context) ([]domain.Transfer, error) {
	rows, err := r.execer.QueryContext(ctx, `
SELECT`+transferColumns+`
FROM transfers
WHERE approval = 'awaiting'
ORDER BY created_at ASC
`)
	if err != nil {
		return nil, fmt.Errorf("list awaiting transfers: %w", err)
	}
	defer rows.Close()

	out := []domain.Transfer{}
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTransfer(row rowScanner) (domain.Transfer, error) {
	var t domain.Transfer
	var decided, approved sql.NullTime
	if err := row.Scan(
		&t.ID,
		&t.PassToken,
		&t.StudentID,
		&t.ClassID,
		&t.GuardianID,
		&t.GuardianName,
		&t.Purpose,
		&t.Mode,
		&t.Date,
		&t.State,
		&t.Override,
		&t.Approval,
		&t.RequestedBy,
		&t.DecidedBy,
		&t.ApprovedBy,
		&t.Reason,
		&t.CreatedAt,
		&decided,
		&approved,
	); err != nil {
		return domain.Transfer{}, err
	}
	t.DecidedAt = nullTime(decided)
	t.ApprovedAt = nullTime(approved)
	return t, nil
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}
