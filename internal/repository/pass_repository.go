package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"schoolgate/internal/domain"
)

type PassPostgresRepository struct {
	execer Execer
}

func NewPassPostgresRepository(execer Execer) *PassPostgresRepository {
	return &PassPostgresRepository{execer: execer}
}

func (r *PassPostgresRepository) Create(ctx context.Context, p domain.GuardianPass) error {
	const query = `
INSERT INTO guardian_passes (token, student_id, guardian_id, guardian_name, purpose, issued_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`
	if _, err := r.execer.ExecContext(ctx, query,
		p.Token, p.StudentID, p.GuardianID, p.GuardianName, p.Purpose, p.IssuedAt, p.ExpiresAt,
	); err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("create pass for %s: %w", p.StudentID, err)
	}
	return nil
}

func (r *PassPostgresRepository) Get(ctx context.Context, token string) (*domain.GuardianPass, error) {
	const query = `
SELECT token, student_id, guardian_id, guardian_name, purpose, issued_at, expires_at, used_at, revoked_at
FROM guardian_passes
WHERE token = $1
`
	var p domain.GuardianPass
	var used, revoked sql.NullTime
	if err := r.execer.QueryRowContext(ctx, query, token).Scan(
		&p.Token, &p.StudentID, &p.GuardianID, &p.GuardianName, &p.Purpose,
		&p.IssuedAt, &p.ExpiresAt, &used, &revoked,
	); err != nil {
		if noRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get pass: %w", err)
	}
	p.UsedAt = nullTime(used)
	p.RevokedAt = nullTime(revoked)
	return &p, nil
}

func (r *PassPostgresRepository) MarkUsed(ctx context.Context, token string, at time.Time) error {
	res, err := r.execer.ExecContext(ctx, `
UPDATE guardian_passes SET used_at = $2
WHERE token = $1 AND used_at IS NULL AND revoked_at IS NULL
`, token, at)
	if err != nil {
		return fmt.Errorf("mark pass used: %w", err)
	}
	return expectOne(res)
}

func (r *PassPostgresRepository) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.execer.ExecContext(ctx, `DELETE FROM guardian_passes WHERE expires_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("purge passes: %w", err)
	}
	return res.RowsAffected()
}
