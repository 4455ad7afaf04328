package repository

import (
	"context"
	"fmt"

	"schoolgate/internal/domain"
)

type StudentPostgresRepository struct {
	execer Execer
}

func NewStudentPostgresRepository(execer Execer) *StudentPostgresRepository {
	return &StudentPostgresRepository{execer: execer}
}

func (r *StudentPostgresRepository) Get(ctx context.Context, id string) (*domain.Student, error) {
	const query = `
SELECT id, name, class_id, health_notes, photo_url, created_at
FROM students
WHERE id = $1
`
	var s domain.Student
	if err := r.execer.QueryRowContext(ctx, query, id).Scan(
		&s.ID, &s.Name, &s.ClassID, &s.HealthNotes, &s.PhotoURL, &s.CreatedAt,
	); err != nil {
		if noRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get student %s: %w", id, err)
	}

	ids, err := queryStrings(ctx, r.execer,
		`SELECT guardian_id FROM student_guardians WHERE student_id = $1 ORDER BY guardian_id`, id)
	if err != nil {
		return nil, fmt.Errorf("get guardians of %s: %w", id, err)
	}
	s.GuardianIDs = ids
	return &s, nil
}

type GuardianPostgresRepository struct {
	execer Execer
}

func NewGuardianPostgresRepository(execer Execer) *GuardianPostgresRepository {
	return &GuardianPostgresRepository{execer: execer}
}

func (r *GuardianPostgresRepository) Get(ctx context.Context, id string) (*domain.Guardian, error) {
	var g domain.Guardian
	err := r.execer.QueryRowContext(ctx,
		`SELECT id, display_name, photo_url FROM guardians WHERE id = $1`, id,
	).Scan(&g.ID, &g.DisplayName, &g.PhotoURL)
	if err != nil {
		if noRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get guardian %s: %w", id, err)
	}
	return &g, nil
}

type ClassPostgresRepository struct {
	execer Execer
}

func NewClassPostgresRepository(execer Execer) *ClassPostgresRepository {
	return &ClassPostgresRepository{execer: execer}
}

func (r *ClassPostgresRepository) Get(ctx context.Context, id string) (*domain.ClassRoster, error) {
	var c domain.ClassRoster
	err := r.execer.QueryRowContext(ctx, `SELECT id, name, mode FROM classes WHERE id = $1`, id).
		Scan(&c.ID, &c.Name, &c.Mode)
	if err != nil {
		if noRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get class %s: %w", id, err)
	}
	if err := r.fillMembers(ctx, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *ClassPostgresRepository) List(ctx context.Context) ([]domain.ClassRoster, error) {
	rows, err := r.execer.QueryContext(ctx, `SELECT id, name, mode FROM classes ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list classes: %w", err)
	}
	defer rows.Close()

	var classes []domain.ClassRoster
	for rows.Next() {
		var c domain.ClassRoster
		if err := rows.Scan(&c.ID, &c.Name, &c.Mode); err != nil {
			return nil, err
		}
		classes = append(classes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range classes {
		if err := r.fillMembers(ctx, &classes[i]); err != nil {
			return nil, err
		}
	}
	return classes, nil
}

func (r *ClassPostgresRepository) SetMode(ctx context.Context, id string, mode domain.ClassMode) (bool, error) {
	res, err := r.execer.ExecContext(ctx, `UPDATE classes SET mode = $2 WHERE id = $1`, id, mode)
	if err != nil {
		return false, fmt.Errorf("set mode of %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *ClassPostgresRepository) fillMembers(ctx context.Context, c *domain.ClassRoster) error {
	var err error
	if c.StudentIDs, err = queryStrings(ctx, r.execer,
		`SELECT id FROM students WHERE class_id = $1 ORDER BY id`, c.ID); err != nil {
		return fmt.Errorf("list students of %s: %w", c.ID, err)
	}
	if c.StaffIDs, err = queryStrings(ctx, r.execer,
		`SELECT user_id FROM class_staff WHERE class_id = $1 ORDER BY user_id`, c.ID); err != nil {
		return fmt.Errorf("list staff of %s: %w", c.ID, err)
	}
	return nil
}

func queryStrings(ctx context.Context, execer Execer, query string, args ...any) ([]string, error) {
	rows, err := execer.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
