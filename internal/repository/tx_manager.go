package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

type PostgresTxManager struct {
	db *sql.DB
}

func NewPostgresTxManager(db *sql.DB) *PostgresTxManager {
	return &PostgresTxManager{db: db}
}

func (m *PostgresTxManager) WithTx(ctx context.Context, fn func(ctx context.Context, repos Repos) error) error {
	tx, err := m.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}

	if err := fn(ctx, postgresRepos(tx)); err != nil {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return errors.Join(err, rollbackErr)
		}
		return err
	}

	return tx.Commit()
}

func postgresRepos(execer Execer) Repos {
	return Repos{
		Students:      NewStudentPostgresRepository(execer),
		Guardians:     NewGuardianPostgresRepository(execer),
		Classes:       NewClassPostgresRepository(execer),
		Sheets:        NewSheetPostgresRepository(execer),
		Queue:         NewQueuePostgresRepository(execer),
		Passes:        NewPassPostgresRepository(execer),
		Transfers:     NewTransferPostgresRepository(execer),
		Notifications: NewNotificationPostgresRepository(execer),
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func noRows(err error) bool { return errors.Is(err, sql.ErrNoRows) }

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
