// Package repository persists the school day: rosters, attendance sheets,
// the arrival queue, guardian passes, transfers and notifications.
//
// Lookups return (nil, nil) when a row does not exist. Uniqueness violations
// and guarded updates that matched no row return ErrConflict.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"schoolgate/internal/domain"
)

// ErrConflict reports a unique-key collision or a guarded update that lost a race.
var ErrConflict = errors.New("conflict")

// Execer is satisfied by both *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type StudentRepository interface {
	Get(ctx context.Context, id string) (*domain.Student, error)
}

type GuardianRepository interface {
	Get(ctx context.Context, id string) (*domain.Guardian, error)
}

type ClassRepository interface {
	Get(ctx context.Context, id string) (*domain.ClassRoster, error)
	List(ctx context.Context) ([]domain.ClassRoster, error)
	SetMode(ctx context.Context, id string, mode domain.ClassMode) (bool, error)
}

// ArrivalWrite sets the arrival field-set of a record, inserting it if needed.
type ArrivalWrite struct {
	SheetID         string
	StudentID       string
	Status          domain.AttendanceStatus
	ArrivalTime     *time.Time
	PendingApproval bool
	At              time.Time
}

// DismissalWrite sets the dismissal field-set of a record, inserting it if needed.
type DismissalWrite struct {
	SheetID          string
	StudentID        string
	DismissalTime    time.Time
	AuthorizedPerson string
	PendingApproval  bool
	At               time.Time
}

type SheetRepository interface {
	GetByClassDate(ctx context.Context, classID, date string) (*domain.AttendanceSheet, error)
	// Create inserts the sheet and its records. ErrConflict if (class, date) already exists.
	Create(ctx context.Context, sheet domain.AttendanceSheet) error
	FindRecord(ctx context.Context, studentID, date string) (*domain.AttendanceRecord, error)
	WriteArrival(ctx context.Context, w ArrivalWrite) (domain.AttendanceRecord, error)
	WriteDismissal(ctx context.Context, w DismissalWrite) (domain.AttendanceRecord, error)
	ClearPendingApproval(ctx context.Context, studentID, date string) error
}

type QueueRepository interface {
	Get(ctx context.Context, studentID, date string, mode domain.ClassMode) (*domain.QueueEntry, error)
	// Upsert writes an open entry keyed by (student, date, mode). ErrConflict if
	// the existing entry is already completed.
	Upsert(ctx context.Context, e domain.QueueEntry) (domain.QueueEntry, bool, error)
	// Complete marks the keyed entry completed, creating it if absent.
	// ErrConflict if it was already completed.
	Complete(ctx context.Context, e domain.QueueEntry) (domain.QueueEntry, error)
	ListActive(ctx context.Context, classID, date string, mode domain.ClassMode) ([]domain.QueueEntry, error)
	DeleteOpen(ctx context.Context, studentID, date string) ([]domain.QueueEntry, error)
	ClearPendingApproval(ctx context.Context, studentID, date string, mode domain.ClassMode) error
}

type PassRepository interface {
	Create(ctx context.Context, p domain.GuardianPass) error
	Get(ctx context.Context, token string) (*domain.GuardianPass, error)
	// MarkUsed spends an unspent pass. ErrConflict if it was already spent.
	MarkUsed(ctx context.Context, token string, at time.Time) error
	PurgeExpired(ctx context.Context, before time.Time) (int64, error)
}

type TransferRepository interface {
	// Create inserts t. ErrConflict if a transfer already exists for t.PassToken.
	Create(ctx context.Context, t domain.Transfer) error
	Get(ctx context.Context, id string) (*domain.Transfer, error)
	GetByPass(ctx context.Context, token string) (*domain.Transfer, error)
	// Decide moves a pending transfer to t.State. ErrConflict if it is no longer pending.
	Decide(ctx context.Context, t domain.Transfer) error
	// Approve clears an awaiting override. ErrConflict if it is not awaiting.
	Approve(ctx context.Context, id, adminID string, at time.Time) error
	ListAwaitingApproval(ctx context.Context) ([]domain.Transfer, error)
}

type NotificationRepository interface {
	Insert(ctx context.Context, n domain.Notification) error
	ListFor(ctx context.Context, actor domain.Actor, limit int) ([]domain.Notification, error)
	MarkRead(ctx context.Context, actor domain.Actor, id string) (bool, error)
	MarkAllRead(ctx context.Context, actor domain.Actor) (int64, error)
}

// Repos is the set of repositories bound to one transaction.
type Repos struct {
	Students      StudentRepository
	Guardians     GuardianRepository
	Classes       ClassRepository
	Sheets        SheetRepository
	Queue         QueueRepository
	Passes        PassRepository
	Transfers     TransferRepository
	Notifications NotificationRepository
}

// TxManager runs fn with repositories bound to a single transaction. If fn
// returns an error nothing it wrote is kept.
type TxManager interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, repos Repos) error) error
}
