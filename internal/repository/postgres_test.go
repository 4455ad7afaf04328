package repository

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schoolgate/internal/domain"
	"schoolgate/internal/store"
	"schoolgate/migrations"
)

// Runs against a scratch database only when TEST_DATABASE_URL is set.
func postgresTx(t *testing.T) *PostgresTxManager {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	db, err := store.NewDB(ctx, dsn, store.Pool{MaxOpenConns: 4})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, migrations.Up(ctx, db.Client))

	for _, stmt := range []string{
		`TRUNCATE notification_reads, notifications, transfers, guardian_passes, queue_entries,
			attendance_records, attendance_sheets, student_guardians, students, class_staff, classes, guardians`,
		`INSERT INTO classes (id, name, mode) VALUES ('K-A', 'Kinder A', 'dropoff')`,
		`INSERT INTO class_staff (class_id, user_id) VALUES ('K-A', 'teacher-1')`,
		`INSERT INTO guardians (id, display_name) VALUES ('g-1', 'Jane Doe')`,
		`INSERT INTO students (id, name, class_id) VALUES ('2025-001', 'Ana', 'K-A')`,
		`INSERT INTO student_guardians (student_id, guardian_id) VALUES ('2025-001', 'g-1')`,
	} {
		_, err := db.Client.ExecContext(ctx, stmt)
		require.NoError(t, err)
	}
	return NewPostgresTxManager(db.Client)
}

func TestPostgresSheetConflictAndRecords(t *testing.T) {
	tx := postgresTx(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	sheetID := uuid.NewString()
	require.NoError(t, tx.WithTx(ctx, func(ctx context.Context, r Repos) error {
		return r.Sheets.Create(ctx, domain.AttendanceSheet{
			ID: sheetID, ClassID: "K-A", Date: "2025-06-01", CreatedAt: now,
			Records: []domain.AttendanceRecord{{StudentID: "2025-001", Status: domain.StatusAbsent, UpdatedAt: now}},
		})
	}))

	err := tx.WithTx(ctx, func(ctx context.Context, r Repos) error {
		return r.Sheets.Create(ctx, domain.AttendanceSheet{ID: uuid.NewString(), ClassID: "K-A", Date: "2025-06-01", CreatedAt: now})
	})
	assert.ErrorIs(t, err, ErrConflict)

	require.NoError(t, tx.WithTx(ctx, func(ctx context.Context, r Repos) error {
		rec, err := r.Sheets.WriteDismissal(ctx, DismissalWrite{SheetID: sheetID, StudentID: "2025-001", DismissalTime: now, AuthorizedPerson: "Jane Doe", At: now})
		require.NoError(t, err)
		assert.Equal(t, domain.StatusAbsent, rec.Status)
		assert.Equal(t, "Jane Doe", rec.AuthorizedPickupPerson)
		assert.Equal(t, "2025-06-01", rec.Date)

		sheet, err := r.Sheets.GetByClassDate(ctx, "K-A", "2025-06-01")
		require.NoError(t, err)
		require.NotNil(t, sheet)
		assert.Len(t, sheet.Records, 1)
		return nil
	}))
}

func TestPostgresQueueCompletedIsTerminal(t *testing.T) {
	tx := postgresTx(t)
	ctx := context.Background()
	now := time.Now().UTC()

	e := domain.QueueEntry{ID: uuid.NewString(), StudentID: "2025-001", StudentName: "Ana", GuardianName: "Jane Doe", ClassID: "K-A", Date: "2025-06-01", Mode: domain.ModeDropoff, Status: domain.QueueOnTheWay, UpdatedAt: now}
	require.NoError(t, tx.WithTx(ctx, func(ctx context.Context, r Repos) error {
		_, created, err := r.Queue.Upsert(ctx, e)
		require.NoError(t, err)
		assert.True(t, created)

		e.ID = uuid.NewString()
		_, created, err = r.Queue.Upsert(ctx, e)
		require.NoError(t, err)
		assert.False(t, created)

		_, err = r.Queue.Complete(ctx, e)
		return err
	}))

	err := tx.WithTx(ctx, func(ctx context.Context, r Repos) error {
		_, _, err := r.Queue.Upsert(ctx, e)
		return err
	})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestPostgresRosterLookups(t *testing.T) {
	tx := postgresTx(t)
	require.NoError(t, tx.WithTx(context.Background(), func(ctx context.Context, r Repos) error {
		s, err := r.Students.Get(ctx, "2025-001")
		require.NoError(t, err)
		require.NotNil(t, s)
		assert.Equal(t, []string{"g-1"}, s.GuardianIDs)

		c, err := r.Classes.Get(ctx, "K-A")
		require.NoError(t, err)
		assert.Equal(t, []string{"2025-001"}, c.StudentIDs)

		ok, err := r.Classes.SetMode(ctx, "K-A", domain.ModeDismissal)
		require.NoError(t, err)
		assert.True(t, ok)
		return nil
	}))
}

func TestPostgresClassNotificationReachesRosterStaff(t *testing.T) {
	tx := postgresTx(t)
	require.NoError(t, tx.WithTx(context.Background(), func(ctx context.Context, r Repos) error {
		n := domain.Notification{ID: uuid.NewString(), RecipientRole: domain.RoleTeacher, ClassID: "K-A", EventType: "transfer-committed", Message: "Ana dropped off", Severity: domain.SeverityInfo, CreatedAt: time.Now()}
		require.NoError(t, r.Notifications.Insert(ctx, n))

		list, err := r.Notifications.ListFor(ctx, domain.Actor{UserID: "teacher-1", Role: domain.RoleTeacher}, 10)
		require.NoError(t, err)
		assert.Len(t, list, 1)

		list, err = r.Notifications.ListFor(ctx, domain.Actor{UserID: "teacher-5", Role: domain.RoleTeacher}, 10)
		require.NoError(t, err)
		assert.Empty(t, list)
		return nil
	}))
}
