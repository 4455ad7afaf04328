package repository

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schoolgate/internal/domain"
)

var t0 = time.Date(2025, 6, 1, 7, 45, 0, 0, time.UTC)

func seeded() *Memory {
	m := NewMemory()
	m.PutClass(domain.ClassRoster{ID: "K-A", Name: "Kinder A", StaffIDs: []string{"teacher-1"}, Mode: domain.ModeDropoff})
	m.PutGuardian(domain.Guardian{ID: "g-1", DisplayName: "Jane Doe"})
	m.PutStudent(domain.Student{ID: "2025-001", Name: "Ana", ClassID: "K-A", GuardianIDs: []string{"g-1"}})
	m.PutStudent(domain.Student{ID: "2025-002", Name: "Ben", ClassID: "K-A"})
	return m
}

func TestMemoryClassMembershipFollowsStudents(t *testing.T) {
	m := seeded()
	err := m.WithTx(context.Background(), func(ctx context.Context, r Repos) error {
		c, err := r.Classes.Get(ctx, "K-A")
		require.NoError(t, err)
		require.NotNil(t, c)
		assert.Equal(t, []string{"2025-001", "2025-002"}, c.StudentIDs)
		assert.True(t, c.HasStaff("teacher-1"))

		missing, err := r.Classes.Get(ctx, "K-Z")
		assert.NoError(t, err)
		assert.Nil(t, missing)
		return nil
	})
	require.NoError(t, err)
}

func TestMemoryRollbackDiscardsWrites(t *testing.T) {
	m := seeded()
	ctx := context.Background()
	boom := errors.New("boom")

	err := m.WithTx(ctx, func(ctx context.Context, r Repos) error {
		require.NoError(t, r.Sheets.Create(ctx, domain.AttendanceSheet{ID: uuid.NewString(), ClassID: "K-A", Date: "2025-06-01"}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_ = m.WithTx(ctx, func(ctx context.Context, r Repos) error {
		s, err := r.Sheets.GetByClassDate(ctx, "K-A", "2025-06-01")
		assert.NoError(t, err)
		assert.Nil(t, s)
		return nil
	})
}

func TestMemorySheetCreateConflict(t *testing.T) {
	m := seeded()
	err := m.WithTx(context.Background(), func(ctx context.Context, r Repos) error {
		sheet := domain.AttendanceSheet{
			ID:      uuid.NewString(),
			ClassID: "K-A",
			Date:    "2025-06-01",
			Records: []domain.AttendanceRecord{{StudentID: "2025-001", Status: domain.StatusAbsent}},
		}
		require.NoError(t, r.Sheets.Create(ctx, sheet))

		sheet.ID = uuid.NewString()
		assert.ErrorIs(t, r.Sheets.Create(ctx, sheet), ErrConflict)

		got, err := r.Sheets.GetByClassDate(ctx, "K-A", "2025-06-01")
		require.NoError(t, err)
		require.Len(t, got.Records, 1)
		assert.Equal(t, "K-A", got.Records[0].ClassID)
		assert.Equal(t, "2025-06-01", got.Records[0].Date)
		return nil
	})
	require.NoError(t, err)
}

func TestMemoryDismissalKeepsArrivalFields(t *testing.T) {
	m := seeded()
	err := m.WithTx(context.Background(), func(ctx context.Context, r Repos) error {
		id := uuid.NewString()
		require.NoError(t, r.Sheets.Create(ctx, domain.AttendanceSheet{ID: id, ClassID: "K-A", Date: "2025-06-01"}))

		arrived := t0
		_, err := r.Sheets.WriteArrival(ctx, ArrivalWrite{SheetID: id, StudentID: "2025-001", Status: domain.StatusPresent, ArrivalTime: &arrived, At: t0})
		require.NoError(t, err)

		rec, err := r.Sheets.WriteDismissal(ctx, DismissalWrite{SheetID: id, StudentID: "2025-001", DismissalTime: t0.Add(8 * time.Hour), AuthorizedPerson: "Jane Doe", At: t0.Add(8 * time.Hour)})
		require.NoError(t, err)
		assert.Equal(t, domain.StatusPresent, rec.Status)
		require.NotNil(t, rec.ArrivalTime)
		assert.True(t, rec.ArrivalTime.Equal(t0))
		assert.Equal(t, "Jane Doe", rec.AuthorizedPickupPerson)

		ghost, err := r.Sheets.WriteDismissal(ctx, DismissalWrite{SheetID: id, StudentID: "2025-002", DismissalTime: t0, AuthorizedPerson: "Uncle Bob", At: t0})
		require.NoError(t, err)
		assert.Equal(t, domain.StatusAbsent, ghost.Status)

		found, err := r.Sheets.FindRecord(ctx, "2025-002", "2025-06-01")
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.Equal(t, "Uncle Bob", found.AuthorizedPickupPerson)
		return nil
	})
	require.NoError(t, err)
}

func TestMemoryQueueUpsertAndComplete(t *testing.T) {
	m := seeded()
	err := m.WithTx(context.Background(), func(ctx context.Context, r Repos) error {
		e := domain.QueueEntry{ID: uuid.NewString(), StudentID: "2025-001", ClassID: "K-A", Date: "2025-06-01", Mode: domain.ModeDropoff, Status: domain.QueueOnTheWay, UpdatedAt: t0}
		first, created, err := r.Queue.Upsert(ctx, e)
		require.NoError(t, err)
		assert.True(t, created)

		e.ID = uuid.NewString()
		e.Status = domain.QueueHere
		second, created, err := r.Queue.Upsert(ctx, e)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, domain.QueueHere, second.Status)

		active, err := r.Queue.ListActive(ctx, "K-A", "2025-06-01", domain.ModeDropoff)
		require.NoError(t, err)
		assert.Len(t, active, 1)

		done, err := r.Queue.Complete(ctx, e)
		require.NoError(t, err)
		assert.Equal(t, first.ID, done.ID)
		assert.Equal(t, domain.QueueCompleted, done.Status)

		_, err = r.Queue.Complete(ctx, e)
		assert.ErrorIs(t, err, ErrConflict)
		_, _, err = r.Queue.Upsert(ctx, e)
		assert.ErrorIs(t, err, ErrConflict)

		active, err = r.Queue.ListActive(ctx, "K-A", "2025-06-01", domain.ModeDropoff)
		require.NoError(t, err)
		assert.Empty(t, active)
		return nil
	})
	require.NoError(t, err)
}

func TestMemoryDeleteOpenKeepsCompleted(t *testing.T) {
	m := seeded()
	err := m.WithTx(context.Background(), func(ctx context.Context, r Repos) error {
		base := domain.QueueEntry{StudentID: "2025-001", ClassID: "K-A", Date: "2025-06-01", UpdatedAt: t0}

		drop := base
		drop.ID, drop.Mode = uuid.NewString(), domain.ModeDropoff
		_, err := r.Queue.Complete(ctx, drop)
		require.NoError(t, err)

		pick := base
		pick.ID, pick.Mode, pick.Status = uuid.NewString(), domain.ModeDismissal, domain.QueueLate
		_, _, err = r.Queue.Upsert(ctx, pick)
		require.NoError(t, err)

		removed, err := r.Queue.DeleteOpen(ctx, "2025-001", "2025-06-01")
		require.NoError(t, err)
		require.Len(t, removed, 1)
		assert.Equal(t, domain.ModeDismissal, removed[0].Mode)

		kept, err := r.Queue.Get(ctx, "2025-001", "2025-06-01", domain.ModeDropoff)
		require.NoError(t, err)
		assert.NotNil(t, kept)
		return nil
	})
	require.NoError(t, err)
}

func TestMemoryPassesAndTransfers(t *testing.T) {
	m := seeded()
	err := m.WithTx(context.Background(), func(ctx context.Context, r Repos) error {
		p := domain.GuardianPass{Token: "0123456789abcdef01234567", StudentID: "2025-001", GuardianID: "g-1", Purpose: domain.PurposeDropOff, IssuedAt: t0, ExpiresAt: t0.Add(time.Hour)}
		require.NoError(t, r.Passes.Create(ctx, p))
		assert.ErrorIs(t, r.Passes.Create(ctx, p), ErrConflict)
		require.NoError(t, r.Passes.MarkUsed(ctx, p.Token, t0))
		assert.ErrorIs(t, r.Passes.MarkUsed(ctx, p.Token, t0), ErrConflict)

		n, err := r.Passes.PurgeExpired(ctx, t0.Add(2*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		tr := domain.Transfer{ID: uuid.NewString(), PassToken: p.Token, StudentID: "2025-001", State: domain.TransferPending, Approval: domain.ApprovalNone, CreatedAt: t0}
		require.NoError(t, r.Transfers.Create(ctx, tr))
		dup := tr
		dup.ID = uuid.NewString()
		assert.ErrorIs(t, r.Transfers.Create(ctx, dup), ErrConflict)

		byPass, err := r.Transfers.GetByPass(ctx, p.Token)
		require.NoError(t, err)
		assert.Equal(t, tr.ID, byPass.ID)

		tr.State = domain.TransferCommitted
		tr.Approval = domain.ApprovalAwaiting
		require.NoError(t, r.Transfers.Decide(ctx, tr))
		assert.ErrorIs(t, r.Transfers.Decide(ctx, tr), ErrConflict)

		awaiting, err := r.Transfers.ListAwaitingApproval(ctx)
		require.NoError(t, err)
		assert.Len(t, awaiting, 1)

		require.NoError(t, r.Transfers.Approve(ctx, tr.ID, "admin-1", t0))
		assert.ErrorIs(t, r.Transfers.Approve(ctx, tr.ID, "admin-1", t0), ErrConflict)
		return nil
	})
	require.NoError(t, err)
}

func TestMemoryNotificationReadsArePerUser(t *testing.T) {
	m := seeded()
	err := m.WithTx(context.Background(), func(ctx context.Context, r Repos) error {
		n := domain.Notification{ID: uuid.NewString(), RecipientRole: domain.RoleTeacher, ClassID: "K-A", EventType: "transfer-committed", Message: "Ana picked up", CreatedAt: t0}
		require.NoError(t, r.Notifications.Insert(ctx, n))

		alice := domain.Actor{UserID: "teacher-1", Role: domain.RoleTeacher, ClassID: "K-A"}
		bob := domain.Actor{UserID: "teacher-2", Role: domain.RoleTeacher, ClassID: "K-A"}
		other := domain.Actor{UserID: "teacher-3", Role: domain.RoleTeacher, ClassID: "K-B"}

		ok, err := r.Notifications.MarkRead(ctx, alice, n.ID)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = r.Notifications.MarkRead(ctx, other, n.ID)
		require.NoError(t, err)
		assert.False(t, ok)

		list, err := r.Notifications.ListFor(ctx, bob, 10)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.False(t, list[0].Read)

		cleared, err := r.Notifications.MarkAllRead(ctx, bob)
		require.NoError(t, err)
		assert.Equal(t, int64(1), cleared)

		list, err = r.Notifications.ListFor(ctx, alice, 10)
		require.NoError(t, err)
		assert.True(t, list[0].Read)
		return nil
	})
	require.NoError(t, err)
}

func TestMemoryClassNotificationReachesRosterStaff(t *testing.T) {
	m := seeded()
	err := m.WithTx(context.Background(), func(ctx context.Context, r Repos) error {
		n := domain.Notification{ID: uuid.NewString(), RecipientRole: domain.RoleTeacher, ClassID: "K-A", EventType: "transfer-committed", Message: "Ana dropped off", CreatedAt: t0}
		require.NoError(t, r.Notifications.Insert(ctx, n))

		rostered := domain.Actor{UserID: "teacher-1", Role: domain.RoleTeacher}
		stranger := domain.Actor{UserID: "teacher-5", Role: domain.RoleTeacher}

		list, err := r.Notifications.ListFor(ctx, rostered, 10)
		require.NoError(t, err)
		assert.Len(t, list, 1)
		ok, err := r.Notifications.MarkRead(ctx, rostered, n.ID)
		require.NoError(t, err)
		assert.True(t, ok)

		list, err = r.Notifications.ListFor(ctx, stranger, 10)
		require.NoError(t, err)
		assert.Empty(t, list)
		return nil
	})
	require.NoError(t, err)
}

func TestLoadSeed(t *testing.T) {
	m := NewMemory()
	err := LoadSeed(m, strings.NewReader(`{
		"classes": [{"id": "K-A", "name": "Kinder A", "staff_ids": ["teacher-1"], "mode": "dropoff"}],
		"guardians": [{"id": "g-1", "display_name": "Jane Doe"}],
		"students": [{"id": "2025-001", "name": "Ana", "class_id": "K-A", "guardian_ids": ["g-1"]}]
	}`))
	require.NoError(t, err)

	require.NoError(t, m.WithTx(context.Background(), func(ctx context.Context, r Repos) error {
		c, err := r.Classes.Get(ctx, "K-A")
		require.NoError(t, err)
		require.NotNil(t, c)
		assert.Equal(t, []string{"2025-001"}, c.StudentIDs)
		assert.Equal(t, domain.ModeDropoff, c.Mode)
		return nil
	}))

	assert.Error(t, LoadSeed(m, strings.NewReader(`{"teachers": []}`)))
}
