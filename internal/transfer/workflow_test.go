package transfer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schoolgate/internal/arrival"
	"schoolgate/internal/attendance"
	"schoolgate/internal/domain"
	"schoolgate/internal/faceclient"
	"schoolgate/internal/logging"
	"schoolgate/internal/notify"
	"schoolgate/internal/pass"
	"schoolgate/internal/repository"
	"schoolgate/internal/schoolday"
	"schoolgate/internal/verify"
)

var (
	teacher = domain.Actor{UserID: "teacher-1", Role: domain.RoleTeacher, ClassID: "K-A"}
	other   = domain.Actor{UserID: "teacher-9", Role: domain.RoleTeacher, ClassID: "K-B"}
	admin   = domain.Actor{UserID: "admin-1", Role: domain.RoleAdmin}
	jane    = domain.Actor{UserID: "g-1", Role: domain.RoleParent, Name: "Jane Doe"}
)

type fakeFace struct {
	score float64
	err   error
}

func (f fakeFace) Compare(context.Context, string, string) (*faceclient.CompareResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &faceclient.CompareResult{Similarity: f.score, Match: f.score > 0.6}, nil
}

type fixture struct {
	wf     *Workflow
	mem    *repository.Memory
	pub    *notify.Recorder
	issuer *pass.Issuer
	queue  *arrival.Queue
	cal    *schoolday.Calendar
}

// newFixture runs at 07:45 on 2025-06-01, Manila time.
func newFixture(t *testing.T, face FaceMatcher) *fixture {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Manila")
	require.NoError(t, err)
	now := time.Date(2025, 6, 1, 7, 45, 0, 0, loc)
	clock := func() time.Time { return now }

	mem := repository.NewMemory()
	mem.PutClass(domain.ClassRoster{ID: "K-A", Name: "Kinder A", StaffIDs: []string{"teacher-1"}, Mode: domain.ModeDropoff})
	mem.PutClass(domain.ClassRoster{ID: "K-B", Name: "Kinder B", StaffIDs: []string{"teacher-9"}})
	mem.PutGuardian(domain.Guardian{ID: "g-1", DisplayName: "Jane Doe", PhotoURL: "https://img/jane.jpg"})
	mem.PutStudent(domain.Student{ID: "2025-001", Name: "Ana", ClassID: "K-A", GuardianIDs: []string{"g-1"}, PhotoURL: "https://img/ana.jpg"})

	cal := schoolday.NewWithClock(loc, clock)
	pub := &notify.Recorder{}
	q := arrival.NewQueue(mem, cal, pub, logging.Discard())
	l := attendance.NewLedger(mem, cal, q, pub, logging.Discard(), "08:30")
	wf := New(mem, cal, verify.New(mem, clock), l, q, face, pub, logging.Discard())
	return &fixture{wf: wf, mem: mem, pub: pub, issuer: pass.NewIssuer(mem, cal, 2*time.Hour), queue: q, cal: cal}
}

func (f *fixture) issue(t *testing.T, purpose domain.Purpose) string {
	t.Helper()
	p, err := f.issuer.Issue(context.Background(), jane, "2025-001", purpose)
	require.NoError(t, err)
	return p.Token
}

func (f *fixture) read(t *testing.T, fn func(ctx context.Context, r repository.Repos) error) {
	t.Helper()
	require.NoError(t, f.mem.WithTx(context.Background(), fn))
}

func (f *fixture) withTx(tx repository.TxManager) *Workflow {
	w := *f.wf
	w.tx = tx
	return &w
}

func TestDropOffCommitsPresentAndCompletesEntry(t *testing.T) {
	f := newFixture(t, fakeFace{score: 0.91})
	ctx := context.Background()

	_, _, err := f.queue.UpsertStatus(ctx, jane, "2025-001", domain.ModeDropoff, domain.QueueHere)
	require.NoError(t, err)
	token := f.issue(t, domain.PurposeDropOff)

	rev, err := f.wf.Scan(ctx, teacher, token)
	require.NoError(t, err)
	assert.Equal(t, domain.TransferPending, rev.Transfer.State)
	assert.Equal(t, "Ana", rev.Student.Name)
	assert.Equal(t, "Jane Doe", rev.Guardian.DisplayName)
	require.NotNil(t, rev.Queue)
	assert.Equal(t, domain.QueueHere, rev.Queue.Status)
	require.NotNil(t, rev.FaceSimilarity)
	assert.InDelta(t, 0.91, *rev.FaceSimilarity, 1e-9)

	out, err := f.wf.Confirm(ctx, teacher, rev.Transfer.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TransferCommitted, out.Transfer.State)
	assert.Equal(t, domain.StatusPresent, out.Record.Status)
	require.NotNil(t, out.Record.ArrivalTime)
	assert.Nil(t, out.Record.DismissalTime)
	assert.Equal(t, domain.QueueCompleted, out.Queue.Status)

	f.read(t, func(ctx context.Context, r repository.Repos) error {
		rec, err := r.Sheets.FindRecord(ctx, "2025-001", "2025-06-01")
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, domain.StatusPresent, rec.Status)
		assert.Equal(t, "K-A", rec.ClassID)

		e, err := r.Queue.Get(ctx, "2025-001", "2025-06-01", domain.ModeDropoff)
		require.NoError(t, err)
		require.NotNil(t, e)
		assert.Equal(t, domain.QueueCompleted, e.Status)

		p, err := r.Passes.Get(ctx, token)
		require.NoError(t, err)
		assert.NotNil(t, p.UsedAt)

		active, err := r.Queue.ListActive(ctx, "K-A", "2025-06-01", domain.ModeDropoff)
		require.NoError(t, err)
		assert.Empty(t, active)
		return nil
	})

	assert.Equal(t, []notify.EventType{
		notify.QueueEntryAdded,
		notify.TransferCommitted,
		notify.AttendanceMarked,
		notify.QueueEntryRemoved,
	}, f.pub.Types())
}

func TestPickUpRecordsDismissalWithGuardianName(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	token := f.issue(t, domain.PurposePickUp)

	rev, err := f.wf.Scan(ctx, teacher, token)
	require.NoError(t, err)
	assert.Nil(t, rev.FaceSimilarity)
	assert.Equal(t, domain.ModeDismissal, rev.Transfer.Mode)

	out, err := f.wf.Confirm(ctx, teacher, rev.Transfer.ID)
	require.NoError(t, err)
	require.NotNil(t, out.Record.DismissalTime)
	assert.Equal(t, "Jane Doe", out.Record.AuthorizedPickupPerson)
	assert.Nil(t, out.Record.ArrivalTime)
	assert.Equal(t, domain.ModeDismissal, out.Queue.Mode)
	assert.Equal(t, domain.QueueCompleted, out.Queue.Status)
}

func TestRescanReturnsSamePendingTransfer(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	token := f.issue(t, domain.PurposeDropOff)

	first, err := f.wf.Scan(ctx, teacher, token)
	require.NoError(t, err)
	second, err := f.wf.Scan(ctx, teacher, token)
	require.NoError(t, err)
	assert.Equal(t, first.Transfer.ID, second.Transfer.ID)
}

func TestScanAfterCommitIsAlreadyProcessed(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	token := f.issue(t, domain.PurposeDropOff)

	rev, err := f.wf.Scan(ctx, teacher, token)
	require.NoError(t, err)
	_, err = f.wf.Confirm(ctx, teacher, rev.Transfer.ID)
	require.NoError(t, err)

	_, err = f.wf.Scan(ctx, teacher, token)
	assert.ErrorIs(t, err, domain.ErrAlreadyProcessed)

	_, err = f.wf.Confirm(ctx, teacher, rev.Transfer.ID)
	assert.ErrorIs(t, err, domain.ErrAlreadyProcessed)
}

func TestConcurrentConfirmCommitsOnce(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	rev, err := f.wf.Scan(ctx, teacher, f.issue(t, domain.PurposeDropOff))
	require.NoError(t, err)

	const callers = 6
	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.wf.Confirm(ctx, teacher, rev.Transfer.ID)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				ok++
				return
			}
			assert.ErrorIs(t, err, domain.ErrAlreadyProcessed)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, ok)
}

func TestDenyMutatesNothingElse(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, _, err := f.queue.UpsertStatus(ctx, jane, "2025-001", domain.ModeDropoff, domain.QueueHere)
	require.NoError(t, err)
	token := f.issue(t, domain.PurposeDropOff)
	rev, err := f.wf.Scan(ctx, teacher, token)
	require.NoError(t, err)

	denied, err := f.wf.Deny(ctx, teacher, rev.Transfer.ID, "  not the registered guardian ")
	require.NoError(t, err)
	assert.Equal(t, domain.TransferRejected, denied.State)
	assert.Equal(t, "not the registered guardian", denied.Reason)

	f.read(t, func(ctx context.Context, r repository.Repos) error {
		rec, err := r.Sheets.FindRecord(ctx, "2025-001", "2025-06-01")
		require.NoError(t, err)
		assert.Nil(t, rec)

		e, err := r.Queue.Get(ctx, "2025-001", "2025-06-01", domain.ModeDropoff)
		require.NoError(t, err)
		require.NotNil(t, e)
		assert.Equal(t, domain.QueueHere, e.Status)

		p, err := r.Passes.Get(ctx, token)
		require.NoError(t, err)
		assert.Nil(t, p.UsedAt)

		notes, err := r.Notifications.ListFor(ctx, jane, 10)
		require.NoError(t, err)
		require.Len(t, notes, 1)
		assert.Equal(t, string(notify.TransferDenied), notes[0].EventType)
		assert.Contains(t, notes[0].Message, "not the registered guardian")
		return nil
	})

	_, err = f.wf.Confirm(ctx, teacher, rev.Transfer.ID)
	assert.ErrorIs(t, err, domain.ErrAlreadyProcessed)
	_, err = f.wf.Scan(ctx, teacher, token)
	assert.ErrorIs(t, err, domain.ErrAlreadyProcessed)
	assert.Contains(t, f.pub.Types(), notify.TransferDenied)
}

type failingPasses struct {
	repository.PassRepository
}

func (failingPasses) MarkUsed(context.Context, string, time.Time) error {
	return errors.New("connection reset")
}

type failingPassTx struct{ next repository.TxManager }

func (f failingPassTx) WithTx(ctx context.Context, fn func(context.Context, repository.Repos) error) error {
	return f.next.WithTx(ctx, func(ctx context.Context, repos repository.Repos) error {
		repos.Passes = failingPasses{repos.Passes}
		return fn(ctx, repos)
	})
}

func TestConfirmRollsBackAndStaysPending(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, _, err := f.queue.UpsertStatus(ctx, jane, "2025-001", domain.ModeDropoff, domain.QueueHere)
	require.NoError(t, err)
	rev, err := f.wf.Scan(ctx, teacher, f.issue(t, domain.PurposeDropOff))
	require.NoError(t, err)
	before := len(f.pub.Events())

	_, err = f.withTx(failingPassTx{next: f.mem}).Confirm(ctx, teacher, rev.Transfer.ID)
	assert.ErrorIs(t, err, domain.ErrUnavailable)
	assert.Len(t, f.pub.Events(), before, "nothing is published for a rolled back confirm")

	f.read(t, func(ctx context.Context, r repository.Repos) error {
		tr, err := r.Transfers.Get(ctx, rev.Transfer.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.TransferPending, tr.State)

		rec, err := r.Sheets.FindRecord(ctx, "2025-001", "2025-06-01")
		require.NoError(t, err)
		assert.Nil(t, rec)

		e, err := r.Queue.Get(ctx, "2025-001", "2025-06-01", domain.ModeDropoff)
		require.NoError(t, err)
		assert.Equal(t, domain.QueueHere, e.Status)
		return nil
	})

	// A retry on a healthy store goes through.
	_, err = f.wf.Confirm(ctx, teacher, rev.Transfer.ID)
	assert.NoError(t, err)
}

func TestScanRejections(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	token := f.issue(t, domain.PurposeDropOff)

	_, err := f.wf.Scan(ctx, teacher, "2025-001")
	require.ErrorIs(t, err, domain.ErrInvalidFormat)
	assert.Contains(t, err.Error(), "student badge")

	_, err = f.wf.Scan(ctx, teacher, "")
	assert.ErrorIs(t, err, domain.Validation(domain.CodeMissingField, ""))

	_, err = f.wf.Scan(ctx, teacher, "0123456789abcdef01234567")
	assert.ErrorIs(t, err, domain.NotFound(domain.CodeUnknownPass, ""))

	_, err = f.wf.Scan(ctx, jane, token)
	assert.ErrorIs(t, err, domain.ErrForbidden)

	_, err = f.wf.Scan(ctx, other, token)
	assert.ErrorIs(t, err, domain.ErrForbidden)

	_, err = f.wf.Confirm(ctx, teacher, "not-a-uuid")
	assert.ErrorIs(t, err, domain.NotFound(domain.CodeUnknownTransfer, ""))
}

func TestScanAfterQueueCompletedIsAlreadyProcessed(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.queue.Complete(ctx, teacher, "2025-001", domain.ModeDropoff)
	require.NoError(t, err)

	_, err = f.wf.Scan(ctx, teacher, f.issue(t, domain.PurposeDropOff))
	assert.ErrorIs(t, err, domain.ErrAlreadyProcessed)
}

func TestFaceErrorLeavesHintEmpty(t *testing.T) {
	f := newFixture(t, fakeFace{err: errors.New("face service down")})
	rev, err := f.wf.Scan(context.Background(), teacher, f.issue(t, domain.PurposeDropOff))
	require.NoError(t, err)
	assert.Nil(t, rev.FaceSimilarity)
}

func TestDisabledFaceServiceGivesNoHint(t *testing.T) {
	f := newFixture(t, faceclient.New("http://127.0.0.1:1", true))
	rev, err := f.wf.Scan(context.Background(), teacher, f.issue(t, domain.PurposeDropOff))
	require.NoError(t, err)
	assert.Nil(t, rev.FaceSimilarity)
}

func TestRosterStaffReceivesClassUpdates(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	// On K-A's roster but the session carries no class.
	rostered := domain.Actor{UserID: "teacher-1", Role: domain.RoleTeacher}

	_, _, err := f.queue.UpsertStatus(ctx, jane, "2025-001", domain.ModeDropoff, domain.QueueOnTheWay)
	require.NoError(t, err)
	rev, err := f.wf.Scan(ctx, rostered, f.issue(t, domain.PurposeDropOff))
	require.NoError(t, err)
	_, err = f.wf.Confirm(ctx, rostered, rev.Transfer.ID)
	require.NoError(t, err)

	events := f.pub.Events()
	require.Len(t, events, 4)
	for _, e := range events {
		assert.True(t, e.Audience.Includes(rostered), "%s reaches roster staff", e.Type)
		assert.False(t, e.Audience.Includes(other), "%s stays within the class", e.Type)
	}

	f.read(t, func(ctx context.Context, r repository.Repos) error {
		notes, err := r.Notifications.ListFor(ctx, rostered, 10)
		require.NoError(t, err)
		require.Len(t, notes, 1)
		assert.Equal(t, string(notify.TransferCommitted), notes[0].EventType)

		notes, err = r.Notifications.ListFor(ctx, other, 10)
		require.NoError(t, err)
		assert.Empty(t, notes)
		return nil
	})
}

func TestConfirmAfterPassExpiryStaysPending(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	rev, err := f.wf.Scan(ctx, teacher, f.issue(t, domain.PurposeDropOff))
	require.NoError(t, err)

	// The pass was issued at 07:45 for two hours.
	later := *f.wf
	later.cal = schoolday.NewWithClock(f.cal.Location(), func() time.Time {
		return time.Date(2025, 6, 1, 10, 0, 0, 0, f.cal.Location())
	})
	_, err = later.Confirm(ctx, teacher, rev.Transfer.ID)
	assert.ErrorIs(t, err, domain.ErrPassExpired)

	f.read(t, func(ctx context.Context, r repository.Repos) error {
		tr, err := r.Transfers.Get(ctx, rev.Transfer.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.TransferPending, tr.State)
		rec, err := r.Sheets.FindRecord(ctx, "2025-001", "2025-06-01")
		require.NoError(t, err)
		assert.Nil(t, rec)
		return nil
	})

	denied, err := later.Deny(ctx, teacher, rev.Transfer.ID, "pass expired")
	require.NoError(t, err)
	assert.Equal(t, domain.TransferRejected, denied.State)
}

func TestEmergencyOverrideThenApprove(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	req := OverrideRequest{StudentID: "2025-001", Purpose: domain.PurposePickUp, PersonName: "Aunt May", Reason: "parents stranded by flood"}
	out, err := f.wf.EmergencyOverride(ctx, teacher, req)
	require.NoError(t, err)
	assert.True(t, out.Transfer.Override)
	assert.Equal(t, domain.TransferCommitted, out.Transfer.State)
	assert.Equal(t, domain.ApprovalAwaiting, out.Transfer.Approval)
	assert.True(t, out.Record.PendingApproval)
	assert.Equal(t, "Aunt May", out.Record.AuthorizedPickupPerson)
	assert.True(t, out.Queue.PendingApproval)
	assert.Contains(t, f.pub.Types(), notify.OverridePending)

	_, err = f.wf.ListAwaitingApproval(ctx, teacher)
	assert.ErrorIs(t, err, domain.ErrForbidden)
	waiting, err := f.wf.ListAwaitingApproval(ctx, admin)
	require.NoError(t, err)
	require.Len(t, waiting, 1)
	assert.Equal(t, out.Transfer.ID, waiting[0].ID)

	f.read(t, func(ctx context.Context, r repository.Repos) error {
		notes, err := r.Notifications.ListFor(ctx, admin, 10)
		require.NoError(t, err)
		require.NotEmpty(t, notes)
		assert.Equal(t, domain.SeverityCritical, notes[0].Severity)
		return nil
	})

	_, err = f.wf.ApproveOverride(ctx, teacher, out.Transfer.ID)
	assert.ErrorIs(t, err, domain.ErrForbidden)

	approved, err := f.wf.ApproveOverride(ctx, admin, out.Transfer.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalApproved, approved.Approval)
	assert.Equal(t, "admin-1", approved.ApprovedBy)

	f.read(t, func(ctx context.Context, r repository.Repos) error {
		rec, err := r.Sheets.FindRecord(ctx, "2025-001", "2025-06-01")
		require.NoError(t, err)
		assert.False(t, rec.PendingApproval)
		e, err := r.Queue.Get(ctx, "2025-001", "2025-06-01", domain.ModeDismissal)
		require.NoError(t, err)
		assert.False(t, e.PendingApproval)
		return nil
	})

	_, err = f.wf.ApproveOverride(ctx, admin, out.Transfer.ID)
	assert.ErrorIs(t, err, domain.ErrAlreadyProcessed)
}

func TestEmergencyOverrideValidation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.wf.EmergencyOverride(ctx, teacher, OverrideRequest{StudentID: "2025-001", Purpose: "Fly away", PersonName: "x", Reason: "y"})
	assert.ErrorIs(t, err, domain.Validation(domain.CodeInvalidValue, ""))

	_, err = f.wf.EmergencyOverride(ctx, teacher, OverrideRequest{StudentID: "2025-001", Purpose: domain.PurposeDropOff, PersonName: "x"})
	assert.ErrorIs(t, err, domain.Validation(domain.CodeMissingField, ""))

	_, err = f.wf.EmergencyOverride(ctx, teacher, OverrideRequest{StudentID: "0123456789abcdef01234567", Purpose: domain.PurposeDropOff, PersonName: "x", Reason: "y"})
	assert.ErrorIs(t, err, domain.ErrInvalidFormat)

	_, err = f.wf.EmergencyOverride(ctx, other, OverrideRequest{StudentID: "2025-001", Purpose: domain.PurposeDropOff, PersonName: "x", Reason: "y"})
	assert.ErrorIs(t, err, domain.ErrForbidden)
}
