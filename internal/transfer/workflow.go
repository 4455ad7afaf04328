// Package transfer runs the custody hand-over between a guardian and staff.
//
// A scanned guardian pass opens a pending transfer. Staff confirm it, which
// writes the ledger, completes the queue entry and spends the pass in one
// transaction, or deny it, which writes nothing else. An emergency override
// skips the pass: it commits immediately but stays flagged until an admin
// approves it.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"schoolgate/internal/arrival"
	"schoolgate/internal/attendance"
	"schoolgate/internal/domain"
	"schoolgate/internal/faceclient"
	"schoolgate/internal/logging"
	"schoolgate/internal/metrics"
	"schoolgate/internal/notify"
	"schoolgate/internal/repository"
	"schoolgate/internal/schoolday"
	"schoolgate/internal/verify"
)

// FaceMatcher scores how alike two photos are.
type FaceMatcher interface {
	Compare(ctx context.Context, imageURL1, imageURL2 string) (*faceclient.CompareResult, error)
}

type Workflow struct {
	tx       repository.TxManager
	cal      *schoolday.Calendar
	verifier *verify.Verifier
	ledger   *attendance.Ledger
	queue    *arrival.Queue
	face     FaceMatcher
	pub      notify.Publisher
	log      logging.Logger
}

// New wires a workflow. face may be nil to skip similarity hints.
func New(tx repository.TxManager, cal *schoolday.Calendar, verifier *verify.Verifier, ledger *attendance.Ledger, queue *arrival.Queue, face FaceMatcher, pub notify.Publisher, log logging.Logger) *Workflow {
	return &Workflow{tx: tx, cal: cal, verifier: verifier, ledger: ledger, queue: queue, face: face, pub: pub, log: log}
}

// Review is what staff see before confirming.
type Review struct {
	Transfer domain.Transfer    `json:"transfer"`
	Student  domain.Student     `json:"student"`
	Guardian domain.Guardian    `json:"guardian"`
	Purpose  domain.Purpose     `json:"purpose"`
	Queue    *domain.QueueEntry `json:"queue_entry,omitempty"`
	// FaceSimilarity is advisory and absent when the face service is off or failed.
	FaceSimilarity *float64 `json:"face_similarity,omitempty"`
}

// Outcome is the committed state after a confirm or override.
type Outcome struct {
	Transfer domain.Transfer         `json:"transfer"`
	Record   domain.AttendanceRecord `json:"record"`
	Queue    domain.QueueEntry       `json:"queue_entry"`
}

// Scan resolves a guardian pass and opens a pending transfer for it.
// Scanning the same pass again returns the same pending transfer.
func (w *Workflow) Scan(ctx context.Context, actor domain.Actor, raw string) (Review, error) {
	if !actor.IsStaff() {
		return Review{}, domain.CheckStaff(actor, nil)
	}
	tok, err := verify.ClassifyAndValidate(raw, verify.KindGuardianPass)
	if err != nil {
		metrics.ScanRejects.WithLabelValues(domain.CodeInvalidFormat).Inc()
		return Review{}, err
	}

	var rev Review
	err = w.tx.WithTx(ctx, func(ctx context.Context, r repository.Repos) error {
		res, err := w.verifier.ResolveGuardianPassIn(ctx, r, tok.Value)
		if err != nil {
			return err
		}
		class, err := r.Classes.Get(ctx, res.Student.ClassID)
		if err != nil {
			return err
		}
		if err := domain.CheckStaff(actor, class); err != nil {
			return err
		}
		rev = Review{Student: res.Student, Guardian: res.Guardian, Purpose: res.Purpose}

		date := w.cal.Today()
		mode := res.Purpose.Mode()
		entry, err := r.Queue.Get(ctx, res.Student.ID, date, mode)
		if err != nil {
			return err
		}
		if entry != nil && entry.Status == domain.QueueCompleted {
			return domain.State(domain.CodeAlreadyProcessed, "this student was already handed over today")
		}
		rev.Queue = entry

		existing, err := r.Transfers.GetByPass(ctx, tok.Value)
		if err != nil {
			return err
		}
		if existing != nil {
			if existing.State != domain.TransferPending {
				return domain.State(domain.CodeAlreadyProcessed, "this pass was already processed")
			}
			rev.Transfer = *existing
			return nil
		}

		rev.Transfer = domain.Transfer{
			ID:           uuid.NewString(),
			PassToken:    tok.Value,
			StudentID:    res.Student.ID,
			ClassID:      res.Student.ClassID,
			GuardianID:   res.Guardian.ID,
			GuardianName: res.Guardian.DisplayName,
			Purpose:      res.Purpose,
			Mode:         mode,
			Date:         date,
			State:        domain.TransferPending,
			Approval:     domain.ApprovalNone,
			RequestedBy:  actor.UserID,
			CreatedAt:    w.cal.Now(),
		}
		err = r.Transfers.Create(ctx, rev.Transfer)
		if errors.Is(err, repository.ErrConflict) {
			return domain.State(domain.CodeAlreadyProcessed, "this pass is being processed at another gate")
		}
		return err
	})
	if err != nil {
		w.reject(err)
		return Review{}, domain.Wrap(err)
	}

	rev.FaceSimilarity = w.similarity(ctx, rev.Guardian.PhotoURL, rev.Student.PhotoURL)
	return rev, nil
}

func (w *Workflow) similarity(ctx context.Context, guardianPhoto, studentPhoto string) *float64 {
	if w.face == nil || guardianPhoto == "" || studentPhoto == "" {
		return nil
	}
	res, err := w.face.Compare(ctx, guardianPhoto, studentPhoto)
	if errors.Is(err, faceclient.ErrDisabled) || (err == nil && res == nil) {
		return nil
	}
	if err != nil {
		w.log.Warnf("face compare: %v", err)
		return nil
	}
	s := res.Similarity
	return &s
}

// Confirm commits a pending transfer. The ledger is written first, then the
// queue entry is completed and the pass spent, all in one transaction; on
// any failure the transfer stays pending and can be retried. A pass that
// expired after the scan cannot be confirmed; staff deny the transfer instead.
func (w *Workflow) Confirm(ctx context.Context, actor domain.Actor, transferID string) (Outcome, error) {
	var (
		out       Outcome
		guardians []string
		staff     []string
	)
	err := w.tx.WithTx(ctx, func(ctx context.Context, r repository.Repos) error {
		t, class, err := w.pendingIn(ctx, r, actor, transferID)
		if err != nil {
			return err
		}
		staff = class.StaffIDs
		student, err := verify.ResolveStudentIDIn(ctx, r, t.StudentID)
		if err != nil {
			return err
		}
		guardians = student.GuardianIDs

		now := w.cal.Now()
		p, err := r.Passes.Get(ctx, t.PassToken)
		if err != nil {
			return err
		}
		if p == nil || p.Expired(now) {
			return domain.State(domain.CodePassExpired, "the pass expired before the hand-over was confirmed")
		}

		t.State = domain.TransferCommitted
		t.DecidedBy = actor.UserID
		t.DecidedAt = &now
		// Guarded on state = pending, so two confirms cannot both pass.
		if err := r.Transfers.Decide(ctx, t); err != nil {
			return alreadyProcessed(err)
		}

		out.Record, err = w.writeLedgerIn(ctx, r, t, now, false)
		if err != nil {
			return err
		}
		out.Queue, err = w.queue.CompleteIn(ctx, r, arrival.Completion{
			Student:      student,
			GuardianID:   t.GuardianID,
			GuardianName: t.GuardianName,
			Date:         t.Date,
			Mode:         t.Mode,
			At:           now,
		})
		if err != nil {
			return err
		}
		if err := r.Passes.MarkUsed(ctx, t.PassToken, now); err != nil {
			return alreadyProcessed(err)
		}

		msg := fmt.Sprintf("%s: %s for %s confirmed by staff", t.Purpose, t.GuardianName, student.Name)
		if err := w.storeIn(ctx, r, now, t, string(notify.TransferCommitted), msg, domain.SeverityInfo,
			recipient{id: t.GuardianID},
			recipient{role: domain.RoleTeacher, classID: t.ClassID},
		); err != nil {
			return err
		}
		out.Transfer = t
		return nil
	})
	if err != nil {
		metrics.Transfers.WithLabelValues("failed").Inc()
		return Outcome{}, domain.Wrap(err)
	}

	metrics.Transfers.WithLabelValues("committed").Inc()
	w.pub.Publish(ctx,
		notify.NewEvent(notify.TransferCommitted, notify.Staff(out.Transfer.ClassID, staff...).And(notify.Users(guardians...)), out.Transfer),
		attendance.MarkedEvent(out.Record, staff, guardians...),
		arrival.RemovedEvent(out.Queue, staff),
	)
	return out, nil
}

// Deny rejects a pending transfer. Nothing but the transfer changes.
func (w *Workflow) Deny(ctx context.Context, actor domain.Actor, transferID, reason string) (domain.Transfer, error) {
	reason = strings.TrimSpace(reason)
	var (
		t     domain.Transfer
		class domain.ClassRoster
	)
	err := w.tx.WithTx(ctx, func(ctx context.Context, r repository.Repos) error {
		var err error
		t, class, err = w.pendingIn(ctx, r, actor, transferID)
		if err != nil {
			return err
		}
		now := w.cal.Now()
		t.State = domain.TransferRejected
		t.DecidedBy = actor.UserID
		t.DecidedAt = &now
		t.Reason = reason
		if err := r.Transfers.Decide(ctx, t); err != nil {
			return alreadyProcessed(err)
		}

		msg := fmt.Sprintf("%s for %s was not approved at the gate", t.Purpose, t.StudentID)
		if reason != "" {
			msg += ": " + reason
		}
		return w.storeIn(ctx, r, now, t, string(notify.TransferDenied), msg, domain.SeverityWarning, recipient{id: t.GuardianID})
	})
	if err != nil {
		return domain.Transfer{}, domain.Wrap(err)
	}

	metrics.Transfers.WithLabelValues("rejected").Inc()
	w.pub.Publish(ctx, notify.NewEvent(notify.TransferDenied, notify.Staff(t.ClassID, class.StaffIDs...).And(notify.Users(t.GuardianID)), t))
	return t, nil
}

// OverrideRequest is a hand-over staff commit without a guardian pass.
type OverrideRequest struct {
	StudentID  string
	Purpose    domain.Purpose
	PersonName string
	Reason     string
}

// EmergencyOverride commits a hand-over immediately. The ledger record, the
// queue entry and the transfer all carry the awaiting-approval marker until
// an admin approves it.
func (w *Workflow) EmergencyOverride(ctx context.Context, actor domain.Actor, req OverrideRequest) (Outcome, error) {
	if !actor.IsStaff() {
		return Outcome{}, domain.CheckStaff(actor, nil)
	}
	if !req.Purpose.Valid() {
		return Outcome{}, domain.Validation(domain.CodeInvalidValue, `purpose must be "Drop off" or "Pick up"`)
	}
	person := strings.TrimSpace(req.PersonName)
	reason := strings.TrimSpace(req.Reason)
	if person == "" || reason == "" {
		return Outcome{}, domain.Validation(domain.CodeMissingField, "person and reason are required for an override")
	}
	tok, err := verify.ClassifyAndValidate(req.StudentID, verify.KindStudentID)
	if err != nil {
		return Outcome{}, err
	}

	var (
		out       Outcome
		guardians []string
		staff     []string
	)
	err = w.tx.WithTx(ctx, func(ctx context.Context, r repository.Repos) error {
		student, err := verify.ResolveStudentIDIn(ctx, r, tok.Value)
		if err != nil {
			return err
		}
		class, err := r.Classes.Get(ctx, student.ClassID)
		if err != nil {
			return err
		}
		if err := domain.CheckStaff(actor, class); err != nil {
			return err
		}
		guardians = student.GuardianIDs
		staff = class.StaffIDs

		now := w.cal.Now()
		t := domain.Transfer{
			ID:           uuid.NewString(),
			StudentID:    student.ID,
			ClassID:      student.ClassID,
			GuardianName: person,
			Purpose:      req.Purpose,
			Mode:         req.Purpose.Mode(),
			Date:         w.cal.DateOf(now),
			State:        domain.TransferCommitted,
			Override:     true,
			Approval:     domain.ApprovalAwaiting,
			RequestedBy:  actor.UserID,
			DecidedBy:    actor.UserID,
			Reason:       reason,
			CreatedAt:    now,
			DecidedAt:    &now,
		}
		if err := r.Transfers.Create(ctx, t); err != nil {
			return err
		}

		out.Record, err = w.writeLedgerIn(ctx, r, t, now, true)
		if err != nil {
			return err
		}
		out.Queue, err = w.queue.CompleteIn(ctx, r, arrival.Completion{
			Student:         student,
			GuardianName:    person,
			Date:            t.Date,
			Mode:            t.Mode,
			PendingApproval: true,
			At:              now,
		})
		if err != nil {
			return err
		}

		msg := fmt.Sprintf("Emergency override: %s of %s by %s (%s) awaits approval", t.Purpose, student.Name, person, reason)
		recipients := []recipient{{role: domain.RoleAdmin}}
		for _, g := range student.GuardianIDs {
			recipients = append(recipients, recipient{id: g})
		}
		if err := w.storeIn(ctx, r, now, t, string(notify.OverridePending), msg, domain.SeverityCritical, recipients...); err != nil {
			return err
		}
		out.Transfer = t
		return nil
	})
	if err != nil {
		metrics.Transfers.WithLabelValues("failed").Inc()
		return Outcome{}, domain.Wrap(err)
	}

	metrics.Transfers.WithLabelValues("override").Inc()
	w.log.Warnf("emergency override %s for %s by %s: %s", out.Transfer.ID, out.Transfer.StudentID, actor.UserID, reason)
	admins := notify.Audience{Roles: []domain.Role{domain.RoleAdmin}}
	w.pub.Publish(ctx,
		notify.NewEvent(notify.OverridePending, admins.And(notify.Users(guardians...)), out.Transfer),
		notify.NewEvent(notify.TransferCommitted, notify.Staff(out.Transfer.ClassID, staff...), out.Transfer),
		attendance.MarkedEvent(out.Record, staff, guardians...),
		arrival.RemovedEvent(out.Queue, staff),
	)
	return out, nil
}

// ApproveOverride clears the awaiting-approval marker from the transfer and
// from the ledger record and queue entry it wrote.
func (w *Workflow) ApproveOverride(ctx context.Context, actor domain.Actor, transferID string) (domain.Transfer, error) {
	if !actor.IsAdmin() {
		return domain.Transfer{}, domain.Forbidden(domain.CodeRoleRequired, "only an administrator can approve overrides")
	}
	var (
		t     domain.Transfer
		staff []string
	)
	err := w.tx.WithTx(ctx, func(ctx context.Context, r repository.Repos) error {
		found, err := getTransfer(ctx, r, transferID)
		if err != nil {
			return err
		}
		if found.Approval != domain.ApprovalAwaiting {
			return domain.State(domain.CodeAlreadyProcessed, "this transfer is not awaiting approval")
		}
		if class, err := r.Classes.Get(ctx, found.ClassID); err != nil {
			return err
		} else if class != nil {
			staff = class.StaffIDs
		}
		now := w.cal.Now()
		if err := r.Transfers.Approve(ctx, found.ID, actor.UserID, now); err != nil {
			return alreadyProcessed(err)
		}
		if err := r.Sheets.ClearPendingApproval(ctx, found.StudentID, found.Date); err != nil {
			return err
		}
		if err := r.Queue.ClearPendingApproval(ctx, found.StudentID, found.Date, found.Mode); err != nil {
			return err
		}
		t = *found
		t.Approval = domain.ApprovalApproved
		t.ApprovedBy = actor.UserID
		t.ApprovedAt = &now
		return nil
	})
	if err != nil {
		return domain.Transfer{}, domain.Wrap(err)
	}

	metrics.Transfers.WithLabelValues("approved").Inc()
	w.pub.Publish(ctx, notify.NewEvent(notify.OverrideApproved, notify.Staff(t.ClassID, staff...), t))
	return t, nil
}

// ListAwaitingApproval returns overrides no admin has approved yet, oldest first.
func (w *Workflow) ListAwaitingApproval(ctx context.Context, actor domain.Actor) ([]domain.Transfer, error) {
	if !actor.IsAdmin() {
		return nil, domain.Forbidden(domain.CodeRoleRequired, "only an administrator can review overrides")
	}
	var out []domain.Transfer
	err := w.tx.WithTx(ctx, func(ctx context.Context, r repository.Repos) error {
		var err error
		out, err = r.Transfers.ListAwaitingApproval(ctx)
		return err
	})
	if err != nil {
		return nil, domain.Wrap(err)
	}
	return out, nil
}

// pendingIn loads a pending transfer and the class it belongs to, checking
// that actor staffs that class.
func (w *Workflow) pendingIn(ctx context.Context, r repository.Repos, actor domain.Actor, transferID string) (domain.Transfer, domain.ClassRoster, error) {
	if !actor.IsStaff() {
		return domain.Transfer{}, domain.ClassRoster{}, domain.CheckStaff(actor, nil)
	}
	t, err := getTransfer(ctx, r, transferID)
	if err != nil {
		return domain.Transfer{}, domain.ClassRoster{}, err
	}
	class, err := r.Classes.Get(ctx, t.ClassID)
	if err != nil {
		return domain.Transfer{}, domain.ClassRoster{}, err
	}
	if err := domain.CheckStaff(actor, class); err != nil {
		return domain.Transfer{}, domain.ClassRoster{}, err
	}
	if t.State != domain.TransferPending {
		return domain.Transfer{}, domain.ClassRoster{}, domain.State(domain.CodeAlreadyProcessed, "this transfer was already "+string(t.State))
	}
	return *t, *class, nil
}

// writeLedgerIn writes exactly one field-set: arrival for a drop-off,
// dismissal for a pick-up.
func (w *Workflow) writeLedgerIn(ctx context.Context, r repository.Repos, t domain.Transfer, at time.Time, pending bool) (domain.AttendanceRecord, error) {
	if t.Purpose == domain.PurposePickUp {
		return w.ledger.DismissIn(ctx, r, attendance.Dismissal{
			Date:             t.Date,
			StudentID:        t.StudentID,
			At:               at,
			AuthorizedPerson: t.GuardianName,
			PendingApproval:  pending,
		})
	}
	return w.ledger.MarkIn(ctx, r, attendance.Mark{
		ClassID:         t.ClassID,
		Date:            t.Date,
		StudentID:       t.StudentID,
		Status:          domain.StatusPresent,
		At:              at,
		PendingApproval: pending,
	})
}

type recipient struct {
	id      string
	role    domain.Role
	classID string
}

func (w *Workflow) storeIn(ctx context.Context, r repository.Repos, at time.Time, t domain.Transfer, eventType, msg string, sev domain.Severity, to ...recipient) error {
	for _, rc := range to {
		if rc.id == "" && rc.role == "" {
			continue
		}
		if err := r.Notifications.Insert(ctx, domain.Notification{
			ID:            uuid.NewString(),
			RecipientRole: rc.role,
			RecipientID:   rc.id,
			ClassID:       rc.classID,
			EventType:     eventType,
			Message:       msg,
			Severity:      sev,
			RelatedID:     t.ID,
			CreatedAt:     at,
		}); err != nil {
			return err
		}
	}
	return nil
}

func getTransfer(ctx context.Context, r repository.Repos, id string) (*domain.Transfer, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, domain.NotFound(domain.CodeUnknownTransfer, "unknown transfer")
	}
	t, err := r.Transfers.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, domain.NotFound(domain.CodeUnknownTransfer, "unknown transfer")
	}
	return t, nil
}

func alreadyProcessed(err error) error {
	if errors.Is(err, repository.ErrConflict) {
		return domain.State(domain.CodeAlreadyProcessed, "this hand-over was already processed")
	}
	return err
}

func (w *Workflow) reject(err error) {
	if de := domain.AsError(err); de.Kind != domain.KindUnavailable {
		metrics.ScanRejects.WithLabelValues(de.Code).Inc()
	}
}
