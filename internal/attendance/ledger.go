// Package attendance is the daily attendance ledger: one sheet per class per
// school date, one record per student on it. Sheets are created on first use
// and never deleted.
package attendance

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"schoolgate/internal/arrival"
	"schoolgate/internal/domain"
	"schoolgate/internal/logging"
	"schoolgate/internal/metrics"
	"schoolgate/internal/notify"
	"schoolgate/internal/repository"
	"schoolgate/internal/schoolday"
	"schoolgate/internal/verify"
)

type Ledger struct {
	tx        repository.TxManager
	cal       *schoolday.Calendar
	queue     *arrival.Queue
	pub       notify.Publisher
	log       logging.Logger
	lateAfter string
}

// NewLedger builds a ledger. Badge scans after lateAfter (HH:MM school time) are marked late.
func NewLedger(tx repository.TxManager, cal *schoolday.Calendar, queue *arrival.Queue, pub notify.Publisher, log logging.Logger, lateAfter string) *Ledger {
	return &Ledger{tx: tx, cal: cal, queue: queue, pub: pub, log: log, lateAfter: lateAfter}
}

// GetOrCreateSheet returns the class's sheet for date, creating it with one
// absent record per enrolled student. created reports which happened. A
// concurrent creator winning the race is not an error: its sheet is returned.
func (l *Ledger) GetOrCreateSheet(ctx context.Context, classID, date string) (domain.AttendanceSheet, bool, error) {
	date, err := l.cal.ParseDate(date)
	if err != nil {
		return domain.AttendanceSheet{}, false, domain.Validation(domain.CodeInvalidValue, err.Error())
	}

	var (
		sheet   domain.AttendanceSheet
		created bool
	)
	err = l.tx.WithTx(ctx, func(ctx context.Context, r repository.Repos) error {
		var err error
		sheet, created, err = l.SheetIn(ctx, r, classID, date)
		return err
	})
	if err != nil {
		return domain.AttendanceSheet{}, false, domain.Wrap(err)
	}
	if created {
		l.log.Debugf("created sheet %s for %s on %s with %d records", sheet.ID, classID, date, len(sheet.Records))
	}
	return sheet, created, nil
}

// SheetIn is GetOrCreateSheet inside the caller's transaction.
func (l *Ledger) SheetIn(ctx context.Context, r repository.Repos, classID, date string) (domain.AttendanceSheet, bool, error) {
	existing, err := r.Sheets.GetByClassDate(ctx, classID, date)
	if err != nil {
		return domain.AttendanceSheet{}, false, err
	}
	if existing != nil {
		return *existing, false, nil
	}

	class, err := r.Classes.Get(ctx, classID)
	if err != nil {
		return domain.AttendanceSheet{}, false, err
	}
	if class == nil {
		return domain.AttendanceSheet{}, false, domain.NotFound(domain.CodeUnknownClass, "unknown class")
	}

	now := l.cal.Now()
	sheet := domain.AttendanceSheet{ID: uuid.NewString(), ClassID: classID, Date: date, CreatedAt: now}
	for _, studentID := range class.StudentIDs {
		sheet.Records = append(sheet.Records, domain.AttendanceRecord{
			SheetID:   sheet.ID,
			ClassID:   classID,
			Date:      date,
			StudentID: studentID,
			Status:    domain.StatusAbsent,
			UpdatedAt: now,
		})
	}

	err = r.Sheets.Create(ctx, sheet)
	if errors.Is(err, repository.ErrConflict) {
		metrics.SheetRaces.Inc()
		winner, err := r.Sheets.GetByClassDate(ctx, classID, date)
		if err != nil {
			return domain.AttendanceSheet{}, false, err
		}
		if winner == nil {
			return domain.AttendanceSheet{}, false, domain.Unavailable(repository.ErrConflict)
		}
		return *winner, false, nil
	}
	if err != nil {
		return domain.AttendanceSheet{}, false, err
	}
	return sheet, true, nil
}

// MarkAttendance sets a student's status on the class sheet for date. A
// student enrolled after the sheet was created gets a record added. A zero
// arrivedAt means now; it must fall on date in school time.
func (l *Ledger) MarkAttendance(ctx context.Context, actor domain.Actor, classID, date, studentID string, status domain.AttendanceStatus, arrivedAt time.Time) (domain.AttendanceRecord, error) {
	if !actor.IsStaff() {
		return domain.AttendanceRecord{}, domain.CheckStaff(actor, nil)
	}
	if !status.Valid() {
		return domain.AttendanceRecord{}, domain.Validation(domain.CodeInvalidValue, "status must be absent, present or late")
	}
	studentID = strings.TrimSpace(studentID)
	if studentID == "" {
		return domain.AttendanceRecord{}, domain.Validation(domain.CodeMissingField, "student is required")
	}
	date, err := l.cal.ParseDate(date)
	if err != nil {
		return domain.AttendanceRecord{}, domain.Validation(domain.CodeInvalidValue, err.Error())
	}
	if arrivedAt.IsZero() {
		arrivedAt = l.cal.Now()
	}
	if status != domain.StatusAbsent && l.cal.DateOf(arrivedAt) != date {
		return domain.AttendanceRecord{}, domain.Validation(domain.CodeInvalidValue, "arrival time must fall on "+date)
	}

	var (
		rec       domain.AttendanceRecord
		guardians []string
		staff     []string
	)
	err = l.tx.WithTx(ctx, func(ctx context.Context, r repository.Repos) error {
		class, err := r.Classes.Get(ctx, classID)
		if err != nil {
			return err
		}
		if err := domain.CheckStaff(actor, class); err != nil {
			return err
		}
		staff = class.StaffIDs
		rec, err = l.MarkIn(ctx, r, Mark{ClassID: classID, Date: date, StudentID: studentID, Status: status, At: arrivedAt})
		if err != nil {
			return err
		}
		if s, err := r.Students.Get(ctx, studentID); err != nil {
			return err
		} else if s != nil {
			guardians = s.GuardianIDs
		}
		return nil
	})
	if err != nil {
		return domain.AttendanceRecord{}, domain.Wrap(err)
	}
	l.pub.Publish(ctx, MarkedEvent(rec, staff, guardians...))
	return rec, nil
}

// Mark is one arrival-side write.
type Mark struct {
	ClassID         string
	Date            string
	StudentID       string
	Status          domain.AttendanceStatus
	At              time.Time
	PendingApproval bool
}

// MarkIn writes the arrival field-set inside the caller's transaction. The
// student must be on the class roster or already on the sheet.
func (l *Ledger) MarkIn(ctx context.Context, r repository.Repos, m Mark) (domain.AttendanceRecord, error) {
	sheet, _, err := l.SheetIn(ctx, r, m.ClassID, m.Date)
	if err != nil {
		return domain.AttendanceRecord{}, err
	}
	if sheet.Record(m.StudentID) == nil {
		class, err := r.Classes.Get(ctx, m.ClassID)
		if err != nil {
			return domain.AttendanceRecord{}, err
		}
		if class == nil || !class.HasStudent(m.StudentID) {
			return domain.AttendanceRecord{}, domain.ErrNotEnrolled
		}
	}

	var arrivedAt *time.Time
	if m.Status != domain.StatusAbsent {
		at := m.At
		arrivedAt = &at
	}
	return r.Sheets.WriteArrival(ctx, repository.ArrivalWrite{
		SheetID:         sheet.ID,
		StudentID:       m.StudentID,
		Status:          m.Status,
		ArrivalTime:     arrivedAt,
		PendingApproval: m.PendingApproval,
		At:              m.At,
	})
}

// RecordDismissal sets who took the student home and when. The sheet is the
// one holding the student's record for date, whatever its class; with no
// record yet the student's own class sheet is used.
func (l *Ledger) RecordDismissal(ctx context.Context, date, studentID string, at time.Time, authorizedPerson string) (domain.AttendanceRecord, error) {
	date, err := l.cal.ParseDate(date)
	if err != nil {
		return domain.AttendanceRecord{}, domain.Validation(domain.CodeInvalidValue, err.Error())
	}
	var rec domain.AttendanceRecord
	err = l.tx.WithTx(ctx, func(ctx context.Context, r repository.Repos) error {
		var err error
		rec, err = l.DismissIn(ctx, r, Dismissal{Date: date, StudentID: studentID, At: at, AuthorizedPerson: authorizedPerson})
		return err
	})
	return rec, domain.Wrap(err)
}

// Dismissal is one dismissal-side write.
type Dismissal struct {
	Date             string
	StudentID        string
	At               time.Time
	AuthorizedPerson string
	PendingApproval  bool
}

// DismissIn is RecordDismissal inside the caller's transaction.
func (l *Ledger) DismissIn(ctx context.Context, r repository.Repos, d Dismissal) (domain.AttendanceRecord, error) {
	person := strings.TrimSpace(d.AuthorizedPerson)
	if person == "" {
		return domain.AttendanceRecord{}, domain.Validation(domain.CodeMissingField, "authorized pickup person is required")
	}

	var sheetID string
	existing, err := r.Sheets.FindRecord(ctx, d.StudentID, d.Date)
	if err != nil {
		return domain.AttendanceRecord{}, err
	}
	if existing != nil {
		sheetID = existing.SheetID
	} else {
		student, err := verify.ResolveStudentIDIn(ctx, r, d.StudentID)
		if err != nil {
			return domain.AttendanceRecord{}, err
		}
		sheet, _, err := l.SheetIn(ctx, r, student.ClassID, d.Date)
		if err != nil {
			return domain.AttendanceRecord{}, err
		}
		sheetID = sheet.ID
	}

	return r.Sheets.WriteDismissal(ctx, repository.DismissalWrite{
		SheetID:          sheetID,
		StudentID:        d.StudentID,
		DismissalTime:    d.At,
		AuthorizedPerson: person,
		PendingApproval:  d.PendingApproval,
		At:               d.At,
	})
}

// GetRecord returns the student's record for date, or nil.
func (l *Ledger) GetRecord(ctx context.Context, studentID, date string) (*domain.AttendanceRecord, error) {
	date, err := l.cal.ParseDate(date)
	if err != nil {
		return nil, domain.Validation(domain.CodeInvalidValue, err.Error())
	}
	var rec *domain.AttendanceRecord
	err = l.tx.WithTx(ctx, func(ctx context.Context, r repository.Repos) error {
		var err error
		rec, err = r.Sheets.FindRecord(ctx, studentID, date)
		return err
	})
	if err != nil {
		return nil, domain.Wrap(err)
	}
	return rec, nil
}

// RecordFor is GetRecord for a user: guardians see only their own students.
func (l *Ledger) RecordFor(ctx context.Context, actor domain.Actor, studentID, date string) (*domain.AttendanceRecord, error) {
	err := l.tx.WithTx(ctx, func(ctx context.Context, r repository.Repos) error {
		student, err := r.Students.Get(ctx, studentID)
		if err != nil {
			return err
		}
		if student == nil {
			return domain.NotFound(domain.CodeUnknownStudent, "unknown student")
		}
		if actor.IsGuardian() && !student.HasGuardian(actor.UserID) {
			return domain.Forbidden(domain.CodeNotLinked, "you are not a guardian of this student")
		}
		if !actor.IsGuardian() && !actor.IsStaff() {
			return domain.Forbidden(domain.CodeRoleRequired, "not allowed")
		}
		return nil
	})
	if err != nil {
		return nil, domain.Wrap(err)
	}
	return l.GetRecord(ctx, studentID, date)
}

// GetSheet returns the class's sheet for date without creating it, or nil.
func (l *Ledger) GetSheet(ctx context.Context, classID, date string) (*domain.AttendanceSheet, error) {
	date, err := l.cal.ParseDate(date)
	if err != nil {
		return nil, domain.Validation(domain.CodeInvalidValue, err.Error())
	}
	var sheet *domain.AttendanceSheet
	err = l.tx.WithTx(ctx, func(ctx context.Context, r repository.Repos) error {
		var err error
		sheet, err = r.Sheets.GetByClassDate(ctx, classID, date)
		return err
	})
	if err != nil {
		return nil, domain.Wrap(err)
	}
	return sheet, nil
}

// SheetFor is GetSheet for staff of the class.
func (l *Ledger) SheetFor(ctx context.Context, actor domain.Actor, classID, date string) (*domain.AttendanceSheet, error) {
	if !actor.IsStaff() {
		return nil, domain.CheckStaff(actor, nil)
	}
	err := l.tx.WithTx(ctx, func(ctx context.Context, r repository.Repos) error {
		class, err := r.Classes.Get(ctx, classID)
		if err != nil {
			return err
		}
		return domain.CheckStaff(actor, class)
	})
	if err != nil {
		return nil, domain.Wrap(err)
	}
	return l.GetSheet(ctx, classID, date)
}

// ScanResult is the outcome of a student badge scan.
type ScanResult struct {
	Student domain.Student          `json:"student"`
	Record  domain.AttendanceRecord `json:"record"`
	// Completed is the drop-off queue entry the scan closed, if any.
	Completed *domain.QueueEntry `json:"completed,omitempty"`
	// Repeat is true when the student was already marked in today.
	Repeat bool `json:"repeat"`
}

// MarkByScan checks a student in from a scanned badge: present, or late
// after the cutoff. An open drop-off queue entry for the student is
// completed in the same transaction. Scanning an arrived student again
// changes nothing.
func (l *Ledger) MarkByScan(ctx context.Context, actor domain.Actor, raw string) (ScanResult, error) {
	if !actor.IsStaff() {
		return ScanResult{}, domain.CheckStaff(actor, nil)
	}
	tok, err := verify.ClassifyAndValidate(raw, verify.KindStudentID)
	if err != nil {
		metrics.ScanRejects.WithLabelValues(domain.CodeInvalidFormat).Inc()
		return ScanResult{}, err
	}

	var (
		res   ScanResult
		staff []string
	)
	err = l.tx.WithTx(ctx, func(ctx context.Context, r repository.Repos) error {
		student, err := verify.ResolveStudentIDIn(ctx, r, tok.Value)
		if err != nil {
			return err
		}
		res.Student = student
		class, err := r.Classes.Get(ctx, student.ClassID)
		if err != nil {
			return err
		}
		if err := domain.CheckStaff(actor, class); err != nil {
			return err
		}
		staff = class.StaffIDs

		now := l.cal.Now()
		date := l.cal.DateOf(now)
		if prev, err := r.Sheets.FindRecord(ctx, student.ID, date); err != nil {
			return err
		} else if prev != nil && prev.Status != domain.StatusAbsent {
			res.Record, res.Repeat = *prev, true
			return nil
		}

		status := domain.StatusPresent
		if l.cal.After(now, l.lateAfter) {
			status = domain.StatusLate
		}
		res.Record, err = l.MarkIn(ctx, r, Mark{ClassID: student.ClassID, Date: date, StudentID: student.ID, Status: status, At: now})
		if err != nil {
			return err
		}

		open, err := r.Queue.Get(ctx, student.ID, date, domain.ModeDropoff)
		if err != nil {
			return err
		}
		if open != nil && open.Status != domain.QueueCompleted {
			done, err := l.queue.CompleteIn(ctx, r, arrival.Completion{
				Student:      student,
				GuardianID:   open.GuardianID,
				GuardianName: open.GuardianName,
				Date:         date,
				Mode:         domain.ModeDropoff,
				At:           now,
			})
			if err != nil {
				return err
			}
			res.Completed = &done
		}
		return nil
	})
	if err != nil {
		if de := domain.AsError(err); de.Code != "" {
			metrics.ScanRejects.WithLabelValues(de.Code).Inc()
		}
		return ScanResult{}, domain.Wrap(err)
	}
	if res.Repeat {
		return res, nil
	}

	events := []notify.Event{MarkedEvent(res.Record, staff, res.Student.GuardianIDs...)}
	if res.Completed != nil {
		events = append(events, arrival.RemovedEvent(*res.Completed, staff))
	}
	l.pub.Publish(ctx, events...)
	return res, nil
}

// MarkedEvent tells the class staff and the student's guardians about a
// ledger write. staffIDs is the class's roster staff.
func MarkedEvent(rec domain.AttendanceRecord, staffIDs []string, guardianIDs ...string) notify.Event {
	return notify.NewEvent(notify.AttendanceMarked, notify.Staff(rec.ClassID, staffIDs...).And(notify.Users(guardianIDs...)), rec)
}
