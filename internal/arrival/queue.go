// Package arrival keeps the live queue of guardians on their way to drop off
// or pick up a student. There is one entry per student, school date and leg.
package arrival

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"schoolgate/internal/domain"
	"schoolgate/internal/logging"
	"schoolgate/internal/metrics"
	"schoolgate/internal/notify"
	"schoolgate/internal/repository"
	"schoolgate/internal/schoolday"
)

type Queue struct {
	tx  repository.TxManager
	cal *schoolday.Calendar
	pub notify.Publisher
	log logging.Logger
}

func NewQueue(tx repository.TxManager, cal *schoolday.Calendar, pub notify.Publisher, log logging.Logger) *Queue {
	return &Queue{tx: tx, cal: cal, pub: pub, log: log}
}

// Active is a class's open queue for the leg it is currently in.
type Active struct {
	ClassID string              `json:"class_id"`
	Mode    domain.ClassMode    `json:"mode"`
	Date    string              `json:"date"`
	Entries []domain.QueueEntry `json:"entries"`
}

// UpsertStatus sets the acting guardian's status for studentID on today's
// mode leg. The guardian's name and photo are copied onto the entry as they
// are now. created is false when an open entry was overwritten.
func (q *Queue) UpsertStatus(ctx context.Context, actor domain.Actor, studentID string, mode domain.ClassMode, status domain.QueueStatus) (domain.QueueEntry, bool, error) {
	if !actor.IsGuardian() {
		return domain.QueueEntry{}, false, domain.Forbidden(domain.CodeRoleRequired, "only guardians can update their status")
	}
	studentID = strings.TrimSpace(studentID)
	if studentID == "" {
		return domain.QueueEntry{}, false, domain.Validation(domain.CodeMissingField, "student is required")
	}
	if !mode.IsLeg() {
		return domain.QueueEntry{}, false, domain.Validation(domain.CodeInvalidValue, "mode must be dropoff or dismissal")
	}
	if !status.GuardianSettable() {
		return domain.QueueEntry{}, false, domain.Validation(domain.CodeInvalidValue, "status must be otw, late or here")
	}

	var (
		entry   domain.QueueEntry
		created bool
		staff   []string
	)
	err := q.tx.WithTx(ctx, func(ctx context.Context, r repository.Repos) error {
		student, err := r.Students.Get(ctx, studentID)
		if err != nil {
			return err
		}
		if student == nil {
			return domain.NotFound(domain.CodeUnknownStudent, "unknown student")
		}
		if !student.HasGuardian(actor.UserID) {
			return domain.Forbidden(domain.CodeNotLinked, "you are not a guardian of this student")
		}
		class, err := r.Classes.Get(ctx, student.ClassID)
		if err != nil {
			return err
		}
		if class != nil {
			staff = class.StaffIDs
		}

		name, photo := actor.Name, ""
		profile, err := r.Guardians.Get(ctx, actor.UserID)
		if err != nil {
			return err
		}
		if profile != nil {
			name, photo = profile.DisplayName, profile.PhotoURL
		}

		entry, created, err = r.Queue.Upsert(ctx, domain.QueueEntry{
			ID:               uuid.NewString(),
			StudentID:        student.ID,
			StudentName:      student.Name,
			GuardianID:       actor.UserID,
			GuardianName:     name,
			GuardianPhotoURL: photo,
			ClassID:          student.ClassID,
			Date:             q.cal.Today(),
			Mode:             mode,
			Status:           status,
			UpdatedAt:        q.cal.Now(),
		})
		if errors.Is(err, repository.ErrConflict) {
			return domain.State(domain.CodeAlreadyProcessed, "this student was already handed over today")
		}
		return err
	})
	if err != nil {
		return domain.QueueEntry{}, false, domain.Wrap(err)
	}

	metrics.QueueUpserts.WithLabelValues(string(status)).Inc()
	q.pub.Publish(ctx, AddedEvent(entry, staff))
	return entry, created, nil
}

// ListActive returns today's open entries for the class's current leg.
// A class outside drop-off and dismissal has nothing to act on.
func (q *Queue) ListActive(ctx context.Context, actor domain.Actor, classID string) (Active, error) {
	out := Active{ClassID: classID, Date: q.cal.Today(), Entries: []domain.QueueEntry{}}
	err := q.tx.WithTx(ctx, func(ctx context.Context, r repository.Repos) error {
		class, err := staffClass(ctx, r, actor, classID)
		if err != nil {
			return err
		}
		out.Mode = class.Mode
		if !class.Mode.IsLeg() {
			return nil
		}
		out.Entries, err = r.Queue.ListActive(ctx, classID, out.Date, class.Mode)
		return err
	})
	if err != nil {
		return Active{}, domain.Wrap(err)
	}
	return out, nil
}

// SetMode switches the class to another day phase.
func (q *Queue) SetMode(ctx context.Context, actor domain.Actor, classID string, mode domain.ClassMode) (domain.ClassRoster, error) {
	if !mode.Valid() {
		return domain.ClassRoster{}, domain.Validation(domain.CodeInvalidValue, "mode must be dropoff, dismissal or class")
	}
	var class domain.ClassRoster
	err := q.tx.WithTx(ctx, func(ctx context.Context, r repository.Repos) error {
		c, err := staffClass(ctx, r, actor, classID)
		if err != nil {
			return err
		}
		if _, err := r.Classes.SetMode(ctx, classID, mode); err != nil {
			return err
		}
		c.Mode = mode
		class = c
		return nil
	})
	if err != nil {
		return domain.ClassRoster{}, domain.Wrap(err)
	}
	q.log.Infof("class %s switched to %s by %s", classID, mode, actor.UserID)
	return class, nil
}

// Remove drops today's open entries for studentID, typically false or
// duplicate pings. Completed entries stay for the day's history.
func (q *Queue) Remove(ctx context.Context, actor domain.Actor, studentID string) ([]domain.QueueEntry, error) {
	var (
		removed []domain.QueueEntry
		class   domain.ClassRoster
	)
	err := q.tx.WithTx(ctx, func(ctx context.Context, r repository.Repos) error {
		student, err := r.Students.Get(ctx, studentID)
		if err != nil {
			return err
		}
		if student == nil {
			return domain.NotFound(domain.CodeUnknownStudent, "unknown student")
		}
		if class, err = staffClass(ctx, r, actor, student.ClassID); err != nil {
			return err
		}
		removed, err = r.Queue.DeleteOpen(ctx, student.ID, q.cal.Today())
		return err
	})
	if err != nil {
		return nil, domain.Wrap(err)
	}
	for _, e := range removed {
		q.pub.Publish(ctx, RemovedEvent(e, class.StaffIDs))
	}
	return removed, nil
}

// Complete marks studentID's entry for mode completed, creating a completed
// entry when no guardian ever pinged.
func (q *Queue) Complete(ctx context.Context, actor domain.Actor, studentID string, mode domain.ClassMode) (domain.QueueEntry, error) {
	if !mode.IsLeg() {
		return domain.QueueEntry{}, domain.Validation(domain.CodeInvalidValue, "mode must be dropoff or dismissal")
	}
	var (
		entry domain.QueueEntry
		class domain.ClassRoster
	)
	err := q.tx.WithTx(ctx, func(ctx context.Context, r repository.Repos) error {
		student, err := r.Students.Get(ctx, studentID)
		if err != nil {
			return err
		}
		if student == nil {
			return domain.NotFound(domain.CodeUnknownStudent, "unknown student")
		}
		if class, err = staffClass(ctx, r, actor, student.ClassID); err != nil {
			return err
		}
		entry, err = q.CompleteIn(ctx, r, Completion{Student: *student, Date: q.cal.Today(), Mode: mode, At: q.cal.Now()})
		return err
	})
	if err != nil {
		return domain.QueueEntry{}, domain.Wrap(err)
	}
	q.pub.Publish(ctx, RemovedEvent(entry, class.StaffIDs))
	return entry, nil
}

// Completion describes a finished hand-over for CompleteIn.
type Completion struct {
	Student         domain.Student
	GuardianID      string
	GuardianName    string
	Date            string
	Mode            domain.ClassMode
	PendingApproval bool
	At              time.Time
}

// CompleteIn completes the entry inside the caller's transaction. An entry
// that is already completed is a state error.
func (q *Queue) CompleteIn(ctx context.Context, r repository.Repos, c Completion) (domain.QueueEntry, error) {
	entry, err := r.Queue.Complete(ctx, domain.QueueEntry{
		ID:              uuid.NewString(),
		StudentID:       c.Student.ID,
		StudentName:     c.Student.Name,
		GuardianID:      c.GuardianID,
		GuardianName:    c.GuardianName,
		ClassID:         c.Student.ClassID,
		Date:            c.Date,
		Mode:            c.Mode,
		PendingApproval: c.PendingApproval,
		UpdatedAt:       c.At,
	})
	if errors.Is(err, repository.ErrConflict) {
		return domain.QueueEntry{}, domain.State(domain.CodeAlreadyProcessed, "this hand-over was already completed")
	}
	return entry, err
}

// AddedEvent tells the class staff and the guardian about a new or updated
// entry. staffIDs is the class's roster staff.
func AddedEvent(e domain.QueueEntry, staffIDs []string) notify.Event {
	return notify.NewEvent(notify.QueueEntryAdded, notify.Staff(e.ClassID, staffIDs...).And(notify.Users(e.GuardianID)), e)
}

// RemovedEvent tells the class staff and the guardian that an entry left the active queue.
func RemovedEvent(e domain.QueueEntry, staffIDs []string) notify.Event {
	return notify.NewEvent(notify.QueueEntryRemoved, notify.Staff(e.ClassID, staffIDs...).And(notify.Users(e.GuardianID)), e)
}

func staffClass(ctx context.Context, r repository.Repos, actor domain.Actor, classID string) (domain.ClassRoster, error) {
	if !actor.IsStaff() {
		return domain.ClassRoster{}, domain.CheckStaff(actor, nil)
	}
	class, err := r.Classes.Get(ctx, classID)
	if err != nil {
		return domain.ClassRoster{}, err
	}
	if err := domain.CheckStaff(actor, class); err != nil {
		return domain.ClassRoster{}, err
	}
	return *class, nil
}
