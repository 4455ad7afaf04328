package domain

import "time"

type QueueStatus string

const (
	QueueOnTheWay  QueueStatus = "otw"
	QueueLate      QueueStatus = "late"
	QueueHere      QueueStatus = "here"
	QueueCompleted QueueStatus = "completed"
)

// GuardianSettable reports whether a guardian may set s on their own ticket.
func (s QueueStatus) GuardianSettable() bool {
	return s == QueueOnTheWay || s == QueueLate || s == QueueHere
}

// QueueEntry is a guardian's live ticket for one leg of one student's day.
// Guardian fields are a snapshot taken when the guardian last updated it.
type QueueEntry struct {
	ID               string      `json:"id"`
	StudentID        string      `json:"student_id"`
	StudentName      string      `json:"student_name"`
	GuardianID       string      `json:"guardian_id,omitempty"`
	GuardianName     string      `json:"guardian_name"`
	GuardianPhotoURL string      `json:"guardian_photo_url,omitempty"`
	ClassID          string      `json:"class_id"`
	Date             string      `json:"date"`
	Mode             ClassMode   `json:"mode"`
	Status           QueueStatus `json:"status"`
	PendingApproval  bool        `json:"pending_approval"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// Purpose is carried in a guardian pass and selects the queue leg.
type Purpose string

const (
	PurposeDropOff Purpose = "Drop off"
	PurposePickUp  Purpose = "Pick up"
)

func (p Purpose) Valid() bool { return p == PurposeDropOff || p == PurposePickUp }

// Mode is the queue leg a purpose belongs to.
func (p Purpose) Mode() ClassMode {
	if p == PurposePickUp {
		return ModeDismissal
	}
	return ModeDropoff
}
