package domain

import "time"

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Notification is the stored copy of a pushed event for a recipient.
// RecipientID targets one user; otherwise every user with RecipientRole
// (optionally limited to ClassID) sees it.
type Notification struct {
	ID            string    `json:"id"`
	RecipientRole Role      `json:"recipient_role,omitempty"`
	RecipientID   string    `json:"recipient_id,omitempty"`
	ClassID       string    `json:"class_id,omitempty"`
	EventType     string    `json:"event_type"`
	Message       string    `json:"message"`
	Severity      Severity  `json:"severity"`
	RelatedID     string    `json:"related_id,omitempty"`
	Read          bool      `json:"read"`
	CreatedAt     time.Time `json:"created_at"`
}

// VisibleTo reports whether a is a recipient of n. staffs reports whether a
// is on a class's roster staff; it may be nil.
func (n Notification) VisibleTo(a Actor, staffs func(classID string) bool) bool {
	if n.RecipientID != "" {
		return n.RecipientID == a.UserID
	}
	if n.RecipientRole != "" && n.RecipientRole != a.Role {
		return false
	}
	if n.ClassID == "" || n.ClassID == a.ClassID || a.IsAdmin() {
		return true
	}
	return staffs != nil && staffs(n.ClassID)
}
