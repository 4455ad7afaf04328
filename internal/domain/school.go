package domain

import "time"

// Student is owned by school records; ledger and queue entries only reference it.
type Student struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	ClassID     string    `json:"class_id"`
	GuardianIDs []string  `json:"guardian_ids"`
	HealthNotes string    `json:"health_notes,omitempty"`
	PhotoURL    string    `json:"photo_url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func (s Student) HasGuardian(guardianID string) bool {
	for _, id := range s.GuardianIDs {
		if id == guardianID {
			return true
		}
	}
	return false
}

// Guardian is the profile a queue entry's name and photo are copied from.
type Guardian struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	PhotoURL    string `json:"photo_url,omitempty"`
}

// ClassMode is the day-phase flag a class is in.
type ClassMode string

const (
	ModeDropoff   ClassMode = "dropoff"
	ModeDismissal ClassMode = "dismissal"
	ModeClass     ClassMode = "class"
)

func (m ClassMode) Valid() bool {
	return m == ModeDropoff || m == ModeDismissal || m == ModeClass
}

// IsLeg reports whether m is one of the two transfer legs of the day.
func (m ClassMode) IsLeg() bool {
	return m == ModeDropoff || m == ModeDismissal
}

// ClassRoster is mutated only by staff actions.
type ClassRoster struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	StaffIDs   []string  `json:"staff_ids"`
	StudentIDs []string  `json:"student_ids"`
	Mode       ClassMode `json:"mode"`
}

func (c ClassRoster) HasStudent(studentID string) bool {
	for _, id := range c.StudentIDs {
		if id == studentID {
			return true
		}
	}
	return false
}

func (c ClassRoster) HasStaff(userID string) bool {
	for _, id := range c.StaffIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// Permits reports whether a may act as staff on c. Admins act on every class.
func (c ClassRoster) Permits(a Actor) bool {
	if a.IsAdmin() {
		return true
	}
	return a.Role == RoleTeacher && (a.ClassID == c.ID || c.HasStaff(a.UserID))
}

// CheckStaff returns nil if a may act as staff on c. A nil c is an unknown class.
func CheckStaff(a Actor, c *ClassRoster) error {
	if !a.IsStaff() {
		return Forbidden(CodeRoleRequired, "only staff can do this")
	}
	if c == nil {
		return NotFound(CodeUnknownClass, "unknown class")
	}
	if !c.Permits(a) {
		return Forbidden(CodeRoleRequired, "you are not assigned to this class")
	}
	return nil
}
