package domain

// Role is the account type of the acting user.
type Role string

const (
	RoleGuardian Role = "guardian"
	RoleParent   Role = "parent"
	RoleTeacher  Role = "teacher"
	RoleAdmin    Role = "admin"
)

// Actor is the session of the user performing an operation. It is passed
// explicitly to core operations; nothing reads the session from ambient state.
type Actor struct {
	UserID  string `json:"user_id"`
	Role    Role   `json:"role"`
	ClassID string `json:"class_id,omitempty"`
	Name    string `json:"name,omitempty"`
}

func (a Actor) IsGuardian() bool { return a.Role == RoleGuardian || a.Role == RoleParent }

func (a Actor) IsStaff() bool { return a.Role == RoleTeacher || a.Role == RoleAdmin }

func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }

// ParseRole returns the role for s, or false if s is not a known role.
func ParseRole(s string) (Role, bool) {
	switch r := Role(s); r {
	case RoleGuardian, RoleParent, RoleTeacher, RoleAdmin:
		return r, true
	default:
		return "", false
	}
}
