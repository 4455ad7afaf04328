package domain

import "time"

// GuardianPass authorizes one guardian to drop off or pick up one student, once.
type GuardianPass struct {
	Token        string     `json:"token"`
	StudentID    string     `json:"student_id"`
	GuardianID   string     `json:"guardian_id"`
	GuardianName string     `json:"guardian_name"`
	Purpose      Purpose    `json:"purpose"`
	IssuedAt     time.Time  `json:"issued_at"`
	ExpiresAt    time.Time  `json:"expires_at"`
	UsedAt       *time.Time `json:"used_at,omitempty"`
	RevokedAt    *time.Time `json:"revoked_at,omitempty"`
}

func (p GuardianPass) Expired(now time.Time) bool { return !now.Before(p.ExpiresAt) }

func (p GuardianPass) Spent() bool { return p.UsedAt != nil || p.RevokedAt != nil }
