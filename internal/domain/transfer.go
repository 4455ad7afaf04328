package domain

import "time"

type TransferState string

const (
	TransferPending   TransferState = "pending"
	TransferCommitted TransferState = "committed"
	TransferRejected  TransferState = "rejected"
)

type Approval string

const (
	ApprovalNone     Approval = "none"
	ApprovalAwaiting Approval = "awaiting"
	ApprovalApproved Approval = "approved"
)

// Transfer is one custody hand-over attempt between a guardian and staff.
type Transfer struct {
	ID           string        `json:"id"`
	PassToken    string        `json:"pass_token,omitempty"`
	StudentID    string        `json:"student_id"`
	ClassID      string        `json:"class_id"`
	GuardianID   string        `json:"guardian_id,omitempty"`
	GuardianName string        `json:"guardian_name"`
	Purpose      Purpose       `json:"purpose"`
	Mode         ClassMode     `json:"mode"`
	Date         string        `json:"date"`
	State        TransferState `json:"state"`
	Override     bool          `json:"override"`
	Approval     Approval      `json:"approval"`
	RequestedBy  string        `json:"requested_by"`
	DecidedBy    string        `json:"decided_by,omitempty"`
	ApprovedBy   string        `json:"approved_by,omitempty"`
	Reason       string        `json:"reason,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	DecidedAt    *time.Time    `json:"decided_at,omitempty"`
	ApprovedAt   *time.Time    `json:"approved_at,omitempty"`
}
