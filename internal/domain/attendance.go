package domain

import "time"

type AttendanceStatus string

const (
	StatusAbsent  AttendanceStatus = "absent"
	StatusPresent AttendanceStatus = "present"
	StatusLate    AttendanceStatus = "late"
)

func (s AttendanceStatus) Valid() bool {
	return s == StatusAbsent || s == StatusPresent || s == StatusLate
}

// AttendanceSheet is the ledger page for one class on one school date.
type AttendanceSheet struct {
	ID        string             `json:"id"`
	ClassID   string             `json:"class_id"`
	Date      string             `json:"date"`
	CreatedAt time.Time          `json:"created_at"`
	Records   []AttendanceRecord `json:"records"`
}

// Record returns the sheet's record for studentID, or nil.
func (s *AttendanceSheet) Record(studentID string) *AttendanceRecord {
	for i := range s.Records {
		if s.Records[i].StudentID == studentID {
			return &s.Records[i]
		}
	}
	return nil
}

type AttendanceRecord struct {
	SheetID                string           `json:"sheet_id"`
	ClassID                string           `json:"class_id"`
	Date                   string           `json:"date"`
	StudentID              string           `json:"student_id"`
	Status                 AttendanceStatus `json:"status"`
	ArrivalTime            *time.Time       `json:"arrival_time,omitempty"`
	DismissalTime          *time.Time       `json:"dismissal_time,omitempty"`
	AuthorizedPickupPerson string           `json:"authorized_pickup_person,omitempty"`
	PendingApproval        bool             `json:"pending_approval"`
	UpdatedAt              time.Time        `json:"updated_at"`
}
