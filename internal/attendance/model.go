package attendance

import (
	"time"

	"classtrack/internal/geo"
)

// Lifecycle is the coarse presence state of a record.
type Lifecycle string

const (
	CheckedIn  Lifecycle = "CHECKED_IN"
	CheckedOut Lifecycle = "CHECKED_OUT"
)

// Status is the timing classification fixed at check-in and never revised.
type Status string

const (
	Present Status = "PRESENT"
	Late    Status = "LATE"
	Absent  Status = "ABSENT"
)

// DateLayout is the calendar-day key format used across the store and reports.
const DateLayout = "2006-01-02"

// Record is one attendance session for a (user, class, day).
// userName, className, courseCode and instructorId are projected from the
// class session and caller identity at write time so reports never join;
// they are intentionally stale if the source records change later.
type Record struct {
	ID              string     `json:"id"`
	UserID          string     `json:"user_id"`
	ClassID         string     `json:"class_id"`
	Date            string     `json:"date"`
	CheckInTime     time.Time  `json:"check_in_time"`
	CheckOutTime    *time.Time `json:"check_out_time,omitempty"`
	Lifecycle       Lifecycle  `json:"lifecycle_status"`
	Status          Status     `json:"attendance_status"`
	DurationMinutes *int       `json:"session_duration_minutes,omitempty"`

	CheckInLocation  *geo.Point `json:"check_in_location,omitempty"`
	CheckOutLocation *geo.Point `json:"check_out_location,omitempty"`
	TokenUsed        bool       `json:"token_used"`

	UserName     string `json:"user_name,omitempty"`
	ClassName    string `json:"class_name,omitempty"`
	CourseCode   string `json:"course_code,omitempty"`
	InstructorID string `json:"instructor_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// ActiveKey is the uniqueness key guarding the single-active-session
// invariant: at most one CHECKED_IN record per (user, class, day).
func ActiveKey(userID, classID, date string) string {
	return userID + "#" + classID + "#" + date
}

// Identity is the verified caller supplied by the upstream identity
// collaborator. The engine trusts it and only checks roles and ownership.
type Identity struct {
	UserID      string
	DisplayName string
	Roles       []string
}

// HasRole reports whether the identity carries the given role.
func (id Identity) HasRole(role string) bool {
	for _, r := range id.Roles {
		if r == role {
			return true
		}
	}
	return false
}
