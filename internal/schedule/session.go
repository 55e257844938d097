package schedule

import (
	"time"

	"classtrack/internal/geo"
)

// Session is the read-only class reference data owned by the external
// scheduling service. The engine never writes it.
type Session struct {
	ClassID      string     `json:"class_id"`
	Name         string     `json:"name"`
	CourseCode   string     `json:"course_code"`
	InstructorID string     `json:"instructor_id"`
	StartTime    time.Time  `json:"start_time"`
	Location     *geo.Point `json:"location,omitempty"`
}
