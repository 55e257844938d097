package report

import (
	"errors"
	"math"
	"sort"

	"classtrack/internal/attendance"
)

// Kind identifies a report shape. Parsed once at the boundary; everything
// downstream is typed.
type Kind string

const (
	KindDaily    Kind = "daily"
	KindSummary  Kind = "summary"
	KindDetailed Kind = "detailed"
	KindClass    Kind = "class"
	KindStudent  Kind = "student"
)

// ErrBadKind rejects unknown report kinds.
var ErrBadKind = errors.New("invalid report type")

// ParseKind validates a requested report kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindSummary, KindDetailed, KindClass, KindStudent, KindDaily:
		return Kind(s), nil
	}
	return "", ErrBadKind
}

// Report is implemented by every report shape.
type Report interface {
	Kind() Kind
	CSV() ([]byte, error)
}

// round2 keeps rates at two decimals, computed once so JSON and CSV agree.
func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// rate returns present/total as a percentage, 0 when total is 0.
func rate(present, total int) float64 {
	if total == 0 {
		return 0
	}
	return round2(float64(present) / float64(total) * 100)
}

// ClassDaily is one class's slice of a daily report.
type ClassDaily struct {
	ClassID        string  `json:"class_id"`
	ClassName      string  `json:"class_name"`
	CourseCode     string  `json:"course_code"`
	Total          int     `json:"total"`
	Present        int     `json:"present"`
	Late           int     `json:"late"`
	AttendanceRate float64 `json:"attendance_rate"`
}

// DailyReport groups one day's records by class.
type DailyReport struct {
	Date           string       `json:"date"`
	Classes        []ClassDaily `json:"classes"`
	Total          int          `json:"total"`
	Present        int          `json:"present"`
	Late           int          `json:"late"`
	AttendanceRate float64      `json:"attendance_rate"`
}

func (*DailyReport) Kind() Kind { return KindDaily }

// BuildDaily aggregates one day's records per class, sorted by class id.
func BuildDaily(date string, recs []attendance.Record) *DailyReport {
	byClass := map[string]*ClassDaily{}
	rep := &DailyReport{Date: date}
	for _, r := range recs {
		c, ok := byClass[r.ClassID]
		if !ok {
			c = &ClassDaily{ClassID: r.ClassID, ClassName: r.ClassName, CourseCode: r.CourseCode}
			byClass[r.ClassID] = c
		}
		c.Total++
		rep.Total++
		switch r.Status {
		case attendance.Present:
			c.Present++
			rep.Present++
		case attendance.Late:
			c.Late++
			rep.Late++
		}
	}

	ids := make([]string, 0, len(byClass))
	for id := range byClass {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		c := byClass[id]
		c.AttendanceRate = rate(c.Present, c.Total)
		rep.Classes = append(rep.Classes, *c)
	}
	rep.AttendanceRate = rate(rep.Present, rep.Total)
	return rep
}

// DayBreakdown is a per-day line in summary and student reports.
type DayBreakdown struct {
	Date           string  `json:"date"`
	Total          int     `json:"total"`
	Present        int     `json:"present"`
	Late           int     `json:"late"`
	AttendanceRate float64 `json:"attendance_rate"`
}

// SummaryReport covers a date range. Absent is always zero from this data
// source: absence is never written as a record, only inferred downstream
// against a roster this engine does not own.
type SummaryReport struct {
	From           string         `json:"from"`
	To             string         `json:"to"`
	TotalRecords   int            `json:"total_records"`
	UniqueStudents int            `json:"unique_students"`
	UniqueClasses  int            `json:"unique_classes"`
	Present        int            `json:"present"`
	Late           int            `json:"late"`
	Absent         int            `json:"absent"`
	AttendanceRate float64        `json:"attendance_rate"`
	Days           []DayBreakdown `json:"days"`
}

func (*SummaryReport) Kind() Kind { return KindSummary }

// BuildSummary aggregates a range of records into overall counts plus a
// per-day breakdown sorted by date.
func BuildSummary(from, to string, recs []attendance.Record) *SummaryReport {
	rep := &SummaryReport{From: from, To: to}
	students := map[string]struct{}{}
	classes := map[string]struct{}{}
	days := map[string]*DayBreakdown{}

	for _, r := range recs {
		rep.TotalRecords++
		students[r.UserID] = struct{}{}
		classes[r.ClassID] = struct{}{}

		d, ok := days[r.Date]
		if !ok {
			d = &DayBreakdown{Date: r.Date}
			days[r.Date] = d
		}
		d.Total++
		switch r.Status {
		case attendance.Present:
			rep.Present++
			d.Present++
		case attendance.Late:
			rep.Late++
			d.Late++
		}
	}

	rep.UniqueStudents = len(students)
	rep.UniqueClasses = len(classes)
	rep.AttendanceRate = rate(rep.Present, rep.TotalRecords)

	dates := make([]string, 0, len(days))
	for d := range days {
		dates = append(dates, d)
	}
	sort.Strings(dates)
	for _, d := range dates {
		b := days[d]
		b.AttendanceRate = rate(b.Present, b.Total)
		rep.Days = append(rep.Days, *b)
	}
	return rep
}

// StudentRow is one student's aggregate over a range.
type StudentRow struct {
	UserID             string         `json:"user_id"`
	UserName           string         `json:"user_name"`
	Sessions           int            `json:"sessions"`
	Present            int            `json:"present"`
	Late               int            `json:"late"`
	AttendanceRate     float64        `json:"attendance_rate"`
	AvgDurationMinutes float64        `json:"avg_duration_minutes"`
	Days               []DayBreakdown `json:"days,omitempty"`

	durationSum   int
	durationCount int
}

// ClassReport breaks one class down per student. The per-student rate counts
// late arrivals as attended: (present+late)/sessions.
type ClassReport struct {
	ClassID   string       `json:"class_id"`
	ClassName string       `json:"class_name"`
	From      string       `json:"from"`
	To        string       `json:"to"`
	Students  []StudentRow `json:"students"`
}

func (*ClassReport) Kind() Kind { return KindClass }

// BuildClass aggregates one class's records per student, sorted by user id.
func BuildClass(classID, from, to string, recs []attendance.Record) *ClassReport {
	rep := &ClassReport{ClassID: classID, From: from, To: to}
	rows := map[string]*StudentRow{}
	for _, r := range recs {
		if r.ClassID != classID {
			continue
		}
		if rep.ClassName == "" {
			rep.ClassName = r.ClassName
		}
		tallyRow(fetchRow(rows, r), r)
	}
	rep.Students = sortRows(rows)
	return rep
}

// StudentReport mirrors ClassReport but grouped by student across classes,
// with a date-keyed breakdown per student.
type StudentReport struct {
	From     string       `json:"from"`
	To       string       `json:"to"`
	Students []StudentRow `json:"students"`
}

func (*StudentReport) Kind() Kind { return KindStudent }

// BuildStudent aggregates records per student across all their classes.
func BuildStudent(from, to string, recs []attendance.Record) *StudentReport {
	rep := &StudentReport{From: from, To: to}
	rows := map[string]*StudentRow{}
	byDate := map[string]map[string]*DayBreakdown{}

	for _, r := range recs {
		tallyRow(fetchRow(rows, r), r)

		dates, ok := byDate[r.UserID]
		if !ok {
			dates = map[string]*DayBreakdown{}
			byDate[r.UserID] = dates
		}
		d, ok := dates[r.Date]
		if !ok {
			d = &DayBreakdown{Date: r.Date}
			dates[r.Date] = d
		}
		d.Total++
		switch r.Status {
		case attendance.Present:
			d.Present++
		case attendance.Late:
			d.Late++
		}
	}

	rep.Students = sortRows(rows)
	for i := range rep.Students {
		dates := byDate[rep.Students[i].UserID]
		keys := make([]string, 0, len(dates))
		for d := range dates {
			keys = append(keys, d)
		}
		sort.Strings(keys)
		for _, d := range keys {
			b := dates[d]
			b.AttendanceRate = rate(b.Present, b.Total)
			rep.Students[i].Days = append(rep.Students[i].Days, *b)
		}
	}
	return rep
}

// DetailedReport lists individual records, relying on the display fields
// denormalized at write time.
type DetailedReport struct {
	From    string              `json:"from"`
	To      string              `json:"to"`
	Records []attendance.Record `json:"records"`
}

func (*DetailedReport) Kind() Kind { return KindDetailed }

// BuildDetailed orders records newest first with id as tie-break so the
// output is stable.
func BuildDetailed(from, to string, recs []attendance.Record) *DetailedReport {
	sorted := make([]attendance.Record, len(recs))
	copy(sorted, recs)
	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].CheckInTime.Equal(sorted[j].CheckInTime) {
			return sorted[i].CheckInTime.After(sorted[j].CheckInTime)
		}
		return sorted[i].ID < sorted[j].ID
	})
	return &DetailedReport{From: from, To: to, Records: sorted}
}

func fetchRow(rows map[string]*StudentRow, r attendance.Record) *StudentRow {
	row, ok := rows[r.UserID]
	if !ok {
		row = &StudentRow{UserID: r.UserID, UserName: r.UserName}
		rows[r.UserID] = row
	}
	return row
}

func tallyRow(row *StudentRow, r attendance.Record) {
	row.Sessions++
	switch r.Status {
	case attendance.Present:
		row.Present++
	case attendance.Late:
		row.Late++
	}
	if r.DurationMinutes != nil {
		row.durationSum += *r.DurationMinutes
		row.durationCount++
	}
}

func sortRows(rows map[string]*StudentRow) []StudentRow {
	ids := make([]string, 0, len(rows))
	for id := range rows {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]StudentRow, 0, len(rows))
	for _, id := range ids {
		row := rows[id]
		row.AttendanceRate = rate(row.Present+row.Late, row.Sessions)
		if row.durationCount > 0 {
			row.AvgDurationMinutes = round2(float64(row.durationSum) / float64(row.durationCount))
		}
		out = append(out, *row)
	}
	return out
}
