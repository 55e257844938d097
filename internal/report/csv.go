package report

import (
	"bytes"
	"encoding/csv"
	"strconv"
	"time"
)

// Each report kind flattens into a fixed column list. Numeric cells emit the
// already-rounded values so CSV and JSON never disagree.

func fmtRate(v float64) string { return strconv.FormatFloat(v, 'f', 2, 64) }

// CSV renders the daily report, one row per class.
func (r *DailyReport) CSV() ([]byte, error) {
	return writeCSV(
		[]string{"date", "class_id", "class_name", "course_code", "total", "present", "late", "attendance_rate"},
		len(r.Classes),
		func(i int) []string {
			c := r.Classes[i]
			return []string{
				r.Date, c.ClassID, c.ClassName, c.CourseCode,
				strconv.Itoa(c.Total), strconv.Itoa(c.Present), strconv.Itoa(c.Late),
				fmtRate(c.AttendanceRate),
			}
		})
}

// CSV renders the summary report, one row per day.
func (r *SummaryReport) CSV() ([]byte, error) {
	return writeCSV(
		[]string{"date", "total", "present", "late", "absent", "attendance_rate"},
		len(r.Days),
		func(i int) []string {
			d := r.Days[i]
			return []string{
				d.Date, strconv.Itoa(d.Total), strconv.Itoa(d.Present), strconv.Itoa(d.Late),
				strconv.Itoa(r.Absent), fmtRate(d.AttendanceRate),
			}
		})
}

// CSV renders the class report, one row per student.
func (r *ClassReport) CSV() ([]byte, error) {
	return writeCSV(studentColumns("class_id"), len(r.Students), func(i int) []string {
		return studentCells(r.ClassID, r.Students[i])
	})
}

// CSV renders the student report, one row per student across classes.
func (r *StudentReport) CSV() ([]byte, error) {
	return writeCSV(studentColumns(""), len(r.Students), func(i int) []string {
		return studentCells("", r.Students[i])
	})
}

// CSV renders the detailed report, one row per record.
func (r *DetailedReport) CSV() ([]byte, error) {
	header := []string{
		"id", "user_id", "user_name", "class_id", "class_name", "course_code",
		"date", "check_in_time", "check_out_time", "attendance_status",
		"session_duration_minutes", "token_used",
	}
	return writeCSV(header, len(r.Records), func(i int) []string {
		rec := r.Records[i]
		checkOut := ""
		if rec.CheckOutTime != nil {
			checkOut = rec.CheckOutTime.UTC().Format(time.RFC3339)
		}
		duration := ""
		if rec.DurationMinutes != nil {
			duration = strconv.Itoa(*rec.DurationMinutes)
		}
		return []string{
			rec.ID, rec.UserID, rec.UserName, rec.ClassID, rec.ClassName, rec.CourseCode,
			rec.Date, rec.CheckInTime.UTC().Format(time.RFC3339), checkOut, string(rec.Status),
			duration, strconv.FormatBool(rec.TokenUsed),
		}
	})
}

func studentColumns(extra string) []string {
	cols := []string{}
	if extra != "" {
		cols = append(cols, extra)
	}
	return append(cols,
		"user_id", "user_name", "sessions", "present", "late",
		"attendance_rate", "avg_duration_minutes")
}

func studentCells(classID string, row StudentRow) []string {
	cells := []string{}
	if classID != "" {
		cells = append(cells, classID)
	}
	return append(cells,
		row.UserID, row.UserName,
		strconv.Itoa(row.Sessions), strconv.Itoa(row.Present), strconv.Itoa(row.Late),
		fmtRate(row.AttendanceRate), fmtRate(row.AvgDurationMinutes))
}

func writeCSV(header []string, n int, row func(int) []string) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(header); err != nil {
		return nil, err
	}
	for i := 0; i < n; i++ {
		if err := w.Write(row(i)); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
