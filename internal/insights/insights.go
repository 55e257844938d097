package insights

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"classtrack/internal/attendance"
)

// Period is the rolling window an analytics query covers.
type Period string

const (
	Day     Period = "day"
	Week    Period = "week"
	Month   Period = "month"
	Quarter Period = "quarter"
)

// ErrBadPeriod rejects unknown periods.
var ErrBadPeriod = errors.New("invalid analytics period")

// ParsePeriod validates a requested period.
func ParsePeriod(s string) (Period, error) {
	switch Period(s) {
	case Day, Week, Month, Quarter:
		return Period(s), nil
	}
	return "", ErrBadPeriod
}

// Range resolves a period to an inclusive [from, to] date pair ending today
// in the given zone.
func Range(p Period, now time.Time, loc *time.Location) (from, to string) {
	end := now.In(loc)
	days := 0
	switch p {
	case Week:
		days = 6
	case Month:
		days = 29
	case Quarter:
		days = 89
	}
	return end.AddDate(0, 0, -days).Format(attendance.DateLayout), end.Format(attendance.DateLayout)
}

// TrendPoint is one day on the attendance trend line.
type TrendPoint struct {
	Date    string  `json:"date"`
	Total   int     `json:"total"`
	Present int     `json:"present"`
	Late    int     `json:"late"`
	Rate    float64 `json:"rate"`
}

// Insight is one computed observation; the message is rendered from the
// value, never hand-authored per record.
type Insight struct {
	Type    string  `json:"type"`
	Message string  `json:"message"`
	Value   float64 `json:"value"`
	Date    string  `json:"date,omitempty"`
}

// Analytics is the full response for one period.
type Analytics struct {
	Period   Period       `json:"period"`
	From     string       `json:"from"`
	To       string       `json:"to"`
	Total    int          `json:"total"`
	Trend    []TrendPoint `json:"daily_trend"`
	Insights []Insight    `json:"insights"`
}

// Build computes the trend line and insights over a window of records.
// Output is deterministic: the trend is date-sorted and peak-day ties break
// to the earliest date.
func Build(period Period, from, to string, recs []attendance.Record) Analytics {
	a := Analytics{Period: period, From: from, To: to, Total: len(recs)}

	byDate := map[string]*TrendPoint{}
	late := 0
	tokenUsed := 0
	for _, r := range recs {
		p, ok := byDate[r.Date]
		if !ok {
			p = &TrendPoint{Date: r.Date}
			byDate[r.Date] = p
		}
		p.Total++
		switch r.Status {
		case attendance.Present:
			p.Present++
		case attendance.Late:
			p.Late++
			late++
		}
		if r.TokenUsed {
			tokenUsed++
		}
	}

	dates := make([]string, 0, len(byDate))
	for d := range byDate {
		dates = append(dates, d)
	}
	sort.Strings(dates)
	for _, d := range dates {
		p := byDate[d]
		p.Rate = percent(p.Present, p.Total)
		a.Trend = append(a.Trend, *p)
	}

	if len(recs) == 0 {
		return a
	}

	peak := a.Trend[0]
	for _, p := range a.Trend[1:] {
		if p.Total > peak.Total {
			peak = p
		}
	}
	a.Insights = append(a.Insights, Insight{
		Type:    "peak_day",
		Message: fmt.Sprintf("Busiest day was %s with %d check-ins", peak.Date, peak.Total),
		Value:   float64(peak.Total),
		Date:    peak.Date,
	})

	lateRate := percent(late, len(recs))
	a.Insights = append(a.Insights, Insight{
		Type:    "late_trend",
		Message: fmt.Sprintf("%.2f%% of check-ins were late", lateRate),
		Value:   lateRate,
	})

	tokenRate := percent(tokenUsed, len(recs))
	a.Insights = append(a.Insights, Insight{
		Type:    "token_usage",
		Message: fmt.Sprintf("%.2f%% of check-ins used a QR token", tokenRate),
		Value:   tokenRate,
	})

	return a
}

func percent(part, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(part)/float64(total)*100*100) / 100
}
