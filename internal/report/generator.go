package report

import (
	"context"
	"fmt"
	"time"

	"classtrack/internal/attendance"
)

// Filters narrows a report to one class or one student.
type Filters struct {
	ClassID   string
	StudentID string
}

// Generator fetches record ranges through the store and hands them to the
// pure builders. Reads only; re-running a report over unchanged records
// yields identical output.
type Generator struct {
	store attendance.Store
}

// NewGenerator creates a generator over a store.
func NewGenerator(store attendance.Store) *Generator {
	return &Generator{store: store}
}

// Generate builds the requested report kind over [from, to].
func (g *Generator) Generate(ctx context.Context, kind Kind, from, to string, f Filters) (Report, error) {
	switch kind {
	case KindDaily:
		return g.Daily(ctx, from)
	case KindSummary:
		recs, err := g.Fetch(ctx, from, to, f)
		if err != nil {
			return nil, err
		}
		return BuildSummary(from, to, recs), nil
	case KindDetailed:
		recs, err := g.Fetch(ctx, from, to, f)
		if err != nil {
			return nil, err
		}
		return BuildDetailed(from, to, recs), nil
	case KindClass:
		if f.ClassID == "" {
			return nil, fmt.Errorf("%w: class report needs a class_id filter", ErrBadKind)
		}
		recs, err := g.Fetch(ctx, from, to, f)
		if err != nil {
			return nil, err
		}
		return BuildClass(f.ClassID, from, to, recs), nil
	case KindStudent:
		recs, err := g.Fetch(ctx, from, to, f)
		if err != nil {
			return nil, err
		}
		return BuildStudent(from, to, recs), nil
	}
	return nil, ErrBadKind
}

// Daily builds the report for one calendar day.
func (g *Generator) Daily(ctx context.Context, date string) (*DailyReport, error) {
	recs, err := g.drain(ctx, func(page attendance.Page) ([]attendance.Record, string, error) {
		return g.store.QueryByDate(ctx, date, page)
	})
	if err != nil {
		return nil, err
	}
	return BuildDaily(date, recs), nil
}

// Fetch pulls every record in the range matching the filters. A class filter
// uses the class index, a student filter the user index; otherwise it walks
// the range day by day.
func (g *Generator) Fetch(ctx context.Context, from, to string, f Filters) ([]attendance.Record, error) {
	switch {
	case f.ClassID != "":
		return g.drain(ctx, func(page attendance.Page) ([]attendance.Record, string, error) {
			return g.store.QueryByClassAndDateRange(ctx, f.ClassID, from, to, page)
		})
	case f.StudentID != "":
		return g.drain(ctx, func(page attendance.Page) ([]attendance.Record, string, error) {
			return g.store.QueryByUserAndDateRange(ctx, f.StudentID, from, to, page)
		})
	}

	start, err := time.Parse(attendance.DateLayout, from)
	if err != nil {
		return nil, fmt.Errorf("invalid from date: %w", err)
	}
	end, err := time.Parse(attendance.DateLayout, to)
	if err != nil {
		return nil, fmt.Errorf("invalid to date: %w", err)
	}

	var all []attendance.Record
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		date := d.Format(attendance.DateLayout)
		recs, err := g.drain(ctx, func(page attendance.Page) ([]attendance.Record, string, error) {
			return g.store.QueryByDate(ctx, date, page)
		})
		if err != nil {
			return nil, err
		}
		all = append(all, recs...)
	}
	return all, nil
}

// drain follows continuation cursors until the query is exhausted.
func (g *Generator) drain(ctx context.Context, q func(attendance.Page) ([]attendance.Record, string, error)) ([]attendance.Record, error) {
	var all []attendance.Record
	page := attendance.Page{Limit: attendance.DefaultPageLimit}
	for {
		recs, next, err := q(page)
		if err != nil {
			return nil, err
		}
		all = append(all, recs...)
		if next == "" {
			return all, nil
		}
		page.Cursor = next
	}
}
