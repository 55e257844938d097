package report

import (
	"context"
	"strconv"
	"testing"

	"classtrack/internal/attendance"
)

// pagedStore serves canned records two at a time to exercise cursor
// following.
type pagedStore struct {
	records []attendance.Record
	queries int
}

const testPageSize = 2

func (s *pagedStore) page(matched []attendance.Record, page attendance.Page) ([]attendance.Record, string, error) {
	s.queries++
	start := 0
	if page.Cursor != "" {
		start, _ = strconv.Atoi(page.Cursor)
	}
	if start >= len(matched) {
		return nil, "", nil
	}
	end := start + testPageSize
	next := ""
	if end < len(matched) {
		next = strconv.Itoa(end)
	} else {
		end = len(matched)
	}
	return matched[start:end], next, nil
}

func (s *pagedStore) Get(context.Context, string) (*attendance.Record, error) {
	return nil, attendance.ErrNotFound
}

func (s *pagedStore) PutIfAbsent(context.Context, attendance.Record, string) error { return nil }

func (s *pagedStore) Update(context.Context, string, attendance.Patch) error { return nil }

func (s *pagedStore) QueryByUserAndDateRange(_ context.Context, userID, from, to string, page attendance.Page) ([]attendance.Record, string, error) {
	var matched []attendance.Record
	for _, r := range s.records {
		if r.UserID == userID && r.Date >= from && r.Date <= to {
			matched = append(matched, r)
		}
	}
	return s.page(matched, page)
}

func (s *pagedStore) QueryByClassAndDateRange(_ context.Context, classID, from, to string, page attendance.Page) ([]attendance.Record, string, error) {
	var matched []attendance.Record
	for _, r := range s.records {
		if r.ClassID == classID && r.Date >= from && r.Date <= to {
			matched = append(matched, r)
		}
	}
	return s.page(matched, page)
}

func (s *pagedStore) QueryByDate(_ context.Context, date string, page attendance.Page) ([]attendance.Record, string, error) {
	var matched []attendance.Record
	for _, r := range s.records {
		if r.Date == date {
			matched = append(matched, r)
		}
	}
	return s.page(matched, page)
}

var _ attendance.Store = (*pagedStore)(nil)

func TestGeneratorFollowsCursors(t *testing.T) {
	store := &pagedStore{records: []attendance.Record{
		rec("a1", "u1", "c1", "2024-03-01", attendance.Present),
		rec("a2", "u2", "c1", "2024-03-01", attendance.Present),
		rec("a3", "u3", "c1", "2024-03-01", attendance.Late),
		rec("a4", "u4", "c1", "2024-03-01", attendance.Present),
		rec("a5", "u5", "c1", "2024-03-01", attendance.Present),
	}}
	gen := NewGenerator(store)

	rep, err := gen.Daily(context.Background(), "2024-03-01")
	if err != nil {
		t.Fatalf("Daily: %v", err)
	}
	if rep.Total != 5 {
		t.Errorf("Total = %d, want all 5 records across pages", rep.Total)
	}
	if store.queries < 3 {
		t.Errorf("queries = %d, expected at least 3 pages", store.queries)
	}
}

func TestGeneratorFilters(t *testing.T) {
	store := &pagedStore{records: []attendance.Record{
		rec("a1", "u1", "c1", "2024-03-01", attendance.Present),
		rec("a2", "u1", "c2", "2024-03-01", attendance.Present),
		rec("a3", "u2", "c1", "2024-03-02", attendance.Late),
	}}
	gen := NewGenerator(store)

	t.Run("by class", func(t *testing.T) {
		recs, err := gen.Fetch(context.Background(), "2024-03-01", "2024-03-02", Filters{ClassID: "c1"})
		if err != nil {
			t.Fatal(err)
		}
		if len(recs) != 2 {
			t.Errorf("records = %d, want 2", len(recs))
		}
	})

	t.Run("by student", func(t *testing.T) {
		recs, err := gen.Fetch(context.Background(), "2024-03-01", "2024-03-02", Filters{StudentID: "u1"})
		if err != nil {
			t.Fatal(err)
		}
		if len(recs) != 2 {
			t.Errorf("records = %d, want 2", len(recs))
		}
	})

	t.Run("unfiltered walks the range", func(t *testing.T) {
		recs, err := gen.Fetch(context.Background(), "2024-03-01", "2024-03-02", Filters{})
		if err != nil {
			t.Fatal(err)
		}
		if len(recs) != 3 {
			t.Errorf("records = %d, want 3", len(recs))
		}
	})
}

func TestGenerateClassNeedsFilter(t *testing.T) {
	gen := NewGenerator(&pagedStore{})
	if _, err := gen.Generate(context.Background(), KindClass, "2024-03-01", "2024-03-01", Filters{}); err == nil {
		t.Error("class report without class_id should fail")
	}
}

func TestGenerateBadDates(t *testing.T) {
	gen := NewGenerator(&pagedStore{})
	if _, err := gen.Fetch(context.Background(), "not-a-date", "2024-03-01", Filters{}); err == nil {
		t.Error("malformed from date should fail")
	}
}
