package attendance

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"classtrack/internal/geo"
	"classtrack/internal/notify"
	"classtrack/internal/schedule"
	"classtrack/internal/token"
)

// memStore is an in-memory Store honoring the conditional-write contract.
type memStore struct {
	records map[string]Record
	active  map[string]string
}

func newMemStore() *memStore {
	return &memStore{records: map[string]Record{}, active: map[string]string{}}
}

func (m *memStore) Get(_ context.Context, id string) (*Record, error) {
	rec, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (m *memStore) PutIfAbsent(_ context.Context, rec Record, key string) error {
	if _, taken := m.active[key]; taken {
		return ErrConflict
	}
	m.active[key] = rec.ID
	m.records[rec.ID] = rec
	return nil
}

func (m *memStore) Update(_ context.Context, id string, p Patch) error {
	rec, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	rec.Lifecycle = p.Lifecycle
	out := p.CheckOutTime
	rec.CheckOutTime = &out
	d := p.DurationMinutes
	rec.DurationMinutes = &d
	rec.CheckOutLocation = p.CheckOutLocation
	m.records[id] = rec
	for k, v := range m.active {
		if v == id {
			delete(m.active, k)
		}
	}
	return nil
}

func (m *memStore) QueryByUserAndDateRange(_ context.Context, userID, from, to string, _ Page) ([]Record, string, error) {
	return m.filter(func(r Record) bool {
		return r.UserID == userID && r.Date >= from && r.Date <= to
	}), "", nil
}

func (m *memStore) QueryByClassAndDateRange(_ context.Context, classID, from, to string, _ Page) ([]Record, string, error) {
	return m.filter(func(r Record) bool {
		return r.ClassID == classID && r.Date >= from && r.Date <= to
	}), "", nil
}

func (m *memStore) QueryByDate(_ context.Context, date string, _ Page) ([]Record, string, error) {
	return m.filter(func(r Record) bool { return r.Date == date }), "", nil
}

func (m *memStore) filter(keep func(Record) bool) []Record {
	var out []Record
	for _, r := range m.records {
		if keep(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CheckInTime.After(out[j].CheckInTime) })
	return out
}

type fakeResolver struct {
	sessions map[string]*schedule.Session
	err      error
}

func (f *fakeResolver) Resolve(_ context.Context, classID string) (*schedule.Session, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.sessions[classID], nil
}

type captureNotifier struct {
	events []notify.Event
}

func (c *captureNotifier) Publish(_ context.Context, evt notify.Event) error {
	c.events = append(c.events, evt)
	return nil
}

var (
	classStart = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	classLoc   = geo.Point{Lat: 40.7128, Lng: -74.0060}
	student    = Identity{UserID: "stu-1", DisplayName: "Ada Lovelace", Roles: []string{"student"}}
)

func newTestService(store Store, notifier Notifier) (*Service, *token.Signer) {
	signer := token.NewSigner("test-secret")
	resolver := &fakeResolver{sessions: map[string]*schedule.Session{
		"class-1": {
			ClassID:      "class-1",
			Name:         "Algorithms",
			CourseCode:   "CS-201",
			InstructorID: "inst-1",
			StartTime:    classStart,
			Location:     &classLoc,
		},
	}}
	svc := NewService(store, resolver, signer, notifier, Rules{
		GracePeriod:          10 * time.Minute,
		GeofenceRadiusMeters: 100,
		RequireGeofence:      true,
		TokenTTL:             5 * time.Minute,
		Location:             time.UTC,
	})
	return svc, signer
}

func qrFor(signer *token.Signer, classID string, at time.Time) string {
	return token.Encode(signer.Issue(classID, 5*time.Minute, at))
}

func TestCheckInHappyPath(t *testing.T) {
	store := newMemStore()
	notifier := &captureNotifier{}
	svc, signer := newTestService(store, notifier)

	ts := classStart.Add(5 * time.Minute)
	res, err := svc.CheckIn(context.Background(), student, "class-1", qrFor(signer, "class-1", ts), &classLoc, ts)
	if err != nil {
		t.Fatalf("CheckIn: %v", err)
	}
	if res.Status != Present {
		t.Errorf("Status = %s, want %s", res.Status, Present)
	}
	if res.AttendanceID == "" {
		t.Error("AttendanceID should be set")
	}

	rec, err := store.Get(context.Background(), res.AttendanceID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Lifecycle != CheckedIn || !rec.TokenUsed || rec.ClassName != "Algorithms" {
		t.Errorf("stored record %+v not fully populated", rec)
	}
	if len(notifier.events) != 1 || notifier.events[0].Type != "attendance.checkin" {
		t.Errorf("events = %+v, want one attendance.checkin", notifier.events)
	}
}

func TestCheckInGraceBoundary(t *testing.T) {
	tests := []struct {
		name string
		ts   time.Time
		want Status
	}{
		{"at start", classStart, Present},
		{"exactly at grace end", classStart.Add(10 * time.Minute), Present},
		{"one second past grace", classStart.Add(10*time.Minute + time.Second), Late},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, signer := newTestService(newMemStore(), nil)
			res, err := svc.CheckIn(context.Background(), student, "class-1", qrFor(signer, "class-1", tt.ts), &classLoc, tt.ts)
			if err != nil {
				t.Fatalf("CheckIn: %v", err)
			}
			if res.Status != tt.want {
				t.Errorf("Status = %s, want %s", res.Status, tt.want)
			}
		})
	}
}

func TestCheckInRejections(t *testing.T) {
	ts := classStart.Add(time.Minute)

	t.Run("unknown class", func(t *testing.T) {
		svc, signer := newTestService(newMemStore(), nil)
		_, err := svc.CheckIn(context.Background(), student, "class-9", qrFor(signer, "class-9", ts), &classLoc, ts)
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	})

	t.Run("schedule outage", func(t *testing.T) {
		store := newMemStore()
		signer := token.NewSigner("test-secret")
		svc := NewService(store, &fakeResolver{err: errors.New("connection refused")}, signer, nil, Rules{Location: time.UTC})
		_, err := svc.CheckIn(context.Background(), student, "class-1", "", nil, ts)
		if !errors.Is(err, ErrUnavailable) {
			t.Errorf("err = %v, want ErrUnavailable", err)
		}
	})

	t.Run("expired token", func(t *testing.T) {
		svc, signer := newTestService(newMemStore(), nil)
		stale := token.Encode(signer.Issue("class-1", 5*time.Minute, ts.Add(-time.Hour)))
		_, err := svc.CheckIn(context.Background(), student, "class-1", stale, &classLoc, ts)
		if !errors.Is(err, ErrInvalidToken) {
			t.Errorf("err = %v, want ErrInvalidToken", err)
		}
	})

	t.Run("garbage token", func(t *testing.T) {
		svc, _ := newTestService(newMemStore(), nil)
		_, err := svc.CheckIn(context.Background(), student, "class-1", "!!!", &classLoc, ts)
		if !errors.Is(err, ErrInvalidToken) {
			t.Errorf("err = %v, want ErrInvalidToken", err)
		}
	})

	t.Run("out of range", func(t *testing.T) {
		svc, signer := newTestService(newMemStore(), nil)
		far := geo.Point{Lat: classLoc.Lat + 0.01, Lng: classLoc.Lng}
		_, err := svc.CheckIn(context.Background(), student, "class-1", qrFor(signer, "class-1", ts), &far, ts)
		if !errors.Is(err, ErrOutOfRange) {
			t.Fatalf("err = %v, want ErrOutOfRange", err)
		}
		var oor *OutOfRangeError
		if !errors.As(err, &oor) {
			t.Fatal("error should carry distance detail")
		}
		if oor.DistanceMeters <= 100 || oor.RadiusMeters != 100 {
			t.Errorf("detail = %+v, want distance beyond the 100m radius", oor)
		}
	})

	t.Run("duplicate check-in", func(t *testing.T) {
		svc, signer := newTestService(newMemStore(), nil)
		if _, err := svc.CheckIn(context.Background(), student, "class-1", qrFor(signer, "class-1", ts), &classLoc, ts); err != nil {
			t.Fatalf("first CheckIn: %v", err)
		}
		_, err := svc.CheckIn(context.Background(), student, "class-1", qrFor(signer, "class-1", ts), &classLoc, ts.Add(time.Minute))
		if !errors.Is(err, ErrAlreadyCheckedIn) {
			t.Errorf("err = %v, want ErrAlreadyCheckedIn", err)
		}
	})
}

func TestCheckInConflictMapsToAlreadyCheckedIn(t *testing.T) {
	// The store-level race loser surfaces as the same error as a plain
	// duplicate.
	store := newMemStore()
	svc, signer := newTestService(store, nil)
	ts := classStart.Add(time.Minute)
	store.active[ActiveKey(student.UserID, "class-1", ts.Format(DateLayout))] = "other-id"

	_, err := svc.CheckIn(context.Background(), student, "class-1", qrFor(signer, "class-1", ts), &classLoc, ts)
	if !errors.Is(err, ErrAlreadyCheckedIn) {
		t.Errorf("err = %v, want ErrAlreadyCheckedIn", err)
	}
}

func TestCheckOut(t *testing.T) {
	store := newMemStore()
	notifier := &captureNotifier{}
	svc, signer := newTestService(store, notifier)
	ts := classStart.Add(time.Minute)

	res, err := svc.CheckIn(context.Background(), student, "class-1", qrFor(signer, "class-1", ts), &classLoc, ts)
	if err != nil {
		t.Fatalf("CheckIn: %v", err)
	}

	out, err := svc.CheckOut(context.Background(), student, res.AttendanceID, &classLoc, ts.Add(50*time.Minute))
	if err != nil {
		t.Fatalf("CheckOut: %v", err)
	}
	if out.DurationMinutes != 50 {
		t.Errorf("DurationMinutes = %d, want 50", out.DurationMinutes)
	}

	rec, _ := store.Get(context.Background(), res.AttendanceID)
	if rec.Lifecycle != CheckedOut {
		t.Errorf("Lifecycle = %s, want %s", rec.Lifecycle, CheckedOut)
	}
	if rec.DurationMinutes == nil || *rec.DurationMinutes != 50 {
		t.Errorf("stored duration = %v, want 50", rec.DurationMinutes)
	}

	// Check-out released the active key, so a new session can open.
	if _, err := svc.CheckIn(context.Background(), student, "class-1", qrFor(signer, "class-1", ts.Add(2*time.Hour)), &classLoc, ts.Add(2*time.Hour)); err != nil {
		t.Errorf("re-check-in after check-out: %v", err)
	}
}

func TestCheckOutRejections(t *testing.T) {
	store := newMemStore()
	svc, signer := newTestService(store, nil)
	ts := classStart.Add(time.Minute)
	res, err := svc.CheckIn(context.Background(), student, "class-1", qrFor(signer, "class-1", ts), &classLoc, ts)
	if err != nil {
		t.Fatalf("CheckIn: %v", err)
	}

	t.Run("unknown record", func(t *testing.T) {
		_, err := svc.CheckOut(context.Background(), student, "missing", nil, ts.Add(time.Hour))
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	})

	t.Run("someone else's record", func(t *testing.T) {
		other := Identity{UserID: "stu-2"}
		_, err := svc.CheckOut(context.Background(), other, res.AttendanceID, nil, ts.Add(time.Hour))
		if !errors.Is(err, ErrForbidden) {
			t.Errorf("err = %v, want ErrForbidden", err)
		}
	})

	t.Run("check-out before check-in", func(t *testing.T) {
		_, err := svc.CheckOut(context.Background(), student, res.AttendanceID, nil, ts.Add(-time.Minute))
		if !errors.Is(err, ErrInvalidTimestamp) {
			t.Errorf("err = %v, want ErrInvalidTimestamp", err)
		}
	})

	t.Run("double check-out", func(t *testing.T) {
		if _, err := svc.CheckOut(context.Background(), student, res.AttendanceID, nil, ts.Add(time.Hour)); err != nil {
			t.Fatalf("first CheckOut: %v", err)
		}
		_, err := svc.CheckOut(context.Background(), student, res.AttendanceID, nil, ts.Add(2*time.Hour))
		if !errors.Is(err, ErrAlreadyCheckedOut) {
			t.Errorf("err = %v, want ErrAlreadyCheckedOut", err)
		}
	})
}

func TestIssueToken(t *testing.T) {
	svc, signer := newTestService(newMemStore(), nil)
	now := classStart

	t.Run("instructor", func(t *testing.T) {
		inst := Identity{UserID: "inst-1", Roles: []string{"instructor"}}
		tok, err := svc.IssueToken(context.Background(), inst, "class-1", now)
		if err != nil {
			t.Fatalf("IssueToken: %v", err)
		}
		if !signer.Verify(tok, "class-1", now) {
			t.Error("issued token should verify")
		}
	})

	t.Run("admin", func(t *testing.T) {
		admin := Identity{UserID: "adm-1", Roles: []string{"admin"}}
		if _, err := svc.IssueToken(context.Background(), admin, "class-1", now); err != nil {
			t.Errorf("IssueToken as admin: %v", err)
		}
	})

	t.Run("student denied", func(t *testing.T) {
		_, err := svc.IssueToken(context.Background(), student, "class-1", now)
		if !errors.Is(err, ErrForbidden) {
			t.Errorf("err = %v, want ErrForbidden", err)
		}
	})

	t.Run("unknown class", func(t *testing.T) {
		inst := Identity{UserID: "inst-1"}
		_, err := svc.IssueToken(context.Background(), inst, "class-9", now)
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	})
}

func TestCheckInWithoutLocationSkipsGeofence(t *testing.T) {
	// Devices without GPS still check in; the geofence applies only when both
	// sides have coordinates.
	svc, signer := newTestService(newMemStore(), nil)
	ts := classStart.Add(time.Minute)
	if _, err := svc.CheckIn(context.Background(), student, "class-1", qrFor(signer, "class-1", ts), nil, ts); err != nil {
		t.Errorf("CheckIn without location: %v", err)
	}
}
