package attendance

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"classtrack/internal/geo"
	"classtrack/internal/notify"
	"classtrack/internal/schedule"
	"classtrack/internal/token"
)

// ScheduleResolver looks up class reference data. Resolve returns (nil, nil)
// when the class does not exist.
type ScheduleResolver interface {
	Resolve(ctx context.Context, classID string) (*schedule.Session, error)
}

// Notifier publishes fire-and-forget events.
type Notifier interface {
	Publish(ctx context.Context, evt notify.Event) error
}

// Rules are the tunables of the check-in state machine, injected once at
// construction. Business logic never reads the environment.
type Rules struct {
	GracePeriod          time.Duration
	GeofenceRadiusMeters float64
	RequireGeofence      bool
	TokenTTL             time.Duration
	Location             *time.Location
}

// Service owns the check-in/check-out lifecycle of attendance records.
type Service struct {
	store    Store
	sched    ScheduleResolver
	signer   *token.Signer
	notifier Notifier
	rules    Rules
}

// NewService wires the state machine to its collaborators. notifier may be
// nil to disable notifications.
func NewService(store Store, sched ScheduleResolver, signer *token.Signer, notifier Notifier, rules Rules) *Service {
	if rules.Location == nil {
		rules.Location = time.UTC
	}
	if rules.GracePeriod <= 0 {
		rules.GracePeriod = 10 * time.Minute
	}
	if rules.TokenTTL <= 0 {
		rules.TokenTTL = 5 * time.Minute
	}
	return &Service{store: store, sched: sched, signer: signer, notifier: notifier, rules: rules}
}

// CheckInResult is returned to the caller after a successful check-in.
type CheckInResult struct {
	AttendanceID string    `json:"attendance_id"`
	Status       Status    `json:"status"`
	CheckInTime  time.Time `json:"check_in_time"`
}

// CheckOutResult is returned to the caller after a successful check-out.
type CheckOutResult struct {
	CheckOutTime    time.Time `json:"check_out_time"`
	DurationMinutes int       `json:"session_duration_minutes"`
}

// CheckIn validates and records one check-in attempt at ts. qr is the raw
// encoded token from the scanned QR code, empty when none was presented.
// All validation happens before the single atomic insert, so a failed
// check-in leaves no partial state.
func (s *Service) CheckIn(ctx context.Context, caller Identity, classID, qr string, loc *geo.Point, ts time.Time) (*CheckInResult, error) {
	sess, err := s.sched.Resolve(ctx, classID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if sess == nil {
		return nil, ErrNotFound
	}

	tokenUsed := false
	if qr != "" {
		tok, err := token.Decode(qr)
		if err != nil || !s.signer.Verify(tok, classID, ts) {
			return nil, ErrInvalidToken
		}
		tokenUsed = true
	}

	if s.rules.RequireGeofence && sess.Location != nil && loc != nil {
		res := geo.Evaluate(*sess.Location, *loc, s.rules.GeofenceRadiusMeters)
		if !res.WithinRadius {
			return nil, &OutOfRangeError{
				DistanceMeters: res.DistanceMeters,
				RadiusMeters:   s.rules.GeofenceRadiusMeters,
			}
		}
	}

	date := ts.In(s.rules.Location).Format(DateLayout)
	if active, err := s.findActive(ctx, caller.UserID, classID, date); err != nil {
		return nil, err
	} else if active != nil {
		return nil, ErrAlreadyCheckedIn
	}

	status := Present
	if ts.After(sess.StartTime.Add(s.rules.GracePeriod)) {
		status = Late
	}

	rec := Record{
		ID:              uuid.NewString(),
		UserID:          caller.UserID,
		ClassID:         classID,
		Date:            date,
		CheckInTime:     ts.UTC(),
		Lifecycle:       CheckedIn,
		Status:          status,
		CheckInLocation: loc,
		TokenUsed:       tokenUsed,
		UserName:        caller.DisplayName,
		ClassName:       sess.Name,
		CourseCode:      sess.CourseCode,
		InstructorID:    sess.InstructorID,
		CreatedAt:       time.Now().UTC(),
	}

	if err := s.store.PutIfAbsent(ctx, rec, ActiveKey(caller.UserID, classID, date)); err != nil {
		if errors.Is(err, ErrConflict) {
			// Lost the race to a simultaneous check-in.
			return nil, ErrAlreadyCheckedIn
		}
		return nil, err
	}

	s.emit(ctx, notify.Event{
		Type:      "attendance.checkin",
		UserID:    caller.UserID,
		ClassID:   classID,
		Status:    string(status),
		Timestamp: rec.CheckInTime,
	})

	return &CheckInResult{AttendanceID: rec.ID, Status: status, CheckInTime: rec.CheckInTime}, nil
}

// CheckOut closes the record with the given id at ts. The record must belong
// to the caller and still be open.
func (s *Service) CheckOut(ctx context.Context, caller Identity, attendanceID string, loc *geo.Point, ts time.Time) (*CheckOutResult, error) {
	rec, err := s.store.Get(ctx, attendanceID)
	if err != nil {
		return nil, err
	}
	if rec.UserID != caller.UserID {
		return nil, ErrForbidden
	}
	if rec.Lifecycle == CheckedOut {
		return nil, ErrAlreadyCheckedOut
	}

	elapsed := ts.Sub(rec.CheckInTime)
	if elapsed < 0 {
		return nil, ErrInvalidTimestamp
	}
	minutes := int(elapsed.Minutes())

	patch := Patch{
		Lifecycle:        CheckedOut,
		CheckOutTime:     ts.UTC(),
		DurationMinutes:  minutes,
		CheckOutLocation: loc,
	}
	if err := s.store.Update(ctx, attendanceID, patch); err != nil {
		return nil, err
	}

	s.emit(ctx, notify.Event{
		Type:      "attendance.checkout",
		UserID:    caller.UserID,
		ClassID:   rec.ClassID,
		Status:    string(rec.Status),
		Timestamp: patch.CheckOutTime,
	})

	return &CheckOutResult{CheckOutTime: patch.CheckOutTime, DurationMinutes: minutes}, nil
}

// IssueToken mints a QR token for a class. Only the class instructor or an
// admin may do so.
func (s *Service) IssueToken(ctx context.Context, caller Identity, classID string, now time.Time) (token.Token, error) {
	sess, err := s.sched.Resolve(ctx, classID)
	if err != nil {
		return token.Token{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if sess == nil {
		return token.Token{}, ErrNotFound
	}
	if !caller.HasRole("admin") && sess.InstructorID != caller.UserID {
		return token.Token{}, ErrForbidden
	}
	return s.signer.Issue(classID, s.rules.TokenTTL, now), nil
}

// ListForUser returns the caller's own records in a date range, newest first.
func (s *Service) ListForUser(ctx context.Context, userID, from, to string, page Page) ([]Record, string, error) {
	return s.store.QueryByUserAndDateRange(ctx, userID, from, to, page)
}

// findActive scans the caller's records for the day looking for an open
// session in the class. The conditional insert is the real guard; this check
// just gives a clean error without burning a write.
func (s *Service) findActive(ctx context.Context, userID, classID, date string) (*Record, error) {
	page := Page{Limit: DefaultPageLimit}
	for {
		recs, next, err := s.store.QueryByUserAndDateRange(ctx, userID, date, date, page)
		if err != nil {
			return nil, err
		}
		for i := range recs {
			if recs[i].ClassID == classID && recs[i].Lifecycle == CheckedIn {
				return &recs[i], nil
			}
		}
		if next == "" {
			return nil, nil
		}
		page.Cursor = next
	}
}

func (s *Service) emit(ctx context.Context, evt notify.Event) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Publish(ctx, evt); err != nil {
		log.Printf("notification publish failed (type=%s user=%s): %v", evt.Type, evt.UserID, err)
	}
}
