package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"classtrack/internal/attendance"
	"classtrack/internal/geo"
)

const uniqueViolation = "23505"

// Store persists attendance records in Postgres. The single-active-session
// invariant is backed by a unique index on active_key, which is set while a
// record is CHECKED_IN and cleared at check-out.
type Store struct {
	db *sql.DB
}

// NewStore creates a store over an open connection pool.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const recordColumns = `
	id, user_id, class_id, date, check_in_time, check_out_time,
	lifecycle, status, duration_minutes,
	check_in_lat, check_in_lng, check_out_lat, check_out_lng,
	token_used, user_name, class_name, course_code, instructor_id, created_at`

// Get returns a record by id.
func (s *Store) Get(ctx context.Context, id string) (*attendance.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT`+recordColumns+` FROM attendance_records WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, attendance.ErrNotFound
		}
		return nil, err
	}
	return rec, nil
}

// PutIfAbsent inserts a record guarded by the uniqueness key.
func (s *Store) PutIfAbsent(ctx context.Context, rec attendance.Record, uniquenessKey string) error {
	inLat, inLng := pointCols(rec.CheckInLocation)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attendance_records (
			id, user_id, class_id, date, check_in_time,
			lifecycle, status, check_in_lat, check_in_lng, token_used,
			user_name, class_name, course_code, instructor_id, active_key, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`, rec.ID, rec.UserID, rec.ClassID, rec.Date, rec.CheckInTime,
		rec.Lifecycle, rec.Status, inLat, inLng, rec.TokenUsed,
		rec.UserName, rec.ClassName, rec.CourseCode, rec.InstructorID, uniquenessKey, rec.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return attendance.ErrConflict
		}
		return err
	}
	return nil
}

// Update applies a check-out patch and releases the uniqueness key.
func (s *Store) Update(ctx context.Context, id string, p attendance.Patch) error {
	outLat, outLng := pointCols(p.CheckOutLocation)
	res, err := s.db.ExecContext(ctx, `
		UPDATE attendance_records
		SET lifecycle = $2, check_out_time = $3, duration_minutes = $4,
		    check_out_lat = $5, check_out_lng = $6, active_key = NULL
		WHERE id = $1
	`, id, p.Lifecycle, p.CheckOutTime, p.DurationMinutes, outLat, outLng)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return attendance.ErrNotFound
	}
	return nil
}

// QueryByUserAndDateRange returns a user's records between two dates.
func (s *Store) QueryByUserAndDateRange(ctx context.Context, userID, from, to string, page attendance.Page) ([]attendance.Record, string, error) {
	return s.query(ctx, `user_id = $1 AND date >= $2 AND date <= $3`, []any{userID, from, to}, page)
}

// QueryByClassAndDateRange returns a class's records between two dates.
func (s *Store) QueryByClassAndDateRange(ctx context.Context, classID, from, to string, page attendance.Page) ([]attendance.Record, string, error) {
	return s.query(ctx, `class_id = $1 AND date >= $2 AND date <= $3`, []any{classID, from, to}, page)
}

// QueryByDate returns every record for one calendar day.
func (s *Store) QueryByDate(ctx context.Context, date string, page attendance.Page) ([]attendance.Record, string, error) {
	return s.query(ctx, `date = $1`, []any{date}, page)
}

// query runs a filtered keyset-paginated select, newest check-in first. It
// fetches one row past the limit to decide whether another page exists.
func (s *Store) query(ctx context.Context, where string, args []any, page attendance.Page) ([]attendance.Record, string, error) {
	limit := page.Limit
	if limit <= 0 {
		limit = attendance.DefaultPageLimit
	}

	if page.Cursor != "" {
		cur, err := decodeCursor(page.Cursor)
		if err != nil {
			return nil, "", err
		}
		where += fmt.Sprintf(" AND (check_in_time, id) < ($%d, $%d)", len(args)+1, len(args)+2)
		args = append(args, cur.checkInTime, cur.id)
	}

	q := `SELECT` + recordColumns + ` FROM attendance_records WHERE ` + where +
		fmt.Sprintf(` ORDER BY check_in_time DESC, id DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	var recs []attendance.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, "", err
		}
		recs = append(recs, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	next := ""
	if len(recs) > limit {
		recs = recs[:limit]
		last := recs[limit-1]
		next = encodeCursor(cursor{checkInTime: last.CheckInTime, id: last.ID})
	}
	return recs, next, nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (*attendance.Record, error) {
	var (
		rec         attendance.Record
		checkOut    sql.NullTime
		duration    sql.NullInt64
		inLat, inLng, outLat, outLng sql.NullFloat64
	)
	err := sc.Scan(
		&rec.ID, &rec.UserID, &rec.ClassID, &rec.Date, &rec.CheckInTime, &checkOut,
		&rec.Lifecycle, &rec.Status, &duration,
		&inLat, &inLng, &outLat, &outLng,
		&rec.TokenUsed, &rec.UserName, &rec.ClassName, &rec.CourseCode, &rec.InstructorID, &rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if checkOut.Valid {
		t := checkOut.Time
		rec.CheckOutTime = &t
	}
	if duration.Valid {
		d := int(duration.Int64)
		rec.DurationMinutes = &d
	}
	rec.CheckInLocation = colsPoint(inLat, inLng)
	rec.CheckOutLocation = colsPoint(outLat, outLng)
	return &rec, nil
}

func pointCols(p *geo.Point) (lat, lng any) {
	if p == nil {
		return nil, nil
	}
	return p.Lat, p.Lng
}

func colsPoint(lat, lng sql.NullFloat64) *geo.Point {
	if !lat.Valid || !lng.Valid {
		return nil
	}
	return &geo.Point{Lat: lat.Float64, Lng: lng.Float64}
}

var _ attendance.Store = (*Store)(nil)

// cursor is the keyset position encoded into the opaque continuation token.
type cursor struct {
	checkInTime time.Time
	id          string
}
