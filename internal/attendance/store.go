package attendance

import (
	"context"
	"time"

	"classtrack/internal/geo"
)

// Page selects one page of a range query. Cursor is an opaque continuation
// token from a previous page; empty means start from the top.
type Page struct {
	Cursor string
	Limit  int
}

// DefaultPageLimit applies when a caller does not choose a page size.
const DefaultPageLimit = 50

// Patch is the set of fields a check-out writes. A record is only ever
// written twice: the full insert at check-in and this patch at check-out.
type Patch struct {
	Lifecycle        Lifecycle
	CheckOutTime     time.Time
	DurationMinutes  int
	CheckOutLocation *geo.Point
}

// Store is the contract over the external keyed store. Implementations must
// provide per-key strong consistency and an atomic conditional insert; range
// queries return records ordered by check-in time descending and a cursor
// for the next page (empty when exhausted).
type Store interface {
	// Get returns a record by id, or ErrNotFound.
	Get(ctx context.Context, id string) (*Record, error)

	// PutIfAbsent inserts rec guarded by uniquenessKey. If a live record
	// already holds the key it returns ErrConflict and writes nothing.
	PutIfAbsent(ctx context.Context, rec Record, uniquenessKey string) error

	// Update applies a check-out patch to the record with the given id and
	// releases its uniqueness key.
	Update(ctx context.Context, id string, p Patch) error

	QueryByUserAndDateRange(ctx context.Context, userID, from, to string, page Page) ([]Record, string, error)
	QueryByClassAndDateRange(ctx context.Context, classID, from, to string, page Page) ([]Record, string, error)
	QueryByDate(ctx context.Context, date string, page Page) ([]Record, string, error)
}
