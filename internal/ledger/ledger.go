package ledger

import (
	"context"
	"time"

	"discount-engine/internal/model"

	"github.com/google/uuid"
)

// DefaultReservationTTL is how long a reservation holds a use before it may be reclaimed.
const DefaultReservationTTL = 15 * time.Minute

// Ledger is the authority on how many uses of a code are committed or held.
// Every operation is atomic for a single code; different codes never contend.
type Ledger interface {
	// Reserve holds one use of code until now plus the reservation TTL.
	// Returns model.ErrDiscountExhausted when no capacity is left and
	// model.ErrDiscountNotFound when the ledger has no record of the code.
	Reserve(ctx context.Context, code *model.DiscountCode, now time.Time) (*model.Reservation, error)

	// Commit makes a pending reservation permanent. Committing an already
	// committed reservation succeeds without counting twice. A released or
	// lapsed reservation returns model.ErrReservationExpired.
	Commit(ctx context.Context, reservation *model.Reservation, now time.Time) error

	// Release returns a pending reservation's use to the pool.
	// Releasing a settled or unknown reservation is a no-op. Commit and
	// Release set reservation.Status to the state the reservation settled in.
	Release(ctx context.Context, reservation *model.Reservation) error

	// SweepExpired releases every pending reservation whose TTL has lapsed
	// and returns how many were reclaimed.
	SweepExpired(ctx context.Context, now time.Time) (int, error)

	// Usage returns the committed and held uses of a code.
	Usage(ctx context.Context, codeID uuid.UUID) (model.Usage, error)

	// Forget drops all state for a deleted code; its pending reservations
	// can no longer be committed.
	Forget(ctx context.Context, codeID uuid.UUID) error
}

// CommitStore durably records committed uses of a code. Ledgers that keep
// their counters outside the code table write every commit through it and
// seed their counters from the stored value.
type CommitStore interface {
	AddCommitted(ctx context.Context, codeID uuid.UUID, delta int) error
}

// Options configures ledger implementations.
type Options struct {
	ReservationTTL time.Duration

	// Committed is written on every commit by the memory and redis ledgers.
	// Nil keeps committed uses in the ledger only.
	Committed CommitStore
}

// DefaultOptions returns the default ledger options.
func DefaultOptions() Options {
	return Options{ReservationTTL: DefaultReservationTTL}
}

// TTL returns the reservation TTL, falling back to DefaultReservationTTL.
func (o Options) TTL() time.Duration {
	if o.ReservationTTL <= 0 {
		return DefaultReservationTTL
	}
	return o.ReservationTTL
}

// NewReservation builds a pending reservation of one use of codeID.
func NewReservation(codeID uuid.UUID, now time.Time, ttl time.Duration) *model.Reservation {
	return &model.Reservation{
		ID:        uuid.New(),
		CodeID:    codeID,
		Status:    model.ReservationPending,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}
