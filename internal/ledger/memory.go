package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"discount-engine/internal/model"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// settledRetention is how long settled reservation ids are remembered so
// repeated commit or release calls stay idempotent.
const settledRetention = 24 * time.Hour

type settlement struct {
	status model.ReservationStatus
	at     time.Time
}

// codeEntry is the counter state of one code. Its mutex is the only lock
// taken on the redemption path, so codes never block each other.
type codeEntry struct {
	mu       sync.Mutex
	maxUses  *int
	current  int
	reserved int
	deleted  bool
	pending  map[uuid.UUID]time.Time
	settled  map[uuid.UUID]settlement
}

// reclaimLocked releases pending reservations that lapsed at or before now.
func (e *codeEntry) reclaimLocked(now time.Time) int {
	n := 0
	for id, expiresAt := range e.pending {
		if now.Before(expiresAt) {
			continue
		}
		delete(e.pending, id)
		e.settled[id] = settlement{status: model.ReservationReleased, at: now}
		e.reserved--
		n++
	}
	return n
}

func (e *codeEntry) pruneLocked(now time.Time) {
	for id, s := range e.settled {
		if now.Sub(s.at) > settledRetention {
			delete(e.settled, id)
		}
	}
}

// MemoryLedger is a single-process ledger keyed by code id.
type MemoryLedger struct {
	codes  sync.Map // uuid.UUID -> *codeEntry
	opts   Options
	logger zerolog.Logger
}

// NewMemoryLedger creates an in-process ledger.
func NewMemoryLedger(opts Options, logger zerolog.Logger) *MemoryLedger {
	return &MemoryLedger{
		opts:   opts,
		logger: logger.With().Str("ledger", "memory").Logger(),
	}
}

func (l *MemoryLedger) entry(code *model.DiscountCode) *codeEntry {
	if v, ok := l.codes.Load(code.ID); ok {
		return v.(*codeEntry)
	}

	fresh := &codeEntry{
		maxUses: code.MaxUses,
		current: code.CurrentUses,
		pending: make(map[uuid.UUID]time.Time),
		settled: make(map[uuid.UUID]settlement),
	}
	v, _ := l.codes.LoadOrStore(code.ID, fresh)
	return v.(*codeEntry)
}

func (l *MemoryLedger) lookup(codeID uuid.UUID) (*codeEntry, bool) {
	v, ok := l.codes.Load(codeID)
	if !ok {
		return nil, false
	}
	return v.(*codeEntry), true
}

// Reserve implements Ledger.
func (l *MemoryLedger) Reserve(ctx context.Context, code *model.DiscountCode, now time.Time) (*model.Reservation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e := l.entry(code)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.deleted {
		return nil, model.ErrDiscountNotFound
	}

	if n := e.reclaimLocked(now); n > 0 {
		l.logger.Debug().
			Str("code_id", code.ID.String()).
			Int("reclaimed", n).
			Msg("reclaimed lapsed reservations")
	}

	if e.maxUses != nil && e.current+e.reserved >= *e.maxUses {
		return nil, model.ErrDiscountExhausted
	}

	res := NewReservation(code.ID, now, l.opts.TTL())
	e.reserved++
	e.pending[res.ID] = res.ExpiresAt

	return res, nil
}

// Commit implements Ledger. With a CommitStore configured the use is
// recorded there before the in-memory counters change, so a failed write
// leaves the reservation pending and the commit can be retried.
func (l *MemoryLedger) Commit(ctx context.Context, reservation *model.Reservation, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	e, ok := l.lookup(reservation.CodeID)
	if !ok {
		return model.ErrReservationNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.deleted {
		return model.ErrReservationNotFound
	}

	expiresAt, pending := e.pending[reservation.ID]
	if !pending {
		s, known := e.settled[reservation.ID]
		switch {
		case !known:
			return model.ErrReservationNotFound
		case s.status == model.ReservationCommitted:
			reservation.Status = model.ReservationCommitted
			return nil
		default:
			reservation.Status = model.ReservationReleased
			return model.ErrReservationExpired
		}
	}

	if !now.Before(expiresAt) {
		delete(e.pending, reservation.ID)
		e.reserved--
		e.settled[reservation.ID] = settlement{status: model.ReservationReleased, at: now}
		reservation.Status = model.ReservationReleased
		return model.ErrReservationExpired
	}

	if store := l.opts.Committed; store != nil {
		if err := store.AddCommitted(ctx, reservation.CodeID, 1); err != nil {
			if errors.Is(err, model.ErrDiscountNotFound) {
				return model.ErrReservationNotFound
			}
			l.logger.Error().Err(err).
				Str("reservation_id", reservation.ID.String()).
				Msg("failed to record committed use")
			return fmt.Errorf("failed to record committed use: %w", err)
		}
	}

	delete(e.pending, reservation.ID)
	e.reserved--
	e.current++
	e.settled[reservation.ID] = settlement{status: model.ReservationCommitted, at: now}
	reservation.Status = model.ReservationCommitted
	return nil
}

// Release implements Ledger.
func (l *MemoryLedger) Release(ctx context.Context, reservation *model.Reservation) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	reservation.Status = model.ReservationReleased

	e, ok := l.lookup(reservation.CodeID)
	if !ok {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, pending := e.pending[reservation.ID]; !pending {
		if s, known := e.settled[reservation.ID]; known {
			reservation.Status = s.status
		}
		return nil
	}

	delete(e.pending, reservation.ID)
	e.reserved--
	e.settled[reservation.ID] = settlement{status: model.ReservationReleased, at: time.Now()}
	return nil
}

// SweepExpired implements Ledger. Each code is locked on its own.
func (l *MemoryLedger) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	total := 0
	l.codes.Range(func(key, value any) bool {
		if ctx.Err() != nil {
			return false
		}

		e := value.(*codeEntry)
		e.mu.Lock()
		if !e.deleted {
			total += e.reclaimLocked(now)
			e.pruneLocked(now)
		}
		e.mu.Unlock()
		return true
	})

	if err := ctx.Err(); err != nil {
		return total, err
	}
	return total, nil
}

// Usage implements Ledger.
func (l *MemoryLedger) Usage(ctx context.Context, codeID uuid.UUID) (model.Usage, error) {
	e, ok := l.lookup(codeID)
	if !ok {
		return model.Usage{}, model.ErrDiscountNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.deleted {
		return model.Usage{}, model.ErrDiscountNotFound
	}
	return model.Usage{CurrentUses: e.current, ReservedUses: e.reserved}, nil
}

// Forget implements Ledger. The entry is kept as a tombstone so a racing
// Reserve for the deleted code is refused.
func (l *MemoryLedger) Forget(ctx context.Context, codeID uuid.UUID) error {
	tomb := &codeEntry{
		deleted: true,
		pending: make(map[uuid.UUID]time.Time),
		settled: make(map[uuid.UUID]settlement),
	}
	v, loaded := l.codes.LoadOrStore(codeID, tomb)
	if !loaded {
		return nil
	}

	e := v.(*codeEntry)
	e.mu.Lock()
	defer e.mu.Unlock()

	released := len(e.pending)
	e.deleted = true
	e.pending = make(map[uuid.UUID]time.Time)
	e.settled = make(map[uuid.UUID]settlement)
	e.reserved = 0

	l.logger.Info().
		Str("code_id", codeID.String()).
		Int("released", released).
		Msg("released reservations of deleted code")
	return nil
}

var _ Ledger = (*MemoryLedger)(nil)
