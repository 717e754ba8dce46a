package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"discount-engine/internal/ledger"
	"discount-engine/internal/model"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// settledRetention is how long settled reservation rows are kept so repeated
// commit or release calls stay idempotent.
const settledRetention = 24 * time.Hour

// reclaimQuery releases the lapsed reservations of one code and returns how
// many were released. Reservation rows are always locked before the code row.
const reclaimQuery = `
	WITH lapsed AS (
		UPDATE reservations
		SET status = 'released', settled_at = $2
		WHERE code_id = $1 AND status = 'pending' AND expires_at <= $2
		RETURNING code_id
	), counted AS (
		SELECT code_id, COUNT(*) AS n FROM lapsed GROUP BY code_id
	)
	UPDATE discount_codes d
	SET reserved_uses = d.reserved_uses - counted.n
	FROM counted
	WHERE d.id = counted.code_id
	RETURNING counted.n
`

// ledgerRepository implements ledger.Ledger on the discount_codes and
// reservations tables. Every counter change is a single conditional statement,
// so the row lock of one code is the only lock taken.
type ledgerRepository struct {
	pool   *pgxpool.Pool
	opts   ledger.Options
	logger zerolog.Logger
}

// NewLedgerRepository creates a PostgreSQL-backed redemption ledger.
func NewLedgerRepository(pool *pgxpool.Pool, opts ledger.Options, logger zerolog.Logger) ledger.Ledger {
	return &ledgerRepository{
		pool:   pool,
		opts:   opts,
		logger: logger.With().Str("repository", "ledger").Logger(),
	}
}

// Reserve implements ledger.Ledger.
func (r *ledgerRepository) Reserve(ctx context.Context, code *model.DiscountCode, now time.Time) (*model.Reservation, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to begin transaction")
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	reclaimed, err := r.reclaim(ctx, tx, code.ID, now)
	if err != nil {
		return nil, err
	}
	if reclaimed > 0 {
		r.logger.Debug().
			Str("code_id", code.ID.String()).
			Int("reclaimed", reclaimed).
			Msg("reclaimed lapsed reservations")
	}

	claim := `
		UPDATE discount_codes
		SET reserved_uses = reserved_uses + 1
		WHERE id = $1 AND (max_uses IS NULL OR current_uses + reserved_uses < max_uses)
	`
	tag, err := tx.Exec(ctx, claim, code.ID)
	if err != nil {
		r.logger.Error().Err(err).Str("code_id", code.ID.String()).Msg("failed to claim discount use")
		return nil, fmt.Errorf("failed to claim discount use: %w", err)
	}

	if tag.RowsAffected() == 0 {
		var exists bool
		err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM discount_codes WHERE id = $1)`, code.ID).Scan(&exists)
		if err != nil {
			return nil, fmt.Errorf("failed to check discount code: %w", err)
		}
		if !exists {
			return nil, model.ErrDiscountNotFound
		}
		return nil, model.ErrDiscountExhausted
	}

	res := ledger.NewReservation(code.ID, now, r.opts.TTL())
	insert := `
		INSERT INTO reservations (id, code_id, status, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err = tx.Exec(ctx, insert, res.ID, res.CodeID, string(res.Status), res.CreatedAt, res.ExpiresAt)
	if err != nil {
		r.logger.Error().Err(err).Str("code_id", code.ID.String()).Msg("failed to insert reservation")
		return nil, fmt.Errorf("failed to insert reservation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		r.logger.Error().Err(err).Msg("failed to commit transaction")
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return res, nil
}

func (r *ledgerRepository) reclaim(ctx context.Context, q pgx.Tx, codeID uuid.UUID, now time.Time) (int, error) {
	var n int64
	err := q.QueryRow(ctx, reclaimQuery, codeID, now).Scan(&n)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		r.logger.Error().Err(err).Str("code_id", codeID.String()).Msg("failed to reclaim reservations")
		return 0, fmt.Errorf("failed to reclaim reservations: %w", err)
	}
	return int(n), nil
}

// Commit implements ledger.Ledger.
func (r *ledgerRepository) Commit(ctx context.Context, reservation *model.Reservation, now time.Time) error {
	query := `
		WITH settled AS (
			UPDATE reservations
			SET status = 'committed', settled_at = $3
			WHERE id = $1 AND code_id = $2 AND status = 'pending' AND expires_at > $3
			RETURNING code_id
		)
		UPDATE discount_codes d
		SET current_uses = d.current_uses + 1, reserved_uses = d.reserved_uses - 1
		FROM settled
		WHERE d.id = settled.code_id
	`

	tag, err := r.pool.Exec(ctx, query, reservation.ID, reservation.CodeID, now)
	if err != nil {
		r.logger.Error().Err(err).
			Str("reservation_id", reservation.ID.String()).
			Msg("failed to commit reservation")
		return fmt.Errorf("failed to commit reservation: %w", err)
	}
	if tag.RowsAffected() == 1 {
		reservation.Status = model.ReservationCommitted
		return nil
	}

	var status string
	var expiresAt time.Time
	err = r.pool.QueryRow(ctx,
		`SELECT status, expires_at FROM reservations WHERE id = $1 AND code_id = $2`,
		reservation.ID, reservation.CodeID,
	).Scan(&status, &expiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ErrReservationNotFound
		}
		return fmt.Errorf("failed to query reservation: %w", err)
	}

	switch model.ReservationStatus(status) {
	case model.ReservationCommitted:
		reservation.Status = model.ReservationCommitted
		return nil
	case model.ReservationReleased:
		reservation.Status = model.ReservationReleased
		return model.ErrReservationExpired
	}

	if now.Before(expiresAt) {
		return fmt.Errorf("reservation %s changed state during commit", reservation.ID)
	}

	if err := r.Release(ctx, reservation); err != nil {
		return err
	}
	return model.ErrReservationExpired
}

// Release implements ledger.Ledger.
func (r *ledgerRepository) Release(ctx context.Context, reservation *model.Reservation) error {
	query := `
		WITH settled AS (
			UPDATE reservations
			SET status = 'released', settled_at = $3
			WHERE id = $1 AND code_id = $2 AND status = 'pending'
			RETURNING code_id
		)
		UPDATE discount_codes d
		SET reserved_uses = d.reserved_uses - 1
		FROM settled
		WHERE d.id = settled.code_id
	`

	tag, err := r.pool.Exec(ctx, query, reservation.ID, reservation.CodeID, time.Now())
	if err != nil {
		r.logger.Error().Err(err).
			Str("reservation_id", reservation.ID.String()).
			Msg("failed to release reservation")
		return fmt.Errorf("failed to release reservation: %w", err)
	}

	reservation.Status = model.ReservationReleased
	if tag.RowsAffected() == 1 {
		return nil
	}

	var status string
	err = r.pool.QueryRow(ctx,
		`SELECT status FROM reservations WHERE id = $1 AND code_id = $2`,
		reservation.ID, reservation.CodeID,
	).Scan(&status)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return fmt.Errorf("failed to query reservation: %w", err)
	case model.ReservationStatus(status) == model.ReservationCommitted:
		reservation.Status = model.ReservationCommitted
	}
	return nil
}

// SweepExpired implements ledger.Ledger. Codes are reclaimed one at a time.
func (r *ledgerRepository) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT DISTINCT code_id FROM reservations WHERE status = 'pending' AND expires_at <= $1`,
		now,
	)
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to query lapsed reservations")
		return 0, fmt.Errorf("failed to query lapsed reservations: %w", err)
	}

	codeIDs, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return 0, fmt.Errorf("failed to scan lapsed reservations: %w", err)
	}

	total := 0
	for _, codeID := range codeIDs {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		n, err := r.reclaimCode(ctx, codeID, now)
		if err != nil {
			r.logger.Warn().Err(err).Str("code_id", codeID.String()).Msg("sweep of code failed")
			continue
		}
		total += n
	}

	tag, err := r.pool.Exec(ctx,
		`DELETE FROM reservations WHERE status <> 'pending' AND settled_at < $1`,
		now.Add(-settledRetention),
	)
	if err != nil {
		return total, fmt.Errorf("failed to prune settled reservations: %w", err)
	}
	if pruned := tag.RowsAffected(); pruned > 0 {
		r.logger.Debug().Int64("pruned", pruned).Msg("pruned settled reservations")
	}

	return total, nil
}

func (r *ledgerRepository) reclaimCode(ctx context.Context, codeID uuid.UUID, now time.Time) (int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	n, err := r.reclaim(ctx, tx, codeID, now)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return n, nil
}

// Usage implements ledger.Ledger.
func (r *ledgerRepository) Usage(ctx context.Context, codeID uuid.UUID) (model.Usage, error) {
	var usage model.Usage
	err := r.pool.QueryRow(ctx,
		`SELECT current_uses, reserved_uses FROM discount_codes WHERE id = $1`,
		codeID,
	).Scan(&usage.CurrentUses, &usage.ReservedUses)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Usage{}, model.ErrDiscountNotFound
		}
		r.logger.Error().Err(err).Str("code_id", codeID.String()).Msg("failed to query usage")
		return model.Usage{}, fmt.Errorf("failed to query usage: %w", err)
	}

	return usage, nil
}

// Forget implements ledger.Ledger. When the code row is already gone its
// reservations went with it.
func (r *ledgerRepository) Forget(ctx context.Context, codeID uuid.UUID) error {
	query := `
		WITH dropped AS (
			DELETE FROM reservations WHERE code_id = $1 RETURNING status
		), reset AS (
			UPDATE discount_codes SET reserved_uses = 0 WHERE id = $1 RETURNING id
		)
		SELECT COUNT(*) FROM dropped WHERE status = 'pending'
	`

	var released int64
	if err := r.pool.QueryRow(ctx, query, codeID).Scan(&released); err != nil {
		r.logger.Error().Err(err).Str("code_id", codeID.String()).Msg("failed to forget discount code")
		return fmt.Errorf("failed to forget discount code: %w", err)
	}

	if released > 0 {
		r.logger.Info().
			Str("code_id", codeID.String()).
			Int64("released", released).
			Msg("released reservations of deleted code")
	}
	return nil
}
