package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"discount-engine/internal/model"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

const (
	uniqueViolation      = "23505"
	productCodeUniqueKey = "discount_codes_product_code_key"
)

const codeColumns = `
	id, product_id, code, discount_type, discount_value, max_uses,
	current_uses, reserved_uses, expires_at, is_active, created_at, created_by
`

// codeRepository implements the CodeRepository interface using PostgreSQL.
type codeRepository struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewCodeRepository creates a new PostgreSQL-backed discount code repository.
func NewCodeRepository(pool *pgxpool.Pool, logger zerolog.Logger) CodeRepository {
	return &codeRepository{
		pool:   pool,
		logger: logger.With().Str("repository", "discount_code").Logger(),
	}
}

func scanCode(row pgx.Row) (*model.DiscountCode, error) {
	var c model.DiscountCode
	err := row.Scan(
		&c.ID,
		&c.ProductID,
		&c.Code,
		&c.DiscountType,
		&c.DiscountValue,
		&c.MaxUses,
		&c.CurrentUses,
		&c.ReservedUses,
		&c.ExpiresAt,
		&c.IsActive,
		&c.CreatedAt,
		&c.CreatedBy,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Create inserts a new discount code.
func (r *codeRepository) Create(ctx context.Context, code *model.DiscountCode) error {
	query := `
		INSERT INTO discount_codes (
			id, product_id, code, code_normalized, discount_type, discount_value,
			max_uses, expires_at, is_active, created_at, created_by
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err := r.pool.Exec(ctx, query,
		code.ID,
		code.ProductID,
		code.Code,
		model.NormalizeCode(code.Code),
		string(code.DiscountType),
		code.DiscountValue,
		code.MaxUses,
		code.ExpiresAt,
		code.IsActive,
		code.CreatedAt,
		code.CreatedBy,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == productCodeUniqueKey {
			r.logger.Debug().
				Str("product_id", code.ProductID).
				Str("code", code.Code).
				Msg("duplicate discount code")
			return model.ErrDuplicateCode
		}
		r.logger.Error().Err(err).
			Str("code_id", code.ID.String()).
			Str("product_id", code.ProductID).
			Msg("failed to insert discount code")
		return fmt.Errorf("failed to insert discount code: %w", err)
	}

	return nil
}

// GetByID retrieves a discount code by its ID.
func (r *codeRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.DiscountCode, error) {
	query := `SELECT ` + codeColumns + ` FROM discount_codes WHERE id = $1`

	code, err := scanCode(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			r.logger.Debug().Str("code_id", id.String()).Msg("discount code not found")
			return nil, nil
		}
		r.logger.Error().Err(err).Str("code_id", id.String()).Msg("failed to query discount code")
		return nil, fmt.Errorf("failed to query discount code: %w", err)
	}

	return code, nil
}

// GetByProductAndCode retrieves a product's discount code by its text, ignoring case.
func (r *codeRepository) GetByProductAndCode(ctx context.Context, productID, code string) (*model.DiscountCode, error) {
	query := `SELECT ` + codeColumns + ` FROM discount_codes WHERE product_id = $1 AND code_normalized = $2`

	found, err := scanCode(r.pool.QueryRow(ctx, query, productID, model.NormalizeCode(code)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		r.logger.Error().Err(err).
			Str("product_id", productID).
			Msg("failed to query discount code by text")
		return nil, fmt.Errorf("failed to query discount code: %w", err)
	}

	return found, nil
}

// ListByProduct retrieves all discount codes of a product, newest first.
func (r *codeRepository) ListByProduct(ctx context.Context, productID string) ([]model.DiscountCode, error) {
	query := `SELECT ` + codeColumns + ` FROM discount_codes WHERE product_id = $1 ORDER BY created_at DESC, code`

	rows, err := r.pool.Query(ctx, query, productID)
	if err != nil {
		r.logger.Error().Err(err).Str("product_id", productID).Msg("failed to query discount codes")
		return nil, fmt.Errorf("failed to query discount codes: %w", err)
	}
	defer rows.Close()

	codes := []model.DiscountCode{}
	for rows.Next() {
		c, err := scanCode(rows)
		if err != nil {
			r.logger.Error().Err(err).Msg("failed to scan discount code row")
			return nil, fmt.Errorf("failed to scan discount code: %w", err)
		}
		codes = append(codes, *c)
	}

	if err := rows.Err(); err != nil {
		r.logger.Error().Err(err).Msg("error iterating discount code rows")
		return nil, fmt.Errorf("error iterating discount codes: %w", err)
	}

	return codes, nil
}

// ToggleActive flips the active flag and returns the new value.
func (r *codeRepository) ToggleActive(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE discount_codes
		SET is_active = NOT is_active
		WHERE id = $1
		RETURNING is_active
	`

	var active bool
	err := r.pool.QueryRow(ctx, query, id).Scan(&active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, model.ErrDiscountNotFound
		}
		r.logger.Error().Err(err).Str("code_id", id.String()).Msg("failed to toggle discount code")
		return false, fmt.Errorf("failed to toggle discount code: %w", err)
	}

	return active, nil
}

// Delete removes a discount code. Reservations cascade with it.
func (r *codeRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM discount_codes WHERE id = $1`, id)
	if err != nil {
		r.logger.Error().Err(err).Str("code_id", id.String()).Msg("failed to delete discount code")
		return fmt.Errorf("failed to delete discount code: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return model.ErrDiscountNotFound
	}

	return nil
}

// AddCommitted adds delta to current_uses. The usage cap constraint rejects
// a count that would exceed max_uses.
func (r *codeRepository) AddCommitted(ctx context.Context, id uuid.UUID, delta int) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE discount_codes SET current_uses = current_uses + $2 WHERE id = $1`,
		id, delta,
	)
	if err != nil {
		r.logger.Error().Err(err).
			Str("code_id", id.String()).
			Int("delta", delta).
			Msg("failed to record committed uses")
		return fmt.Errorf("failed to record committed uses: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return model.ErrDiscountNotFound
	}
	return nil
}

// CountActive counts active, unexpired codes per product.
func (r *codeRepository) CountActive(ctx context.Context, productIDs []string, now time.Time) (map[string]int, error) {
	counts := make(map[string]int, len(productIDs))
	if len(productIDs) == 0 {
		return counts, nil
	}

	query := `
		SELECT product_id, COUNT(*)
		FROM discount_codes
		WHERE product_id = ANY($1)
		  AND is_active
		  AND (expires_at IS NULL OR expires_at > $2)
		GROUP BY product_id
	`

	rows, err := r.pool.Query(ctx, query, productIDs, now)
	if err != nil {
		r.logger.Error().Err(err).Int("products", len(productIDs)).Msg("failed to count active discount codes")
		return nil, fmt.Errorf("failed to count active discount codes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var productID string
		var n int
		if err := rows.Scan(&productID, &n); err != nil {
			return nil, fmt.Errorf("failed to scan active code count: %w", err)
		}
		counts[productID] = n
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating active code counts: %w", err)
	}
	return counts, nil
}
