package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"discount-engine/internal/discount"
	"discount-engine/internal/ledger"
	"discount-engine/internal/model"
	"discount-engine/internal/repository"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// codeService implements CodeService.
type codeService struct {
	codeRepo repository.CodeRepository
	ledger   ledger.Ledger
	catalog  Catalog
	identity Identity
	opts     options
	logger   zerolog.Logger
}

// NewCodeService creates a new discount code lifecycle service.
func NewCodeService(
	codeRepo repository.CodeRepository,
	l ledger.Ledger,
	catalog Catalog,
	identity Identity,
	logger zerolog.Logger,
	opts ...Option,
) CodeService {
	return &codeService{
		codeRepo: codeRepo,
		ledger:   l,
		catalog:  catalog,
		identity: identity,
		opts:     applyOptions(opts),
		logger:   logger.With().Str("service", "code").Logger(),
	}
}

// Create validates and stores a new active code.
func (s *codeService) Create(ctx context.Context, ownerID, productID string, req *model.CreateCodeRequest) (*model.DiscountCode, error) {
	if req == nil {
		return nil, fmt.Errorf("create code request is nil")
	}

	if err := s.requireOwner(ctx, ownerID, productID); err != nil {
		return nil, err
	}

	text := strings.TrimSpace(req.Code)
	if err := discount.ValidateFormat(text); err != nil {
		return nil, err
	}

	existing, err := s.codeRepo.GetByProductAndCode(ctx, productID, text)
	if err != nil {
		s.logger.Error().Err(err).Str("product_id", productID).Msg("failed to check code uniqueness")
		return nil, fmt.Errorf("failed to create discount code: %w", err)
	}
	if existing != nil {
		s.logger.Debug().
			Str("product_id", productID).
			Str("code", text).
			Msg("code already exists for product")
		return nil, model.ErrDuplicateCode
	}

	price, err := s.catalog.GetProductPrice(ctx, productID)
	if err != nil {
		if errors.Is(err, model.ErrProductNotFound) {
			return nil, err
		}
		s.logger.Error().Err(err).Str("product_id", productID).Msg("failed to get product price")
		return nil, fmt.Errorf("failed to create discount code: %w", err)
	}

	now := s.opts.now()
	if err := discount.ValidateTerms(req, price, now); err != nil {
		return nil, err
	}

	code := &model.DiscountCode{
		ID:            uuid.New(),
		ProductID:     productID,
		Code:          text,
		DiscountType:  req.DiscountType,
		DiscountValue: req.DiscountValue,
		MaxUses:       req.MaxUses,
		ExpiresAt:     req.ExpiresAt,
		IsActive:      true,
		CreatedAt:     now,
		CreatedBy:     ownerID,
	}

	if err := s.codeRepo.Create(ctx, code); err != nil {
		if errors.Is(err, model.ErrDuplicateCode) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to create discount code: %w", err)
	}

	s.opts.recorder.RecordLifecycle("create")
	s.logger.Info().
		Str("code_id", code.ID.String()).
		Str("product_id", productID).
		Str("discount_type", string(code.DiscountType)).
		Msg("discount code created")

	return code, nil
}

// Get returns a code with its authoritative usage counters.
func (s *codeService) Get(ctx context.Context, codeID uuid.UUID, ownerID string) (*model.DiscountCode, error) {
	code, err := s.ownedCode(ctx, codeID, ownerID)
	if err != nil {
		return nil, err
	}

	if err := s.overlayUsage(ctx, code); err != nil {
		return nil, err
	}
	return code, nil
}

// ListByProduct returns every code of a product the owner sells.
func (s *codeService) ListByProduct(ctx context.Context, ownerID, productID string) ([]model.DiscountCode, error) {
	if err := s.requireOwner(ctx, ownerID, productID); err != nil {
		return nil, err
	}

	codes, err := s.codeRepo.ListByProduct(ctx, productID)
	if err != nil {
		s.logger.Error().Err(err).Str("product_id", productID).Msg("failed to list discount codes")
		return nil, fmt.Errorf("failed to list discount codes: %w", err)
	}

	for i := range codes {
		if err := s.overlayUsage(ctx, &codes[i]); err != nil {
			return nil, err
		}
	}

	return codes, nil
}

// ToggleActive flips the active flag.
func (s *codeService) ToggleActive(ctx context.Context, codeID uuid.UUID, ownerID string) (*model.DiscountCode, error) {
	code, err := s.ownedCode(ctx, codeID, ownerID)
	if err != nil {
		return nil, err
	}

	active, err := s.codeRepo.ToggleActive(ctx, codeID)
	if err != nil {
		if errors.Is(err, model.ErrDiscountNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to toggle discount code: %w", err)
	}
	code.IsActive = active

	if err := s.overlayUsage(ctx, code); err != nil {
		return nil, err
	}

	s.opts.recorder.RecordLifecycle("toggle")
	s.logger.Info().
		Str("code_id", codeID.String()).
		Bool("is_active", active).
		Msg("discount code toggled")

	return code, nil
}

// Delete removes a code and fails its pending reservations.
func (s *codeService) Delete(ctx context.Context, codeID uuid.UUID, ownerID string) error {
	code, err := s.ownedCode(ctx, codeID, ownerID)
	if err != nil {
		return err
	}

	if err := s.codeRepo.Delete(ctx, codeID); err != nil {
		if errors.Is(err, model.ErrDiscountNotFound) {
			return err
		}
		return fmt.Errorf("failed to delete discount code: %w", err)
	}

	if err := s.ledger.Forget(ctx, codeID); err != nil {
		// The code row is gone, so lapsed holds are still reclaimed by the sweeper.
		s.logger.Error().Err(err).Str("code_id", codeID.String()).Msg("failed to release reservations of deleted code")
	}

	s.opts.recorder.RecordLifecycle("delete")
	s.opts.publisher.Publish(ctx, newEvent(model.EventDeleted, codeID, code.ProductID, s.opts.now()))
	s.logger.Info().
		Str("code_id", codeID.String()).
		Str("product_id", code.ProductID).
		Msg("discount code deleted")

	return nil
}

// requireOwner returns model.ErrNotOwner unless ownerID sells productID.
func (s *codeService) requireOwner(ctx context.Context, ownerID, productID string) error {
	if ownerID == "" {
		return model.ErrUnauthenticated
	}

	owns, err := s.identity.IsOwner(ctx, ownerID, productID)
	if err != nil {
		if errors.Is(err, model.ErrProductNotFound) {
			return err
		}
		s.logger.Error().Err(err).Str("product_id", productID).Msg("failed to check product ownership")
		return fmt.Errorf("failed to check product ownership: %w", err)
	}

	if !owns {
		s.logger.Warn().
			Str("user_id", ownerID).
			Str("product_id", productID).
			Msg("user does not own product")
		return model.ErrNotOwner
	}
	return nil
}

func (s *codeService) ownedCode(ctx context.Context, codeID uuid.UUID, ownerID string) (*model.DiscountCode, error) {
	if ownerID == "" {
		return nil, model.ErrUnauthenticated
	}

	code, err := s.codeRepo.GetByID(ctx, codeID)
	if err != nil {
		return nil, fmt.Errorf("failed to get discount code: %w", err)
	}
	if code == nil {
		return nil, model.ErrDiscountNotFound
	}

	if err := s.requireOwner(ctx, ownerID, code.ProductID); err != nil {
		if errors.Is(err, model.ErrProductNotFound) {
			return nil, model.ErrDiscountNotFound
		}
		return nil, err
	}
	return code, nil
}

// overlayUsage replaces the stored counters with the ledger's. A ledger that
// has not seen the code yet leaves the stored counters in place.
func (s *codeService) overlayUsage(ctx context.Context, code *model.DiscountCode) error {
	return applyUsage(ctx, s.ledger, code)
}

func applyUsage(ctx context.Context, l ledger.Ledger, code *model.DiscountCode) error {
	usage, err := l.Usage(ctx, code.ID)
	if err != nil {
		if errors.Is(err, model.ErrDiscountNotFound) {
			return nil
		}
		return fmt.Errorf("failed to read code usage: %w", err)
	}

	code.CurrentUses = usage.CurrentUses
	code.ReservedUses = usage.ReservedUses
	return nil
}
