package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"discount-engine/internal/discount"
	"discount-engine/internal/ledger"
	"discount-engine/internal/model"
	"discount-engine/internal/repository"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("discount-engine/service")

// redemptionService implements RedemptionService.
type redemptionService struct {
	codeRepo repository.CodeRepository
	ledger   ledger.Ledger
	catalog  Catalog
	opts     options
	logger   zerolog.Logger
}

// NewRedemptionService creates a new redemption coordinator.
func NewRedemptionService(
	codeRepo repository.CodeRepository,
	l ledger.Ledger,
	catalog Catalog,
	logger zerolog.Logger,
	opts ...Option,
) RedemptionService {
	return &redemptionService{
		codeRepo: codeRepo,
		ledger:   l,
		catalog:  catalog,
		opts:     applyOptions(opts),
		logger:   logger.With().Str("service", "redemption").Logger(),
	}
}

// AttemptRedeem checks a code and holds one use of it.
func (s *redemptionService) AttemptRedeem(ctx context.Context, codeText, productID string, productPrice decimal.Decimal, now time.Time) (*model.RedemptionOutcome, error) {
	ctx, span := tracer.Start(ctx, "RedemptionService.AttemptRedeem")
	defer span.End()
	span.SetAttributes(attribute.String("product.id", productID))

	code, err := s.lookup(ctx, productID, codeText)
	if err != nil {
		return nil, s.fail(span, err)
	}
	if code == nil {
		return s.outcome(span, productID, model.OutcomeNotFound), nil
	}
	span.SetAttributes(attribute.String("code.id", code.ID.String()))

	// Usage still counts lapsed holds until the ledger reclaims them, so an
	// exhausted reading is settled by Reserve.
	eligibility := discount.CheckEligibility(code, now)
	if eligibility != discount.Eligible && eligibility != discount.IneligibleExhausted {
		return s.outcome(span, productID, eligibility.Outcome()), nil
	}

	res, err := s.ledger.Reserve(ctx, code, now)
	switch {
	case errors.Is(err, model.ErrDiscountExhausted):
		return s.outcome(span, productID, model.OutcomeExhausted), nil
	case errors.Is(err, model.ErrDiscountNotFound):
		return s.outcome(span, productID, model.OutcomeNotFound), nil
	case err != nil:
		s.logger.Error().Err(err).Str("code_id", code.ID.String()).Msg("failed to reserve discount use")
		return nil, s.fail(span, fmt.Errorf("failed to reserve discount use: %w", err))
	}

	amount := discount.ComputeDiscount(code, productPrice)
	final := productPrice.Sub(amount)

	out := s.outcome(span, productID, model.OutcomeReserved)
	out.Reservation = res
	out.DiscountAmount = &amount
	out.FinalPrice = &final

	event := newEvent(model.EventReserved, code.ID, productID, now)
	event.ReservationID = &res.ID
	s.opts.publisher.Publish(ctx, event)

	s.logger.Info().
		Str("code_id", code.ID.String()).
		Str("reservation_id", res.ID.String()).
		Str("discount", amount.StringFixed(2)).
		Msg("discount use reserved")

	return out, nil
}

// Redeem resolves the product price from the catalogue and attempts the redemption.
func (s *redemptionService) Redeem(ctx context.Context, req *model.RedeemRequest) (*model.RedemptionOutcome, error) {
	if req == nil {
		return nil, fmt.Errorf("redeem request is nil")
	}

	price, err := s.catalog.GetProductPrice(ctx, req.ProductID)
	if err != nil {
		if errors.Is(err, model.ErrProductNotFound) {
			return nil, err
		}
		s.logger.Error().Err(err).Str("product_id", req.ProductID).Msg("failed to get product price")
		return nil, fmt.Errorf("failed to get product price: %w", err)
	}

	return s.AttemptRedeem(ctx, req.Code, req.ProductID, price, s.opts.now())
}

// FinalizeRedeem commits or releases a reservation.
func (s *redemptionService) FinalizeRedeem(ctx context.Context, reservation *model.Reservation, succeeded bool) error {
	if reservation == nil {
		return fmt.Errorf("reservation is nil")
	}

	ctx, span := tracer.Start(ctx, "RedemptionService.FinalizeRedeem")
	defer span.End()
	span.SetAttributes(
		attribute.String("reservation.id", reservation.ID.String()),
		attribute.String("code.id", reservation.CodeID.String()),
		attribute.Bool("checkout.succeeded", succeeded),
	)

	now := s.opts.now()
	logger := s.logger.With().
		Str("reservation_id", reservation.ID.String()).
		Str("code_id", reservation.CodeID.String()).
		Logger()

	if !succeeded {
		if err := s.ledger.Release(ctx, reservation); err != nil {
			s.opts.recorder.RecordFinalize(FinalizeError)
			logger.Error().Err(err).Msg("failed to release reservation")
			return s.fail(span, fmt.Errorf("failed to release reservation: %w", err))
		}

		if reservation.Status == model.ReservationCommitted {
			s.opts.recorder.RecordFinalize(FinalizeCommitted)
			logger.Debug().Msg("reservation already committed, release ignored")
			return nil
		}

		s.opts.recorder.RecordFinalize(FinalizeReleased)
		s.publishSettled(ctx, model.EventReleased, reservation, now)
		logger.Debug().Msg("reservation released")
		return nil
	}

	err := s.ledger.Commit(ctx, reservation, now)
	switch {
	case err == nil:
		s.opts.recorder.RecordFinalize(FinalizeCommitted)
		s.publishSettled(ctx, model.EventCommitted, reservation, now)
		logger.Info().Msg("reservation committed")
		return nil
	case errors.Is(err, model.ErrReservationExpired):
		s.opts.recorder.RecordFinalize(FinalizeExpired)
		span.SetAttributes(attribute.String("finalize.result", FinalizeExpired))
		logger.Warn().Msg("reservation lapsed before commit")
		return err
	case errors.Is(err, model.ErrReservationNotFound):
		s.opts.recorder.RecordFinalize(FinalizeNotFound)
		span.SetAttributes(attribute.String("finalize.result", FinalizeNotFound))
		logger.Warn().Msg("reservation not found on commit")
		return err
	default:
		s.opts.recorder.RecordFinalize(FinalizeError)
		logger.Error().Err(err).Msg("failed to commit reservation")
		return s.fail(span, fmt.Errorf("failed to commit reservation: %w", err))
	}
}

// Preview computes the discounted price without reserving.
func (s *redemptionService) Preview(ctx context.Context, codeText, productID string) (*model.PricePreview, error) {
	price, err := s.catalog.GetProductPrice(ctx, productID)
	if err != nil {
		if errors.Is(err, model.ErrProductNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get product price: %w", err)
	}

	preview := &model.PricePreview{
		Code:           codeText,
		ProductID:      productID,
		Status:         model.OutcomeNotFound,
		Price:          price,
		DiscountAmount: decimal.Zero,
		FinalPrice:     price,
	}

	code, err := s.lookup(ctx, productID, codeText)
	if err != nil {
		return nil, err
	}
	if code == nil {
		return preview, nil
	}

	eligibility := discount.CheckEligibility(code, s.opts.now())
	if eligibility != discount.Eligible {
		preview.Status = eligibility.Outcome()
		return preview, nil
	}

	preview.Status = model.OutcomeEligible
	preview.DiscountAmount = discount.ComputeDiscount(code, price)
	preview.FinalPrice = price.Sub(preview.DiscountAmount)
	return preview, nil
}

// lookup finds a code with the ledger's counters applied. Malformed text
// cannot match a stored code and is reported as not found.
func (s *redemptionService) lookup(ctx context.Context, productID, codeText string) (*model.DiscountCode, error) {
	if productID == "" || discount.ValidateFormat(codeText) != nil {
		return nil, nil
	}

	code, err := s.codeRepo.GetByProductAndCode(ctx, productID, codeText)
	if err != nil {
		s.logger.Error().Err(err).Str("product_id", productID).Msg("failed to look up discount code")
		return nil, fmt.Errorf("failed to look up discount code: %w", err)
	}
	if code == nil {
		return nil, nil
	}

	if err := applyUsage(ctx, s.ledger, code); err != nil {
		s.logger.Error().Err(err).Str("code_id", code.ID.String()).Msg("failed to read code usage")
		return nil, err
	}
	return code, nil
}

func (s *redemptionService) outcome(span trace.Span, productID string, status model.OutcomeStatus) *model.RedemptionOutcome {
	span.SetAttributes(attribute.String("redemption.outcome", string(status)))
	s.opts.recorder.RecordOutcome(status)

	if status != model.OutcomeReserved {
		s.logger.Debug().
			Str("product_id", productID).
			Str("outcome", string(status)).
			Msg("redemption rejected")
	}

	return &model.RedemptionOutcome{Status: status}
}

func (s *redemptionService) publishSettled(ctx context.Context, typ model.EventType, reservation *model.Reservation, now time.Time) {
	event := newEvent(typ, reservation.CodeID, "", now)
	event.ReservationID = &reservation.ID
	s.opts.publisher.Publish(ctx, event)
}

func (s *redemptionService) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
