package service

import (
	"context"
	"fmt"
	"time"

	"discount-engine/internal/model"
	"discount-engine/internal/repository"

	"github.com/rs/zerolog"
)

const (
	defaultPageSize = 10
	maxPageSize     = 100
)

// ActiveCodeCounter reports how many redeemable codes each product has.
type ActiveCodeCounter interface {
	CountActive(ctx context.Context, productIDs []string, now time.Time) (map[string]int, error)
}

// productService implements ProductService. Listings are annotated with
// their active code counts so storefronts can advertise discounts.
type productService struct {
	productRepo repository.ProductRepository
	codes       ActiveCodeCounter
	opts        options
	logger      zerolog.Logger
}

// NewProductService creates a catalogue service.
func NewProductService(productRepo repository.ProductRepository, codes ActiveCodeCounter, logger zerolog.Logger, opts ...Option) ProductService {
	return &productService{
		productRepo: productRepo,
		codes:       codes,
		opts:        applyOptions(opts),
		logger:      logger.With().Str("service", "product").Logger(),
	}
}

// GetAll returns a page of products with their active code counts.
func (s *productService) GetAll(ctx context.Context, limit, offset int) ([]model.Product, error) {
	limit, offset = clampPage(limit, offset)

	products, err := s.productRepo.GetAll(ctx, limit, offset)
	if err != nil {
		s.logger.Error().Err(err).
			Int("limit", limit).
			Int("offset", offset).
			Msg("failed to list products")
		return nil, fmt.Errorf("failed to get products: %w", err)
	}

	if err := s.annotate(ctx, products); err != nil {
		return nil, err
	}
	return products, nil
}

// GetByID returns one product with its active code count.
func (s *productService) GetByID(ctx context.Context, id string) (*model.Product, error) {
	if id == "" {
		return nil, model.ErrProductNotFound
	}

	product, err := s.productRepo.GetByID(ctx, id)
	if err != nil {
		s.logger.Error().Err(err).Str("product_id", id).Msg("failed to get product")
		return nil, fmt.Errorf("failed to get product: %w", err)
	}
	if product == nil {
		return nil, model.ErrProductNotFound
	}

	one := []model.Product{*product}
	if err := s.annotate(ctx, one); err != nil {
		return nil, err
	}
	return &one[0], nil
}

func (s *productService) annotate(ctx context.Context, products []model.Product) error {
	if len(products) == 0 {
		return nil
	}

	ids := make([]string, len(products))
	for i := range products {
		ids[i] = products[i].ID
	}

	counts, err := s.codes.CountActive(ctx, ids, s.opts.now())
	if err != nil {
		s.logger.Error().Err(err).Int("products", len(ids)).Msg("failed to count active codes")
		return fmt.Errorf("failed to count active codes: %w", err)
	}

	for i := range products {
		products[i].ActiveCodes = counts[products[i].ID]
	}
	return nil
}

func clampPage(limit, offset int) (int, int) {
	switch {
	case limit <= 0:
		limit = defaultPageSize
	case limit > maxPageSize:
		limit = maxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
