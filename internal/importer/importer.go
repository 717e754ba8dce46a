package importer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"discount-engine/internal/model"
	"discount-engine/internal/service"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Definition is one code entry in a seed file.
type Definition struct {
	ProductID string     `yaml:"productId"`
	OwnerID   string     `yaml:"ownerId"`
	Code      string     `yaml:"code"`
	Type      string     `yaml:"type"`
	Value     string     `yaml:"value"`
	MaxUses   *int       `yaml:"maxUses,omitempty"`
	ExpiresAt *time.Time `yaml:"expiresAt,omitempty"`
}

// Document is the top level of a seed file.
type Document struct {
	Codes []Definition `yaml:"codes"`
}

// Loader reads a seed document from some location.
type Loader interface {
	Load(ctx context.Context, path string) (*Document, error)
}

// Summary counts what an import run did with each definition.
type Summary struct {
	Created  int
	Skipped  int
	Rejected int
}

// Decode parses a YAML seed document.
func Decode(r io.Reader) (*Document, error) {
	var doc Document
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return &doc, nil
		}
		return nil, fmt.Errorf("failed to decode seed document: %w", err)
	}
	return &doc, nil
}

// Request converts the definition into a creation request.
func (d Definition) Request() (*model.CreateCodeRequest, error) {
	value, err := decimal.NewFromString(d.Value)
	if err != nil {
		return nil, fmt.Errorf("invalid value %q for code %s: %w", d.Value, d.Code, err)
	}
	return &model.CreateCodeRequest{
		Code:          d.Code,
		DiscountType:  model.DiscountType(d.Type),
		DiscountValue: value,
		MaxUses:       d.MaxUses,
		ExpiresAt:     d.ExpiresAt,
	}, nil
}

// Importer seeds discount codes through the code service so imported codes
// pass the same ownership and validation rules as API-created ones.
type Importer struct {
	loader Loader
	codes  service.CodeService
	logger zerolog.Logger
}

// New creates an importer.
func New(loader Loader, codes service.CodeService, logger zerolog.Logger) *Importer {
	return &Importer{
		loader: loader,
		codes:  codes,
		logger: logger.With().Str("component", "code-importer").Logger(),
	}
}

// Run loads path and creates every code in it. Codes that already exist are
// skipped, so re-running a seed file is harmless. Definitions the service
// rejects are logged and counted; any other failure aborts the run.
func (i *Importer) Run(ctx context.Context, path string) (Summary, error) {
	var summary Summary

	doc, err := i.loader.Load(ctx, path)
	if err != nil {
		return summary, err
	}

	for _, def := range doc.Codes {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		logger := i.logger.With().Str("product_id", def.ProductID).Str("code", def.Code).Logger()

		req, err := def.Request()
		if err != nil {
			logger.Warn().Err(err).Msg("skipping malformed definition")
			summary.Rejected++
			continue
		}

		_, err = i.codes.Create(ctx, def.OwnerID, def.ProductID, req)
		switch {
		case err == nil:
			summary.Created++
		case errors.Is(err, model.ErrDuplicateCode):
			summary.Skipped++
		case model.IsValidationError(err),
			errors.Is(err, model.ErrNotOwner),
			errors.Is(err, model.ErrProductNotFound),
			errors.Is(err, model.ErrUnauthenticated):
			logger.Warn().Err(err).Msg("definition rejected")
			summary.Rejected++
		default:
			return summary, fmt.Errorf("failed to import code %s: %w", def.Code, err)
		}
	}

	i.logger.Info().
		Str("path", path).
		Int("created", summary.Created).
		Int("skipped", summary.Skipped).
		Int("rejected", summary.Rejected).
		Msg("discount code import finished")

	return summary, nil
}
