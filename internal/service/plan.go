// Package service contains the business logic layer.
//
// Services take their collaborators (store, payment processor, event
// publisher, AI provider, blob storage) through their constructors and
// return *domain.Error values that handlers map to HTTP responses.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/DukeRupert/meanas/internal/domain"
	"github.com/DukeRupert/meanas/internal/repository"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// =============================================================================
// Interface Definition
// =============================================================================

// PlanService reads and seeds the plan catalog.
type PlanService interface {
	// List returns plans ordered by rank.
	List(ctx context.Context) ([]domain.Plan, error)

	// Get returns a single plan or ENOTFOUND.
	Get(ctx context.Context, id string) (domain.Plan, error)

	// Seed upserts every plan. It is idempotent.
	Seed(ctx context.Context, plans []domain.Plan) error
}

// =============================================================================
// Implementation
// =============================================================================

type planService struct {
	store  repository.Store
	logger *slog.Logger
}

// NewPlanService creates a new PlanService.
func NewPlanService(store repository.Store, logger *slog.Logger) PlanService {
	return &planService{store: store, logger: logger}
}

func (s *planService) List(ctx context.Context) ([]domain.Plan, error) {
	const op = "plan.list"

	plans, err := s.store.ListPlans(ctx)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to list plans")
	}
	return plans, nil
}

func (s *planService) Get(ctx context.Context, id string) (domain.Plan, error) {
	const op = "plan.get"

	plan, err := s.store.GetPlan(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return domain.Plan{}, domain.NotFound(op, "plan", id)
	}
	if err != nil {
		return domain.Plan{}, domain.Internal(err, op, "failed to load plan")
	}
	return plan, nil
}

func (s *planService) Seed(ctx context.Context, plans []domain.Plan) error {
	const op = "plan.seed"

	err := s.store.WithTx(ctx, func(ctx context.Context, q repository.Queries) error {
		for _, p := range plans {
			if err := q.UpsertPlan(ctx, p); err != nil {
				return fmt.Errorf("upsert plan %s: %w", p.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return domain.Internal(err, op, "failed to seed plan catalog")
	}

	s.logger.Info("plan catalog seeded", "plans", len(plans))
	return nil
}

// =============================================================================
// Catalog File
// =============================================================================

type catalogFile struct {
	Plans []domain.Plan `yaml:"plans" validate:"required,min=1,dive"`
}

// LoadPlanCatalog reads a YAML plan catalog. An empty path yields the
// built-in catalog.
func LoadPlanCatalog(path string) ([]domain.Plan, error) {
	if path == "" {
		return domain.DefaultPlans(), nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan catalog: %w", err)
	}
	return ParsePlanCatalog(raw)
}

// ParsePlanCatalog decodes and validates catalog YAML.
func ParsePlanCatalog(raw []byte) ([]domain.Plan, error) {
	var file catalogFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse plan catalog: %w", err)
	}
	if err := validate.Struct(file); err != nil {
		return nil, fmt.Errorf("invalid plan catalog: %w", err)
	}

	seen := make(map[string]bool, len(file.Plans))
	for _, p := range file.Plans {
		if seen[p.ID] {
			return nil, fmt.Errorf("invalid plan catalog: duplicate plan id %q", p.ID)
		}
		seen[p.ID] = true
	}
	return file.Plans, nil
}
