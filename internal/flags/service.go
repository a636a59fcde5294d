package flags

import (
	"context"
	"errors"
	"fmt"

	"github.com/victorgomez09/inkwell/internal/audit"
	apierr "github.com/victorgomez09/inkwell/internal/auth"
	"github.com/victorgomez09/inkwell/internal/auth/models"
	"github.com/victorgomez09/inkwell/internal/clock"
	"go.uber.org/zap"
)

// Store persists flags by name.
type Store interface {
	GetFlag(ctx context.Context, name string) (*models.FeatureFlag, error)
	ListFlags(ctx context.Context) ([]*models.FeatureFlag, error)
	UpsertFlag(ctx context.Context, f *models.FeatureFlag) error
	DeleteFlag(ctx context.Context, name string) (bool, error)
}

type Service struct {
	store     Store
	evaluator *Evaluator
	clock     clock.Clock
	audit     audit.Sink
	logger    *zap.Logger
}

func NewService(store Store, evaluator *Evaluator, clk clock.Clock, sink audit.Sink, logger *zap.Logger) *Service {
	if evaluator == nil {
		evaluator = NewEvaluator(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:     store,
		evaluator: evaluator,
		clock:     clock.OrSystem(clk),
		audit:     audit.OrNop(sink),
		logger:    logger.Named("flags"),
	}
}

func (s *Service) Get(ctx context.Context, name string) (*models.FeatureFlag, error) {
	return s.store.GetFlag(ctx, name)
}

func (s *Service) List(ctx context.Context) ([]*models.FeatureFlag, error) {
	return s.store.ListFlags(ctx)
}

// Upsert creates the flag or replaces its attributes.
func (s *Service) Upsert(ctx context.Context, actor, name string, opts Options) (*models.FeatureFlag, error) {
	now := s.clock.Now()
	f, err := s.store.GetFlag(ctx, name)
	switch {
	case errors.Is(err, apierr.ErrNotFound):
		if f, err = New(name, opts, now); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("load flag %s: %w", name, err)
	default:
		Apply(f, opts, now)
	}

	if err := s.store.UpsertFlag(ctx, f); err != nil {
		return nil, fmt.Errorf("save flag %s: %w", name, err)
	}
	s.audit.Record(ctx, audit.Event{
		Action:     audit.ActionFlagUpsert,
		UserID:     actor,
		EntityType: "feature_flag",
		EntityID:   name,
		Metadata: map[string]any{
			"enabled":            f.Enabled,
			"rollout_percentage": f.RolloutPercentage,
			"targets":            len(f.TargetUsers),
		},
		CreatedAt: now,
	})
	return f, nil
}

// Delete removes a flag; apierr.ErrNotFound when it did not exist.
func (s *Service) Delete(ctx context.Context, actor, name string) error {
	ok, err := s.store.DeleteFlag(ctx, name)
	if err != nil {
		return fmt.Errorf("delete flag %s: %w", name, err)
	}
	if !ok {
		return apierr.ErrNotFound
	}
	s.audit.Record(ctx, audit.Event{
		Action:     audit.ActionFlagDelete,
		UserID:     actor,
		EntityType: "feature_flag",
		EntityID:   name,
		CreatedAt:  s.clock.Now(),
	})
	return nil
}

// IsActive evaluates a stored flag. Unknown flags and storage errors are
// reported as inactive; storage errors are also logged.
func (s *Service) IsActive(ctx context.Context, name, userID string) bool {
	f, err := s.store.GetFlag(ctx, name)
	if err != nil {
		if !errors.Is(err, apierr.ErrNotFound) {
			s.logger.Warn("flag lookup failed", zap.String("flag", name), zap.Error(err))
		}
		return false
	}
	return s.evaluator.IsActive(f, userID)
}
