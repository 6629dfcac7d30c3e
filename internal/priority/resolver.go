package priority

import (
	"context"

	"github.com/canvasflow/trigger-core/internal/config"
)

// Store is the durable-read dependency Resolver needs to turn a bare
// uid into the signals Compute wants.
type Store interface {
	ConsecutiveFailures(ctx context.Context, uid string) (int, error)
	CountActiveSchedules(ctx context.Context, uid string) (int, error)
}

// PlanLookup resolves a uid's billing plan; subscription/billing is an
// external collaborator (spec §1 Non-goals), so this is supplied by
// the caller rather than owned here.
type PlanLookup func(ctx context.Context, uid string) Plan

// Resolver adapts the pure Compute function to live store lookups,
// implementing scheduleengine.PriorityResolver.
type Resolver struct {
	cfg    *config.Config
	db     Store
	planOf PlanLookup
}

func NewResolver(cfg *config.Config, db Store, planOf PlanLookup) *Resolver {
	return &Resolver{cfg: cfg, db: db, planOf: planOf}
}

func (r *Resolver) Priority(ctx context.Context, uid string) (int, error) {
	failures, err := r.db.ConsecutiveFailures(ctx, uid)
	if err != nil {
		return 0, err
	}
	activeSchedules, err := r.db.CountActiveSchedules(ctx, uid)
	if err != nil {
		return 0, err
	}
	return Compute(r.cfg, Input{
		Plan:                r.planOf(ctx, uid),
		ConsecutiveFailures: failures,
		CurrentLoad:         activeSchedules,
	}), nil
}
