// Package priority computes a schedule trigger's queue priority (C1):
// a pure function of plan, consecutive failure count, and current
// system load, clamped to [1, maxPriority]. Lower values run first
// (§4, BullMQ convention carried into internal/queue).
package priority

import "github.com/canvasflow/trigger-core/internal/config"

// Plan identifies the billing tier driving the base priority lookup.
type Plan string

const (
	PlanFree Plan = "free"
	PlanPaid Plan = "paid"
)

var basePriority = map[Plan]int{
	PlanFree: 5,
	PlanPaid: 3,
}

// Input carries the signals the priority function depends on.
type Input struct {
	Plan                Plan
	ConsecutiveFailures int
	CurrentLoad         int // count of active, non-deleted schedules owned by uid
}

// Compute returns the effective priority for a trigger, per cfg's
// maxPriority/highLoadThreshold/maxFailureLevels knobs (§6).
func Compute(cfg *config.Config, in Input) int {
	p, ok := basePriority[in.Plan]
	if !ok {
		p = cfg.DefaultPriority
	}

	failures := in.ConsecutiveFailures
	if failures > cfg.MaxFailureLevels {
		failures = cfg.MaxFailureLevels
	}
	p += failures * cfg.FailurePenalty

	if in.CurrentLoad > cfg.HighLoadThreshold {
		p += cfg.HighLoadPenalty
	}

	if p < 1 {
		p = 1
	}
	if p > cfg.MaxPriority {
		p = cfg.MaxPriority
	}
	return p
}
