package priority

import (
	"testing"

	"github.com/canvasflow/trigger-core/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		DefaultPriority:   10,
		MaxPriority:       10,
		MaxFailureLevels:  3,
		FailurePenalty:    1,
		HighLoadThreshold: 10,
		HighLoadPenalty:   1,
	}
}

func TestComputeBasePriorityByPlan(t *testing.T) {
	cfg := testConfig()
	free := Compute(cfg, Input{Plan: PlanFree})
	paid := Compute(cfg, Input{Plan: PlanPaid})
	if paid >= free {
		t.Errorf("expected paid plan priority %d to be more urgent (lower) than free %d", paid, free)
	}
}

func TestComputeFailurePenaltyCaps(t *testing.T) {
	cfg := testConfig()
	uncapped := Compute(cfg, Input{Plan: PlanFree, ConsecutiveFailures: 3})
	capped := Compute(cfg, Input{Plan: PlanFree, ConsecutiveFailures: 100})
	if uncapped != capped {
		t.Errorf("failure penalty should cap at MaxFailureLevels: got %d vs %d", uncapped, capped)
	}
}

func TestComputeHighLoadPenalty(t *testing.T) {
	cfg := testConfig()
	low := Compute(cfg, Input{Plan: PlanPaid, CurrentLoad: 0})
	high := Compute(cfg, Input{Plan: PlanPaid, CurrentLoad: 50})
	if high <= low {
		t.Errorf("expected high load to push priority less urgent: low=%d high=%d", low, high)
	}
}

func TestComputeClampsToRange(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPriority = 5
	p := Compute(cfg, Input{Plan: PlanFree, ConsecutiveFailures: 100, CurrentLoad: 100})
	if p < 1 || p > cfg.MaxPriority {
		t.Errorf("priority %d out of [1, %d]", p, cfg.MaxPriority)
	}
}
