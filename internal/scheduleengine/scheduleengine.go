// Package scheduleengine implements the Schedule Engine (C2, §4.2):
// the every-minute scan tick that fires due schedules, enforces plan
// quotas, and avoids duplicate work across replicas via the coarse
// scan lock plus per-schedule fresh-read gating.
//
// Grounded on itskum47-FluxForge/control_plane/reconciler.go's
// tick-driven reconciliation loop shape and scheduler/types.go's
// task/result conventions, generalized to the spec's due-schedule
// query and cron semantics; cron parsing itself uses robfig/cron/v3
// since the teacher has no true cron parser (its "scheduler" is a
// continuous reconciliation loop, not calendar-based).
package scheduleengine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/canvasflow/trigger-core/internal/errorsx"
	"github.com/canvasflow/trigger-core/internal/ids"
	"github.com/canvasflow/trigger-core/internal/lock"
	"github.com/canvasflow/trigger-core/internal/metrics"
	"github.com/canvasflow/trigger-core/internal/priority"
	"github.com/canvasflow/trigger-core/internal/queue"
	"github.com/canvasflow/trigger-core/internal/store"
)

const epsilon = 0 // nextRunAt > now+ε guard; ε is zero since minute-granularity ticks already provide slack

// quotaRemovalScanLimit bounds how many pending/delayed jobs enforceQuota
// scans per disabled schedule when looking for its queued job to remove.
const quotaRemovalScanLimit = 10000

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// DurableStore is the subset of the Postgres store this package needs.
type DurableStore interface {
	DueSchedules(ctx context.Context, asOf time.Time, limit int) ([]*store.Schedule, error)
	GetSchedule(ctx context.Context, scheduleID string) (*store.Schedule, error)
	UpsertSchedule(ctx context.Context, sc *store.Schedule) error
	CountActiveSchedules(ctx context.Context, uid string) (int, error)
	DisableOldestActive(ctx context.Context, uid string, n int, reason string) ([]string, error)
	CreateScheduleRecord(ctx context.Context, r *store.ScheduleRecord) error
	UpdateScheduleRecordStatus(ctx context.Context, recordID string, status store.RecordStatus, errCode, errMsg *string, startedAt, finishedAt *time.Time) error
	ListScheduleRecords(ctx context.Context, scheduleID string, limit int) ([]*store.ScheduleRecord, error)
}

// PriorityResolver looks up a user's plan + load signals; it wraps
// internal/priority.Compute with the store lookups the pure function
// needs (subscription plan, consecutive failures, active schedule
// count) — those lookups are a thin DB-facing adapter supplied by the
// caller so this package stays testable without a live store.
type PriorityResolver interface {
	Priority(ctx context.Context, uid string) (int, error)
}

// Engine runs the scan tick.
type Engine struct {
	db          DurableStore
	locks       *lock.Manager
	execQueue   *queue.Queue
	priorities  PriorityResolver
	log         *slog.Logger
	scanTTL     time.Duration
	nodeID      string
	maxActive   func(plan string) int
	planOf      func(ctx context.Context, uid string) string
}

func New(db DurableStore, locks *lock.Manager, execQueue *queue.Queue, priorities PriorityResolver, log *slog.Logger, nodeID string, scanTTL time.Duration, maxActive func(string) int, planOf func(context.Context, string) string) *Engine {
	return &Engine{db: db, locks: locks, execQueue: execQueue, priorities: priorities, log: log, nodeID: nodeID, scanTTL: scanTTL, maxActive: maxActive, planOf: planOf}
}

// ScanTick implements the scan-tick contract of §4.2/§4.9: acquire the
// coarse lock, query due schedules, run the per-schedule pipeline with
// error isolation, and release on every exit path.
func (e *Engine) ScanTick(ctx context.Context) {
	start := time.Now()
	defer func() { metrics.ScanTickDuration.Observe(time.Since(start).Seconds()) }()

	token := ids.NewToken()
	acquired, err := e.locks.Acquire(ctx, store.ScanLockKey(), token, e.scanTTL)
	if err != nil {
		e.log.Warn("scan lock acquire failed", "err", err)
		return
	}
	if !acquired {
		// Another replica is scanning — silent no-op per §4.2 step 1.
		return
	}
	defer func() {
		if err := e.locks.Release(ctx, store.ScanLockKey(), token); err != nil {
			e.log.Warn("scan lock release failed", "err", err)
		}
	}()

	if n, qerr := e.execQueue.Len(ctx); qerr == nil {
		metrics.QueueDepth.WithLabelValues(queue.ScheduleExecution).Set(float64(n))
	}

	due, err := e.db.DueSchedules(ctx, time.Now(), 500)
	if err != nil {
		e.log.Error("scan: DueSchedules failed", "err", err)
		return
	}

	for _, sc := range due {
		if err := e.triggerSchedule(ctx, sc.ScheduleID); err != nil {
			e.log.Error("scan: per-schedule trigger failed", "scheduleId", sc.ScheduleID, "err", err)
		}
	}
}

// triggerSchedule implements the per-schedule trigger contract (§4.2
// steps 1-7, plus the §4.9 concurrency invariants).
func (e *Engine) triggerSchedule(ctx context.Context, scheduleID string) error {
	sc, err := e.db.GetSchedule(ctx, scheduleID)
	if err != nil {
		return err
	}
	now := time.Now()
	if !sc.Enabled || sc.DeletedAt != nil || sc.NextRunAt == nil || sc.NextRunAt.After(now.Add(epsilon)) {
		// Fresh-read gate (§4.9 P3): another replica or quota
		// enforcement already advanced/disabled this schedule.
		return nil
	}

	schedule, err := cronParser.Parse(sc.CronExpression)
	if err != nil {
		metrics.SchedulesTriggered.WithLabelValues("disabled_invalid_cron").Inc()
		return e.disableForInvalidCron(ctx, sc, err)
	}
	loc, err := time.LoadLocation(sc.Timezone)
	if err != nil {
		metrics.SchedulesTriggered.WithLabelValues("disabled_invalid_cron").Inc()
		return e.disableForInvalidCron(ctx, sc, err)
	}

	newNextRunAt := schedule.Next(now.In(loc))
	sc.LastRunAt = &now
	sc.NextRunAt = &newNextRunAt
	if err := e.db.UpsertSchedule(ctx, sc); err != nil {
		// Failure in this step aborts the current schedule but must not
		// release the outer lock early — we simply return the error to
		// the caller's per-schedule error isolation.
		return err
	}

	if err := e.enforceQuota(ctx, sc); err != nil {
		e.log.Warn("quota enforcement failed", "uid", sc.UID, "err", err)
	}

	prio, err := e.priorities.Priority(ctx, sc.UID)
	if err != nil {
		prio = 10
	}

	rec, err := e.materializePendingRecord(ctx, sc, prio)
	if err != nil {
		return err
	}

	if err := e.materializeNextScheduledRecord(ctx, sc); err != nil {
		e.log.Warn("materialize next scheduled record failed", "scheduleId", sc.ScheduleID, "err", err)
	}

	payload := map[string]any{
		"scheduleId":       sc.ScheduleID,
		"canvasId":         sc.CanvasID,
		"uid":              sc.UID,
		"scheduledAt":      now,
		"priority":         prio,
		"scheduleRecordId": rec.RecordID,
	}
	// Queue failures are logged but do not roll back the record — the
	// record will later be reconciled by the processor (§4.2 Failure
	// semantics).
	if err := e.execQueue.Enqueue(ctx, rec.RecordID, prio, payload); err != nil {
		e.log.Error("enqueue execute-scheduled-workflow failed", "scheduleId", sc.ScheduleID, "err", err)
		metrics.SchedulesTriggered.WithLabelValues("enqueue_failed").Inc()
		return nil
	}
	metrics.SchedulesTriggered.WithLabelValues("enqueued").Inc()
	return nil
}

func (e *Engine) disableForInvalidCron(ctx context.Context, sc *store.Schedule, cause error) error {
	sc.Enabled = false
	sc.NextRunAt = nil
	sc.DisabledReason = cause.Error()
	return e.db.UpsertSchedule(ctx, sc)
}

// enforceQuota disables excess active schedules for sc.UID,
// newest-first, excluding sc itself, per §4.2 step 4 / §8 scenario 3.
func (e *Engine) enforceQuota(ctx context.Context, sc *store.Schedule) error {
	plan := e.planOf(ctx, sc.UID)
	limit := e.maxActive(plan)
	if limit <= 0 {
		return nil
	}
	count, err := e.db.CountActiveSchedules(ctx, sc.UID)
	if err != nil {
		return err
	}
	excess := count - limit
	if excess <= 0 {
		return nil
	}
	metrics.SchedulesTriggered.WithLabelValues("quota_exceeded").Inc()
	disabled, err := e.db.DisableOldestActive(ctx, sc.UID, excess, "schedule_limit_exceeded")
	if err != nil {
		return err
	}
	for _, id := range disabled {
		if id == sc.ScheduleID {
			continue
		}
		if _, err := e.execQueue.RemoveMatching(ctx, quotaRemovalScanLimit, matchScheduleID(id)); err != nil {
			e.log.Warn("remove queued job for disabled schedule failed", "scheduleId", id, "err", err)
		}
	}
	return nil
}

// matchScheduleID builds the RemoveMatching predicate for a disabled
// schedule: execute jobs are keyed by scheduleRecordId (not
// scheduleId, since a schedule can have several in-flight records
// across retries), so cancelling a disabled schedule's queued job
// means filtering by its payload's scheduleId field instead of its
// job id.
func matchScheduleID(scheduleID string) func(json.RawMessage) bool {
	return func(payload json.RawMessage) bool {
		var p struct {
			ScheduleID string `json:"scheduleId"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			return false
		}
		return p.ScheduleID == scheduleID
	}
}

func (e *Engine) materializePendingRecord(ctx context.Context, sc *store.Schedule, prio int) (*store.ScheduleRecord, error) {
	existing, err := e.db.ListScheduleRecords(ctx, sc.ScheduleID, 1)
	if err == nil {
		for _, r := range existing {
			if r.Status == store.RecordScheduled {
				now := time.Now()
				if err := e.db.UpdateScheduleRecordStatus(ctx, r.RecordID, store.RecordPending, nil, nil, &now, nil); err != nil {
					return nil, err
				}
				r.Status = store.RecordPending
				r.StartedAt = &now
				return r, nil
			}
		}
	}
	rec := &store.ScheduleRecord{
		RecordID:   ids.NewScheduleRecordID(),
		ScheduleID: &sc.ScheduleID,
		UID:        sc.UID,
		CanvasID:   "",
		Trigger:    store.TriggerCron,
		Status:     store.RecordPending,
		Priority:   prio,
	}
	if err := e.db.CreateScheduleRecord(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (e *Engine) materializeNextScheduledRecord(ctx context.Context, sc *store.Schedule) error {
	rec := &store.ScheduleRecord{
		RecordID:   ids.NewScheduleRecordID(),
		ScheduleID: &sc.ScheduleID,
		UID:        sc.UID,
		CanvasID:   "",
		Trigger:    store.TriggerCron,
		Status:     store.RecordScheduled,
		Priority:   10,
	}
	return e.db.CreateScheduleRecord(ctx, rec)
}

// PlanLimits is a ready-made maxActive function built from the
// free/paid thresholds (§6 freeMaxActiveSchedules/paidMaxActiveSchedules).
func PlanLimits(freeMax, paidMax int) func(string) int {
	return func(plan string) int {
		if plan == string(priority.PlanPaid) {
			return paidMax
		}
		return freeMax
	}
}

// classify is exposed for callers that want to map a scan-time error
// onto the domain taxonomy before logging/alerting.
func classify(err error) errorsx.Code { return errorsx.Classify(err) }
