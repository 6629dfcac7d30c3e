package scheduleengine

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/canvasflow/trigger-core/internal/lock"
	"github.com/canvasflow/trigger-core/internal/queue"
	"github.com/canvasflow/trigger-core/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeDB struct {
	schedules      map[string]*store.Schedule
	records        []*store.ScheduleRecord
	disableCalls   int
	disableReturns []string
}

func newFakeDB() *fakeDB { return &fakeDB{schedules: map[string]*store.Schedule{}} }

func (f *fakeDB) DueSchedules(ctx context.Context, asOf time.Time, limit int) ([]*store.Schedule, error) {
	var out []*store.Schedule
	for _, s := range f.schedules {
		if s.Enabled && s.DeletedAt == nil && s.NextRunAt != nil && !s.NextRunAt.After(asOf) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeDB) GetSchedule(ctx context.Context, id string) (*store.Schedule, error) {
	s, ok := f.schedules[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (f *fakeDB) UpsertSchedule(ctx context.Context, sc *store.Schedule) error {
	cp := *sc
	f.schedules[sc.ScheduleID] = &cp
	return nil
}

func (f *fakeDB) CountActiveSchedules(ctx context.Context, uid string) (int, error) {
	n := 0
	for _, s := range f.schedules {
		if s.UID == uid && s.Enabled && s.DeletedAt == nil {
			n++
		}
	}
	return n, nil
}

func (f *fakeDB) DisableOldestActive(ctx context.Context, uid string, n int, reason string) ([]string, error) {
	f.disableCalls++
	for _, id := range f.disableReturns {
		if sc, ok := f.schedules[id]; ok {
			sc.Enabled = false
			sc.NextRunAt = nil
		}
	}
	return f.disableReturns, nil
}

func (f *fakeDB) CreateScheduleRecord(ctx context.Context, r *store.ScheduleRecord) error {
	f.records = append(f.records, r)
	return nil
}

func (f *fakeDB) ListScheduleRecords(ctx context.Context, scheduleID string, limit int) ([]*store.ScheduleRecord, error) {
	return nil, nil
}

func (f *fakeDB) UpdateScheduleRecordStatus(ctx context.Context, recordID string, status store.RecordStatus, errCode, errMsg *string, startedAt, finishedAt *time.Time) error {
	for _, r := range f.records {
		if r.RecordID == recordID {
			r.Status = status
		}
	}
	return nil
}

type fakePriorities struct{}

func (fakePriorities) Priority(ctx context.Context, uid string) (int, error) { return 5, nil }

func newTestEngine(t *testing.T, db *fakeDB) *Engine {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	locks := lock.NewManager(rdb)
	q := queue.New(rdb, queue.ScheduleExecution)
	return New(db, locks, q, fakePriorities{}, discardLogger(), "node-1", 120*time.Second,
		PlanLimits(1, 20), func(context.Context, string) string { return "free" })
}

func TestTriggerScheduleSkipsWhenFreshReadDisabled(t *testing.T) {
	db := newFakeDB()
	future := time.Now().Add(-time.Minute)
	db.schedules["s1"] = &store.Schedule{ScheduleID: "s1", UID: "u1", Enabled: false, NextRunAt: &future, CronExpression: "* * * * *", Timezone: "UTC"}
	eng := newTestEngine(t, db)

	if err := eng.triggerSchedule(context.Background(), "s1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(db.records) != 0 {
		t.Fatalf("expected no records created for disabled schedule, got %d", len(db.records))
	}
}

func TestTriggerScheduleSkipsWhenNextRunInFuture(t *testing.T) {
	db := newFakeDB()
	future := time.Now().Add(time.Hour)
	db.schedules["s1"] = &store.Schedule{ScheduleID: "s1", UID: "u1", Enabled: true, NextRunAt: &future, CronExpression: "* * * * *", Timezone: "UTC"}
	eng := newTestEngine(t, db)

	if err := eng.triggerSchedule(context.Background(), "s1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(db.records) != 0 {
		t.Fatalf("expected no records for future nextRunAt, got %d", len(db.records))
	}
}

func TestTriggerScheduleDisablesOnInvalidCron(t *testing.T) {
	db := newFakeDB()
	due := time.Now().Add(-time.Minute)
	db.schedules["s1"] = &store.Schedule{ScheduleID: "s1", UID: "u1", Enabled: true, NextRunAt: &due, CronExpression: "bad cron", Timezone: "UTC"}
	eng := newTestEngine(t, db)

	if err := eng.triggerSchedule(context.Background(), "s1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if db.schedules["s1"].Enabled {
		t.Fatal("expected schedule to be auto-disabled on invalid cron")
	}
	if db.schedules["s1"].DisabledReason == "" {
		t.Fatal("expected disabled reason to be recorded")
	}
}

func TestTriggerScheduleEnqueuesPendingRecord(t *testing.T) {
	db := newFakeDB()
	due := time.Now().Add(-time.Minute)
	db.schedules["s1"] = &store.Schedule{ScheduleID: "s1", UID: "u1", Enabled: true, NextRunAt: &due, CronExpression: "* * * * *", Timezone: "UTC"}
	eng := newTestEngine(t, db)

	if err := eng.triggerSchedule(context.Background(), "s1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(db.records) < 1 {
		t.Fatal("expected at least one record to be materialized")
	}
	if db.schedules["s1"].NextRunAt == nil || !db.schedules["s1"].NextRunAt.After(time.Now()) {
		t.Fatal("expected nextRunAt to be advanced into the future")
	}
	if db.records[0].Status != store.RecordPending {
		t.Fatalf("expected the first record to be pending, got %s", db.records[0].Status)
	}
	if n, err := eng.execQueue.Len(context.Background()); err != nil || n != 1 {
		t.Fatalf("expected one queued job, got %d (err %v)", n, err)
	}
}

func TestEnforceQuotaRemovesQueuedJobsForDisabledSchedules(t *testing.T) {
	db := newFakeDB()
	due := time.Now().Add(-time.Minute)
	db.schedules["s1"] = &store.Schedule{ScheduleID: "s1", UID: "u1", Enabled: true, NextRunAt: &due, CronExpression: "* * * * *", Timezone: "UTC"}
	db.schedules["s2"] = &store.Schedule{ScheduleID: "s2", UID: "u1", Enabled: true}
	db.schedules["s3"] = &store.Schedule{ScheduleID: "s3", UID: "u1", Enabled: true}
	db.disableReturns = []string{"s2", "s3"}
	eng := newTestEngine(t, db)
	ctx := context.Background()

	// Jobs queued under the schedule record id, as an earlier tick
	// would have enqueued them — not under the schedule id itself.
	if err := eng.execQueue.Enqueue(ctx, "sr_s2", 5, map[string]any{"scheduleId": "s2", "uid": "u1"}); err != nil {
		t.Fatalf("enqueue s2: %v", err)
	}
	if err := eng.execQueue.Enqueue(ctx, "sr_s3", 5, map[string]any{"scheduleId": "s3", "uid": "u1"}); err != nil {
		t.Fatalf("enqueue s3: %v", err)
	}

	if err := eng.triggerSchedule(ctx, "s1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if db.disableCalls != 1 {
		t.Fatalf("expected quota enforcement to run once, got %d", db.disableCalls)
	}

	jobs, err := eng.execQueue.Jobs(ctx, 100)
	if err != nil {
		t.Fatalf("jobs: %v", err)
	}
	for _, id := range jobs {
		if id == "sr_s2" || id == "sr_s3" {
			t.Fatalf("expected queued job for quota-disabled schedule to be removed, found %s", id)
		}
	}
}
