package scheduleworker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/canvasflow/trigger-core/internal/execrecord"
	"github.com/canvasflow/trigger-core/internal/queue"
	"github.com/canvasflow/trigger-core/internal/store"
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fakeRecordStore struct {
	records map[string]*store.ScheduleRecord
}

func newFakeRecordStore() *fakeRecordStore {
	return &fakeRecordStore{records: make(map[string]*store.ScheduleRecord)}
}

func (f *fakeRecordStore) CreateScheduleRecord(ctx context.Context, r *store.ScheduleRecord) error {
	f.records[r.RecordID] = r
	return nil
}

func (f *fakeRecordStore) UpdateScheduleRecordStatus(ctx context.Context, recordID string, status store.RecordStatus, errCode, errMsg *string, startedAt, finishedAt *time.Time) error {
	r, ok := f.records[recordID]
	if !ok {
		return store.ErrNotFound
	}
	r.Status = status
	r.ErrorCode = errCode
	r.ErrorMessage = errMsg
	return nil
}

func (f *fakeRecordStore) UpdateScheduleRecordSuccess(ctx context.Context, recordID, canvasID, workflowExecutionID string, finishedAt time.Time) error {
	r, ok := f.records[recordID]
	if !ok {
		return store.ErrNotFound
	}
	r.Status = store.RecordSuccess
	r.CanvasID = canvasID
	r.WorkflowExecutionID = workflowExecutionID
	r.ErrorCode = nil
	r.ErrorMessage = nil
	r.FinishedAt = &finishedAt
	return nil
}

func (f *fakeRecordStore) GetScheduleRecord(ctx context.Context, recordID string) (*store.ScheduleRecord, error) {
	r, ok := f.records[recordID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return r, nil
}

func (f *fakeRecordStore) GetSchedule(ctx context.Context, scheduleID string) (*store.Schedule, error) {
	return &store.Schedule{ScheduleID: scheduleID}, nil
}

type fakeEngine struct {
	err error
}

func (f *fakeEngine) ExecuteFromCanvasData(ctx context.Context, uid, canvasData string, variables map[string]any, opts execrecord.EngineOptions) (execrecord.EngineResult, error) {
	if f.err != nil {
		return execrecord.EngineResult{}, f.err
	}
	return execrecord.EngineResult{CanvasID: "cv_cloned", WorkflowExecutionID: "wex_1"}, nil
}

type fakeCanvasLoader struct{ err error }

func (f *fakeCanvasLoader) LoadCanvasData(ctx context.Context, canvasID string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return `{"nodes":[]}`, nil
}

func newQueue(t *testing.T) *queue.Queue {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return queue.New(rdb, queue.ScheduleExecution)
}

func TestWorkerProcessesJobToSuccess(t *testing.T) {
	q := newQueue(t)
	rs := newFakeRecordStore()
	rs.records["sr_1"] = &store.ScheduleRecord{RecordID: "sr_1", Status: store.RecordPending}
	projector := execrecord.New(rs, &fakeEngine{})
	w := New(q, projector, &fakeEngine{}, &fakeCanvasLoader{}, discardLogger())

	ctx := context.Background()
	if err := q.Enqueue(ctx, "sr_1", 5, map[string]any{
		"scheduleId": "sch_1", "canvasId": "cv_1", "uid": "u1", "scheduleRecordId": "sr_1",
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	job, ok, err := q.Pop(ctx)
	if err != nil || !ok {
		t.Fatalf("pop: %v %v", ok, err)
	}
	w.processOne(ctx, job)

	if rs.records["sr_1"].Status != store.RecordSuccess {
		t.Fatalf("expected success, got %s", rs.records["sr_1"].Status)
	}
	if rs.records["sr_1"].CanvasID != "cv_cloned" || rs.records["sr_1"].WorkflowExecutionID != "wex_1" {
		t.Fatalf("expected canvasId/workflowExecutionId projected from engine result, got %+v", rs.records["sr_1"])
	}
}

func TestWorkerMarksFailedOnEngineError(t *testing.T) {
	q := newQueue(t)
	rs := newFakeRecordStore()
	rs.records["sr_2"] = &store.ScheduleRecord{RecordID: "sr_2", Status: store.RecordPending}
	projector := execrecord.New(rs, &fakeEngine{})
	w := New(q, projector, &fakeEngine{err: errors.New("execution failed: exit code 1")}, &fakeCanvasLoader{}, discardLogger())

	ctx := context.Background()
	job := &queue.Job{ID: "sr_2", Payload: mustJSON(map[string]any{
		"scheduleId": "sch_2", "canvasId": "cv_2", "uid": "u2", "scheduleRecordId": "sr_2",
	})}
	w.processOne(ctx, job)

	if rs.records["sr_2"].Status != store.RecordFailed {
		t.Fatalf("expected failed, got %s", rs.records["sr_2"].Status)
	}
}

func TestWorkerMarksFailedOnCanvasLoadError(t *testing.T) {
	q := newQueue(t)
	rs := newFakeRecordStore()
	rs.records["sr_3"] = &store.ScheduleRecord{RecordID: "sr_3", Status: store.RecordPending}
	projector := execrecord.New(rs, &fakeEngine{})
	w := New(q, projector, &fakeEngine{}, &fakeCanvasLoader{err: errors.New("canvas not found")}, discardLogger())

	ctx := context.Background()
	job := &queue.Job{ID: "sr_3", Payload: mustJSON(map[string]any{
		"scheduleId": "sch_3", "canvasId": "cv_3", "uid": "u3", "scheduleRecordId": "sr_3",
	})}
	w.processOne(ctx, job)

	if rs.records["sr_3"].Status != store.RecordFailed {
		t.Fatalf("expected failed, got %s", rs.records["sr_3"].Status)
	}
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
