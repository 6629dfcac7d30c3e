// Package scheduleworker drains the scheduleExecution queue populated
// by C2's per-schedule trigger (§4.2 step 7) and drives each job
// through the Execution Record Projector (C7) and the external
// workflow engine, grounded on the same pull-driven worker-loop shape
// as internal/scalebox's Processor.
package scheduleworker

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/canvasflow/trigger-core/internal/execrecord"
	"github.com/canvasflow/trigger-core/internal/queue"
	"github.com/canvasflow/trigger-core/internal/store"
)

// jobPayload mirrors the literal map the schedule engine enqueues
// (§4.2 step 7: {scheduleId, canvasId, uid, scheduledAt, priority,
// scheduleRecordId}).
type jobPayload struct {
	ScheduleID       string    `json:"scheduleId"`
	CanvasID         string    `json:"canvasId"`
	UID              string    `json:"uid"`
	ScheduledAt      time.Time `json:"scheduledAt"`
	Priority         int       `json:"priority"`
	ScheduleRecordID string    `json:"scheduleRecordId"`
}

// CanvasLoader fetches the opaque canvas document a scheduled
// execution runs against. The canvas editor / template store is out
// of scope (spec §1) — only this read boundary is modeled.
type CanvasLoader interface {
	LoadCanvasData(ctx context.Context, canvasID string) (string, error)
}

// Worker pops scheduleExecution jobs and projects them through
// running -> success/failed via the engine call.
type Worker struct {
	queue     *queue.Queue
	projector *execrecord.Projector
	engine    execrecord.Engine
	canvases  CanvasLoader
	log       *slog.Logger
}

func New(q *queue.Queue, projector *execrecord.Projector, engine execrecord.Engine, canvases CanvasLoader, log *slog.Logger) *Worker {
	return &Worker{queue: q, projector: projector, engine: engine, canvases: canvases, log: log}
}

// Run drains the queue until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		job, ok, err := w.queue.Pop(ctx)
		if err != nil {
			w.log.Error("scheduleworker: pop failed", "err", err)
			time.Sleep(time.Second)
			continue
		}
		if !ok {
			time.Sleep(200 * time.Millisecond)
			continue
		}
		w.processOne(ctx, job)
	}
}

func (w *Worker) processOne(ctx context.Context, job *queue.Job) {
	var payload jobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		w.log.Error("scheduleworker: decode payload failed", "jobId", job.ID, "err", err)
		return
	}

	if err := w.projector.MarkRunning(ctx, payload.ScheduleRecordID); err != nil {
		w.log.Error("scheduleworker: mark running failed", "recordId", payload.ScheduleRecordID, "err", err)
		return
	}

	canvasData, err := w.canvases.LoadCanvasData(ctx, payload.CanvasID)
	if err != nil {
		w.projector.MarkFailed(ctx, payload.ScheduleRecordID, err)
		return
	}

	scheduleID := payload.ScheduleID
	result, err := w.engine.ExecuteFromCanvasData(ctx, payload.UID, canvasData, nil, execrecord.EngineOptions{
		ScheduleID:       &scheduleID,
		ScheduleRecordID: payload.ScheduleRecordID,
		TriggerType:      store.TriggerCron,
	})
	if err != nil {
		w.projector.MarkFailed(ctx, payload.ScheduleRecordID, err)
		return
	}
	if err := w.projector.MarkSuccess(ctx, payload.ScheduleRecordID, result.CanvasID, result.WorkflowExecutionID); err != nil {
		w.log.Error("scheduleworker: mark success failed", "recordId", payload.ScheduleRecordID, "err", err)
	}
}
