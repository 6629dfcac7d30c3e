// Package execrecord implements the Execution Record Projector (C7,
// §4.8): the ScheduleRecord lifecycle state machine driven by the
// trigger type and the external workflow engine's outcome.
package execrecord

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/canvasflow/trigger-core/internal/errorsx"
	"github.com/canvasflow/trigger-core/internal/ids"
	"github.com/canvasflow/trigger-core/internal/statushub"
	"github.com/canvasflow/trigger-core/internal/store"
)

const errorDetailsMaxLen = 4096

// ErrorDetails is the truncated JSON blob persisted on a failed record.
type ErrorDetails struct {
	Message string `json:"message"`
	Name    string `json:"name"`
	Stack   string `json:"stack"`
}

// RecordStore is the durable-store dependency this package needs.
type RecordStore interface {
	CreateScheduleRecord(ctx context.Context, r *store.ScheduleRecord) error
	UpdateScheduleRecordStatus(ctx context.Context, recordID string, status store.RecordStatus, errCode, errMsg *string, startedAt, finishedAt *time.Time) error
	UpdateScheduleRecordSuccess(ctx context.Context, recordID, canvasID, workflowExecutionID string, finishedAt time.Time) error
	GetScheduleRecord(ctx context.Context, recordID string) (*store.ScheduleRecord, error)
	GetSchedule(ctx context.Context, scheduleID string) (*store.Schedule, error)
}

// Engine is the external workflow-engine call the projector drives
// state off of; it is out of scope to implement here — only its
// contract is modeled.
type Engine interface {
	ExecuteFromCanvasData(ctx context.Context, uid, canvasData string, variables map[string]any, opts EngineOptions) (EngineResult, error)
}

type EngineOptions struct {
	ScheduleID       *string
	ScheduleRecordID string
	TriggerType      store.TriggerType
}

type EngineResult struct {
	CanvasID            string
	WorkflowExecutionID string
}

// Projector drives ScheduleRecord transitions.
type Projector struct {
	store  RecordStore
	engine Engine
	hub    *statushub.Hub // optional; nil disables live status push
}

func New(s RecordStore, e Engine) *Projector {
	return &Projector{store: s, engine: e}
}

// WithHub enables live status push to statushub subscribers on every
// transition this projector drives.
func (p *Projector) WithHub(h *statushub.Hub) *Projector {
	p.hub = h
	return p
}

func (p *Projector) notify(rec *store.ScheduleRecord) {
	if p.hub == nil {
		return
	}
	p.hub.Publish(statushub.StatusEvent{
		RecordID:   rec.RecordID,
		ScheduleID: rec.ScheduleID,
		UID:        rec.UID,
		Status:     rec.Status,
		Trigger:    rec.Trigger,
		ErrorCode:  rec.ErrorCode,
		Timestamp:  time.Now(),
	})
}

// StartTrigger implements the first half of the "Webhook/API trigger"
// path of §4.8: the record starts `running` immediately (unlike
// manual triggers, there's no UI waiting on a `pending` intermediate
// state). It returns as soon as the record is durable, before the
// workflow engine has been called at all — callers that must honor
// §6's "returns before completion" contract (the webhook run endpoint,
// scenario 5) run RunWebhookOrAPI in a goroutine against this record.
func (p *Projector) StartTrigger(ctx context.Context, uid string, trigger store.TriggerType, priority int) (*store.ScheduleRecord, error) {
	now := time.Now()
	rec := &store.ScheduleRecord{
		RecordID:  ids.NewScheduleRecordID(),
		UID:       uid,
		CanvasID:  "",
		Trigger:   trigger,
		Status:    store.RecordRunning,
		Priority:  priority,
		StartedAt: &now,
	}
	if err := p.store.CreateScheduleRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("create schedule record: %w", err)
	}
	p.notify(rec)
	return rec, nil
}

// RunWebhookOrAPI runs the workflow engine call for a record already
// started via StartTrigger and projects the outcome: success updates
// `canvasId`/`workflowExecutionId` from the engine's result (§4.8 "On
// success..."), failure records `failureReason`/`errorDetails`. Callers
// on the fire-and-forget trigger surfaces pass a context detached from
// the inbound request (`context.WithoutCancel`), since this runs after
// the HTTP response has already been written.
func (p *Projector) RunWebhookOrAPI(ctx context.Context, rec *store.ScheduleRecord, uid, canvasData string, variables map[string]any) {
	result, err := p.engine.ExecuteFromCanvasData(ctx, uid, canvasData, variables, EngineOptions{
		ScheduleRecordID: rec.RecordID,
		TriggerType:      rec.Trigger,
	})
	if err != nil {
		p.markFailed(ctx, rec.RecordID, err)
		return
	}
	_ = p.MarkSuccess(ctx, rec.RecordID, result.CanvasID, result.WorkflowExecutionID)
}

// TriggerManual implements the "Manual trigger" path of §4.8: the
// record starts `pending` so the UI gets immediate feedback, and a
// worker later flips it through running/success/failed.
func (p *Projector) TriggerManual(ctx context.Context, uid, sourceCanvasID string, priority int) (*store.ScheduleRecord, error) {
	rec := &store.ScheduleRecord{
		RecordID: ids.NewScheduleRecordID(),
		UID:      uid,
		CanvasID: sourceCanvasID,
		Trigger:  store.TriggerManual,
		Status:   store.RecordPending,
		Priority: priority,
	}
	if err := p.store.CreateScheduleRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("create schedule record: %w", err)
	}
	p.notify(rec)
	return rec, nil
}

// MarkRunning flips a pending record to running, called by the worker
// that actually picks up the job.
func (p *Projector) MarkRunning(ctx context.Context, recordID string) error {
	now := time.Now()
	if err := p.store.UpdateScheduleRecordStatus(ctx, recordID, store.RecordRunning, nil, nil, &now, nil); err != nil {
		return err
	}
	p.notifyByID(ctx, recordID)
	return nil
}

// MarkSuccess completes a running record, persisting the cloned
// execution canvas id and the workflow engine's execution id the
// result carries (§4.8: "On success, update canvasId,
// workflowExecutionId").
func (p *Projector) MarkSuccess(ctx context.Context, recordID, canvasID, workflowExecutionID string) error {
	now := time.Now()
	if err := p.store.UpdateScheduleRecordSuccess(ctx, recordID, canvasID, workflowExecutionID, now); err != nil {
		return err
	}
	p.notifyByID(ctx, recordID)
	return nil
}

func (p *Projector) markFailed(ctx context.Context, recordID string, cause error) {
	now := time.Now()
	code := string(errorsx.Classify(cause))
	msg := cause.Error()
	details, _ := json.Marshal(ErrorDetails{Message: msg, Name: code, Stack: string(debug.Stack())})
	truncated := string(details)
	if len(truncated) > errorDetailsMaxLen {
		truncated = truncated[:errorDetailsMaxLen]
	}
	_ = p.store.UpdateScheduleRecordStatus(ctx, recordID, store.RecordFailed, &code, &truncated, nil, &now)
	p.notifyByID(ctx, recordID)
}

// notifyByID re-reads the record to build a StatusEvent for callers
// that only have a recordID in scope; best-effort, a lookup failure
// just means subscribers miss that one push.
func (p *Projector) notifyByID(ctx context.Context, recordID string) {
	if p.hub == nil {
		return
	}
	rec, err := p.store.GetScheduleRecord(ctx, recordID)
	if err != nil {
		return
	}
	p.notify(rec)
}

// MarkFailed is the exported form used by callers outside the engine
// call path (e.g. the scalebox pipeline reporting a system error).
func (p *Projector) MarkFailed(ctx context.Context, recordID string, cause error) {
	p.markFailed(ctx, recordID, cause)
}

// ErrRetryNotEligible is returned when a failed record cannot be
// retried per §4.8's invariant (non-null snapshotStorageKey,
// non-deleted parent schedule).
var ErrRetryNotEligible = errorsx.New(errorsx.CodeRequestParams, "record is not eligible for retry")

// RetryPayload is the enqueue payload for a retried failed record: it
// uses sourceCanvasId rather than canvasId, since canvasId may be
// empty for a record that never reached a cloned execution canvas.
// The source canvas is the parent schedule's canvasId, or the record's
// own canvasId when it has no parent schedule (manual triggers store
// their source canvas there).
type RetryPayload struct {
	ScheduleRecordID string `json:"scheduleRecordId"`
	SourceCanvasID   string `json:"sourceCanvasId"`
	UID              string `json:"uid"`
	Priority         int    `json:"priority"`
}

// PrepareRetry validates retry eligibility and resets the record to
// pending, returning the payload the caller should enqueue.
func (p *Projector) PrepareRetry(ctx context.Context, recordID string) (*RetryPayload, error) {
	rec, err := p.store.GetScheduleRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if rec.Status != store.RecordFailed || rec.SnapshotStorageKey == nil || *rec.SnapshotStorageKey == "" {
		return nil, ErrRetryNotEligible
	}
	sourceCanvasID := rec.CanvasID
	if rec.ScheduleID != nil {
		sched, err := p.store.GetSchedule(ctx, *rec.ScheduleID)
		if err != nil {
			return nil, err
		}
		if sched.DeletedAt != nil {
			return nil, ErrRetryNotEligible
		}
		sourceCanvasID = sched.CanvasID
	}

	if err := p.store.UpdateScheduleRecordStatus(ctx, recordID, store.RecordPending, nil, nil, nil, nil); err != nil {
		return nil, err
	}
	rec.Status = store.RecordPending
	p.notify(rec)

	return &RetryPayload{
		ScheduleRecordID: rec.RecordID,
		SourceCanvasID:   sourceCanvasID,
		UID:              rec.UID,
		Priority:          rec.Priority,
	}, nil
}
