package httpapi

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"

	"github.com/canvasflow/trigger-core/internal/errorsx"
	"github.com/canvasflow/trigger-core/internal/ids"
	"github.com/canvasflow/trigger-core/internal/store"
)

var scheduleCronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

type scheduleRequest struct {
	ScheduleID     string         `json:"scheduleId"`
	CanvasID       string         `json:"canvasId" binding:"required"`
	CronExpression string         `json:"cronExpression" binding:"required"`
	Timezone       string         `json:"timezone"`
	Variables      map[string]any `json:"variables"`
	Enabled        *bool          `json:"enabled"`
}

// createOrUpdateSchedule implements POST /v1/schedules: create a new
// schedule, or update an existing one (by scheduleId) in place,
// recomputing nextRunAt against the new cron expression/timezone.
func (h *handlers) createOrUpdateSchedule(c *gin.Context) {
	var req scheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, 400, string(errorsx.CodeRequestParams), err.Error())
		return
	}
	if req.Timezone == "" {
		req.Timezone = "UTC"
	}
	loc, err := time.LoadLocation(req.Timezone)
	if err != nil {
		writeError(c, 400, string(errorsx.CodeRequestParams), "invalid timezone")
		return
	}
	schedule, err := scheduleCronParser.Parse(req.CronExpression)
	if err != nil {
		writeError(c, 400, string(errorsx.CodeCron), "invalid cron expression")
		return
	}

	ctx := c.Request.Context()
	uid := uidFrom(c)
	nextRunAt := schedule.Next(time.Now().In(loc))

	var sc *store.Schedule
	if req.ScheduleID != "" {
		sc, err = h.ownedSchedule(c, req.ScheduleID)
		if err != nil {
			return
		}
		sc.CanvasID = req.CanvasID
		sc.CronExpression = req.CronExpression
		sc.Timezone = req.Timezone
		sc.Variables = req.Variables
		sc.NextRunAt = &nextRunAt
	} else {
		sc = &store.Schedule{
			ScheduleID:     ids.NewScheduleID(),
			UID:            uid,
			CanvasID:       req.CanvasID,
			CronExpression: req.CronExpression,
			Timezone:       req.Timezone,
			Enabled:        true,
			Variables:      req.Variables,
			NextRunAt:      &nextRunAt,
		}
	}
	if req.Enabled != nil {
		sc.Enabled = *req.Enabled
	}

	if err := h.d.DB.UpsertSchedule(ctx, sc); err != nil {
		writeError(c, 500, string(errorsx.CodeInternal), "failed to save schedule")
		return
	}
	c.JSON(200, sc)
}

// deleteSchedule implements DELETE /v1/schedules/{scheduleId}.
func (h *handlers) deleteSchedule(c *gin.Context) {
	sc, err := h.ownedSchedule(c, c.Param("scheduleId"))
	if err != nil {
		return
	}
	if err := h.d.DB.SoftDeleteSchedule(c.Request.Context(), sc.ScheduleID); err != nil {
		writeError(c, 500, string(errorsx.CodeInternal), "failed to delete schedule")
		return
	}
	c.JSON(200, gin.H{"scheduleId": sc.ScheduleID, "deleted": true})
}

// listScheduleRecords implements GET /v1/schedules/{scheduleId}/records.
func (h *handlers) listScheduleRecords(c *gin.Context) {
	sc, err := h.ownedSchedule(c, c.Param("scheduleId"))
	if err != nil {
		return
	}
	recs, err := h.d.DB.ListScheduleRecords(c.Request.Context(), sc.ScheduleID, 100)
	if err != nil {
		writeError(c, 500, string(errorsx.CodeInternal), "failed to list records")
		return
	}
	c.JSON(200, gin.H{"records": recs})
}

// retryRecord implements POST
// /v1/schedules/{scheduleId}/records/{recordId}/retry (§4.8): resets a
// failed record to pending and re-enqueues it for the schedule worker.
func (h *handlers) retryRecord(c *gin.Context) {
	sc, err := h.ownedSchedule(c, c.Param("scheduleId"))
	if err != nil {
		return
	}
	recordID := c.Param("recordId")
	ctx := c.Request.Context()

	payload, err := h.d.Projector.PrepareRetry(ctx, recordID)
	if err != nil {
		code := errorsx.Classify(err)
		writeError(c, code.HTTPStatus(), string(code), err.Error())
		return
	}

	jobPayload := map[string]any{
		"scheduleId":       sc.ScheduleID,
		"canvasId":         payload.SourceCanvasID,
		"uid":              payload.UID,
		"scheduledAt":      time.Now(),
		"priority":         payload.Priority,
		"scheduleRecordId": payload.ScheduleRecordID,
	}
	if err := h.d.ScheduleQueue.Enqueue(ctx, payload.ScheduleRecordID, payload.Priority, jobPayload); err != nil {
		writeError(c, 500, string(errorsx.CodeInternal), "failed to enqueue retry")
		return
	}
	c.JSON(200, gin.H{"scheduleRecordId": payload.ScheduleRecordID, "status": "pending"})
}

func (h *handlers) ownedSchedule(c *gin.Context, scheduleID string) (*store.Schedule, error) {
	sc, err := h.d.DB.GetSchedule(c.Request.Context(), scheduleID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(c, 404, string(errorsx.CodeNotFound), "schedule not found")
		} else {
			writeError(c, 500, string(errorsx.CodeInternal), "failed to look up schedule")
		}
		return nil, err
	}
	if sc.UID != uidFrom(c) {
		writeError(c, 401, string(errorsx.CodeAuthZ), "schedule does not belong to caller")
		return nil, errors.New("forbidden")
	}
	return sc, nil
}
