// Package store holds the durable (Postgres) and ephemeral (Redis)
// persistence layers for Schedule/ScheduleRecord/Webhook/ApiCallRecord/
// StaticFile, grounded on
// itskum47-FluxForge/control_plane/store/{types,postgres,redis,keys}.go.
package store

import "time"

// Schedule is a user-defined recurring trigger bound to a canvas.
type Schedule struct {
	ScheduleID     string            `json:"scheduleId" db:"schedule_id"`
	UID            string            `json:"uid" db:"uid"`
	CanvasID       string            `json:"canvasId" db:"canvas_id"`
	CronExpression string            `json:"cronExpression" db:"cron_expression"`
	Timezone       string            `json:"timezone" db:"timezone"`
	Enabled        bool              `json:"enabled" db:"enabled"`
	Variables      map[string]any    `json:"variables" db:"variables"`
	NextRunAt      *time.Time        `json:"nextRunAt" db:"next_run_at"`
	LastRunAt      *time.Time        `json:"lastRunAt" db:"last_run_at"`
	ConsecutiveFailures int          `json:"consecutiveFailures" db:"consecutive_failures"`
	DisabledReason string            `json:"disabledReason" db:"disabled_reason"`
	DeletedAt      *time.Time        `json:"deletedAt" db:"deleted_at"`
	CreatedAt      time.Time         `json:"createdAt" db:"created_at"`
	UpdatedAt      time.Time         `json:"updatedAt" db:"updated_at"`
}

// TriggerType enumerates how a ScheduleRecord came to exist.
type TriggerType string

const (
	TriggerCron    TriggerType = "cron"
	TriggerManual  TriggerType = "manual"
	TriggerWebhook TriggerType = "webhook"
	TriggerAPI     TriggerType = "openapi"
)

// RecordStatus is the ScheduleRecord lifecycle state (§4 C7).
type RecordStatus string

const (
	RecordScheduled RecordStatus = "scheduled"
	RecordPending   RecordStatus = "pending"
	RecordRunning   RecordStatus = "running"
	RecordSuccess   RecordStatus = "success"
	RecordFailed    RecordStatus = "failed"
)

// ScheduleRecord is one materialized execution attempt of a Schedule
// (or of a manual/webhook/API trigger with no backing Schedule).
type ScheduleRecord struct {
	RecordID            string       `json:"recordId" db:"record_id"`
	ScheduleID          *string      `json:"scheduleId" db:"schedule_id"`
	UID                 string       `json:"uid" db:"uid"`
	CanvasID            string       `json:"canvasId" db:"canvas_id"`
	Trigger             TriggerType  `json:"trigger" db:"trigger"`
	Status              RecordStatus `json:"status" db:"status"`
	Priority            int          `json:"priority" db:"priority"`
	WorkflowExecutionID string       `json:"workflowExecutionId" db:"workflow_execution_id"`
	SnapshotStorageKey  *string      `json:"snapshotStorageKey" db:"snapshot_storage_key"`
	ErrorCode           *string      `json:"errorCode" db:"error_code"`
	ErrorMessage        *string      `json:"errorMessage" db:"error_message"`
	StartedAt           *time.Time   `json:"startedAt" db:"started_at"`
	FinishedAt          *time.Time   `json:"finishedAt" db:"finished_at"`
	CreatedAt           time.Time    `json:"createdAt" db:"created_at"`
	UpdatedAt           time.Time    `json:"updatedAt" db:"updated_at"`
}

// Webhook is a tenant-configured inbound trigger endpoint (§3, prefix
// wh_). The uniqueness constraint on (canvasId, uid) includes
// soft-deleted rows (§9 "Soft deletes for webhooks") — an enable call
// against an existing soft-deleted row must revive it rather than
// mint a new apiId.
type Webhook struct {
	WebhookID string         `json:"webhookId" db:"webhook_id"`
	UID       string         `json:"uid" db:"uid"`
	CanvasID  string         `json:"canvasId" db:"canvas_id"`
	Enabled   bool           `json:"enabled" db:"enabled"`
	Secret    string         `json:"secret" db:"secret"`
	TimeoutMs int            `json:"timeout" db:"timeout_ms"`
	Variables map[string]any `json:"variables" db:"variables"`
	DeletedAt *time.Time     `json:"deletedAt" db:"deleted_at"`
	CreatedAt time.Time      `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time      `json:"updatedAt" db:"updated_at"`
}

// ApiCallRecord is an immutable, redacted audit row for every inbound
// trigger HTTP call (§3/§7).
type ApiCallRecord struct {
	RecordID     string              `json:"recordId" db:"record_id"`
	UID          string              `json:"uid" db:"uid"`
	Source       TriggerType         `json:"source" db:"source"`
	Path         string              `json:"path" db:"path"`
	Method       string              `json:"method" db:"method"`
	StatusCode   int                 `json:"statusCode" db:"status_code"`
	Headers      map[string][]string `json:"headers" db:"headers"`
	Body         []byte              `json:"body" db:"body"`
	ResponseBody []byte              `json:"responseBody" db:"response_body"`
	CreatedAt    time.Time           `json:"createdAt" db:"created_at"`
}

// StaticFile is a content-addressed resource a trigger payload may
// reference in place of inline bytes.
type StaticFile struct {
	FileKey    string    `json:"fileKey" db:"file_key"`
	UID        string    `json:"uid" db:"uid"`
	StorageKey string    `json:"storageKey" db:"storage_key"`
	Size       int64     `json:"size" db:"size"`
	CreatedAt  time.Time `json:"createdAt" db:"created_at"`
}

// SandboxMetadata is the ephemeral Redis-resident record describing a
// pooled sandbox's lifecycle state (§4.5).
type SandboxMetadata struct {
	SandboxID    string    `json:"sandboxId"`
	TemplateName string    `json:"templateName"`
	State        string    `json:"state"` // "idle", "busy", "paused", "killed"
	CreatedAt    time.Time `json:"createdAt"`
	LastUsedAt   time.Time `json:"lastUsedAt"`
}
