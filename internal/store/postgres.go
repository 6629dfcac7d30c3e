package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound mirrors the teacher's "return nil, nil" on pgx.ErrNoRows
// idiom but surfaces it as a sentinel so callers can errors.Is it.
var ErrNotFound = errors.New("store: not found")

// PostgresStore is the durable backend for Schedule/ScheduleRecord/
// Webhook/ApiCallRecord/StaticFile, grounded on
// control_plane/store/postgres.go's pool configuration and
// ON-CONFLICT-upsert pattern.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 50
	cfg.MinConns = 5
	cfg.MaxConnLifetime = time.Hour
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() { s.pool.Close() }

// NextEpoch returns a durable, monotonically increasing fencing token
// for the named resource, surviving a Redis flush — satisfies
// coordination.EpochSource.
func (s *PostgresStore) NextEpoch(ctx context.Context, resource string) (int64, error) {
	var epoch int64
	query := `
		INSERT INTO durable_epochs (resource_id, epoch) VALUES ($1, 1)
		ON CONFLICT (resource_id) DO UPDATE SET epoch = durable_epochs.epoch + 1
		RETURNING epoch
	`
	err := s.pool.QueryRow(ctx, query, resource).Scan(&epoch)
	return epoch, err
}

// --- Schedule ---

func (s *PostgresStore) UpsertSchedule(ctx context.Context, sc *Schedule) error {
	vars, err := json.Marshal(sc.Variables)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO schedules (schedule_id, uid, canvas_id, cron_expression, timezone, enabled, variables, next_run_at, last_run_at, consecutive_failures, disabled_reason, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11, NOW(), NOW())
		ON CONFLICT (schedule_id) DO UPDATE SET
			cron_expression = EXCLUDED.cron_expression,
			timezone = EXCLUDED.timezone,
			enabled = EXCLUDED.enabled,
			variables = EXCLUDED.variables,
			next_run_at = EXCLUDED.next_run_at,
			last_run_at = EXCLUDED.last_run_at,
			consecutive_failures = EXCLUDED.consecutive_failures,
			disabled_reason = EXCLUDED.disabled_reason,
			updated_at = NOW()
	`
	_, err = s.pool.Exec(ctx, query,
		sc.ScheduleID, sc.UID, sc.CanvasID, sc.CronExpression, sc.Timezone, sc.Enabled,
		vars, sc.NextRunAt, sc.LastRunAt, sc.ConsecutiveFailures, sc.DisabledReason,
	)
	return err
}

func (s *PostgresStore) GetSchedule(ctx context.Context, scheduleID string) (*Schedule, error) {
	query := `
		SELECT schedule_id, uid, canvas_id, cron_expression, timezone, enabled, variables,
		       next_run_at, last_run_at, consecutive_failures, disabled_reason, deleted_at, created_at, updated_at
		FROM schedules WHERE schedule_id = $1 AND deleted_at IS NULL
	`
	var sc Schedule
	var vars []byte
	err := s.pool.QueryRow(ctx, query, scheduleID).Scan(
		&sc.ScheduleID, &sc.UID, &sc.CanvasID, &sc.CronExpression, &sc.Timezone, &sc.Enabled, &vars,
		&sc.NextRunAt, &sc.LastRunAt, &sc.ConsecutiveFailures, &sc.DisabledReason, &sc.DeletedAt, &sc.CreatedAt, &sc.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal(vars, &sc.Variables)
	return &sc, nil
}

// DueSchedules returns enabled, non-deleted schedules whose nextRunAt
// has arrived, ordered oldest-due-first — the cron scan's query (§4.2).
func (s *PostgresStore) DueSchedules(ctx context.Context, asOf time.Time, limit int) ([]*Schedule, error) {
	query := `
		SELECT schedule_id, uid, canvas_id, cron_expression, timezone, enabled, variables,
		       next_run_at, last_run_at, consecutive_failures, disabled_reason, deleted_at, created_at, updated_at
		FROM schedules
		WHERE enabled = true AND deleted_at IS NULL AND next_run_at <= $1
		ORDER BY next_run_at ASC
		LIMIT $2
	`
	rows, err := s.pool.Query(ctx, query, asOf, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Schedule
	for rows.Next() {
		var sc Schedule
		var vars []byte
		if err := rows.Scan(
			&sc.ScheduleID, &sc.UID, &sc.CanvasID, &sc.CronExpression, &sc.Timezone, &sc.Enabled, &vars,
			&sc.NextRunAt, &sc.LastRunAt, &sc.ConsecutiveFailures, &sc.DisabledReason, &sc.DeletedAt, &sc.CreatedAt, &sc.UpdatedAt,
		); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(vars, &sc.Variables)
		out = append(out, &sc)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CountActiveSchedules(ctx context.Context, uid string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM schedules WHERE uid = $1 AND enabled = true AND deleted_at IS NULL`, uid).Scan(&count)
	return count, err
}

// ConsecutiveFailures counts the failures at the head of uid's last 20
// completed records ordered by completion time descending, stopping at
// the first non-failed record (§4.1 step 3).
func (s *PostgresStore) ConsecutiveFailures(ctx context.Context, uid string) (int, error) {
	query := `
		SELECT status FROM schedule_records
		WHERE uid = $1 AND status IN ('success','failed')
		ORDER BY finished_at DESC NULLS LAST, created_at DESC
		LIMIT 20
	`
	rows, err := s.pool.Query(ctx, query, uid)
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	count := 0
	for rows.Next() {
		var status RecordStatus
		if err := rows.Scan(&status); err != nil {
			return 0, err
		}
		if status != RecordFailed {
			break
		}
		count++
	}
	return count, rows.Err()
}

func (s *PostgresStore) SoftDeleteSchedule(ctx context.Context, scheduleID string) error {
	_, err := s.pool.Exec(ctx, `UPDATE schedules SET deleted_at = NOW(), updated_at = NOW() WHERE schedule_id = $1`, scheduleID)
	return err
}

// DisableOldestActive disables n of a user's active schedules,
// newest-first, to bring them under the plan quota (§4.2/§8). Ordering
// preserves the observed behavior noted in spec §8 ("Preserve the
// observed order unless product decides otherwise") pending product
// input — see DESIGN.md.
func (s *PostgresStore) DisableOldestActive(ctx context.Context, uid string, n int, reason string) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	query := `
		WITH victims AS (
			SELECT schedule_id FROM schedules
			WHERE uid = $1 AND enabled = true AND deleted_at IS NULL
			ORDER BY created_at DESC
			LIMIT $2
		)
		UPDATE schedules SET enabled = false, next_run_at = NULL, disabled_reason = $3, updated_at = NOW()
		WHERE schedule_id IN (SELECT schedule_id FROM victims)
		RETURNING schedule_id
	`
	rows, err := s.pool.Query(ctx, query, uid, n, reason)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- ScheduleRecord ---

func (s *PostgresStore) CreateScheduleRecord(ctx context.Context, r *ScheduleRecord) error {
	query := `
		INSERT INTO schedule_records (record_id, schedule_id, uid, canvas_id, trigger, status, priority, workflow_execution_id, snapshot_storage_key, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9, NOW(), NOW())
	`
	_, err := s.pool.Exec(ctx, query, r.RecordID, r.ScheduleID, r.UID, r.CanvasID, r.Trigger, r.Status, r.Priority, r.WorkflowExecutionID, r.SnapshotStorageKey)
	return err
}

func (s *PostgresStore) UpdateScheduleRecordStatus(ctx context.Context, recordID string, status RecordStatus, errCode, errMsg *string, startedAt, finishedAt *time.Time) error {
	query := `
		UPDATE schedule_records SET status=$2, error_code=$3, error_message=$4, started_at=COALESCE($5, started_at), finished_at=$6, updated_at=NOW()
		WHERE record_id = $1
	`
	_, err := s.pool.Exec(ctx, query, recordID, status, errCode, errMsg, startedAt, finishedAt)
	return err
}

// UpdateScheduleRecordSuccess projects a record to success, persisting
// the cloned execution canvas id and the workflow engine's execution
// id alongside it (§4.8: "On success, update canvasId,
// workflowExecutionId").
func (s *PostgresStore) UpdateScheduleRecordSuccess(ctx context.Context, recordID, canvasID, workflowExecutionID string, finishedAt time.Time) error {
	query := `
		UPDATE schedule_records
		SET status=$2, canvas_id=$3, workflow_execution_id=$4, error_code=NULL, error_message=NULL, finished_at=$5, updated_at=NOW()
		WHERE record_id = $1
	`
	_, err := s.pool.Exec(ctx, query, recordID, RecordSuccess, canvasID, workflowExecutionID, finishedAt)
	return err
}

func (s *PostgresStore) GetScheduleRecord(ctx context.Context, recordID string) (*ScheduleRecord, error) {
	query := `
		SELECT record_id, schedule_id, uid, canvas_id, trigger, status, priority, workflow_execution_id, snapshot_storage_key,
		       error_code, error_message, started_at, finished_at, created_at, updated_at
		FROM schedule_records WHERE record_id = $1
	`
	var r ScheduleRecord
	err := s.pool.QueryRow(ctx, query, recordID).Scan(
		&r.RecordID, &r.ScheduleID, &r.UID, &r.CanvasID, &r.Trigger, &r.Status, &r.Priority, &r.WorkflowExecutionID, &r.SnapshotStorageKey,
		&r.ErrorCode, &r.ErrorMessage, &r.StartedAt, &r.FinishedAt, &r.CreatedAt, &r.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &r, err
}

func (s *PostgresStore) ListScheduleRecords(ctx context.Context, scheduleID string, limit int) ([]*ScheduleRecord, error) {
	query := `
		SELECT record_id, schedule_id, uid, canvas_id, trigger, status, priority, workflow_execution_id, snapshot_storage_key,
		       error_code, error_message, started_at, finished_at, created_at, updated_at
		FROM schedule_records WHERE schedule_id = $1 ORDER BY created_at DESC LIMIT $2
	`
	rows, err := s.pool.Query(ctx, query, scheduleID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*ScheduleRecord
	for rows.Next() {
		var r ScheduleRecord
		if err := rows.Scan(
			&r.RecordID, &r.ScheduleID, &r.UID, &r.CanvasID, &r.Trigger, &r.Status, &r.Priority, &r.WorkflowExecutionID, &r.SnapshotStorageKey,
			&r.ErrorCode, &r.ErrorMessage, &r.StartedAt, &r.FinishedAt, &r.CreatedAt, &r.UpdatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// --- Webhook ---

func (s *PostgresStore) UpsertWebhook(ctx context.Context, w *Webhook) error {
	vars, err := json.Marshal(w.Variables)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO webhooks (webhook_id, uid, canvas_id, enabled, secret, timeout_ms, variables, deleted_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8, NOW(), NOW())
		ON CONFLICT (webhook_id) DO UPDATE SET
			enabled = EXCLUDED.enabled, secret = EXCLUDED.secret, timeout_ms = EXCLUDED.timeout_ms,
			variables = EXCLUDED.variables, deleted_at = EXCLUDED.deleted_at, updated_at = NOW()
	`
	_, err = s.pool.Exec(ctx, query, w.WebhookID, w.UID, w.CanvasID, w.Enabled, w.Secret, w.TimeoutMs, vars, w.DeletedAt)
	return err
}

func (s *PostgresStore) GetWebhook(ctx context.Context, webhookID string) (*Webhook, error) {
	query := `SELECT webhook_id, uid, canvas_id, enabled, secret, timeout_ms, variables, deleted_at, created_at, updated_at FROM webhooks WHERE webhook_id = $1`
	var w Webhook
	var vars []byte
	err := s.pool.QueryRow(ctx, query, webhookID).Scan(&w.WebhookID, &w.UID, &w.CanvasID, &w.Enabled, &w.Secret, &w.TimeoutMs, &vars, &w.DeletedAt, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal(vars, &w.Variables)
	return &w, nil
}

// GetWebhookByCanvas finds the (including soft-deleted) webhook row
// for (canvasId, uid) — the uniqueness constraint's scope per §9 —
// so an enable against a previously soft-deleted row can revive it
// instead of minting a new apiId.
func (s *PostgresStore) GetWebhookByCanvas(ctx context.Context, uid, canvasID string) (*Webhook, error) {
	query := `SELECT webhook_id, uid, canvas_id, enabled, secret, timeout_ms, variables, deleted_at, created_at, updated_at
		FROM webhooks WHERE uid = $1 AND canvas_id = $2`
	var w Webhook
	var vars []byte
	err := s.pool.QueryRow(ctx, query, uid, canvasID).Scan(&w.WebhookID, &w.UID, &w.CanvasID, &w.Enabled, &w.Secret, &w.TimeoutMs, &vars, &w.DeletedAt, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal(vars, &w.Variables)
	return &w, nil
}

func (s *PostgresStore) SoftDeleteWebhook(ctx context.Context, webhookID string) error {
	_, err := s.pool.Exec(ctx, `UPDATE webhooks SET enabled=false, deleted_at=NOW(), updated_at=NOW() WHERE webhook_id=$1`, webhookID)
	return err
}

// --- ApiCallRecord ---

func (s *PostgresStore) CreateApiCallRecord(ctx context.Context, r *ApiCallRecord) error {
	headers, err := json.Marshal(r.Headers)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO api_call_records (record_id, uid, source, path, method, status_code, headers, body, response_body, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9, NOW())
	`
	_, err = s.pool.Exec(ctx, query, r.RecordID, r.UID, r.Source, r.Path, r.Method, r.StatusCode, headers, r.Body, r.ResponseBody)
	return err
}

func (s *PostgresStore) ListApiCallRecords(ctx context.Context, uid string, limit int) ([]*ApiCallRecord, error) {
	query := `
		SELECT record_id, uid, source, path, method, status_code, headers, body, response_body, created_at
		FROM api_call_records WHERE uid = $1 ORDER BY created_at DESC LIMIT $2
	`
	rows, err := s.pool.Query(ctx, query, uid, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*ApiCallRecord
	for rows.Next() {
		var r ApiCallRecord
		var headers []byte
		if err := rows.Scan(&r.RecordID, &r.UID, &r.Source, &r.Path, &r.Method, &r.StatusCode, &headers, &r.Body, &r.ResponseBody, &r.CreatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(headers, &r.Headers)
		out = append(out, &r)
	}
	return out, rows.Err()
}

// --- StaticFile ---

func (s *PostgresStore) UpsertStaticFile(ctx context.Context, f *StaticFile) error {
	query := `
		INSERT INTO static_files (file_key, uid, storage_key, size, created_at)
		VALUES ($1,$2,$3,$4, NOW())
		ON CONFLICT (file_key) DO NOTHING
	`
	_, err := s.pool.Exec(ctx, query, f.FileKey, f.UID, f.StorageKey, f.Size)
	return err
}

func (s *PostgresStore) GetStaticFile(ctx context.Context, fileKey string) (*StaticFile, error) {
	query := `SELECT file_key, uid, storage_key, size, created_at FROM static_files WHERE file_key = $1`
	var f StaticFile
	err := s.pool.QueryRow(ctx, query, fileKey).Scan(&f.FileKey, &f.UID, &f.StorageKey, &f.Size, &f.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &f, err
}
