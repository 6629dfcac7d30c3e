// Package config loads the full configuration surface enumerated in
// spec §6 via struct tags, grounded on
// ErlanBelekov-dist-job-scheduler/config/config.go.
package config

import (
	"fmt"
	"log/slog"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
)

// Config is the single configuration surface for the process: HTTP
// listen address, Postgres/Redis DSNs, and every scheduling/sandbox/
// ingress knob from spec §6.
type Config struct {
	Env      string `env:"ENV" envDefault:"local" validate:"required,oneof=local staging production"`
	Port     string `env:"PORT" envDefault:"8080" validate:"required"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info" validate:"required,oneof=debug info warn error"`

	DatabaseURL string `env:"DATABASE_URL,required" validate:"required"`
	RedisAddr   string `env:"REDIS_ADDR" envDefault:"localhost:6379" validate:"required"`
	RedisDB     int    `env:"REDIS_DB" envDefault:"0"`

	JWTSecret string `env:"JWT_SECRET,required" validate:"required,min=32"`

	// --- Scheduling (§6) ---
	GlobalMaxConcurrent  int `env:"SCHED_GLOBAL_MAX_CONCURRENT" envDefault:"100"`
	UserMaxConcurrent    int `env:"SCHED_USER_MAX_CONCURRENT" envDefault:"3"`
	UserRateLimitDelayMs int `env:"SCHED_USER_RATE_LIMIT_DELAY_MS" envDefault:"500"`
	UserConcurrentTTLSec int `env:"SCHED_USER_CONCURRENT_TTL_SEC" envDefault:"300"`

	FreeMaxActiveSchedules int `env:"SCHED_FREE_MAX_ACTIVE_SCHEDULES" envDefault:"1"`
	PaidMaxActiveSchedules int `env:"SCHED_PAID_MAX_ACTIVE_SCHEDULES" envDefault:"20"`
	DefaultPriority        int `env:"SCHED_DEFAULT_PRIORITY" envDefault:"10" validate:"min=1,max=10"`
	HighLoadThreshold      int `env:"SCHED_HIGH_LOAD_THRESHOLD" envDefault:"10"`
	MaxPriority            int `env:"SCHED_MAX_PRIORITY" envDefault:"10"`
	MaxFailureLevels       int `env:"SCHED_MAX_FAILURE_LEVELS" envDefault:"3"`
	FailurePenalty         int `env:"SCHED_FAILURE_PENALTY" envDefault:"1"`
	HighLoadPenalty        int `env:"SCHED_HIGH_LOAD_PENALTY" envDefault:"1"`

	ScanLockTTLSec int `env:"SCHED_SCAN_LOCK_TTL_SEC" envDefault:"120"`

	// --- Sandbox (§6) ---
	WrapperType        string `env:"SANDBOX_WRAPPER_TYPE" envDefault:"executor" validate:"oneof=executor interpreter"`
	TemplateName       string `env:"SANDBOX_TEMPLATE_NAME" envDefault:"refly-executor-slim"`
	SandboxAPIKey      string `env:"SANDBOX_API_KEY,required" validate:"required"`
	SandboxTimeoutMs   int    `env:"SANDBOX_TIMEOUT_MS" envDefault:"60000"`
	MaxSandboxes       int    `env:"SANDBOX_MAX_COUNT" envDefault:"50"`
	AutoPauseDelayMs   int    `env:"SANDBOX_AUTO_PAUSE_DELAY_MS" envDefault:"120000"`
	RunCodeTimeoutSec  int    `env:"SANDBOX_RUN_CODE_TIMEOUT_SEC" envDefault:"120"`
	LockWaitTimeoutSec int    `env:"SANDBOX_LOCK_WAIT_TIMEOUT_SEC" envDefault:"30"`
	LockPollIntervalMs int    `env:"SANDBOX_LOCK_POLL_INTERVAL_MS" envDefault:"200"`
	LockInitialTTLSec  int    `env:"SANDBOX_LOCK_INITIAL_TTL_SEC" envDefault:"30"`
	LockRenewalMs      int    `env:"SANDBOX_LOCK_RENEWAL_MS" envDefault:"10000"`
	MaxQueueSize       int    `env:"SCALEBOX_MAX_QUEUE_SIZE" envDefault:"500"`
	CodeSizeThreshold  int    `env:"SANDBOX_CODE_SIZE_THRESHOLD" envDefault:"8192"`
	TruncateOutput     int    `env:"SANDBOX_TRUNCATE_OUTPUT" envDefault:"65536"`
	KillRetryMaxAttempt int   `env:"SANDBOX_KILL_RETRY_MAX_ATTEMPTS" envDefault:"3"`
	KillRetryIntervalMs int   `env:"SANDBOX_KILL_RETRY_INTERVAL_MS" envDefault:"2000"`
	LifecycleRetryMaxAttempt int `env:"SANDBOX_LIFECYCLE_RETRY_MAX_ATTEMPTS" envDefault:"3"`

	// --- Ingress (§6) ---
	OpenAPIRPMLimit     int `env:"INGRESS_OPENAPI_RPM_LIMIT" envDefault:"100"`
	OpenAPIDailyLimit   int `env:"INGRESS_OPENAPI_DAILY_LIMIT" envDefault:"10000"`
	WebhookRPMLimit     int `env:"INGRESS_WEBHOOK_RPM_LIMIT" envDefault:"100"`
	WebhookDailyLimit   int `env:"INGRESS_WEBHOOK_DAILY_LIMIT" envDefault:"10000"`
	DebounceTTLSec      int `env:"INGRESS_DEBOUNCE_TTL_SEC" envDefault:"1"`
	WebhookConfigTTLSec int `env:"INGRESS_WEBHOOK_CONFIG_TTL_SEC" envDefault:"300"`

	// --- External collaborators (spec §1 Non-goals: out-of-scope
	// systems reached only through internal/externalclients) ---
	WorkflowEngineURL string `env:"WORKFLOW_ENGINE_URL" envDefault:"http://localhost:4001"`
	CanvasServiceURL  string `env:"CANVAS_SERVICE_URL" envDefault:"http://localhost:4002"`
	APIKeyServiceURL  string `env:"API_KEY_SERVICE_URL" envDefault:"http://localhost:4003"`
	DriveStorageURL   string `env:"DRIVE_STORAGE_URL" envDefault:"http://localhost:4004"`

	// --- Sandbox provider SDK endpoint (§4.7/§9) ---
	SandboxProviderURL string `env:"SANDBOX_PROVIDER_URL,required" validate:"required"`
	SandboxS3Bucket    string `env:"SANDBOX_S3_BUCKET" envDefault:"refly-sandbox-drive"`
	SandboxS3MountPath string `env:"SANDBOX_S3_MOUNT_PATH" envDefault:"/mnt/drive"`

	JWTIssuerTTLMin int `env:"JWT_ISSUER_TTL_MIN" envDefault:"60"`
}

// Load parses the process environment into a Config and validates it.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// SlogLevel converts LOG_LEVEL to an slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
