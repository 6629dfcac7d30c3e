// Package httpapi wires the HTTP surface from spec §6/§4.10-§4.11 onto
// gin-gonic/gin: the two trigger endpoints (webhook run, openapi
// workflow run), the webhook management surface, the schedule/record
// management surface, and a live status WebSocket — grounded on
// ErlanBelekov-dist-job-scheduler's newer router (internal/http/router.go)
// for the middleware chain shape, and internal/transport/http/handler
// for the handler-struct + DTO + binding-tag convention. CORS header
// choices are carried over from control_plane/middleware/cors.go.
package httpapi

import (
	"context"
	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	sloggin "github.com/samber/slog-gin"

	"github.com/canvasflow/trigger-core/internal/authn"
	"github.com/canvasflow/trigger-core/internal/config"
	"github.com/canvasflow/trigger-core/internal/execrecord"
	"github.com/canvasflow/trigger-core/internal/ingress"
	"github.com/canvasflow/trigger-core/internal/priority"
	"github.com/canvasflow/trigger-core/internal/queue"
	"github.com/canvasflow/trigger-core/internal/scalebox"
	"github.com/canvasflow/trigger-core/internal/statushub"
	"github.com/canvasflow/trigger-core/internal/store"
	"github.com/canvasflow/trigger-core/internal/variables"
)

// CanvasSource resolves the two pieces of canvas state the trigger
// surfaces need: its declared variables (for normalization) and its
// raw document (handed to the workflow engine). The canvas editor /
// template store is out of scope (spec §1) — only this read boundary
// is modeled.
type CanvasSource interface {
	DeclaredVariables(ctx context.Context, canvasID string) ([]variables.WorkflowVariable, error)
	CanvasData(ctx context.Context, canvasID string) (string, error)
}

// Deps bundles every collaborator the HTTP surface dispatches into.
// Handlers depend on the concrete *store.PostgresStore/*store.RedisStore
// rather than narrow per-handler interfaces: this package is the
// outermost layer of the process, wired once in cmd/server, so the
// extra indirection buys nothing a unit test can't get from a real
// miniredis/sqlmock-backed store.
type Deps struct {
	Config *config.Config
	Log    *slog.Logger

	DB    *store.PostgresStore
	Redis *store.RedisStore

	JWT         *authn.Issuer
	APIKeys     authn.APIKeyResolver
	OpenAPIGate *ingress.Gate
	WebhookGate *ingress.Gate

	Canvases CanvasSource
	Files    variables.StaticFileLookup

	Projector     *execrecord.Projector
	Priority      *priority.Resolver
	ScheduleQueue *queue.Queue
	Scalebox      *scalebox.Service

	Hub *statushub.Hub
}

// NewRouter builds the full gin.Engine: global middleware, then the
// public trigger routes, then the JWT-authenticated management routes.
func NewRouter(d *Deps) *gin.Engine {
	if d.Config.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestID())
	r.Use(securityHeaders())
	r.Use(cors())
	r.Use(sloggin.New(d.Log))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(200, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	h := &handlers{d: d}

	r.GET("/ws/status", h.handleStatusWS)

	openapi := r.Group("/v1/openapi")
	openapi.Use(h.apiKeyAuth())
	{
		openapi.POST("/workflow/run",
			h.rateLimitOpenAPI(),
			h.debounce(scopeCanvasID),
			h.runWorkflow,
		)
		openapi.GET("/calls", h.listAPICalls)
	}

	// The webhook run endpoint resolves its own identity from the
	// path, not from a bearer credential, so it sits outside apiKeyAuth
	// but still goes through rate-limit + debounce keyed by webhookId.
	r.POST("/v1/openapi/webhook/:webhookId/run",
		h.resolveWebhook(),
		h.rateLimitWebhook(),
		h.debounce(scopeWebhookID),
		h.runWebhook,
	)

	mgmt := r.Group("/v1/webhook")
	mgmt.Use(h.jwtAuth())
	{
		mgmt.POST("/enable", h.enableWebhook)
		mgmt.POST("/disable", h.disableWebhook)
		mgmt.POST("/reset", h.resetWebhook)
		mgmt.POST("/update", h.updateWebhook)
		mgmt.GET("/config", h.getWebhookConfig)
		mgmt.GET("/history", h.listAPICalls)
	}

	schedules := r.Group("/v1/schedules")
	schedules.Use(h.jwtAuth())
	{
		schedules.POST("", h.createOrUpdateSchedule)
		schedules.DELETE("/:scheduleId", h.deleteSchedule)
		schedules.GET("/:scheduleId/records", h.listScheduleRecords)
		schedules.POST("/:scheduleId/records/:recordId/retry", h.retryRecord)
	}

	internal := r.Group("/internal")
	internal.Use(h.jwtAuth())
	{
		internal.POST("/execute", h.runExecute)
	}

	return r
}

type handlers struct{ d *Deps }
