package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/canvasflow/trigger-core/internal/apicall"
	"github.com/canvasflow/trigger-core/internal/errorsx"
	"github.com/canvasflow/trigger-core/internal/ingress"
	"github.com/canvasflow/trigger-core/internal/store"
	"github.com/canvasflow/trigger-core/internal/variables"
)

const (
	scopeCanvasID  = "canvasId"
	scopeWebhookID = "webhookId"
	ctxWebhookKey  = "webhook"
	ctxBodyKey     = "rawBody"
)

func (h *handlers) rateLimitOpenAPI() gin.HandlerFunc {
	return h.rateLimit(h.d.OpenAPIGate, func(c *gin.Context) string { return uidFrom(c) })
}

func (h *handlers) rateLimitWebhook() gin.HandlerFunc {
	return h.rateLimit(h.d.WebhookGate, func(c *gin.Context) string { return c.Param("webhookId") })
}

func (h *handlers) rateLimit(gate *ingress.Gate, keyFn func(*gin.Context) string) gin.HandlerFunc {
	return func(c *gin.Context) {
		res, err := gate.CheckRateLimit(c.Request.Context(), keyFn(c))
		if err == nil {
			setRateLimitHeaders(c, res)
			if !res.Allowed {
				writeError(c, 429, string(errorsx.CodeRateLimit), "too many requests")
				return
			}
		}
		c.Next()
	}
}

// debounce reads and restores the request body (so later handlers can
// still bind it), then fingerprints it against uid+scopeParam,
// rejecting an exact repeat within the debounce TTL (§4.3).
func (h *handlers) debounce(scopeParam string) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, _ := io.ReadAll(c.Request.Body)
		c.Request.Body = io.NopCloser(bytes.NewReader(raw))
		c.Set(ctxBodyKey, raw)

		var body any
		_ = json.Unmarshal(raw, &body)

		scopeID := c.Param(scopeParam)
		if scopeID == "" {
			// The openapi run route carries canvasId in the body, not the path.
			if m, ok := body.(map[string]any); ok {
				scopeID, _ = m[scopeParam].(string)
			}
		}
		fp := ingress.Fingerprint(uidForDebounce(c), scopeID, body)

		ok, err := ingress.CheckDebounce(c.Request.Context(), h.d.Redis, scopeParam, fp, time.Duration(h.d.Config.DebounceTTLSec)*time.Second)
		if err == nil && !ok {
			writeError(c, 409, string(errorsx.CodeDebounce), "duplicate request")
			return
		}
		c.Next()
	}
}

// uidForDebounce resolves the identity the fingerprint is keyed on: the
// authenticated uid for the openapi surface, or the target webhook's
// owning uid once resolveWebhook has run.
func uidForDebounce(c *gin.Context) string {
	if uid := uidFrom(c); uid != "" {
		return uid
	}
	if wh, ok := c.Get(ctxWebhookKey); ok {
		if w, ok := wh.(*store.Webhook); ok {
			return w.UID
		}
	}
	return ""
}

// resolveWebhook loads the target webhook's cached config before rate
// limiting / debounce run, so both are keyed against a webhook that is
// actually known to exist and enabled.
func (h *handlers) resolveWebhook() gin.HandlerFunc {
	return func(c *gin.Context) {
		webhookID := c.Param("webhookId")
		wh, err := ingress.GetWebhookConfig(c.Request.Context(), h.d.Redis, h.d.DB, webhookID, time.Duration(h.d.Config.WebhookConfigTTLSec)*time.Second)
		if err != nil {
			writeError(c, 404, string(errorsx.CodeNotFound), "webhook not found")
			return
		}
		if !wh.Enabled || wh.DeletedAt != nil {
			writeError(c, 404, string(errorsx.CodeNotFound), "webhook disabled")
			return
		}
		c.Set(ctxWebhookKey, wh)
		c.Next()
	}
}

type workflowRunRequest struct {
	CanvasID  string         `json:"canvasId" binding:"required"`
	Variables map[string]any `json:"variables"`
}

// runWorkflow implements POST /v1/openapi/workflow/run, the API-key
// authenticated trigger surface (§6): it returns {executionId,
// status:"running"} as soon as the record is durable, before the
// workflow engine call completes.
func (h *handlers) runWorkflow(c *gin.Context) {
	var req workflowRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, 400, string(errorsx.CodeRequestParams), err.Error())
		return
	}
	uid := uidFrom(c)
	rec, err := h.trigger(c.Request.Context(), uid, req.CanvasID, req.Variables, store.TriggerAPI)
	if err != nil {
		code := errorsx.Classify(err)
		body := gin.H{"statusCode": code.HTTPStatus(), "error": string(code), "message": err.Error()}
		h.audit(c, uid, store.TriggerAPI, code.HTTPStatus(), body)
		c.JSON(code.HTTPStatus(), body)
		return
	}
	body := gin.H{"executionId": rec.RecordID, "status": "running"}
	h.audit(c, uid, store.TriggerAPI, 200, body)
	c.JSON(200, body)
}

type webhookRunRequest struct {
	Variables map[string]any `json:"variables"`
}

// runWebhook implements POST /v1/openapi/webhook/{webhookId}/run, the
// path-identified trigger surface with no bearer credential (§6): it
// is fire-and-forget, returning {received:true} before the workflow
// engine call completes (scenario 5). The body must be empty or
// exactly {variables:{...}} — any other top-level field is a 400.
func (h *handlers) runWebhook(c *gin.Context) {
	wh := c.MustGet(ctxWebhookKey).(*store.Webhook)

	var req webhookRunRequest
	if err := strictBody(c, &req); err != nil {
		writeError(c, 400, string(errorsx.CodeRequestParams), "request body must be empty or {variables:{...}}")
		return
	}

	rec, err := h.trigger(c.Request.Context(), wh.UID, wh.CanvasID, req.Variables, store.TriggerWebhook)
	if err != nil {
		code := errorsx.Classify(err)
		body := gin.H{"statusCode": code.HTTPStatus(), "error": string(code), "message": err.Error()}
		h.audit(c, wh.UID, store.TriggerWebhook, code.HTTPStatus(), body)
		c.JSON(code.HTTPStatus(), body)
		return
	}
	body := gin.H{"received": true}
	h.audit(c, wh.UID, store.TriggerWebhook, 200, body)
	c.JSON(200, body)
}

// strictBody decodes the raw JSON body the debounce middleware already
// captured into v, rejecting any field v does not declare (§6: the
// webhook run body is empty or {variables:{...}}, nothing else).
func strictBody(c *gin.Context, v any) error {
	raw, _ := c.Get(ctxBodyKey)
	body, _ := raw.([]byte)
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// trigger is the shared projection path for both trigger surfaces:
// it normalizes variables against the canvas's declared slots,
// computes priority, creates the `running` record synchronously via
// the Execution Record Projector (C7), and runs the workflow engine
// call in the background — §6 requires both trigger surfaces to
// respond before that call completes, so the caller's HTTP response
// is built from the returned record alone, never from the engine's
// eventual result.
func (h *handlers) trigger(ctx context.Context, uid, canvasID string, runtimeVars map[string]any, trigger store.TriggerType) (*store.ScheduleRecord, error) {
	declared, err := h.d.Canvases.DeclaredVariables(ctx, canvasID)
	if err != nil {
		return nil, errorsx.New(errorsx.CodeNotFound, "canvas not found")
	}
	canvasData, err := h.d.Canvases.CanvasData(ctx, canvasID)
	if err != nil {
		return nil, errorsx.New(errorsx.CodeNotFound, "canvas not found")
	}

	normalized := variables.Normalize(ctx, runtimeVars, declared, h.d.Files)

	prio, err := h.d.Priority.Priority(ctx, uid)
	if err != nil {
		prio = h.d.Config.DefaultPriority
	}

	rec, err := h.d.Projector.StartTrigger(ctx, uid, trigger, prio)
	if err != nil {
		return nil, err
	}

	// Detached from the request context: this keeps running after the
	// handler has already written its response.
	runCtx := context.WithoutCancel(ctx)
	go h.d.Projector.RunWebhookOrAPI(runCtx, rec, uid, canvasData, engineVariables(normalized))

	return rec, nil
}

// engineVariables reshapes the normalized canvas-ordered slice into the
// name-keyed map the workflow engine's ExecuteFromCanvasData expects.
func engineVariables(normalized []variables.WorkflowVariable) map[string]any {
	out := make(map[string]any, len(normalized))
	for _, v := range normalized {
		out[v.Name] = v
	}
	return out
}

// audit persists the redacted inbound-call record (C8) for every
// trigger HTTP call, best-effort: a failure here never fails the
// caller's own request.
func (h *handlers) audit(c *gin.Context, uid string, source store.TriggerType, status int, body gin.H) {
	raw, _ := c.Get(ctxBodyKey)
	reqBody, _ := raw.([]byte)
	respBody, _ := json.Marshal(body)
	if err := apicall.Record(c.Request.Context(), h.d.DB, uid, source, c.Request.URL.Path, c.Request.Method, c.Request.Header, reqBody, status, respBody); err != nil {
		h.d.Log.Warn("httpapi: audit record failed", "err", err)
	}
}

// listAPICalls implements GET /v1/openapi/calls and GET
// /v1/webhook/history: the per-uid audit trail read path (§4.11).
func (h *handlers) listAPICalls(c *gin.Context) {
	uid := uidFrom(c)
	recs, err := h.d.DB.ListApiCallRecords(c.Request.Context(), uid, 100)
	if err != nil {
		writeError(c, 500, string(errorsx.CodeInternal), "failed to list api calls")
		return
	}
	c.JSON(200, gin.H{"calls": recs})
}
