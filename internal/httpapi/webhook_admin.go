package httpapi

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/canvasflow/trigger-core/internal/errorsx"
	"github.com/canvasflow/trigger-core/internal/ids"
	"github.com/canvasflow/trigger-core/internal/ingress"
	"github.com/canvasflow/trigger-core/internal/store"
)

type enableWebhookRequest struct {
	CanvasID  string         `json:"canvasId" binding:"required"`
	TimeoutMs int            `json:"timeout"`
	Variables map[string]any `json:"variables"`
}

// enableWebhook implements POST /v1/webhook/enable (§6). A call
// against a soft-deleted row revives it in place rather than minting a
// new webhookId — the uniqueness constraint on (canvasId, uid) spans
// soft-deleted rows (§9).
func (h *handlers) enableWebhook(c *gin.Context) {
	var req enableWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, 400, string(errorsx.CodeRequestParams), err.Error())
		return
	}
	uid := uidFrom(c)
	ctx := c.Request.Context()

	wh, err := h.d.DB.GetWebhookByCanvas(ctx, uid, req.CanvasID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		writeError(c, 500, string(errorsx.CodeInternal), "failed to look up webhook")
		return
	}
	if wh == nil {
		wh = &store.Webhook{
			WebhookID: ids.NewWebhookID(),
			UID:       uid,
			CanvasID:  req.CanvasID,
			Secret:    ids.NewToken(),
			TimeoutMs: defaultTimeoutMs(req.TimeoutMs),
			Variables: req.Variables,
		}
	}
	wh.Enabled = true
	wh.DeletedAt = nil
	if req.TimeoutMs > 0 {
		wh.TimeoutMs = req.TimeoutMs
	}
	if req.Variables != nil {
		wh.Variables = req.Variables
	}

	if err := h.d.DB.UpsertWebhook(ctx, wh); err != nil {
		writeError(c, 500, string(errorsx.CodeInternal), "failed to enable webhook")
		return
	}
	_ = ingress.InvalidateWebhookConfig(ctx, h.d.Redis, wh.WebhookID)
	c.JSON(200, wh)
}

type webhookIDRequest struct {
	WebhookID string `json:"webhookId" binding:"required"`
}

// disableWebhook implements POST /v1/webhook/disable (§6): a soft
// delete, preserving the row for enable's revive path.
func (h *handlers) disableWebhook(c *gin.Context) {
	var req webhookIDRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, 400, string(errorsx.CodeRequestParams), err.Error())
		return
	}
	ctx := c.Request.Context()
	wh, err := h.ownedWebhook(c, req.WebhookID)
	if err != nil {
		return
	}
	if err := h.d.DB.SoftDeleteWebhook(ctx, wh.WebhookID); err != nil {
		writeError(c, 500, string(errorsx.CodeInternal), "failed to disable webhook")
		return
	}
	_ = ingress.InvalidateWebhookConfig(ctx, h.d.Redis, wh.WebhookID)
	c.JSON(200, gin.H{"webhookId": wh.WebhookID, "enabled": false})
}

// resetWebhook implements POST /v1/webhook/reset (§6): mints a fresh
// webhookId bound to the same canvas, soft-deleting the old row so the
// previous url stops accepting traffic immediately.
func (h *handlers) resetWebhook(c *gin.Context) {
	var req webhookIDRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, 400, string(errorsx.CodeRequestParams), err.Error())
		return
	}
	ctx := c.Request.Context()
	old, err := h.ownedWebhook(c, req.WebhookID)
	if err != nil {
		return
	}

	if err := h.d.DB.SoftDeleteWebhook(ctx, old.WebhookID); err != nil {
		writeError(c, 500, string(errorsx.CodeInternal), "failed to reset webhook")
		return
	}
	_ = ingress.InvalidateWebhookConfig(ctx, h.d.Redis, old.WebhookID)

	fresh := &store.Webhook{
		WebhookID: ids.NewWebhookID(),
		UID:       old.UID,
		CanvasID:  old.CanvasID,
		Enabled:   true,
		Secret:    ids.NewToken(),
		TimeoutMs: old.TimeoutMs,
		Variables: old.Variables,
	}
	if err := h.d.DB.UpsertWebhook(ctx, fresh); err != nil {
		writeError(c, 500, string(errorsx.CodeInternal), "failed to reset webhook")
		return
	}
	c.JSON(200, fresh)
}

type updateWebhookRequest struct {
	WebhookID string         `json:"webhookId" binding:"required"`
	TimeoutMs int            `json:"timeout"`
	Variables map[string]any `json:"variables"`
}

// updateWebhook implements POST /v1/webhook/update (§6).
func (h *handlers) updateWebhook(c *gin.Context) {
	var req updateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, 400, string(errorsx.CodeRequestParams), err.Error())
		return
	}
	ctx := c.Request.Context()
	wh, err := h.ownedWebhook(c, req.WebhookID)
	if err != nil {
		return
	}
	if req.TimeoutMs > 0 {
		wh.TimeoutMs = req.TimeoutMs
	}
	if req.Variables != nil {
		wh.Variables = req.Variables
	}
	if err := h.d.DB.UpsertWebhook(ctx, wh); err != nil {
		writeError(c, 500, string(errorsx.CodeInternal), "failed to update webhook")
		return
	}
	_ = ingress.InvalidateWebhookConfig(ctx, h.d.Redis, wh.WebhookID)
	c.JSON(200, wh)
}

// getWebhookConfig implements GET /v1/webhook/config?webhookId=...
func (h *handlers) getWebhookConfig(c *gin.Context) {
	webhookID := c.Query("webhookId")
	if webhookID == "" {
		writeError(c, 400, string(errorsx.CodeRequestParams), "webhookId is required")
		return
	}
	wh, err := h.ownedWebhook(c, webhookID)
	if err != nil {
		return
	}
	c.JSON(200, wh)
}

// ownedWebhook loads webhookID and verifies it belongs to the caller's
// uid, writing the appropriate error response and returning a non-nil
// error if the lookup fails or authorization does not hold.
func (h *handlers) ownedWebhook(c *gin.Context, webhookID string) (*store.Webhook, error) {
	wh, err := h.d.DB.GetWebhook(c.Request.Context(), webhookID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(c, 404, string(errorsx.CodeNotFound), "webhook not found")
		} else {
			writeError(c, 500, string(errorsx.CodeInternal), "failed to look up webhook")
		}
		return nil, err
	}
	if wh.UID != uidFrom(c) {
		writeError(c, 401, string(errorsx.CodeAuthZ), "webhook does not belong to caller")
		return nil, errors.New("forbidden")
	}
	return wh, nil
}

func defaultTimeoutMs(requested int) int {
	if requested > 0 {
		return requested
	}
	return 60000
}
