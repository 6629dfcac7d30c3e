package httpapi

import (
	"github.com/gin-gonic/gin"

	"github.com/canvasflow/trigger-core/internal/errorsx"
	"github.com/canvasflow/trigger-core/internal/scalebox"
)

type executeRequest struct {
	Context  scalebox.ExecuteContext `json:"context" binding:"required"`
	Params   scalebox.ExecuteParams  `json:"params" binding:"required"`
	Priority int                     `json:"priority"`
}

// runExecute implements the internal code-step entry point the
// out-of-scope workflow engine calls back into when a canvas node
// needs to run code in a sandbox (§4.7's Scalebox ingress contract).
// It sits on the JWT-authenticated internal surface rather than the
// bearer-API-key trigger surfaces, since its caller is a trusted
// service, not an end user.
func (h *handlers) runExecute(c *gin.Context) {
	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, 400, string(errorsx.CodeRequestParams), err.Error())
		return
	}
	priority := req.Priority
	if priority == 0 {
		priority = h.d.Config.DefaultPriority
	}
	resp, err := h.d.Scalebox.Execute(c.Request.Context(), req.Context, req.Params, priority)
	if err != nil {
		code := errorsx.Classify(err)
		c.JSON(code.HTTPStatus(), gin.H{"statusCode": code.HTTPStatus(), "error": string(code), "message": err.Error()})
		return
	}
	c.JSON(200, resp)
}
