package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/canvasflow/trigger-core/internal/authn"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The editor frontend and this API may be served from different
	// origins behind the same gateway; origin enforcement is handled
	// upstream, matching cors()'s allow-any-origin posture.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleStatusWS upgrades to a WebSocket and registers the connection
// with the status hub (C7), subscribed to the caller's own uid. Auth
// rides the query string since browser WebSocket clients cannot set
// custom headers on the upgrade request.
func (h *handlers) handleStatusWS(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		writeError(c, 401, "authz", "missing token")
		return
	}
	claims, err := h.d.JWT.Validate(token)
	if err != nil {
		if err == authn.ErrExpired {
			writeError(c, 401, "authz", "token expired")
			return
		}
		writeError(c, 401, "authz", "invalid token")
		return
	}

	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.d.Log.Warn("httpapi: ws upgrade failed", "err", err)
		return
	}
	h.d.Hub.Register(conn, claims.UID)

	// Drain and discard inbound frames until the client disconnects;
	// this connection is publish-only from the server's side.
	go func() {
		defer h.d.Hub.Unregister(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
