package httpapi

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/canvasflow/trigger-core/internal/authn"
	"github.com/canvasflow/trigger-core/internal/config"
	"github.com/canvasflow/trigger-core/internal/ingress"
	"github.com/canvasflow/trigger-core/internal/store"
	"github.com/canvasflow/trigger-core/internal/variables"
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func init() { gin.SetMode(gin.TestMode) }

type fakeAPIKeys struct{ uid string }

func (f fakeAPIKeys) ResolveAPIKey(raw string) (string, bool) {
	if raw == "valid-key" {
		return f.uid, true
	}
	return "", false
}

type fakeCanvases struct{}

func (fakeCanvases) DeclaredVariables(ctx context.Context, canvasID string) ([]variables.WorkflowVariable, error) {
	return []variables.WorkflowVariable{{Name: "input", VariableID: "v1", VariableType: "string"}}, nil
}

func (fakeCanvases) CanvasData(ctx context.Context, canvasID string) (string, error) {
	return `{"nodes":[]}`, nil
}

func testRedis(t *testing.T) *store.RedisStore {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	return &store.RedisStore{Client: redis.NewClient(&redis.Options{Addr: mr.Addr()})}
}

func newTestDeps(t *testing.T) *Deps {
	t.Helper()
	rs := testRedis(t)
	local := ingress.NewLocalLimiter(1000, 1000)
	cfg := &config.Config{
		Env:                 "local",
		OpenAPIRPMLimit:     1000,
		OpenAPIDailyLimit:   100000,
		WebhookRPMLimit:     1000,
		WebhookDailyLimit:   100000,
		DebounceTTLSec:      1,
		WebhookConfigTTLSec: 300,
		DefaultPriority:     5,
	}
	return &Deps{
		Config:      cfg,
		Log:         discardLogger(),
		Redis:       rs,
		JWT:         authn.NewIssuer("test-secret-test-secret-32-bytes!!", time.Hour),
		APIKeys:     fakeAPIKeys{uid: "u1"},
		OpenAPIGate: ingress.NewOpenAPIGate(rs, local, cfg.OpenAPIRPMLimit, cfg.OpenAPIDailyLimit),
		WebhookGate: ingress.NewWebhookGate(rs, local, cfg.WebhookRPMLimit, cfg.WebhookDailyLimit),
		Canvases:    fakeCanvases{},
	}
}

func TestHealthz(t *testing.T) {
	r := gin.New()
	r.GET("/healthz", func(c *gin.Context) { c.JSON(200, gin.H{"status": "ok"}) })

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestApiKeyAuthRejectsMissingKey(t *testing.T) {
	d := newTestDeps(t)
	h := &handlers{d: d}
	r := gin.New()
	r.GET("/protected", h.apiKeyAuth(), func(c *gin.Context) { c.JSON(200, gin.H{"uid": uidFrom(c)}) })

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != 401 {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestApiKeyAuthAcceptsValidKey(t *testing.T) {
	d := newTestDeps(t)
	h := &handlers{d: d}
	r := gin.New()
	r.GET("/protected", h.apiKeyAuth(), func(c *gin.Context) { c.JSON(200, gin.H{"uid": uidFrom(c)}) })

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("X-Refly-Api-Key", "valid-key")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "u1") {
		t.Fatalf("expected resolved uid in body, got %s", w.Body.String())
	}
}

func TestJwtAuthRejectsMalformedHeader(t *testing.T) {
	d := newTestDeps(t)
	h := &handlers{d: d}
	r := gin.New()
	r.GET("/protected", h.jwtAuth(), func(c *gin.Context) { c.JSON(200, gin.H{}) })

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Token abc")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != 401 {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestJwtAuthAcceptsValidToken(t *testing.T) {
	d := newTestDeps(t)
	token, err := d.JWT.Generate("u1", "owner")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	h := &handlers{d: d}
	r := gin.New()
	r.GET("/protected", h.jwtAuth(), func(c *gin.Context) { c.JSON(200, gin.H{"uid": uidFrom(c)}) })

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestSecurityHeadersSet(t *testing.T) {
	r := gin.New()
	r.Use(securityHeaders())
	r.GET("/x", func(c *gin.Context) { c.Status(200) })

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Header().Get("X-Frame-Options") != "DENY" {
		t.Fatalf("expected X-Frame-Options header to be set")
	}
}

func TestCorsPreflight(t *testing.T) {
	r := gin.New()
	r.Use(cors())
	r.POST("/x", func(c *gin.Context) { c.Status(200) })

	req := httptest.NewRequest(http.MethodOptions, "/x", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != 204 {
		t.Fatalf("expected 204 for preflight, got %d", w.Code)
	}
}

