package sandboxpool

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/canvasflow/trigger-core/internal/lock"
	"github.com/canvasflow/trigger-core/internal/queue"
	"github.com/canvasflow/trigger-core/internal/sandbox"
	"github.com/canvasflow/trigger-core/internal/store"
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestPool(t *testing.T, providerURL string, maxSandboxes int) (*Pool, *store.RedisStore) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	rs := &store.RedisStore{Client: rdb}
	locks := lock.NewManager(rdb)
	pauseQ := queue.New(rdb, "test-pause")
	killQ := queue.New(rdb, "test-kill")
	factory := &sandbox.Factory{
		Type:              sandbox.WrapperExecutor,
		ExecutorCfg:       sandbox.ExecutorConfig{BaseURL: providerURL, TemplateName: "tpl", CodeSizeThreshold: 4096, HTTPTimeout: 5 * time.Second},
		LifecycleMaxRetry: 1,
		Log:               discardLogger(),
	}
	p := New(rs, locks, pauseQ, killQ, factory, discardLogger(), "tpl", maxSandboxes, time.Minute, 3, time.Millisecond)
	return p, rs
}

func TestAcquireCreatesFreshSandboxWhenPoolEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/sandboxes" {
			json.NewEncoder(w).Encode(map[string]any{"sandboxId": "sbx-new"})
		}
	}))
	defer srv.Close()

	p, _ := newTestPool(t, srv.URL, 5)
	acq, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !acq.Fresh {
		t.Fatal("expected a fresh sandbox when pool is empty")
	}
	if acq.Wrapper.SandboxID() != "sbx-new" {
		t.Fatalf("unexpected sandbox id: %s", acq.Wrapper.SandboxID())
	}
}

func TestAcquireReusesIdleSandbox(t *testing.T) {
	reconnected := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == "GET" && r.URL.Path == "/sandboxes/sbx-idle":
			reconnected = true
			json.NewEncoder(w).Encode(map[string]any{})
		case r.URL.Path == "/sandboxes/sbx-idle/exec":
			json.NewEncoder(w).Encode(map[string]any{"exitCode": float64(0)})
		}
	}))
	defer srv.Close()

	p, rs := newTestPool(t, srv.URL, 5)
	if err := p.Release(context.Background(), "sbx-idle"); err != nil {
		t.Fatalf("release: %v", err)
	}

	acq, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if acq.Fresh {
		t.Fatal("expected the idle sandbox to be reused, not a fresh one")
	}
	if !reconnected {
		t.Fatal("expected reconnect to be attempted against the idle sandbox")
	}
	if acq.Wrapper.SandboxID() != "sbx-idle" {
		t.Fatalf("unexpected sandbox id: %s", acq.Wrapper.SandboxID())
	}

	size, err := rs.IdlePoolSize(context.Background(), "tpl")
	if err != nil {
		t.Fatalf("idle pool size: %v", err)
	}
	if size != 0 {
		t.Fatalf("expected idle pool drained after acquire, got %d", size)
	}
}

func TestAcquireFailsWhenPoolExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"sandboxId": "sbx-x"})
	}))
	defer srv.Close()

	p, rs := newTestPool(t, srv.URL, 1)
	// Simulate one busy sandbox already accounted for.
	if err := rs.SaveSandboxMetadata(context.Background(), &store.SandboxMetadata{SandboxID: "sbx-busy", TemplateName: "tpl", State: "busy"}); err != nil {
		t.Fatalf("save metadata: %v", err)
	}

	if _, err := p.Acquire(context.Background()); err != ErrPoolExhausted {
		t.Fatalf("expected ErrPoolExhausted, got %v", err)
	}
}
