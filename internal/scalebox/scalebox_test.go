package scalebox

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
	"github.com/canvasflow/trigger-core/internal/sandboxpool"
	"github.com/canvasflow/trigger-core/internal/store"
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fakeDrive struct{ called bool }

func (f *fakeDrive) BatchCreate(ctx context.Context, ectx ExecuteContext, added sandbox.DiffAdded) ([]FileRef, error) {
	f.called = true
	out := make([]FileRef, len(added))
	for i, a := range added {
		out[i] = FileRef{Path: a, StorageKey: "openapi/" + ectx.UID + "/" + a}
	}
	return out, nil
}

func newHarness(t *testing.T, providerURL string) (*Service, *Processor, *fakeDrive) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	rs := &store.RedisStore{Client: rdb}
	locks := lock.NewManager(rdb)
	execQ := queue.New(rdb, queue.ScaleboxExecute)
	pauseQ := queue.New(rdb, queue.ScaleboxPause)
	killQ := queue.New(rdb, queue.ScaleboxKill)

	factory := &sandbox.Factory{
		Type:              sandbox.WrapperExecutor,
		ExecutorCfg:       sandbox.ExecutorConfig{BaseURL: providerURL, TemplateName: "tpl", CodeSizeThreshold: 4096, HTTPTimeout: 5 * time.Second},
		LifecycleMaxRetry: 1,
		Log:               discardLogger(),
	}
	pool := sandboxpool.New(rs, locks, pauseQ, killQ, factory, discardLogger(), "tpl", 5, time.Minute, 3, time.Millisecond)

	cfg := Config{
		MaxQueueSize:        10,
		RunCodeTimeout:      5 * time.Second,
		TruncateOutputBytes: 1000,
		LockWaitTimeout:     2 * time.Second,
		LockPollInterval:    10 * time.Millisecond,
		LockInitialTTL:      10 * time.Second,
		LockRenewalInterval: time.Second,
	}
	drive := &fakeDrive{}
	svc := NewService(rdb, execQ, cfg, discardLogger())
	proc := NewProcessor(rdb, execQ, locks, pool, drive, cfg, discardLogger())
	return svc, proc, drive
}

func TestExecuteRoundTripsThroughProcessor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/sandboxes":
			json.NewEncoder(w).Encode(map[string]any{"sandboxId": "sbx-1"})
		case r.URL.Path == "/sandboxes/sbx-1/run":
			w.Write([]byte(`{"exitCode":0,"stdout":"hi","stderr":"","diff":{"added":["out.txt"]}}` + "\n"))
		}
	}))
	defer srv.Close()

	svc, proc, drive := newHarness(t, srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go proc.Run(ctx)

	resp, err := svc.Execute(ctx, ExecuteContext{UID: "u1", APIKey: "k", CanvasID: "c1", S3DrivePath: "/workspace"},
		ExecuteParams{Code: "print('hi')", Language: "python"}, 5)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if resp.Status != "success" || resp.ExitCode != 0 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.Stdout != "hi" {
		t.Fatalf("unexpected stdout: %q", resp.Stdout)
	}
	if !drive.called {
		t.Fatal("expected drive service to be invoked for diff.added files")
	}
	if len(resp.Files) != 1 || resp.Files[0].Path != "out.txt" {
		t.Fatalf("unexpected files: %+v", resp.Files)
	}
}

func TestExecuteRejectsMissingCanvasID(t *testing.T) {
	svc, _, _ := newHarness(t, "http://unused")
	_, err := svc.Execute(context.Background(), ExecuteContext{UID: "u1", APIKey: "k"}, ExecuteParams{Code: "x"}, 5)
	if err == nil {
		t.Fatal("expected an error for missing canvasId")
	}
}

func TestExecuteCarriesCodeLevelErrorAsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/sandboxes":
			json.NewEncoder(w).Encode(map[string]any{"sandboxId": "sbx-2"})
		case r.URL.Path == "/sandboxes/sbx-2/run":
			w.Write([]byte(`{"exitCode":1,"stdout":"","stderr":"boom","error":"traceback: boom"}` + "\n"))
		}
	}))
	defer srv.Close()

	svc, proc, _ := newHarness(t, srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go proc.Run(ctx)

	resp, err := svc.Execute(ctx, ExecuteContext{UID: "u2", APIKey: "k", CanvasID: "c2", S3DrivePath: "/workspace"},
		ExecuteParams{Code: "raise", Language: "python"}, 5)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if resp.Status != "success" {
		t.Fatalf("a non-zero exit code is a code error, not a system error: got status %q", resp.Status)
	}
	if resp.ExitCode != 1 || resp.Error == nil {
		t.Fatalf("expected exitCode=1 and a carried error, got %+v", resp)
	}
}

func TestExecuteRejectsWhenQueueOverloaded(t *testing.T) {
	svc, _, _ := newHarness(t, "http://unused")
	svc.cfg.MaxQueueSize = 0
	// Fill the queue past a tiny cap without a processor draining it.
	svc.cfg.MaxQueueSize = 1
	if err := svc.execQueue.Enqueue(context.Background(), "occupied", 5, map[string]any{}); err != nil {
		t.Fatalf("seed queue: %v", err)
	}
	_, err := svc.Execute(context.Background(), ExecuteContext{UID: "u3", APIKey: "k", CanvasID: "c3"}, ExecuteParams{Code: "x"}, 5)
	if err != ErrQueueOverloaded {
		t.Fatalf("expected ErrQueueOverloaded, got %v", err)
	}
}
