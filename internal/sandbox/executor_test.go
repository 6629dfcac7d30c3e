package sandbox

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newFakeProvider(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestExecutorCreateAndExecute(t *testing.T) {
	srv := newFakeProvider(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == "POST" && r.URL.Path == "/sandboxes":
			json.NewEncoder(w).Encode(map[string]any{"sandboxId": "sbx-1"})
		case r.Method == "POST" && r.URL.Path == "/sandboxes/sbx-1/run":
			w.Write([]byte("booting up...\n{\"exitCode\":0,\"stdout\":\"hello\\n\"}\n"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	e := NewExecutor(ExecutorConfig{BaseURL: srv.URL, TemplateName: "refly-slim", CodeSizeThreshold: 4096, HTTPTimeout: 5 * time.Second})
	if err := e.Create(context.Background()); err != nil {
		t.Fatalf("create: %v", err)
	}
	if e.SandboxID() != "sbx-1" {
		t.Fatalf("unexpected sandbox id: %s", e.SandboxID())
	}

	out, err := e.ExecuteCode(context.Background(), ExecuteParams{Code: "print('hi')", Language: "python"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.ExitCode != 0 || out.Stdout != "hello\n" {
		t.Fatalf("unexpected output: %+v", out)
	}
	if out.Log != "booting up..." {
		t.Fatalf("expected preceding log lines captured, got %q", out.Log)
	}
}

func TestExecutorCreateFailsOnProviderError(t *testing.T) {
	srv := newFakeProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	})
	e := NewExecutor(ExecutorConfig{BaseURL: srv.URL, HTTPTimeout: 5 * time.Second})
	if err := e.Create(context.Background()); err == nil {
		t.Fatal("expected create to fail")
	}
}

func TestExecutorPathModeAboveSizeThreshold(t *testing.T) {
	var sawFilesCall, sawCodePath bool
	srv := newFakeProvider(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/sandboxes":
			json.NewEncoder(w).Encode(map[string]any{"sandboxId": "sbx-2"})
		case r.URL.Path == "/sandboxes/sbx-2/files":
			sawFilesCall = true
			json.NewEncoder(w).Encode(map[string]any{"path": "/tmp/run_payload"})
		case r.URL.Path == "/sandboxes/sbx-2/run":
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)
			if _, ok := body["codePath"]; ok {
				sawCodePath = true
			}
			w.Write([]byte("{\"exitCode\":0}\n"))
		}
	})
	e := NewExecutor(ExecutorConfig{BaseURL: srv.URL, CodeSizeThreshold: 4, HTTPTimeout: 5 * time.Second})
	if err := e.Create(context.Background()); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := e.ExecuteCode(context.Background(), ExecuteParams{Code: "this is long code", Language: "python"}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !sawFilesCall || !sawCodePath {
		t.Fatal("expected code above threshold to be transferred by path, not inline base64")
	}
}

func TestInterpreterDiffAdded(t *testing.T) {
	listCalls := 0
	srv := newFakeProvider(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/interpreters":
			json.NewEncoder(w).Encode(map[string]any{"sandboxId": "ip-1"})
		case r.URL.Path == "/interpreters/ip-1/mount", r.URL.Path == "/interpreters/ip-1/unmount":
			json.NewEncoder(w).Encode(map[string]any{})
		case r.Method == "GET" && r.URL.Path == "/interpreters/ip-1/ls":
			listCalls++
			if listCalls == 1 {
				json.NewEncoder(w).Encode(map[string]any{"entries": []any{"a.txt"}})
			} else {
				json.NewEncoder(w).Encode(map[string]any{"entries": []any{"a.txt", "b.txt"}})
			}
		case r.URL.Path == "/interpreters/ip-1/run":
			json.NewEncoder(w).Encode(map[string]any{"exitCode": float64(0), "stdout": "ok"})
		}
	})
	ip := NewInterpreter(InterpreterConfig{BaseURL: srv.URL, S3Bucket: "bucket", S3MountPath: "/mnt", HTTPTimeout: 5 * time.Second})
	if err := ip.Create(context.Background()); err != nil {
		t.Fatalf("create: %v", err)
	}
	out, err := ip.ExecuteCode(context.Background(), ExecuteParams{Code: "print(1)", Language: "python", Cwd: "/workspace"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(out.Added) != 1 || out.Added[0] != "b.txt" {
		t.Fatalf("expected diff to report b.txt added, got %v", out.Added)
	}
}
