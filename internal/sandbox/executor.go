package sandbox

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ExecutorConfig configures an Executor wrapper instance.
type ExecutorConfig struct {
	BaseURL           string
	TemplateName      string
	APIKey            string
	CodeSizeThreshold int // bytes; above this, code is transferred by path rather than inline base64
	HTTPTimeout       time.Duration
}

// Executor is the custom-template ISandboxWrapper variant: it talks to
// a refly-executor-slim process over HTTP, streaming the run request
// as a single JSON document on stdin-equivalent (the request body) and
// parsing the last line of the process's stdout as the structured
// result, mirroring the provider's own wire contract (§4.7/§9).
type Executor struct {
	cfg        ExecutorConfig
	client     *http.Client
	sandboxID  string
	provisioned bool
}

func NewExecutor(cfg ExecutorConfig) *Executor {
	return &Executor{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.HTTPTimeout},
	}
}

func (e *Executor) SandboxID() string { return e.sandboxID }

// SetSandboxID binds this wrapper to a previously provisioned
// sandbox, for the reconnect-to-idle-sandbox path where no Create
// call occurs.
func (e *Executor) SetSandboxID(id string) { e.sandboxID = id }

func (e *Executor) Create(ctx context.Context) error {
	id, err := e.call(ctx, "POST", "/sandboxes", map[string]any{"template": e.cfg.TemplateName})
	if err != nil {
		return ErrCreation(err)
	}
	sid, _ := id["sandboxId"].(string)
	if sid == "" {
		return ErrCreation(fmt.Errorf("provider returned empty sandboxId"))
	}
	e.sandboxID = sid
	e.provisioned = true
	return nil
}

func (e *Executor) Reconnect(ctx context.Context) error {
	if e.sandboxID == "" {
		return ErrConnection(fmt.Errorf("reconnect called without a sandboxId"))
	}
	if _, err := e.call(ctx, "GET", "/sandboxes/"+e.sandboxID, nil); err != nil {
		return ErrConnection(err)
	}
	e.provisioned = true
	return nil
}

// HealthCheck shells out to `refly-executor-slim --version` inside the
// sandbox via the provider's exec endpoint — the same probe the
// wrapper uses before handing a reused sandbox back to a caller.
func (e *Executor) HealthCheck(ctx context.Context) error {
	out, err := e.call(ctx, "POST", "/sandboxes/"+e.sandboxID+"/exec", map[string]any{
		"cmd": []string{"refly-executor-slim", "--version"},
	})
	if err != nil {
		return ErrConnection(err)
	}
	if code, _ := out["exitCode"].(float64); code != 0 {
		return ErrConnection(fmt.Errorf("health check exited %v", out["exitCode"]))
	}
	return nil
}

func (e *Executor) ExecuteCode(ctx context.Context, params ExecuteParams) (*ExecuteOutput, error) {
	req := map[string]any{
		"language": params.Language,
		"cwd":      params.Cwd,
	}
	if len(params.Code) > e.cfg.CodeSizeThreshold {
		path, err := e.writeCodeToPath(ctx, params.Code)
		if err != nil {
			return nil, ErrExecutionFailed(err)
		}
		req["codePath"] = path
	} else {
		req["codeBase64"] = base64.StdEncoding.EncodeToString([]byte(params.Code))
	}

	raw, err := e.callRaw(ctx, "POST", "/sandboxes/"+e.sandboxID+"/run", req)
	if err != nil {
		return nil, ErrExecutionFailed(err)
	}
	return parseLastLineResult(raw)
}

func (e *Executor) Pause(ctx context.Context) error {
	_, err := e.call(ctx, "POST", "/sandboxes/"+e.sandboxID+"/betaPause", nil)
	if err != nil {
		return ErrLifecycle(err)
	}
	return nil
}

func (e *Executor) Kill(ctx context.Context) error {
	_, err := e.call(ctx, "DELETE", "/sandboxes/"+e.sandboxID, nil)
	if err != nil {
		return ErrLifecycle(err)
	}
	return nil
}

func (e *Executor) writeCodeToPath(ctx context.Context, code string) (string, error) {
	out, err := e.call(ctx, "POST", "/sandboxes/"+e.sandboxID+"/files", map[string]any{
		"path":    "/tmp/run_payload",
		"content": base64.StdEncoding.EncodeToString([]byte(code)),
	})
	if err != nil {
		return "", err
	}
	path, _ := out["path"].(string)
	if path == "" {
		path = "/tmp/run_payload"
	}
	return path, nil
}

// wireResult is the executor binary's last-line JSON shape,
// `{exitCode, stdout, stderr, error, log, diff.added}` (§4.7).
type wireResult struct {
	ExitCode int    `json:"exitCode"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	Error    string `json:"error"`
	Log      string `json:"log"`
	Diff     struct {
		Added DiffAdded `json:"added"`
	} `json:"diff"`
}

// parseLastLineResult mirrors the provider's stdout convention: the
// process may emit arbitrary log lines, but the final line is always
// a single JSON document carrying the structured result.
func parseLastLineResult(raw []byte) (*ExecuteOutput, error) {
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	var lastLine string
	var logLines []string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		if lastLine != "" {
			logLines = append(logLines, lastLine)
		}
		lastLine = line
	}
	if lastLine == "" {
		return nil, fmt.Errorf("executor produced no output")
	}
	var wire wireResult
	if err := json.Unmarshal([]byte(lastLine), &wire); err != nil {
		return nil, fmt.Errorf("parse last-line result: %w", err)
	}
	out := &ExecuteOutput{
		ExitCode: wire.ExitCode,
		Stdout:   wire.Stdout,
		Stderr:   wire.Stderr,
		Error:    wire.Error,
		Added:    wire.Diff.Added,
	}
	if wire.Log != "" {
		logLines = append(logLines, wire.Log)
	}
	out.Log = strings.Join(logLines, "\n")
	return out, nil
}

func (e *Executor) call(ctx context.Context, method, path string, body map[string]any) (map[string]any, error) {
	raw, err := e.callRaw(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
	}
	return out, nil
}

func (e *Executor) callRaw(ctx context.Context, method, path string, body map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, e.cfg.BaseURL+path, &buf)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("contact executor: %w", err)
	}
	defer resp.Body.Close()
	var respBuf bytes.Buffer
	if _, err := respBuf.ReadFrom(resp.Body); err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("executor returned status %d: %s", resp.StatusCode, respBuf.String())
	}
	return respBuf.Bytes(), nil
}
