package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// InterpreterConfig configures an Interpreter wrapper instance.
type InterpreterConfig struct {
	BaseURL      string
	TemplateName string
	APIKey       string
	S3Bucket     string
	S3MountPath  string
	HTTPTimeout  time.Duration
}

// Interpreter is the hosted-template ISandboxWrapper fallback variant:
// it mounts the run's working directory via s3fs before executing, and
// diffs the directory before/after the call to populate DiffAdded,
// since the hosted runtime has no native "files this run created"
// concept the way the custom executor template does (§4.7/§9).
type Interpreter struct {
	cfg       InterpreterConfig
	client    *http.Client
	sandboxID string
}

func NewInterpreter(cfg InterpreterConfig) *Interpreter {
	return &Interpreter{cfg: cfg, client: &http.Client{Timeout: cfg.HTTPTimeout}}
}

func (ip *Interpreter) SandboxID() string { return ip.sandboxID }

// SetSandboxID binds this wrapper to a previously provisioned
// sandbox, for the reconnect-to-idle-sandbox path where no Create
// call occurs.
func (ip *Interpreter) SetSandboxID(id string) { ip.sandboxID = id }

func (ip *Interpreter) Create(ctx context.Context) error {
	out, err := ip.call(ctx, "POST", "/interpreters", map[string]any{"template": ip.cfg.TemplateName})
	if err != nil {
		return ErrCreation(err)
	}
	sid, _ := out["sandboxId"].(string)
	if sid == "" {
		return ErrCreation(fmt.Errorf("provider returned empty sandboxId"))
	}
	ip.sandboxID = sid
	return nil
}

func (ip *Interpreter) Reconnect(ctx context.Context) error {
	if ip.sandboxID == "" {
		return ErrConnection(fmt.Errorf("reconnect called without a sandboxId"))
	}
	if _, err := ip.call(ctx, "GET", "/interpreters/"+ip.sandboxID, nil); err != nil {
		return ErrConnection(err)
	}
	return nil
}

func (ip *Interpreter) HealthCheck(ctx context.Context) error {
	_, err := ip.call(ctx, "GET", "/interpreters/"+ip.sandboxID+"/ping", nil)
	if err != nil {
		return ErrConnection(err)
	}
	return nil
}

// ExecuteCode mounts the s3fs-backed working directory, runs the code
// via the hosted runCode call, then unmounts on every path — mirroring
// a defer-guarded `fusermount -u -z` — before diffing cwd contents to
// populate DiffAdded.
func (ip *Interpreter) ExecuteCode(ctx context.Context, params ExecuteParams) (*ExecuteOutput, error) {
	if err := ip.mount(ctx, params.Cwd); err != nil {
		return nil, ErrMount(err)
	}
	defer func() {
		_ = ip.unmount(context.Background(), params.Cwd)
	}()

	before, err := ip.listDir(ctx, params.Cwd)
	if err != nil {
		return nil, ErrMount(err)
	}

	out, err := ip.call(ctx, "POST", "/interpreters/"+ip.sandboxID+"/run", map[string]any{
		"code":     params.Code,
		"language": params.Language,
		"cwd":      params.Cwd,
	})
	if err != nil {
		return nil, ErrExecutionFailed(err)
	}

	after, err := ip.listDir(ctx, params.Cwd)
	if err != nil {
		// Execution already happened; the diff is best-effort only.
		after = before
	}

	result := &ExecuteOutput{Added: diffAdded(before, after)}
	if code, ok := out["exitCode"].(float64); ok {
		result.ExitCode = int(code)
	}
	result.Stdout, _ = out["stdout"].(string)
	result.Stderr, _ = out["stderr"].(string)
	result.Error, _ = out["error"].(string)
	return result, nil
}

func (ip *Interpreter) Pause(ctx context.Context) error {
	if _, err := ip.call(ctx, "POST", "/interpreters/"+ip.sandboxID+"/betaPause", nil); err != nil {
		return ErrLifecycle(err)
	}
	return nil
}

func (ip *Interpreter) Kill(ctx context.Context) error {
	if _, err := ip.call(ctx, "DELETE", "/interpreters/"+ip.sandboxID, nil); err != nil {
		return ErrLifecycle(err)
	}
	return nil
}

func (ip *Interpreter) mount(ctx context.Context, cwd string) error {
	_, err := ip.call(ctx, "POST", "/interpreters/"+ip.sandboxID+"/mount", map[string]any{
		"bucket": ip.cfg.S3Bucket,
		"path":   ip.cfg.S3MountPath,
		"cwd":    cwd,
	})
	return err
}

func (ip *Interpreter) unmount(ctx context.Context, cwd string) error {
	_, err := ip.call(ctx, "POST", "/interpreters/"+ip.sandboxID+"/unmount", map[string]any{
		"cwd": cwd,
	})
	return err
}

func (ip *Interpreter) listDir(ctx context.Context, cwd string) (map[string]bool, error) {
	out, err := ip.call(ctx, "GET", "/interpreters/"+ip.sandboxID+"/ls?cwd="+cwd, nil)
	if err != nil {
		return nil, err
	}
	set := map[string]bool{}
	if entries, ok := out["entries"].([]any); ok {
		for _, e := range entries {
			if s, ok := e.(string); ok {
				set[s] = true
			}
		}
	}
	return set, nil
}

func diffAdded(before, after map[string]bool) DiffAdded {
	var added DiffAdded
	for f := range after {
		if !before[f] {
			added = append(added, f)
		}
	}
	return added
}

func (ip *Interpreter) call(ctx context.Context, method, path string, body map[string]any) (map[string]any, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, ip.cfg.BaseURL+path, &buf)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if ip.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+ip.cfg.APIKey)
	}
	resp, err := ip.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("contact interpreter: %w", err)
	}
	defer resp.Body.Close()
	var respBuf bytes.Buffer
	if _, err := respBuf.ReadFrom(resp.Body); err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("interpreter returned status %d: %s", resp.StatusCode, respBuf.String())
	}
	var out map[string]any
	if respBuf.Len() > 0 {
		if err := json.Unmarshal(respBuf.Bytes(), &out); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
	}
	return out, nil
}
