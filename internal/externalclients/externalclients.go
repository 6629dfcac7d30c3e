// Package externalclients implements the small HTTP-boundary adapters
// the process needs to satisfy interfaces whose real implementations
// live in systems explicitly out of scope: the workflow execution
// engine, the canvas/template store, the API-key identity service, and
// object storage (spec §1 Non-goals). Each adapter is a thin JSON-over-
// HTTP client against a configurable base URL — the systems themselves
// are not modeled here, only the call shape the in-scope code depends
// on, grounded on the same context-first, json.NewDecoder response
// handling used throughout internal/sandbox's Executor/Interpreter
// HTTP clients.
package externalclients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/canvasflow/trigger-core/internal/execrecord"
	"github.com/canvasflow/trigger-core/internal/sandbox"
	"github.com/canvasflow/trigger-core/internal/scalebox"
	"github.com/canvasflow/trigger-core/internal/variables"
)

func doJSON(ctx context.Context, client *http.Client, method, url string, in, out any) error {
	var body *bytes.Buffer
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("externalclients: marshal request: %w", err)
		}
		body = bytes.NewBuffer(raw)
	} else {
		body = bytes.NewBuffer(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("externalclients: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("externalclients: call %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("externalclients: %s returned %d", url, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// WorkflowEngine calls the out-of-scope workflow execution engine
// (spec §1) to run a canvas with resolved variables. It implements
// execrecord.Engine; code-step execution is handled separately by
// sandboxpool/scalebox — this client is only the whole-canvas run path
// the Execution Record Projector drives.
type WorkflowEngine struct {
	BaseURL string
	Client  *http.Client
}

func NewWorkflowEngine(baseURL string) *WorkflowEngine {
	return &WorkflowEngine{BaseURL: baseURL, Client: &http.Client{Timeout: 5 * time.Minute}}
}

type executeEngineRequest struct {
	UID         string              `json:"uid"`
	CanvasData  string              `json:"canvasData"`
	Variables   map[string]any      `json:"variables"`
	ScheduleID  *string             `json:"scheduleId,omitempty"`
	RecordID    string              `json:"scheduleRecordId"`
	TriggerType string              `json:"triggerType"`
}

type executeEngineResponse struct {
	CanvasID            string `json:"canvasId"`
	WorkflowExecutionID string `json:"workflowExecutionId"`
}

func (w *WorkflowEngine) ExecuteFromCanvasData(ctx context.Context, uid, canvasData string, vars map[string]any, opts execrecord.EngineOptions) (execrecord.EngineResult, error) {
	var resp executeEngineResponse
	req := executeEngineRequest{
		UID:         uid,
		CanvasData:  canvasData,
		Variables:   vars,
		ScheduleID:  opts.ScheduleID,
		RecordID:    opts.ScheduleRecordID,
		TriggerType: string(opts.TriggerType),
	}
	if err := doJSON(ctx, w.Client, http.MethodPost, w.BaseURL+"/internal/workflows/execute", req, &resp); err != nil {
		return execrecord.EngineResult{}, err
	}
	return execrecord.EngineResult{CanvasID: resp.CanvasID, WorkflowExecutionID: resp.WorkflowExecutionID}, nil
}

// CanvasService reaches the out-of-scope canvas editor / template
// store (spec §1) for the three read shapes the trigger surfaces need:
// declared variables, raw canvas documents, and static file lookups.
type CanvasService struct {
	BaseURL string
	Client  *http.Client
}

func NewCanvasService(baseURL string) *CanvasService {
	return &CanvasService{BaseURL: baseURL, Client: &http.Client{Timeout: 10 * time.Second}}
}

func (c *CanvasService) DeclaredVariables(ctx context.Context, canvasID string) ([]variables.WorkflowVariable, error) {
	var out []variables.WorkflowVariable
	err := doJSON(ctx, c.Client, http.MethodGet, fmt.Sprintf("%s/internal/canvases/%s/variables", c.BaseURL, canvasID), nil, &out)
	return out, err
}

func (c *CanvasService) CanvasData(ctx context.Context, canvasID string) (string, error) {
	var out struct {
		Data string `json:"data"`
	}
	if err := doJSON(ctx, c.Client, http.MethodGet, fmt.Sprintf("%s/internal/canvases/%s", c.BaseURL, canvasID), nil, &out); err != nil {
		return "", err
	}
	return out.Data, nil
}

// LoadCanvasData implements scheduleworker.CanvasLoader, the same read
// as CanvasData under the name the schedule worker expects.
func (c *CanvasService) LoadCanvasData(ctx context.Context, canvasID string) (string, error) {
	return c.CanvasData(ctx, canvasID)
}

// ResolveByStorageKey implements variables.StaticFileLookup.
func (c *CanvasService) ResolveByStorageKey(ctx context.Context, storageKey string) (originalName, contentType string, ok bool) {
	var out struct {
		OriginalName string `json:"originalName"`
		ContentType  string `json:"contentType"`
	}
	if err := doJSON(ctx, c.Client, http.MethodGet, fmt.Sprintf("%s/internal/static-files/%s", c.BaseURL, storageKey), nil, &out); err != nil {
		return "", "", false
	}
	if out.OriginalName == "" {
		return "", "", false
	}
	return out.OriginalName, out.ContentType, true
}

// APIKeyService resolves the out-of-scope identity/API-key system
// (spec §1: "Auth (API-key validation)... external collaborator").
type APIKeyService struct {
	BaseURL string
	Client  *http.Client
}

func NewAPIKeyService(baseURL string) *APIKeyService {
	return &APIKeyService{BaseURL: baseURL, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (a *APIKeyService) ResolveAPIKey(rawKey string) (string, bool) {
	var out struct {
		UID string `json:"uid"`
		OK  bool   `json:"ok"`
	}
	req := struct {
		Key string `json:"key"`
	}{Key: rawKey}
	if err := doJSON(context.Background(), a.Client, http.MethodPost, a.BaseURL+"/internal/api-keys/resolve", req, &out); err != nil {
		return "", false
	}
	return out.UID, out.OK
}

// DriveStorage reaches the out-of-scope object storage system (spec
// §1) to register files a sandbox code step created.
type DriveStorage struct {
	BaseURL string
	Client  *http.Client
}

func NewDriveStorage(baseURL string) *DriveStorage {
	return &DriveStorage{BaseURL: baseURL, Client: &http.Client{Timeout: 30 * time.Second}}
}

func (d *DriveStorage) BatchCreate(ctx context.Context, ectx scalebox.ExecuteContext, added sandbox.DiffAdded) ([]scalebox.FileRef, error) {
	var out []scalebox.FileRef
	req := struct {
		Context scalebox.ExecuteContext `json:"context"`
		Added   sandbox.DiffAdded       `json:"added"`
	}{Context: ectx, Added: added}
	err := doJSON(ctx, d.Client, http.MethodPost, d.BaseURL+"/internal/files/batch-create", req, &out)
	return out, err
}
