package variables

import (
	"context"
	"testing"
)

type fakeFiles struct{}

func (fakeFiles) ResolveByStorageKey(ctx context.Context, storageKey string) (string, string, bool) {
	return "photo.png", "image/png", true
}

func TestNormalizeStringifiesPlainValues(t *testing.T) {
	declared := []WorkflowVariable{{Name: "greeting", VariableID: "v1", VariableType: "string"}}
	out := Normalize(context.Background(), map[string]any{"greeting": "hello"}, declared, nil)
	if len(out) != 1 || out[0].Value[0].Value != "hello" {
		t.Fatalf("unexpected output: %+v", out)
	}
	if out[0].VariableID != "v1" {
		t.Fatal("existing declaration should keep its variableId")
	}
}

func TestNormalizeDropsUnnamedRuntimeEntries(t *testing.T) {
	declared := []WorkflowVariable{{Name: "known", VariableID: "v1"}}
	out := Normalize(context.Background(), map[string]any{"unknown": "x"}, declared, nil)
	if len(out) != 1 {
		t.Fatalf("expected declared-only output, got %+v", out)
	}
}

func TestNormalizeResolvesStaticFileResource(t *testing.T) {
	declared := []WorkflowVariable{{Name: "upload", VariableID: "v2"}}
	out := Normalize(context.Background(), map[string]any{"upload": "openapi/u1/of_abc123"}, declared, fakeFiles{})
	if out[0].Value[0].Type != "resource" {
		t.Fatalf("expected resource type, got %+v", out[0].Value[0])
	}
}

func TestNormalizeTypedObjectPassthrough(t *testing.T) {
	declared := []WorkflowVariable{{Name: "typed", VariableID: "v3"}}
	raw := map[string]any{"type": "number", "value": float64(42)}
	out := Normalize(context.Background(), map[string]any{"typed": raw}, declared, nil)
	if out[0].Value[0].Type != "number" || out[0].Value[0].Value != float64(42) {
		t.Fatalf("unexpected: %+v", out[0].Value[0])
	}
}
