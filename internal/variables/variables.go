// Package variables implements the Variable Normalizer (C4, §4.4): a
// pure function merging a trigger payload's runtime variable map with
// the canvas's declared WorkflowVariable[], resolving StaticFile
// references and coercing everything else into the canvas's expected
// shape.
package variables

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// VariableValue is a single typed value a canvas variable can hold.
type VariableValue struct {
	Type  string `json:"type"`
	Value any    `json:"value,omitempty"`
}

// WorkflowVariable is one canvas-declared variable slot, merged with
// whatever the runtime payload supplied for it.
type WorkflowVariable struct {
	Name         string          `json:"name"`
	VariableID   string          `json:"variableId"`
	VariableType string          `json:"variableType"`
	Value        []VariableValue `json:"value"`
}

// StaticFileLookup resolves a storage-key-shaped value to its
// StaticFile row so name/fileType can be filled in.
type StaticFileLookup interface {
	ResolveByStorageKey(ctx context.Context, storageKey string) (originalName, contentType string, ok bool)
}

var storageKeyPattern = regexp.MustCompile(`^openapi/[^/]+/of_[A-Za-z0-9_-]+$`)

// Normalize merges runtime variable values into the canvas's declared
// variables, per §4.4's per-entry resolution rules, returning the
// merged, canvas-ordered WorkflowVariable[].
func Normalize(ctx context.Context, runtime map[string]any, declared []WorkflowVariable, files StaticFileLookup) []WorkflowVariable {
	byName := make(map[string]int, len(declared))
	out := make([]WorkflowVariable, len(declared))
	copy(out, declared)
	for i, d := range declared {
		byName[d.Name] = i
	}

	for name, raw := range runtime {
		idx, known := byName[name]
		if !known {
			// Unnamed runtime entries (no matching canvas declaration)
			// are dropped per §4.4.
			continue
		}
		values := resolveValue(ctx, raw, files)
		// Existing declaration wins on variableId/variableType; runtime
		// wins on value.
		out[idx].Value = values
	}
	return out
}

func resolveValue(ctx context.Context, raw any, files StaticFileLookup) []VariableValue {
	switch v := raw.(type) {
	case string:
		if storageKeyPattern.MatchString(v) {
			if vv, ok := resourceValue(ctx, v, files); ok {
				return []VariableValue{vv}
			}
		}
		return []VariableValue{{Type: "string", Value: v}}
	case []any:
		if allStorageKeys(v) {
			var out []VariableValue
			for _, e := range v {
				if s, ok := e.(string); ok {
					if vv, ok := resourceValue(ctx, s, files); ok {
						out = append(out, vv)
					}
				}
			}
			if len(out) > 0 {
				return out
			}
		}
		if allObjectsWithType(v) {
			var out []VariableValue
			for _, e := range v {
				out = append(out, asVariableValue(e))
			}
			return out
		}
		return []VariableValue{{Type: "string", Value: stringify(v)}}
	case map[string]any:
		if _, hasType := v["type"]; hasType {
			return []VariableValue{asVariableValue(v)}
		}
		return []VariableValue{{Type: "string", Value: stringify(v)}}
	case nil:
		return []VariableValue{{Type: "string", Value: ""}}
	default:
		return []VariableValue{{Type: "string", Value: stringify(v)}}
	}
}

func allStorageKeys(arr []any) bool {
	if len(arr) == 0 {
		return false
	}
	for _, e := range arr {
		s, ok := e.(string)
		if !ok || !storageKeyPattern.MatchString(s) {
			return false
		}
	}
	return true
}

func allObjectsWithType(arr []any) bool {
	if len(arr) == 0 {
		return false
	}
	for _, e := range arr {
		m, ok := e.(map[string]any)
		if !ok {
			return false
		}
		if _, hasType := m["type"]; !hasType {
			return false
		}
	}
	return true
}

func asVariableValue(e any) VariableValue {
	m, ok := e.(map[string]any)
	if !ok {
		return VariableValue{Type: "string", Value: stringify(e)}
	}
	t, _ := m["type"].(string)
	return VariableValue{Type: t, Value: m["value"]}
}

func resourceValue(ctx context.Context, storageKey string, files StaticFileLookup) (VariableValue, bool) {
	if files == nil {
		return VariableValue{}, false
	}
	name, contentType, ok := files.ResolveByStorageKey(ctx, storageKey)
	if !ok {
		return VariableValue{}, false
	}
	return VariableValue{
		Type: "resource",
		Value: map[string]any{
			"name":     name,
			"fileType": fileTypeFor(contentType),
			"storageKey": storageKey,
		},
	}, true
}

func fileTypeFor(contentType string) string {
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return "image"
	case strings.HasPrefix(contentType, "video/"):
		return "video"
	case strings.HasPrefix(contentType, "audio/"):
		return "audio"
	default:
		return "document"
	}
}

// stringify mirrors §4.4's "else stringify" fallback: objects via
// JSON, primitives via fmt-style string conversion, null → "".
func stringify(v any) string {
	if v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case map[string]any, []any:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	default:
		return fmt.Sprintf("%v", t)
	}
}
