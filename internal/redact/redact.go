// Package redact scrubs sensitive fields out of inbound request
// headers/bodies before they are persisted onto an ApiCallRecord
// (§3, §7: "show 4-char prefix plus [REDACTED]").
package redact

import (
	"encoding/json"
	"regexp"
	"strings"
)

var sensitiveFieldPattern = regexp.MustCompile(`(?i)^(authorization|x-api-key|cookie|secret|token|password)$|(?i)key$`)

const mask = "[REDACTED]"

func maskValue(v string) string {
	if len(v) <= 4 {
		return mask
	}
	return v[:4] + mask
}

// Headers returns a copy of headers with sensitive values masked,
// keeping the first 4 characters as a debugging breadcrumb.
func Headers(h map[string][]string) map[string][]string {
	out := make(map[string][]string, len(h))
	for k, vs := range h {
		if sensitiveFieldPattern.MatchString(strings.TrimSpace(k)) {
			masked := make([]string, len(vs))
			for i, v := range vs {
				masked[i] = maskValue(v)
			}
			out[k] = masked
			continue
		}
		out[k] = vs
	}
	return out
}

// JSONBody walks an arbitrary JSON body and masks any object key that
// looks sensitive (secret, token, *key, password), recursing into
// nested objects and arrays. Returns the re-marshaled, redacted JSON.
func JSONBody(raw []byte) []byte {
	if len(raw) == 0 {
		return raw
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		// Not JSON (or not an object) — fall back to leaving it as-is;
		// callers only persist what we hand back.
		return raw
	}
	redacted := redactValue(v)
	out, err := json.Marshal(redacted)
	if err != nil {
		return raw
	}
	return out
}

func redactValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			if sensitiveFieldPattern.MatchString(k) {
				if s, ok := val.(string); ok {
					out[k] = maskValue(s)
					continue
				}
				out[k] = mask
				continue
			}
			out[k] = redactValue(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = redactValue(e)
		}
		return out
	default:
		return v
	}
}
