// Package apicall persists the immutable, redacted audit trail (C8)
// for every inbound trigger HTTP call, per §3/§7.
package apicall

import (
	"context"
	"time"

	"github.com/canvasflow/trigger-core/internal/ids"
	"github.com/canvasflow/trigger-core/internal/redact"
	"github.com/canvasflow/trigger-core/internal/store"
)

// Recorder is the durable-store dependency this package needs.
type Recorder interface {
	CreateApiCallRecord(ctx context.Context, r *store.ApiCallRecord) error
}

// Record captures one inbound call. Headers and Body are redacted
// before being handed to the store so secrets never reach disk in
// the clear.
func Record(ctx context.Context, store_ Recorder, uid string, source store.TriggerType, path, method string, headers map[string][]string, body []byte, statusCode int, responseBody []byte) error {
	rec := &store.ApiCallRecord{
		RecordID:     ids.NewAPICallRecordID(),
		UID:          uid,
		Source:       source,
		Path:         path,
		Method:       method,
		StatusCode:   statusCode,
		Headers:      redact.Headers(headers),
		Body:         redact.JSONBody(body),
		ResponseBody: responseBody,
		CreatedAt:    time.Now(),
	}
	return store_.CreateApiCallRecord(ctx, rec)
}
