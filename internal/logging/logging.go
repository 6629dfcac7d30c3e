// Package logging sets up the process-wide structured logger: a
// log/slog.Logger backed by lmittmann/tint for human-readable local
// output, wrapped in a ContextHandler that injects a request/
// correlation id carried on context.Context — grounded on
// ErlanBelekov-dist-job-scheduler/internal/log/handler.go.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

type ctxKey string

const requestIDKey ctxKey = "request_id"

// WithRequestID returns a context carrying id for later log enrichment.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID extracts the request id previously attached with
// WithRequestID, if any.
func RequestID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(requestIDKey).(string)
	return id, ok
}

// ContextHandler wraps an slog.Handler and enriches every record with
// the request id (if present) pulled off the record's context.
type ContextHandler struct {
	slog.Handler
}

func (h ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if id, ok := RequestID(ctx); ok {
		r.AddAttrs(slog.String("request_id", id))
	}
	return h.Handler.Handle(ctx, r)
}

func (h ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return ContextHandler{h.Handler.WithAttrs(attrs)}
}

func (h ContextHandler) WithGroup(name string) slog.Handler {
	return ContextHandler{h.Handler.WithGroup(name)}
}

// Options controls New's output shape.
type Options struct {
	Level  slog.Level
	Pretty bool // tint color output for local/staging; JSON for production
	Writer io.Writer
}

// New builds the process logger. Pretty (tint) output is used outside
// production; production emits structured JSON so it can be shipped
// to a log aggregator.
func New(opts Options) *slog.Logger {
	w := opts.Writer
	if w == nil {
		w = os.Stdout
	}

	var base slog.Handler
	if opts.Pretty {
		base = tint.NewHandler(w, &tint.Options{
			Level:      opts.Level,
			TimeFormat: time.Kitchen,
		})
	} else {
		base = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: opts.Level})
	}

	return slog.New(ContextHandler{base})
}
