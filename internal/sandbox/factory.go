package sandbox

import (
	"context"
	"log/slog"
)

// Factory builds a fresh ISandboxWrapper for a template, per the
// configured wrapper variant.
type Factory struct {
	Type              WrapperType
	ExecutorCfg       ExecutorConfig
	InterpreterCfg    InterpreterConfig
	LifecycleMaxRetry int
	Log               *slog.Logger
}

func (f *Factory) New() ISandboxWrapper {
	if f.Type == WrapperInterpreter {
		return NewInterpreter(f.InterpreterCfg)
	}
	return NewExecutor(f.ExecutorCfg)
}

// CreateWithRetry provisions a new sandbox, retrying transient
// failures up to LifecycleMaxRetry attempts (§4.7).
func (f *Factory) CreateWithRetry(ctx context.Context, w ISandboxWrapper) error {
	return withLifecycleRetry(ctx, f.LifecycleMaxRetry, func(attempt int, err error) {
		f.Log.Warn("sandbox create attempt failed", "attempt", attempt, "err", err)
	}, w.Create)
}

// ReconnectWithRetry re-attaches to a previously idle sandbox, retrying
// transient failures up to LifecycleMaxRetry attempts.
func (f *Factory) ReconnectWithRetry(ctx context.Context, w ISandboxWrapper) error {
	return withLifecycleRetry(ctx, f.LifecycleMaxRetry, func(attempt int, err error) {
		f.Log.Warn("sandbox reconnect attempt failed", "attempt", attempt, "err", err)
	}, w.Reconnect)
}
