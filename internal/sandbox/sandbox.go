// Package sandbox defines ISandboxWrapper and the two provider-backed
// implementations described in §4.7/§9: an Executor wrapper (custom
// template, stdin-streamed JSON, preferred) and an Interpreter wrapper
// (hosted template, s3fs mount, fallback). Per §9's "dynamic dispatch
// over sandbox provider variants" design note, the two do not share an
// implementation — only the interface and the lifecycle-retry/error-
// translation helpers below.
package sandbox

import (
	"context"
	"time"
)

// ExecuteParams is the code-execution request handed to a wrapper.
type ExecuteParams struct {
	Code     string
	Language string
	Cwd      string
	Timeout  time.Duration
}

// DiffAdded is the list of files a code execution created, relative
// to cwd, that the drive service will persist.
type DiffAdded []string

// ExecuteOutput is a wrapper's raw execution result before the
// scalebox pipeline's post-processing (truncation, response shaping).
type ExecuteOutput struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Error    string
	Log      string
	Added    DiffAdded
}

// ISandboxWrapper is implemented by both the Executor and Interpreter
// variants (§9).
type ISandboxWrapper interface {
	SandboxID() string
	// Create provisions (or the first reconnect provisions) the
	// underlying remote sandbox.
	Create(ctx context.Context) error
	// Reconnect re-attaches to an existing remote sandbox by id,
	// used when the pool hands back a previously idle sandbox.
	Reconnect(ctx context.Context) error
	// HealthCheck verifies the sandbox is actually responsive.
	HealthCheck(ctx context.Context) error
	// ExecuteCode runs code inside the sandbox and returns its raw
	// output (§4.7).
	ExecuteCode(ctx context.Context, params ExecuteParams) (*ExecuteOutput, error)
	// Pause suspends the sandbox (betaPause in provider terms).
	Pause(ctx context.Context) error
	// Kill terminates the sandbox permanently.
	Kill(ctx context.Context) error
}

// WrapperType selects which ISandboxWrapper variant the factory
// builds, per the configured `wrapperType` (§6).
type WrapperType string

const (
	WrapperExecutor    WrapperType = "executor"
	WrapperInterpreter WrapperType = "interpreter"
)

// LifecycleLogger is a minimal logging surface, satisfied by
// *slog.Logger. withLifecycleRetry does not take one; it reports each
// failed attempt through its onFailed callback.
type LifecycleLogger interface {
	Warn(msg string, args ...any)
}
