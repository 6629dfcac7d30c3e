package sandbox

import "github.com/canvasflow/trigger-core/internal/errorsx"

// The sandbox exception family of §4.7's "Error surface" paragraph,
// expressed as constructors over the shared domain taxonomy so every
// caller downstream (scalebox, execrecord) classifies them the same
// way an engine error or a queue error would be classified.

func ErrExecutionFailed(cause error) *errorsx.Error {
	return errorsx.Wrap(errorsx.CodeSandboxExec, "sandbox execution failed", cause)
}

func ErrLanguageNotSupported(language string) *errorsx.Error {
	return errorsx.New(errorsx.CodeSandboxLanguage, "language not supported: "+language)
}

func ErrMount(cause error) *errorsx.Error {
	return errorsx.Wrap(errorsx.CodeSandboxMount, "sandbox mount failed", cause)
}

func ErrCreation(cause error) *errorsx.Error {
	return errorsx.Wrap(errorsx.CodeSandboxCreate, "sandbox creation failed", cause)
}

func ErrConnection(cause error) *errorsx.Error {
	return errorsx.Wrap(errorsx.CodeSandboxConnect, "sandbox connection failed", cause)
}

func ErrLifecycle(cause error) *errorsx.Error {
	return errorsx.Wrap(errorsx.CodeSandboxLife, "sandbox lifecycle failed", cause)
}
