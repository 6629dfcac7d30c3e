// Package errorsx implements the domain error taxonomy from the
// error-handling design: failures are classified by domain (not by
// transport), and the classification carries the HTTP status and the
// failure reason persisted onto ScheduleRecord/ApiCallRecord rows.
package errorsx

import (
	"errors"
	"fmt"
	"regexp"
)

// Code identifies a domain failure class, independent of transport.
type Code string

const (
	CodeRequestParams Code = "request_params"
	CodeAuthZ         Code = "authz"
	CodeNotFound      Code = "not_found"
	CodeQuota         Code = "schedule_limit_exceeded"
	CodeCredits       Code = "insufficient_credits"
	CodeRateLimit     Code = "rate_limited"
	CodeDebounce      Code = "duplicate_request"
	CodeCron          Code = "invalid_cron_expression"
	CodeSandboxLife     Code = "sandbox_lifecycle_failed"
	CodeSandboxExec     Code = "sandbox_execution_failed"
	CodeSandboxLanguage Code = "sandbox_language_not_supported"
	CodeSandboxMount    Code = "sandbox_mount_failed"
	CodeSandboxCreate   Code = "sandbox_creation_failed"
	CodeSandboxConnect  Code = "sandbox_connection_failed"
	CodeQueueOverload   Code = "queue_overloaded"
	CodeInternal      Code = "internal"
)

// HTTPStatus maps a Code to the wire status the error-handling design
// specifies in §7/§6.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeRequestParams:
		return 400
	case CodeAuthZ:
		return 401
	case CodeNotFound:
		return 404
	case CodeQuota, CodeCredits:
		return 400
	case CodeRateLimit:
		return 429
	case CodeDebounce:
		return 409
	case CodeCron:
		return 400
	case CodeQueueOverload:
		return 503
	case CodeSandboxLanguage:
		return 400
	case CodeSandboxLife, CodeSandboxExec, CodeSandboxMount, CodeSandboxCreate, CodeSandboxConnect:
		return 500
	default:
		return 500
	}
}

// Error is the structured domain error: {statusCode, message, error}
// on the wire (§6).
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// As extracts an *Error from any error chain, mirroring errors.As.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// classifyPatterns maps regex patterns over exception messages to a
// Code, mirroring the teacher's resilience package's "classify by
// message" approach (resilience/errors.go groups by structured type;
// here, for errors raised from collaborators outside our control —
// the workflow engine, the provider SDK — we only have message text
// to go on, so classification is pattern-based per spec §7:
// "classifyScheduleError maps regex patterns on exception messages").
var classifyPatterns = []struct {
	pattern *regexp.Regexp
	code    Code
}{
	{regexp.MustCompile(`(?i)invalid cron|bad cron|cron expression`), CodeCron},
	{regexp.MustCompile(`(?i)schedule limit|quota exceeded`), CodeQuota},
	{regexp.MustCompile(`(?i)insufficient credit`), CodeCredits},
	{regexp.MustCompile(`(?i)rate limit`), CodeRateLimit},
	{regexp.MustCompile(`(?i)duplicate request|debounce`), CodeDebounce},
	{regexp.MustCompile(`(?i)queue.*overloaded|overloaded`), CodeQueueOverload},
	{regexp.MustCompile(`(?i)lock timeout|busy, please retry`), CodeSandboxLife},
	{regexp.MustCompile(`(?i)unsupported language|language not supported`), CodeSandboxLanguage},
	{regexp.MustCompile(`(?i)mount|fusermount|s3fs`), CodeSandboxMount},
	{regexp.MustCompile(`(?i)sandbox creation|failed to create sandbox`), CodeSandboxCreate},
	{regexp.MustCompile(`(?i)sandbox connection|failed to connect|reconnect`), CodeSandboxConnect},
	{regexp.MustCompile(`(?i)sandbox lifecycle`), CodeSandboxLife},
	{regexp.MustCompile(`(?i)execution failed|exit code`), CodeSandboxExec},
	{regexp.MustCompile(`(?i)not found`), CodeNotFound},
	{regexp.MustCompile(`(?i)unauthorized|invalid api key|missing.*key`), CodeAuthZ},
}

// Classify maps an arbitrary error's message onto a domain Code. Used
// by the cron scanner and the scalebox pipeline when a collaborator
// (workflow engine, provider SDK) returns a bare error.
func Classify(err error) Code {
	if err == nil {
		return ""
	}
	if de, ok := As(err); ok {
		return de.Code
	}
	msg := err.Error()
	for _, p := range classifyPatterns {
		if p.pattern.MatchString(msg) {
			return p.code
		}
	}
	return CodeInternal
}
