package athanor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies failures surfaced at the engine boundary. Kinds are
// stable strings: they appear verbatim in stream error events and in audit
// rows.
type ErrorKind string

const (
	KindUnauthenticated      ErrorKind = "Unauthenticated"
	KindTierForbidden        ErrorKind = "TierForbidden"
	KindOverQuota            ErrorKind = "OverQuota"
	KindRateLimited          ErrorKind = "RateLimited"
	KindProviderTransient    ErrorKind = "ProviderTransient"
	KindProviderPermanent    ErrorKind = "ProviderPermanent"
	KindMalformedToolCall    ErrorKind = "MalformedToolCall"
	KindUnknownTool          ErrorKind = "UnknownTool"
	KindValidationError      ErrorKind = "ValidationError"
	KindToolRuntimeError     ErrorKind = "ToolRuntimeError"
	KindTimeout              ErrorKind = "Timeout"
	KindToolCancelled        ErrorKind = "ToolCancelled"
	KindUserRejected         ErrorKind = "UserRejected"
	KindApprovalTimeout      ErrorKind = "ApprovalTimeout"
	KindBackpressureRejected ErrorKind = "BackpressureRejected"
	KindLoopBoundExceeded    ErrorKind = "LoopBoundExceeded"
	KindCancelled            ErrorKind = "Cancelled"
	KindInternal             ErrorKind = "Internal"
)

// Error is the typed failure carried across the engine. Match with errors.As.
type Error struct {
	Kind    ErrorKind
	Message string

	// CallID is set for tool-scoped kinds.
	CallID string
	// Resource is set for TierForbidden: the model, tool, or feature denied.
	Resource string
	// Counter and ResetAt are set for OverQuota.
	Counter string
	ResetAt int64

	Err error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a plain kinded error.
func E(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// ToolErr builds a tool-scoped error for the given call id.
func ToolErr(kind ErrorKind, callID, format string, args ...any) *Error {
	return &Error{Kind: kind, CallID: callID, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the kind from any error. Context cancellation maps to
// Cancelled and deadline expiry to Timeout; everything untyped is Internal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindInternal
}

// Retryable reports whether the orchestrator may retry the failed model call.
func Retryable(err error) bool {
	return KindOf(err) == KindProviderTransient
}

// HTTPStatus maps an error to the status code for a pre-flight rejection.
// Errors that occur after streaming began never reach this path; they are
// framed as in-stream error events instead.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case "":
		return http.StatusOK
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindOverQuota:
		return http.StatusPaymentRequired
	case KindTierForbidden:
		return http.StatusForbidden
	case KindRateLimited, KindBackpressureRejected:
		return http.StatusTooManyRequests
	case KindValidationError, KindUnknownTool, KindMalformedToolCall:
		return http.StatusBadRequest
	case KindProviderTransient, KindProviderPermanent:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage renders the client-safe description of err. Internal detail
// is never exposed verbatim.
func PublicMessage(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return "internal error"
	}
	switch e.Kind {
	case KindOverQuota:
		return fmt.Sprintf("quota exceeded for %q, resets at %d", e.Counter, e.ResetAt)
	case KindTierForbidden:
		return fmt.Sprintf("tier does not allow %q", e.Resource)
	case KindInternal:
		return "internal error"
	default:
		return e.Message
	}
}
