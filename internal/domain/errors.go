package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the domain layer.
var (
	ErrProviderNotFound = fmt.Errorf("llm provider not found")
	ErrProviderError    = fmt.Errorf("provider error")
	ErrEmptyResponse    = fmt.Errorf("provider returned an empty response")
	ErrInvalidEvent     = fmt.Errorf("invalid inbound event")
	ErrConfigLoad       = fmt.Errorf("failed to load configuration")
	ErrDecryption       = fmt.Errorf("decryption failed")
	ErrStore            = fmt.Errorf("context store operation failed")
	ErrVision           = fmt.Errorf("vision annotation failed")
	ErrUntrustedURL     = fmt.Errorf("untrusted file url")

	// Provider failure conditions mapped from wire errors.
	ErrRateLimit       = fmt.Errorf("rate limit exceeded")
	ErrAuthInvalid     = fmt.Errorf("authentication failed")
	ErrContextOverflow = fmt.Errorf("context window exceeded")
	ErrTimeout         = fmt.Errorf("operation timed out")
	ErrContentPolicy   = fmt.Errorf("content blocked by provider policy")
	ErrPayloadTooLarge = fmt.Errorf("attachment exceeds size limit")

	// Platform failure conditions.
	ErrMessageTooLong = fmt.Errorf("platform message too long")
	ErrPlatform       = fmt.Errorf("platform call failed")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "Relay.Run")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryableError reports whether err is a transient provider error that may
// succeed on retry. Only throttling qualifies.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrRateLimit)
}

// ErrorCode is a machine-parseable error category for logs.
type ErrorCode string

const (
	CodeUnknown          ErrorCode = "UNKNOWN"
	CodeProviderNotFound ErrorCode = "PROVIDER_NOT_FOUND"
	CodeProviderError    ErrorCode = "PROVIDER_ERROR"
	CodeEmptyResponse    ErrorCode = "EMPTY_RESPONSE"
	CodeInvalidEvent     ErrorCode = "INVALID_EVENT"
	CodeConfigLoad       ErrorCode = "CONFIG_LOAD"
	CodeDecryption       ErrorCode = "DECRYPTION"
	CodeStore            ErrorCode = "STORE"
	CodeVision           ErrorCode = "VISION"
	CodeRateLimit        ErrorCode = "RATE_LIMIT"
	CodeAuthInvalid      ErrorCode = "AUTH_INVALID"
	CodeContextOverflow  ErrorCode = "CONTEXT_OVERFLOW"
	CodeTimeout          ErrorCode = "TIMEOUT"
	CodeContentPolicy    ErrorCode = "CONTENT_POLICY"
	CodePayloadTooLarge  ErrorCode = "PAYLOAD_TOO_LARGE"
	CodeMessageTooLong   ErrorCode = "MESSAGE_TOO_LONG"
	CodePlatform         ErrorCode = "PLATFORM"
	CodeUntrustedURL     ErrorCode = "UNTRUSTED_URL"
)

// errorCodes is ordered so that more specific conditions win when an error
// wraps several sentinels.
var errorCodes = []struct {
	err  error
	code ErrorCode
}{
	{ErrRateLimit, CodeRateLimit},
	{ErrAuthInvalid, CodeAuthInvalid},
	{ErrContextOverflow, CodeContextOverflow},
	{ErrTimeout, CodeTimeout},
	{ErrContentPolicy, CodeContentPolicy},
	{ErrPayloadTooLarge, CodePayloadTooLarge},
	{ErrMessageTooLong, CodeMessageTooLong},
	{ErrEmptyResponse, CodeEmptyResponse},
	{ErrInvalidEvent, CodeInvalidEvent},
	{ErrProviderNotFound, CodeProviderNotFound},
	{ErrConfigLoad, CodeConfigLoad},
	{ErrDecryption, CodeDecryption},
	{ErrStore, CodeStore},
	{ErrVision, CodeVision},
	{ErrUntrustedURL, CodeUntrustedURL},
	{ErrPlatform, CodePlatform},
	{ErrProviderError, CodeProviderError},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}
	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
func (e *DomainError) Code() ErrorCode {
	return ErrorCodeOf(e.Err)
}
