package domain

import "fmt"

// ErrorKind is the closed taxonomy of reply failures.
type ErrorKind string

const (
	KindAuthInvalid            ErrorKind = "auth_invalid"
	KindContextTooLarge        ErrorKind = "context_too_large"
	KindTimeout                ErrorKind = "timeout"
	KindContentPolicyViolation ErrorKind = "content_policy_violation"
	KindRateLimitExhausted     ErrorKind = "rate_limit_exhausted"
	KindPayloadTooLarge        ErrorKind = "payload_too_large"
	KindPlatformMessageTooLong ErrorKind = "platform_message_too_long"
	KindUnknown                ErrorKind = "unknown"
)

// RecoveryAction is the context repair applied after a failed reply.
type RecoveryAction int

const (
	RecoveryNone RecoveryAction = iota
	// RecoveryDeleteContext clears the whole conversation history.
	RecoveryDeleteContext
	// RecoveryPopLast removes the most recently appended turns.
	RecoveryPopLast
)

func (r RecoveryAction) String() string {
	switch r {
	case RecoveryDeleteContext:
		return "delete_context"
	case RecoveryPopLast:
		return "pop_last"
	default:
		return "none"
	}
}

// ClassifiedError is the only failure shape that reaches the relay.
type ClassifiedError struct {
	Kind        ErrorKind
	UserMessage string
	Recovery    RecoveryAction
	// Detail is provider-supplied context, such as a safety block reason.
	Detail string
	Err    error
}

func (e *ClassifiedError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }
