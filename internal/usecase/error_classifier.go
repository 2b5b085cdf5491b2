package usecase

import (
	"context"
	"errors"
	"net"
	"regexp"
	"strconv"
	"strings"

	"threadrelay/internal/domain"
)

// DefaultMessages are the user-facing texts per error kind.
var DefaultMessages = map[domain.ErrorKind]string{
	domain.KindAuthInvalid:            "The token is invalid.",
	domain.KindContextTooLarge:        "The conversation got too long, so I cleared it. If you attached an image, check that it does not contain too much text.",
	domain.KindTimeout:                "The model server did not respond. Please try again.",
	domain.KindContentPolicyViolation: "The model declined to answer this request",
	domain.KindRateLimitExhausted:     "The model is busy right now. Please try again in a moment.",
	domain.KindPayloadTooLarge:        "The attached file is too large to send to the model.",
	domain.KindPlatformMessageTooLong: "The reply was too long to post.",
	domain.KindUnknown:                "An error occurred :sob: Please try again.",
}

// ErrorClassifier maps provider, platform and library failures into the
// closed domain.ErrorKind taxonomy with a recovery action.
type ErrorClassifier struct {
	messages map[domain.ErrorKind]string
}

// NewErrorClassifier creates a classifier. overrides replaces default user
// messages, keyed by ErrorKind string.
func NewErrorClassifier(overrides map[string]string) *ErrorClassifier {
	msgs := make(map[domain.ErrorKind]string, len(DefaultMessages))
	for k, v := range DefaultMessages {
		msgs[k] = v
	}
	for k, v := range overrides {
		if v != "" {
			msgs[domain.ErrorKind(k)] = v
		}
	}
	return &ErrorClassifier{messages: msgs}
}

// apiErrorPattern matches "API error <status_code>:" produced by the HTTP providers.
var apiErrorPattern = regexp.MustCompile(`API error (\d+):`)

// contextOverflowKeywords are body keywords that indicate a context length
// issue within a 400 response.
var contextOverflowKeywords = []string{
	"context length", "context_length", "maximum context", "too many tokens", "token limit", "prompt is too long",
}

// Classify inspects err and returns its classification. A nil error yields
// nil; an already classified error is returned unchanged.
func (c *ErrorClassifier) Classify(err error) *domain.ClassifiedError {
	if err == nil {
		return nil
	}
	var ce *domain.ClassifiedError
	if errors.As(err, &ce) {
		return ce
	}

	kind := c.kindBySentinel(err)
	if kind == "" {
		if m := apiErrorPattern.FindStringSubmatch(err.Error()); len(m) == 2 {
			code, _ := strconv.Atoi(m[1])
			kind = kindByStatus(code, err.Error())
		}
	}
	if kind == "" {
		kind = kindByString(err.Error())
	}
	return c.build(kind, err)
}

// Unknown classifies err as KindUnknown regardless of its content. Used for
// recovered panics.
func (c *ErrorClassifier) Unknown(err error) *domain.ClassifiedError {
	return c.build(domain.KindUnknown, err)
}

func (c *ErrorClassifier) build(kind domain.ErrorKind, err error) *domain.ClassifiedError {
	ce := &domain.ClassifiedError{
		Kind:        kind,
		UserMessage: c.messages[kind],
		Recovery:    recoveryFor(kind),
		Err:         err,
	}
	if kind == domain.KindContentPolicyViolation {
		ce.Detail = detailOf(err)
		if ce.Detail != "" {
			ce.UserMessage += ": " + ce.Detail
		}
		ce.UserMessage += "."
	}
	return ce
}

func recoveryFor(kind domain.ErrorKind) domain.RecoveryAction {
	switch kind {
	case domain.KindContextTooLarge:
		return domain.RecoveryDeleteContext
	case domain.KindRateLimitExhausted, domain.KindPayloadTooLarge, domain.KindUnknown:
		return domain.RecoveryPopLast
	default:
		return domain.RecoveryNone
	}
}

func (c *ErrorClassifier) kindBySentinel(err error) domain.ErrorKind {
	var netErr net.Error
	switch {
	case errors.Is(err, domain.ErrRateLimit):
		return domain.KindRateLimitExhausted
	case errors.Is(err, domain.ErrAuthInvalid):
		return domain.KindAuthInvalid
	case errors.Is(err, domain.ErrContextOverflow):
		return domain.KindContextTooLarge
	case errors.Is(err, domain.ErrContentPolicy):
		return domain.KindContentPolicyViolation
	case errors.Is(err, domain.ErrPayloadTooLarge):
		return domain.KindPayloadTooLarge
	case errors.Is(err, domain.ErrMessageTooLong):
		return domain.KindPlatformMessageTooLong
	case errors.Is(err, domain.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return domain.KindTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		return domain.KindTimeout
	default:
		return ""
	}
}

func kindByStatus(code int, body string) domain.ErrorKind {
	switch {
	case code == 429:
		return domain.KindRateLimitExhausted
	case code == 401 || code == 403:
		return domain.KindAuthInvalid
	case code == 413:
		return domain.KindContextTooLarge
	case code == 408 || code == 504:
		return domain.KindTimeout
	case code == 400:
		if containsAny(strings.ToLower(body), contextOverflowKeywords) {
			return domain.KindContextTooLarge
		}
		return domain.KindUnknown
	default:
		return domain.KindUnknown
	}
}

func kindByString(errStr string) domain.ErrorKind {
	lower := strings.ToLower(errStr)
	switch {
	case containsAny(lower, []string{"rate limit", "too many requests", "rate_limit"}):
		return domain.KindRateLimitExhausted
	case containsAny(lower, contextOverflowKeywords):
		return domain.KindContextTooLarge
	case containsAny(lower, []string{"invalid api key", "incorrect api key", "invalid_auth", "unauthorized"}):
		return domain.KindAuthInvalid
	case containsAny(lower, []string{"timeout", "timed out", "deadline exceeded"}):
		return domain.KindTimeout
	case containsAny(lower, []string{"content policy", "content_filter", "safety"}):
		return domain.KindContentPolicyViolation
	case strings.Contains(lower, "msg_too_long"):
		return domain.KindPlatformMessageTooLong
	default:
		return domain.KindUnknown
	}
}

// detailOf returns the Detail of the innermost DomainError in err's chain.
func detailOf(err error) string {
	var de *domain.DomainError
	if errors.As(err, &de) {
		return de.Detail
	}
	return ""
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
