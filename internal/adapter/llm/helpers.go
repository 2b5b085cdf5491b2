package llm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"threadrelay/internal/domain"
)

// doStreamRequest performs a JSON POST request for SSE streaming.
// It returns the open *http.Response (caller must close Body).
// Returns a domain error for non-200 responses.
func doStreamRequest(ctx context.Context, client *http.Client, url string, body []byte, headers map[string]string) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := client.Do(httpReq)
	if err != nil {
		return nil, mapTransportError(err)
	}

	if httpResp.StatusCode != http.StatusOK {
		defer httpResp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return nil, mapHTTPError(httpResp.StatusCode, respBody)
	}

	return httpResp, nil
}

// mapTransportError maps a failed round trip to a domain error.
func mapTransportError(err error) error {
	var netErr interface{ Timeout() bool }
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: http request: %v", domain.ErrTimeout, err)
	}
	return fmt.Errorf("%w: http request: %w", domain.ErrProviderError, err)
}

// mapHTTPError maps an HTTP status code + response body to a domain error.
// The "API error <status>:" text lets the classifier recover the status.
func mapHTTPError(statusCode int, body []byte) error {
	detail := fmt.Sprintf("API error %d: %s", statusCode, string(body))
	lower := bytes.ToLower(body)

	switch {
	case statusCode == http.StatusTooManyRequests: // 429
		return fmt.Errorf("%w: %s", domain.ErrRateLimit, detail)
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden: // 401, 403
		return fmt.Errorf("%w: %s", domain.ErrAuthInvalid, detail)
	case statusCode == http.StatusRequestEntityTooLarge: // 413
		return fmt.Errorf("%w: %s", domain.ErrContextOverflow, detail)
	case statusCode == http.StatusRequestTimeout || statusCode == http.StatusGatewayTimeout: // 408, 504
		return fmt.Errorf("%w: %s", domain.ErrTimeout, detail)
	case statusCode == http.StatusBadRequest && containsAnyBytes(lower, "context length", "context_length", "maximum context", "prompt is too long", "too many tokens"):
		return fmt.Errorf("%w: %s", domain.ErrContextOverflow, detail)
	case statusCode == http.StatusBadRequest && containsAnyBytes(lower, "content_policy", "safety", "content management policy"):
		return fmt.Errorf("%w: %s", domain.ErrContentPolicy, detail)
	case statusCode == 529: // Anthropic overloaded
		return fmt.Errorf("%w: %s", domain.ErrRateLimit, detail)
	default:
		return fmt.Errorf("%w: %s", domain.ErrProviderError, detail)
	}
}

func containsAnyBytes(s []byte, patterns ...string) bool {
	for _, p := range patterns {
		if bytes.Contains(s, []byte(p)) {
			return true
		}
	}
	return false
}

// withDeadline starts a stream under a per-request timeout. The timeout
// covers the whole stream, so a stream cut short by it ends with an
// ErrTimeout chunk instead of looking complete.
func withDeadline(parent context.Context, d time.Duration, start func(ctx context.Context) (<-chan domain.StreamChunk, error)) (<-chan domain.StreamChunk, error) {
	if d <= 0 {
		return start(parent)
	}
	ctx, cancel := context.WithTimeout(parent, d)
	in, err := start(ctx)
	if err != nil {
		cancel()
		return nil, err
	}

	out := make(chan domain.StreamChunk, 16)
	go func() {
		defer cancel()
		defer close(out)

		terminal := false
		for c := range in {
			terminal = c.Done || c.Err != nil
			select {
			case out <- c:
			case <-parent.Done():
				return
			}
		}
		if terminal || parent.Err() != nil || !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return
		}
		select {
		case out <- domain.StreamChunk{Err: fmt.Errorf("%w: stream exceeded %s", domain.ErrTimeout, d)}:
		case <-parent.Done():
		}
	}()
	return out, nil
}
