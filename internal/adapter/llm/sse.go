package llm

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"

	"threadrelay/internal/domain"
)

// maxSSELine bounds one SSE line; image-heavy providers send long events.
const maxSSELine = 1024 * 1024

// parseSSEStream reads SSE-formatted lines from body and converts each data
// payload into a StreamChunk using the provider-specific parseLine function.
// The returned channel is closed after a Done or Err chunk, when the body
// ends, or when ctx is cancelled.
func parseSSEStream(ctx context.Context, body io.ReadCloser, parseLine func(data []byte) (*domain.StreamChunk, error)) <-chan domain.StreamChunk {
	ch := make(chan domain.StreamChunk, 16)
	go func() {
		defer close(ch)
		defer body.Close()

		send := func(c domain.StreamChunk) bool {
			select {
			case ch <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), maxSSELine)
		for scanner.Scan() {
			if ctx.Err() != nil {
				return
			}

			line := scanner.Bytes()

			// Skip empty lines and comments.
			if len(line) == 0 || line[0] == ':' {
				continue
			}

			// We only care about "data:" lines.
			if !bytes.HasPrefix(line, []byte("data:")) {
				continue
			}
			data := bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:")))

			// Common termination signal.
			if bytes.Equal(data, []byte("[DONE]")) {
				send(domain.StreamChunk{Done: true})
				return
			}

			chunk, err := parseLine(data)
			if err != nil {
				// Skip unparseable lines.
				continue
			}
			if chunk == nil {
				continue
			}
			if !send(*chunk) || chunk.Done || chunk.Err != nil {
				return
			}
		}
		// A cancelled or expired ctx ends the stream without a terminal
		// chunk; the caller owning ctx reports it.
		if ctx.Err() != nil {
			return
		}
		if err := scanner.Err(); err != nil {
			send(domain.StreamChunk{Err: fmt.Errorf("%w: read stream: %w", domain.ErrProviderError, err)})
			return
		}
		send(domain.StreamChunk{Done: true})
	}()
	return ch
}

// fragment wraps a text delta. An empty delta becomes a single space so
// every yielded fragment is visible to the relay.
func fragment(text string) *domain.StreamChunk {
	if text == "" {
		text = " "
	}
	return &domain.StreamChunk{Text: text}
}
