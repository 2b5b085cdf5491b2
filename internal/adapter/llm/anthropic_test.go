package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"threadrelay/internal/domain"
	"threadrelay/internal/infra/config"
)

func newAnthropicServer(t *testing.T, got *anthropicRequest, payloads ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "akey" || r.Header.Get("anthropic-version") != defaultAnthropicVersion {
			t.Errorf("unexpected headers: %v", r.Header)
		}
		if got != nil {
			json.NewDecoder(r.Body).Decode(got)
		}
		writeSSE(w, payloads...)
	}))
}

func newTestAnthropic(url string) *AnthropicProvider {
	return NewAnthropicProvider(config.ProviderConfig{
		Name:    "claude",
		BaseURL: url,
		APIKey:  "akey",
		Model:   "claude-3-haiku",
	}, 1000, newTestLogger())
}

func TestAnthropicProviderStream(t *testing.T) {
	var got anthropicRequest
	server := newAnthropicServer(t, &got,
		`{"type":"message_start","message":{"id":"msg_1"}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hi"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":""}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"there"}}`,
		`{"type":"message_delta","delta":{"stop_reason":"end_turn"}}`,
		`{"type":"message_stop"}`,
	)
	defer server.Close()

	p := newTestAnthropic(server.URL)
	ch, err := p.Stream(context.Background(), domain.ProviderRequest{
		System:  "persona",
		History: []domain.Turn{domain.AssistantTurn("greeting"), domain.UserTurn("a")},
		Turn:    domain.UserTurn("b"),
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	chunks := collect(ch)

	if len(chunks) != 4 {
		t.Fatalf("chunks = %+v", chunks)
	}
	if chunks[0].Text != "Hi" || chunks[1].Text != " " || chunks[2].Text != "there" || !chunks[3].Done {
		t.Errorf("chunks = %+v, want empty delta as a single space", chunks)
	}

	if got.MaxTokens != 1024 || !got.Stream || got.System != "persona" {
		t.Errorf("request = %+v", got)
	}
	if len(got.Messages) != 1 || got.Messages[0].Role != "user" || got.Messages[0].Content[0].Text != "a. b" {
		t.Errorf("messages = %+v, want one coalesced user turn", got.Messages)
	}
}

func TestAnthropicProviderImages(t *testing.T) {
	var got anthropicRequest
	server := newAnthropicServer(t, &got, `{"type":"message_stop"}`)
	defer server.Close()

	p := newTestAnthropic(server.URL)
	ch, err := p.Stream(context.Background(), domain.ProviderRequest{
		History: []domain.Turn{
			domain.UserTurn("old", domain.Attachment{Name: "huge.png", MIMEType: "image/png", URL: "big", Size: 9000}),
			domain.AssistantTurn("ok"),
		},
		Turn:  domain.UserTurn("new", domain.Attachment{Name: "a.jpg", MIMEType: "image/jpeg", URL: "small", Size: 3}),
		Files: fileMap{"small": []byte("jpg"), "big": make([]byte, 9000)},
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	collect(ch)

	if len(got.Messages) != 3 {
		t.Fatalf("messages = %+v", got.Messages)
	}
	if len(got.Messages[0].Content) != 1 {
		t.Errorf("old turn content = %+v, want oversized image dropped", got.Messages[0].Content)
	}
	last := got.Messages[2].Content
	if len(last) != 2 || last[0].Type != "image" || last[0].Source.MediaType != "image/jpeg" || last[1].Text != "new" {
		t.Errorf("newest turn content = %+v", last)
	}
}

func TestAnthropicProviderErrorEvent(t *testing.T) {
	tests := []struct {
		payload string
		want    error
	}{
		{`{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`, domain.ErrRateLimit},
		{`{"type":"error","error":{"type":"invalid_request_error","message":"prompt is too long: 210000 tokens"}}`, domain.ErrContextOverflow},
		{`{"type":"error","error":{"type":"api_error","message":"internal"}}`, domain.ErrProviderError},
	}
	for _, tt := range tests {
		server := newAnthropicServer(t, nil, tt.payload)
		ch, err := newTestAnthropic(server.URL).Stream(context.Background(), domain.ProviderRequest{Turn: domain.UserTurn("x")})
		if err != nil {
			t.Fatalf("Stream: %v", err)
		}
		chunks := collect(ch)
		if len(chunks) != 1 || !errors.Is(chunks[0].Err, tt.want) {
			t.Errorf("%s: chunks = %+v, want %v", tt.payload, chunks, tt.want)
		}
		server.Close()
	}
}

func TestAnthropicProviderOverloadedStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(529)
	}))
	defer server.Close()

	_, err := newTestAnthropic(server.URL).Stream(context.Background(), domain.ProviderRequest{Turn: domain.UserTurn("x")})
	if !errors.Is(err, domain.ErrRateLimit) {
		t.Errorf("err = %v, want ErrRateLimit", err)
	}
}
