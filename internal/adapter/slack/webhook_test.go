package slack

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/slack-go/slack/socketmode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"threadrelay/internal/domain"
)

type recordingSubmitter struct {
	mu     sync.Mutex
	events []domain.InboundEvent
}

func (s *recordingSubmitter) Submit(_ context.Context, ev domain.InboundEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSubmitter) got() []domain.InboundEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.InboundEvent(nil), s.events...)
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const mentionBody = `{
	"type": "event_callback",
	"api_app_id": "A1",
	"event_id": "Ev1",
	"event": {
		"type": "app_mention",
		"channel": "C1",
		"user": "U1",
		"ts": "100.1",
		"text": "<@B1> hello",
		"files": [{"id": "F1", "name": "cat.png", "mimetype": "image/png", "url_private": "https://files/cat.png", "size": 42}]
	}
}`

func sign(t *testing.T, req *http.Request, body, secret string) {
	t.Helper()
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte("v0:" + ts + ":" + body))
	req.Header.Set("X-Slack-Request-Timestamp", ts)
	req.Header.Set("X-Slack-Signature", "v0="+hex.EncodeToString(mac.Sum(nil)))
}

func TestWebhookSubmitsEvent(t *testing.T) {
	sub := &recordingSubmitter{}
	h := NewWebhookHandler(WebhookConfig{AckBody: "ok"}, sub, newTestLogger())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/slack/events", strings.NewReader(mentionBody)))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
	events := sub.got()
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, "A1", ev.AppID)
	assert.Equal(t, "C1", ev.Channel)
	assert.Equal(t, "100.1", ev.TS)
	assert.Equal(t, domain.EventAppMention, ev.Type)
	require.Len(t, ev.Files, 1)
	assert.Equal(t, "https://files/cat.png", ev.Files[0].URL)
}

func TestWebhookChallenge(t *testing.T) {
	sub := &recordingSubmitter{}
	h := NewWebhookHandler(WebhookConfig{AckBody: "ok"}, sub, newTestLogger())

	body := `{"type":"url_verification","challenge":"abc123"}`
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body)))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"challenge":"abc123"}`, rec.Body.String())
	assert.Empty(t, sub.got())
}

func TestWebhookIgnoresRetries(t *testing.T) {
	sub := &recordingSubmitter{}
	h := NewWebhookHandler(WebhookConfig{AckBody: "ok"}, sub, newTestLogger())

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(mentionBody))
	req.Header.Set("X-Slack-Retry-Num", "1")
	req.Header.Set("X-Slack-Retry-Reason", "http_timeout")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, sub.got())
}

func TestWebhookRejectsMalformedBody(t *testing.T) {
	sub := &recordingSubmitter{}
	h := NewWebhookHandler(WebhookConfig{}, sub, newTestLogger())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("{not json")))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, sub.got())
}

func TestWebhookAcksInvalidEvent(t *testing.T) {
	sub := &recordingSubmitter{}
	h := NewWebhookHandler(WebhookConfig{AckBody: "ok"}, sub, newTestLogger())

	body := `{"type":"event_callback","event":{"type":"message","text":"no channel"}}`
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body)))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, sub.got())
}

func TestWebhookMethodNotAllowed(t *testing.T) {
	h := NewWebhookHandler(WebhookConfig{}, &recordingSubmitter{}, newTestLogger())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, http.MethodPost, rec.Header().Get("Allow"))
}

func TestWebhookSignature(t *testing.T) {
	const secret = "s3cret"

	t.Run("valid", func(t *testing.T) {
		sub := &recordingSubmitter{}
		h := NewWebhookHandler(WebhookConfig{SigningSecret: secret}, sub, newTestLogger())
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(mentionBody))
		sign(t, req, mentionBody, secret)

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Len(t, sub.got(), 1)
	})

	t.Run("wrong secret", func(t *testing.T) {
		sub := &recordingSubmitter{}
		h := NewWebhookHandler(WebhookConfig{SigningSecret: secret}, sub, newTestLogger())
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(mentionBody))
		sign(t, req, mentionBody, "other")

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Empty(t, sub.got())
	})

	t.Run("missing headers", func(t *testing.T) {
		sub := &recordingSubmitter{}
		h := NewWebhookHandler(WebhookConfig{SigningSecret: secret}, sub, newTestLogger())

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(mentionBody)))

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestHandlePayload(t *testing.T) {
	sub := &recordingSubmitter{}
	handlePayload(context.Background(), []byte(mentionBody), sub, newTestLogger())
	handlePayload(context.Background(), []byte(`{"type":"app_rate_limited"}`), sub, newTestLogger())
	handlePayload(context.Background(), []byte(`garbage`), sub, newTestLogger())

	events := sub.got()
	require.Len(t, events, 1)
	assert.Equal(t, "Ev1", events[0].EventID)
}

func TestHealthz(t *testing.T) {
	rec := httptest.NewRecorder()
	Healthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestRetryAttempt(t *testing.T) {
	var req socketmode.Request
	require.NoError(t, json.Unmarshal([]byte(`{"type":"events_api","envelope_id":"e1","retry_attempt":2}`), &req))
	assert.Equal(t, 2, retryAttempt(&req))

	assert.Equal(t, 0, retryAttempt(&socketmode.Request{Type: "events_api"}))
}
