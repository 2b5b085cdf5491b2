// Package slack adapts the Slack Web API, Events API and Socket Mode to the
// relay's platform and inbound-event interfaces.
package slack

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"

	slackgo "github.com/slack-go/slack"

	"threadrelay/internal/domain"
	"threadrelay/internal/security"
)

// repliesPageSize is the conversations.replies page size.
const repliesPageSize = 200

var mentionPattern = regexp.MustCompile(`<@(.*?)>`)

// Options configures a Platform client.
type Options struct {
	// APIURL overrides the Web API base URL; it must end with a slash.
	APIURL     string
	HTTPClient *http.Client
	// AppToken is the app-level token used by Socket Mode.
	AppToken string
	// FileHosts restricts attachment downloads; empty allows any URL.
	FileHosts []string
}

// Platform publishes replies through one Slack bot identity.
type Platform struct {
	api       *slackgo.Client
	fileHosts []string
	logger    *slog.Logger
}

// NewPlatform creates a Slack client for a bot token.
func NewPlatform(token string, opts Options, logger *slog.Logger) *Platform {
	var clientOpts []slackgo.Option
	if opts.APIURL != "" {
		clientOpts = append(clientOpts, slackgo.OptionAPIURL(opts.APIURL))
	}
	if opts.HTTPClient != nil {
		clientOpts = append(clientOpts, slackgo.OptionHTTPClient(opts.HTTPClient))
	}
	if opts.AppToken != "" {
		clientOpts = append(clientOpts, slackgo.OptionAppLevelToken(opts.AppToken))
	}
	return &Platform{
		api:       slackgo.New(token, clientOpts...),
		fileHosts: opts.FileHosts,
		logger:    logger,
	}
}

// Client exposes the underlying API client for Socket Mode.
func (p *Platform) Client() *slackgo.Client { return p.api }

// PostMessage implements domain.Platform.
func (p *Platform) PostMessage(ctx context.Context, channel, threadTS, text string) (string, error) {
	opts := []slackgo.MsgOption{slackgo.MsgOptionText(text, false)}
	if threadTS != "" {
		opts = append(opts, slackgo.MsgOptionTS(threadTS))
	}
	_, ts, err := p.api.PostMessageContext(ctx, channel, opts...)
	if err != nil {
		return "", mapSlackError("chat.postMessage", err)
	}
	return ts, nil
}

// UpdateMessage implements domain.Platform.
func (p *Platform) UpdateMessage(ctx context.Context, channel, messageID, text string) error {
	_, _, _, err := p.api.UpdateMessageContext(ctx, channel, messageID, slackgo.MsgOptionText(text, false))
	if err != nil {
		return mapSlackError("chat.update", err)
	}
	return nil
}

// UploadFile implements domain.Platform.
func (p *Platform) UploadFile(ctx context.Context, channel, threadTS, title string, file []byte) error {
	_, err := p.api.UploadFileV2Context(ctx, slackgo.UploadFileV2Parameters{
		Channel:         channel,
		ThreadTimestamp: threadTS,
		Title:           title,
		Filename:        fileName(file),
		FileSize:        len(file),
		Reader:          bytes.NewReader(file),
	})
	if err != nil {
		return mapSlackError("files.upload", err)
	}
	return nil
}

func fileName(data []byte) string {
	switch http.DetectContentType(data) {
	case "image/png":
		return "image.png"
	case "image/jpeg":
		return "image.jpg"
	case "image/gif":
		return "image.gif"
	case "image/webp":
		return "image.webp"
	default:
		return "file.bin"
	}
}

// ThreadHistory implements domain.Platform. Messages posted by any app are
// the assistant's; everything else is the user's, with mentions removed.
func (p *Platform) ThreadHistory(ctx context.Context, channel, threadTS string, limit int) ([]domain.Turn, error) {
	params := &slackgo.GetConversationRepliesParameters{
		ChannelID: channel,
		Timestamp: threadTS,
		Limit:     repliesPageSize,
	}

	var msgs []slackgo.Message
	for {
		page, hasMore, cursor, err := p.api.GetConversationRepliesContext(ctx, params)
		if err != nil {
			return nil, mapSlackError("conversations.replies", err)
		}
		msgs = append(msgs, page...)
		if !hasMore || cursor == "" {
			break
		}
		params.Cursor = cursor
	}

	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	turns := make([]domain.Turn, 0, len(msgs))
	for _, m := range msgs {
		turns = append(turns, toTurn(m))
	}
	return turns, nil
}

func toTurn(m slackgo.Message) domain.Turn {
	if m.BotID != "" || m.BotProfile != nil {
		return domain.AssistantTurn(m.Text)
	}
	text := strings.TrimSpace(mentionPattern.ReplaceAllString(m.Text, ""))
	var files []domain.Attachment
	for _, f := range m.Files {
		files = append(files, domain.Attachment{
			Name:     f.Name,
			MIMEType: f.Mimetype,
			URL:      f.URLPrivate,
			Size:     int64(f.Size),
		})
	}
	return domain.UserTurn(text, files...)
}

// FetchFile implements domain.FileFetcher using the bot token. The token is
// only sent to the configured file hosts.
func (p *Platform) FetchFile(ctx context.Context, url string) ([]byte, error) {
	if len(p.fileHosts) > 0 {
		if err := security.ValidateFileURL(url, p.fileHosts); err != nil {
			return nil, err
		}
	}
	var buf bytes.Buffer
	if err := p.api.GetFileContext(ctx, url, &buf); err != nil {
		return nil, mapSlackError("files.download", err)
	}
	return buf.Bytes(), nil
}

// mapSlackError maps a Web API failure to a domain sentinel. Every result
// also wraps ErrPlatform.
func mapSlackError(op string, err error) error {
	var rl *slackgo.RateLimitedError
	if errors.As(err, &rl) {
		return fmt.Errorf("%s: %w: %w: retry after %s", op, domain.ErrPlatform, domain.ErrRateLimit, rl.RetryAfter)
	}

	code := err.Error()
	var se slackgo.SlackErrorResponse
	if errors.As(err, &se) {
		code = se.Err
	}
	switch code {
	case "msg_too_long", "msg_blocks_too_long":
		return fmt.Errorf("%s: %w: %w", op, domain.ErrPlatform, domain.ErrMessageTooLong)
	case "invalid_auth", "not_authed", "token_revoked", "token_expired", "account_inactive":
		return fmt.Errorf("%s: %w: %w", op, domain.ErrPlatform, domain.ErrAuthInvalid)
	case "ratelimited":
		return fmt.Errorf("%s: %w: %w", op, domain.ErrPlatform, domain.ErrRateLimit)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %w", op, domain.ErrPlatform, domain.ErrTimeout)
	}
	return fmt.Errorf("%s: %w: %w", op, domain.ErrPlatform, err)
}

var _ domain.Platform = (*Platform)(nil)
