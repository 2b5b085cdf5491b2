package llm

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"threadrelay/internal/domain"
)

// turnSeparator joins the text of merged same-role turns.
const turnSeparator = ". "

// alternate prepares a conversation for providers that require strict
// user/assistant alternation starting with a user turn. Oversized
// attachments are dropped from older turns; on the newest turn they fail the
// request with ErrPayloadTooLarge. A maxBytes of zero disables the check.
func alternate(turns []domain.Turn, maxBytes int64) ([]domain.Turn, error) {
	out := make([]domain.Turn, 0, len(turns))
	for i, t := range turns {
		if t.Role == domain.RoleSystem {
			continue
		}
		files, err := admitAttachments(t.Attachments, maxBytes, i == len(turns)-1)
		if err != nil {
			return nil, err
		}

		if n := len(out); n > 0 && out[n-1].Role == t.Role {
			prev := &out[n-1]
			prev.Content = joinContent(prev.Content, t.Content)
			prev.Attachments = append(prev.Attachments, files...)
			continue
		}
		if len(out) == 0 && t.Role != domain.RoleUser {
			continue
		}
		out = append(out, domain.Turn{Role: t.Role, Content: t.Content, Attachments: files})
	}
	return out, nil
}

func joinContent(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + turnSeparator + b
	}
}

func admitAttachments(files []domain.Attachment, maxBytes int64, newest bool) ([]domain.Attachment, error) {
	if len(files) == 0 {
		return nil, nil
	}
	kept := make([]domain.Attachment, 0, len(files))
	for _, f := range files {
		if maxBytes > 0 && f.Size > maxBytes {
			if newest {
				return nil, domain.NewDomainError("llm.alternate", domain.ErrPayloadTooLarge,
					fmt.Sprintf("%s is %d bytes, limit %d", f.Name, f.Size, maxBytes))
			}
			continue
		}
		kept = append(kept, f)
	}
	return kept, nil
}

// inlineImage is a fetched attachment ready to embed in a request body.
type inlineImage struct {
	MIMEType string
	Data     string // base64
}

// fetchImages downloads the image attachments of a turn. Files that cannot
// be fetched are logged and skipped; a fetched file over maxBytes is
// rejected the same way admitAttachments rejects a declared size.
func fetchImages(ctx context.Context, fetch domain.FileFetcher, files []domain.Attachment, maxBytes int64, newest bool, logger *slog.Logger) ([]inlineImage, error) {
	if fetch == nil {
		return nil, nil
	}
	var out []inlineImage
	for _, f := range files {
		if !f.IsImage() {
			continue
		}
		data, err := fetch.FetchFile(ctx, f.URL)
		if err != nil {
			logger.Warn("attachment fetch failed", "file", f.Name, "error", err)
			continue
		}
		if maxBytes > 0 && int64(len(data)) > maxBytes {
			if newest {
				return nil, domain.NewDomainError("llm.fetchImages", domain.ErrPayloadTooLarge,
					fmt.Sprintf("%s is %d bytes, limit %d", f.Name, len(data), maxBytes))
			}
			continue
		}
		mime := f.MIMEType
		if mime == "" {
			mime = http.DetectContentType(data)
		}
		out = append(out, inlineImage{MIMEType: strings.TrimSpace(mime), Data: base64.StdEncoding.EncodeToString(data)})
	}
	return out, nil
}
