package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"threadrelay/internal/domain"
)

var mentionPattern = regexp.MustCompile(`<@(.*?)>`)

// StripMentions removes user mentions and the whitespace they leave at the
// start of the text.
func StripMentions(text string) string {
	return strings.TrimLeft(mentionPattern.ReplaceAllString(text, ""), " \t\n")
}

// imageLeadIn follows the folded annotations, ahead of the user's own text.
const imageLeadIn = "Next I will ask about these images. "

// PromptBuilder turns an inbound event into the user turn sent to a provider.
type PromptBuilder struct {
	vision    domain.Vision // nil disables annotation
	delimiter string
	logger    *slog.Logger
}

// NewPromptBuilder creates a prompt builder. vision may be nil.
func NewPromptBuilder(vision domain.Vision, delimiter string, logger *slog.Logger) *PromptBuilder {
	if delimiter == "" {
		delimiter = "\n"
	}
	return &PromptBuilder{vision: vision, delimiter: delimiter, logger: logger}
}

// UserTurn strips mentions from the event text, folds image annotations in
// front of it, and carries the event's files as attachments.
func (b *PromptBuilder) UserTurn(ctx context.Context, ev domain.InboundEvent, fetch domain.FileFetcher) domain.Turn {
	content := StripMentions(ev.Text)
	if prefix := b.annotate(ctx, ev, fetch); prefix != "" {
		content = prefix + content
	}
	return domain.UserTurn(content, ev.Files...)
}

func (b *PromptBuilder) annotate(ctx context.Context, ev domain.InboundEvent, fetch domain.FileFetcher) string {
	if b.vision == nil {
		return ""
	}
	var images []domain.Attachment
	for _, f := range ev.Files {
		if f.IsImage() {
			images = append(images, f)
		}
	}
	if len(images) == 0 {
		return ""
	}
	annotations, err := b.vision.Annotate(ctx, images, fetch)
	if err != nil {
		b.logger.Warn("image annotation failed, continuing without it",
			"channel", ev.Channel, "files", len(images), "error", err)
		return ""
	}
	if len(annotations) == 0 {
		return ""
	}
	return FoldAnnotations(annotations, b.delimiter) + imageLeadIn
}

// FoldAnnotations renders one line per image, joined by delimiter.
func FoldAnnotations(annotations []domain.ImageAnnotation, delimiter string) string {
	lines := make([]string, len(annotations))
	for i, a := range annotations {
		lines[i] = fmt.Sprintf("Image %d contains the text: %s; objects: %s.",
			i+1, a.Text, strings.Join(a.Objects, ", "))
	}
	return strings.Join(lines, delimiter)
}
