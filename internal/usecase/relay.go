package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"threadrelay/internal/domain"
	"threadrelay/internal/infra/tracer"
)

// RelayOptions tunes how fragments become platform edits.
type RelayOptions struct {
	// EditEvery pushes an edit each time the reply length crosses a multiple
	// of this many characters.
	EditEvery int
	// EditsPerSecond caps intermediate edits per reply. Zero disables the cap.
	EditsPerSecond float64
	// MaxMessageChars splits the reply into a new message past this length.
	// Zero disables proactive splitting.
	MaxMessageChars int
}

// RelayResult describes how a reply ended.
type RelayResult struct {
	State      domain.ReplyState
	Text       string
	MessageIDs []string
	Edits      int
	Err        *domain.ClassifiedError
}

// maxOverflowSplits bounds how often one fragment may be re-split after the
// platform rejects a message as too long.
const maxOverflowSplits = 4

// Relay drains one provider stream into a platform message: post on the
// first fragment, coalesced edits while streaming, one final edit at the
// end. A Relay serves a single reply and is not safe for concurrent use.
type Relay struct {
	platform   domain.Platform
	classifier *ErrorClassifier
	opts       RelayOptions
	limiter    *rate.Limiter
	logger     *slog.Logger

	state     domain.ReplyState
	target    domain.ReplyTarget
	messageID string
	current   string // text of the message currently being edited
	delivered int    // runes of current the platform has accepted
	full      strings.Builder
	ids       []string
	edits     int
}

// NewRelay creates a relay publishing through platform.
func NewRelay(platform domain.Platform, classifier *ErrorClassifier, opts RelayOptions, logger *slog.Logger) *Relay {
	if opts.EditEvery <= 0 {
		opts.EditEvery = 1
	}
	r := &Relay{
		platform:   platform,
		classifier: classifier,
		opts:       opts,
		logger:     logger,
	}
	if opts.EditsPerSecond > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(opts.EditsPerSecond), 1)
	}
	return r
}

// Run consumes chunks until the stream ends, fails, or ctx is done. It never
// panics; every failure ends in a posted apology and StateErrored.
func (r *Relay) Run(ctx context.Context, target domain.ReplyTarget, chunks <-chan domain.StreamChunk) (res RelayResult) {
	r.target = target
	ctx, span := tracer.StartSpan(ctx, "relay.reply",
		trace.WithAttributes(
			tracer.StringAttr("relay.channel", target.Channel),
			tracer.StringAttr("relay.conversation", target.ThreadTS),
		),
	)
	defer func() {
		if p := recover(); p != nil {
			res = r.Fail(ctx, target, r.classifier.Unknown(fmt.Errorf("relay panic: %v", p)))
		}
		span.SetAttributes(
			tracer.IntAttr("relay.edits", res.Edits),
			tracer.StringAttr("relay.state", res.State.String()),
		)
		if res.Err != nil {
			tracer.RecordError(span, res.Err)
		} else {
			tracer.SetOK(span)
		}
		span.End()
	}()

loop:
	for {
		var (
			chunk domain.StreamChunk
			ok    bool
		)
		select {
		case <-ctx.Done():
			return r.Fail(ctx, target, r.classifier.Classify(ctx.Err()))
		case chunk, ok = <-chunks:
		}
		if !ok {
			break loop
		}
		if chunk.Err != nil {
			return r.Fail(ctx, target, r.classifier.Classify(chunk.Err))
		}
		if chunk.Text != "" {
			if err := r.accept(ctx, chunk.Text); err != nil {
				return r.Fail(ctx, target, r.classifier.Classify(err))
			}
		}
		if chunk.Done {
			break loop
		}
	}

	if r.state == domain.StateIdle {
		err := domain.NewDomainError("Relay.Run", domain.ErrEmptyResponse, "empty response")
		return r.Fail(ctx, target, r.classifier.Unknown(err))
	}
	if err := r.edit(ctx, r.current); err != nil {
		return r.Fail(ctx, target, r.classifier.Classify(err))
	}
	r.state = domain.StateFinalized
	return r.result(nil)
}

// accept folds one fragment into the reply.
func (r *Relay) accept(ctx context.Context, text string) error {
	prev := utf8.RuneCountInString(r.current)
	r.current += text
	r.full.WriteString(text)
	cur := utf8.RuneCountInString(r.current)

	if r.state == domain.StateIdle {
		return r.post(ctx, r.current, 0)
	}
	if limit := r.opts.MaxMessageChars; limit > 0 && cur > limit {
		return r.split(ctx, limit)
	}
	if prev/r.opts.EditEvery == cur/r.opts.EditEvery {
		return nil
	}
	if r.limiter != nil && !r.limiter.Allow() {
		return nil
	}
	if err := r.edit(ctx, r.current); err != nil {
		return err
	}
	r.state = domain.StateUpdating
	return nil
}

// post creates a new platform message carrying text. When the platform
// rejects the length the text is halved across consecutive messages.
func (r *Relay) post(ctx context.Context, text string, depth int) error {
	id, err := r.platform.PostMessage(ctx, r.target.Channel, r.target.ThreadTS, text)
	if err == nil {
		r.messageID = id
		r.ids = append(r.ids, id)
		r.current = text
		r.delivered = utf8.RuneCountInString(text)
		r.state = domain.StatePosted
		return nil
	}
	runes := []rune(text)
	if !errors.Is(err, domain.ErrMessageTooLong) || depth >= maxOverflowSplits || len(runes) < 2 {
		return err
	}
	mid := len(runes) / 2
	if err := r.post(ctx, string(runes[:mid]), depth+1); err != nil {
		return err
	}
	return r.post(ctx, string(runes[mid:]), depth+1)
}

// edit replaces the current message text, continuing in a new message when
// the platform rejects the length.
func (r *Relay) edit(ctx context.Context, text string) error {
	err := r.platform.UpdateMessage(ctx, r.target.Channel, r.messageID, text)
	if err == nil {
		r.edits++
		r.delivered = utf8.RuneCountInString(text)
		return nil
	}
	if !errors.Is(err, domain.ErrMessageTooLong) {
		return err
	}
	r.logger.Debug("message too long, continuing in a new message",
		"channel", r.target.Channel, "message_id", r.messageID, "delivered", r.delivered)

	runes := []rune(text)
	keep := r.delivered
	if keep <= 0 || keep >= len(runes) {
		keep = len(runes) / 2
	}
	if keep > 0 && keep != r.delivered {
		if err := r.platform.UpdateMessage(ctx, r.target.Channel, r.messageID, string(runes[:keep])); err != nil {
			return err
		}
		r.edits++
	}
	return r.post(ctx, string(runes[keep:]), 0)
}

// split closes the current message at limit runes and carries the rest into
// a new message.
func (r *Relay) split(ctx context.Context, limit int) error {
	runes := []rune(r.current)
	if err := r.platform.UpdateMessage(ctx, r.target.Channel, r.messageID, string(runes[:limit])); err != nil {
		return err
	}
	r.edits++
	return r.post(ctx, string(runes[limit:]), 0)
}

// Fail posts the classified error in the thread and ends the reply.
func (r *Relay) Fail(ctx context.Context, target domain.ReplyTarget, ce *domain.ClassifiedError) RelayResult {
	r.state = domain.StateErrored
	// The apology must go out even when the reply context is finished.
	ctx = context.WithoutCancel(ctx)
	if _, err := r.platform.PostMessage(ctx, target.Channel, target.ThreadTS, ce.UserMessage); err != nil {
		r.logger.Error("post error message failed",
			"channel", target.Channel,
			"kind", string(ce.Kind),
			"error", err,
		)
	}
	return r.result(ce)
}

func (r *Relay) result(ce *domain.ClassifiedError) RelayResult {
	return RelayResult{
		State:      r.state,
		Text:       r.full.String(),
		MessageIDs: append([]string(nil), r.ids...),
		Edits:      r.edits,
		Err:        ce,
	}
}
