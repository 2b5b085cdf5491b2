package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"runtime/debug"
	"slices"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"

	"threadrelay/internal/domain"
	"threadrelay/internal/infra/logger"
)

// Provider selection strategies.
const (
	StrategyStatic  = "static"
	StrategyRequest = "request"
	StrategyRandom  = "random"
)

// History sources.
const (
	HistoryFromCache  = "cache"
	HistoryFromThread = "thread"
)

// logTextLimit caps request and response text in logs.
const logTextLimit = 200

// ProviderSource resolves chat providers by name.
type ProviderSource interface {
	Get(name string) (domain.ChatProvider, error)
	List() []string
}

// DispatcherConfig selects providers and shapes each reply.
type DispatcherConfig struct {
	Strategy        string
	DefaultProvider string
	// AppRoutes maps an app identity to a provider for StrategyRequest.
	AppRoutes     map[string]string
	ImagePrefix   string
	SystemPrompt  string
	HistorySource string
	// RollbackTurns is how many turns a failed reply pops from the history.
	RollbackTurns int
	Relay         RelayOptions
}

// DispatcherDeps holds the collaborators of a Dispatcher.
type DispatcherDeps struct {
	Providers  ProviderSource
	Platforms  domain.PlatformRouter
	History    *ContextStore
	Retry      *RetryController
	Classifier *ErrorClassifier
	Prompt     *PromptBuilder
	Locker     *KeyLocker
	Images     domain.ImageGenerator // optional, nil = "!" prefix is plain chat
	Logger     *slog.Logger
}

// Dispatcher turns inbound events into streamed replies. Each event runs as
// its own background task; replies sharing a conversation key are
// serialized.
type Dispatcher struct {
	cfg        DispatcherConfig
	providers  ProviderSource
	platforms  domain.PlatformRouter
	history    *ContextStore
	retry      *RetryController
	classifier *ErrorClassifier
	prompt     *PromptBuilder
	locker     *KeyLocker
	images     domain.ImageGenerator
	logger     *slog.Logger

	intn func(n int) int
	wg   sync.WaitGroup
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(cfg DispatcherConfig, deps DispatcherDeps) *Dispatcher {
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyStatic
	}
	if cfg.HistorySource == "" {
		cfg.HistorySource = HistoryFromCache
	}
	if deps.Locker == nil {
		deps.Locker = NewKeyLocker()
	}
	if deps.Classifier == nil {
		deps.Classifier = NewErrorClassifier(nil)
	}
	return &Dispatcher{
		cfg:        cfg,
		providers:  deps.Providers,
		platforms:  deps.Platforms,
		history:    deps.History,
		retry:      deps.Retry,
		classifier: deps.Classifier,
		prompt:     deps.Prompt,
		locker:     deps.Locker,
		images:     deps.Images,
		logger:     deps.Logger,
		intn:       rand.IntN,
	}
}

// Submit runs Handle in the background and returns immediately. The task
// outlives ctx's cancellation but keeps its values.
func (d *Dispatcher) Submit(ctx context.Context, ev domain.InboundEvent) {
	ctx = context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.Handle(ctx, ev); err != nil {
			d.logger.Warn("reply failed",
				"channel", ev.Channel,
				"conversation", ev.ConversationKey(),
				"code", string(domain.ErrorCodeOf(err)),
				"error", err,
			)
		}
	}()
}

// Wait blocks until every submitted task has finished or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for in-flight replies: %w", ctx.Err())
	}
}

// Handle produces the reply for one event synchronously. Failures are posted
// to the thread and returned; a panic is recovered as an unknown failure.
func (d *Dispatcher) Handle(ctx context.Context, ev domain.InboundEvent) (err error) {
	if err := ev.Validate(); err != nil {
		return err
	}
	if !ev.Actionable() {
		return nil
	}

	key := ev.ConversationKey()
	target := domain.ReplyTarget{Channel: ev.Channel, ThreadTS: key}
	platform := d.platforms.ForApp(ev.AppID)
	log := d.logger.With(
		"reply_id", ulid.Make().String(),
		"conversation", key,
		"channel", ev.Channel,
		"app_id", ev.AppID,
		"user", ev.User,
	)

	defer func() {
		if p := recover(); p != nil {
			log.Error("reply task panicked", "panic", p, "stack", string(debug.Stack()))
			ce := d.classifier.Unknown(fmt.Errorf("reply panic: %v", p))
			NewRelay(platform, d.classifier, d.cfg.Relay, log).Fail(ctx, target, ce)
			err = ce
		}
	}()

	content := StripMentions(ev.Text)
	if d.isImageRequest(content) {
		return d.handleImage(ctx, platform, target, strings.TrimPrefix(content, d.cfg.ImagePrefix), log)
	}

	name, provider, err := d.selectProvider(ev)
	if err != nil {
		ce := d.classifier.Classify(err)
		NewRelay(platform, d.classifier, d.cfg.Relay, log).Fail(ctx, target, ce)
		return ce
	}
	log = log.With("provider", name)

	unlock, err := d.locker.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()

	turn := d.prompt.UserTurn(ctx, ev, platform)
	log.LogAttrs(ctx, slog.LevelInfo, "request received", logger.Text("request_message", turn.Content, logTextLimit))

	history := d.loadHistory(ctx, platform, ev, log)
	appended := false
	if d.cachesHistory() {
		if err := d.history.Append(ctx, key, turn); err != nil {
			log.Warn("append user turn failed", "error", err)
		} else {
			appended = true
		}
	}

	req := domain.ProviderRequest{
		System:  d.cfg.SystemPrompt,
		History: history,
		Turn:    turn,
		Files:   platform,
	}
	res := d.stream(ctx, provider, req, platform, target, log)

	log.LogAttrs(ctx, slog.LevelInfo, "reply finished",
		slog.String("state", res.State.String()),
		slog.Int("edits", res.Edits),
		logger.Text("response_message", res.Text, logTextLimit),
	)

	if res.Err == nil {
		if appended {
			if err := d.history.Append(ctx, key, domain.AssistantTurn(res.Text)); err != nil {
				log.Warn("append assistant turn failed", "error", err)
			}
		}
		return nil
	}
	d.recoverHistory(ctx, key, res.Err, appended, log)
	return res.Err
}

// stream invokes the provider with retry and relays its output.
func (d *Dispatcher) stream(ctx context.Context, provider domain.ChatProvider, req domain.ProviderRequest, platform domain.Platform, target domain.ReplyTarget, log *slog.Logger) RelayResult {
	// Cancelling ends the provider stream once the relay stops reading.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	relay := NewRelay(platform, d.classifier, d.cfg.Relay, log)
	chunks, err := d.retry.Invoke(ctx, provider, req)
	if err != nil {
		return relay.Fail(ctx, target, d.classifier.Classify(err))
	}
	return relay.Run(ctx, target, chunks)
}

func (d *Dispatcher) cachesHistory() bool {
	return d.cfg.HistorySource == HistoryFromCache && d.history.Enabled()
}

// loadHistory returns the prior turns of the conversation. A failure is
// logged and the reply proceeds without history.
func (d *Dispatcher) loadHistory(ctx context.Context, platform domain.Platform, ev domain.InboundEvent, log *slog.Logger) []domain.Turn {
	key := ev.ConversationKey()
	if d.cfg.HistorySource == HistoryFromThread {
		window := d.history.Window()
		if window <= 0 {
			return nil
		}
		turns, err := platform.ThreadHistory(ctx, ev.Channel, key, window)
		if err != nil {
			log.Warn("read thread history failed", "error", err)
			return nil
		}
		// The thread already holds the triggering message.
		if n := len(turns); n > 0 && turns[n-1].Role == domain.RoleUser {
			turns = turns[:n-1]
		}
		return turns
	}
	if !d.history.Enabled() {
		return nil
	}
	turns, err := d.history.Read(ctx, key)
	if err != nil {
		log.Warn("read context failed", "error", err)
		return nil
	}
	return turns
}

// recoverHistory applies the classified recovery action.
func (d *Dispatcher) recoverHistory(ctx context.Context, key string, ce *domain.ClassifiedError, appended bool, log *slog.Logger) {
	if !d.cachesHistory() {
		return
	}
	var err error
	switch ce.Recovery {
	case domain.RecoveryDeleteContext:
		err = d.history.Delete(ctx, key)
	case domain.RecoveryPopLast:
		if !appended {
			return
		}
		err = d.history.PopLast(ctx, key, d.cfg.RollbackTurns)
	default:
		return
	}
	if err != nil {
		log.Error("context recovery failed", "recovery", ce.Recovery.String(), "error", err)
		return
	}
	log.Info("context recovered", "kind", string(ce.Kind), "recovery", ce.Recovery.String())
}

func (d *Dispatcher) selectProvider(ev domain.InboundEvent) (string, domain.ChatProvider, error) {
	name := d.cfg.DefaultProvider
	switch d.cfg.Strategy {
	case StrategyRequest:
		if routed, ok := d.cfg.AppRoutes[ev.AppID]; ok {
			name = routed
		}
	case StrategyRandom:
		names := d.providers.List()
		if len(names) > 0 {
			slices.Sort(names)
			name = names[d.intn(len(names))]
		}
	}
	p, err := d.providers.Get(name)
	if err != nil {
		return name, nil, err
	}
	return name, p, nil
}

func (d *Dispatcher) isImageRequest(content string) bool {
	return d.images != nil && d.cfg.ImagePrefix != "" && strings.HasPrefix(content, d.cfg.ImagePrefix)
}

// handleImage generates an image for prompt and uploads it to the thread.
func (d *Dispatcher) handleImage(ctx context.Context, platform domain.Platform, target domain.ReplyTarget, prompt string, log *slog.Logger) error {
	prompt = strings.TrimSpace(prompt)
	log.LogAttrs(ctx, slog.LevelInfo, "image request received", logger.Text("request_message", prompt, logTextLimit))

	img, err := d.images.Generate(ctx, prompt)
	if err == nil {
		err = platform.UploadFile(ctx, target.Channel, target.ThreadTS, prompt, img.Data)
	}
	if err != nil {
		ce := d.classifier.Classify(err)
		NewRelay(platform, d.classifier, d.cfg.Relay, log).Fail(ctx, target, ce)
		return ce
	}
	log.Info("image uploaded", "bytes", len(img.Data))
	return nil
}
