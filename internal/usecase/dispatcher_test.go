package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"threadrelay/internal/domain"
	"threadrelay/internal/infra/logger"
)

// recordingProvider streams fixed fragments and records each request.
type recordingProvider struct {
	name      string
	fragments []string
	streamErr error // returned from Stream
	chunkErr  error // sent after the fragments

	mu   sync.Mutex
	reqs []domain.ProviderRequest
}

func (p *recordingProvider) Name() string { return p.name }

func (p *recordingProvider) Stream(ctx context.Context, req domain.ProviderRequest) (<-chan domain.StreamChunk, error) {
	p.mu.Lock()
	p.reqs = append(p.reqs, req)
	p.mu.Unlock()
	if p.streamErr != nil {
		return nil, p.streamErr
	}
	ch := make(chan domain.StreamChunk, len(p.fragments)+1)
	for _, f := range p.fragments {
		ch <- domain.StreamChunk{Text: f}
	}
	if p.chunkErr != nil {
		ch <- domain.StreamChunk{Err: p.chunkErr}
	} else {
		ch <- domain.StreamChunk{Done: true}
	}
	close(ch)
	return ch, nil
}

func (p *recordingProvider) requests() []domain.ProviderRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.ProviderRequest(nil), p.reqs...)
}

type providerMap map[string]domain.ChatProvider

func (m providerMap) Get(name string) (domain.ChatProvider, error) {
	p, ok := m[name]
	if !ok {
		return nil, domain.NewDomainError("providerMap.Get", domain.ErrProviderNotFound, name)
	}
	return p, nil
}

func (m providerMap) List() []string {
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	return names
}

type singlePlatform struct{ p domain.Platform }

func (s singlePlatform) ForApp(string) domain.Platform { return s.p }

type fakeImages struct {
	prompt string
	err    error
}

func (f *fakeImages) Generate(_ context.Context, prompt string) (*domain.GeneratedImage, error) {
	f.prompt = prompt
	if f.err != nil {
		return nil, f.err
	}
	return &domain.GeneratedImage{Data: []byte("png"), MIMEType: "image/png", Prompt: prompt}, nil
}

type dispatcherFixture struct {
	d        *Dispatcher
	platform *fakePlatform
	history  *ContextStore
	provider *recordingProvider
}

func newDispatcherFixture(t *testing.T, provider *recordingProvider, mutate func(*DispatcherConfig, *DispatcherDeps)) *dispatcherFixture {
	t.Helper()
	platform := &fakePlatform{}
	history, _ := newTestContextStore(5)
	retry, _ := newTestRetry(5)
	cfg := DispatcherConfig{
		Strategy:        StrategyStatic,
		DefaultProvider: provider.name,
		ImagePrefix:     "!",
		HistorySource:   HistoryFromCache,
		RollbackTurns:   2,
		Relay:           RelayOptions{EditEvery: 10},
	}
	deps := DispatcherDeps{
		Providers:  providerMap{provider.name: provider},
		Platforms:  singlePlatform{platform},
		History:    history,
		Retry:      retry,
		Classifier: NewErrorClassifier(nil),
		Prompt:     NewPromptBuilder(nil, "\n", logger.Discard()),
		Logger:     logger.Discard(),
	}
	if mutate != nil {
		mutate(&cfg, &deps)
	}
	return &dispatcherFixture{
		d:        NewDispatcher(cfg, deps),
		platform: platform,
		history:  deps.History,
		provider: provider,
	}
}

func mention(text string) domain.InboundEvent {
	return domain.InboundEvent{
		AppID:   "A1",
		Type:    domain.EventAppMention,
		Channel: "C1",
		TS:      "1700000000.000100",
		Text:    text,
		User:    "U1",
	}
}

func readHistory(t *testing.T, cs *ContextStore, key string) []string {
	t.Helper()
	turns, err := cs.Read(context.Background(), key)
	require.NoError(t, err)
	return contents(turns)
}

func TestDispatcher_EndToEnd(t *testing.T) {
	f := newDispatcherFixture(t, &recordingProvider{name: "gpt", fragments: []string{"Hi", " there"}}, nil)
	ev := mention("<@BOT> hi")

	require.NoError(t, f.d.Handle(context.Background(), ev))

	reqs := f.provider.requests()
	require.Len(t, reqs, 1)
	assert.Empty(t, reqs[0].History)
	assert.Equal(t, domain.UserTurn("hi"), reqs[0].Turn)

	assert.Equal(t, []string{"post:Hi", "update:Hi there"}, f.platform.ops())
	assert.Equal(t, ev.TS, f.platform.snapshot()[0].ThreadTS)
	assert.Equal(t, []string{"user:hi", "assistant:Hi there"}, readHistory(t, f.history, ev.TS))
}

func TestDispatcher_HistoryFeedsNextRequest(t *testing.T) {
	f := newDispatcherFixture(t, &recordingProvider{name: "gpt", fragments: []string{"ok"}}, nil)
	first := mention("<@BOT> one")
	second := mention("<@BOT> two")
	second.TS = "1700000001.000200"
	second.ThreadTS = first.TS

	require.NoError(t, f.d.Handle(context.Background(), first))
	require.NoError(t, f.d.Handle(context.Background(), second))

	reqs := f.provider.requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, []string{"user:one", "assistant:ok"}, contents(reqs[1].History))
	assert.Equal(t, []string{"user:one", "assistant:ok", "user:two", "assistant:ok"}, readHistory(t, f.history, first.TS))
}

func TestDispatcher_UnknownFailureRollsBack(t *testing.T) {
	f := newDispatcherFixture(t, &recordingProvider{name: "gpt", chunkErr: errors.New("boom")}, nil)
	ev := mention("<@BOT> hi")

	err := f.d.Handle(context.Background(), ev)
	var ce *domain.ClassifiedError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, domain.KindUnknown, ce.Kind)

	assert.NotContains(t, readHistory(t, f.history, ev.TS), "user:hi")
	assert.Equal(t, []string{"post:" + DefaultMessages[domain.KindUnknown]}, f.platform.ops())
}

func TestDispatcher_ContextTooLargeDeletesHistory(t *testing.T) {
	ctx := context.Background()
	f := newDispatcherFixture(t, &recordingProvider{name: "gpt", streamErr: domain.ErrContextOverflow}, nil)
	ev := mention("<@BOT> hi")
	require.NoError(t, f.history.Append(ctx, ev.TS, domain.UserTurn("old"), domain.AssistantTurn("older")))

	err := f.d.Handle(ctx, ev)
	require.Error(t, err)

	assert.Empty(t, readHistory(t, f.history, ev.TS))
	assert.Equal(t, []string{"post:" + DefaultMessages[domain.KindContextTooLarge]}, f.platform.ops())
}

func TestDispatcher_AuthFailureKeepsHistory(t *testing.T) {
	f := newDispatcherFixture(t, &recordingProvider{name: "gpt", streamErr: domain.ErrAuthInvalid}, nil)
	ev := mention("hi")

	require.Error(t, f.d.Handle(context.Background(), ev))
	assert.Equal(t, []string{"user:hi"}, readHistory(t, f.history, ev.TS))
}

func TestDispatcher_IgnoresBotsAndRejectsMalformed(t *testing.T) {
	f := newDispatcherFixture(t, &recordingProvider{name: "gpt", fragments: []string{"x"}}, nil)

	bot := mention("hi")
	bot.BotID = "B1"
	require.NoError(t, f.d.Handle(context.Background(), bot))

	bad := mention("hi")
	bad.Channel = ""
	assert.ErrorIs(t, f.d.Handle(context.Background(), bad), domain.ErrInvalidEvent)

	assert.Empty(t, f.provider.requests())
	assert.Empty(t, f.platform.ops())
}

func TestDispatcher_RequestStrategyRoutesByApp(t *testing.T) {
	gemini := &recordingProvider{name: "gemini", fragments: []string{"g"}}
	f := newDispatcherFixture(t, &recordingProvider{name: "gpt", fragments: []string{"o"}}, func(cfg *DispatcherConfig, deps *DispatcherDeps) {
		cfg.Strategy = StrategyRequest
		cfg.AppRoutes = map[string]string{"A2": "gemini"}
		deps.Providers.(providerMap)["gemini"] = gemini
	})

	ev := mention("hi")
	ev.AppID = "A2"
	require.NoError(t, f.d.Handle(context.Background(), ev))
	assert.Len(t, gemini.requests(), 1)
	assert.Empty(t, f.provider.requests())

	ev.AppID = "A1"
	ev.TS = "1700000002.000300"
	require.NoError(t, f.d.Handle(context.Background(), ev))
	assert.Len(t, f.provider.requests(), 1)
}

func TestDispatcher_RandomStrategy(t *testing.T) {
	claude := &recordingProvider{name: "claude", fragments: []string{"c"}}
	f := newDispatcherFixture(t, &recordingProvider{name: "gpt", fragments: []string{"o"}}, func(cfg *DispatcherConfig, deps *DispatcherDeps) {
		cfg.Strategy = StrategyRandom
		deps.Providers.(providerMap)["claude"] = claude
	})
	f.d.intn = func(int) int { return 0 } // sorted: claude, gpt

	require.NoError(t, f.d.Handle(context.Background(), mention("hi")))
	assert.Len(t, claude.requests(), 1)
}

func TestDispatcher_UnknownProviderPostsApology(t *testing.T) {
	f := newDispatcherFixture(t, &recordingProvider{name: "gpt"}, func(cfg *DispatcherConfig, _ *DispatcherDeps) {
		cfg.DefaultProvider = "missing"
	})
	err := f.d.Handle(context.Background(), mention("hi"))
	assert.ErrorIs(t, err, domain.ErrProviderNotFound)
	assert.Len(t, f.platform.ops(), 1)
}

func TestDispatcher_ImageBranch(t *testing.T) {
	images := &fakeImages{}
	f := newDispatcherFixture(t, &recordingProvider{name: "gpt"}, func(_ *DispatcherConfig, deps *DispatcherDeps) {
		deps.Images = images
	})

	require.NoError(t, f.d.Handle(context.Background(), mention("<@BOT> !a red fox")))

	assert.Equal(t, "a red fox", images.prompt)
	assert.Equal(t, []string{"upload:a red fox"}, f.platform.ops())
	assert.Empty(t, f.provider.requests())
	assert.Empty(t, readHistory(t, f.history, "1700000000.000100"))
}

func TestDispatcher_ImageFailurePostsMessage(t *testing.T) {
	images := &fakeImages{err: domain.ErrContentPolicy}
	f := newDispatcherFixture(t, &recordingProvider{name: "gpt"}, func(_ *DispatcherConfig, deps *DispatcherDeps) {
		deps.Images = images
	})

	err := f.d.Handle(context.Background(), mention("!nope"))
	require.Error(t, err)
	ops := f.platform.ops()
	require.Len(t, ops, 1)
	assert.Contains(t, ops[0], "declined")
}

func TestDispatcher_ThreadHistorySource(t *testing.T) {
	f := newDispatcherFixture(t, &recordingProvider{name: "gpt", fragments: []string{"fine"}}, func(cfg *DispatcherConfig, _ *DispatcherDeps) {
		cfg.HistorySource = HistoryFromThread
	})
	f.platform.history = []domain.Turn{
		domain.UserTurn("hello"),
		domain.AssistantTurn("hey"),
		domain.UserTurn("how are you"),
	}
	ev := mention("<@BOT> how are you")
	ev.ThreadTS = "1699999999.000001"

	require.NoError(t, f.d.Handle(context.Background(), ev))

	req := f.provider.requests()[0]
	assert.Equal(t, []string{"user:hello", "assistant:hey"}, contents(req.History))
	assert.Equal(t, "how are you", req.Turn.Content)
	// Thread mode does not write the cache.
	assert.Empty(t, readHistory(t, f.history, ev.ThreadTS))
}

func TestDispatcher_SerializesSameConversation(t *testing.T) {
	slow := &blockingProvider{release: make(chan struct{}), started: make(chan struct{}, 2)}
	platform := &fakePlatform{}
	history, _ := newTestContextStore(10)
	retry, _ := newTestRetry(1)
	d := NewDispatcher(DispatcherConfig{DefaultProvider: "slow", RollbackTurns: 2, Relay: RelayOptions{EditEvery: 10}},
		DispatcherDeps{
			Providers:  providerMap{"slow": slow},
			Platforms:  singlePlatform{platform},
			History:    history,
			Retry:      retry,
			Classifier: NewErrorClassifier(nil),
			Prompt:     NewPromptBuilder(nil, "\n", logger.Discard()),
			Logger:     logger.Discard(),
		})

	a := mention("first")
	b := mention("second")
	b.TS = "1700000000.000200"
	b.ThreadTS = a.TS

	d.Submit(context.Background(), a)
	<-slow.started
	d.Submit(context.Background(), b)

	select {
	case <-slow.started:
		t.Fatal("second reply started while the first held the conversation")
	case <-time.After(50 * time.Millisecond):
	}
	close(slow.release)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, d.Wait(ctx))

	assert.Equal(t, []string{"user:first", "assistant:done", "user:second", "assistant:done"}, readHistory(t, history, a.TS))
}

func TestDispatcher_SubmitRecoversPanic(t *testing.T) {
	f := newDispatcherFixture(t, &recordingProvider{name: "gpt"}, func(_ *DispatcherConfig, deps *DispatcherDeps) {
		deps.Providers = panickingProviders{}
	})
	f.d.Submit(context.Background(), mention("hi"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.d.Wait(ctx))
	assert.Equal(t, []string{"post:" + DefaultMessages[domain.KindUnknown]}, f.platform.ops())
}

type blockingProvider struct {
	release chan struct{}
	started chan struct{}
}

func (p *blockingProvider) Name() string { return "slow" }

func (p *blockingProvider) Stream(ctx context.Context, _ domain.ProviderRequest) (<-chan domain.StreamChunk, error) {
	p.started <- struct{}{}
	ch := make(chan domain.StreamChunk, 2)
	go func() {
		defer close(ch)
		<-p.release
		ch <- domain.StreamChunk{Text: "done"}
		ch <- domain.StreamChunk{Done: true}
	}()
	return ch, nil
}

type panickingProviders struct{}

func (panickingProviders) Get(string) (domain.ChatProvider, error) { panic("registry corrupted") }
func (panickingProviders) List() []string                          { return nil }
