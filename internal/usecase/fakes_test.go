package usecase

import (
	"context"
	"fmt"
	"sync"

	"threadrelay/internal/domain"
)

type platformCall struct {
	Op        string // "post", "update", "upload"
	Channel   string
	ThreadTS  string
	MessageID string
	Text      string
}

// fakePlatform records every publish call.
type fakePlatform struct {
	mu        sync.Mutex
	calls     []platformCall
	nextID    int
	postErr   func(text string) error
	updateErr func(id, text string) error
	history   []domain.Turn
	files     map[string][]byte
}

func (p *fakePlatform) PostMessage(_ context.Context, channel, threadTS, text string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.postErr != nil {
		if err := p.postErr(text); err != nil {
			return "", err
		}
	}
	p.nextID++
	id := fmt.Sprintf("m%d", p.nextID)
	p.calls = append(p.calls, platformCall{Op: "post", Channel: channel, ThreadTS: threadTS, MessageID: id, Text: text})
	return id, nil
}

func (p *fakePlatform) UpdateMessage(_ context.Context, channel, messageID, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.updateErr != nil {
		if err := p.updateErr(messageID, text); err != nil {
			return err
		}
	}
	p.calls = append(p.calls, platformCall{Op: "update", Channel: channel, MessageID: messageID, Text: text})
	return nil
}

func (p *fakePlatform) UploadFile(_ context.Context, channel, threadTS, title string, file []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, platformCall{Op: "upload", Channel: channel, ThreadTS: threadTS, Text: title})
	return nil
}

func (p *fakePlatform) ThreadHistory(_ context.Context, channel, threadTS string, limit int) ([]domain.Turn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h := p.history
	if limit > 0 && len(h) > limit {
		h = h[len(h)-limit:]
	}
	return append([]domain.Turn(nil), h...), nil
}

func (p *fakePlatform) FetchFile(_ context.Context, url string) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.files[url]
	if !ok {
		return nil, fmt.Errorf("no file %s", url)
	}
	return b, nil
}

func (p *fakePlatform) snapshot() []platformCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]platformCall(nil), p.calls...)
}

func (p *fakePlatform) ops() []string {
	var out []string
	for _, c := range p.snapshot() {
		out = append(out, c.Op+":"+c.Text)
	}
	return out
}

var _ domain.Platform = (*fakePlatform)(nil)
