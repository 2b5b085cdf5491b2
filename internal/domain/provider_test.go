package domain

import (
	"testing"
	"time"
)

func TestGenerationParamsMerge(t *testing.T) {
	def := GenerationParams{MaxTokens: 2048, Temperature: 0.7, TopP: 1, RequestTimeout: time.Minute}
	got := GenerationParams{Temperature: 1}.Merge(def)

	if got.MaxTokens != 2048 {
		t.Errorf("MaxTokens = %d, want 2048", got.MaxTokens)
	}
	if got.Temperature != 1 {
		t.Errorf("Temperature = %v, want explicit 1", got.Temperature)
	}
	if got.RequestTimeout != time.Minute {
		t.Errorf("RequestTimeout = %v, want 1m", got.RequestTimeout)
	}
}

func TestProviderRequestMessages(t *testing.T) {
	req := ProviderRequest{
		History: []Turn{UserTurn("a"), AssistantTurn("b")},
		Turn:    UserTurn("c"),
	}
	msgs := req.Messages()
	if len(msgs) != 3 || msgs[2].Content != "c" {
		t.Fatalf("Messages() = %+v", msgs)
	}
	// The request's own history must not be aliased.
	msgs[0].Content = "x"
	if req.History[0].Content != "a" {
		t.Error("Messages() aliased History")
	}
}

func TestReplyStateString(t *testing.T) {
	for s, want := range map[ReplyState]string{
		StateIdle: "idle", StatePosted: "posted", StateUpdating: "updating",
		StateFinalized: "finalized", StateErrored: "errored",
	} {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", s, s.String(), want)
		}
	}
}
