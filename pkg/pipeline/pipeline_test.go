package pipeline

import (
	"context"
	"testing"
	"time"

	"threadline/pkg/api"
	"threadline/pkg/billing"
	"threadline/pkg/config"
	"threadline/pkg/llm"
	"threadline/pkg/media"
	"threadline/pkg/thread"
	"threadline/pkg/tools"
)

type scriptedClient struct{ text string }

func (c *scriptedClient) StreamChat(ctx context.Context, system []llm.SystemBlock, messages []llm.Message, toolDefs []llm.Tool) (<-chan llm.StreamChunk, error) {
	ch := make(chan llm.StreamChunk, 2)
	ch <- llm.NewTextChunk(c.text)
	ch <- llm.NewFinalChunk(llm.StopReasonStop, &llm.LLMUsage{PromptTokens: 1, CompletionTokens: 1})
	close(ch)
	return ch, nil
}
func (c *scriptedClient) IsTransientError(err error) bool { return false }
func (c *scriptedClient) Provider() string                { return "scripted" }

type fakeResponder struct {
	replies chan string
}

func (f *fakeResponder) SendReply(session api.SessionContext, content string) error {
	f.replies <- content
	return nil
}
func (f *fakeResponder) StreamReply(session api.SessionContext, blocks <-chan llm.ContentBlock) error {
	return nil
}
func (f *fakeResponder) SendSignal(session api.SessionContext, signal string) error { return nil }

func testPipeline(t *testing.T, replyText string) (*Pipeline, *fakeResponder) {
	t.Helper()
	threads := thread.NewRegistry("")
	reg := tools.NewRegistry()
	ledger := billing.NewInMemoryLedger()
	dispatcher := tools.NewDispatcher(reg, ledger, 0)
	cache := media.NewCache(1024*1024, time.Hour)
	cfg := &config.Config{SystemPrompt: "be helpful"}
	sysCfg := &config.SystemConfig{
		BatchWindowMs:     10,
		MaxToolIterations: 5,
		MaxMessageLength:  4096,
		EditThrottleMs:    1000,
		EditThrottleChars: 80,
	}
	pl := New(threads, &scriptedClient{text: replyText}, reg, dispatcher, cache, nil, cfg, sysCfg, llm.ProviderGroupConfig{})
	pl.Start()
	fr := &fakeResponder{replies: make(chan string, 4)}
	pl.SetResponder(fr)
	return pl, fr
}

func TestOnMessageProducesReply(t *testing.T) {
	pl, fr := testPipeline(t, "hello from the pipeline")
	pl.OnMessage(&api.UnifiedMessage{
		Session: api.SessionContext{ChatID: "1", UserID: "2", ChannelID: "test"},
		Content: "hi there",
	})

	select {
	case reply := <-fr.replies:
		if reply != "hello from the pipeline" {
			t.Fatalf("expected the orchestrator's text, got %q", reply)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a reply")
	}
}

func TestOnMessageStopCommandCancelsNothingWhenIdle(t *testing.T) {
	pl, fr := testPipeline(t, "unused")
	pl.OnMessage(&api.UnifiedMessage{
		Session: api.SessionContext{ChatID: "9", UserID: "9", ChannelID: "test"},
		Content: "/stop",
	})

	select {
	case reply := <-fr.replies:
		if reply != "nothing is currently running." {
			t.Fatalf("expected the idle /stop message, got %q", reply)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the /stop reply")
	}
}

func TestKeyForDerivesStableKeys(t *testing.T) {
	k1 := keyFor(api.SessionContext{ChatID: "100", UserID: "200", TopicID: "300"})
	k2 := keyFor(api.SessionContext{ChatID: "100", UserID: "200", TopicID: "300"})
	if k1 != k2 {
		t.Fatal("expected identical sessions to derive identical keys")
	}
	webKey := keyFor(api.SessionContext{ChatID: "global", UserID: "u1"})
	if webKey.ChatID == 0 {
		t.Fatal("expected a non-numeric chat id to hash to a non-zero key rather than collapsing to 0")
	}
}
