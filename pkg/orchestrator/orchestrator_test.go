package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"threadline/pkg/api"
	"threadline/pkg/billing"
	"threadline/pkg/display"
	"threadline/pkg/gentrack"
	"threadline/pkg/llm"
	"threadline/pkg/tools"
)

// scriptedClient replays a fixed sequence of StreamChat responses, one per
// call, so a test can script a tool_use round-trip deterministically.
type scriptedClient struct {
	turns [][]llm.StreamChunk
	calls int
}

func (c *scriptedClient) StreamChat(ctx context.Context, system []llm.SystemBlock, messages []llm.Message, tools []llm.Tool) (<-chan llm.StreamChunk, error) {
	turn := c.turns[c.calls]
	c.calls++
	ch := make(chan llm.StreamChunk, len(turn))
	for _, chunk := range turn {
		ch <- chunk
	}
	close(ch)
	return ch, nil
}

func (c *scriptedClient) IsTransientError(err error) bool { return false }
func (c *scriptedClient) Provider() string                { return "scripted" }

func echoToolConfig() *tools.ToolConfig {
	return &tools.ToolConfig{
		Name: "echo",
		Executor: func(ctx context.Context, args map[string]any) (*api.ToolResult, float64, error) {
			return &api.ToolResult{Content: []api.ContentBlock{{Type: "text", Text: "echoed"}}}, 0, nil
		},
	}
}

// commutativeBarrierToolConfig only returns once every sibling call sharing
// wg has also started executing, so a test can prove the tool loop actually
// ran commutative siblings concurrently: a sequential dispatcher would
// deadlock here rather than complete.
func commutativeBarrierToolConfig(name string, wg *sync.WaitGroup) *tools.ToolConfig {
	return &tools.ToolConfig{
		Name:          name,
		IsCommutative: true,
		Executor: func(ctx context.Context, args map[string]any) (*api.ToolResult, float64, error) {
			wg.Done()
			wg.Wait()
			return &api.ToolResult{Content: []api.ContentBlock{{Type: "text", Text: name + "-done"}}}, 0, nil
		},
	}
}

// recordingResponder captures what the orchestrator sends it, so a test can
// assert on ordering between text replies and file deliveries.
type recordingResponder struct {
	replies []string
	files   []api.FileDelivery
}

func (r *recordingResponder) SendReply(session api.SessionContext, message string) error {
	r.replies = append(r.replies, message)
	return nil
}
func (r *recordingResponder) SendFile(session api.SessionContext, file api.FileDelivery) error {
	r.files = append(r.files, file)
	return nil
}
func (r *recordingResponder) StreamReply(session api.SessionContext, blocks <-chan llm.ContentBlock) error {
	return nil
}
func (r *recordingResponder) SendSignal(session api.SessionContext, signal string) error {
	return nil
}

func snapshotToolConfig() *tools.ToolConfig {
	return &tools.ToolConfig{
		Name:             "take_snapshot",
		FileDeliveryHint: llm.DeliverInline,
		Executor: func(ctx context.Context, args map[string]any) (*api.ToolResult, float64, error) {
			return &api.ToolResult{
				Content: []api.ContentBlock{{Type: "text", Text: "snapshot taken"}},
				File:    &api.FileDelivery{Filename: "snap.png", Data: []byte{1, 2, 3}, MimeType: "image/png"},
			}, 0, nil
		},
	}
}

func TestRunSingleTurnNoTools(t *testing.T) {
	client := &scriptedClient{turns: [][]llm.StreamChunk{
		{
			llm.NewTextChunk("hello there"),
			llm.NewFinalChunk(llm.StopReasonStop, &llm.LLMUsage{PromptTokens: 10, CompletionTokens: 5}),
		},
	}}
	reg := tools.NewRegistry()
	ledger := billing.NewInMemoryLedger()
	dispatcher := tools.NewDispatcher(reg, ledger, 0)
	orch := New(client, reg, dispatcher, 20)

	tracker := gentrack.NewTracker()
	handle, err := tracker.Start(context.Background(), "thread-1")
	if err != nil {
		t.Fatalf("unexpected error starting handle: %v", err)
	}
	defer handle.Cleanup()

	disp := display.NewManager(4096, 1000, 80)
	result := orch.Run(handle, "thread-1", nil, []llm.Message{llm.NewUserMessage("hi")}, disp, llm.ProviderGroupConfig{}, nil, api.SessionContext{})

	if result.Cancelled {
		t.Fatalf("expected a clean completion, got cancelled with reason %q", result.Reason)
	}
	if got := disp.GetAllText(); got != "hello there" {
		t.Fatalf("expected display text %q, got %q", "hello there", got)
	}
	if len(result.Messages) != 2 {
		t.Fatalf("expected user + assistant messages, got %d", len(result.Messages))
	}
}

func TestRunExecutesToolAndContinues(t *testing.T) {
	client := &scriptedClient{turns: [][]llm.StreamChunk{
		{
			llm.StreamChunk{
				Event:   llm.EventToolUseEnd,
				ToolCalls: []llm.ToolCall{{ID: "call-1", Name: "echo", Function: llm.FunctionCall{Name: "echo", Arguments: "{}"}}},
			},
			llm.NewFinalChunk(llm.StopReasonToolUse, &llm.LLMUsage{PromptTokens: 5, CompletionTokens: 2}),
		},
		{
			llm.NewTextChunk("done"),
			llm.NewFinalChunk(llm.StopReasonStop, &llm.LLMUsage{PromptTokens: 8, CompletionTokens: 3}),
		},
	}}

	reg := tools.NewRegistry()
	reg.Register(tools.NewConfiguredTool(echoToolConfig()))
	ledger := billing.NewInMemoryLedger()
	dispatcher := tools.NewDispatcher(reg, ledger, 0)
	orch := New(client, reg, dispatcher, 20)

	tracker := gentrack.NewTracker()
	handle, err := tracker.Start(context.Background(), "thread-1")
	if err != nil {
		t.Fatalf("unexpected error starting handle: %v", err)
	}
	defer handle.Cleanup()

	disp := display.NewManager(4096, 1000, 80)
	result := orch.Run(handle, "thread-1", nil, []llm.Message{llm.NewUserMessage("use the tool")}, disp, llm.ProviderGroupConfig{}, nil, api.SessionContext{})

	if result.Cancelled {
		t.Fatalf("expected completion, got cancelled: %q", result.Reason)
	}
	if client.calls != 2 {
		t.Fatalf("expected 2 StreamChat turns (pre- and post-tool), got %d", client.calls)
	}

	var sawToolResult bool
	for _, m := range result.Messages {
		if m.Role == "tool" && m.ToolCallID == "call-1" {
			sawToolResult = true
			if m.Content[0].Text != "echoed" {
				t.Fatalf("expected tool result content 'echoed', got %q", m.Content[0].Text)
			}
		}
	}
	if !sawToolResult {
		t.Fatal("expected a tool_result message paired to call-1")
	}
}

func TestRunDispatchesCommutativeToolsConcurrently(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(2)

	reg := tools.NewRegistry()
	reg.Register(tools.NewConfiguredTool(commutativeBarrierToolConfig("fetch_a", &wg)))
	reg.Register(tools.NewConfiguredTool(commutativeBarrierToolConfig("fetch_b", &wg)))

	client := &scriptedClient{turns: [][]llm.StreamChunk{
		{
			llm.StreamChunk{
				Event: llm.EventToolUseEnd,
				ToolCalls: []llm.ToolCall{
					{ID: "call-a", Name: "fetch_a", Function: llm.FunctionCall{Name: "fetch_a", Arguments: "{}"}},
					{ID: "call-b", Name: "fetch_b", Function: llm.FunctionCall{Name: "fetch_b", Arguments: "{}"}},
				},
			},
			llm.NewFinalChunk(llm.StopReasonToolUse, &llm.LLMUsage{}),
		},
		{
			llm.NewTextChunk("done"),
			llm.NewFinalChunk(llm.StopReasonStop, &llm.LLMUsage{}),
		},
	}}

	ledger := billing.NewInMemoryLedger()
	dispatcher := tools.NewDispatcher(reg, ledger, 0)
	orch := New(client, reg, dispatcher, 20)

	tracker := gentrack.NewTracker()
	handle, err := tracker.Start(context.Background(), "thread-1")
	if err != nil {
		t.Fatalf("unexpected error starting handle: %v", err)
	}
	defer handle.Cleanup()

	disp := display.NewManager(4096, 1000, 80)

	done := make(chan Result, 1)
	go func() {
		done <- orch.Run(handle, "thread-1", nil, []llm.Message{llm.NewUserMessage("fetch both")}, disp, llm.ProviderGroupConfig{}, nil, api.SessionContext{})
	}()

	select {
	case result := <-done:
		if result.Cancelled {
			t.Fatalf("expected completion, got cancelled: %q", result.Reason)
		}
		var sawA, sawB bool
		for _, m := range result.Messages {
			if m.Role != "tool" {
				continue
			}
			if m.ToolCallID == "call-a" && m.Content[0].Text == "fetch_a-done" {
				sawA = true
			}
			if m.ToolCallID == "call-b" && m.Content[0].Text == "fetch_b-done" {
				sawB = true
			}
		}
		if !sawA || !sawB {
			t.Fatalf("expected both commutative tool results paired to their call ids, got %+v", result.Messages)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out: commutative siblings did not run concurrently (sequential dispatch would deadlock on the shared barrier)")
	}
}

func TestRunStopsAtMaxIterations(t *testing.T) {
	loopingTurn := []llm.StreamChunk{
		llm.StreamChunk{
			Event:   llm.EventToolUseEnd,
			ToolCalls: []llm.ToolCall{{ID: "call-x", Name: "echo", Function: llm.FunctionCall{Name: "echo", Arguments: "{}"}}},
		},
		llm.NewFinalChunk(llm.StopReasonToolUse, &llm.LLMUsage{}),
	}
	var turns [][]llm.StreamChunk
	for i := 0; i < 5; i++ {
		turns = append(turns, loopingTurn)
	}
	client := &scriptedClient{turns: turns}

	reg := tools.NewRegistry()
	reg.Register(tools.NewConfiguredTool(echoToolConfig()))
	ledger := billing.NewInMemoryLedger()
	dispatcher := tools.NewDispatcher(reg, ledger, 0)
	orch := New(client, reg, dispatcher, 3)

	tracker := gentrack.NewTracker()
	handle, err := tracker.Start(context.Background(), "thread-1")
	if err != nil {
		t.Fatalf("unexpected error starting handle: %v", err)
	}
	defer handle.Cleanup()

	disp := display.NewManager(4096, 1000, 80)
	result := orch.Run(handle, "thread-1", nil, []llm.Message{llm.NewUserMessage("loop forever")}, disp, llm.ProviderGroupConfig{}, nil, api.SessionContext{})

	if !result.Cancelled || result.Reason != llm.CancelMaxIterations {
		t.Fatalf("expected max-iterations cancellation, got cancelled=%v reason=%q", result.Cancelled, result.Reason)
	}
}

// cancelMidSecondTurnClient completes a first turn normally (recording a
// real usage event to serve as the billing reference rate), then on the
// second turn streams some text and cancels the handle itself -- before
// any terminal usage event for that second turn arrives -- to exercise a
// genuine mid-stream cancellation rather than the MAX_ITERATIONS path.
type cancelMidSecondTurnClient struct {
	handle *gentrack.Handle
	calls  int
}

func (c *cancelMidSecondTurnClient) StreamChat(ctx context.Context, system []llm.SystemBlock, messages []llm.Message, tools []llm.Tool) (<-chan llm.StreamChunk, error) {
	c.calls++
	if c.calls == 1 {
		ch := make(chan llm.StreamChunk, 2)
		ch <- llm.StreamChunk{
			Event:     llm.EventToolUseEnd,
			ToolCalls: []llm.ToolCall{{ID: "call-1", Name: "echo", Function: llm.FunctionCall{Name: "echo", Arguments: "{}"}}},
		}
		ch <- llm.NewFinalChunk(llm.StopReasonToolUse, &llm.LLMUsage{PromptTokens: 5, CompletionTokens: 20})
		close(ch)
		return ch, nil
	}

	ch := make(chan llm.StreamChunk)
	go func() {
		defer close(ch)
		ch <- llm.NewTextChunk("12345678901234567890") // 20 chars
		c.handle.Cancel(llm.CancelStopCommand)
		time.Sleep(20 * time.Millisecond) // let the orchestrator observe cancellation first
		ch <- llm.NewTextChunk("dropped after cancellation")
		ch <- llm.NewFinalChunk(llm.StopReasonStop, &llm.LLMUsage{PromptTokens: 99, CompletionTokens: 99})
	}()
	return ch, nil
}
func (c *cancelMidSecondTurnClient) IsTransientError(err error) bool { return false }
func (c *cancelMidSecondTurnClient) Provider() string                { return "cancel-mid-turn" }

func TestRunMidStreamCancelProratesInsteadOfDoubleBilling(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register(tools.NewConfiguredTool(echoToolConfig()))
	ledger := billing.NewInMemoryLedger()
	dispatcher := tools.NewDispatcher(reg, ledger, 0)

	tracker := gentrack.NewTracker()
	handle, err := tracker.Start(context.Background(), "thread-1")
	if err != nil {
		t.Fatalf("unexpected error starting handle: %v", err)
	}
	defer handle.Cleanup()

	client := &cancelMidSecondTurnClient{handle: handle}
	orch := New(client, reg, dispatcher, 20)

	disp := display.NewManager(4096, 1000, 80)
	pricing := llm.ProviderGroupConfig{PricePerMTokOut: 1_000_000} // $1/completion token, for round numbers
	result := orch.Run(handle, "thread-1", nil, []llm.Message{llm.NewUserMessage("use the tool then keep going")}, disp, pricing, nil, api.SessionContext{})

	if !result.Cancelled || result.Reason != llm.CancelStopCommand {
		t.Fatalf("expected a stop-command cancellation, got cancelled=%v reason=%q", result.Cancelled, result.Reason)
	}
	if want := "12345678901234567890\n[interrupted]"; disp.GetAllText() != want {
		t.Fatalf("expected display text %q, got %q", want, disp.GetAllText())
	}

	// Turn 1 bills its real usage: 20 completion tokens * $1 = $20.
	// Turn 2 is cancelled before any usage event arrives for it, so it must
	// be prorated off turn 1's rate by character count instead of rebilling
	// turn 1's $20: 20 of an expected 80 chars (20 tokens * 4 chars/token)
	// is 1/4, i.e. $5, for a total of $25. The double-billing bug this
	// guards against would land on $40 (turn 1's $20 billed twice).
	const want = 25.0
	if diff := result.TotalCost - want; diff > 0.01 || diff < -0.01 {
		t.Fatalf("expected prorated total cost %.2f, got %.2f (double-billing bug would give ~40)", want, result.TotalCost)
	}
}

func TestRunDeliversInlineFileBeforeFinalReply(t *testing.T) {
	client := &scriptedClient{turns: [][]llm.StreamChunk{
		{
			llm.StreamChunk{
				Event:     llm.EventToolUseEnd,
				ToolCalls: []llm.ToolCall{{ID: "call-1", Name: "take_snapshot", Function: llm.FunctionCall{Name: "take_snapshot", Arguments: "{}"}}},
			},
			llm.NewFinalChunk(llm.StopReasonToolUse, &llm.LLMUsage{}),
		},
		{
			llm.NewTextChunk("here's the snapshot"),
			llm.NewFinalChunk(llm.StopReasonStop, &llm.LLMUsage{}),
		},
	}}

	reg := tools.NewRegistry()
	reg.Register(tools.NewConfiguredTool(snapshotToolConfig()))
	ledger := billing.NewInMemoryLedger()
	dispatcher := tools.NewDispatcher(reg, ledger, 0)
	orch := New(client, reg, dispatcher, 20)

	tracker := gentrack.NewTracker()
	handle, err := tracker.Start(context.Background(), "thread-1")
	if err != nil {
		t.Fatalf("unexpected error starting handle: %v", err)
	}
	defer handle.Cleanup()

	disp := display.NewManager(4096, 1000, 80)
	responder := &recordingResponder{}
	result := orch.Run(handle, "thread-1", nil, []llm.Message{llm.NewUserMessage("take a picture")}, disp, llm.ProviderGroupConfig{}, responder, api.SessionContext{})

	if result.Cancelled {
		t.Fatalf("expected completion, got cancelled: %q", result.Reason)
	}
	if len(result.PendingFiles) != 0 {
		t.Fatalf("inline-hinted file should have been delivered immediately, not deferred: %+v", result.PendingFiles)
	}
	if len(responder.files) != 1 || responder.files[0].Filename != "snap.png" {
		t.Fatalf("expected the snapshot to be sent through the responder, got %+v", responder.files)
	}
}
