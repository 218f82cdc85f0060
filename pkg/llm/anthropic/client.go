// Package anthropic implements the primary chat provider: a hand-rolled
// Anthropic Messages API client speaking the raw SSE wire protocol, since no
// complete example repo in the reference pack vendors an Anthropic SDK.
//
// Grounded on the SSE event-type switch and content-block assembly in
// anthropic-tool_loop.go (other_examples/), fused with the provider-client
// struct shape, buffered-channel/unbuffered-startResultCh streaming pattern,
// and StreamDebugger usage from pkg/llm/gemini/client.go. Unlike that
// reference file, the multi-turn tool-use loop itself is NOT implemented
// here: StreamChat drives exactly one turn, and the turn loop lives in the
// Streaming Orchestrator, matching how gemini.StreamChat and
// ollama.StreamChat are already structured in this module.
package anthropic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"threadline/pkg/config"
	"threadline/pkg/llm"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	defaultBaseURL  = "https://api.anthropic.com/v1/messages"
	defaultVersion  = "2023-06-01"
	defaultMaxToken = 8192
)

// AnthropicClient is the primary chat provider client.
type AnthropicClient struct {
	apiKey         string
	model          string
	baseURL        string
	maxTokens      int
	useThinking    bool
	thinkingBudget int
	options        map[string]any
	sysConfig      *config.SystemConfig
	httpClient     *http.Client
}

// NewAnthropicClient builds a client for one model/key pair.
func NewAnthropicClient(apiKey, model, baseURL string, options map[string]any, sys *config.SystemConfig) *AnthropicClient {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	maxTokens := defaultMaxToken
	if v, ok := options["max_tokens"].(float64); ok && v > 0 {
		maxTokens = int(v)
	}

	useThinking := false
	thinkingBudget := 0
	if v, ok := options["extended_thinking"].(bool); ok {
		useThinking = v
	}
	if v, ok := options["thinking_budget_tokens"].(float64); ok {
		thinkingBudget = int(v)
	}
	if useThinking && thinkingBudget == 0 {
		thinkingBudget = 4096
	}

	return &AnthropicClient{
		apiKey:         apiKey,
		model:          model,
		baseURL:        baseURL,
		maxTokens:      maxTokens,
		useThinking:    useThinking,
		thinkingBudget: thinkingBudget,
		options:        options,
		sysConfig:      sys,
		// No client-side timeout; the caller's ctx governs cancellation and a
		// long-running generation is expected to legitimately take minutes.
		httpClient: &http.Client{},
	}
}

func (c *AnthropicClient) Provider() string {
	return "anthropic"
}

// --- wire types -------------------------------------------------------

type anthSystemBlock struct {
	Type         string          `json:"type"`
	Text         string          `json:"text"`
	CacheControl *anthCacheCtrl  `json:"cache_control,omitempty"`
}

type anthCacheCtrl struct {
	Type string `json:"type"`
}

type anthContentBlock struct {
	Type             string         `json:"type"`
	Text             string         `json:"text,omitempty"`
	Thinking         string         `json:"thinking,omitempty"`
	Signature        string         `json:"signature,omitempty"`
	ID               string         `json:"id,omitempty"`
	Name             string         `json:"name,omitempty"`
	Input            map[string]any `json:"input,omitempty"`
	ToolUseID        string         `json:"tool_use_id,omitempty"`
	Content          any            `json:"content,omitempty"`
	IsError          bool           `json:"is_error,omitempty"`
	Source           *anthSource    `json:"source,omitempty"`
	CacheControl     *anthCacheCtrl `json:"cache_control,omitempty"`
}

type anthSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
	FileID    string `json:"file_id,omitempty"`
}

type anthMessage struct {
	Role    string             `json:"role"`
	Content []anthContentBlock `json:"content"`
}

type anthTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthThinkingConfig struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

type anthRequest struct {
	Model     string              `json:"model"`
	MaxTokens int                 `json:"max_tokens"`
	System    []anthSystemBlock   `json:"system,omitempty"`
	Messages  []anthMessage       `json:"messages"`
	Tools     []anthTool          `json:"tools,omitempty"`
	Thinking  *anthThinkingConfig `json:"thinking,omitempty"`
	Stream    bool                `json:"stream"`
}

type anthDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	Signature   string `json:"signature,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

type anthUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
}

type sseEvent struct {
	Type         string            `json:"type"`
	Index        int               `json:"index"`
	ContentBlock *anthContentBlock `json:"content_block,omitempty"`
	Delta        *anthDelta        `json:"delta,omitempty"`
	Usage        *anthUsage        `json:"usage,omitempty"`
	Message      *struct {
		StopReason string     `json:"stop_reason,omitempty"`
		Usage      *anthUsage `json:"usage,omitempty"`
	} `json:"message,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// --- StreamChat ---------------------------------------------------------

// StreamChat implements llm.LLMClient. It performs exactly one provider
// turn: the multi-turn tool-use loop is the Streaming Orchestrator's job.
func (c *AnthropicClient) StreamChat(ctx context.Context, system []llm.SystemBlock, messages []llm.Message, tools []llm.Tool) (<-chan llm.StreamChunk, error) {
	req := anthRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System:    convertSystem(system),
		Messages:  convertMessages(messages),
		Tools:     convertTools(tools),
		Stream:    true,
	}
	if c.useThinking {
		req.Thinking = &anthThinkingConfig{Type: "enabled", BudgetTokens: c.thinkingBudget}
	}

	chunkCh := make(chan llm.StreamChunk, 100)
	startResultCh := make(chan error, 1)

	slog.InfoContext(ctx, "streaming", "provider", c.Provider(), "model", c.model)

	go func() {
		defer close(chunkCh)

		debugger := llm.NewStreamDebugger(ctx, c.Provider(), c.sysConfig)
		defer debugger.Close()

		body, err := json.Marshal(req)
		if err != nil {
			startResultCh <- fmt.Errorf("marshal request: %w", err)
			return
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
		if err != nil {
			startResultCh <- fmt.Errorf("build request: %w", err)
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("x-api-key", c.apiKey)
		httpReq.Header.Set("anthropic-version", defaultVersion)

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			startResultCh <- fmt.Errorf("http: %w", err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			raw, _ := io.ReadAll(resp.Body)
			err := fmt.Errorf("anthropic api %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
			if resp.StatusCode == http.StatusTooManyRequests {
				if ra := resp.Header.Get("Retry-After"); ra != "" {
					if secs, perr := strconv.Atoi(ra); perr == nil {
						err = fmt.Errorf("%w (retry-after %ds)", err, secs)
					}
				}
			}
			startResultCh <- err
			return
		}

		started := false
		var (
			curToolID    string
			curToolName  string
			curToolInput strings.Builder
			curThinkSig  string
			lastUsage    *llm.LLMUsage
			finishReason string
		)

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		eventType := ""
		for scanner.Scan() {
			select {
			case <-ctx.Done():
				if !started {
					startResultCh <- ctx.Err()
				} else {
					chunkCh <- llm.NewErrorChunk("generation cancelled", ctx.Err(), false)
				}
				return
			default:
			}

			line := scanner.Text()
			debugger.WriteString(line)

			if strings.HasPrefix(line, "event: ") {
				eventType = strings.TrimPrefix(line, "event: ")
				continue
			}
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")

			var ev sseEvent
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				slog.WarnContext(ctx, "anthropic: malformed SSE payload", "error", err)
				continue
			}

			if !started {
				started = true
				startResultCh <- nil
			}

			switch eventType {
			case "content_block_start":
				if ev.ContentBlock != nil && ev.ContentBlock.Type == "tool_use" {
					curToolID = ev.ContentBlock.ID
					curToolName = ev.ContentBlock.Name
					curToolInput.Reset()
					chunkCh <- llm.StreamChunk{Event: llm.EventToolUseStart, ToolCallID: curToolID, ToolCallName: curToolName}
				}

			case "content_block_delta":
				if ev.Delta == nil {
					continue
				}
				switch ev.Delta.Type {
				case "text_delta":
					if ev.Delta.Text != "" {
						chunkCh <- llm.NewTextChunk(ev.Delta.Text)
					}
				case "thinking_delta":
					if ev.Delta.Thinking != "" {
						chunkCh <- llm.NewThinkingChunk(ev.Delta.Thinking)
					}
				case "signature_delta":
					curThinkSig += ev.Delta.Signature
				case "input_json_delta":
					curToolInput.WriteString(ev.Delta.PartialJSON)
					chunkCh <- llm.StreamChunk{Event: llm.EventToolUseInputStep, ToolCallID: curToolID, ToolInputDelta: ev.Delta.PartialJSON}
				}

			case "content_block_stop":
				if curToolID != "" {
					chunkCh <- llm.StreamChunk{
						Event: llm.EventToolUseEnd,
						ToolCalls: []llm.ToolCall{{
							ID:   curToolID,
							Name: curToolName,
							Function: llm.FunctionCall{
								Name:      curToolName,
								Arguments: curToolInput.String(),
							},
						}},
					}
					curToolID, curToolName = "", ""
					curToolInput.Reset()
				}
				curThinkSig = ""

			case "message_delta":
				if ev.Delta != nil && ev.Delta.StopReason != "" {
					finishReason = normalizeStopReason(ev.Delta.StopReason)
				}
				if ev.Usage != nil {
					lastUsage = accumulateUsage(lastUsage, ev.Usage, c.model)
				}

			case "message_stop":
				if lastUsage == nil {
					lastUsage = &llm.LLMUsage{ModelID: c.model}
				}
				lastUsage.StopReason = finishReason
				chunkCh <- llm.NewFinalChunk(finishReason, lastUsage)
				llm.LogUsage(c.model, lastUsage)
				return

			case "error":
				if ev.Error != nil {
					apiErr := fmt.Errorf("%s: %s", ev.Error.Type, ev.Error.Message)
					chunkCh <- llm.NewErrorChunk(ev.Error.Message, apiErr, c.IsTransientError(apiErr))
				}
				return
			}
		}

		if err := scanner.Err(); err != nil {
			slog.ErrorContext(ctx, "anthropic stream read error", "error", err)
			if !started {
				startResultCh <- err
			} else {
				chunkCh <- llm.NewErrorChunk(fmt.Sprintf("stream interrupted: %v", err), err, true)
			}
		}
	}()

	select {
	case err := <-startResultCh:
		if err != nil {
			return nil, err
		}
		return chunkCh, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func accumulateUsage(prev *llm.LLMUsage, u *anthUsage, model string) *llm.LLMUsage {
	if prev == nil {
		prev = &llm.LLMUsage{ModelID: model}
	}
	if u.InputTokens > 0 {
		prev.PromptTokens = u.InputTokens
	}
	if u.OutputTokens > 0 {
		prev.CompletionTokens = u.OutputTokens
	}
	prev.CachedTokens = u.CacheReadInputTokens
	prev.CacheWriteTokens = u.CacheCreationInputTokens
	prev.TotalTokens = prev.PromptTokens + prev.CompletionTokens
	return prev
}

// --- conversion helpers --------------------------------------------------

func convertSystem(blocks []llm.SystemBlock) []anthSystemBlock {
	var out []anthSystemBlock
	for _, b := range blocks {
		if b.Text == "" {
			continue
		}
		sb := anthSystemBlock{Type: "text", Text: b.Text}
		if b.Cacheable {
			sb.CacheControl = &anthCacheCtrl{Type: "ephemeral"}
		}
		out = append(out, sb)
	}
	return out
}

func convertTools(tools []llm.Tool) []anthTool {
	var out []anthTool
	for _, t := range tools {
		schema := map[string]any{
			"type":       "object",
			"properties": t.Parameters(),
		}
		if req := t.RequiredParameters(); len(req) > 0 {
			schema["required"] = req
		}
		out = append(out, anthTool{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: schema,
		})
	}
	return out
}

func convertMessages(messages []llm.Message) []anthMessage {
	var out []anthMessage
	for _, m := range messages {
		if m.Role == llm.RoleSystem {
			continue // carried via the top-level system array instead
		}

		if m.Role == llm.RoleTool {
			out = append(out, anthMessage{
				Role: llm.RoleUser,
				Content: []anthContentBlock{{
					Type:      "tool_result",
					ToolUseID: m.ToolCallID,
					Content:   m.GetTextContent(),
					IsError:   len(m.Content) > 0 && m.Content[0].IsError,
				}},
			})
			continue
		}

		var blocks []anthContentBlock
		for _, b := range m.Content {
			switch b.Type {
			case llm.BlockTypeText:
				if b.Text == "" {
					continue
				}
				cb := anthContentBlock{Type: "text", Text: b.Text}
				if b.CacheControl != "" {
					cb.CacheControl = &anthCacheCtrl{Type: b.CacheControl}
				}
				blocks = append(blocks, cb)
			case llm.BlockTypeThinking:
				if b.Text == "" {
					continue
				}
				blocks = append(blocks, anthContentBlock{
					Type:      "thinking",
					Thinking:  b.Text,
					Signature: string(b.ThoughtSignature),
				})
			case llm.BlockTypeImage:
				if b.Source == nil {
					continue
				}
				src := &anthSource{Type: b.Source.Type, MediaType: b.Source.MediaType}
				switch b.Source.Type {
				case "base64":
					src.Data = base64.StdEncoding.EncodeToString(b.Source.Data)
				case "url":
					src.URL = b.Source.URL
				case "provider_file":
					src.Type = "file"
					src.FileID = b.Source.ProviderID
				}
				blocks = append(blocks, anthContentBlock{Type: "image", Source: src})
			case llm.BlockTypeFileRef:
				blocks = append(blocks, anthContentBlock{
					Type:   "document",
					Source: &anthSource{Type: "file", FileID: b.FileID},
				})
			}
		}

		if len(m.ToolCalls) > 0 {
			for _, tc := range m.ToolCalls {
				var args map[string]any
				_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
				blocks = append(blocks, anthContentBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Function.Name,
					Input: args,
				})
			}
		}

		if len(blocks) == 0 {
			continue
		}

		role := m.Role
		if role != llm.RoleUser && role != llm.RoleAssistant {
			role = llm.RoleUser
		}
		out = append(out, anthMessage{Role: role, Content: blocks})
	}
	return out
}

func normalizeStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return llm.StopReasonStop
	case "max_tokens":
		return llm.StopReasonLength
	case "tool_use":
		return llm.StopReasonToolUse
	case "refusal":
		return llm.StopReasonRefusal
	case "model_context_window_exceeded":
		return llm.StopReasonContextWindowExceeded
	default:
		return reason
	}
}

// IsTransientError implements llm.LLMClient.
func (c *AnthropicClient) IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429"), strings.Contains(msg, "rate_limit"):
		return true
	case strings.Contains(msg, "500"), strings.Contains(msg, "529"), strings.Contains(msg, "overloaded"):
		return true
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "connection refused"), strings.Contains(msg, "context deadline exceeded"):
		return true
	default:
		return false
	}
}
