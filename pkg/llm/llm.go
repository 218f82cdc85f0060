package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
)

// json is used for all JSON handling inside package llm, matching the rest
// of the module's preference for jsoniter over encoding/json.
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ctxKey is a private type for context values owned by this package, so
// keys never collide with another package's context.WithValue calls.
type ctxKey string

// DebugDirContextKey carries an optional per-generation debug subdirectory
// name, used by StreamDebugger to group a round's chunk dumps together.
const DebugDirContextKey ctxKey = "llm_debug_dir"

// LLMUsage is the normalized token-usage record every provider must produce,
// regardless of its native response shape.
type LLMUsage struct {
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	TotalTokens      int    `json:"total_tokens"`
	ThoughtsTokens   int    `json:"thoughts_tokens,omitempty"`
	CachedTokens     int    `json:"cached_tokens,omitempty"`
	CacheWriteTokens int    `json:"cache_write_tokens,omitempty"`
	PromptDetail     string `json:"prompt_detail,omitempty"`
	CompletionDetail string `json:"completion_detail,omitempty"`
	StopReason       string `json:"stop_reason,omitempty"`
	ModelID          string `json:"model_id,omitempty"`
}

// LogUsage prints a compact usage line for a completed call. Kept terse
// (one line) rather than a markdown-table banner, since this fires once
// per iteration of the tool-use loop rather than once per conversation
// turn.
func LogUsage(model string, usage *LLMUsage) {
	if usage == nil {
		return
	}
	slog.Info("llm usage",
		"model", model,
		"prompt_tokens", usage.PromptTokens,
		"completion_tokens", usage.CompletionTokens,
		"cached_tokens", usage.CachedTokens,
		"thoughts_tokens", usage.ThoughtsTokens,
		"stop_reason", usage.StopReason,
	)
}

// Tool is the narrow capability a provider needs to describe a tool in its
// request payload. pkg/api.Tool (and pkg/tools.ConfiguredTool through it)
// satisfies this.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any
	RequiredParameters() []string
}

// SystemBlock is one entry in the Prompt Composer's ordered system-prompt
// block list. Order is significant: it is the provider's cache prefix.
type SystemBlock struct {
	Text     string
	Cacheable bool
}

// LLMClient is the narrow capability set every provider must implement.
// Concrete providers are tagged variants behind this single interface,
// rather than a class hierarchy: stream, detect retryability. Token
// counting and stop-reason/thinking-block introspection happen through the
// StreamChunk values the channel yields, not separate methods, since every
// provider in this module streams rather than returning a single shaped
// response.
type LLMClient interface {
	// StreamChat drives one provider call. system carries the ordered,
	// cache-annotated system-prompt blocks; messages is the conversation
	// array; tools is the current Tool Registry definition set. The
	// returned channel is closed when the stream ends (successfully or not).
	StreamChat(ctx context.Context, system []SystemBlock, messages []Message, tools []Tool) (<-chan StreamChunk, error)

	// IsTransientError reports whether err is worth retrying (connection
	// reset, timeout, 5xx, rate limit) as opposed to a permanent rejection
	// (bad request, auth failure, context-window-exceeded, refusal).
	IsTransientError(err error) bool

	// Provider returns the provider's short identifier, e.g. "anthropic".
	Provider() string
}

// FallbackClient chains several LLMClients, retrying each with backoff
// before falling through to the next. Used to wrap a primary provider
// with a same-capability degraded fallback (e.g. a cheaper/local model)
// the way the provider loader assembles configured provider groups.
type FallbackClient struct {
	Clients    []LLMClient
	MaxRetries int
	RetryDelay time.Duration
}

func (f *FallbackClient) StreamChat(ctx context.Context, system []SystemBlock, messages []Message, tools []Tool) (<-chan StreamChunk, error) {
	var lastErr error
	for i, client := range f.Clients {
		if i > 0 {
			slog.WarnContext(ctx, "llm fallback: previous provider failed, trying next", "provider", client.Provider())
		}

		maxRetries := f.MaxRetries
		if maxRetries <= 0 {
			maxRetries = 1
		}

		for retry := 1; retry <= maxRetries; retry++ {
			if retry > 1 {
				delay := f.RetryDelay * time.Duration(retry-1)
				if delay > 10*time.Second {
					delay = 10 * time.Second
				}
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(delay):
				}
			}

			ch, err := client.StreamChat(ctx, system, messages, tools)
			if err == nil {
				return ch, nil
			}
			lastErr = err

			if client.IsTransientError(err) && retry < maxRetries {
				slog.WarnContext(ctx, "llm provider transient error, retrying", "provider", client.Provider(), "attempt", retry, "error", err)
				continue
			}
			slog.ErrorContext(ctx, "llm provider failed", "provider", client.Provider(), "error", err)
			break
		}
	}
	return nil, fmt.Errorf("all fallback providers failed: %w", lastErr)
}

// IsTransientError on the fallback wrapper itself means every child already
// exhausted its own retries, so the aggregate failure is treated as final.
func (f *FallbackClient) IsTransientError(err error) bool { return false }

func (f *FallbackClient) Provider() string {
	names := make([]string, 0, len(f.Clients))
	for _, c := range f.Clients {
		names = append(names, c.Provider())
	}
	return "fallback(" + strings.Join(names, ",") + ")"
}
