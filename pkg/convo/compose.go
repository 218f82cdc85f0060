// Package convo implements the Prompt Composer: it turns a thread's
// persisted ChatHistory plus the active request's per-message context
// (uploaded files, personality overrides) into the ordered system-prompt
// blocks and conversation array an LLMClient.StreamChat call expects.
// Grounded on pkg/llm/history.go's GetMessagesForUI/EnsureSystemMessage,
// generalized from "always prepend one system message" into an ordered,
// independently-cacheable system block list.
package convo

import (
	"strings"

	"threadline/pkg/llm"
)

// SystemPromptParts are the raw ingredients for the ordered system block
// list. Global and Personality rarely change within a deployment and are
// marked cacheable; FilesContext varies per request (it names whatever
// files are currently attached to the conversation) and is never cached.
type SystemPromptParts struct {
	Global       string // deployment-wide instructions, identical for every thread
	Personality  string // per-thread persona/override text, stable across a thread's lifetime
	FilesContext string // description of files currently available to the model in this turn
}

// minCacheableTokens is the provider-defined minimum estimated token count
// below which marking a block cacheable wastes a cache slot rather than
// saving one. Matches the original source's compose_system_prompt_blocks.
const minCacheableTokens = 1024

// estimateTokens approximates a text's token count at four chars per
// token, the same rough estimator the original source uses
// (estimated_tokens = len(text) // 4) rather than invoking the provider's
// real tokenizer for a caching decision.
func estimateTokens(text string) int {
	return len(text) / 4
}

// BuildSystemBlocks assembles the ordered system-prompt block list:
// global instructions first, then personality, then the files-context
// block last since it is the most request-specific and changes most
// often. The personality block is only marked cacheable once it is long
// enough that caching it is worthwhile (spec §4.D); a short override is
// sent plain so it doesn't occupy a cache slot for no benefit.
func BuildSystemBlocks(parts SystemPromptParts) []llm.SystemBlock {
	var blocks []llm.SystemBlock
	if strings.TrimSpace(parts.Global) != "" {
		blocks = append(blocks, llm.SystemBlock{Text: parts.Global, Cacheable: true})
	}
	if strings.TrimSpace(parts.Personality) != "" {
		blocks = append(blocks, llm.SystemBlock{
			Text:      parts.Personality,
			Cacheable: estimateTokens(parts.Personality) >= minCacheableTokens,
		})
	}
	if strings.TrimSpace(parts.FilesContext) != "" {
		blocks = append(blocks, llm.SystemBlock{Text: parts.FilesContext, Cacheable: false})
	}
	return blocks
}

// BuildConversation returns the slice of messages that should actually be
// sent to the provider for this turn. The decided floor semantics: the
// most recent message carrying a non-empty CompactionSummary is the new
// inclusive floor of the window -- everything strictly before it has
// already been folded into that summary and is dropped, and the summary
// itself is surfaced as a leading synthetic system-role message so the
// model still has that context. Thinking blocks and tool_use/tool_result
// pairs within the retained window are passed through unmodified; their
// continuity (e.g. the Anthropic client's signature re-emission) happens
// downstream in the provider client, not here.
func BuildConversation(history *llm.ChatHistory) []llm.Message {
	msgs := history.GetMessagesForUI()

	floor := 0
	var summary string
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].CompactionSummary != "" {
			floor = i
			summary = msgs[i].CompactionSummary
			break
		}
	}

	window := msgs[floor:]
	if summary == "" {
		return window
	}

	summaryMsg := llm.NewSystemMessage("Summary of earlier conversation: " + summary)
	return append([]llm.Message{summaryMsg}, window...)
}
