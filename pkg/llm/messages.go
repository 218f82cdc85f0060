package llm

import (
	"encoding/base64"
	"os"
	"time"

	"threadline/pkg/utils"
)

//----------------------------------------------------------------
// Message - the unified conversation entry
//----------------------------------------------------------------

// Message represents one turn in a Conversation array handed to a provider,
// or one persisted row reconstructed from it.
type Message struct {
	ID        string         `json:"id,omitempty"`
	Role      string         `json:"role"` // RoleUser, RoleAssistant, RoleSystem, or RoleTool
	Content   []ContentBlock `json:"content"`
	Timestamp int64          `json:"timestamp,omitempty"`

	// ToolCalls carries the tool_use blocks emitted by the provider on an
	// assistant message.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID associates a role:"tool" message with the tool_use id it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`

	// CompactionSummary, when non-empty, marks this message as the floor of
	// context reconstruction: the conversation builder emits this message's
	// summary content in place of its original content, and nothing earlier.
	CompactionSummary string `json:"compaction_summary,omitempty"`

	// EditCount tracks how many times a user message was edited after the
	// fact (bumped by the edited-message handler; never triggers retroactive
	// regeneration per the Prompt Composer's edit-of-user-message decision).
	EditCount int `json:"edit_count,omitempty"`
}

// ToolCall represents a tool_use block emitted by the provider.
type ToolCall struct {
	ID       string       `json:"id"`
	Name     string       `json:"name"`
	Function FunctionCall `json:"function"`

	// ThoughtSignature carries the provider's cryptographic continuity
	// signature for the thinking block that preceded this tool call, when
	// the provider emits one. Re-emitted verbatim on re-entry.
	ThoughtSignature []byte `json:"thought_signature,omitempty"`

	// ProviderMetadata carries anything else a specific provider needs to
	// reconstruct this call on the next turn (e.g. Gemini's raw FunctionCall).
	ProviderMetadata map[string]any `json:"provider_metadata,omitempty"`

	// Meta is the same idea but never serialized — used for same-process,
	// same-turn plumbing only (e.g. passing the raw SDK struct).
	Meta map[string]any `json:"-"`
}

// FunctionCall carries the tool name and its (possibly partially streamed,
// eventually complete) JSON argument string.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

//----------------------------------------------------------------
// ContentBlock - the unified content block
//----------------------------------------------------------------

// ContentBlock is one typed unit inside a Message's Content array. Supported
// types: text, thinking, image, tool_result, file_reference.
type ContentBlock struct {
	Type string `json:"type"`

	Text string `json:"text,omitempty"`

	// Source carries image bytes/reference (type: "image").
	Source *ImageSource `json:"source,omitempty"`

	// ToolUseID associates a tool_result block with the tool_use it answers.
	ToolUseID string `json:"tool_use_id,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`

	// FileID references a provider-hosted file store handle (type: "file_reference").
	FileID string `json:"file_id,omitempty"`

	// CacheControl marks this block (only meaningful on system-prompt blocks)
	// as cacheable by the provider. Empty means not cached.
	CacheControl string `json:"cache_control,omitempty"`

	// ThoughtSignature, when set on a thinking block, is the provider's
	// cryptographic continuity token; it must be re-emitted verbatim.
	ThoughtSignature []byte `json:"thought_signature,omitempty"`
}

//----------------------------------------------------------------
// ImageSource - image/file bytes and how to reach them
//----------------------------------------------------------------

// ImageSource describes where image bytes live: inline, on local disk, at a
// URL, or as a previously-uploaded provider file id.
type ImageSource struct {
	Type      string `json:"type"`       // "base64" | "url" | "file" | "provider_file"
	MediaType string `json:"media_type"` // "image/jpeg", "image/png", "application/pdf", ...
	Data      []byte `json:"-"`          // raw bytes, never serialized
	URL       string `json:"url,omitempty"`
	Path      string `json:"path,omitempty"`       // local disk path, for Type == "file"
	ProviderID string `json:"provider_id,omitempty"` // provider-hosted file handle
}

// LoadData hydrates Data from Path for Type == "file" sources that were
// persisted without inline bytes. Missing files are left empty; callers
// decide whether that is fatal.
func (is *ImageSource) LoadData() error {
	if is.Type != "file" || is.Path == "" || len(is.Data) > 0 {
		return nil
	}
	data, err := os.ReadFile(is.Path)
	if err != nil {
		return err
	}
	is.Data = data
	return nil
}

// MarshalJSON serializes Data as base64 when present.
func (is *ImageSource) MarshalJSON() ([]byte, error) {
	type Alias ImageSource
	if is.Type == "base64" && len(is.Data) > 0 {
		aux := struct {
			*Alias
			Data string `json:"data"`
		}{Alias: (*Alias)(is), Data: base64.StdEncoding.EncodeToString(is.Data)}
		return json.Marshal(aux)
	}
	return json.Marshal((*Alias)(is))
}

// UnmarshalJSON restores Data from a base64 "data" field when present.
func (is *ImageSource) UnmarshalJSON(data []byte) error {
	type Alias ImageSource
	aux := &struct {
		DataBase64 string `json:"data"`
		*Alias
	}{Alias: (*Alias)(is)}

	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}
	if aux.DataBase64 != "" {
		decoded, err := base64.StdEncoding.DecodeString(aux.DataBase64)
		if err != nil {
			return err
		}
		is.Data = decoded
	}
	return nil
}

//----------------------------------------------------------------
// StreamChunk - one increment of a provider stream
//----------------------------------------------------------------

// StreamEvent names the typed events a provider stream multiplexes, mirroring
// the contract the Streaming Orchestrator drives against.
type StreamEvent string

const (
	EventThinkingDelta    StreamEvent = "thinking_delta"
	EventTextDelta        StreamEvent = "text_delta"
	EventToolUseStart     StreamEvent = "tool_use_start"
	EventToolUseInputStep StreamEvent = "tool_use_input_delta"
	EventToolUseEnd       StreamEvent = "tool_use_end"
	EventMessageStop      StreamEvent = "message_stop"
	EventUsage            StreamEvent = "usage"
	EventContextManaged   StreamEvent = "context_management"
	EventError            StreamEvent = "error"
)

// StreamChunk is one increment emitted on the channel returned by
// LLMClient.StreamChat. Providers that only produce coarse increments (the
// genai/ollama-style SDKs) populate ContentBlocks/ToolCalls directly;
// providers with a granular SSE wire format (Anthropic) populate the
// Event-specific fields so the orchestrator can assemble tool_use blocks
// incrementally.
type StreamChunk struct {
	Event StreamEvent `json:"event,omitempty"`

	// ContentBlocks carries one or more complete (or complete-enough-to-append)
	// blocks, used by coarse-grained providers.
	ContentBlocks []ContentBlock `json:"content_blocks,omitempty"`

	// ToolCalls carries fully-formed tool calls (coarse-grained providers
	// emit the whole call in one chunk).
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// Granular tool-streaming fields, populated incrementally when Event is
	// one of the ToolUse* events.
	ToolCallID     string `json:"tool_call_id,omitempty"`
	ToolCallName   string `json:"tool_call_name,omitempty"`
	ToolInputDelta string `json:"tool_input_delta,omitempty"`

	// CompactionSummary carries a context_management event's summary text.
	CompactionSummary string `json:"compaction_summary,omitempty"`

	IsFinal      bool      `json:"is_final"`
	FinishReason string    `json:"finish_reason,omitempty"`
	Usage        *LLMUsage `json:"usage,omitempty"`

	Err         error `json:"-"`
	IsTransient bool  `json:"-"`
}

//----------------------------------------------------------------
// Helper constructors
//----------------------------------------------------------------

func NewTextMessage(role, text string) Message {
	return Message{
		ID:        utils.GenerateID(),
		Role:      role,
		Content:   []ContentBlock{NewTextBlock(text)},
		Timestamp: time.Now().Unix(),
	}
}

func NewSystemMessage(text string) Message    { return NewTextMessage(RoleSystem, text) }
func NewUserMessage(text string) Message      { return NewTextMessage(RoleUser, text) }
func NewAssistantMessage(text string) Message { return NewTextMessage(RoleAssistant, text) }

func (m *Message) AddContentBlock(block ContentBlock) {
	m.Content = append(m.Content, block)
}

// GetTextContent concatenates all text blocks, excluding thinking.
func (m *Message) GetTextContent() string {
	var out string
	for _, b := range m.Content {
		if b.Type == BlockTypeText {
			out += b.Text
		}
	}
	return out
}

func (m *Message) GetThinkingContent() string {
	var out string
	for _, b := range m.Content {
		if b.Type == BlockTypeThinking {
			out += b.Text
		}
	}
	return out
}

func (m *Message) FilterBlocks(blockType string) []ContentBlock {
	var out []ContentBlock
	for _, b := range m.Content {
		if b.Type == blockType {
			out = append(out, b)
		}
	}
	return out
}

func (m *Message) HasImages() bool {
	for _, b := range m.Content {
		if b.Type == BlockTypeImage {
			return true
		}
	}
	return false
}

// ThinkingBlocks returns the ordered thinking blocks carried on an assistant
// message, for extended-thinking continuity re-emission.
func (m *Message) ThinkingBlocks() []ContentBlock {
	return m.FilterBlocks(BlockTypeThinking)
}

func NewTextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockTypeText, Text: text}
}

func NewThinkingBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockTypeThinking, Text: text}
}

func NewCacheableTextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockTypeText, Text: text, CacheControl: "ephemeral"}
}

func NewImageBlock(data []byte, mimeType string) ContentBlock {
	return ContentBlock{
		Type:   BlockTypeImage,
		Source: &ImageSource{Type: "base64", MediaType: mimeType, Data: data},
	}
}

func NewImageBlockFromURL(url, mimeType string) ContentBlock {
	return ContentBlock{
		Type:   BlockTypeImage,
		Source: &ImageSource{Type: "url", MediaType: mimeType, URL: url},
	}
}

func NewFileReferenceBlock(providerFileID, mimeType string) ContentBlock {
	return ContentBlock{
		Type:   BlockTypeFileRef,
		FileID: providerFileID,
		Source: &ImageSource{Type: "provider_file", MediaType: mimeType, ProviderID: providerFileID},
	}
}

func NewToolResultBlock(toolUseID, text string, isError bool) ContentBlock {
	return ContentBlock{
		Type:      BlockTypeToolResult,
		ToolUseID: toolUseID,
		Text:      text,
		IsError:   isError,
	}
}

func NewTextChunk(text string) StreamChunk {
	return StreamChunk{Event: EventTextDelta, ContentBlocks: []ContentBlock{NewTextBlock(text)}}
}

func NewThinkingChunk(text string) StreamChunk {
	return StreamChunk{Event: EventThinkingDelta, ContentBlocks: []ContentBlock{NewThinkingBlock(text)}}
}

func NewFinalChunk(reason string, usage *LLMUsage) StreamChunk {
	return StreamChunk{Event: EventMessageStop, IsFinal: true, FinishReason: reason, Usage: usage}
}

func NewErrorChunk(text string, err error, transient bool) StreamChunk {
	return StreamChunk{
		Event:         EventError,
		ContentBlocks: []ContentBlock{{Type: BlockTypeError, Text: text}},
		Err:           err,
		IsTransient:   transient,
	}
}
