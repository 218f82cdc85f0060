package api

import (
	"context"
	"threadline/pkg/llm"
)

// Tool defines the structural interface for any capability that the AI Agent
// can execute. It includes metadata for prompt injection (JSON Schema)
// and the execution logic itself.
type Tool interface {
	llm.Tool
	// Execute performs the actual tool logic using the provided argument map.
	Execute(ctx context.Context, args map[string]any) (*ToolResult, error)
}

// ToolResult encapsulates the outcome of a tool execution.
// It can contain multiple content blocks (text logs, images) and
// arbitrary metadata for the handler to process.
type ToolResult struct {
	Content []ContentBlock `json:"content"`           // Ordered blocks of result data
	Details map[string]any `json:"details,omitempty"` // Arbitrary technical metadata
	File    *FileDelivery  `json:"file,omitempty"`    // Set when the tool produced a byte payload to deliver to the user
	Error   string         `json:"error,omitempty"`   // Non-empty iff the call failed; an empty string is success (spec §4.E step 5)
}

// FileDelivery is a bytes-bearing tool result destined for the user as an
// attachment rather than inline model-visible text. Hint controls whether
// it interrupts the in-flight Display (before_response/inline) or waits
// until the generation's final reply is committed (at_end).
type FileDelivery struct {
	Filename   string              `json:"filename"`
	Data       []byte              `json:"-"`
	MimeType   string              `json:"mime_type"`
	SourceTool string              `json:"source_tool"`
	Hint       llm.FileDeliveryHint `json:"hint"`
}

// ContentBlock is an atomic data unit within a ToolResult.
// It is designed to be converted into llm.ContentBlocks by the handler.
type ContentBlock struct {
	Type     string `json:"type"`                // Data format: "text" or "image"
	Text     string `json:"text,omitempty"`      // String content (for text type)
	Data     string `json:"data,omitempty"`      // Base64 encoded image data (for image type)
	MimeType string `json:"mime_type,omitempty"` // MIME type for image data (e.g., "image/jpeg")
}

// ToolRegistry defines the interface for managing and accessing tools.
type ToolRegistry interface {
	Register(tool Tool)
	Unregister(name string)
	Get(name string) (Tool, bool)
	GetAll() []Tool
}
