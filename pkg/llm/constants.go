package llm

// StopReason constants define normalized reasons for LLM generation termination.
// All providers must normalize their native stop reasons to these values before
// the Streaming Orchestrator inspects them.
const (
	StopReasonStop                  = "end_turn"
	StopReasonLength                = "max_tokens"
	StopReasonToolUse                = "tool_use"
	StopReasonStopSequence           = "stop_sequence"
	StopReasonContextWindowExceeded  = "model_context_window_exceeded"
	StopReasonRefusal                = "refusal"
)

// ContentBlock Type constants define the supported content block formats
// used throughout the message pipeline.
const (
	BlockTypeText       = "text"
	BlockTypeThinking   = "thinking"
	BlockTypeImage      = "image"
	BlockTypeError      = "error"
	BlockTypeFileRef    = "file_reference"
	BlockTypeToolResult = "tool_result"
	BlockTypeToolUse    = "tool_use"
)

// CancellationReason enumerates why a Streaming Orchestrator invocation
// exited early.
type CancellationReason string

const (
	CancelStopCommand   CancellationReason = "stop_command"
	CancelNewMessage    CancellationReason = "new_message"
	CancelMaxIterations CancellationReason = "max_iterations"
	CancelError         CancellationReason = "error"
)

// FileDeliveryHint controls when a tool's FileDelivery payload reaches the
// user relative to the rest of the Display.
type FileDeliveryHint string

const (
	DeliverBeforeResponse FileDeliveryHint = "before_response"
	DeliverInline         FileDeliveryHint = "inline"
	DeliverAtEnd          FileDeliveryHint = "at_end"
)
