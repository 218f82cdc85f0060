// Package orchestrator implements the Streaming Orchestrator: the bounded
// tool-use loop that drives one generation from the first StreamChat call
// through however many tool_use round-trips the model asks for, feeding
// every event into the Display Manager and gating paid tools through the
// Tool Dispatcher's balance check. Retry/backoff across transient
// provider errors is handled by pkg/llm.FallbackClient, which this
// package calls through rather than reimplementing; what's new here is
// the iteration bound, the tool_use/tool_result pairing, mid-stream file
// delivery, and cancellation handling at every suspension point.
package orchestrator

import (
	"encoding/base64"
	"fmt"
	"sync"

	jsoniter "github.com/json-iterator/go"

	"threadline/pkg/api"
	"threadline/pkg/billing"
	"threadline/pkg/display"
	"threadline/pkg/gentrack"
	"threadline/pkg/llm"
	"threadline/pkg/tools"
	"threadline/pkg/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Orchestrator drives one generation (one or more StreamChat calls
// separated by tool round-trips) for a thread.
type Orchestrator struct {
	Client        llm.LLMClient
	Registry      *tools.Registry
	Dispatcher    *tools.Dispatcher
	MaxIterations int
}

// New builds an Orchestrator. maxIterations is N_max: the hard ceiling on
// tool-use round-trips before the loop force-stops.
func New(client llm.LLMClient, registry *tools.Registry, dispatcher *tools.Dispatcher, maxIterations int) *Orchestrator {
	if maxIterations <= 0 {
		maxIterations = 20
	}
	return &Orchestrator{Client: client, Registry: registry, Dispatcher: dispatcher, MaxIterations: maxIterations}
}

// Result is what Run returns once a generation has finished, been
// cancelled, or hit the iteration cap.
type Result struct {
	Messages     []llm.Message // the conversation with every new turn appended
	Cancelled    bool
	Reason       llm.CancellationReason
	Usage        *llm.LLMUsage
	TotalCost    float64            // token cost across every StreamChat turn in this generation
	PendingFiles []api.FileDelivery // DeliverAtEnd files not yet sent; the caller delivers these after the final commit
}

// Run executes the bounded tool-use loop for handle's generation.
// threadKey identifies the thread for billing; system and conv are the
// Prompt Composer's output for the first turn. responder and session, if
// responder is non-nil, let the loop flush the Display and hand a
// DeliverBeforeResponse/DeliverInline FileDelivery to the channel the
// moment a tool produces one, instead of waiting for the generation to
// finish; a nil responder (e.g. from a test) simply defers every file to
// Result.PendingFiles.
func (o *Orchestrator) Run(handle *gentrack.Handle, threadKey string, system []llm.SystemBlock, conv []llm.Message, disp *display.Manager, pricing llm.ProviderGroupConfig, responder api.MessageResponder, session api.SessionContext) Result {
	toolDefs := o.toolDefs()
	iteration := 0
	var totalCost float64
	var lastUsage *llm.LLMUsage
	var pendingFiles []api.FileDelivery

	for {
		iteration++
		if iteration > o.MaxIterations {
			handle.Cancel(llm.CancelMaxIterations)
			disp.Append(llm.BlockTypeText, "\n[stopped: reached the maximum number of tool steps]")
			return Result{Messages: conv, Cancelled: true, Reason: llm.CancelMaxIterations, Usage: lastUsage, TotalCost: totalCost, PendingFiles: pendingFiles}
		}

		select {
		case <-handle.Context().Done():
			return o.cancelled(handle, conv, disp, totalCost, lastUsage, pendingFiles)
		default:
		}

		chunkCh, err := o.Client.StreamChat(handle.Context(), system, conv, toolDefs)
		if err != nil {
			disp.Append(llm.BlockTypeText, fmt.Sprintf("\n[error: %s]", err))
			return Result{Messages: conv, Usage: lastUsage, TotalCost: totalCost, PendingFiles: pendingFiles}
		}

		assistantMsg := llm.Message{ID: utils.GenerateID(), Role: llm.RoleAssistant}
		var finishReason string
		interrupted := false

		for chunk := range chunkCh {
			select {
			case <-handle.Context().Done():
				interrupted = true
			default:
			}
			if interrupted {
				continue // drain remaining buffered chunks without acting on them
			}

			if chunk.Err != nil {
				disp.Append(llm.BlockTypeText, fmt.Sprintf("\n[error: %s]", chunk.Err))
				return Result{Messages: conv, Usage: lastUsage, TotalCost: totalCost, PendingFiles: pendingFiles}
			}

			for _, b := range chunk.ContentBlocks {
				assistantMsg.Content = append(assistantMsg.Content, b)
				switch b.Type {
				case llm.BlockTypeText:
					disp.Append(llm.BlockTypeText, b.Text)
				case llm.BlockTypeThinking:
					disp.Append(llm.BlockTypeThinking, b.Text)
				}
			}

			if len(chunk.ToolCalls) > 0 {
				assistantMsg.ToolCalls = append(assistantMsg.ToolCalls, chunk.ToolCalls...)
			}

			if chunk.CompactionSummary != "" {
				assistantMsg.CompactionSummary = chunk.CompactionSummary
			}

			if chunk.Usage != nil {
				lastUsage = chunk.Usage
			}
			if chunk.IsFinal {
				finishReason = chunk.FinishReason
			}
		}

		if interrupted {
			// The terminal usage event for this turn never arrived, so there
			// is no real token count to bill against -- billing the stale
			// lastUsage here would double-charge the previous completed
			// turn's tokens under a new call id. Instead, pro-rate a partial
			// charge from the Display's actual output size (spec §4.H(c)).
			partial := billing.PartialOutputCost(disp.TotalTextLength(), disp.TotalThinkingLength(), lastUsage, pricing)
			totalCost += partial
			if partial > 0 {
				callID := fmt.Sprintf("%s:tokens:%d:partial", threadKey, iteration)
				if _, err := o.Dispatcher.DebitToken(threadKey, callID, partial); err != nil {
					disp.Append(llm.BlockTypeText, fmt.Sprintf("\n[billing error: %s]", err))
				}
			}
			conv = append(conv, assistantMsg)
			disp.Append(llm.BlockTypeText, "\n[interrupted]")
			return o.cancelled(handle, conv, disp, totalCost, lastUsage, pendingFiles)
		}

		turnCost := billing.TokenCost(lastUsage, pricing)
		totalCost += turnCost
		if lastUsage != nil {
			callID := fmt.Sprintf("%s:tokens:%d", threadKey, iteration)
			if _, err := o.Dispatcher.DebitToken(threadKey, callID, turnCost); err != nil {
				disp.Append(llm.BlockTypeText, fmt.Sprintf("\n[billing error: %s]", err))
			}
		}

		conv = append(conv, assistantMsg)

		if len(assistantMsg.ToolCalls) == 0 {
			if finishReason == llm.StopReasonLength {
				// Continuation: resend the conversation including the
				// truncated assistant turn and let the model keep going.
				continue
			}
			return Result{Messages: conv, Usage: lastUsage, TotalCost: totalCost, PendingFiles: pendingFiles}
		}

		// tool_use/tool_result id pairing: every tool_use block gets exactly
		// one matching tool_result message before the next StreamChat call.
		// If every pending call is marked commutative, the registry allows
		// running them concurrently (spec §4.E step 5); otherwise they run
		// sequentially to preserve deterministic side-effects.
		if len(assistantMsg.ToolCalls) > 1 && o.allCommutative(assistantMsg.ToolCalls) {
			conv = append(conv, o.dispatchCommutative(handle, threadKey, assistantMsg.ToolCalls, responder, session, disp, &pendingFiles)...)
			continue
		}

		for _, call := range assistantMsg.ToolCalls {
			select {
			case <-handle.Context().Done():
				conv = append(conv, pairedCancelResult(call))
				disp.Append(llm.BlockTypeText, "\n[interrupted]")
				return o.cancelled(handle, conv, disp, totalCost, lastUsage, pendingFiles)
			default:
			}

			var args map[string]any
			if call.Function.Arguments != "" {
				if err := json.UnmarshalFromString(call.Function.Arguments, &args); err != nil {
					conv = append(conv, errorToolResult(call, fmt.Sprintf("invalid arguments: %s", err)))
					continue
				}
			}

			result, err := o.Dispatcher.Dispatch(handle.Context(), threadKey, call.ID, call.Name, args)
			if err != nil {
				conv = append(conv, errorToolResult(call, err.Error()))
				continue
			}
			conv = append(conv, toolResultMessage(call, result))

			if result.File != nil {
				immediate := result.File.Hint == llm.DeliverBeforeResponse || result.File.Hint == llm.DeliverInline
				if immediate && responder != nil {
					o.deliverNow(responder, session, disp, *result.File)
				} else {
					pendingFiles = append(pendingFiles, *result.File)
				}
			}
		}
	}
}

// allCommutative reports whether every call names a tool the registry
// marks IsCommutative, the gate the tool loop uses to decide whether
// this iteration's sibling calls may run concurrently.
func (o *Orchestrator) allCommutative(calls []llm.ToolCall) bool {
	for _, call := range calls {
		t, ok := o.Registry.Get(call.Name)
		if !ok {
			return false
		}
		ct, ok := t.(*tools.ConfiguredTool)
		if !ok || !ct.Config().IsCommutative {
			return false
		}
	}
	return true
}

// dispatchCommutative runs every call concurrently -- safe only because
// allCommutative already verified none of them has a shared-state side
// effect -- and returns their tool_result messages in the same order the
// calls were emitted, so tool_use/tool_result pairing stays deterministic
// even though execution order isn't.
func (o *Orchestrator) dispatchCommutative(handle *gentrack.Handle, threadKey string, calls []llm.ToolCall, responder api.MessageResponder, session api.SessionContext, disp *display.Manager, pendingFiles *[]api.FileDelivery) []llm.Message {
	type outcome struct {
		msg  llm.Message
		file *api.FileDelivery
	}
	results := make([]outcome, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		i, call := i, call
		wg.Add(1)
		go func() {
			defer wg.Done()

			select {
			case <-handle.Context().Done():
				results[i] = outcome{msg: pairedCancelResult(call)}
				return
			default:
			}

			var args map[string]any
			if call.Function.Arguments != "" {
				if err := json.UnmarshalFromString(call.Function.Arguments, &args); err != nil {
					results[i] = outcome{msg: errorToolResult(call, fmt.Sprintf("invalid arguments: %s", err))}
					return
				}
			}

			result, err := o.Dispatcher.Dispatch(handle.Context(), threadKey, call.ID, call.Name, args)
			if err != nil {
				results[i] = outcome{msg: errorToolResult(call, err.Error())}
				return
			}
			out := outcome{msg: toolResultMessage(call, result)}
			if result.File != nil {
				f := *result.File
				out.file = &f
			}
			results[i] = out
		}()
	}
	wg.Wait()

	msgs := make([]llm.Message, 0, len(results))
	for _, r := range results {
		msgs = append(msgs, r.msg)
		if r.file == nil {
			continue
		}
		immediate := r.file.Hint == llm.DeliverBeforeResponse || r.file.Hint == llm.DeliverInline
		if immediate && responder != nil {
			o.deliverNow(responder, session, disp, *r.file)
		} else {
			*pendingFiles = append(*pendingFiles, *r.file)
		}
	}
	return msgs
}

// deliverNow flushes whatever text/thinking the Display has accumulated so
// far, sends it through the responder, hands the file itself to the
// channel, and clears the Display so the next iteration's output doesn't
// bleed into what was already sent. A nil responder (tests, or a channel
// that never got wired) defers the file to Result.PendingFiles instead.
func (o *Orchestrator) deliverNow(responder api.MessageResponder, session api.SessionContext, disp *display.Manager, file api.FileDelivery) {
	if responder == nil {
		return
	}
	for _, chunk := range disp.Commit() {
		_ = responder.SendReply(session, chunk)
	}
	_ = responder.SendFile(session, file)
	disp.Clear()
}

func (o *Orchestrator) toolDefs() []llm.Tool {
	all := o.Registry.GetAll()
	out := make([]llm.Tool, 0, len(all))
	for _, t := range all {
		out = append(out, t)
	}
	return out
}

func (o *Orchestrator) cancelled(handle *gentrack.Handle, conv []llm.Message, disp *display.Manager, cost float64, usage *llm.LLMUsage, pendingFiles []api.FileDelivery) Result {
	reason := handle.Reason()
	if reason == "" {
		reason = llm.CancelStopCommand
	}
	// Pro-rate the token cost already committed down to the fraction of
	// output actually displayed when the cancellation hit mid-stream.
	return Result{Messages: conv, Cancelled: true, Reason: reason, Usage: usage, TotalCost: cost, PendingFiles: pendingFiles}
}

func pairedCancelResult(call llm.ToolCall) llm.Message {
	return llm.Message{
		ID:         utils.GenerateID(),
		Role:       llm.RoleTool,
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Content:    []llm.ContentBlock{llm.NewToolResultBlock(call.ID, "[interrupted before execution]", true)},
	}
}

func errorToolResult(call llm.ToolCall, msg string) llm.Message {
	return llm.Message{
		ID:         utils.GenerateID(),
		Role:       llm.RoleTool,
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Content:    []llm.ContentBlock{llm.NewToolResultBlock(call.ID, msg, true)},
	}
}

// toolResultMessage builds the provider-shaped tool_result message for a
// dispatched call. Per spec §4.E step 5, is_error is true only when
// result.Error is a non-empty string -- an empty error string is success,
// regression-critical (invariant 3).
func toolResultMessage(call llm.ToolCall, result *api.ToolResult) llm.Message {
	isError := result.Error != ""
	msg := llm.Message{
		ID:         utils.GenerateID(),
		Role:       llm.RoleTool,
		ToolCallID: call.ID,
		ToolName:   call.Name,
	}
	for _, b := range result.Content {
		switch b.Type {
		case "image":
			data, _ := base64.StdEncoding.DecodeString(b.Data)
			msg.Content = append(msg.Content, llm.NewImageBlock(data, b.MimeType))
		default:
			msg.Content = append(msg.Content, llm.NewToolResultBlock(call.ID, b.Text, isError))
		}
	}
	if len(msg.Content) == 0 {
		text := result.Error
		msg.Content = []llm.ContentBlock{llm.NewToolResultBlock(call.ID, text, isError)}
	}
	return msg
}
