// Package pipeline wires the Thread Registry, Message Batcher, Media
// Ingest, Prompt Composer, Streaming Orchestrator, and Display Manager
// into the single entry point the Gateway calls for every inbound
// message, replacing the older direct agent/handler request path.
// Grounded on pkg/handler/handler.go's OnMessage shape (DebugID
// assignment, slash-command interception, structured logging around the
// generation) and pkg/gateway/builder.go's ResponderAware wiring.
package pipeline

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"threadline/pkg/api"
	"threadline/pkg/batch"
	"threadline/pkg/config"
	"threadline/pkg/convo"
	"threadline/pkg/display"
	"threadline/pkg/llm"
	"threadline/pkg/media"
	"threadline/pkg/orchestrator"
	"threadline/pkg/thread"
	"threadline/pkg/tools"
	"threadline/pkg/utils"
)

// Pipeline is the MessageProcessor the Gateway drives: one OnMessage call
// per inbound UnifiedMessage, fanning out into a per-thread batch that is
// eventually composed into a prompt, streamed through the Orchestrator,
// and replied to via the injected MessageResponder.
type Pipeline struct {
	threads     *thread.Registry
	batcher     *batch.Batcher
	mediaCache  *media.Cache
	transcriber media.Transcriber
	orch        *orchestrator.Orchestrator

	cfg     *config.Config
	sysCfg  *config.SystemConfig
	pricing llm.ProviderGroupConfig

	responder api.MessageResponder
}

// New builds a Pipeline. pricing is the provider configuration consulted
// for per-turn token billing; deployments with a single provider group
// pass that group directly, deployments with a fallback chain pass the
// primary group (matching FallbackClient's retry-then-degrade order is a
// known simplification -- true per-turn provider-aware pricing would need
// the StreamChunk to report which provider actually answered).
func New(
	threads *thread.Registry,
	client llm.LLMClient,
	registry *tools.Registry,
	dispatcher *tools.Dispatcher,
	mediaCache *media.Cache,
	transcriber media.Transcriber,
	cfg *config.Config,
	sysCfg *config.SystemConfig,
	pricing llm.ProviderGroupConfig,
) *Pipeline {
	return &Pipeline{
		threads:     threads,
		mediaCache:  mediaCache,
		transcriber: transcriber,
		orch:        orchestrator.New(client, registry, dispatcher, sysCfg.MaxToolIterations),
		cfg:         cfg,
		sysCfg:      sysCfg,
		pricing:     pricing,
	}
}

// Start finishes wiring the Batcher now that the Pipeline itself exists
// (the Batcher's Handler closes over p.handleBatch). Must be called once
// before OnMessage is registered with the Gateway.
func (p *Pipeline) Start() {
	window := time.Duration(p.sysCfg.BatchWindowMs) * time.Millisecond
	p.batcher = batch.NewBatcher(window, p.threads.Generations, p.handleBatch)
}

// SetResponder satisfies api.ResponderAware; the GatewayBuilder calls this
// automatically when the Pipeline is registered via WithHandler.
func (p *Pipeline) SetResponder(responder api.MessageResponder) {
	p.responder = responder
}

// OnMessage satisfies api.MessageProcessor. It classifies the inbound
// message (command / media / plain text) and hands it to the Batcher,
// which coalesces it with whatever else is already in flight for the
// same thread.
func (p *Pipeline) OnMessage(msg *api.UnifiedMessage) {
	if msg.DebugID == "" {
		b := make([]byte, 4)
		_, _ = rand.Read(b)
		msg.DebugID = fmt.Sprintf("%x", b)
	}

	key := keyFor(msg.Session)
	isMedia := len(msg.Files) > 0
	isCommand := strings.HasPrefix(strings.TrimSpace(msg.Content), "/")

	slog.Info("pipeline: message received", "channel", msg.Session.ChannelID, "user", msg.Session.Username,
		"thread", key.String(), "files", len(msg.Files), "debug_id", msg.DebugID)

	p.batcher.Submit(key.String(), msg, isMedia, isCommand)
}

// handleBatch is the Batcher's Handler: it runs Media Ingest, the Prompt
// Composer, and the Streaming Orchestrator for one coalesced batch, then
// delivers the result back through the responder.
func (p *Pipeline) handleBatch(b *batch.Batch) {
	if len(b.Messages) == 0 {
		return
	}
	session := b.Messages[0].Session
	key := keyFor(session)

	if len(b.Messages) == 1 && strings.HasPrefix(strings.TrimSpace(b.Messages[0].Content), "/") {
		p.handleCommand(session, b.Messages[0])
		return
	}

	rec, err := p.threads.Get(key)
	if err != nil {
		slog.Error("pipeline: failed to load thread", "thread", key.String(), "error", err)
		_ = p.responder.SendReply(session, fmt.Sprintf("internal error: %v", err))
		return
	}

	userMsg, filesContext := p.buildUserMessage(b.Messages)
	if len(userMsg.Content) == 0 {
		return
	}

	rec.Mutex.Lock()
	rec.History.Add(userMsg)
	rec.Mutex.Unlock()

	parts := convo.SystemPromptParts{Global: p.cfg.SystemPrompt, FilesContext: filesContext}
	system := convo.BuildSystemBlocks(parts)
	conv := convo.BuildConversation(rec.History)
	preLen := len(conv)

	handle, err := p.threads.Generations.Start(context.Background(), key.String())
	if err != nil {
		slog.Warn("pipeline: generation already active for thread, dropping batch", "thread", key.String(), "error", err)
		return
	}
	defer handle.Cleanup()

	disp := display.NewManager(p.sysCfg.MaxMessageLength, p.sysCfg.EditThrottleMs, p.sysCfg.EditThrottleChars)

	result := p.orch.Run(handle, key.String(), system, conv, disp, p.pricing, p.responder, session)

	for _, m := range result.Messages[preLen:] {
		rec.History.Add(m)
	}
	if err := p.threads.Save(key); err != nil {
		slog.Warn("pipeline: failed to persist thread history", "thread", key.String(), "error", err)
	}

	if result.Cancelled {
		slog.Info("pipeline: generation cancelled", "thread", key.String(), "reason", result.Reason, "cost", result.TotalCost)
	}

	p.deliver(session, disp)

	for _, file := range result.PendingFiles {
		if err := p.responder.SendFile(session, file); err != nil {
			slog.Error("pipeline: failed to deliver file", "tool", file.SourceTool, "filename", file.Filename, "error", err)
		}
	}
}

// deliver sends the Display Manager's final accumulated text back through
// the responder, split on the paragraph/newline/hard-cut ladder so no
// single reply exceeds the channel's message-length limit.
func (p *Pipeline) deliver(session api.SessionContext, disp *display.Manager) {
	if !disp.HasContent() {
		return
	}
	if p.sysCfg.ShowThinking {
		for _, blk := range disp.GetThinkingBlocks() {
			if strings.TrimSpace(blk.Text) == "" {
				continue
			}
			if err := p.responder.SendReply(session, "thinking:\n\n"+blk.Text); err != nil {
				slog.Error("pipeline: failed to send thinking block", "error", err)
			}
		}
	}
	for _, chunk := range disp.Commit() {
		if err := p.responder.SendReply(session, chunk); err != nil {
			slog.Error("pipeline: failed to send reply", "error", err)
		}
	}
}

// handleCommand handles a lone slash command without opening a batch
// window or touching the thread's persisted history, mirroring
// pkg/handler/handler.go's slash-command interception.
func (p *Pipeline) handleCommand(session api.SessionContext, msg *api.UnifiedMessage) {
	key := keyFor(session)
	switch strings.TrimSpace(msg.Content) {
	case "/stop":
		if p.threads.Cancel(key, llm.CancelStopCommand) {
			_ = p.responder.SendReply(session, "stopped the current generation.")
		} else {
			_ = p.responder.SendReply(session, "nothing is currently running.")
		}
	case "/clear":
		rec, err := p.threads.Get(key)
		if err == nil {
			rec.Mutex.Lock()
			rec.History.TruncateHistory(0)
			rec.Mutex.Unlock()
		}
		_ = p.responder.SendReply(session, "conversation cleared.")
	default:
		_ = p.responder.SendReply(session, fmt.Sprintf("unknown command: %s", msg.Content))
	}
}

// buildUserMessage merges every fragment in a coalesced batch into one
// user-role llm.Message: concatenated text, transcribed audio/video
// surfaced as text, images attached inline, and other documents (PDFs,
// etc.) referenced by their Media Ingest cache id for tools like
// analyze_pdf to resolve later. It also returns a FilesContext summary
// for the Prompt Composer's per-turn system block.
func (p *Pipeline) buildUserMessage(msgs []*api.UnifiedMessage) (llm.Message, string) {
	var texts []string
	var files []api.FileAttachment
	for _, m := range msgs {
		if strings.TrimSpace(m.Content) != "" {
			texts = append(texts, m.Content)
		}
		files = append(files, m.Files...)
	}

	ingested, errs := media.IngestAttachments(context.Background(), p.mediaCache, p.transcriber, files)
	for _, e := range errs {
		slog.Warn("pipeline: media ingest error", "error", e)
	}

	byName := make(map[string]api.FileAttachment, len(files))
	for _, f := range files {
		byName[f.Filename] = f
	}

	var blocks []llm.ContentBlock
	if combined := strings.Join(texts, "\n"); combined != "" {
		blocks = append(blocks, llm.NewTextBlock(combined))
	}

	var fileNames []string
	for _, f := range ingested {
		switch {
		case f.Kind == media.KindTranscribe:
			if f.Transcript != "" {
				blocks = append(blocks, llm.NewTextBlock(fmt.Sprintf("[voice message transcript: %s]", f.Transcript)))
			}
		case strings.HasPrefix(f.MimeType, "image/"):
			if a, ok := byName[f.Filename]; ok {
				blocks = append(blocks, llm.NewImageBlock(a.Data, f.MimeType))
			}
		default:
			blocks = append(blocks, llm.NewFileReferenceBlock(f.FileID, f.MimeType))
			fileNames = append(fileNames, fmt.Sprintf("%s (id %s)", f.Filename, f.FileID))
		}
	}

	var filesContext string
	if len(fileNames) > 0 {
		filesContext = "Files available this turn: " + strings.Join(fileNames, ", ")
	}

	return llm.Message{ID: utils.GenerateID(), Role: llm.RoleUser, Content: blocks, Timestamp: time.Now().Unix()}, filesContext
}

// keyFor derives a thread.Key from a session's identity fields. Non-numeric
// ids (e.g. the web channel's "global") fall back to a stable hash so the
// thread registry still gets a usable int64 key instead of always zero.
func keyFor(session api.SessionContext) thread.Key {
	return thread.Key{
		ChatID:  parseOrHash(session.ChatID),
		UserID:  parseOrHash(session.UserID),
		TopicID: parseOrHash(session.TopicID),
	}
}

func parseOrHash(s string) int64 {
	if s == "" {
		return 0
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	var h int64 = 1469598103934665603
	for _, c := range []byte(s) {
		h ^= int64(c)
		h *= 1099511628211
	}
	if h < 0 {
		h = -h
	}
	return h
}
