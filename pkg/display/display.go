// Package display implements the Display Manager: it accumulates the
// typed content blocks a generation produces (text, thinking, tool
// activity) and turns them into the smaller, throttled set of edits a
// channel actually sends over the wire. The block-merge and
// smart-splitting rules here are modeled on the chunking logic in
// pkg/channels/telegram/telegram_channel.go's Send, generalized from a
// single message-length cutoff into a paragraph/newline/hard-cut ladder.
package display

import (
	"strings"
	"time"
	"unicode"

	"threadline/pkg/llm"
)

// Block is one accumulated unit of generated content. Consecutive
// Append calls of the same Type are merged into the same Block rather
// than creating a new one, so a stream of text deltas collapses into a
// single logical paragraph-producing block.
type Block struct {
	Type string // llm.BlockTypeText, llm.BlockTypeThinking, or a tool marker such as "tool_use"
	Text string
}

// Manager accumulates a single generation's output and decides when and
// how much of it should be pushed to the channel. It is not safe for
// concurrent use from more than one goroutine; the orchestrator owns it
// for the lifetime of one generation.
type Manager struct {
	blocks []Block

	maxMessageLength int
	editThrottle     time.Duration
	editCharsMin     int

	lastEditAt    time.Time
	lastFlushLen  int // length of final_text() as of the last flush, used to detect new content
	committed     bool
}

// NewManager builds a Display Manager using the configured split length
// and edit-throttling parameters (MAX_MESSAGE_LENGTH, T_edit, C_edit).
func NewManager(maxMessageLength int, editThrottleMs, editThrottleChars int) *Manager {
	if maxMessageLength <= 0 {
		maxMessageLength = 4096
	}
	return &Manager{
		maxMessageLength: maxMessageLength,
		editThrottle:     time.Duration(editThrottleMs) * time.Millisecond,
		editCharsMin:     editThrottleChars,
	}
}

// Append adds a fragment of content of the given type. If the most
// recently appended block shares the same type, the fragment is merged
// into it instead of starting a new block — this is what keeps a
// stream of text_delta events from exploding into one Block per token.
func (m *Manager) Append(blockType, text string) {
	if text == "" {
		return
	}
	if n := len(m.blocks); n > 0 && m.blocks[n-1].Type == blockType {
		m.blocks[n-1].Text += text
		return
	}
	m.blocks = append(m.blocks, Block{Type: blockType, Text: text})
}

// Clear resets the manager to an empty state, discarding all
// accumulated blocks. Used when a generation is cancelled and its
// partial output must not bleed into the next one.
func (m *Manager) Clear() {
	m.blocks = nil
	m.lastEditAt = time.Time{}
	m.lastFlushLen = 0
	m.committed = false
}

// HasTextContent reports whether any visible (non-thinking) text has
// been accumulated yet.
func (m *Manager) HasTextContent() bool {
	for _, b := range m.blocks {
		if b.Type == llm.BlockTypeText && strings.TrimSpace(b.Text) != "" {
			return true
		}
	}
	return false
}

// HasContent reports whether anything at all — text or thinking — has
// been accumulated.
func (m *Manager) HasContent() bool {
	return len(m.blocks) > 0
}

// GetTextBlocks returns the accumulated text blocks, in order.
func (m *Manager) GetTextBlocks() []Block {
	return m.filterType(llm.BlockTypeText)
}

// GetThinkingBlocks returns the accumulated thinking blocks, in order.
func (m *Manager) GetThinkingBlocks() []Block {
	return m.filterType(llm.BlockTypeThinking)
}

func (m *Manager) filterType(t string) []Block {
	var out []Block
	for _, b := range m.blocks {
		if b.Type == t {
			out = append(out, b)
		}
	}
	return out
}

// GetAllText concatenates every text block into one string, in the
// order blocks were appended. Thinking blocks are excluded.
func (m *Manager) GetAllText() string {
	var sb strings.Builder
	for _, b := range m.blocks {
		if b.Type == llm.BlockTypeText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// TotalTextLength returns the rune length of GetAllText, used by
// cost/cancellation bookkeeping that prorates by visible output size.
func (m *Manager) TotalTextLength() int {
	return len([]rune(m.GetAllText()))
}

// TotalThinkingLength returns the combined rune length of every
// thinking block.
func (m *Manager) TotalThinkingLength() int {
	n := 0
	for _, b := range m.GetThinkingBlocks() {
		n += len([]rune(b.Text))
	}
	return n
}

// FinalText returns the fully merged, displayable text — what commit()
// would flush if called right now — without mutating manager state.
func (m *Manager) FinalText() string {
	return m.GetAllText()
}

// Commit marks accumulation finished for this generation and returns
// the final set of message-sized chunks ready to send, split according
// to the paragraph -> newline -> hard-cut ladder.
func (m *Manager) Commit() []string {
	m.committed = true
	return SplitMessage(m.FinalText(), m.maxMessageLength)
}

// ShouldFlush reports whether enough time and enough new content have
// accumulated since the last edit to justify sending an in-place edit
// now (the T_edit / C_edit throttle, testable property 10). now is
// passed in rather than read from time.Now() so callers can drive this
// deterministically in tests.
func (m *Manager) ShouldFlush(now time.Time) bool {
	cur := m.TotalTextLength()
	newChars := cur - m.lastFlushLen
	if newChars <= 0 {
		return false
	}
	if m.lastEditAt.IsZero() {
		return true
	}
	if now.Sub(m.lastEditAt) < m.editThrottle {
		return false
	}
	return newChars >= m.editCharsMin
}

// MarkFlushed records that a flush happened at `now`, resetting the
// throttle window's reference point.
func (m *Manager) MarkFlushed(now time.Time) {
	m.lastEditAt = now
	m.lastFlushLen = m.TotalTextLength()
}

// SplitMessage breaks text into chunks no longer than maxLen runes,
// preferring to cut at a paragraph boundary, falling back to a line
// boundary, and finally hard-cutting mid-word if neither is available
// within the limit. This generalizes the single-tier rune-slice split
// telegram_channel.go's Send performs for over-limit replies.
func SplitMessage(text string, maxLen int) []string {
	runes := []rune(text)
	if maxLen <= 0 || len(runes) <= maxLen {
		if len(runes) == 0 {
			return nil
		}
		return []string{text}
	}

	var chunks []string
	for len(runes) > 0 {
		if len(runes) <= maxLen {
			chunks = append(chunks, strings.TrimRight(string(runes), "\n"))
			break
		}

		window := runes[:maxLen]
		cut := lastIndexRunes(window, "\n\n")
		if cut <= 0 {
			cut = lastIndexRunes(window, "\n")
		}
		if cut <= 0 {
			cut = lastWordBoundary(window)
		}
		if cut <= 0 {
			cut = maxLen
		}

		chunk := strings.TrimRight(string(runes[:cut]), "\n")
		if chunk != "" {
			chunks = append(chunks, chunk)
		}

		rest := runes[cut:]
		// Drop leading newlines left behind by the cut so the next
		// chunk doesn't start with a blank line.
		i := 0
		for i < len(rest) && rest[i] == '\n' {
			i++
		}
		runes = rest[i:]
	}
	return chunks
}

func lastIndexRunes(window []rune, sep string) int {
	idx := strings.LastIndex(string(window), sep)
	if idx < 0 {
		return -1
	}
	return len([]rune(string(window)[:idx])) + len([]rune(sep))
}

func lastWordBoundary(window []rune) int {
	for i := len(window) - 1; i > 0; i-- {
		if unicode.IsSpace(window[i]) {
			return i + 1
		}
	}
	return -1
}
