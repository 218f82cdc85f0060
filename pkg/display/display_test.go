package display

import (
	"testing"
	"time"

	"threadline/pkg/llm"
)

func TestAppendMergesSameType(t *testing.T) {
	m := NewManager(4096, 1000, 80)
	m.Append(llm.BlockTypeText, "Hello, ")
	m.Append(llm.BlockTypeText, "world.")
	m.Append(llm.BlockTypeThinking, "pondering")
	m.Append(llm.BlockTypeText, " More.")

	if len(m.blocks) != 3 {
		t.Fatalf("expected 3 merged blocks, got %d: %+v", len(m.blocks), m.blocks)
	}
	if got := m.GetAllText(); got != "Hello, world. More." {
		t.Fatalf("unexpected merged text: %q", got)
	}
}

func TestHasTextContent(t *testing.T) {
	m := NewManager(4096, 1000, 80)
	if m.HasTextContent() {
		t.Fatal("expected no text content on empty manager")
	}
	m.Append(llm.BlockTypeThinking, "internal only")
	if m.HasTextContent() {
		t.Fatal("thinking-only content should not count as text content")
	}
	m.Append(llm.BlockTypeText, "visible")
	if !m.HasTextContent() {
		t.Fatal("expected text content after appending a text block")
	}
}

func TestClearResetsState(t *testing.T) {
	m := NewManager(4096, 1000, 80)
	m.Append(llm.BlockTypeText, "something")
	m.MarkFlushed(time.Now())
	m.Clear()
	if m.HasContent() {
		t.Fatal("expected no content after Clear")
	}
	if m.lastFlushLen != 0 || !m.lastEditAt.IsZero() {
		t.Fatal("expected throttle state reset after Clear")
	}
}

func TestShouldFlushThrottling(t *testing.T) {
	m := NewManager(4096, 1000, 80)
	now := time.Unix(1000, 0)

	m.Append(llm.BlockTypeText, "short")
	if !m.ShouldFlush(now) {
		t.Fatal("first flush should always be allowed")
	}
	m.MarkFlushed(now)

	// Not enough new characters yet, even though the clock advanced.
	m.Append(llm.BlockTypeText, " a bit")
	if m.ShouldFlush(now.Add(2 * time.Second)) {
		t.Fatal("expected flush to be withheld below the char threshold")
	}

	// Enough characters, but not enough elapsed time.
	m.Append(llm.BlockTypeText, " 1234567890123456789012345678901234567890123456789012345678901234567890123456789012345")
	if m.ShouldFlush(now.Add(100 * time.Millisecond)) {
		t.Fatal("expected flush to be withheld below the time threshold")
	}

	if !m.ShouldFlush(now.Add(2 * time.Second)) {
		t.Fatal("expected flush once both thresholds are satisfied")
	}
}

func TestSplitMessagePrefersParagraphBoundary(t *testing.T) {
	text := "First paragraph here.\n\nSecond paragraph that is quite a bit longer than the first one was."
	chunks := SplitMessage(text, 30)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d: %+v", len(chunks), chunks)
	}
	for _, c := range chunks {
		if len([]rune(c)) > 30 {
			t.Fatalf("chunk exceeds max length: %q", c)
		}
	}
}

func TestSplitMessageHardCutFallback(t *testing.T) {
	text := "supercalifragilisticexpialidocious"
	chunks := SplitMessage(text, 10)
	if len(chunks) == 0 {
		t.Fatal("expected at least one chunk")
	}
	var joined string
	for _, c := range chunks {
		joined += c
	}
	if joined != text {
		t.Fatalf("hard-cut chunks should reconstruct the original text, got %q", joined)
	}
}

func TestSplitMessageUnderLimit(t *testing.T) {
	chunks := SplitMessage("short", 4096)
	if len(chunks) != 1 || chunks[0] != "short" {
		t.Fatalf("expected single unchanged chunk, got %+v", chunks)
	}
	if SplitMessage("", 4096) != nil {
		t.Fatal("expected nil chunks for empty input")
	}
}
