package convo

import (
	"strings"
	"testing"

	"threadline/pkg/llm"
)

func TestBuildSystemBlocksOrderAndCacheability(t *testing.T) {
	longPersonality := strings.Repeat("speak tersely and with great care. ", 200) // well over 1024 estimated tokens
	blocks := BuildSystemBlocks(SystemPromptParts{
		Global:       "be helpful",
		Personality:  longPersonality,
		FilesContext: "user attached report.pdf",
	})
	if len(blocks) != 3 {
		t.Fatalf("expected 3 blocks, got %d", len(blocks))
	}
	if !blocks[0].Cacheable || !blocks[1].Cacheable {
		t.Fatal("global and a sufficiently long personality block should be cacheable")
	}
	if blocks[2].Cacheable {
		t.Fatal("files-context block should not be cacheable")
	}
	if blocks[2].Text != "user attached report.pdf" {
		t.Fatalf("files-context block should be last, got %+v", blocks)
	}
}

func TestBuildSystemBlocksShortPersonalityNotCacheable(t *testing.T) {
	blocks := BuildSystemBlocks(SystemPromptParts{
		Global:      "be helpful",
		Personality: "speak tersely",
	})
	if len(blocks) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(blocks))
	}
	if !blocks[0].Cacheable {
		t.Fatal("global block should always be cacheable")
	}
	if blocks[1].Cacheable {
		t.Fatal("a short personality block should not be marked cacheable")
	}
}

func TestBuildSystemBlocksSkipsEmptyParts(t *testing.T) {
	blocks := BuildSystemBlocks(SystemPromptParts{Global: "be helpful"})
	if len(blocks) != 1 {
		t.Fatalf("expected only the non-empty part, got %+v", blocks)
	}
}

func TestBuildConversationUsesCompactionFloor(t *testing.T) {
	h := llm.NewChatHistory()
	h.Add(llm.NewUserMessage("first message, long forgotten"))
	h.Add(llm.NewAssistantMessage("first reply"))
	summarized := llm.NewUserMessage("third message")
	summarized.CompactionSummary = "the user asked two prior questions about billing"
	h.Add(summarized)
	h.Add(llm.NewAssistantMessage("third reply"))

	out := BuildConversation(h)
	if len(out) != 3 { // synthetic summary message + the 2 retained messages
		t.Fatalf("expected 3 messages (summary + floor + tail), got %d: %+v", len(out), out)
	}
	if out[0].Role != "system" {
		t.Fatalf("expected synthetic summary message first, got role %q", out[0].Role)
	}
	if out[1].GetTextContent() != "third message" {
		t.Fatalf("expected the compaction-bearing message to be the inclusive floor, got %+v", out[1])
	}
}

func TestBuildConversationNoCompactionReturnsEverything(t *testing.T) {
	h := llm.NewChatHistory()
	h.Add(llm.NewUserMessage("hello"))
	h.Add(llm.NewAssistantMessage("hi"))

	out := BuildConversation(h)
	if len(out) != 2 {
		t.Fatalf("expected all messages when no compaction has happened, got %d", len(out))
	}
}
