package media

import (
	"context"
	"testing"
	"time"

	"threadline/pkg/api"
)

func TestIngestDedupesIdenticalBytes(t *testing.T) {
	c := NewCache(1024, time.Hour)
	id1, err := c.Ingest([]byte("hello"), "text/plain", "a.txt")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	id2, err := c.Ingest([]byte("hello"), "text/plain", "b.txt")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("expected identical bytes to dedupe to the same file id, got %q vs %q", id1, id2)
	}
}

func TestIngestRejectsOversizedFile(t *testing.T) {
	c := NewCache(4, time.Hour)
	if _, err := c.Ingest([]byte("too big"), "text/plain", "a.txt"); err == nil {
		t.Fatal("expected oversized file to be rejected")
	}
}

func TestResolveExpiresByTTL(t *testing.T) {
	c := NewCache(1024, time.Millisecond)
	id, err := c.Ingest([]byte("hello"), "text/plain", "a.txt")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, _, err := c.Resolve(id); err == nil {
		t.Fatal("expected expired entry to fail to resolve")
	}
}

func TestClassifyRoutesAudioToTranscription(t *testing.T) {
	if Classify(api.FileAttachment{MimeType: "audio/ogg"}) != KindTranscribe {
		t.Fatal("expected audio to classify as transcribe")
	}
	if Classify(api.FileAttachment{MimeType: "image/jpeg"}) != KindUpload {
		t.Fatal("expected image to classify as upload")
	}
}

type fakeTranscriber struct{}

func (fakeTranscriber) TranscribeAudio(ctx context.Context, data []byte, mimeType string) (string, float64, error) {
	return "transcribed text", 1.5, nil
}

func TestIngestAttachmentsTranscribesAudio(t *testing.T) {
	c := NewCache(1024, time.Hour)
	atts := []api.FileAttachment{
		{Filename: "voice.ogg", MimeType: "audio/ogg", Data: []byte("fake-audio-bytes")},
		{Filename: "photo.jpg", MimeType: "image/jpeg", Data: []byte("fake-image-bytes")},
	}
	results, errs := IngestAttachments(context.Background(), c, fakeTranscriber{}, atts)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Kind != KindTranscribe || results[0].Transcript != "transcribed text" {
		t.Fatalf("expected first attachment transcribed, got %+v", results[0])
	}
	if results[1].Kind != KindUpload || results[1].Transcript != "" {
		t.Fatalf("expected second attachment uploaded untouched, got %+v", results[1])
	}
}
