package media

import (
	"context"
)

// audioClient is the minimal shape pkg/llm/openailm.Client exposes for
// transcription; kept narrow so this package doesn't import openailm
// directly, matching the rest of the codebase's structural-interface style.
type audioClient interface {
	TranscribeAudio(ctx context.Context, audio []byte, filename string) (string, error)
}

// OpenAITranscriber adapts an openailm.Client (or anything with the same
// TranscribeAudio shape) to media.Transcriber / pkg/tools.Transcriber.
// The underlying API reports only text, not duration, so the per-minute
// billing unit is estimated from payload size at a conservative bitrate
// -- this is a deliberate approximation, not an exact duration read.
type OpenAITranscriber struct {
	client audioClient
}

// NewOpenAITranscriber wraps client for use as a media/tools Transcriber.
func NewOpenAITranscriber(client audioClient) *OpenAITranscriber {
	return &OpenAITranscriber{client: client}
}

// bytesPerMinuteEstimate assumes a conservative ~24kbps encoded voice
// note (typical for Telegram/WhatsApp OGG/Opus voice messages).
const bytesPerMinuteEstimate = 24_000 * 60 / 8

func (t *OpenAITranscriber) TranscribeAudio(ctx context.Context, data []byte, mimeType string) (string, float64, error) {
	text, err := t.client.TranscribeAudio(ctx, data, "audio"+extFor(mimeType))
	if err != nil {
		return "", 0, err
	}
	minutes := float64(len(data)) / float64(bytesPerMinuteEstimate)
	if minutes < 0.1 {
		minutes = 0.1 // floor: never bill a zero-length transcription as free
	}
	return text, minutes, nil
}

func extFor(mimeType string) string {
	switch mimeType {
	case "audio/mpeg":
		return ".mp3"
	case "audio/wav", "audio/x-wav":
		return ".wav"
	case "audio/ogg":
		return ".ogg"
	default:
		return ".bin"
	}
}
