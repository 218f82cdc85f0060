package media

import (
	"context"
	"fmt"
	"strings"

	"threadline/pkg/api"
)

// Kind classifies how an ingested file should be handled downstream.
type Kind int

const (
	// KindUpload is stored for later tool use (analyze_image, analyze_pdf,
	// preview_file, deliver_file) without any transformation up front.
	KindUpload Kind = iota
	// KindTranscribe is routed through a Transcriber before the
	// conversation ever sees it as text.
	KindTranscribe
)

// Classify decides how a FileAttachment's content should be handled
// based on its declared MIME type: voice notes, audio, and video are
// transcribed; everything else (images, documents) is ingested as-is
// for tools to act on later.
func Classify(att api.FileAttachment) Kind {
	if strings.HasPrefix(att.MimeType, "audio/") || strings.HasPrefix(att.MimeType, "video/") {
		return KindTranscribe
	}
	return KindUpload
}

// IngestedFile is the result of ingesting one attachment: its cache ID,
// and transcript text if it was routed through transcription.
type IngestedFile struct {
	FileID     string
	MimeType   string
	Filename   string
	Kind       Kind
	Transcript string
}

// Transcriber matches pkg/tools.Transcriber; kept as an independent type
// here so this package never imports pkg/tools.
type Transcriber interface {
	TranscribeAudio(ctx context.Context, data []byte, mimeType string) (text string, minutes float64, err error)
}

// IngestAttachments downloads-through-cache every attachment in msgs,
// routing audio/video to transcriber when one is configured. A failed
// ingestion is recorded in the returned slice's error and is never
// silently retried within the same batch -- the caller decides whether
// to surface the failure to the user or drop that one attachment.
func IngestAttachments(ctx context.Context, cache *Cache, transcriber Transcriber, atts []api.FileAttachment) ([]IngestedFile, []error) {
	var out []IngestedFile
	var errs []error

	for _, att := range atts {
		data := att.Data
		if len(data) == 0 {
			errs = append(errs, fmt.Errorf("media: attachment %q has no inline data and no loader configured", att.Filename))
			continue
		}

		fileID, err := cache.Ingest(data, att.MimeType, att.Filename)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		kind := Classify(att)
		ingested := IngestedFile{FileID: fileID, MimeType: att.MimeType, Filename: att.Filename, Kind: kind}

		if kind == KindTranscribe {
			if transcriber == nil {
				errs = append(errs, fmt.Errorf("media: no transcriber configured for %q", att.Filename))
				out = append(out, ingested)
				continue
			}
			text, _, err := transcriber.TranscribeAudio(ctx, data, att.MimeType)
			if err != nil {
				errs = append(errs, fmt.Errorf("media: transcription failed for %q: %w", att.Filename, err))
				out = append(out, ingested)
				continue
			}
			ingested.Transcript = text
		}

		out = append(out, ingested)
	}

	return out, errs
}
