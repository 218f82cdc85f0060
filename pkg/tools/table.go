package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"threadline/pkg/api"
	"threadline/pkg/billing"
	"threadline/pkg/llm"
)

// FileResolver looks up a previously-ingested user file by the ID Media
// Ingest assigned it. pkg/media's cache satisfies this structurally.
type FileResolver interface {
	Resolve(fileID string) (data []byte, mimeType string, err error)
}

// Transcriber turns audio bytes into text, reporting the audio's duration
// in minutes so the dispatcher can compute the per-minute charge.
// openailm.Client.TranscribeAudio is adapted to this shape by the pipeline
// driver at wiring time.
type Transcriber interface {
	TranscribeAudio(ctx context.Context, data []byte, mimeType string) (text string, minutes float64, err error)
}

// ImageGenerator produces an image from a text prompt.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, prompt string, hd bool) (data []byte, mimeType string, err error)
}

// Dependencies bundles the optional external capabilities the default
// tool table's executors call into. Any field left nil degrades that
// tool to a polite "not configured" response rather than a panic, so a
// deployment can wire up only the providers it actually has credentials
// for.
type Dependencies struct {
	Files       FileResolver
	Transcriber Transcriber
	ImageGen    ImageGenerator
	CodeRunner  *OSTool // backs execute_python via RunCommand
	HTTPClient  *http.Client
}

const defaultFetchTimeout = 10 * time.Second
const maxFetchBytes = 512 * 1024

// NewTable builds the default ToolConfig table covering every tool
// SPEC_FULL.md names: the PAID set (generate_image, transcribe_audio,
// web_search, execute_python, analyze_image, analyze_pdf, preview_file,
// deep_think, self_critique) and the free set (render_latex, web_fetch,
// deliver_file).
func NewTable(deps Dependencies) map[string]*ToolConfig {
	httpClient := deps.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultFetchTimeout}
	}

	table := map[string]*ToolConfig{
		"render_latex": {
			Name:        "render_latex",
			Description: "Render a LaTeX expression for display. Returns the formatted source ready for a Markdown-capable channel.",
			ParamSchema: map[string]any{
				"latex": map[string]any{"type": "string", "description": "LaTeX source to render"},
			},
			RequiredParams: []string{"latex"},
			IsCommutative:  true, // pure function of its input, no shared-state writes (Open Question #1)
			Executor: func(ctx context.Context, args map[string]any) (*api.ToolResult, float64, error) {
				src, _ := args["latex"].(string)
				if strings.TrimSpace(src) == "" {
					return nil, 0, fmt.Errorf("render_latex: missing latex source")
				}
				return &api.ToolResult{
					Content: []api.ContentBlock{{Type: "text", Text: "$$" + src + "$$"}},
				}, 0, nil
			},
		},

		"web_fetch": {
			Name:        "web_fetch",
			Description: "Fetch the text content of a public URL.",
			ParamSchema: map[string]any{
				"url": map[string]any{"type": "string", "description": "Absolute http(s) URL to fetch"},
			},
			RequiredParams: []string{"url"},
			IsCommutative:  true, // a read-only GET with no shared-state writes (Open Question #1)
			Executor: func(ctx context.Context, args map[string]any) (*api.ToolResult, float64, error) {
				url, _ := args["url"].(string)
				if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
					return nil, 0, fmt.Errorf("web_fetch: url must be absolute http(s)")
				}
				req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
				if err != nil {
					return nil, 0, err
				}
				resp, err := httpClient.Do(req)
				if err != nil {
					return nil, 0, fmt.Errorf("web_fetch: %w", err)
				}
				defer resp.Body.Close()
				body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
				if err != nil {
					return nil, 0, fmt.Errorf("web_fetch: reading body: %w", err)
				}
				return &api.ToolResult{
					Content: []api.ContentBlock{{Type: "text", Text: string(body)}},
					Details: map[string]any{"status": resp.StatusCode, "url": url},
				}, 0, nil
			},
		},

		"deliver_file": {
			Name:        "deliver_file",
			Description: "Deliver a previously uploaded or generated file back to the user by its file ID.",
			ParamSchema: map[string]any{
				"file_id": map[string]any{"type": "string", "description": "ID of the file to deliver"},
			},
			RequiredParams:   []string{"file_id"},
			FileIDParam:      "file_id",
			FileDeliveryHint: llm.DeliverAtEnd,
			Executor: func(ctx context.Context, args map[string]any) (*api.ToolResult, float64, error) {
				fileID, _ := args["file_id"].(string)
				if deps.Files == nil {
					return nil, 0, fmt.Errorf("deliver_file: no file store configured")
				}
				data, mime, err := deps.Files.Resolve(fileID)
				if err != nil {
					return nil, 0, fmt.Errorf("deliver_file: %w", err)
				}
				return &api.ToolResult{
					Content: []api.ContentBlock{{Type: "text", Text: fmt.Sprintf("Delivering file %s", fileID)}},
					Details: map[string]any{"file_id": fileID, "mime_type": mime, "bytes": len(data)},
					File: &api.FileDelivery{
						Filename:   fileID,
						Data:       data,
						MimeType:   mime,
						SourceTool: "deliver_file",
						Hint:       llm.DeliverAtEnd,
					},
				}, 0, nil
			},
		},

		"transcribe_audio": {
			Name:        "transcribe_audio",
			Description: "Transcribe a voice message or audio file the user uploaded.",
			ParamSchema: map[string]any{
				"file_id": map[string]any{"type": "string", "description": "ID of the previously ingested audio file"},
			},
			RequiredParams: []string{"file_id"},
			Paid:           true,
			FileIDParam:    "file_id",
			CostEstimator: func(args map[string]any) float64 {
				return billing.ToolCost("transcribe_audio", 5) // conservative 5-minute upper bound
			},
			Executor: func(ctx context.Context, args map[string]any) (*api.ToolResult, float64, error) {
				fileID, _ := args["file_id"].(string)
				if deps.Files == nil || deps.Transcriber == nil {
					return nil, 0, fmt.Errorf("transcribe_audio: not configured")
				}
				data, mime, err := deps.Files.Resolve(fileID)
				if err != nil {
					return nil, 0, fmt.Errorf("transcribe_audio: %w", err)
				}
				text, minutes, err := deps.Transcriber.TranscribeAudio(ctx, data, mime)
				if err != nil {
					return nil, 0, fmt.Errorf("transcribe_audio: %w", err)
				}
				return &api.ToolResult{
					Content: []api.ContentBlock{{Type: "text", Text: text}},
				}, billing.ToolCost("transcribe_audio", minutes), nil
			},
		},

		"generate_image": {
			Name:        "generate_image",
			Description: "Generate an image from a text prompt.",
			ParamSchema: map[string]any{
				"prompt": map[string]any{"type": "string", "description": "Description of the image to generate"},
				"hd":     map[string]any{"type": "boolean", "description": "Generate at higher quality/resolution"},
			},
			RequiredParams:   []string{"prompt"},
			Paid:             true,
			FileDeliveryHint: llm.DeliverInline,
			CostEstimator: func(args map[string]any) float64 {
				hd, _ := args["hd"].(bool)
				return billing.ImageCost(hd)
			},
			Executor: func(ctx context.Context, args map[string]any) (*api.ToolResult, float64, error) {
				prompt, _ := args["prompt"].(string)
				hd, _ := args["hd"].(bool)
				if deps.ImageGen == nil {
					return nil, 0, fmt.Errorf("generate_image: not configured")
				}
				data, mime, err := deps.ImageGen.GenerateImage(ctx, prompt, hd)
				if err != nil {
					return nil, 0, fmt.Errorf("generate_image: %w", err)
				}
				return &api.ToolResult{
					Content: []api.ContentBlock{{Type: "image", Data: encodeBase64(data), MimeType: mime}},
					File: &api.FileDelivery{
						Filename:   "generated-image" + extForMime(mime),
						Data:       data,
						MimeType:   mime,
						SourceTool: "generate_image",
						Hint:       llm.DeliverInline,
					},
				}, billing.ImageCost(hd), nil
			},
		},

		"web_search": {
			Name:        "web_search",
			Description: "Search the web for current information.",
			ParamSchema: map[string]any{
				"query": map[string]any{"type": "string", "description": "Search query"},
			},
			RequiredParams: []string{"query"},
			Paid:           true,
			CostEstimator: func(args map[string]any) float64 { return billing.ToolCost("web_search", 1) },
			Executor: func(ctx context.Context, args map[string]any) (*api.ToolResult, float64, error) {
				return nil, 0, fmt.Errorf("web_search: no search provider configured")
			},
		},

		"execute_python": {
			Name:        "execute_python",
			Description: "Execute a short Python snippet in a sandboxed environment and return its stdout.",
			ParamSchema: map[string]any{
				"code": map[string]any{"type": "string", "description": "Python source to execute"},
			},
			RequiredParams: []string{"code"},
			Paid:           true,
			CostEstimator: func(args map[string]any) float64 {
				return billing.ToolCost("execute_python", 10) // conservative 10s upper bound
			},
			Executor: func(ctx context.Context, args map[string]any) (*api.ToolResult, float64, error) {
				code, _ := args["code"].(string)
				if deps.CodeRunner == nil {
					return nil, 0, fmt.Errorf("execute_python: no sandbox configured")
				}
				started := time.Now()
				out, err := deps.CodeRunner.RunCommand(ctx, "python3 -c "+quoteShellArg(code))
				elapsed := time.Since(started).Seconds()
				if err != nil {
					return nil, 0, fmt.Errorf("execute_python: %w", err)
				}
				return &api.ToolResult{
					Content: []api.ContentBlock{{Type: "text", Text: out}},
				}, billing.ToolCost("execute_python", elapsed), nil
			},
		},

		"analyze_image": {
			Name:        "analyze_image",
			Description: "Answer a question about a previously uploaded image.",
			ParamSchema: map[string]any{
				"file_id":  map[string]any{"type": "string", "description": "ID of the previously ingested image"},
				"question": map[string]any{"type": "string", "description": "What to analyze or answer about the image"},
			},
			RequiredParams: []string{"file_id", "question"},
			Paid:           true,
			FileIDParam:    "file_id",
			AllowedMimePrefixes: []string{"image/"},
			Executor: func(ctx context.Context, args map[string]any) (*api.ToolResult, float64, error) {
				fileID, _ := args["file_id"].(string)
				if deps.Files == nil {
					return nil, 0, fmt.Errorf("analyze_image: no file store configured")
				}
				_, mime, err := deps.Files.Resolve(fileID)
				if err != nil {
					return nil, 0, fmt.Errorf("analyze_image: %w", err)
				}
				if !strings.HasPrefix(mime, "image/") {
					return nil, 0, fmt.Errorf("analyze_image: file %s is not an image (%s)", fileID, mime)
				}
				// The actual vision reasoning happens in the same LLM call
				// this tool result feeds back into; analyze_image's job is
				// to resolve and validate the referenced file up front.
				return &api.ToolResult{
					Content: []api.ContentBlock{{Type: "text", Text: "image resolved for analysis"}},
					Details: map[string]any{"file_id": fileID, "mime_type": mime},
				}, 0, nil
			},
		},

		"analyze_pdf": {
			Name:        "analyze_pdf",
			Description: "Answer a question about a previously uploaded PDF document.",
			ParamSchema: map[string]any{
				"file_id":  map[string]any{"type": "string", "description": "ID of the previously ingested PDF"},
				"question": map[string]any{"type": "string", "description": "What to analyze or answer about the document"},
			},
			RequiredParams:      []string{"file_id", "question"},
			Paid:                true,
			FileIDParam:         "file_id",
			AllowedMimePrefixes: []string{"application/pdf"},
			Executor: func(ctx context.Context, args map[string]any) (*api.ToolResult, float64, error) {
				fileID, _ := args["file_id"].(string)
				if deps.Files == nil {
					return nil, 0, fmt.Errorf("analyze_pdf: no file store configured")
				}
				_, mime, err := deps.Files.Resolve(fileID)
				if err != nil {
					return nil, 0, fmt.Errorf("analyze_pdf: %w", err)
				}
				if mime != "application/pdf" {
					return nil, 0, fmt.Errorf("analyze_pdf: file %s is not a PDF (%s)", fileID, mime)
				}
				return &api.ToolResult{
					Content: []api.ContentBlock{{Type: "text", Text: "document resolved for analysis"}},
					Details: map[string]any{"file_id": fileID, "mime_type": mime},
				}, 0, nil
			},
		},

		"preview_file": {
			Name:        "preview_file",
			Description: "Preview a previously uploaded file. Text files are returned inline for free; other types are billed as a paid preview.",
			ParamSchema: map[string]any{
				"file_id": map[string]any{"type": "string", "description": "ID of the previously ingested file"},
			},
			RequiredParams: []string{"file_id"},
			Paid:           true, // the dispatcher only charges non-text previews; see CostEstimator
			FileIDParam:    "file_id",
			CostEstimator: func(args map[string]any) float64 { return 0 },
			Executor: func(ctx context.Context, args map[string]any) (*api.ToolResult, float64, error) {
				fileID, _ := args["file_id"].(string)
				if deps.Files == nil {
					return nil, 0, fmt.Errorf("preview_file: no file store configured")
				}
				data, mime, err := deps.Files.Resolve(fileID)
				if err != nil {
					return nil, 0, fmt.Errorf("preview_file: %w", err)
				}
				if strings.HasPrefix(mime, "text/") {
					return &api.ToolResult{
						Content: []api.ContentBlock{{Type: "text", Text: string(data)}},
					}, 0, nil // free: Non-goal carve-out for text previews
				}
				return &api.ToolResult{
					Content: []api.ContentBlock{{Type: "text", Text: fmt.Sprintf("preview of %s (%s, %d bytes)", fileID, mime, len(data))}},
					File: &api.FileDelivery{
						Filename:   fileID,
						Data:       data,
						MimeType:   mime,
						SourceTool: "preview_file",
						Hint:       llm.DeliverAtEnd,
					},
				}, 0, nil
			},
		},

		"deep_think": {
			Name:        "deep_think",
			Description: "Request an additional, more deliberate reasoning pass before answering.",
			ParamSchema: map[string]any{
				"question": map[string]any{"type": "string", "description": "The question or problem to think through more carefully"},
			},
			RequiredParams: []string{"question"},
			Paid:           true,
			Executor: func(ctx context.Context, args map[string]any) (*api.ToolResult, float64, error) {
				q, _ := args["question"].(string)
				return &api.ToolResult{
					Content: []api.ContentBlock{{Type: "text", Text: "Acknowledged, reasoning through: " + q}},
					Details: map[string]any{"requests_extra_turn": true},
				}, 0, nil // the extra LLM turn itself is what's billed, via token cost
			},
		},

		"self_critique": {
			Name:        "self_critique",
			Description: "Ask the model to critique and revise its own draft answer before it is sent.",
			ParamSchema: map[string]any{
				"draft": map[string]any{"type": "string", "description": "The draft answer to critique"},
			},
			RequiredParams: []string{"draft"},
			Paid:           true,
			Executor: func(ctx context.Context, args map[string]any) (*api.ToolResult, float64, error) {
				draft, _ := args["draft"].(string)
				return &api.ToolResult{
					Content: []api.ContentBlock{{Type: "text", Text: "Critiquing draft of length " + fmt.Sprint(len(draft))}},
					Details: map[string]any{"requests_extra_turn": true},
				}, 0, nil
			},
		},
	}

	return table
}

// RegisterDefaultTools populates reg with a ConfiguredTool for every
// entry in NewTable(deps).
func RegisterDefaultTools(reg *Registry, deps Dependencies) {
	for _, cfg := range NewTable(deps) {
		reg.Register(NewConfiguredTool(cfg))
	}
}
