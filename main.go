package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	jsoniter "github.com/json-iterator/go"

	"threadline/pkg/billing"
	"threadline/pkg/channels"
	_ "threadline/pkg/channels/autoload" // Auto-register Channels
	"threadline/pkg/config"
	"threadline/pkg/gateway"
	"threadline/pkg/llm"
	_ "threadline/pkg/llm/autoload" // Auto-register LLM Providers
	"threadline/pkg/llm/openailm"
	"threadline/pkg/media"
	"threadline/pkg/monitor"
	"threadline/pkg/pipeline"
	"threadline/pkg/thread"
	"threadline/pkg/tools"
	ostools "threadline/pkg/tools/os" // Aliased to avoid conflict with "os"
)

func main() {
	// Create context listening for system signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initial configuration load to get log level before loop
	// This acts as a fallback or initial console setup.
	_, sysCfg, err := config.Load()
	if err == nil {
		monitor.SetupEnvironment(sysCfg.LogLevel)
	}

	reloadCh := config.WatchConfig(ctx, "config.json", "system.json")

	for {
		err := runAgent(ctx, reloadCh)

		if err != nil {
			slog.Error("System crashed or failed to load config", "error", err)
			slog.Info("Waiting 5 seconds before retrying...")
			// Wait for 5 seconds, or for a file change, or user interrupt
			select {
			case <-ctx.Done():
				return
			case <-reloadCh:
				slog.Info("Configuration change detected while waiting. Retrying immediately...")
			case <-time.After(5 * time.Second):
			}
		} else {
			// Normal exit from runAgent (either manual exit or config reloaded)
			select {
			case <-ctx.Done():
				return // User requested exit
			default:
				slog.Info("==== Configuration Reloaded ====")
			}
		}
	}
}

// runAgent executes a single lifecycle of the agent
func runAgent(ctx context.Context, reloadCh <-chan struct{}) error {
	// --- 0. Load Configuration ---
	cfg, sysCfg, err := config.Load()
	if err != nil {
		monitor.PrintBanner()
		monitor.SetupSlog("info")
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// --- 0a. Setup Environment (logger + monitor) ---
	m := monitor.SetupEnvironment(sysCfg.LogLevel)
	slog.Info("==========================================")

	// --- 1. LLM Client + Pricing ---
	client, err := llm.NewFromConfig(cfg.LLM, sysCfg)
	if err != nil {
		return fmt.Errorf("failed to init LLM client: %w", err)
	}
	pricing := primaryPricingGroup(cfg.LLM)

	// --- 2. Thread Registry, Billing Ledger, Media Ingest ---
	threads := thread.NewRegistry(filepath.Join("data", "threads"))
	ledger := billing.NewInMemoryLedger()
	mediaCache := media.NewCache(sysCfg.FileCacheMaxBytes, time.Duration(sysCfg.FileCacheTTLSeconds)*time.Second)

	var transcriber media.Transcriber
	if audioClient, aerr := transcriptionClient(pricing); aerr == nil && audioClient != nil {
		transcriber = media.NewOpenAITranscriber(audioClient)
	}

	// --- 3. Tool Registry & Dispatcher ---
	osTool := tools.NewOSTool(ostools.NewOSWorker())
	reg := tools.NewRegistry()
	reg.Register(osTool)
	tools.RegisterDefaultTools(reg, tools.Dependencies{
		Files:       mediaCache,
		Transcriber: transcriber,
		CodeRunner:  osTool,
		HTTPClient:  &http.Client{Timeout: 10 * time.Second},
	})
	dispatcher := tools.NewDispatcher(reg, ledger, sysCfg.BalanceBlockThreshold)

	// --- 4. Pipeline ---
	pl := pipeline.New(threads, client, reg, dispatcher, mediaCache, transcriber, cfg, sysCfg, pricing)
	pl.Start()

	// --- 5. Channels ---
	sessionsDir := filepath.Join("data", "sessions")
	sessionManager := llm.NewSessionManager(sessionsDir)
	chs := channels.NewSource(cfg.Channels, sessionManager, sysCfg).Load()

	// --- 6. Gateway Initialization ---
	gw, err := gateway.NewGatewayBuilder().
		WithSystemConfig(sysCfg).
		WithMonitor(m).
		WithChannel(chs...).
		WithHandler(pl).
		Build()

	if err != nil {
		return fmt.Errorf("failed to build gateway: %w", err)
	}

	// Wait for shutdown signal or reload signal
	select {
	case <-ctx.Done():
		slog.Info("Received shutdown signal. Stopping services...")
		gw.StopAll()
		slog.Info("Bye!")
		return nil
	case <-reloadCh:
		slog.Info("Configuration changes detected, stopping services...")
		gw.StopAll()

		slog.Info("Draining connections before restart...")
		time.Sleep(1 * time.Second)

		// Let runAgent return nil to trigger outer loop restart
		return nil
	}
}

// primaryPricingGroup parses the first configured provider group out of
// the raw LLM config for Cost & Billing's per-turn token pricing. A
// deployment chaining several provider groups into a FallbackClient
// still bills against the primary group's rates; see pkg/pipeline's
// doc comment for why per-turn provider-exact pricing isn't plumbed
// further than this.
func primaryPricingGroup(rawLLM jsoniter.RawMessage) llm.ProviderGroupConfig {
	var groups []llm.ProviderGroupConfig
	if err := jsoniter.Unmarshal(rawLLM, &groups); err != nil || len(groups) == 0 {
		return llm.ProviderGroupConfig{}
	}
	return groups[0]
}

// transcriptionClient builds a dedicated OpenAI client for Whisper-style
// audio transcription when the deployment's primary provider group is
// configured with OpenAI credentials. Returns a nil client (not an
// error) when no OpenAI group is configured, so Media Ingest degrades to
// skipping transcription rather than failing to start.
func transcriptionClient(group llm.ProviderGroupConfig) (*openailm.Client, error) {
	if group.Type != "openai" || len(group.APIKeys) == 0 {
		return nil, nil
	}
	return openailm.NewClient("openai", group.APIKeys[0], "whisper-1", group.BaseURL, group.Options)
}
