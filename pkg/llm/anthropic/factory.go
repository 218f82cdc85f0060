package anthropic

import (
	"threadline/pkg/config"
	"threadline/pkg/llm"
)

// AnthropicFactory handles creation of Anthropic clients.
type AnthropicFactory struct{}

// Create implements llm.ProviderFactory.
func (f *AnthropicFactory) Create(cfg llm.ProviderGroupConfig, sys *config.SystemConfig) ([]llm.LLMClient, error) {
	var clients []llm.LLMClient

	keys := cfg.APIKeys
	if len(keys) == 0 {
		keys = []string{""}
	}

	for _, model := range cfg.Models {
		for _, key := range keys {
			clients = append(clients, NewAnthropicClient(key, model, cfg.BaseURL, cfg.Options, sys))
		}
	}
	return clients, nil
}

func init() {
	llm.RegisterProvider("anthropic", &AnthropicFactory{})
}
