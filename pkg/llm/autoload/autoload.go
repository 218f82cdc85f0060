// Package autoload pulls in every LLM provider package so each one's
// init() registers itself with pkg/llm's provider factory map, the same
// side-effect-import idiom used by pkg/channels/autoload.
package autoload

import (
	_ "threadline/pkg/llm/anthropic"
	_ "threadline/pkg/llm/gemini"
	_ "threadline/pkg/llm/ollama"
	_ "threadline/pkg/llm/openailm"
)
