package llm

import "strings"

// Resolve picks the Provider that should serve model, given the caller's
// apiKey/baseURL. Model IDs prefixed "claude-" route to Anthropic; anything
// else is treated as OpenAI-compatible (OpenAI itself, or a self-hosted
// gateway reached through baseURL).
func Resolve(model, apiKey, baseURL string) Provider {
	if strings.HasPrefix(model, "claude-") {
		return NewAnthropicProvider(apiKey, baseURL)
	}
	return NewOpenAIProvider(apiKey, baseURL)
}
