package providers

import (
	"fmt"

	"github.com/nextlevelbuilder/nanoclaw/internal/config"
)

const (
	openRouterAPIBase = "https://openrouter.ai/api/v1"
	groqAPIBase       = "https://api.groq.com/openai/v1"

	defaultOpenAIModel     = "gpt-4o"
	defaultOpenRouterModel = "anthropic/claude-sonnet-4-5-20250929"
	defaultGroqModel       = "llama-3.3-70b-versatile"
)

// FromConfig builds every provider that has an API key configured,
// keyed by provider name.
func FromConfig(cfg *config.Config) map[string]Provider {
	out := make(map[string]Provider)

	if key := cfg.Providers.Anthropic.APIKey; key != "" {
		opts := []AnthropicOption{}
		if base := cfg.Providers.Anthropic.APIBase; base != "" {
			opts = append(opts, WithAnthropicBaseURL(base))
		}
		out["anthropic"] = NewAnthropicProvider(key, opts...)
	}
	if key := cfg.Providers.OpenAI.APIKey; key != "" {
		out["openai"] = NewOpenAIProvider("openai", key, cfg.Providers.OpenAI.APIBase, defaultOpenAIModel)
	}
	if key := cfg.Providers.OpenRouter.APIKey; key != "" {
		base := cfg.Providers.OpenRouter.APIBase
		if base == "" {
			base = openRouterAPIBase
		}
		out["openrouter"] = NewOpenAIProvider("openrouter", key, base, defaultOpenRouterModel)
	}
	if key := cfg.Providers.Groq.APIKey; key != "" {
		base := cfg.Providers.Groq.APIBase
		if base == "" {
			base = groqAPIBase
		}
		out["groq"] = NewOpenAIProvider("groq", key, base, defaultGroqModel)
	}

	return out
}

// Resolve returns the provider named in the agent defaults, falling back to
// any single configured provider.
func Resolve(cfg *config.Config) (Provider, error) {
	all := FromConfig(cfg)
	if len(all) == 0 {
		return nil, fmt.Errorf("providers: no API key configured")
	}
	if p, ok := all[cfg.Agents.Defaults.Provider]; ok {
		return p, nil
	}
	if len(all) == 1 {
		for _, p := range all {
			return p, nil
		}
	}
	return nil, fmt.Errorf("providers: %q not configured", cfg.Agents.Defaults.Provider)
}
