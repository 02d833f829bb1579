package providers

// Well-known ChatRequest option keys.
const (
	OptMaxTokens   = "max_tokens"
	OptTemperature = "temperature"

	// Thinking/reasoning controls. Providers that don't understand a key
	// ignore it.
	OptThinkingLevel   = "thinking_level"   // "off", "low", "medium", "high"
	OptReasoningEffort = "reasoning_effort" // OpenAI o-series request key
	OptEnableThinking  = "enable_thinking"  // OpenAI-compatible passthrough
	OptThinkingBudget  = "thinking_budget"  // OpenAI-compatible passthrough
)
