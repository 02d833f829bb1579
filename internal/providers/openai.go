package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultOpenAIBase = "https://api.openai.com/v1"

// OpenAIProvider speaks the chat-completions dialect shared by OpenAI,
// Groq, OpenRouter and most self-hosted gateways. The provider name is
// carried through so errors and schema cleaning can tell them apart.
type OpenAIProvider struct {
	name     string
	apiKey   string
	apiBase  string
	chatPath string
	model    string
	client   *http.Client
	retry    RetryConfig
}

func NewOpenAIProvider(name, apiKey, apiBase, defaultModel string) *OpenAIProvider {
	if apiBase == "" {
		apiBase = defaultOpenAIBase
	}
	return &OpenAIProvider{
		name:     name,
		apiKey:   apiKey,
		apiBase:  strings.TrimRight(apiBase, "/"),
		chatPath: "/chat/completions",
		model:    defaultModel,
		client:   &http.Client{Timeout: 120 * time.Second},
		retry:    DefaultRetryConfig(),
	}
}

// WithChatPath overrides the completions path for gateways that expose a
// non-standard route.
func (p *OpenAIProvider) WithChatPath(path string) *OpenAIProvider {
	p.chatPath = path
	return p
}

func (p *OpenAIProvider) Name() string         { return p.name }
func (p *OpenAIProvider) DefaultModel() string { return p.model }

// resolveModel falls back to the default when the requested model cannot
// work on this provider. OpenRouter model IDs carry a vendor prefix; an
// unprefixed ID there means the caller configured a model for a different
// provider.
func (p *OpenAIProvider) resolveModel(model string) string {
	if model == "" {
		return p.model
	}
	if p.name == "openrouter" && !strings.Contains(model, "/") {
		return p.model
	}
	return model
}

func (p *OpenAIProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	payload := p.payload(p.resolveModel(req.Model), req, false)

	return RetryDo(ctx, p.retry, func() (*ChatResponse, error) {
		body, err := p.post(ctx, payload)
		if err != nil {
			return nil, err
		}
		defer body.Close()

		var resp openAIResponse
		if err := json.NewDecoder(body).Decode(&resp); err != nil {
			return nil, fmt.Errorf("%s: decode response: %w", p.name, err)
		}
		return p.toChatResponse(&resp), nil
	})
}

// ChatStream retries only until a connection is established; a stream that
// dies mid-flight is returned as an error to the caller.
func (p *OpenAIProvider) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	payload := p.payload(p.resolveModel(req.Model), req, true)

	body, err := RetryDo(ctx, p.retry, func() (io.ReadCloser, error) {
		return p.post(ctx, payload)
	})
	if err != nil {
		return nil, err
	}
	defer body.Close()

	result := &ChatResponse{FinishReason: "stop"}
	calls := make(map[int]*toolCallAccumulator)

	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}
		if data == "[DONE]" {
			break
		}

		var chunk openAIStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil || len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]

		if choice.Delta.ReasoningContent != "" {
			result.Thinking += choice.Delta.ReasoningContent
			if onChunk != nil {
				onChunk(StreamChunk{Thinking: choice.Delta.ReasoningContent})
			}
		}
		if choice.Delta.Content != "" {
			result.Content += choice.Delta.Content
			if onChunk != nil {
				onChunk(StreamChunk{Content: choice.Delta.Content})
			}
		}

		for _, tc := range choice.Delta.ToolCalls {
			acc := calls[tc.Index]
			if acc == nil {
				acc = &toolCallAccumulator{
					ToolCall: ToolCall{ID: tc.ID, Name: strings.TrimSpace(tc.Function.Name)},
				}
				calls[tc.Index] = acc
			}
			if tc.Function.Name != "" {
				acc.Name = strings.TrimSpace(tc.Function.Name)
			}
			acc.rawArgs += tc.Function.Arguments
			if tc.Function.ThoughtSignature != "" {
				acc.thoughtSig = tc.Function.ThoughtSignature
			}
		}

		if choice.FinishReason != "" {
			result.FinishReason = choice.FinishReason
		}
		if chunk.Usage != nil {
			result.Usage = usageFrom(chunk.Usage)
		}
	}

	for i := 0; i < len(calls); i++ {
		acc := calls[i]
		args := make(map[string]interface{})
		_ = json.Unmarshal([]byte(acc.rawArgs), &args)
		acc.Arguments = args
		if acc.thoughtSig != "" {
			acc.Metadata = map[string]string{"thought_signature": acc.thoughtSig}
		}
		result.ToolCalls = append(result.ToolCalls, acc.ToolCall)
	}
	if len(result.ToolCalls) > 0 {
		result.FinishReason = "tool_calls"
	}

	if onChunk != nil {
		onChunk(StreamChunk{Done: true})
	}
	return result, nil
}

func (p *OpenAIProvider) payload(model string, req ChatRequest, stream bool) map[string]interface{} {
	messages := req.Messages
	// Gemini front-ends reject tool_call turns echoed back without their
	// thought_signature, so those cycles are collapsed into plain text.
	if strings.Contains(strings.ToLower(p.name), "gemini") {
		messages = collapseToolCallsWithoutSig(messages)
	}

	msgs := make([]map[string]interface{}, 0, len(messages))
	for _, m := range messages {
		msgs = append(msgs, wireMessage(m))
	}

	body := map[string]interface{}{
		"model":    model,
		"messages": msgs,
		"stream":   stream,
	}
	if len(req.Tools) > 0 {
		body["tools"] = CleanToolSchemas(p.name, req.Tools)
		body["tool_choice"] = "auto"
	}
	if stream {
		body["stream_options"] = map[string]interface{}{"include_usage": true}
	}

	if v, ok := req.Options[OptMaxTokens]; ok {
		body["max_tokens"] = v
	}
	if v, ok := req.Options[OptTemperature]; ok {
		body["temperature"] = v
	}
	// o-series reasoning control; other models ignore the key.
	if level, ok := req.Options[OptThinkingLevel].(string); ok && level != "" && level != "off" {
		body[OptReasoningEffort] = level
	}
	if v, ok := req.Options[OptEnableThinking]; ok {
		body[OptEnableThinking] = v
	}
	if v, ok := req.Options[OptThinkingBudget]; ok {
		body[OptThinkingBudget] = v
	}
	return body
}

// wireMessage converts one internal message to the chat-completions wire
// shape. Tool call arguments travel as a JSON string, and assistant turns
// that only carry tool calls omit the content key, which some backends
// reject when empty.
func wireMessage(m Message) map[string]interface{} {
	msg := map[string]interface{}{"role": m.Role}

	switch {
	case m.Role == "user" && len(m.Images) > 0:
		var parts []map[string]interface{}
		for _, img := range m.Images {
			parts = append(parts, map[string]interface{}{
				"type": "image_url",
				"image_url": map[string]interface{}{
					"url": fmt.Sprintf("data:%s;base64,%s", img.MimeType, img.Data),
				},
			})
		}
		if m.Content != "" {
			parts = append(parts, map[string]interface{}{"type": "text", "text": m.Content})
		}
		msg["content"] = parts
	case m.Content != "" || len(m.ToolCalls) == 0:
		msg["content"] = m.Content
	}

	if len(m.ToolCalls) > 0 {
		calls := make([]map[string]interface{}, len(m.ToolCalls))
		for i, tc := range m.ToolCalls {
			argsJSON, _ := json.Marshal(tc.Arguments)
			fn := map[string]interface{}{
				"name":      tc.Name,
				"arguments": string(argsJSON),
			}
			if sig := tc.Metadata["thought_signature"]; sig != "" {
				fn["thought_signature"] = sig
			}
			calls[i] = map[string]interface{}{
				"id":       tc.ID,
				"type":     "function",
				"function": fn,
			}
		}
		msg["tool_calls"] = calls
	}
	if m.ToolCallID != "" {
		msg["tool_call_id"] = m.ToolCallID
	}
	return msg
}

func (p *OpenAIProvider) post(ctx context.Context, payload interface{}) (io.ReadCloser, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", p.name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiBase+p.chatPath, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", p.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: request failed: %w", p.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &HTTPError{
			Status:     resp.StatusCode,
			Body:       fmt.Sprintf("%s: %s", p.name, string(body)),
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return resp.Body, nil
}

func (p *OpenAIProvider) toChatResponse(resp *openAIResponse) *ChatResponse {
	result := &ChatResponse{FinishReason: "stop"}

	if len(resp.Choices) > 0 {
		msg := resp.Choices[0].Message
		result.Content = msg.Content
		result.Thinking = msg.ReasoningContent
		result.FinishReason = resp.Choices[0].FinishReason

		for _, tc := range msg.ToolCalls {
			args := make(map[string]interface{})
			_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
			call := ToolCall{
				ID:        tc.ID,
				Name:      strings.TrimSpace(tc.Function.Name),
				Arguments: args,
			}
			if tc.Function.ThoughtSignature != "" {
				call.Metadata = map[string]string{"thought_signature": tc.Function.ThoughtSignature}
			}
			result.ToolCalls = append(result.ToolCalls, call)
		}
		if len(result.ToolCalls) > 0 {
			result.FinishReason = "tool_calls"
		}
	}

	if resp.Usage != nil {
		result.Usage = usageFrom(resp.Usage)
	}
	return result
}

func usageFrom(u *openAIUsage) *Usage {
	out := &Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
	if u.PromptTokensDetails != nil {
		out.CacheReadTokens = u.PromptTokensDetails.CachedTokens
	}
	if u.CompletionTokensDetails != nil && u.CompletionTokensDetails.ReasoningTokens > 0 {
		out.ThinkingTokens = u.CompletionTokensDetails.ReasoningTokens
	}
	return out
}
