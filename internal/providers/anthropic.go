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

const (
	defaultClaudeModel  = "claude-sonnet-4-5-20250929"
	anthropicAPIBase    = "https://api.anthropic.com/v1"
	anthropicAPIVersion = "2023-06-01"

	anthropicMaxTokens = 4096
)

// AnthropicProvider talks to the Anthropic Messages API directly over
// net/http, including the SSE streaming variant.
type AnthropicProvider struct {
	apiKey  string
	baseURL string
	model   string
	client  *http.Client
	retry   RetryConfig
}

type AnthropicOption func(*AnthropicProvider)

func WithAnthropicModel(model string) AnthropicOption {
	return func(p *AnthropicProvider) { p.model = model }
}

func WithAnthropicBaseURL(baseURL string) AnthropicOption {
	return func(p *AnthropicProvider) {
		if baseURL != "" {
			p.baseURL = strings.TrimRight(baseURL, "/")
		}
	}
}

func NewAnthropicProvider(apiKey string, opts ...AnthropicOption) *AnthropicProvider {
	p := &AnthropicProvider{
		apiKey:  apiKey,
		baseURL: anthropicAPIBase,
		model:   defaultClaudeModel,
		client:  &http.Client{Timeout: 120 * time.Second},
		retry:   DefaultRetryConfig(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *AnthropicProvider) Name() string         { return "anthropic" }
func (p *AnthropicProvider) DefaultModel() string { return p.model }

func (p *AnthropicProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	payload := p.payload(req, false)

	return RetryDo(ctx, p.retry, func() (*ChatResponse, error) {
		body, err := p.post(ctx, payload)
		if err != nil {
			return nil, err
		}
		defer body.Close()

		var msg anthMessage
		if err := json.NewDecoder(body).Decode(&msg); err != nil {
			return nil, fmt.Errorf("anthropic: decode response: %w", err)
		}
		return msg.toChatResponse(), nil
	})
}

// ChatStream retries only until a connection is established; a stream that
// dies mid-flight is returned as an error to the caller.
func (p *AnthropicProvider) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	payload := p.payload(req, true)

	body, err := RetryDo(ctx, p.retry, func() (io.ReadCloser, error) {
		return p.post(ctx, payload)
	})
	if err != nil {
		return nil, err
	}
	defer body.Close()

	result, err := p.readStream(body, onChunk)
	if err != nil {
		return nil, err
	}
	if onChunk != nil {
		onChunk(StreamChunk{Done: true})
	}
	return result, nil
}

// readStream consumes the SSE event sequence of one streamed message.
// Tool call arguments arrive as partial JSON deltas and are assembled per
// tool call index before the final decode.
func (p *AnthropicProvider) readStream(body io.Reader, onChunk func(StreamChunk)) (*ChatResponse, error) {
	result := &ChatResponse{FinishReason: "stop"}
	argBuf := make(map[int]*strings.Builder)

	var event string
	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		line := scanner.Text()
		if rest, ok := strings.CutPrefix(line, "event: "); ok {
			event = rest
			continue
		}
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}

		switch event {
		case "message_start":
			var ev anthStreamStart
			if json.Unmarshal([]byte(data), &ev) != nil {
				continue
			}
			if result.Usage == nil {
				result.Usage = &Usage{}
			}
			if ev.Message.Usage.InputTokens > 0 {
				result.Usage.PromptTokens = ev.Message.Usage.InputTokens
			}
			result.Usage.CacheCreationTokens = ev.Message.Usage.CacheCreationInputTokens
			result.Usage.CacheReadTokens = ev.Message.Usage.CacheReadInputTokens

		case "content_block_start":
			var ev anthStreamBlockStart
			if json.Unmarshal([]byte(data), &ev) != nil {
				continue
			}
			if ev.ContentBlock.Type == "tool_use" {
				result.ToolCalls = append(result.ToolCalls, ToolCall{
					ID:        ev.ContentBlock.ID,
					Name:      ev.ContentBlock.Name,
					Arguments: map[string]interface{}{},
				})
			}

		case "content_block_delta":
			var ev anthStreamDelta
			if json.Unmarshal([]byte(data), &ev) != nil {
				continue
			}
			switch ev.Delta.Type {
			case "text_delta":
				result.Content += ev.Delta.Text
				if onChunk != nil {
					onChunk(StreamChunk{Content: ev.Delta.Text})
				}
			case "input_json_delta":
				if n := len(result.ToolCalls); n > 0 {
					buf := argBuf[n-1]
					if buf == nil {
						buf = &strings.Builder{}
						argBuf[n-1] = buf
					}
					buf.WriteString(ev.Delta.PartialJSON)
				}
			}

		case "message_delta":
			var ev anthStreamMessageDelta
			if json.Unmarshal([]byte(data), &ev) != nil {
				continue
			}
			if ev.Delta.StopReason != "" {
				result.FinishReason = finishReason(ev.Delta.StopReason)
			}
			if ev.Usage.OutputTokens > 0 {
				if result.Usage == nil {
					result.Usage = &Usage{}
				}
				result.Usage.CompletionTokens = ev.Usage.OutputTokens
			}

		case "error":
			var ev anthStreamError
			if json.Unmarshal([]byte(data), &ev) == nil {
				return nil, fmt.Errorf("anthropic stream error: %s: %s", ev.Error.Type, ev.Error.Message)
			}
		}
	}

	for i, buf := range argBuf {
		if buf.Len() == 0 {
			continue
		}
		args := make(map[string]interface{})
		_ = json.Unmarshal([]byte(buf.String()), &args)
		result.ToolCalls[i].Arguments = args
	}
	if result.Usage != nil {
		result.Usage.TotalTokens = result.Usage.PromptTokens + result.Usage.CompletionTokens
	}
	return result, nil
}

// payload builds the Messages API request body. System messages become
// top-level system blocks; tool results are folded back into user turns
// the way the API expects them.
func (p *AnthropicProvider) payload(req ChatRequest, stream bool) map[string]interface{} {
	model := req.Model
	if model == "" {
		model = p.model
	}

	var system []map[string]interface{}
	var messages []map[string]interface{}
	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			system = append(system, textBlock(msg.Content))

		case "user":
			if len(msg.Images) == 0 {
				messages = append(messages, map[string]interface{}{
					"role":    "user",
					"content": msg.Content,
				})
				break
			}
			var blocks []map[string]interface{}
			for _, img := range msg.Images {
				blocks = append(blocks, map[string]interface{}{
					"type": "image",
					"source": map[string]interface{}{
						"type":       "base64",
						"media_type": img.MimeType,
						"data":       img.Data,
					},
				})
			}
			if msg.Content != "" {
				blocks = append(blocks, textBlock(msg.Content))
			}
			messages = append(messages, map[string]interface{}{
				"role":    "user",
				"content": blocks,
			})

		case "assistant":
			var blocks []map[string]interface{}
			if msg.Content != "" {
				blocks = append(blocks, textBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, map[string]interface{}{
					"type":  "tool_use",
					"id":    tc.ID,
					"name":  tc.Name,
					"input": tc.Arguments,
				})
			}
			messages = append(messages, map[string]interface{}{
				"role":    "assistant",
				"content": blocks,
			})

		case "tool":
			messages = append(messages, map[string]interface{}{
				"role": "user",
				"content": []map[string]interface{}{{
					"type":        "tool_result",
					"tool_use_id": msg.ToolCallID,
					"content":     msg.Content,
				}},
			})
		}
	}

	body := map[string]interface{}{
		"model":         model,
		"max_tokens":    anthropicMaxTokens,
		"messages":      messages,
		"cache_control": map[string]interface{}{"type": "ephemeral"},
	}
	if stream {
		body["stream"] = true
	}
	if len(system) > 0 {
		body["system"] = system
	}

	if len(req.Tools) > 0 {
		var tools []map[string]interface{}
		for _, t := range req.Tools {
			tools = append(tools, map[string]interface{}{
				"name":         t.Function.Name,
				"description":  t.Function.Description,
				"input_schema": CleanSchemaForProvider("anthropic", t.Function.Parameters),
			})
		}
		body["tools"] = tools
	}

	if v, ok := req.Options[OptMaxTokens]; ok {
		body["max_tokens"] = v
	}
	if v, ok := req.Options[OptTemperature]; ok {
		body["temperature"] = v
	}
	return body
}

func textBlock(text string) map[string]interface{} {
	return map[string]interface{}{"type": "text", "text": text}
}

func (p *AnthropicProvider) post(ctx context.Context, payload interface{}) (io.ReadCloser, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/messages", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("anthropic: request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &HTTPError{
			Status:     resp.StatusCode,
			Body:       fmt.Sprintf("anthropic: %s", string(body)),
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return resp.Body, nil
}

// finishReason maps Anthropic stop reasons onto the provider-neutral set.
func finishReason(stopReason string) string {
	switch stopReason {
	case "tool_use":
		return "tool_calls"
	case "max_tokens":
		return "length"
	default:
		return "stop"
	}
}

// --- Messages API wire types ---

type anthMessage struct {
	Content    []anthBlock `json:"content"`
	StopReason string      `json:"stop_reason"`
	Usage      anthUsage   `json:"usage"`
}

func (m *anthMessage) toChatResponse() *ChatResponse {
	result := &ChatResponse{FinishReason: finishReason(m.StopReason)}
	for _, block := range m.Content {
		switch block.Type {
		case "text":
			result.Content += block.Text
		case "tool_use":
			args := make(map[string]interface{})
			_ = json.Unmarshal(block.Input, &args)
			result.ToolCalls = append(result.ToolCalls, ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: args,
			})
		}
	}
	result.Usage = &Usage{
		PromptTokens:        m.Usage.InputTokens,
		CompletionTokens:    m.Usage.OutputTokens,
		TotalTokens:         m.Usage.InputTokens + m.Usage.OutputTokens,
		CacheCreationTokens: m.Usage.CacheCreationInputTokens,
		CacheReadTokens:     m.Usage.CacheReadInputTokens,
	}
	return result
}

type anthBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

type anthUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
}

type anthStreamStart struct {
	Message struct {
		Usage anthUsage `json:"usage"`
	} `json:"message"`
}

type anthStreamBlockStart struct {
	Index        int       `json:"index"`
	ContentBlock anthBlock `json:"content_block"`
}

type anthStreamDelta struct {
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text,omitempty"`
		PartialJSON string `json:"partial_json,omitempty"`
	} `json:"delta"`
}

type anthStreamMessageDelta struct {
	Delta struct {
		StopReason string `json:"stop_reason,omitempty"`
	} `json:"delta"`
	Usage anthUsage `json:"usage"`
}

type anthStreamError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}
