package agent

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nextlevelbuilder/nanoclaw/internal/bus"
	"github.com/nextlevelbuilder/nanoclaw/internal/providers"
	"github.com/nextlevelbuilder/nanoclaw/internal/sessions"
	"github.com/nextlevelbuilder/nanoclaw/internal/tools"
)

// scriptedProvider returns canned responses in order and records every
// request it receives.
type scriptedProvider struct {
	responses []*providers.ChatResponse
	requests  []providers.ChatRequest
	calls     atomic.Int32
	panicMsg  string
}

func (p *scriptedProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	if p.panicMsg != "" {
		panic(p.panicMsg)
	}
	n := int(p.calls.Add(1)) - 1
	p.requests = append(p.requests, req)
	if n >= len(p.responses) {
		return nil, fmt.Errorf("no scripted response for call %d", n)
	}
	return p.responses[n], nil
}

func (p *scriptedProvider) ChatStream(ctx context.Context, req providers.ChatRequest, onChunk func(providers.StreamChunk)) (*providers.ChatResponse, error) {
	return p.Chat(ctx, req)
}

func (p *scriptedProvider) DefaultModel() string { return "test-model" }
func (p *scriptedProvider) Name() string         { return "scripted" }

type stubTool struct {
	name string
	fn   func(ctx context.Context, args map[string]interface{}) *tools.Result
}

func (t *stubTool) Name() string        { return t.name }
func (t *stubTool) Description() string { return "stub" }
func (t *stubTool) Parameters() map[string]interface{} {
	return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
}
func (t *stubTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	return t.fn(ctx, args)
}

func newTestLoop(t *testing.T, provider providers.Provider, mutate func(*LoopConfig)) (*Loop, *bus.MessageBus, *bytes.Buffer) {
	t.Helper()

	b := bus.NewMessageBus(16)
	b.RegisterOutbound("telegram")
	b.RegisterOutbound("slack")
	reg := tools.NewRegistry()
	var usage bytes.Buffer

	cfg := LoopConfig{
		Provider:  provider,
		Model:     "test-model",
		Router:    b,
		Sessions:  sessions.NewManager(nil),
		Tools:     reg,
		Workspace: t.TempDir(),
		UsageOut:  &usage,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewLoop(cfg), b, &usage
}

func consumeOutbound(t *testing.T, b *bus.MessageBus, channel string) bus.OutboundMessage {
	t.Helper()
	msg, ok := b.ConsumeOutbound(context.Background(), channel, 2*time.Second)
	if !ok {
		t.Fatalf("no outbound message on channel %s", channel)
	}
	return msg
}

func userMsg(content string) bus.InboundMessage {
	return bus.InboundMessage{
		Channel:  "telegram",
		SenderID: "7",
		ChatID:   "42",
		Content:  content,
	}
}

func TestFreePlanGateSkipsProvider(t *testing.T) {
	provider := &scriptedProvider{}
	loop, b, _ := newTestLoop(t, provider, func(cfg *LoopConfig) {
		cfg.FreePlan = true
		cfg.Credit = NewCreditClient("https://platform.example", "u1")
	})

	loop.Process(context.Background(), userMsg("hello"))

	out := consumeOutbound(t, b, "telegram")
	if !strings.HasPrefix(out.Content, "Free trial is currently paused") {
		t.Fatalf("unexpected reply: %q", out.Content)
	}
	if !strings.Contains(out.Content, "https://platform.example/billing") {
		t.Fatalf("reply missing billing URL: %q", out.Content)
	}
	if provider.calls.Load() != 0 {
		t.Fatalf("provider called %d times, want 0", provider.calls.Load())
	}
}

func TestCreditExhaustedBlocksTurn(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/internal/credit-check/u1" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		fmt.Fprint(w, `{"ok":false}`)
	}))
	defer srv.Close()

	provider := &scriptedProvider{}
	loop, b, _ := newTestLoop(t, provider, func(cfg *LoopConfig) {
		cfg.Credit = NewCreditClient(srv.URL, "u1")
	})

	loop.Process(context.Background(), userMsg("hello"))

	out := consumeOutbound(t, b, "telegram")
	if !strings.Contains(out.Content, "credits have been used up") {
		t.Fatalf("unexpected reply: %q", out.Content)
	}
	if provider.calls.Load() != 0 {
		t.Fatalf("provider called %d times, want 0", provider.calls.Load())
	}
}

func TestCreditCheckFailureIsFailClosed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	provider := &scriptedProvider{}
	loop, b, _ := newTestLoop(t, provider, func(cfg *LoopConfig) {
		cfg.Credit = NewCreditClient(srv.URL, "u1")
	})

	loop.Process(context.Background(), userMsg("hello"))

	out := consumeOutbound(t, b, "telegram")
	if !strings.Contains(out.Content, "unable to verify") {
		t.Fatalf("unexpected reply: %q", out.Content)
	}
	if provider.calls.Load() != 0 {
		t.Fatalf("provider called %d times, want 0", provider.calls.Load())
	}
}

func TestToolIterationFeedsResultsBack(t *testing.T) {
	provider := &scriptedProvider{
		responses: []*providers.ChatResponse{
			{
				ToolCalls: []providers.ToolCall{{ID: "call_1", Name: "lookup", Arguments: map[string]interface{}{}}},
				Usage:     &providers.Usage{PromptTokens: 10, CompletionTokens: 3},
			},
			{
				Content: "All done.",
				Usage:   &providers.Usage{PromptTokens: 2, CompletionTokens: 2},
			},
		},
	}

	var toolRuns atomic.Int32
	loop, b, usage := newTestLoop(t, provider, nil)
	loop.tools.MustRegister(&stubTool{name: "lookup", fn: func(ctx context.Context, args map[string]interface{}) *tools.Result {
		toolRuns.Add(1)
		return tools.NewResult("looked up")
	}})

	loop.Process(context.Background(), userMsg("look it up"))

	out := consumeOutbound(t, b, "telegram")
	if out.Content != "All done." {
		t.Fatalf("unexpected reply: %q", out.Content)
	}
	if got := provider.calls.Load(); got != 2 {
		t.Fatalf("provider called %d times, want 2", got)
	}
	if toolRuns.Load() != 1 {
		t.Fatalf("tool executed %d times, want 1", toolRuns.Load())
	}

	second := provider.requests[1]
	last := second.Messages[len(second.Messages)-1]
	if last.Role != "tool" || last.ToolCallID != "call_1" || last.Content != "looked up" {
		t.Fatalf("tool result not threaded back: %+v", last)
	}

	want := "[USAGE] {\"prompt_tokens\":12,\"completion_tokens\":5,\"model\":\"test-model\"}\n"
	if usage.String() != want {
		t.Fatalf("usage line = %q, want %q", usage.String(), want)
	}
}

func TestSequentialToolFailuresAbort(t *testing.T) {
	toolCall := []providers.ToolCall{{ID: "c", Name: "flaky", Arguments: map[string]interface{}{}}}
	provider := &scriptedProvider{
		responses: []*providers.ChatResponse{
			{ToolCalls: toolCall},
			{ToolCalls: toolCall},
			{ToolCalls: toolCall},
			{Content: "should never be reached"},
		},
	}

	loop, b, _ := newTestLoop(t, provider, nil)
	loop.tools.MustRegister(&stubTool{name: "flaky", fn: func(ctx context.Context, args map[string]interface{}) *tools.Result {
		return tools.ErrorResult("Error: backend unavailable")
	}})

	loop.Process(context.Background(), userMsg("try it"))

	out := consumeOutbound(t, b, "telegram")
	if !strings.HasPrefix(out.Content, "I've encountered repeated errors") {
		t.Fatalf("unexpected reply: %q", out.Content)
	}
	if !strings.Contains(out.Content, "backend unavailable") {
		t.Fatalf("reply missing last error: %q", out.Content)
	}
	if got := provider.calls.Load(); got != 3 {
		t.Fatalf("provider called %d times, want 3", got)
	}
}

func TestSuccessResetsFailureCounter(t *testing.T) {
	toolCall := func(name string) []providers.ToolCall {
		return []providers.ToolCall{{ID: "c-" + name, Name: name, Arguments: map[string]interface{}{}}}
	}
	provider := &scriptedProvider{
		responses: []*providers.ChatResponse{
			{ToolCalls: toolCall("flaky")},
			{ToolCalls: toolCall("flaky")},
			{ToolCalls: toolCall("steady")},
			{ToolCalls: toolCall("flaky")},
			{Content: "recovered"},
		},
	}

	loop, b, _ := newTestLoop(t, provider, nil)
	loop.tools.MustRegister(&stubTool{name: "flaky", fn: func(ctx context.Context, args map[string]interface{}) *tools.Result {
		return tools.ErrorResult("Error: nope")
	}})
	loop.tools.MustRegister(&stubTool{name: "steady", fn: func(ctx context.Context, args map[string]interface{}) *tools.Result {
		return tools.NewResult("ok")
	}})

	loop.Process(context.Background(), userMsg("go"))

	out := consumeOutbound(t, b, "telegram")
	if out.Content != "recovered" {
		t.Fatalf("unexpected reply: %q", out.Content)
	}
}

func TestSystemMessageRoutedToOrigin(t *testing.T) {
	provider := &scriptedProvider{
		responses: []*providers.ChatResponse{{Content: ""}},
	}
	loop, b, _ := newTestLoop(t, provider, nil)

	loop.Process(context.Background(), bus.InboundMessage{
		Channel:  "system",
		SenderID: "cron",
		ChatID:   "telegram:42",
		Content:  "daily report ready",
		Metadata: map[string]string{bus.MetaInternal: "true"},
	})

	out := consumeOutbound(t, b, "telegram")
	if out.ChatID != "42" {
		t.Fatalf("routed to chat %q, want 42", out.ChatID)
	}
	if out.Content != "Background task completed." {
		t.Fatalf("unexpected fallback: %q", out.Content)
	}

	history := loop.sessions.GetHistory("telegram:42")
	if len(history) == 0 || history[0].Role != "user" ||
		!strings.HasPrefix(history[0].Content, "[System: cron] ") {
		t.Fatalf("history entry missing system prefix: %+v", history)
	}
}

func TestFreePlanSkippedForInternalMessages(t *testing.T) {
	provider := &scriptedProvider{
		responses: []*providers.ChatResponse{{Content: "noted"}},
	}
	loop, b, _ := newTestLoop(t, provider, func(cfg *LoopConfig) {
		cfg.FreePlan = true
		cfg.Credit = NewCreditClient("https://platform.example", "u1")
	})

	loop.Process(context.Background(), bus.InboundMessage{
		Channel:  "system",
		SenderID: "subagent:abc",
		ChatID:   "slack:C1",
		Content:  "done",
		Metadata: map[string]string{bus.MetaInternal: "true"},
	})

	out := consumeOutbound(t, b, "slack")
	if out.Content != "noted" {
		t.Fatalf("unexpected reply: %q", out.Content)
	}
	if provider.calls.Load() != 1 {
		t.Fatalf("provider called %d times, want 1", provider.calls.Load())
	}
}

func TestReplyCarriesThreadMetadata(t *testing.T) {
	provider := &scriptedProvider{
		responses: []*providers.ChatResponse{{Content: "in thread"}},
	}
	loop, b, _ := newTestLoop(t, provider, nil)

	loop.Process(context.Background(), bus.InboundMessage{
		Channel:  "slack",
		SenderID: "U1",
		ChatID:   "C1",
		Content:  "hello from a thread",
		Metadata: map[string]string{
			bus.MetaReplyTo:   "1700000000.000100",
			bus.MetaThreadTS:  "1700000000.000100",
			bus.MetaMessageTS: "1700000000.000200",
		},
	})

	out := consumeOutbound(t, b, "slack")
	if out.Metadata[bus.MetaReplyTo] != "1700000000.000100" {
		t.Fatalf("reply_to not carried: %+v", out.Metadata)
	}
	if out.Metadata[bus.MetaThreadTS] != "1700000000.000100" {
		t.Fatalf("thread_ts not carried: %+v", out.Metadata)
	}
}

func TestUnthreadedReplyHasNoMetadata(t *testing.T) {
	provider := &scriptedProvider{
		responses: []*providers.ChatResponse{{Content: "plain"}},
	}
	loop, b, _ := newTestLoop(t, provider, nil)

	loop.Process(context.Background(), userMsg("hello"))

	out := consumeOutbound(t, b, "telegram")
	if out.Metadata != nil {
		t.Fatalf("unexpected metadata on unthreaded reply: %+v", out.Metadata)
	}
}

func TestPanicProducesSingleErrorReply(t *testing.T) {
	provider := &scriptedProvider{panicMsg: "wires crossed"}
	loop, b, _ := newTestLoop(t, provider, nil)

	loop.Process(context.Background(), userMsg("hello"))

	out := consumeOutbound(t, b, "telegram")
	if !strings.HasPrefix(out.Content, "Sorry, I encountered an error: ") {
		t.Fatalf("unexpected reply: %q", out.Content)
	}
	if !strings.Contains(out.Content, "wires crossed") {
		t.Fatalf("reply missing panic detail: %q", out.Content)
	}
}

func TestNoUsageLineWithoutTokens(t *testing.T) {
	provider := &scriptedProvider{
		responses: []*providers.ChatResponse{{Content: "hi"}},
	}
	loop, _, usage := newTestLoop(t, provider, nil)

	loop.Process(context.Background(), userMsg("hello"))
	if usage.Len() != 0 {
		t.Fatalf("unexpected usage output: %q", usage.String())
	}
}

func TestRunDirectBypassesGates(t *testing.T) {
	provider := &scriptedProvider{
		responses: []*providers.ChatResponse{{Content: "direct answer"}},
	}
	loop, _, _ := newTestLoop(t, provider, func(cfg *LoopConfig) {
		cfg.FreePlan = true
		cfg.Credit = NewCreditClient("https://platform.example", "u1")
	})

	got, err := loop.RunDirect(context.Background(), "ping")
	if err != nil {
		t.Fatalf("RunDirect: %v", err)
	}
	if got != "direct answer" {
		t.Fatalf("unexpected reply: %q", got)
	}
}
