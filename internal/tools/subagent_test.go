package tools

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nextlevelbuilder/nanoclaw/internal/bus"
	"github.com/nextlevelbuilder/nanoclaw/internal/providers"
)

// scriptedProvider returns canned responses in order.
type scriptedProvider struct {
	responses []*providers.ChatResponse
	calls     atomic.Int32
}

func (p *scriptedProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	i := int(p.calls.Add(1)) - 1
	if i >= len(p.responses) {
		i = len(p.responses) - 1
	}
	return p.responses[i], nil
}

func (p *scriptedProvider) ChatStream(ctx context.Context, req providers.ChatRequest, onChunk func(providers.StreamChunk)) (*providers.ChatResponse, error) {
	return p.Chat(ctx, req)
}

func (p *scriptedProvider) DefaultModel() string { return "test-model" }
func (p *scriptedProvider) Name() string         { return "scripted" }

func TestSubagentAnnouncesToOrigin(t *testing.T) {
	router := bus.NewMessageBus(8)
	provider := &scriptedProvider{responses: []*providers.ChatResponse{
		{Content: "research complete", FinishReason: "stop"},
	}}

	mgr := NewSubagentManager(provider, router, NewRegistry, DefaultSubagentConfig())

	msg, err := mgr.Spawn(context.Background(), "research topic X", "research", "telegram", "42")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(msg, "research") {
		t.Errorf("spawn message = %q", msg)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	announce, ok := router.ConsumeInbound(ctx, 5*time.Second)
	if !ok {
		t.Fatal("no announce published")
	}
	if announce.Channel != "system" {
		t.Errorf("channel = %q", announce.Channel)
	}
	if announce.ChatID != "telegram:42" {
		t.Errorf("chat_id = %q", announce.ChatID)
	}
	if !announce.IsInternal() {
		t.Error("announce should be internal")
	}
	if announce.Content != "research complete" {
		t.Errorf("content = %q", announce.Content)
	}
	if !strings.HasPrefix(announce.SenderID, "subagent:") {
		t.Errorf("sender = %q", announce.SenderID)
	}
}

func TestSubagentExecutesToolCalls(t *testing.T) {
	router := bus.NewMessageBus(8)
	provider := &scriptedProvider{responses: []*providers.ChatResponse{
		{ToolCalls: []providers.ToolCall{{ID: "c1", Name: "probe", Arguments: map[string]interface{}{}}}},
		{Content: "done", FinishReason: "stop"},
	}}

	var toolRuns atomic.Int32
	createTools := func() *Registry {
		r := NewRegistry()
		r.MustRegister(&fakeTool{
			name: "probe",
			execute: func(ctx context.Context, args map[string]interface{}) *Result {
				toolRuns.Add(1)
				return NewResult("probed")
			},
		})
		return r
	}

	mgr := NewSubagentManager(provider, router, createTools, DefaultSubagentConfig())
	if _, err := mgr.Spawn(context.Background(), "probe something", "", "slack", "C9"); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	announce, ok := router.ConsumeInbound(ctx, 5*time.Second)
	if !ok {
		t.Fatal("no announce published")
	}
	if announce.Content != "done" {
		t.Errorf("content = %q", announce.Content)
	}
	if toolRuns.Load() != 1 {
		t.Errorf("tool runs = %d, want 1", toolRuns.Load())
	}
	if provider.calls.Load() != 2 {
		t.Errorf("provider calls = %d, want 2", provider.calls.Load())
	}
}

func TestSubagentConcurrencyLimit(t *testing.T) {
	router := bus.NewMessageBus(64)
	// A provider that blocks keeps tasks in running state.
	block := make(chan struct{})
	provider := &blockingProvider{unblock: block}

	cfg := DefaultSubagentConfig()
	cfg.MaxConcurrent = 2
	mgr := NewSubagentManager(provider, router, NewRegistry, cfg)

	for i := 0; i < 2; i++ {
		if _, err := mgr.Spawn(context.Background(), "long task", "", "cli", "1"); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := mgr.Spawn(context.Background(), "one too many", "", "cli", "1"); err == nil {
		t.Error("expected concurrency limit error")
	}
	close(block)
}

type blockingProvider struct {
	unblock chan struct{}
}

func (p *blockingProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	select {
	case <-p.unblock:
	case <-ctx.Done():
	}
	return &providers.ChatResponse{Content: "done", FinishReason: "stop"}, nil
}

func (p *blockingProvider) ChatStream(ctx context.Context, req providers.ChatRequest, onChunk func(providers.StreamChunk)) (*providers.ChatResponse, error) {
	return p.Chat(ctx, req)
}

func (p *blockingProvider) DefaultModel() string { return "test-model" }
func (p *blockingProvider) Name() string         { return "blocking" }
