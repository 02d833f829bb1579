package tools

import (
	"context"
	"testing"
	"time"

	"github.com/nextlevelbuilder/nanoclaw/internal/bus"
)

func TestMessageToolPublishes(t *testing.T) {
	router := bus.NewMessageBus(8)
	router.RegisterOutbound("telegram")
	tool := NewMessageTool(router)

	ctx := WithToolChannel(context.Background(), "telegram")
	ctx = WithToolChatID(ctx, "42")

	res := tool.Execute(ctx, map[string]interface{}{
		"content": "working on it",
		"media":   "/tmp/progress.png",
	})
	if res.IsError {
		t.Fatalf("execute: %s", res.ForLLM)
	}

	cctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	out, ok := router.ConsumeOutbound(cctx, "telegram", time.Second)
	if !ok {
		t.Fatal("no outbound message published")
	}
	if out.ChatID != "42" || out.Content != "working on it" {
		t.Errorf("out = %+v", out)
	}
	if len(out.Media) != 1 || out.Media[0].Path != "/tmp/progress.png" {
		t.Errorf("media = %+v", out.Media)
	}
}

func TestMessageToolRequiresContext(t *testing.T) {
	tool := NewMessageTool(bus.NewMessageBus(8))

	res := tool.Execute(context.Background(), map[string]interface{}{"content": "hi"})
	if !res.IsError {
		t.Error("missing chat context should error")
	}
}

func TestMessageToolRequiresContent(t *testing.T) {
	tool := NewMessageTool(bus.NewMessageBus(8))

	ctx := WithToolChannel(context.Background(), "slack")
	ctx = WithToolChatID(ctx, "C1")
	res := tool.Execute(ctx, map[string]interface{}{"content": "   "})
	if !res.IsError {
		t.Error("blank content should error")
	}
}
