package bus

import (
	"context"
	"testing"
	"time"
)

func TestSessionKey(t *testing.T) {
	tests := []struct {
		name string
		msg  InboundMessage
		want string
	}{
		{
			name: "derived from channel and chat",
			msg:  InboundMessage{Channel: "telegram", ChatID: "12345"},
			want: "telegram:12345",
		},
		{
			name: "metadata override wins",
			msg: InboundMessage{
				Channel:  "system",
				ChatID:   "telegram:12345",
				Metadata: map[string]string{MetaSessionKeyOverride: "spawn:abc"},
			},
			want: "spawn:abc",
		},
		{
			name: "empty override ignored",
			msg: InboundMessage{
				Channel:  "slack",
				ChatID:   "C042",
				Metadata: map[string]string{MetaSessionKeyOverride: ""},
			},
			want: "slack:C042",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.msg.SessionKey(); got != tt.want {
				t.Errorf("SessionKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestConsumeInboundTimeout(t *testing.T) {
	b := NewMessageBus(4)
	start := time.Now()
	_, ok := b.ConsumeInbound(context.Background(), 50*time.Millisecond)
	if ok {
		t.Fatal("expected timeout, got message")
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("returned after %v, before the timeout", elapsed)
	}
}

func TestConsumeInboundDelivers(t *testing.T) {
	b := NewMessageBus(4)
	b.PublishInbound(InboundMessage{Channel: "telegram", ChatID: "1", Content: "hi"})
	msg, ok := b.ConsumeInbound(context.Background(), time.Second)
	if !ok {
		t.Fatal("expected message, got timeout")
	}
	if msg.Content != "hi" {
		t.Errorf("Content = %q, want %q", msg.Content, "hi")
	}
}

func TestOutboundPartitioning(t *testing.T) {
	b := NewMessageBus(4)
	b.RegisterOutbound("telegram")
	b.RegisterOutbound("slack")
	b.PublishOutbound(OutboundMessage{Channel: "telegram", ChatID: "1", Content: "tg"})
	b.PublishOutbound(OutboundMessage{Channel: "slack", ChatID: "C1", Content: "sl"})

	msg, ok := b.ConsumeOutbound(context.Background(), "slack", time.Second)
	if !ok || msg.Content != "sl" {
		t.Fatalf("slack partition: got %+v ok=%v", msg, ok)
	}
	msg, ok = b.ConsumeOutbound(context.Background(), "telegram", time.Second)
	if !ok || msg.Content != "tg" {
		t.Fatalf("telegram partition: got %+v ok=%v", msg, ok)
	}

	// A channel with nothing queued times out rather than stealing from others.
	if _, ok := b.ConsumeOutbound(context.Background(), "whatsapp", 20*time.Millisecond); ok {
		t.Error("expected timeout on empty partition")
	}
}

func TestOutboundRequiresRegisteredChannel(t *testing.T) {
	b := NewMessageBus(4)
	b.PublishOutbound(OutboundMessage{Channel: "signal", ChatID: "1", Content: "lost"})

	// Nothing owns "signal", so the message was dropped, not parked.
	b.RegisterOutbound("signal")
	if _, ok := b.ConsumeOutbound(context.Background(), "signal", 20*time.Millisecond); ok {
		t.Fatal("message to unregistered channel should have been dropped")
	}

	b.PublishOutbound(OutboundMessage{Channel: "signal", ChatID: "1", Content: "kept"})
	msg, ok := b.ConsumeOutbound(context.Background(), "signal", time.Second)
	if !ok || msg.Content != "kept" {
		t.Fatalf("got %+v ok=%v after registration", msg, ok)
	}
}

func TestPublishInboundDropsWhenFull(t *testing.T) {
	b := NewMessageBus(2)
	for i := 0; i < 5; i++ {
		b.PublishInbound(InboundMessage{Channel: "cli", Content: "m"})
	}
	// Only the first two fit; the rest were dropped without blocking.
	for i := 0; i < 2; i++ {
		if _, ok := b.ConsumeInbound(context.Background(), time.Second); !ok {
			t.Fatalf("message %d missing", i)
		}
	}
	if _, ok := b.ConsumeInbound(context.Background(), 20*time.Millisecond); ok {
		t.Error("expected queue to hold only its capacity")
	}
}

func TestFIFOWithinProducer(t *testing.T) {
	b := NewMessageBus(8)
	for _, c := range []string{"a", "b", "c"} {
		b.PublishInbound(InboundMessage{Channel: "cli", Content: c})
	}
	for _, want := range []string{"a", "b", "c"} {
		msg, ok := b.ConsumeInbound(context.Background(), time.Second)
		if !ok || msg.Content != want {
			t.Fatalf("got %q ok=%v, want %q", msg.Content, ok, want)
		}
	}
}
