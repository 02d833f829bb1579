package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultQueueSize is the capacity of the inbound queue and of each
// per-channel outbound partition.
const DefaultQueueSize = 128

// MessageBus is an in-memory router between channel adapters and the agent
// loop. Inbound messages share a single bounded queue drained by the loop;
// outbound messages are partitioned by channel name so each adapter drains
// only its own slice.
//
// Publishing never blocks: when a queue is full the message is dropped with
// a warning. Delivery is best-effort and FIFO per producer.
type MessageBus struct {
	inbound chan InboundMessage

	mu       sync.Mutex
	outbound map[string]chan OutboundMessage

	queueSize int
}

// NewMessageBus creates a bus with the given queue capacity per partition.
// A non-positive size falls back to DefaultQueueSize.
func NewMessageBus(queueSize int) *MessageBus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &MessageBus{
		inbound:   make(chan InboundMessage, queueSize),
		outbound:  make(map[string]chan OutboundMessage),
		queueSize: queueSize,
	}
}

// PublishInbound enqueues a message from a channel for the agent loop.
func (b *MessageBus) PublishInbound(msg InboundMessage) {
	select {
	case b.inbound <- msg:
	default:
		slog.Warn("bus: inbound queue full, dropping message",
			"channel", msg.Channel, "chat_id", msg.ChatID)
	}
}

// ConsumeInbound blocks until a message arrives, the timeout elapses, or ctx
// is done. The second return value is false on timeout or cancellation.
func (b *MessageBus) ConsumeInbound(ctx context.Context, timeout time.Duration) (InboundMessage, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg := <-b.inbound:
		return msg, true
	case <-timer.C:
		return InboundMessage{}, false
	case <-ctx.Done():
		return InboundMessage{}, false
	}
}

// RegisterOutbound creates the outbound partition for a channel, marking
// it as owned by a live adapter. Idempotent.
func (b *MessageBus) RegisterOutbound(channel string) {
	b.partition(channel)
}

// PublishOutbound enqueues a response for the named channel's partition.
// Messages for channels no adapter has registered are dropped with a
// warning rather than parked in a queue nothing drains.
func (b *MessageBus) PublishOutbound(msg OutboundMessage) {
	b.mu.Lock()
	ch, ok := b.outbound[msg.Channel]
	b.mu.Unlock()
	if !ok {
		slog.Warn("bus: no adapter registered for channel, dropping message",
			"channel", msg.Channel, "chat_id", msg.ChatID)
		return
	}
	select {
	case ch <- msg:
	default:
		slog.Warn("bus: outbound queue full, dropping message",
			"channel", msg.Channel, "chat_id", msg.ChatID)
	}
}

// ConsumeOutbound blocks until the named channel's partition yields a
// message, the timeout elapses, or ctx is done.
func (b *MessageBus) ConsumeOutbound(ctx context.Context, channel string, timeout time.Duration) (OutboundMessage, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg := <-b.partition(channel):
		return msg, true
	case <-timer.C:
		return OutboundMessage{}, false
	case <-ctx.Done():
		return OutboundMessage{}, false
	}
}

// partition returns the outbound queue for a channel, creating it lazily.
func (b *MessageBus) partition(channel string) chan OutboundMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.outbound[channel]
	if !ok {
		ch = make(chan OutboundMessage, b.queueSize)
		b.outbound[channel] = ch
	}
	return ch
}
