package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/nanoclaw/internal/bus"
)

const dispatchPollTimeout = 1 * time.Second

// Manager owns the registered channels: lifecycle, and one outbound
// dispatch loop per channel draining that channel's bus partition.
type Manager struct {
	mu       sync.RWMutex
	channels map[string]Channel
	bus      bus.MessageRouter

	dispatchCancel context.CancelFunc
	dispatchWG     sync.WaitGroup
}

// NewManager creates a new channel manager. Channels are registered
// externally via RegisterChannel before StartAll.
func NewManager(router bus.MessageRouter) *Manager {
	return &Manager{
		channels: make(map[string]Channel),
		bus:      router,
	}
}

// RegisterChannel adds a channel to the manager and claims its outbound
// partition so replies published before StartAll are not dropped.
func (m *Manager) RegisterChannel(name string, channel Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[name] = channel
	m.bus.RegisterOutbound(name)
}

// GetChannel returns a channel by name.
func (m *Manager) GetChannel(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	channel, ok := m.channels[name]
	return channel, ok
}

// EnabledChannels returns the names of all registered channels.
func (m *Manager) EnabledChannels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	return names
}

// Status reports the running state per channel.
func (m *Manager) Status() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]bool, len(m.channels))
	for name, channel := range m.channels {
		status[name] = channel.IsRunning()
	}
	return status
}

// StartAll starts every registered channel and one outbound dispatch
// loop per channel. A channel that fails to start is logged and skipped
// so one broken adapter cannot take down the rest.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.channels) == 0 {
		slog.Warn("no channels enabled")
		return nil
	}

	dispatchCtx, cancel := context.WithCancel(ctx)
	m.dispatchCancel = cancel

	for name, channel := range m.channels {
		slog.Info("starting channel", "channel", name)
		if err := channel.Start(ctx); err != nil {
			slog.Error("failed to start channel", "channel", name, "error", err)
			continue
		}

		m.dispatchWG.Add(1)
		go m.dispatchLoop(dispatchCtx, name, channel)
	}

	return nil
}

// StopAll stops the dispatch loops, then every channel.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.dispatchCancel != nil {
		m.dispatchCancel()
		m.dispatchCancel = nil
	}
	m.dispatchWG.Wait()

	for name, channel := range m.channels {
		slog.Info("stopping channel", "channel", name)
		if err := channel.Stop(ctx); err != nil {
			slog.Error("error stopping channel", "channel", name, "error", err)
		}
	}
	return nil
}

// dispatchLoop drains one channel's outbound partition. Send failures
// are logged; the loop keeps going.
func (m *Manager) dispatchLoop(ctx context.Context, name string, channel Channel) {
	defer m.dispatchWG.Done()

	for {
		if ctx.Err() != nil {
			return
		}
		msg, ok := m.bus.ConsumeOutbound(ctx, name, dispatchPollTimeout)
		if !ok {
			continue
		}
		if err := channel.Send(ctx, msg); err != nil {
			slog.Error("outbound send failed", "channel", name, "chat", msg.ChatID, "error", err)
		}
	}
}

// SendToChannel delivers a message to a specific channel directly,
// bypassing the bus. Used by diagnostics.
func (m *Manager) SendToChannel(ctx context.Context, channelName, chatID, content string) error {
	channel, ok := m.GetChannel(channelName)
	if !ok {
		return fmt.Errorf("channel %s not found", channelName)
	}
	return channel.Send(ctx, bus.OutboundMessage{
		Channel: channelName,
		ChatID:  chatID,
		Content: content,
	})
}
