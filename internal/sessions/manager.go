package sessions

import (
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/nanoclaw/internal/providers"
	"github.com/nextlevelbuilder/nanoclaw/internal/store"
)

// Session stores conversation history for one conversation key.
type Session struct {
	Key      string              `json:"key"`
	Messages []providers.Message `json:"messages"`
	Created  time.Time           `json:"created"`
	Updated  time.Time           `json:"updated"`

	Model        string `json:"model,omitempty"`
	Provider     string `json:"provider,omitempty"`
	Channel      string `json:"channel,omitempty"`
	InputTokens  int64  `json:"inputTokens,omitempty"`
	OutputTokens int64  `json:"outputTokens,omitempty"`
}

// Manager handles session lifecycle, lookup, and persistence through a
// store.SessionStore backend. Sessions are created on first reference and
// mutated only by the agent loop.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	backend  store.SessionStore
}

// NewManager warms the in-memory cache from the backend. A nil backend
// yields a purely in-memory manager (used by direct chat mode and tests).
func NewManager(backend store.SessionStore) *Manager {
	m := &Manager{
		sessions: make(map[string]*Session),
		backend:  backend,
	}
	if backend != nil {
		records, err := backend.LoadAll()
		if err != nil {
			slog.Warn("sessions: load from store failed", "error", err)
		}
		for _, rec := range records {
			m.sessions[rec.Key] = fromRecord(rec)
		}
	}
	return m
}

// GetOrCreate returns an existing session or creates a new one.
func (m *Manager) GetOrCreate(key string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[key]; ok {
		return s
	}
	s := &Session{
		Key:      key,
		Messages: []providers.Message{},
		Created:  time.Now(),
		Updated:  time.Now(),
	}
	m.sessions[key] = s
	return s
}

// AddMessage appends a message to a session, creating it if needed.
func (m *Manager) AddMessage(key string, msg providers.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[key]
	if !ok {
		s = &Session{Key: key, Messages: []providers.Message{}, Created: time.Now()}
		m.sessions[key] = s
	}
	s.Messages = append(s.Messages, msg)
	s.Updated = time.Now()
}

// GetHistory returns a copy of the full message history.
func (m *Manager) GetHistory(key string) []providers.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[key]
	if !ok {
		return nil
	}
	msgs := make([]providers.Message, len(s.Messages))
	copy(msgs, s.Messages)
	return msgs
}

// GetHistoryTail returns the last limit messages, never splitting a
// tool-call cycle: if the cut lands on a tool result or an assistant message
// carrying tool calls, it moves forward past the cycle so the provider sees
// every tool result paired with its call. limit <= 0 returns everything.
func (m *Manager) GetHistoryTail(key string, limit int) []providers.Message {
	msgs := m.GetHistory(key)
	if limit <= 0 || len(msgs) <= limit {
		return msgs
	}
	start := len(msgs) - limit
	for start < len(msgs) && msgs[start].Role == "tool" {
		start++
	}
	return msgs[start:]
}

// UpdateMetadata sets model/provider/channel metadata on a session.
func (m *Manager) UpdateMetadata(key, model, provider, channel string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[key]; ok {
		if model != "" {
			s.Model = model
		}
		if provider != "" {
			s.Provider = provider
		}
		if channel != "" {
			s.Channel = channel
		}
	}
}

// AccumulateTokens adds token counts from a completed run.
func (m *Manager) AccumulateTokens(key string, inputTokens, outputTokens int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[key]; ok {
		s.InputTokens += inputTokens
		s.OutputTokens += outputTokens
	}
}

// Reset clears a session's history.
func (m *Manager) Reset(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[key]; ok {
		s.Messages = []providers.Message{}
		s.Updated = time.Now()
	}
}

// Delete removes a session from memory and the backend.
func (m *Manager) Delete(key string) error {
	m.mu.Lock()
	delete(m.sessions, key)
	m.mu.Unlock()

	if m.backend != nil {
		return m.backend.Delete(key)
	}
	return nil
}

// SessionInfo is a lightweight session descriptor for listing.
type SessionInfo struct {
	Key          string    `json:"key"`
	MessageCount int       `json:"messageCount"`
	Created      time.Time `json:"created"`
	Updated      time.Time `json:"updated"`
}

// List returns metadata for all sessions.
func (m *Manager) List() []SessionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]SessionInfo, 0, len(m.sessions))
	for key, s := range m.sessions {
		result = append(result, SessionInfo{
			Key:          key,
			MessageCount: len(s.Messages),
			Created:      s.Created,
			Updated:      s.Updated,
		})
	}
	return result
}

// Save persists a session through the backend.
func (m *Manager) Save(key string) error {
	if m.backend == nil {
		return nil
	}

	m.mu.RLock()
	s, ok := m.sessions[key]
	if !ok {
		m.mu.RUnlock()
		return nil
	}
	rec := toRecord(s)
	m.mu.RUnlock()

	return m.backend.Save(rec)
}

func toRecord(s *Session) store.SessionRecord {
	rec := store.SessionRecord{
		Key:          s.Key,
		Created:      s.Created,
		Updated:      s.Updated,
		Model:        s.Model,
		Provider:     s.Provider,
		Channel:      s.Channel,
		InputTokens:  s.InputTokens,
		OutputTokens: s.OutputTokens,
	}
	rec.Messages = make([]providers.Message, len(s.Messages))
	copy(rec.Messages, s.Messages)
	return rec
}

func fromRecord(rec store.SessionRecord) *Session {
	s := &Session{
		Key:          rec.Key,
		Messages:     rec.Messages,
		Created:      rec.Created,
		Updated:      rec.Updated,
		Model:        rec.Model,
		Provider:     rec.Provider,
		Channel:      rec.Channel,
		InputTokens:  rec.InputTokens,
		OutputTokens: rec.OutputTokens,
	}
	if s.Messages == nil {
		s.Messages = []providers.Message{}
	}
	return s
}
