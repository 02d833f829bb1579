package store

import (
	"time"

	"github.com/nextlevelbuilder/nanoclaw/internal/providers"
)

// SessionRecord is the persisted form of one conversation session.
type SessionRecord struct {
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

// SessionStore persists session records. Implementations must be safe for
// concurrent use; the sessions.Manager serializes writes per key.
type SessionStore interface {
	// LoadAll returns every persisted session, used to warm the in-memory
	// cache at startup.
	LoadAll() ([]SessionRecord, error)

	// Save persists one record, replacing any previous version.
	Save(rec SessionRecord) error

	// Delete removes a record; deleting a missing key is not an error.
	Delete(key string) error

	Close() error
}
