// Package sqlite persists session records in a single SQLite database.
// Each record is stored as a JSON document keyed by session key, which keeps
// the schema stable while the record shape evolves.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/nanoclaw/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_key TEXT PRIMARY KEY,
	data        TEXT NOT NULL,
	updated_at  TEXT NOT NULL
);
`

// SessionStore implements store.SessionStore backed by SQLite.
type SessionStore struct {
	db *sql.DB
}

// NewSessionStore opens (creating if necessary) the database at path.
func NewSessionStore(path string) (*SessionStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sessions: open sqlite db: %w", err)
	}
	// Single writer; the manager serializes saves.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sessions: init schema: %w", err)
	}
	return &SessionStore{db: db}, nil
}

func (s *SessionStore) LoadAll() ([]store.SessionRecord, error) {
	rows, err := s.db.Query(`SELECT data FROM sessions ORDER BY updated_at`)
	if err != nil {
		return nil, fmt.Errorf("sessions: query: %w", err)
	}
	defer rows.Close()

	var records []store.SessionRecord
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var rec store.SessionRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil || rec.Key == "" {
			continue
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *SessionStore) Save(rec store.SessionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO sessions (session_key, data, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (session_key) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		rec.Key, string(data), rec.Updated.UTC().Format("2006-01-02T15:04:05.000Z"),
	)
	if err != nil {
		return fmt.Errorf("sessions: save %q: %w", rec.Key, err)
	}
	return nil
}

func (s *SessionStore) Delete(key string) error {
	if _, err := s.db.Exec(`DELETE FROM sessions WHERE session_key = ?`, key); err != nil {
		return fmt.Errorf("sessions: delete %q: %w", key, err)
	}
	return nil
}

func (s *SessionStore) Close() error { return s.db.Close() }
