// Package file persists session records as one JSON document per session
// under a storage directory.
package file

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/nextlevelbuilder/nanoclaw/internal/store"
)

// SessionStore stores each session as {dir}/{sanitized key}.json.
// Writes are atomic (temp file then rename).
type SessionStore struct {
	dir string
}

// NewSessionStore creates the storage directory if needed.
func NewSessionStore(dir string) (*SessionStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("sessions: create storage dir: %w", err)
	}
	return &SessionStore{dir: dir}, nil
}

func (s *SessionStore) LoadAll() ([]store.SessionRecord, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("sessions: read storage dir: %w", err)
	}

	var records []store.SessionRecord
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			continue
		}
		var rec store.SessionRecord
		if err := json.Unmarshal(data, &rec); err != nil || rec.Key == "" {
			// Skip corrupt files rather than failing startup.
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

func (s *SessionStore) Save(rec store.SessionRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}

	name := sanitizeFilename(rec.Key)
	if name == "" || !filepath.IsLocal(name) || strings.ContainsAny(name, `/\`) {
		return os.ErrInvalid
	}

	tmp, err := os.CreateTemp(s.dir, "session-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	tmp.Close()

	if err := os.Rename(tmpPath, filepath.Join(s.dir, name+".json")); err != nil {
		return err
	}
	cleanup = false
	return nil
}

func (s *SessionStore) Delete(key string) error {
	name := sanitizeFilename(key)
	if name == "" || !filepath.IsLocal(name) || strings.ContainsAny(name, `/\`) {
		return os.ErrInvalid
	}
	if err := os.Remove(filepath.Join(s.dir, name+".json")); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *SessionStore) Close() error { return nil }

func sanitizeFilename(key string) string {
	return strings.ReplaceAll(key, ":", "_")
}
