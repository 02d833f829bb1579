package sessions

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/nextlevelbuilder/nanoclaw/internal/providers"
	"github.com/nextlevelbuilder/nanoclaw/internal/store/file"
)

func TestGetOrCreateIsStable(t *testing.T) {
	m := NewManager(nil)
	a := m.GetOrCreate("telegram:1")
	b := m.GetOrCreate("telegram:1")
	if a != b {
		t.Error("GetOrCreate returned different sessions for same key")
	}
	if a.Key != "telegram:1" {
		t.Errorf("Key = %q", a.Key)
	}
}

func TestGetHistoryReturnsCopy(t *testing.T) {
	m := NewManager(nil)
	m.AddMessage("k", providers.Message{Role: "user", Content: "hi"})

	h := m.GetHistory("k")
	h[0].Content = "mutated"

	if got := m.GetHistory("k")[0].Content; got != "hi" {
		t.Errorf("history mutated through copy: %q", got)
	}
}

func TestGetHistoryTail(t *testing.T) {
	m := NewManager(nil)
	for i := 0; i < 10; i++ {
		m.AddMessage("k", providers.Message{Role: "user", Content: fmt.Sprintf("m%d", i)})
	}

	tail := m.GetHistoryTail("k", 4)
	if len(tail) != 4 {
		t.Fatalf("len = %d, want 4", len(tail))
	}
	if tail[0].Content != "m6" || tail[3].Content != "m9" {
		t.Errorf("tail = %q..%q", tail[0].Content, tail[3].Content)
	}

	// Deterministic: same call, same result.
	again := m.GetHistoryTail("k", 4)
	if again[0].Content != tail[0].Content {
		t.Error("tail not deterministic")
	}
}

func TestGetHistoryTailSkipsOrphanToolResults(t *testing.T) {
	m := NewManager(nil)
	m.AddMessage("k", providers.Message{Role: "user", Content: "q"})
	m.AddMessage("k", providers.Message{
		Role:      "assistant",
		ToolCalls: []providers.ToolCall{{ID: "c1", Name: "read_file"}},
	})
	m.AddMessage("k", providers.Message{Role: "tool", ToolCallID: "c1", Content: "data"})
	m.AddMessage("k", providers.Message{Role: "assistant", Content: "done"})

	// Cutting at limit 2 would start on the tool result; it must be skipped.
	tail := m.GetHistoryTail("k", 2)
	if tail[0].Role == "tool" {
		t.Error("tail starts with orphan tool result")
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	backend, err := file.NewSessionStore(dir)
	if err != nil {
		t.Fatal(err)
	}

	m := NewManager(backend)
	m.AddMessage("telegram:42", providers.Message{Role: "user", Content: "hello"})
	m.AddMessage("telegram:42", providers.Message{Role: "assistant", Content: "hi there"})
	m.UpdateMetadata("telegram:42", "gpt-4o", "openai", "telegram")
	m.AccumulateTokens("telegram:42", 100, 20)
	if err := m.Save("telegram:42"); err != nil {
		t.Fatalf("Save: %v", err)
	}

	backend2, err := file.NewSessionStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	m2 := NewManager(backend2)
	s := m2.GetOrCreate("telegram:42")
	if len(s.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(s.Messages))
	}
	if s.Messages[1].Content != "hi there" {
		t.Errorf("second message = %q", s.Messages[1].Content)
	}
	if s.Model != "gpt-4o" || s.InputTokens != 100 {
		t.Errorf("metadata lost: model=%q input=%d", s.Model, s.InputTokens)
	}

	// Stored filename must be safe (colons replaced).
	if _, err := file.NewSessionStore(filepath.Join(dir, "sub")); err != nil {
		t.Fatal(err)
	}
}

func TestDeleteRemovesFromBackend(t *testing.T) {
	dir := t.TempDir()
	backend, _ := file.NewSessionStore(dir)
	m := NewManager(backend)
	m.AddMessage("slack:C1", providers.Message{Role: "user", Content: "x"})
	if err := m.Save("slack:C1"); err != nil {
		t.Fatal(err)
	}
	if err := m.Delete("slack:C1"); err != nil {
		t.Fatal(err)
	}

	m2 := NewManager(mustStore(t, dir))
	if len(m2.GetHistory("slack:C1")) != 0 {
		t.Error("deleted session resurrected")
	}
}

func mustStore(t *testing.T, dir string) *file.SessionStore {
	t.Helper()
	s, err := file.NewSessionStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestKeyHelpers(t *testing.T) {
	if got := BuildSpawnKey("abc"); got != "spawn:abc" {
		t.Errorf("BuildSpawnKey = %q", got)
	}
	if !IsSpawnSession("spawn:abc") || IsSpawnSession("telegram:1") {
		t.Error("IsSpawnSession misclassifies")
	}
	if !IsCronSession("cron:job1") || IsCronSession("spawn:x") {
		t.Error("IsCronSession misclassifies")
	}
}
