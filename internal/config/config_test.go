package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultValues(t *testing.T) {
	cfg := Default()
	d := cfg.Agents.Defaults
	if d.MaxToolIterations != 20 {
		t.Errorf("MaxToolIterations = %d, want 20", d.MaxToolIterations)
	}
	if d.MaxToolRetries != 3 {
		t.Errorf("MaxToolRetries = %d, want 3", d.MaxToolRetries)
	}
	if d.HistoryLimit != 50 {
		t.Errorf("HistoryLimit = %d, want 50", d.HistoryLimit)
	}
	if cfg.Channels.Teams.WebhookPort != 3978 {
		t.Errorf("Teams.WebhookPort = %d, want 3978", cfg.Channels.Teams.WebhookPort)
	}
}

func TestLoadJSON5(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json5")
	content := `{
  // comments are allowed
  agents: { defaults: { model: "gpt-4o", max_tokens: 4096 } },
  channels: { telegram: { enabled: true, token: "tok", allow_from: [123, "alice"] } },
}`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Agents.Defaults.Model != "gpt-4o" {
		t.Errorf("Model = %q", cfg.Agents.Defaults.Model)
	}
	if cfg.Agents.Defaults.MaxTokens != 4096 {
		t.Errorf("MaxTokens = %d", cfg.Agents.Defaults.MaxTokens)
	}
	// Defaults survive partial files.
	if cfg.Agents.Defaults.MaxToolIterations != 20 {
		t.Errorf("MaxToolIterations = %d, want default 20", cfg.Agents.Defaults.MaxToolIterations)
	}
	got := []string(cfg.Channels.Telegram.AllowFrom)
	if len(got) != 2 || got[0] != "123" || got[1] != "alice" {
		t.Errorf("AllowFrom = %v", got)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json5"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Agents.Defaults.Provider != "anthropic" {
		t.Errorf("Provider = %q", cfg.Agents.Defaults.Provider)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PLATFORM_URL", "https://platform.example")
	t.Setenv("CREDIT_USER_ID", "user-42")
	t.Setenv("BRAVE_API_KEY", "brave-key")
	t.Setenv("TEAMS_WEBHOOK_PORT", "4100")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json5"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Platform.URL != "https://platform.example" {
		t.Errorf("Platform.URL = %q", cfg.Platform.URL)
	}
	if cfg.Platform.CreditUserID != "user-42" {
		t.Errorf("CreditUserID = %q", cfg.Platform.CreditUserID)
	}
	if cfg.Tools.Web.Brave.APIKey != "brave-key" {
		t.Errorf("Brave.APIKey = %q", cfg.Tools.Web.Brave.APIKey)
	}
	if cfg.Channels.Teams.WebhookPort != 4100 {
		t.Errorf("WebhookPort = %d", cfg.Channels.Teams.WebhookPort)
	}
}

func TestExpandHome(t *testing.T) {
	home, _ := os.UserHomeDir()
	tests := []struct {
		in, want string
	}{
		{"~/.nanoclaw/workspace", home + "/.nanoclaw/workspace"},
		{"/abs/path", "/abs/path"},
		{"", ""},
		{"~", home},
	}
	for _, tt := range tests {
		if got := ExpandHome(tt.in); got != tt.want {
			t.Errorf("ExpandHome(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
