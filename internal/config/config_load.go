package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Agents: AgentsConfig{
			Defaults: AgentDefaults{
				Workspace:           "~/.nanoclaw/workspace",
				RestrictToWorkspace: true,
				Provider:            "anthropic",
				Model:               "claude-sonnet-4-5-20250929",
				MaxTokens:           8192,
				Temperature:         0.7,
				MaxToolIterations:   20,
				MaxToolRetries:      3,
				HistoryLimit:        50,
				MaxSubagents:        5,
			},
		},
		Channels: ChannelsConfig{
			Teams: TeamsConfig{
				WebhookPort: 3978,
			},
			WhatsApp: WhatsAppConfig{
				BridgeURL: "ws://localhost:3001",
			},
		},
		Tools: ToolsConfig{
			Web: WebToolsConfig{
				Brave: BraveConfig{MaxResults: 5},
			},
			Browser: BrowserToolConfig{
				Enabled:  true,
				Headless: true,
			},
		},
		Sessions: SessionsConfig{
			Storage: "~/.nanoclaw/sessions",
			Backend: "file",
		},
	}
}

// Load reads config from a JSON5 file, loads the workspace .env, then
// overlays env vars. Precedence: defaults → file → .env → process env.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.loadDotEnv()
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.loadDotEnv()
	cfg.applyEnvOverrides()
	return cfg, nil
}

// loadDotEnv loads {workspace}/.env into the process environment.
// godotenv never overrides variables that are already set, so real env
// always wins over .env entries.
func (c *Config) loadDotEnv() {
	envPath := filepath.Join(c.WorkspacePath(), ".env")
	if _, err := os.Stat(envPath); err == nil {
		_ = godotenv.Load(envPath)
	}
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envStr("NANOCLAW_ANTHROPIC_API_KEY", &c.Providers.Anthropic.APIKey)
	envStr("NANOCLAW_OPENAI_API_KEY", &c.Providers.OpenAI.APIKey)
	envStr("NANOCLAW_OPENROUTER_API_KEY", &c.Providers.OpenRouter.APIKey)
	envStr("NANOCLAW_GROQ_API_KEY", &c.Providers.Groq.APIKey)

	envStr("NANOCLAW_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	envStr("NANOCLAW_SLACK_BOT_TOKEN", &c.Channels.Slack.BotToken)
	envStr("NANOCLAW_SLACK_APP_TOKEN", &c.Channels.Slack.AppToken)
	envStr("NANOCLAW_TEAMS_APP_ID", &c.Channels.Teams.AppID)
	envStr("NANOCLAW_TEAMS_APP_PASSWORD", &c.Channels.Teams.AppPassword)
	envStr("NANOCLAW_WHATSAPP_BRIDGE_URL", &c.Channels.WhatsApp.BridgeURL)
	envStr("NANOCLAW_DISCORD_TOKEN", &c.Channels.Discord.Token)
	if v := os.Getenv("TEAMS_WEBHOOK_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Channels.Teams.WebhookPort = port
		}
	}

	// Auto-enable channels when credentials arrive via env.
	if c.Channels.Telegram.Token != "" {
		c.Channels.Telegram.Enabled = true
	}
	if c.Channels.Slack.BotToken != "" && c.Channels.Slack.AppToken != "" {
		c.Channels.Slack.Enabled = true
	}
	if c.Channels.Teams.AppID != "" && c.Channels.Teams.AppPassword != "" {
		c.Channels.Teams.Enabled = true
	}
	if c.Channels.Discord.Token != "" {
		c.Channels.Discord.Enabled = true
	}

	envStr("NANOCLAW_PROVIDER", &c.Agents.Defaults.Provider)
	envStr("NANOCLAW_MODEL", &c.Agents.Defaults.Model)
	envStr("NANOCLAW_WORKSPACE", &c.Agents.Defaults.Workspace)
	envStr("NANOCLAW_SESSIONS_STORAGE", &c.Sessions.Storage)

	// Hosted platform integration.
	envStr("PLATFORM_URL", &c.Platform.URL)
	envStr("CREDIT_USER_ID", &c.Platform.CreditUserID)
	if v := os.Getenv("NANOCLAW_FREE_PLAN"); v != "" {
		c.Platform.FreePlan = v == "true" || v == "1"
	}

	// Tool credentials.
	envStr("BRAVE_API_KEY", &c.Tools.Web.Brave.APIKey)
	envStr("CAPSOLVER_API_KEY", &c.Tools.Captcha.CapSolverAPIKey)
	envStr("TWOCAPTCHA_API_KEY", &c.Tools.Captcha.TwoCaptchaAPIKey)
	envStr("ANTICAPTCHA_API_KEY", &c.Tools.Captcha.AntiCaptchaAPIKey)

	// Telemetry.
	envStr("NANOCLAW_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("NANOCLAW_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("NANOCLAW_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("NANOCLAW_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}
}

// Save writes the config to a JSON file.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// WorkspacePath returns the expanded workspace path.
func (c *Config) WorkspacePath() string {
	return ExpandHome(c.Agents.Defaults.Workspace)
}

// SessionsPath returns the expanded session storage path.
func (c *Config) SessionsPath() string {
	return ExpandHome(c.Sessions.Storage)
}

// CronStorePath returns the cron job store path, defaulting to
// {workspace}/cron/jobs.json.
func (c *Config) CronStorePath() string {
	if c.Cron.StorePath != "" {
		return ExpandHome(c.Cron.StorePath)
	}
	return filepath.Join(c.WorkspacePath(), "cron", "jobs.json")
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
