package config

import (
	"encoding/json"
	"fmt"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the nanoclaw runtime.
type Config struct {
	Agents    AgentsConfig    `json:"agents"`
	Channels  ChannelsConfig  `json:"channels"`
	Providers ProvidersConfig `json:"providers"`
	Tools     ToolsConfig     `json:"tools"`
	Sessions  SessionsConfig  `json:"sessions"`
	Cron      CronConfig      `json:"cron,omitempty"`
	Platform  PlatformConfig  `json:"platform,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	MCP       MCPConfig       `json:"mcp,omitempty"`
}

// AgentsConfig contains agent defaults.
type AgentsConfig struct {
	Defaults AgentDefaults `json:"defaults"`
}

// AgentDefaults are default settings for the agent loop.
type AgentDefaults struct {
	Workspace           string  `json:"workspace"`
	RestrictToWorkspace bool    `json:"restrict_to_workspace"`
	Provider            string  `json:"provider"`
	Model               string  `json:"model"`
	MaxTokens           int     `json:"max_tokens"`
	Temperature         float64 `json:"temperature"`
	MaxToolIterations   int     `json:"max_tool_iterations"`
	MaxToolRetries      int     `json:"max_tool_retries"`
	HistoryLimit        int     `json:"history_limit"`
	MaxSubagents        int     `json:"max_subagents"`
}

// PlatformConfig covers integration with the hosted billing platform.
// All values normally arrive via env (PLATFORM_URL, CREDIT_USER_ID).
type PlatformConfig struct {
	URL          string `json:"url,omitempty"`
	CreditUserID string `json:"credit_user_id,omitempty"`
	FreePlan     bool   `json:"free_plan,omitempty"`
}

// ChannelsConfig contains per-channel configuration.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	Slack    SlackConfig    `json:"slack"`
	Teams    TeamsConfig    `json:"teams"`
	WhatsApp WhatsAppConfig `json:"whatsapp"`
	Discord  DiscordConfig  `json:"discord"`
}

type TelegramConfig struct {
	Enabled       bool                `json:"enabled"`
	Token         string              `json:"token"`
	AllowFrom     FlexibleStringSlice `json:"allow_from"`
	MediaMaxBytes int64               `json:"media_max_bytes,omitempty"` // default 20MB

	// Voice transcription proxy (optional).
	STTProxyURL       string `json:"stt_proxy_url,omitempty"`
	STTAPIKey         string `json:"stt_api_key,omitempty"`
	STTTenantID       string `json:"stt_tenant_id,omitempty"`
	STTTimeoutSeconds int    `json:"stt_timeout_seconds,omitempty"`
}

type SlackConfig struct {
	Enabled   bool                `json:"enabled"`
	BotToken  string              `json:"bot_token"`
	AppToken  string              `json:"app_token"`
	AllowFrom FlexibleStringSlice `json:"allow_from"`
}

type TeamsConfig struct {
	Enabled     bool                `json:"enabled"`
	AppID       string              `json:"app_id"`
	AppPassword string              `json:"app_password"`
	WebhookPort int                 `json:"webhook_port,omitempty"` // default 3978
	AllowFrom   FlexibleStringSlice `json:"allow_from"`
}

type WhatsAppConfig struct {
	Enabled   bool                `json:"enabled"`
	BridgeURL string              `json:"bridge_url"` // default ws://localhost:3001
	AllowFrom FlexibleStringSlice `json:"allow_from"`
}

type DiscordConfig struct {
	Enabled   bool                `json:"enabled"`
	Token     string              `json:"token"`
	AllowFrom FlexibleStringSlice `json:"allow_from"`
}

// ProvidersConfig maps provider name to its config.
type ProvidersConfig struct {
	Anthropic  ProviderConfig `json:"anthropic"`
	OpenAI     ProviderConfig `json:"openai"`
	OpenRouter ProviderConfig `json:"openrouter"`
	Groq       ProviderConfig `json:"groq"`
}

type ProviderConfig struct {
	APIKey  string `json:"api_key"`
	APIBase string `json:"api_base,omitempty"`
}

// HasAnyProvider returns true if at least one provider has an API key configured.
func (c *Config) HasAnyProvider() bool {
	p := c.Providers
	return p.Anthropic.APIKey != "" ||
		p.OpenAI.APIKey != "" ||
		p.OpenRouter.APIKey != "" ||
		p.Groq.APIKey != ""
}

// ToolsConfig controls tool availability and credentials.
type ToolsConfig struct {
	Web     WebToolsConfig    `json:"web"`
	Browser BrowserToolConfig `json:"browser"`
	Captcha CaptchaConfig     `json:"captcha,omitempty"`
}

type WebToolsConfig struct {
	Brave BraveConfig `json:"brave"`
}

type BraveConfig struct {
	APIKey     string `json:"api_key"`
	MaxResults int    `json:"max_results"`
}

// BrowserToolConfig controls the browser automation tool.
type BrowserToolConfig struct {
	Enabled  bool `json:"enabled"`
	Headless bool `json:"headless,omitempty"`
}

// CaptchaConfig holds third-party CAPTCHA solver credentials. The first
// configured vendor (in struct order) is used.
type CaptchaConfig struct {
	CapSolverAPIKey   string `json:"capsolver_api_key,omitempty"`
	TwoCaptchaAPIKey  string `json:"twocaptcha_api_key,omitempty"`
	AntiCaptchaAPIKey string `json:"anticaptcha_api_key,omitempty"`
}

// SessionsConfig controls session persistence.
type SessionsConfig struct {
	Storage string `json:"storage"`           // directory for file backend / sqlite db parent
	Backend string `json:"backend,omitempty"` // "file" (default) or "sqlite"
}

// CronConfig configures the scheduler.
type CronConfig struct {
	StorePath string `json:"store_path,omitempty"` // default {workspace}/cron/jobs.json
}

// TelemetryConfig configures OpenTelemetry trace export.
// When Endpoint is empty the runtime installs a no-op tracer.
type TelemetryConfig struct {
	Endpoint    string            `json:"endpoint,omitempty"`
	Protocol    string            `json:"protocol,omitempty"` // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`
	ServiceName string            `json:"service_name,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// MCPConfig configures external MCP server connections.
type MCPConfig struct {
	Servers map[string]*MCPServerConfig `json:"servers,omitempty"`
}

// MCPServerConfig configures a single external MCP server connection.
type MCPServerConfig struct {
	Transport  string            `json:"transport"`             // "stdio" or "streamable-http"
	Command    string            `json:"command,omitempty"`     // stdio: command to spawn
	Args       []string          `json:"args,omitempty"`        // stdio: command arguments
	Env        map[string]string `json:"env,omitempty"`         // stdio: extra environment variables
	URL        string            `json:"url,omitempty"`         // http: server URL
	Headers    map[string]string `json:"headers,omitempty"`     // http: extra HTTP headers
	Enabled    *bool             `json:"enabled,omitempty"`     // default true
	TimeoutSec int               `json:"timeout_sec,omitempty"` // per-tool-call timeout (default 60)
}

// IsEnabled returns whether this MCP server is enabled (default true).
func (c *MCPServerConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}
