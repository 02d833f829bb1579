package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/nanoclaw/internal/agent"
	"github.com/nextlevelbuilder/nanoclaw/internal/bus"
	"github.com/nextlevelbuilder/nanoclaw/internal/channels"
	"github.com/nextlevelbuilder/nanoclaw/internal/channels/discord"
	"github.com/nextlevelbuilder/nanoclaw/internal/channels/slack"
	"github.com/nextlevelbuilder/nanoclaw/internal/channels/teams"
	"github.com/nextlevelbuilder/nanoclaw/internal/channels/telegram"
	"github.com/nextlevelbuilder/nanoclaw/internal/channels/whatsapp"
	"github.com/nextlevelbuilder/nanoclaw/internal/config"
	"github.com/nextlevelbuilder/nanoclaw/internal/cron"
	"github.com/nextlevelbuilder/nanoclaw/internal/mcp"
	"github.com/nextlevelbuilder/nanoclaw/internal/providers"
	"github.com/nextlevelbuilder/nanoclaw/internal/sessions"
	"github.com/nextlevelbuilder/nanoclaw/internal/store"
	"github.com/nextlevelbuilder/nanoclaw/internal/store/file"
	"github.com/nextlevelbuilder/nanoclaw/internal/store/sqlite"
	"github.com/nextlevelbuilder/nanoclaw/internal/tools"
	"github.com/nextlevelbuilder/nanoclaw/internal/tools/browser"
	"github.com/nextlevelbuilder/nanoclaw/internal/tracing"
)

const shutdownTimeout = 10 * time.Second

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the full runtime: channels, agent loop, cron, MCP",
		Run: func(cmd *cobra.Command, args []string) {
			runGateway()
		},
	}
}

func runGateway() {
	setupLogging()

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	if !cfg.HasAnyProvider() {
		fmt.Println("No LLM provider configured, starting onboarding...")
		if !runOnboard(cfgPath) {
			os.Exit(1)
		}
		cfg, err = config.Load(cfgPath)
		if err != nil {
			slog.Error("reload config after onboarding", "error", err)
			os.Exit(1)
		}
	}

	workspace := cfg.WorkspacePath()
	if err := os.MkdirAll(workspace, 0755); err != nil {
		slog.Error("create workspace", "path", workspace, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("tracing setup failed", "error", err)
	} else {
		defer func() {
			tctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := shutdownTracing(tctx); err != nil {
				slog.Warn("tracing shutdown", "error", err)
			}
		}()
	}

	provider, err := providers.Resolve(cfg)
	if err != nil {
		slog.Error("resolve provider", "error", err)
		os.Exit(1)
	}

	backend, err := sessionBackend(cfg)
	if err != nil {
		slog.Error("open session store", "backend", cfg.Sessions.Backend, "error", err)
		os.Exit(1)
	}
	defer backend.Close()
	sessionsMgr := sessions.NewManager(backend)

	msgBus := bus.NewMessageBus(bus.DefaultQueueSize)

	cronSvc, err := cron.NewService(cfg.CronStorePath(), msgBus)
	if err != nil {
		slog.Error("open cron store", "path", cfg.CronStorePath(), "error", err)
		os.Exit(1)
	}

	registry := buildToolRegistry(cfg, workspace, msgBus)
	registry.MustRegister(tools.NewCronTool(cronSvc))

	subagents := tools.NewSubagentManager(provider, msgBus,
		func() *tools.Registry { return registry.Clone("spawn", "cron", "message") },
		tools.SubagentConfig{
			MaxConcurrent: cfg.Agents.Defaults.MaxSubagents,
			MaxIterations: cfg.Agents.Defaults.MaxToolIterations,
			Model:         cfg.Agents.Defaults.Model,
			MaxTokens:     cfg.Agents.Defaults.MaxTokens,
			Temperature:   cfg.Agents.Defaults.Temperature,
		})
	registry.MustRegister(tools.NewSpawnTool(subagents))

	mcpMgr := mcp.NewManager(registry, cfg.MCP.Servers)
	if err := mcpMgr.Start(ctx); err != nil {
		slog.Warn("mcp startup incomplete", "error", err)
	}
	defer mcpMgr.Stop()

	var credit *agent.CreditClient
	if cfg.Platform.URL != "" && cfg.Platform.CreditUserID != "" {
		credit = agent.NewCreditClient(cfg.Platform.URL, cfg.Platform.CreditUserID)
	}

	loop := agent.NewLoop(agent.LoopConfig{
		Provider:       provider,
		Model:          cfg.Agents.Defaults.Model,
		MaxTokens:      cfg.Agents.Defaults.MaxTokens,
		Temperature:    cfg.Agents.Defaults.Temperature,
		MaxIterations:  cfg.Agents.Defaults.MaxToolIterations,
		MaxToolRetries: cfg.Agents.Defaults.MaxToolRetries,
		HistoryLimit:   cfg.Agents.Defaults.HistoryLimit,
		Workspace:      workspace,
		Router:         msgBus,
		Sessions:       sessionsMgr,
		Tools:          registry,
		Credit:         credit,
		FreePlan:       cfg.Platform.FreePlan,
	})

	chMgr := channels.NewManager(msgBus)
	registerChannels(chMgr, cfg, msgBus, workspace)
	if err := chMgr.StartAll(ctx); err != nil {
		slog.Error("channel startup", "error", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return loop.Run(gctx) })
	g.Go(func() error { return cronSvc.Run(gctx) })
	g.Go(func() error { watchConfig(gctx, cfgPath); return nil })

	slog.Info("nanoclaw gateway running",
		"provider", provider.Name(),
		"model", cfg.Agents.Defaults.Model,
		"channels", chMgr.EnabledChannels(),
		"tools", len(registry.Names()))

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("gateway stopped", "error", err)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := chMgr.StopAll(stopCtx); err != nil {
		slog.Warn("channel shutdown", "error", err)
	}
	slog.Info("gateway shut down")
}

func setupLogging() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// sessionBackend opens the persistence backend named in the config.
// Unknown names fall back to the file store rather than failing startup.
func sessionBackend(cfg *config.Config) (store.SessionStore, error) {
	switch cfg.Sessions.Backend {
	case "sqlite":
		if err := os.MkdirAll(cfg.SessionsPath(), 0755); err != nil {
			return nil, err
		}
		return sqlite.NewSessionStore(filepath.Join(cfg.SessionsPath(), "sessions.db"))
	case "", "file":
		return file.NewSessionStore(cfg.SessionsPath())
	default:
		slog.Warn("unknown session backend, using file", "backend", cfg.Sessions.Backend)
		return file.NewSessionStore(cfg.SessionsPath())
	}
}

// buildToolRegistry registers the built-in tools. Cron and spawn are
// registered by the caller because they need the scheduler and the
// finished registry.
func buildToolRegistry(cfg *config.Config, workspace string, msgBus *bus.MessageBus) *tools.Registry {
	restrict := cfg.Agents.Defaults.RestrictToWorkspace

	registry := tools.NewRegistry()
	registry.MustRegister(tools.NewReadFileTool(workspace, restrict))
	registry.MustRegister(tools.NewWriteFileTool(workspace, restrict))
	registry.MustRegister(tools.NewEditFileTool(workspace, restrict))
	registry.MustRegister(tools.NewListDirTool(workspace, restrict))
	registry.MustRegister(tools.NewExecTool(workspace, restrict))
	registry.MustRegister(tools.NewMessageTool(msgBus))
	registry.MustRegister(tools.NewWebFetchTool(tools.WebFetchConfig{}))

	if search := tools.NewWebSearchTool(tools.WebSearchConfig{
		BraveAPIKey:     cfg.Tools.Web.Brave.APIKey,
		BraveEnabled:    cfg.Tools.Web.Brave.APIKey != "",
		BraveMaxResults: cfg.Tools.Web.Brave.MaxResults,
		DDGEnabled:      true,
		DDGMaxResults:   cfg.Tools.Web.Brave.MaxResults,
	}); search != nil {
		registry.MustRegister(search)
	}

	if cfg.Tools.Browser.Enabled {
		captchaProvider, captchaKey := resolveCaptcha(cfg.Tools.Captcha)
		registry.MustRegister(browser.New(browser.Config{
			Workspace:       workspace,
			Headful:         !cfg.Tools.Browser.Headless,
			CaptchaProvider: captchaProvider,
			CaptchaAPIKey:   captchaKey,
		}))
	}

	return registry
}

// resolveCaptcha picks the first configured solver vendor.
func resolveCaptcha(c config.CaptchaConfig) (provider, key string) {
	switch {
	case c.CapSolverAPIKey != "":
		return "capsolver", c.CapSolverAPIKey
	case c.TwoCaptchaAPIKey != "":
		return "2captcha", c.TwoCaptchaAPIKey
	case c.AntiCaptchaAPIKey != "":
		return "anticaptcha", c.AntiCaptchaAPIKey
	}
	return "", ""
}

func registerChannels(mgr *channels.Manager, cfg *config.Config, msgBus *bus.MessageBus, workspace string) {
	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token != "" {
		if ch, err := telegram.New(cfg.Channels.Telegram, msgBus, workspace); err != nil {
			slog.Error("telegram channel init", "error", err)
		} else {
			mgr.RegisterChannel("telegram", ch)
		}
	}
	if cfg.Channels.Slack.Enabled && cfg.Channels.Slack.BotToken != "" && cfg.Channels.Slack.AppToken != "" {
		if ch, err := slack.New(cfg.Channels.Slack, msgBus, workspace); err != nil {
			slog.Error("slack channel init", "error", err)
		} else {
			mgr.RegisterChannel("slack", ch)
		}
	}
	if cfg.Channels.Teams.Enabled && cfg.Channels.Teams.AppID != "" {
		if ch, err := teams.New(cfg.Channels.Teams, msgBus, workspace); err != nil {
			slog.Error("teams channel init", "error", err)
		} else {
			mgr.RegisterChannel("teams", ch)
		}
	}
	if cfg.Channels.WhatsApp.Enabled && cfg.Channels.WhatsApp.BridgeURL != "" {
		if ch, err := whatsapp.New(cfg.Channels.WhatsApp, msgBus, workspace); err != nil {
			slog.Error("whatsapp channel init", "error", err)
		} else {
			mgr.RegisterChannel("whatsapp", ch)
		}
	}
	if cfg.Channels.Discord.Enabled && cfg.Channels.Discord.Token != "" {
		if ch, err := discord.New(cfg.Channels.Discord, msgBus, workspace); err != nil {
			slog.Error("discord channel init", "error", err)
		} else {
			mgr.RegisterChannel("discord", ch)
		}
	}
}

// watchConfig watches the config file and logs when it changes. Config is
// read once at startup; a restart is required to apply changes.
func watchConfig(ctx context.Context, cfgPath string) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Debug("config watcher unavailable", "error", err)
		return
	}
	defer watcher.Close()

	if err := watcher.Add(cfgPath); err != nil {
		slog.Debug("config watcher unavailable", "path", cfgPath, "error", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Create) {
				slog.Info("config file changed, restart to apply", "path", cfgPath)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			slog.Debug("config watcher error", "error", err)
		}
	}
}
