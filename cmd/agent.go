package cmd

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/nanoclaw/internal/agent"
	"github.com/nextlevelbuilder/nanoclaw/internal/bus"
	"github.com/nextlevelbuilder/nanoclaw/internal/config"
	"github.com/nextlevelbuilder/nanoclaw/internal/mcp"
	"github.com/nextlevelbuilder/nanoclaw/internal/providers"
	"github.com/nextlevelbuilder/nanoclaw/internal/sessions"
	"github.com/nextlevelbuilder/nanoclaw/internal/tools"
)

func agentCmd() *cobra.Command {
	var message string

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Chat with the agent directly in the terminal",
		Run: func(cmd *cobra.Command, args []string) {
			runAgentChat(message)
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "send one message and exit")
	return cmd
}

func runAgentChat(message string) {
	setupLogging()

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	if !cfg.HasAnyProvider() {
		fmt.Println("No LLM provider configured. Run: nanoclaw onboard")
		os.Exit(1)
	}

	workspace := cfg.WorkspacePath()
	if err := os.MkdirAll(workspace, 0755); err != nil {
		slog.Error("create workspace", "path", workspace, "error", err)
		os.Exit(1)
	}

	provider, err := providers.Resolve(cfg)
	if err != nil {
		slog.Error("resolve provider", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := sessionBackend(cfg)
	if err != nil {
		slog.Error("open session store", "error", err)
		os.Exit(1)
	}
	defer backend.Close()

	msgBus := bus.NewMessageBus(bus.DefaultQueueSize)
	msgBus.RegisterOutbound("cli")
	registry := buildToolRegistry(cfg, workspace, msgBus)

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
		Sessions:       sessions.NewManager(backend),
		Tools:          registry,
	})

	// Messages that tools route back (message tool, subagent results)
	// land on the cli outbound partition.
	go drainCLIOutbound(ctx, msgBus)

	if message != "" {
		reply, err := loop.RunDirect(ctx, message)
		if err != nil {
			slog.Error("agent", "error", err)
			os.Exit(1)
		}
		fmt.Println(reply)
		return
	}

	runREPL(ctx, loop, cfg.Agents.Defaults.Model)
}

// chatLabel pads speaker names to a fixed display width so replies line
// up regardless of label length or wide runes.
func chatLabel(name string) string {
	return runewidth.FillRight(name, 8)
}

func runREPL(ctx context.Context, loop *agent.Loop, model string) {
	fmt.Printf("nanoclaw %s (%s) — type a message, or exit to quit\n\n", Version, model)

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		fmt.Print(chatLabel("you") + "> ")
		if !scanner.Scan() {
			fmt.Println()
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return
		}

		reply, err := loop.RunDirect(ctx, line)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			fmt.Printf("%s> error: %v\n", chatLabel("agent"), err)
			continue
		}
		fmt.Printf("%s> %s\n", chatLabel("agent"), reply)
	}
}

// drainCLIOutbound prints asynchronous messages (announcements from the
// message tool, finished subagent tasks) that target the cli channel.
func drainCLIOutbound(ctx context.Context, msgBus *bus.MessageBus) {
	for ctx.Err() == nil {
		msg, ok := msgBus.ConsumeOutbound(ctx, "cli", time.Second)
		if !ok {
			continue
		}
		fmt.Printf("\n%s> %s\n", chatLabel("async"), msg.Content)
	}
}
