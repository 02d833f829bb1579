package cmd

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/nanoclaw/internal/config"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("nanoclaw doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Println("  Providers:")
	checkProvider("Anthropic", cfg.Providers.Anthropic.APIKey)
	checkProvider("OpenAI", cfg.Providers.OpenAI.APIKey)
	checkProvider("OpenRouter", cfg.Providers.OpenRouter.APIKey)
	checkProvider("Groq", cfg.Providers.Groq.APIKey)

	fmt.Println()
	fmt.Println("  Channels:")
	checkChannel("Telegram", cfg.Channels.Telegram.Enabled, cfg.Channels.Telegram.Token != "")
	checkChannel("Slack", cfg.Channels.Slack.Enabled, cfg.Channels.Slack.BotToken != "" && cfg.Channels.Slack.AppToken != "")
	checkChannel("Teams", cfg.Channels.Teams.Enabled, cfg.Channels.Teams.AppID != "")
	checkChannel("WhatsApp", cfg.Channels.WhatsApp.Enabled, cfg.Channels.WhatsApp.BridgeURL != "")
	checkChannel("Discord", cfg.Channels.Discord.Enabled, cfg.Channels.Discord.Token != "")

	if cfg.Channels.WhatsApp.Enabled {
		checkBridge(cfg.Channels.WhatsApp.BridgeURL)
	}

	fmt.Println()
	fmt.Println("  Sessions:")
	fmt.Printf("    %s %s (%s)\n", pad("Backend:"), orDefault(cfg.Sessions.Backend, "file"), cfg.SessionsPath())

	fmt.Println()
	fmt.Println("  External Tools:")
	checkBinary("docker")
	checkBinary("curl")
	checkBinary("git")

	fmt.Println()
	checkWorkspace(cfg.WorkspacePath())

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

// pad aligns labels by display width so columns line up even when a
// label contains wide runes.
func pad(label string) string {
	return runewidth.FillRight(label, 12)
}

func orDefault(val, fallback string) string {
	if val != "" {
		return val
	}
	return fallback
}

func checkProvider(name, apiKey string) {
	if apiKey == "" {
		fmt.Printf("    %s (not configured)\n", pad(name+":"))
		return
	}
	masked := apiKey
	if len(apiKey) > 8 {
		masked = apiKey[:4] + strings.Repeat("*", len(apiKey)-8) + apiKey[len(apiKey)-4:]
	}
	fmt.Printf("    %s %s\n", pad(name+":"), masked)
}

func checkChannel(name string, enabled, hasCredentials bool) {
	status := "disabled"
	if enabled && hasCredentials {
		status = "enabled"
	} else if enabled {
		status = "enabled (missing credentials)"
	}
	fmt.Printf("    %s %s\n", pad(name+":"), status)
}

// checkBridge probes the WhatsApp bridge with a plain TCP dial.
func checkBridge(bridgeURL string) {
	u, err := url.Parse(bridgeURL)
	if err != nil || u.Host == "" {
		fmt.Printf("    %s invalid URL (%s)\n", pad("Bridge:"), bridgeURL)
		return
	}
	host := u.Host
	if u.Port() == "" {
		host = net.JoinHostPort(u.Hostname(), "3001")
	}
	conn, err := net.DialTimeout("tcp", host, 2*time.Second)
	if err != nil {
		fmt.Printf("    %s UNREACHABLE (%s)\n", pad("Bridge:"), host)
		return
	}
	conn.Close()
	fmt.Printf("    %s reachable (%s)\n", pad("Bridge:"), host)
}

func checkBinary(name string) {
	path, err := exec.LookPath(name)
	if err != nil {
		fmt.Printf("    %s NOT FOUND\n", pad(name+":"))
	} else {
		fmt.Printf("    %s %s\n", pad(name+":"), path)
	}
}

func checkWorkspace(ws string) {
	fmt.Printf("  Workspace: %s", ws)
	if _, err := os.Stat(ws); err != nil {
		fmt.Println(" (NOT FOUND)")
		return
	}
	probe := filepath.Join(ws, ".doctor-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0644); err != nil {
		fmt.Println(" (NOT WRITABLE)")
		return
	}
	os.Remove(probe)
	fmt.Println(" (OK)")
}
