package cmd

import (
	"errors"
	"fmt"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/nanoclaw/internal/config"
)

// modelHints are the default models offered per provider during onboarding.
var modelHints = map[string]string{
	"anthropic":  "claude-sonnet-4-5-20250929",
	"openai":     "gpt-4.1",
	"openrouter": "anthropic/claude-sonnet-4.5",
	"groq":       "llama-3.3-70b-versatile",
}

func onboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Interactive first-run setup",
		Run: func(cmd *cobra.Command, args []string) {
			runOnboard(resolveConfigPath())
		},
	}
}

// runOnboard walks through provider and channel setup and writes the
// config file. Returns false when the user aborts or the save fails.
func runOnboard(cfgPath string) bool {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		cfg = config.Default()
	}

	provider := cfg.Agents.Defaults.Provider
	var apiKey, model string
	var telegramToken, discordToken string

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("LLM provider").
				Options(
					huh.NewOption("Anthropic", "anthropic"),
					huh.NewOption("OpenAI", "openai"),
					huh.NewOption("OpenRouter", "openrouter"),
					huh.NewOption("Groq", "groq"),
				).
				Value(&provider),
			huh.NewInput().
				Title("API key").
				EchoMode(huh.EchoModePassword).
				Validate(func(s string) error {
					if s == "" {
						return errors.New("API key is required")
					}
					return nil
				}).
				Value(&apiKey),
			huh.NewInput().
				Title("Model").
				Description("leave empty for the provider default").
				Value(&model),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Telegram bot token").
				Description("leave empty to skip").
				Value(&telegramToken),
			huh.NewInput().
				Title("Discord bot token").
				Description("leave empty to skip").
				Value(&discordToken),
		),
	)

	if err := form.Run(); err != nil {
		fmt.Println("Onboarding aborted.")
		return false
	}

	cfg.Agents.Defaults.Provider = provider
	if model != "" {
		cfg.Agents.Defaults.Model = model
	} else if hint, ok := modelHints[provider]; ok {
		cfg.Agents.Defaults.Model = hint
	}

	switch provider {
	case "anthropic":
		cfg.Providers.Anthropic.APIKey = apiKey
	case "openai":
		cfg.Providers.OpenAI.APIKey = apiKey
	case "openrouter":
		cfg.Providers.OpenRouter.APIKey = apiKey
	case "groq":
		cfg.Providers.Groq.APIKey = apiKey
	}

	if telegramToken != "" {
		cfg.Channels.Telegram.Enabled = true
		cfg.Channels.Telegram.Token = telegramToken
	}
	if discordToken != "" {
		cfg.Channels.Discord.Enabled = true
		cfg.Channels.Discord.Token = discordToken
	}

	if err := config.Save(cfgPath, cfg); err != nil {
		fmt.Printf("Could not save config: %v\n", err)
		return false
	}

	fmt.Printf("Config saved to %s\n", cfgPath)
	fmt.Println("Run: nanoclaw gateway")
	return true
}
