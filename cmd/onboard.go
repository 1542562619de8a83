package cmd

import (
	"fmt"
	"os"
	"strconv"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/lemonhq/lemongate/internal/config"
)

func onboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Interactive setup wizard",
		Run: func(cmd *cobra.Command, args []string) {
			runOnboard()
		},
	}
}

func runOnboard() {
	cfgPath := resolveConfigPath()
	cfg := config.Default()

	port := strconv.Itoa(cfg.Gateway.Port)
	enableTelegram := false
	enableDiscord := false

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Agent id").
				Description("Name used in session keys and logs").
				Value(&cfg.Agent.ID),
			huh.NewInput().
				Title("Workspace directory").
				Value(&cfg.Agent.Workspace),
			huh.NewSelect[string]().
				Title("Storage backend").
				Options(
					huh.NewOption("SQLite (single file, recommended)", "sqlite"),
					huh.NewOption("Postgres (shared deployments)", "postgres"),
					huh.NewOption("In-memory (testing only)", "memory"),
				).
				Value(&cfg.Store.Backend),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Gateway port").
				Validate(func(s string) error {
					n, err := strconv.Atoi(s)
					if err != nil || n < 1 || n > 65535 {
						return fmt.Errorf("enter a port between 1 and 65535")
					}
					return nil
				}).
				Value(&port),
			huh.NewConfirm().
				Title("Enable Telegram channel?").
				Value(&enableTelegram),
			huh.NewConfirm().
				Title("Enable Discord channel?").
				Value(&enableDiscord),
			huh.NewSelect[string]().
				Title("Direct message policy").
				Description("Who may DM the agent on chat channels").
				Options(
					huh.NewOption("Open (anyone)", config.DMPolicyOpen),
					huh.NewOption("Allowlist only", config.DMPolicyAllowlist),
					huh.NewOption("Disabled", config.DMPolicyDisabled),
				).
				Value(&cfg.Channels.Telegram.DMPolicy),
		),
	)

	if err := form.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Setup aborted: %v\n", err)
		os.Exit(1)
	}

	cfg.Gateway.Port, _ = strconv.Atoi(port)
	cfg.Channels.Telegram.Enabled = enableTelegram
	cfg.Channels.Discord.Enabled = enableDiscord
	cfg.Channels.Discord.DMPolicy = cfg.Channels.Telegram.DMPolicy

	if err := config.Save(cfgPath, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("\nConfig written to %s\n\n", cfgPath)
	fmt.Println("Secrets are read from the environment, never from the config file:")
	fmt.Println("  LEMONGATE_GATEWAY_TOKEN   control-plane auth token")
	if enableTelegram {
		fmt.Println("  LEMONGATE_TELEGRAM_TOKEN  Telegram bot token")
	}
	if enableDiscord {
		fmt.Println("  LEMONGATE_DISCORD_TOKEN   Discord bot token")
	}
	if cfg.Store.Backend == "postgres" {
		fmt.Println("  LEMONGATE_POSTGRES_DSN    Postgres connection string")
	}
	fmt.Println("\nStart the gateway with:  lemongate")
}
