package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lemonhq/lemongate/internal/config"
	"github.com/lemonhq/lemongate/pkg/protocol"
)

// Version is set at build time via -ldflags "-X github.com/lemonhq/lemongate/cmd.Version=v1.0.0"
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "lemongate",
	Short: "lemongate — multi-channel agent automation gateway",
	Long:  "Lemongate routes chat messages from Telegram, Discord and XMTP into agent runs, schedules cron jobs and heartbeats, and exposes a WebSocket control plane.",
	Run: func(cmd *cobra.Command, args []string) {
		runGateway()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.lemongate/config.json5 or $LEMONGATE_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(onboardCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(cronCmd())
	rootCmd.AddCommand(approveCmd())
	rootCmd.AddCommand(statusCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("lemongate %s (protocol %d)\n", Version, protocol.ProtocolVersion)
		},
	}
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("LEMONGATE_CONFIG"); v != "" {
		return v
	}
	return config.ExpandHome("~/.lemongate/config.json5")
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
