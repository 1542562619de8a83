package cmd

import (
	"github.com/spf13/cobra"

	"github.com/lemonhq/lemongate/pkg/protocol"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show gateway status",
		Run: func(cmd *cobra.Command, args []string) {
			printJSON(mustCall(protocol.MethodStatus, map[string]any{}))
		},
	}
}
