package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lemonhq/lemongate/pkg/protocol"
)

func approveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <approval-id> <decision>",
		Short: "Resolve a pending exec approval",
		Long:  "Decisions: approve_once, approve_session, approve_agent, approve_global, deny.",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			mustCall(protocol.MethodApprovalResolve, map[string]any{
				"approval_id": args[0],
				"decision":    args[1],
			})
			fmt.Printf("Approval %s resolved: %s\n", args[0], args[1])
		},
	}
}
