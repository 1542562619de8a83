package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/lemonhq/lemongate/pkg/protocol"
)

func cronCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Manage scheduled jobs on a running gateway",
	}
	cmd.AddCommand(cronListCmd())
	cmd.AddCommand(cronAddCmd())
	cmd.AddCommand(cronRemoveCmd())
	cmd.AddCommand(cronRunCmd())
	cmd.AddCommand(cronRunsCmd())
	return cmd
}

func cronListCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List scheduled jobs",
		Run: func(cmd *cobra.Command, args []string) {
			payload := mustCall(protocol.MethodCronList, map[string]any{})
			jobs, _ := payload["jobs"].([]any)
			if asJSON {
				printJSON(jobs)
				return
			}
			if len(jobs) == 0 {
				fmt.Println("No jobs scheduled.")
				return
			}
			for _, j := range jobs {
				job, _ := j.(map[string]any)
				if job == nil {
					continue
				}
				state := "off"
				if on, _ := job["enabled"].(bool); on {
					state = "on"
				}
				fmt.Printf("%-14s %-4s %-20s %-24s next=%s\n",
					str(job["id"]), state, str(job["schedule"]), str(job["name"]),
					msToTime(job["next_run_at_ms"]))
			}
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw JSON")
	return cmd
}

func cronAddCmd() *cobra.Command {
	var (
		name      string
		schedule  string
		prompt    string
		agentID   string
		timezone  string
		jitterSec int
		disabled  bool
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a scheduled job",
		Run: func(cmd *cobra.Command, args []string) {
			params := map[string]any{
				"name":     name,
				"schedule": schedule,
				"prompt":   prompt,
				"enabled":  !disabled,
			}
			if agentID != "" {
				params["agent_id"] = agentID
			}
			if timezone != "" {
				params["timezone"] = timezone
			}
			if jitterSec > 0 {
				params["jitter_sec"] = jitterSec
			}
			payload := mustCall(protocol.MethodCronAdd, params)
			job, _ := payload["job"].(map[string]any)
			fmt.Printf("Added job %s (%s)\n", str(job["id"]), str(job["schedule"]))
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "job name")
	cmd.Flags().StringVar(&schedule, "schedule", "", "cron expression, e.g. \"0 9 * * *\"")
	cmd.Flags().StringVar(&prompt, "prompt", "", "prompt to run")
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id (default: configured agent)")
	cmd.Flags().StringVar(&timezone, "tz", "", "IANA timezone for the schedule")
	cmd.Flags().IntVar(&jitterSec, "jitter", 0, "max random delay in seconds")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "create the job disabled")
	cmd.MarkFlagRequired("schedule")
	cmd.MarkFlagRequired("prompt")
	return cmd
}

func cronRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <job-id>",
		Short: "Remove a scheduled job",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			mustCall(protocol.MethodCronRemove, map[string]any{"job_id": args[0]})
			fmt.Printf("Removed job %s\n", args[0])
		},
	}
}

func cronRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <job-id>",
		Short: "Trigger a job immediately",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			payload := mustCall(protocol.MethodCronRun, map[string]any{"job_id": args[0]})
			run, _ := payload["run"].(map[string]any)
			fmt.Printf("Run %s: %s\n", str(run["id"]), str(run["status"]))
		},
	}
}

func cronRunsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs <job-id>",
		Short: "Show recent runs of a job",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			payload := mustCall(protocol.MethodCronRuns, map[string]any{
				"job_id": args[0],
				"limit":  limit,
			})
			runs, _ := payload["runs"].([]any)
			if len(runs) == 0 {
				fmt.Println("No runs recorded.")
				return
			}
			for _, r := range runs {
				run, _ := r.(map[string]any)
				if run == nil {
					continue
				}
				fmt.Printf("%-14s %-10s started=%s\n",
					str(run["id"]), str(run["status"]), msToTime(run["started_at_ms"]))
			}
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "max runs to show")
	return cmd
}

func mustCall(method string, params map[string]any) map[string]any {
	cfg := loadClientConfig()
	client, err := dialGateway(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	payload, err := client.call(method, params)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return payload
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(data))
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

// msToTime renders an epoch-ms payload value (float64 after JSON decode).
func msToTime(v any) string {
	ms, ok := v.(float64)
	if !ok || ms <= 0 {
		return "-"
	}
	return time.UnixMilli(int64(ms)).Format("2006-01-02 15:04")
}
