package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/matheus3301/sessync/internal/api"
	"github.com/matheus3301/sessync/internal/status"
)

func init() {
	rootCmd.AddCommand(statusCmd, syncCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd, api.MethodStatus, nil, func(m map[string]any) {
			fmt.Printf("Account: %s\n", str(m, "account"))
			if id := str(m, "account_id"); id != "" {
				fmt.Printf("ID:      %s\n", color.YellowString(id))
			}
			fmt.Printf("Status:  %s\n", colorState(status.State(str(m, "status"))))
			fmt.Printf("Uptime:  %s\n", (time.Duration(num(m, "uptime_ms")) * time.Millisecond).Round(time.Second))
			fmt.Printf("Groups:  %d\n", num(m, "groups"))
			if pollers, _ := m["pollers"].([]any); len(pollers) > 0 {
				fmt.Printf("Pollers: %d\n", len(pollers))
			}
		})
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Poll every identity and push pending changes now",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd, api.MethodSyncNow, nil, func(map[string]any) {
			fmt.Println(color.GreenString("✓") + " Synced")
		})
	},
}

func colorState(s status.State) string {
	switch s {
	case status.Ready:
		return color.GreenString(string(s))
	case status.Degraded, status.KeysRequired:
		return color.YellowString(string(s))
	case status.Stopping:
		return color.RedString(string(s))
	default:
		return color.CyanString(string(s))
	}
}
