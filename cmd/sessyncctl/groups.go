package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/matheus3301/sessync/internal/api"
)

var (
	groupMembers    []string
	groupSupplement bool
	groupPurge      bool
)

func init() {
	groupCreateCmd.Flags().StringSliceVar(&groupMembers, "member", nil, "member account id (repeatable)")
	groupAddCmd.Flags().BoolVar(&groupSupplement, "supplement", false, "send the current keys to the new members instead of rekeying")
	groupRemoveCmd.Flags().BoolVar(&groupPurge, "purge", false, "also delete the removed members' messages")
	groupCmd.AddCommand(groupListCmd, groupCreateCmd, groupAddCmd, groupRemoveCmd, groupRekeyCmd)
	rootCmd.AddCommand(groupCmd)
}

var groupCmd = &cobra.Command{
	Use:   "group",
	Short: "Manage groups and their keys",
}

var groupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List joined groups",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd, api.MethodListGroups, nil, func(m map[string]any) {
			groups := list(m, "groups")
			if len(groups) == 0 {
				fmt.Println("No groups.")
				return
			}
			for _, g := range groups {
				role := "member"
				if flag(g, "admin") {
					role = color.CyanString("admin")
				}
				fmt.Printf("%s  %-20s %-6s %d members  %s\n",
					str(g, "id"), str(g, "name"), role, num(g, "members"), str(g, "key_status"))
			}
		})
	},
}

var groupCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a group administered by this account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fields := map[string]any{"name": args[0], "members": toAny(groupMembers)}
		return run(cmd, api.MethodCreateGroup, fields, func(m map[string]any) {
			fmt.Println(color.GreenString("✓") + " Group created")
			fmt.Println("  ID: " + color.YellowString(str(m, "group_id")))
		})
	},
}

var groupAddCmd = &cobra.Command{
	Use:   "add <group-id> <account-id>...",
	Short: "Add members to a group",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd, api.MethodAddMembers, map[string]any{
			"group_id":   args[0],
			"members":    toAny(args[1:]),
			"supplement": groupSupplement,
		}, nil)
	},
}

var groupRemoveCmd = &cobra.Command{
	Use:   "remove <group-id> <account-id>...",
	Short: "Remove members from a group and rekey",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd, api.MethodRemoveMembers, map[string]any{
			"group_id": args[0],
			"members":  toAny(args[1:]),
			"purge":    groupPurge,
		}, nil)
	},
}

var groupRekeyCmd = &cobra.Command{
	Use:   "rekey <group-id>",
	Short: "Issue a new group key generation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd, api.MethodRekey, map[string]any{"group_id": args[0]}, nil)
	},
}
