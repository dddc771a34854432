package main

import (
	"fmt"
	"strconv"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/matheus3301/sessync/internal/api"
)

var (
	contactName     string
	contactNickname string
	contactApprove  bool
	contactBlock    bool
	contactUnblock  bool
	threadVariant   string
)

func init() {
	contactSetCmd.Flags().StringVar(&contactName, "name", "", "contact name")
	contactSetCmd.Flags().StringVar(&contactNickname, "nickname", "", "local nickname")
	contactSetCmd.Flags().BoolVar(&contactApprove, "approve", false, "approve the contact")
	contactSetCmd.Flags().BoolVar(&contactBlock, "block", false, "block the contact")
	contactSetCmd.Flags().BoolVar(&contactUnblock, "unblock", false, "unblock the contact")
	contactsCmd.AddCommand(contactListCmd, contactSetCmd, contactRemoveCmd)

	threadListCmd.Flags().StringVar(&threadVariant, "variant", "", "only threads of this variant (contact, note_to_self, group, community)")
	threadsCmd.AddCommand(threadListCmd, threadPriorityCmd)
	rootCmd.AddCommand(contactsCmd, threadsCmd)
}

var contactsCmd = &cobra.Command{
	Use:   "contacts",
	Short: "List and edit synced contacts",
}

var contactListCmd = &cobra.Command{
	Use:   "list",
	Short: "List contacts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd, api.MethodListContacts, nil, func(m map[string]any) {
			contacts := list(m, "contacts")
			if len(contacts) == 0 {
				fmt.Println("No contacts.")
				return
			}
			for _, c := range contacts {
				var marks string
				if flag(c, "blocked") {
					marks += color.RedString(" blocked")
				}
				if flag(c, "approved") {
					marks += color.GreenString(" approved")
				}
				name := str(c, "nickname")
				if name == "" {
					name = str(c, "name")
				}
				fmt.Printf("%s  %-20s%s\n", str(c, "id"), name, marks)
			}
		})
	},
}

var contactSetCmd = &cobra.Command{
	Use:   "set <account-id>",
	Short: "Create or edit a contact",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fields := map[string]any{"id": args[0]}
		if cmd.Flags().Changed("name") {
			fields["name"] = contactName
		}
		if cmd.Flags().Changed("nickname") {
			fields["nickname"] = contactNickname
		}
		if contactApprove {
			fields["approved"] = true
		}
		switch {
		case contactBlock && contactUnblock:
			return fmt.Errorf("--block and --unblock are exclusive")
		case contactBlock:
			fields["blocked"] = true
		case contactUnblock:
			fields["blocked"] = false
		}
		return run(cmd, api.MethodSetContact, fields, nil)
	},
}

var contactRemoveCmd = &cobra.Command{
	Use:   "remove <account-id>",
	Short: "Remove a contact",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd, api.MethodSetContact, map[string]any{"id": args[0], "erase": true}, nil)
	},
}

var threadsCmd = &cobra.Command{
	Use:   "threads",
	Short: "List conversations and set their priority",
}

var threadListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations, pinned first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		var fields map[string]any
		if threadVariant != "" {
			fields = map[string]any{"variant": threadVariant}
		}
		return run(cmd, api.MethodListThreads, fields, func(m map[string]any) {
			threads := list(m, "threads")
			if len(threads) == 0 {
				fmt.Println("No threads.")
				return
			}
			for _, t := range threads {
				state := ""
				if !flag(t, "visible") {
					state = color.HiBlackString(" hidden")
				} else if num(t, "priority") > 0 {
					state = color.CyanString(" pinned")
				}
				fmt.Printf("%-13s %s%s\n", str(t, "variant"), str(t, "id"), state)
			}
		})
	},
}

var threadPriorityCmd = &cobra.Command{
	Use:   "priority <id> <priority>",
	Short: "Pin (>0), unpin (0) or hide (-1) a conversation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("priority: %w", err)
		}
		return run(cmd, api.MethodSetThreadPriority, map[string]any{"id": args[0], "priority": p}, nil)
	},
}
