package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"github.com/matheus3301/sessync/internal/api"
)

var (
	accountSeed string
	profileName string
	profilePic  string
	profileKey  string
)

func init() {
	accountCreateCmd.Flags().StringVar(&accountSeed, "seed", "", "restore an existing account from its hex seed")
	profileCmd.Flags().StringVar(&profileName, "name", "", "display name")
	profileCmd.Flags().StringVar(&profilePic, "pic-url", "", "profile picture URL")
	profileCmd.Flags().StringVar(&profileKey, "pic-key", "", "profile picture key (hex)")
	accountCmd.AddCommand(accountCreateCmd, accountQRCmd, profileCmd)
	rootCmd.AddCommand(accountCmd)
}

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Manage the account keys and profile",
}

var accountCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create account keys, or restore them with --seed",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		fields := map[string]any{}
		if accountSeed != "" {
			fields["seed"] = accountSeed
		}
		return run(cmd, api.MethodCreateAccount, fields, func(m map[string]any) {
			fmt.Println(color.GreenString("✓") + " Account ready")
			fmt.Println("  ID: " + color.YellowString(str(m, "account_id")))
		})
	},
}

var accountQRCmd = &cobra.Command{
	Use:   "qr",
	Short: "Show the account ID as a QR code",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		resp, err := call(cmd, api.MethodStatus, nil)
		if err != nil {
			return err
		}
		id := str(resp.AsMap(), "account_id")
		if id == "" {
			return fmt.Errorf("account has no keys yet; run sessyncctl account create")
		}
		qr, err := qrcode.New(id, qrcode.Low)
		if err != nil {
			return err
		}
		fmt.Print(qr.ToSmallString(false))
		fmt.Println(id)
		return nil
	},
}

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Edit the synced profile",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		fields := map[string]any{}
		if cmd.Flags().Changed("name") {
			fields["name"] = profileName
		}
		if cmd.Flags().Changed("pic-url") {
			fields["pic_url"] = profilePic
			fields["pic_key"] = profileKey
		}
		if len(fields) == 0 {
			return fmt.Errorf("nothing to change")
		}
		return run(cmd, api.MethodSetProfile, fields, nil)
	},
}
