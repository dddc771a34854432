package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/sessync/internal/account"
	"github.com/matheus3301/sessync/internal/api"
)

var (
	accountFlag string
	jsonFlag    bool
	timeoutFlag time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "sessyncctl",
	Short: "Control a running sessyncd daemon",
	Long: `sessyncctl talks to the sessyncd daemon of one account over its control
socket.

Examples:
  # Create the account keys and start syncing
  sessyncctl account create

  # Show daemon status
  sessyncctl status

  # Create a group with one member
  sessyncctl group create team --member 05...`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&accountFlag, "account", "", "account name (overrides config default)")
	rootCmd.PersistentFlags().BoolVar(&jsonFlag, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().DurationVar(&timeoutFlag, "timeout", 30*time.Second, "request timeout")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error:"), err)
		os.Exit(1)
	}
}

func accountName() (string, error) {
	name := account.Resolve(accountFlag)
	if err := account.ValidateName(name); err != nil {
		return "", err
	}
	return name, nil
}

// call invokes one control method on the selected account's daemon.
func call(cmd *cobra.Command, method string, fields map[string]any) (*structpb.Struct, error) {
	name, err := accountName()
	if err != nil {
		return nil, err
	}
	c, err := api.Dial(account.SocketPath(name))
	if err != nil {
		return nil, fmt.Errorf("cannot connect to daemon for account %q: %w", name, err)
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(cmd.Context(), timeoutFlag)
	defer cancel()
	return c.Call(ctx, method, fields)
}

// run calls method and prints the response as JSON or through human.
func run(cmd *cobra.Command, method string, fields map[string]any, human func(map[string]any)) error {
	resp, err := call(cmd, method, fields)
	if err != nil {
		return err
	}
	if jsonFlag {
		out, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(resp)
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}
	if human != nil {
		human(resp.AsMap())
	} else {
		fmt.Println(color.GreenString("✓") + " " + method)
	}
	return nil
}

func str(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func num(m map[string]any, key string) int64 {
	f, _ := m[key].(float64)
	return int64(f)
}

func flag(m map[string]any, key string) bool {
	b, _ := m[key].(bool)
	return b
}

func list(m map[string]any, key string) []map[string]any {
	items, _ := m[key].([]any)
	out := make([]map[string]any, 0, len(items))
	for _, it := range items {
		if mm, ok := it.(map[string]any); ok {
			out = append(out, mm)
		}
	}
	return out
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
