package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sajjad-MoBe/CloudLedger/node/src/internal/api"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage the API keys allowed to close ledgers over HTTP",
}

var issueKeyCmd = &cobra.Command{
	Use:   "issue <name>",
	Short: "Issue a key for a submitter",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		keys, err := openKeys(cmd)
		if err != nil {
			return err
		}
		key, err := keys.IssueAPIKey(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), key)
		return nil
	},
}

var revokeKeyCmd = &cobra.Command{
	Use:   "revoke <key>",
	Short: "Revoke a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		keys, err := openKeys(cmd)
		if err != nil {
			return err
		}
		return keys.RevokeAPIKey(args[0])
	},
}

func init() {
	keysCmd.AddCommand(issueKeyCmd, revokeKeyCmd)
	rootCmd.AddCommand(keysCmd)
}

func openKeys(cmd *cobra.Command) (*api.FileAPIKeyStore, error) {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return api.NewFileAPIKeyStore(cfg.DataDir)
}
