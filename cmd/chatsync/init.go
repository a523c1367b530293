package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var initSkipVerify bool

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().BoolVar(&initSkipVerify, "offline", false, "store the token without looking up the account")
}

var initCmd = &cobra.Command{
	Use:   "init <server-url> <token>",
	Short: "Store server and token in ~/.chatsync/config.toml",
	Long:  "Initialize chatsync by storing the server URL and your token, then look up the account the token belongs to.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg.Default.ServerURL = args[0]
		cfg.Auth.Token = args[1]

		if !initSkipVerify {
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			acct, err := newClient(cfg).Me(ctx)
			if err != nil {
				return fmt.Errorf("token check failed (use --offline to skip): %w", err)
			}
			cfg.Auth.UserID = acct.UserID
			cfg.Auth.FullName = acct.FullName
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		path, _ := configPath()
		fmt.Fprintf(cmd.OutOrStdout(), "Configuration saved to %s\n", path)
		if cfg.Auth.UserID != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "Signed in as %s (%s)\n", valueOrDefault(cfg.Auth.FullName, "(no name)"), cfg.Auth.UserID)
		}
		return nil
	},
}
