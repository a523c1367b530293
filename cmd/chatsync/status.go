package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and account status",
	Long:  "Display the current configuration, the pending outbox and, when a token is set, the live account.",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Fprintln(out, "Configuration:")
		fmt.Fprintf(out, "  Server URL:  %s\n", valueOrDefault(cfg.Default.ServerURL, "(not set)"))
		if cfg.Default.APIURL != "" {
			fmt.Fprintf(out, "  API URL:     %s\n", cfg.Default.APIURL)
		}
		if cfg.Auth.Token != "" {
			fmt.Fprintf(out, "  Token:       %s\n", maskKey(cfg.Auth.Token))
		} else {
			fmt.Fprintln(out, "  Token:       (not set)")
		}
		fmt.Fprintf(out, "  User:        %s\n", valueOrDefault(cfg.Auth.UserID, "(unknown)"))

		opts := engineConfig(cfg)
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Sync:")
		fmt.Fprintf(out, "  Match window:      %s\n", opts.MatchWindow)
		fmt.Fprintf(out, "  Send timeout:      %s\n", opts.SendTimeout)
		fmt.Fprintf(out, "  Presence interval: %s\n", opts.PresenceInterval)

		if path, err := outboxPath(cfg); err == nil {
			ob, err := openOutbox(path)
			if err != nil {
				fmt.Fprintf(out, "  Outbox:            %v\n", err)
			} else {
				pending, _ := ob.List()
				ob.Close()
				fmt.Fprintf(out, "  Outbox:            %d pending (%s)\n", len(pending), path)
			}
		}

		if cfg.Auth.Token == "" || cfg.Default.ServerURL == "" {
			return nil
		}
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Live status:")
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		acct, err := newClient(cfg).Me(ctx)
		if err != nil {
			fmt.Fprintf(out, "  Error fetching account info: %v\n", err)
			return nil
		}
		fmt.Fprintf(out, "  User ID:   %s\n", acct.UserID)
		fmt.Fprintf(out, "  Full name: %s\n", valueOrDefault(acct.FullName, "(not set)"))
		return nil
	},
}
