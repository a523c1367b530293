package main

import (
	"fmt"
	"io"
	"os"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage chatsync configuration",
	Long:  "View or modify the chatsync configuration stored in ~/.chatsync/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the configuration and the sync settings in effect",
	Long: "Print ~/.chatsync/config.toml with the token masked, followed by the sync\n" +
		"settings the engine will run with. Unset or invalid values fall back to defaults.",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		path, err := configPath()
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			fmt.Fprintln(out, "No configuration file found. Run 'chatsync init <server-url> <token>' to create one.")
		} else {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			shown := *cfg
			if shown.Auth.Token != "" {
				shown.Auth.Token = maskKey(shown.Auth.Token)
			}
			data, err := toml.Marshal(&shown)
			if err != nil {
				return fmt.Errorf("cannot encode config: %w", err)
			}
			fmt.Fprint(out, string(data))
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		return printSyncSettings(out, cfg)
	},
}

// printSyncSettings lists the values engineConfig and outboxPath resolve,
// marking the ones that fell back to a default.
func printSyncSettings(w io.Writer, cfg *Config) error {
	opts := engineConfig(cfg)
	ob, err := outboxPath(cfg)
	if err != nil {
		return err
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Sync settings in effect:")
	fmt.Fprintf(w, "  %-18s %s%s\n", "match_window", opts.MatchWindow, settingSource(cfg.Sync.MatchWindow))
	fmt.Fprintf(w, "  %-18s %s%s\n", "send_timeout", opts.SendTimeout, settingSource(cfg.Sync.SendTimeout))
	fmt.Fprintf(w, "  %-18s %s%s\n", "presence_interval", opts.PresenceInterval, settingSource(cfg.Sync.PresenceInterval))
	outboxNote := ""
	if cfg.Sync.OutboxPath == "" {
		outboxNote = " (default)"
	}
	fmt.Fprintf(w, "  %-18s %s%s\n", "outbox_path", ob, outboxNote)
	return nil
}

func settingSource(raw string) string {
	switch {
	case raw == "":
		return " (default)"
	case parseDuration(raw) == 0:
		return fmt.Sprintf(" (default, %q is not a duration)", raw)
	}
	return ""
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: chatsync config set sync.send_timeout 10s",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, value)
		return nil
	},
}
