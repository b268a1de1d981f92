package main

import (
	"fmt"

	engage "github.com/Prismer-AI/engage-go"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configShowCmd.Flags().BoolVar(&configShowEffective, "effective", false, "Include environment overrides and defaults")
}

var configShowEffective bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage engage configuration",
	Long:  "View or modify the configuration stored in ~/.engage/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		var cfg *engage.Config
		var err error
		if configShowEffective {
			cfg, err = loadConfig()
		} else {
			cfg, _, err = readConfig()
		}
		if err != nil {
			return err
		}
		if cfg.Auth.Token != "" {
			cfg.Auth.Token = maskToken(cfg.Auth.Token)
		}
		data, err := toml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("cannot marshal config: %w", err)
		}
		fmt.Fprint(cmd.OutOrStdout(), string(data))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: engage config set realtime.heartbeat_interval 20s",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, path, err := readConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := cfg.Set(key, value); err != nil {
			return err
		}
		if err := engage.SaveConfig(path, cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, value)
		return nil
	},
}
