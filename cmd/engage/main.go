package main

import (
	"fmt"
	"os"

	engage "github.com/Prismer-AI/engage-go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configFlag string
	debugFlag  bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Config file (default ~/.engage/config.toml)")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "Log at debug level to stderr")
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:           "engage",
	Short:         "Engagement sync CLI",
	Long:          "Command-line interface for the engage sync engine.\nManage the stored session and watch notifications, messages and typing live.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// ============================================================================
// Helpers
// ============================================================================

func configPath() (string, error) {
	if configFlag != "" {
		return configFlag, nil
	}
	return engage.DefaultConfigPath()
}

// readConfig returns the file contents only, for commands that write it back.
func readConfig() (*engage.Config, string, error) {
	path, err := configPath()
	if err != nil {
		return nil, "", err
	}
	cfg, err := engage.ReadConfig(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

// loadConfig returns the effective config: file, environment and defaults.
func loadConfig() (*engage.Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	return engage.LoadConfig(path)
}

func newLogger() (*zap.Logger, error) {
	if debugFlag {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	return cfg.Build()
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

// maskToken shows the first 8 and last 4 characters of a token.
func maskToken(token string) string {
	if len(token) <= 16 {
		return "****"
	}
	return token[:8] + "..." + token[len(token)-4:]
}
