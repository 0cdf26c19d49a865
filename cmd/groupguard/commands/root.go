// Package commands implements the groupguard CLI using cobra.
package commands

import (
	"log/slog"
	"os"
	"strings"

	"github.com/jholhewres/groupguard/pkg/groupguard/config"
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command with every subcommand registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "groupguard",
		Short: "GroupGuard - WhatsApp group governance bot",
		Long: `GroupGuard watches WhatsApp groups and reverts membership changes
made by anyone other than the group owner: removed members are re-added,
unauthorized promoters and demoters are kicked.

Examples:
  groupguard serve
  groupguard serve --config ./config.yaml
  groupguard reports --group 120363000000000001@g.us
  groupguard config validate`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newConfigCmd(),
		newReportsCmd(),
		newHealthCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}

// loadConfig loads the file named by --config, or the first one found in
// the standard locations, or the defaults.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	return config.Load(path)
}

// newLogger builds the slog logger described by the logging section.
func newLogger(cmd *cobra.Command, cfg config.LoggingConfig) *slog.Logger {
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")

	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
