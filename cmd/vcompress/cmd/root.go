// Package cmd implements the CLI commands for vcompress.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/jmylchreest/vcompress/internal/config"
	"github.com/jmylchreest/vcompress/internal/observability"
	"github.com/jmylchreest/vcompress/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var (
	// cfgFile holds the config file path from CLI flag.
	cfgFile string
	// cfg is the effective configuration, loaded before any command runs.
	cfg *config.Config
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "vcompress",
	Short:   "Re-encode phone videos at a preset quality",
	Version: version.Short(),
	Long: `vcompress exports videos at a smaller size while keeping the
orientation the camera recorded them in.

It reads H.264 and AAC tracks through ffmpeg, applies the rotation stored
in the source as a video composition, and writes MP4 or fragmented MP4.`,
	SilenceUsage: true,
	// PersistentPreRunE is set in init() to avoid initialization cycle
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	// Set PersistentPreRunE here to avoid initialization cycle
	// (initLogging references rootCmd.PersistentFlags)
	rootCmd.PersistentPreRunE = func(_ *cobra.Command, _ []string) error {
		if err := initConfig(); err != nil {
			return err
		}
		return initLogging()
	}

	// Global flags
	// Note: These flags are not bound to viper. They only override the
	// config/env values when set explicitly, which keeps the priority
	// CLI flag > env var > config > default.
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml, $HOME/.vcompress/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, json)")
}

// initConfig loads the config file and VCOMPRESS_ environment variables.
func initConfig() error {
	loaded, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	cfg = loaded
	return nil
}

// initLogging configures the slog logger based on configuration.
// Uses the observability package so sensitive values are redacted.
//
// Priority order (highest to lowest):
//  1. CLI flags (--log-level, --log-format) - only if explicitly provided
//  2. Environment variables (VCOMPRESS_LOGGING_LEVEL, VCOMPRESS_LOGGING_FORMAT)
//  3. Config file values
//  4. Built-in defaults (info, text)
func initLogging() error {
	logCfg := cfg.Logging
	flags := rootCmd.PersistentFlags()
	logCfg.Level = strings.ToLower(changedString(flags, "log-level", logCfg.Level))
	logCfg.Format = strings.ToLower(changedString(flags, "log-format", logCfg.Format))

	// Handle "warning" as an alias for "warn"
	if logCfg.Level == "warning" {
		logCfg.Level = "warn"
	}

	logger := observability.NewLoggerWithWriter(logCfg, os.Stderr)
	logger = logger.With(slog.String("app", version.ApplicationName))
	observability.SetDefault(logger)

	return nil
}

// changedString returns the flag's value when the user set it, and current
// otherwise.
func changedString(flags *pflag.FlagSet, name, current string) string {
	if !flags.Changed(name) {
		return current
	}
	v, err := flags.GetString(name)
	if err != nil {
		return current
	}
	return v
}
