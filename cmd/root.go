package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fatih/color"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/Davincible/llmgate/internal/config"
	"github.com/Davincible/llmgate/internal/providers"
)

const (
	AppName = "llmgate"
	Version = "0.3.0"

	logFilename = "llmgate.log"
	envFilename = ".env"
)

var (
	logger   *slog.Logger
	baseDir  string
	cfgMgr   *config.Manager
	registry *providers.Registry
	logClose func() error
)

var rootCmd = &cobra.Command{
	Use:   "llmgate",
	Short: "llmgate - unified LLM gateway",
	Long: `A gateway that accepts one chat-completion format, routes each request to a
configured provider and model, and falls back across models when a provider is
out of quota.`,
	Version:           Version,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	PersistentPostRun: func(*cobra.Command, []string) {
		if logClose != nil {
			_ = logClose()
		}
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		if logger != nil {
			logger.Debug("Command execution failed", "error", err)
		}
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable verbose logging")
	rootCmd.PersistentFlags().BoolP("log-file", "l", false, "also write JSON logs to the config directory")
	rootCmd.PersistentFlags().String("config-dir", "", "configuration directory (default ~/."+AppName+")")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(providerCmd)
	rootCmd.AddCommand(routerCmd)
	rootCmd.AddCommand(presetCmd)
	rootCmd.AddCommand(askCmd)

	registry = providers.NewRegistry()
	registry.Initialize()
}

func setup(cmd *cobra.Command, _ []string) error {
	dir, _ := cmd.Flags().GetString("config-dir")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("get home directory: %w", err)
		}
		dir = filepath.Join(home, "."+AppName)
	}
	baseDir = dir
	cfgMgr = config.NewManager(baseDir)

	verbose, _ := cmd.Flags().GetBool("verbose")
	logFile, _ := cmd.Flags().GetBool("log-file")

	return setupLogging(verbose, logFile)
}

func setupLogging(verbose, logFile bool) error {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	var handler slog.Handler = tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.TimeOnly,
		NoColor:    color.NoColor,
	})

	if logFile {
		if err := os.MkdirAll(baseDir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}

		f, err := os.OpenFile(filepath.Join(baseDir, logFilename), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		logClose = f.Close

		handler = fanout{handler, slog.NewJSONHandler(f, &slog.HandlerOptions{Level: level})}
	}

	logger = slog.New(handler)
	slog.SetDefault(logger)

	return nil
}

func ensureConfigExists() error {
	if !cfgMgr.Exists() {
		color.Yellow("Configuration not found in %s", baseDir)
		fmt.Printf("Run '%s config init' to set up your configuration\n", AppName)
		return fmt.Errorf("configuration required")
	}

	return nil
}

func loadConfig() (*config.Config, error) {
	if err := ensureConfigExists(); err != nil {
		return nil, err
	}

	cfg, err := cfgMgr.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	return cfg, nil
}
