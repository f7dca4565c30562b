package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Davincible/llmgate/internal/config"
	"github.com/Davincible/llmgate/internal/metrics"
	"github.com/Davincible/llmgate/internal/process"
	"github.com/Davincible/llmgate/internal/router"
	"github.com/Davincible/llmgate/internal/server"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the gateway",
	Long:  `Start the LLM gateway in the foreground, or in the background with --detach.`,
	RunE:  runStart,
}

func init() {
	startCmd.Flags().BoolP("detach", "d", false, "run the gateway in the background")
}

func runStart(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	procMgr := process.NewManager(baseDir)

	if detach, _ := cmd.Flags().GetBool("detach"); detach {
		started, err := procMgr.StartDetached("start", "--config-dir", baseDir)
		if err != nil {
			return err
		}
		if !started {
			color.Yellow("Service is already running (pid %d)", procMgr.ReadPID())
			return nil
		}
		color.Green("%s started in the background (pid %d)", AppName, procMgr.ReadPID())

		return nil
	}

	if procMgr.IsRunning() {
		return errors.New("service is already running; stop it first")
	}

	color.Green("Starting %s v%s...", AppName, Version)
	logger.Info("Starting server",
		"host", cfg.Settings.Host,
		"port", cfg.Settings.Port,
		"providers", len(cfg.Providers),
		"config", cfgMgr.GetPath(),
	)

	if err := procMgr.WritePID(); err != nil {
		return err
	}
	defer func() {
		if err := procMgr.CleanupPID(); err != nil {
			logger.Warn("Failed to remove pid file", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt := router.New(cfgMgr, registry, router.WithLogger(logger))
	srv := server.New(cfgMgr, registry, rt, metrics.New(), logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	g.Go(func() error {
		return cfgMgr.Watch(gctx, logger, func(next *config.Config) {
			logger.Debug("Serving reloaded configuration", "providers", next.EnabledProviders())
		})
	})

	return g.Wait()
}
