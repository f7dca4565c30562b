package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Davincible/llmgate/internal/process"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show gateway status",
	Long:  `Display the current status of the LLM gateway service.`,
	Run:   runStatus,
}

func runStatus(cmd *cobra.Command, _ []string) {
	procMgr := process.NewManager(baseDir)
	cfg := cfgMgr.Get()

	running := procMgr.IsRunning()
	endpoint := "http://" + net.JoinHostPort(cfg.Settings.Host, strconv.Itoa(cfg.Settings.Port))

	color.Blue("Status for %s:", AppName)
	fmt.Printf("  %-15s: %v\n", "Running", running)
	fmt.Printf("  %-15s: %d\n", "PID", procMgr.ReadPID())
	fmt.Printf("  %-15s: %s\n", "Host", cfg.Settings.Host)
	fmt.Printf("  %-15s: %d\n", "Port", cfg.Settings.Port)
	fmt.Printf("  %-15s: %s\n", "Endpoint", endpoint)
	fmt.Printf("  %-15s: %d (%d enabled)\n", "Providers", len(cfg.Providers), len(cfg.EnabledProviders()))
	fmt.Printf("  %-15s: %s\n", "Config Path", cfgMgr.GetPath())
	fmt.Printf("  %-15s: v%s\n", "Version", Version)

	if !running {
		return
	}

	if health, err := probeHealth(cmd.Context(), endpoint); err != nil {
		color.Yellow("  %-15s: %v", "Health", err)
	} else {
		fmt.Printf("  %-15s: %s\n", "Health", health)
	}
}

func probeHealth(ctx context.Context, endpoint string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/health", nil)
	if err != nil {
		return "", err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode health response: %w", err)
	}

	return body.Status, nil
}
