package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Davincible/llmgate/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long:  `Manage the LLM gateway configuration.`,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration interactively",
	Long:  `Initialize configuration by prompting for provider details, or write an annotated example with --example.`,
	RunE:  runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  `Display the current configuration with secrets masked.`,
	RunE:  runConfigShow,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration",
	Long:  `Validate the current configuration for errors.`,
	RunE:  runConfigValidate,
}

func init() {
	configInitCmd.Flags().Bool("example", false, "write an annotated example config.yaml instead of prompting")
	configInitCmd.Flags().Bool("force", false, "overwrite an existing configuration")

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)
}

func runConfigInit(cmd *cobra.Command, _ []string) error {
	if force, _ := cmd.Flags().GetBool("force"); cfgMgr.Exists() && !force {
		color.Yellow("Configuration already exists at %s (use --force to overwrite)", cfgMgr.GetPath())
		return nil
	}

	if example, _ := cmd.Flags().GetBool("example"); example {
		if err := cfgMgr.CreateExampleYAML(); err != nil {
			return err
		}
		color.Green("Example configuration written to: %s", cfgMgr.GetPath())

		return nil
	}

	color.Blue("LLM Gateway Configuration Setup")
	color.Yellow("Follow the prompts to configure your first provider.")

	reader := bufio.NewReader(cmd.InOrStdin())
	prompt := func(label string) string {
		fmt.Print(label)
		line, _ := reader.ReadString('\n')
		return strings.TrimSpace(line)
	}

	providerName := prompt("\nProvider Name (e.g., openrouter, openai): ")
	if providerName == "" {
		return errors.New("provider name is required")
	}
	apiKey := prompt("API Key: ")
	baseURL := prompt(fmt.Sprintf("API Base URL [%s]: ", config.DefaultProviderURLs[strings.ToLower(providerName)]))
	model := prompt("Default Model: ")
	gatewayKey := prompt("Gateway API Key (optional, for authentication): ")

	provider := config.ProviderConfig{
		Name:    providerName,
		APIBase: baseURL,
		APIKey:  apiKey,
	}
	if model != "" {
		provider.Models = []string{model}
	}

	cfg := &config.Config{
		Providers: []config.ProviderConfig{provider},
		Settings:  config.Settings{APIKey: gatewayKey},
	}
	cfg.ApplyDefaults()

	if len(cfg.Providers[0].Models) == 0 {
		return fmt.Errorf("no default models known for %q; a model is required", providerName)
	}
	if _, err := registry.Resolve("", providerName, cfg.Providers[0].APIBase); err != nil {
		return err
	}
	cfg.Router.Default = config.RouteEntry{Provider: providerName, Model: cfg.Providers[0].Models[0]}

	if err := cfgMgr.Save(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	color.Green("Configuration saved successfully to: %s", cfgMgr.GetPath())
	color.Cyan("You can now start the gateway with: %s start", AppName)

	return nil
}

func runConfigShow(*cobra.Command, []string) error {
	if !cfgMgr.Exists() {
		color.Yellow("No configuration found. Run '%s config init' to create one.", AppName)
		return nil
	}

	cfg, err := cfgMgr.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	color.Blue("Current Configuration:")
	fmt.Printf("  %-15s: %s\n", "Host", cfg.Settings.Host)
	fmt.Printf("  %-15s: %d\n", "Port", cfg.Settings.Port)
	fmt.Printf("  %-15s: %s\n", "API Key", maskString(cfg.Settings.APIKey))
	fmt.Printf("  %-15s: %dms\n", "API Timeout", cfg.Settings.APITimeoutMS)
	fmt.Printf("  %-15s: %v\n", "Fallback", cfg.Settings.IsFallbackEnabled())
	fmt.Printf("  %-15s: %s\n", "Config Path", cfgMgr.GetPath())

	fmt.Println("\nProviders:")
	for _, provider := range cfg.Providers {
		fmt.Printf("  - Name: %s\n", provider.Name)
		fmt.Printf("    API Base: %s\n", provider.APIBase)
		fmt.Printf("    API Key: %s\n", maskString(provider.APIKey))
		fmt.Printf("    Models: %v\n", provider.Models)
		if provider.Transformer != "" {
			fmt.Printf("    Transformer: %s\n", provider.Transformer)
		}
		if !provider.IsEnabled() {
			color.Yellow("    Disabled")
		}
		fmt.Println()
	}

	printRoutes(cfg.Router)

	return nil
}

func printRoutes(rc config.RouterConfig) {
	fmt.Println("Router Configuration:")

	entries := rc.Entries()
	tasks := make([]string, 0, len(entries))
	for task := range entries {
		tasks = append(tasks, task)
	}
	sort.Strings(tasks)

	for _, task := range tasks {
		fmt.Printf("  %-15s: %s\n", task, entries[task])
	}
	if _, ok := entries["longContext"]; ok {
		fmt.Printf("  %-15s: %d tokens\n", "threshold", rc.Threshold())
	}
}

func runConfigValidate(*cobra.Command, []string) error {
	if !cfgMgr.Exists() {
		return errors.New("no configuration found")
	}

	cfg, err := cfgMgr.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	var problems []string

	var verr *config.ValidationError
	if err := cfg.Validate(); errors.As(err, &verr) {
		problems = append(problems, verr.Problems...)
	} else if err != nil {
		problems = append(problems, err.Error())
	}

	if len(cfg.Providers) == 0 {
		problems = append(problems, "no providers configured")
	}
	if cfg.Router.Default.IsZero() {
		problems = append(problems, "default route is required")
	}
	for _, p := range cfg.Providers {
		if _, err := registry.Resolve(p.Transformer, p.Name, p.APIBase); err != nil {
			problems = append(problems, fmt.Sprintf("provider %s: %v", p.Name, err))
		}
	}

	if len(problems) > 0 {
		color.Red("Configuration validation failed:")
		for _, problem := range problems {
			fmt.Printf("  - %s\n", problem)
		}
		return errors.New("configuration validation failed")
	}

	color.Green("Configuration is valid!")

	return nil
}

func maskString(s string) string {
	if s == "" {
		return "(not set)"
	}
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}

	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}
