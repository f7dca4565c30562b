package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Davincible/llmgate/internal/router"
)

var presetCmd = &cobra.Command{
	Use:   "preset",
	Short: "Share configurations without their secrets",
}

var presetExportCmd = &cobra.Command{
	Use:   "export FILE",
	Short: "Export the configuration as a preset",
	Long: `Export the configuration to FILE (YAML for .yaml/.yml, JSON otherwise).
Provider keys are replaced by {{NAME_API_KEY}} placeholders and the gateway
key is dropped.`,
	Args: cobra.ExactArgs(1),
	RunE: runPresetExport,
}

var presetImportCmd = &cobra.Command{
	Use:   "import FILE",
	Short: "Replace the configuration with a preset",
	Long: `Replace the configuration with the preset in FILE. Each placeholder takes its
value from --input NAME=VALUE, else from the environment variable NAME.
Providers left without a key are imported disabled.`,
	Args: cobra.ExactArgs(1),
	RunE: runPresetImport,
}

func init() {
	presetExportCmd.Flags().String("name", "", "preset name (required)")
	presetExportCmd.Flags().String("version", "1.0.0", "preset version")
	presetExportCmd.Flags().String("description", "", "preset description")
	presetExportCmd.Flags().StringSlice("tags", nil, "preset tags")
	_ = presetExportCmd.MarkFlagRequired("name")

	presetImportCmd.Flags().StringArray("input", nil, "input value as NAME=VALUE (repeatable)")

	presetCmd.AddCommand(presetExportCmd)
	presetCmd.AddCommand(presetImportCmd)
}

func runPresetExport(cmd *cobra.Command, args []string) error {
	if err := ensureConfigExists(); err != nil {
		return err
	}

	var meta router.PresetMeta
	meta.Name, _ = cmd.Flags().GetString("name")
	meta.Version, _ = cmd.Flags().GetString("version")
	meta.Description, _ = cmd.Flags().GetString("description")
	meta.Tags, _ = cmd.Flags().GetStringSlice("tags")

	manifest, err := newRouter().ExportPreset(meta)
	if err != nil {
		return err
	}

	if err := router.WritePresetFile(args[0], manifest); err != nil {
		return err
	}

	color.Green("Preset %s exported to %s", manifest.Name, args[0])
	for _, in := range manifest.Inputs {
		fmt.Printf("  input %-25s %s\n", in.Name, in.Description)
	}

	return nil
}

func runPresetImport(cmd *cobra.Command, args []string) error {
	manifest, err := router.ReadPresetFile(args[0])
	if err != nil {
		return err
	}

	raw, _ := cmd.Flags().GetStringArray("input")
	inputs := make(map[string]string, len(manifest.Inputs))
	for _, kv := range raw {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || name == "" {
			return fmt.Errorf("invalid --input %q: expected NAME=VALUE", kv)
		}
		inputs[name] = value
	}
	for _, in := range manifest.Inputs {
		if _, ok := inputs[in.Name]; !ok {
			if value := os.Getenv(in.Name); value != "" {
				inputs[in.Name] = value
			}
		}
	}

	cfg, err := newRouter().ImportPreset(manifest, inputs)
	if err != nil {
		return err
	}

	color.Green("Preset %s imported into %s", manifest.Name, cfgMgr.GetPath())
	for _, p := range cfg.Providers {
		if !p.IsEnabled() {
			color.Yellow("  %s has no API key and was disabled", p.Name)
		}
	}

	return nil
}
