package router

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Davincible/llmgate/internal/apierr"
	"github.com/Davincible/llmgate/internal/config"
)

const (
	InputTypeSecret = "secret"
	apiKeyInput     = "_API_KEY"
)

// PresetInput is a value the importer must supply.
type PresetInput struct {
	Name        string `json:"name" yaml:"name"`
	Type        string `json:"type" yaml:"type"`
	Required    bool   `json:"required" yaml:"required"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// PresetManifest is a shareable configuration with every secret replaced by
// a {{NAME}} placeholder.
type PresetManifest struct {
	Name        string        `json:"name" yaml:"name"`
	Version     string        `json:"version,omitempty" yaml:"version,omitempty"`
	Description string        `json:"description,omitempty" yaml:"description,omitempty"`
	Tags        []string      `json:"tags,omitempty" yaml:"tags,omitempty"`
	Config      config.Config `json:"config" yaml:"config"`
	Inputs      []PresetInput `json:"inputs" yaml:"inputs"`
}

// PresetMeta describes a preset being exported.
type PresetMeta struct {
	Name        string
	Version     string
	Description string
	Tags        []string
}

// KeyInputName is the preset input that carries a provider's API key.
func KeyInputName(provider string) string {
	return config.EnvVarPrefix(provider) + apiKeyInput
}

// Placeholder is the template that stands in for a provider's API key.
func Placeholder(provider string) string {
	return "{{" + KeyInputName(provider) + "}}"
}

func placeholderName(value string) (string, bool) {
	inner, ok := strings.CutPrefix(value, "{{")
	if !ok {
		return "", false
	}
	inner, ok = strings.CutSuffix(inner, "}}")
	if !ok || inner == "" {
		return "", false
	}

	return strings.TrimSpace(inner), true
}

// ExportPreset strips secrets from cfg. Each provider's key becomes a
// placeholder and one secret input; the gateway's own key is dropped.
func ExportPreset(cfg *config.Config, meta PresetMeta) (*PresetManifest, error) {
	if strings.TrimSpace(meta.Name) == "" {
		return nil, apierr.Configurationf("preset name is required")
	}

	out := cfg.Clone()
	out.Settings.APIKey = ""

	owners := make(map[string]string, len(out.Providers))
	inputs := make([]PresetInput, 0, len(out.Providers))

	for i := range out.Providers {
		p := &out.Providers[i]
		name := KeyInputName(p.Name)
		if owner, taken := owners[name]; taken {
			return nil, apierr.Configurationf("providers %q and %q share the placeholder %s", owner, p.Name, name)
		}
		owners[name] = p.Name

		inputs = append(inputs, PresetInput{
			Name:        name,
			Type:        InputTypeSecret,
			Required:    true,
			Description: fmt.Sprintf("API key for %s", p.Name),
		})
		p.APIKey = Placeholder(p.Name)
	}

	return &PresetManifest{
		Name:        meta.Name,
		Version:     meta.Version,
		Description: meta.Description,
		Tags:        append([]string(nil), meta.Tags...),
		Config:      *out,
		Inputs:      inputs,
	}, nil
}

// ImportPreset substitutes inputs into the manifest's placeholders verbatim.
// A provider whose placeholder has no supplied input keeps it and is
// disabled. A supplied empty value is substituted like any other.
func ImportPreset(m *PresetManifest, inputs map[string]string) (*config.Config, error) {
	if m == nil {
		return nil, apierr.Configurationf("preset manifest is empty")
	}

	cfg := m.Config.Clone()
	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		name, ok := placeholderName(p.APIKey)
		if !ok {
			continue
		}

		if value, ok := inputs[name]; ok {
			p.APIKey = value
			continue
		}

		p.SetEnabled(false)
	}
	cfg.ApplyDefaults()

	return cfg, nil
}

// ExportPreset builds a manifest from the live configuration.
func (r *Router) ExportPreset(meta PresetMeta) (*PresetManifest, error) {
	return ExportPreset(r.store.Get(), meta)
}

// ImportPreset replaces the live configuration with the imported one.
func (r *Router) ImportPreset(m *PresetManifest, inputs map[string]string) (*config.Config, error) {
	cfg, err := ImportPreset(m, inputs)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.store.Save(cfg); err != nil {
		return nil, fmt.Errorf("save configuration: %w", err)
	}
	r.logger.Info("Preset imported", "preset", m.Name, "providers", len(cfg.Providers))

	return cfg, nil
}

// WritePresetFile writes m as YAML for .yaml/.yml paths and as JSON otherwise.
func WritePresetFile(path string, m *PresetManifest) error {
	var (
		data []byte
		err  error
	)

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(m)
	default:
		data, err = json.MarshalIndent(m, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("marshal preset: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write preset: %w", err)
	}

	return nil
}

// ReadPresetFile loads a manifest written by WritePresetFile.
func ReadPresetFile(path string) (*PresetManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read preset: %w", err)
	}

	var m PresetManifest
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &m)
	default:
		err = json.Unmarshal(data, &m)
	}
	if err != nil {
		return nil, fmt.Errorf("unmarshal preset: %w", err)
	}

	return &m, nil
}
