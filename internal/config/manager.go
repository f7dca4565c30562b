package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Store is the persistence collaborator behind the router. Implementations
// publish configurations wholesale; readers never observe a partial update.
type Store interface {
	Get() *Config
	Save(cfg *Config) error
}

type Manager struct {
	baseDir  string
	jsonPath string
	yamlPath string
	current  atomic.Pointer[Config]
}

func NewManager(baseDir string) *Manager {
	return &Manager{
		baseDir:  baseDir,
		jsonPath: filepath.Join(baseDir, DefaultConfigFilename),
		yamlPath: filepath.Join(baseDir, DefaultYAMLFilename),
	}
}

// Load reads the configuration from disk, preferring YAML over JSON, and
// publishes it.
func (m *Manager) Load() (*Config, error) {
	cfg, err := m.read()
	if err != nil {
		return nil, err
	}

	m.current.Store(cfg)

	return cfg, nil
}

func (m *Manager) read() (*Config, error) {
	path := m.GetPath()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg, err := decode(path, data)
	if err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()

	return cfg, nil
}

func decode(path string, data []byte) (*Config, error) {
	var cfg Config

	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("unmarshal YAML config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}

	return &cfg, nil
}

// Get returns the published configuration, loading it on first use. When
// nothing can be loaded a default configuration is returned.
func (m *Manager) Get() *Config {
	if cfg := m.current.Load(); cfg != nil {
		return cfg
	}

	cfg, err := m.Load()
	if err != nil {
		cfg = &Config{}
		cfg.ApplyDefaults()
	}

	return cfg
}

// Save writes cfg in the active format and publishes it.
func (m *Manager) Save(cfg *Config) error {
	if m.HasYAML() {
		return m.SaveAsYAML(cfg)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return m.write(m.jsonPath, data, cfg)
}

func (m *Manager) SaveAsYAML(cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal YAML config: %w", err)
	}

	return m.write(m.yamlPath, data, cfg)
}

// write replaces path atomically so a concurrent reload never reads a
// half-written file.
func (m *Manager) write(path string, data []byte, cfg *Config) error {
	if err := os.MkdirAll(m.baseDir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	tmp, err := os.CreateTemp(m.baseDir, ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write config file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close config file: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return fmt.Errorf("chmod config file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace config file: %w", err)
	}

	published := cfg.Clone()
	published.ApplyDefaults()
	m.current.Store(published)

	return nil
}

// GetPath returns the active config file: YAML when present, else JSON.
func (m *Manager) GetPath() string {
	if m.HasYAML() {
		return m.yamlPath
	}

	return m.jsonPath
}

func (m *Manager) BaseDir() string {
	return m.baseDir
}

func (m *Manager) Exists() bool {
	return m.HasYAML() || m.HasJSON()
}

func (m *Manager) HasYAML() bool {
	_, err := os.Stat(m.yamlPath)
	return err == nil
}

func (m *Manager) HasJSON() bool {
	_, err := os.Stat(m.jsonPath)
	return err == nil
}

// CreateExampleYAML writes an annotated starter configuration.
func (m *Manager) CreateExampleYAML() error {
	if err := os.MkdirAll(m.baseDir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	if err := os.WriteFile(m.yamlPath, []byte(exampleYAML), 0o600); err != nil {
		return fmt.Errorf("write example config: %w", err)
	}

	return nil
}

// Watch reloads the configuration whenever its file changes on disk and
// calls onChange with each published version. Files that fail to parse or
// to validate are logged and the previous configuration stays published. Watch blocks until
// ctx is done.
func (m *Manager) Watch(ctx context.Context, logger *slog.Logger, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer watcher.Close()

	if err := os.MkdirAll(m.baseDir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := watcher.Add(m.baseDir); err != nil {
		return fmt.Errorf("watch config dir: %w", err)
	}

	// Editors emit bursts of events for one save.
	const settle = 100 * time.Millisecond
	var pending <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Name != m.jsonPath && ev.Name != m.yamlPath {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				pending = time.After(settle)
			}
		case <-pending:
			pending = nil
			cfg, err := m.read()
			if err == nil {
				err = cfg.Validate()
			}
			if err != nil {
				logger.Warn("Config reload failed, keeping previous configuration", "path", m.GetPath(), "error", err)
				continue
			}
			m.current.Store(cfg)
			logger.Info("Configuration reloaded", "path", m.GetPath(), "providers", len(cfg.Providers))
			if onChange != nil {
				onChange(cfg)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				pending = time.After(settle)
				continue
			}
			logger.Warn("Config watcher error", "error", err)
		}
	}
}

// MemoryStore is a Store that keeps the configuration in memory only.
type MemoryStore struct {
	current atomic.Pointer[Config]
	saves   atomic.Int64
}

func NewMemoryStore(cfg *Config) *MemoryStore {
	s := &MemoryStore{}
	if cfg == nil {
		cfg = &Config{}
	}
	s.current.Store(cfg.Clone())

	return s
}

func (s *MemoryStore) Get() *Config {
	return s.current.Load()
}

func (s *MemoryStore) Save(cfg *Config) error {
	s.current.Store(cfg.Clone())
	s.saves.Add(1)

	return nil
}

// Saves returns how many times Save was called.
func (s *MemoryStore) Saves() int64 {
	return s.saves.Load()
}

const exampleYAML = `# llmgate configuration
providers:
  - name: anthropic
    api_key: "sk-ant-..."
    models:
      - claude-sonnet-4-20250514
      - claude-3-5-haiku-latest
  - name: gemini
    api_key: "AIza..."
  - name: local
    api_base_url: "http://localhost:8080/v1/chat/completions"
    transformer: selfhosted
    models: [qwen2.5-coder]

router:
  default: anthropic,claude-sonnet-4-20250514
  background: anthropic,claude-3-5-haiku-latest
  longContext: gemini,gemini-2.5-pro
  longContextThreshold: 60000
  code: local,qwen2.5-coder

settings:
  host: 127.0.0.1
  port: 6970
  apiTimeout: 120000
  fallbackEnabled: true
  fallbackModels:
    gemini: [gemini-2.5-pro, gemini-2.5-flash, gemini-2.0-flash]
`
