package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models scanline.yml.
type Config struct {
	Data struct {
		Dir       string `yaml:"dir"`
		BackupDir string `yaml:"backup_dir"`
	} `yaml:"data"`
	Inactivity struct {
		Days int `yaml:"days"`
	} `yaml:"inactivity"`
	Stats struct {
		Window string `yaml:"window"`
	} `yaml:"stats"`
	Notify struct {
		Webhooks []WebhookConfig `yaml:"webhooks"`
	} `yaml:"notify"`
	Auth struct {
		AllowLegacyActorHeader bool `yaml:"allow_legacy_actor_header"`
	} `yaml:"auth"`
}

type WebhookConfig struct {
	URL     string `yaml:"url"`
	Enabled *bool  `yaml:"enabled,omitempty"`
}

const (
	StatsWindowWeekly  = "weekly"
	StatsWindowMonthly = "monthly"
)

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run sl init or create it from the default template", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(workspace), nil
		}
		return nil, err
	}
	cfg, err := FromYAML(data)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults(workspace)
	return cfg, nil
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Inactivity.Days < 0 {
		return fmt.Errorf("config.inactivity.days must not be negative")
	}
	switch c.Stats.Window {
	case "", StatsWindowWeekly, StatsWindowMonthly:
	default:
		return fmt.Errorf("config.stats.window must be weekly or monthly")
	}
	for i, hook := range c.Notify.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.notify.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Default returns the default Config rooted at the workspace.
func Default(workspace string) *Config {
	var cfg Config
	cfg.applyDefaults(workspace)
	return &cfg
}

func (c *Config) applyDefaults(workspace string) {
	if workspace == "" {
		workspace = "."
	}
	if c.Data.Dir == "" {
		c.Data.Dir = filepath.Join(workspace, ".scanline", "data")
	}
	if c.Data.BackupDir == "" {
		c.Data.BackupDir = filepath.Join(workspace, ".scanline", "backup")
	}
	if c.Inactivity.Days == 0 {
		c.Inactivity.Days = 7
	}
	if c.Stats.Window == "" {
		c.Stats.Window = StatsWindowMonthly
	}
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "scanline.yml")
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `data:
  dir: .scanline/data
  backup_dir: .scanline/backup

inactivity:
  days: 7

stats:
  window: monthly

notify:
  webhooks: []
  # webhooks:
  #   - url: https://example.com/scanline-hook
  #     enabled: true

auth:
  allow_legacy_actor_header: true
`
