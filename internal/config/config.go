package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	PolicyPermissive = "permissive"
	PolicyStrict     = "strict"
)

// Config models fixline.yml.
type Config struct {
	Service struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"service"`
	Lifecycle struct {
		TransitionPolicy string `yaml:"transition_policy"`
		MaxRetries       int    `yaml:"max_retries"`
	} `yaml:"lifecycle"`
	Categories []string `yaml:"categories"`
	Log        struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with fl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Lifecycle.TransitionPolicy {
	case PolicyPermissive, PolicyStrict:
	default:
		return fmt.Errorf("config.lifecycle.transition_policy must be %q or %q", PolicyPermissive, PolicyStrict)
	}
	if c.Lifecycle.MaxRetries < 0 {
		return fmt.Errorf("config.lifecycle.max_retries must not be negative")
	}
	seen := map[string]bool{}
	for _, cat := range c.Categories {
		if strings.TrimSpace(cat) == "" {
			return fmt.Errorf("config.categories contains an empty category")
		}
		if seen[cat] {
			return fmt.Errorf("config.categories lists %s twice", cat)
		}
		seen[cat] = true
	}
	switch c.Log.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("config.log.format must be json or console")
	}
	if c.Service.BasePath != "" && !strings.HasPrefix(c.Service.BasePath, "/") {
		return fmt.Errorf("config.service.base_path must start with /")
	}
	return nil
}

// KnownCategory reports whether cat is accepted. An empty catalog accepts any
// non-empty tag.
func (c *Config) KnownCategory(cat string) bool {
	if cat == "" {
		return false
	}
	if len(c.Categories) == 0 {
		return true
	}
	for _, known := range c.Categories {
		if known == cat {
			return true
		}
	}
	return false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "fixline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing from
// the document keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `service:
  addr: 127.0.0.1:8080
  base_path: /v0

lifecycle:
  # permissive: any open status may move to any status (closed states are final)
  # strict: UNASSIGNED -> CANCELLED, ASSIGNED -> ASSIGNED|COMPLETED|CANCELLED
  transition_policy: permissive
  max_retries: 3

categories:
  - PLUMBING
  - ELECTRICAL
  - HVAC
  - CARPENTRY
  - CLEANING
  - PAINTING
  - APPLIANCE
  - GENERAL

log:
  level: info
  format: console
`
