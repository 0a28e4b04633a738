package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models moveline.yml.
type Config struct {
	Workspace struct {
		ID   string `yaml:"id"`
		Kind string `yaml:"kind"`
	} `yaml:"workspace"`
	Preflight struct {
		AudienceFailFloor int `yaml:"audience_fail_floor"`
		AudienceWarnFloor int `yaml:"audience_warn_floor"`
		AggressiveMinDays int `yaml:"aggressive_min_days"`
	} `yaml:"preflight"`
	Recommend struct {
		MaxResults int `yaml:"max_results"`
	} `yaml:"recommend"`
	Catalog struct {
		Path string `yaml:"path"`
	} `yaml:"catalog"`
	Webhooks []Webhook `yaml:"webhooks"`
}

type Webhook struct {
	URL    string   `yaml:"url"`
	Events []string `yaml:"events"`
	Secret string   `yaml:"secret"`
}

// RecommendCeiling is the hard upper bound on recommend.max_results.
const RecommendCeiling = 5

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create with mvl init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Workspace.ID == "" {
		return fmt.Errorf("config.workspace.id is required")
	}
	if c.Workspace.Kind != "marketing-workspace" {
		return fmt.Errorf("config.workspace.kind must be 'marketing-workspace'")
	}
	if c.Preflight.AudienceFailFloor < 0 || c.Preflight.AudienceWarnFloor < 0 {
		return fmt.Errorf("config.preflight floors must not be negative")
	}
	if c.Preflight.AudienceWarnFloor > 0 && c.Preflight.AudienceWarnFloor < c.Preflight.AudienceFailFloor {
		return fmt.Errorf("config.preflight.audience_warn_floor must be >= audience_fail_floor")
	}
	if c.Preflight.AggressiveMinDays < 0 {
		return fmt.Errorf("config.preflight.aggressive_min_days must not be negative")
	}
	if c.Recommend.MaxResults < 0 || c.Recommend.MaxResults > RecommendCeiling {
		return fmt.Errorf("config.recommend.max_results must be 0..%d", RecommendCeiling)
	}
	for i, wh := range c.Webhooks {
		if wh.URL == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	return nil
}

// AudienceFailFloor returns the configured floor or the default.
func (c *Config) AudienceFailFloorOrDefault() int {
	if c == nil || c.Preflight.AudienceFailFloor == 0 {
		return 100
	}
	return c.Preflight.AudienceFailFloor
}

func (c *Config) AudienceWarnFloorOrDefault() int {
	if c == nil || c.Preflight.AudienceWarnFloor == 0 {
		return 1000
	}
	return c.Preflight.AudienceWarnFloor
}

func (c *Config) AggressiveMinDaysOrDefault() int {
	if c == nil || c.Preflight.AggressiveMinDays == 0 {
		return 7
	}
	return c.Preflight.AggressiveMinDays
}

func (c *Config) MaxResultsOrDefault() int {
	if c == nil || c.Recommend.MaxResults == 0 {
		return 3
	}
	return c.Recommend.MaxResults
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "moveline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(workspaceID string) string {
	return fmt.Sprintf(defaultTemplate, workspaceID)
}

// Default returns the default Config struct for a workspace.
func Default(workspaceID string) *Config {
	cfg, err := FromYAML([]byte(fmt.Sprintf(defaultTemplate, workspaceID)))
	if err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
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

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `workspace:
  id: %s
  kind: marketing-workspace

preflight:
  audience_fail_floor: 100
  audience_warn_floor: 1000
  aggressive_min_days: 7

recommend:
  max_results: 3

# catalog:
#   path: ./catalog.yml

# webhooks:
#   - url: https://example.com/hooks/moveline
#     events: [move.advanced, move.killed]
#     secret: change-me
`
