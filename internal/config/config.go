package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"everlaunch/internal/prompt"
)

// Providers understood by the conversation driver.
const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

// Config models everlaunch.yml.
type Config struct {
	Backend   Backend   `yaml:"backend" json:"backend"`
	Verticals Verticals `yaml:"verticals" json:"verticals"`
}

type Backend struct {
	Provider       string  `yaml:"provider" json:"provider"`
	BaseURL        string  `yaml:"base_url,omitempty" json:"base_url,omitempty"`
	Model          string  `yaml:"model" json:"model"`
	Temperature    float64 `yaml:"temperature" json:"temperature"`
	MaxTokens      int     `yaml:"max_tokens" json:"max_tokens"`
	TimeoutSeconds int     `yaml:"timeout_seconds" json:"timeout_seconds"`
}

type Verticals struct {
	DefaultName string         `yaml:"default_name" json:"default_name"`
	Names       map[int]string `yaml:"names" json:"names"`
	Legal       []int          `yaml:"legal" json:"legal"`
	Medical     []int          `yaml:"medical" json:"medical"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Backend.Provider {
	case ProviderOpenAI, ProviderGemini:
	case "":
		return fmt.Errorf("config.backend.provider is required")
	default:
		return fmt.Errorf("config.backend.provider must be %q or %q, got %q", ProviderOpenAI, ProviderGemini, c.Backend.Provider)
	}
	if strings.TrimSpace(c.Backend.Model) == "" {
		return fmt.Errorf("config.backend.model is required")
	}
	if c.Backend.Temperature < 0 || c.Backend.Temperature > 2 {
		return fmt.Errorf("config.backend.temperature must be between 0 and 2")
	}
	if c.Backend.MaxTokens <= 0 {
		return fmt.Errorf("config.backend.max_tokens must be positive")
	}
	if c.Backend.TimeoutSeconds < 0 {
		return fmt.Errorf("config.backend.timeout_seconds must not be negative")
	}
	if strings.TrimSpace(c.Verticals.DefaultName) == "" {
		return fmt.Errorf("config.verticals.default_name is required")
	}
	for id, name := range c.Verticals.Names {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("vertical %d has empty name", id)
		}
	}
	legal := make(map[int]struct{}, len(c.Verticals.Legal))
	for _, id := range c.Verticals.Legal {
		legal[id] = struct{}{}
	}
	for _, id := range c.Verticals.Medical {
		if _, ok := legal[id]; ok {
			return fmt.Errorf("vertical %d cannot be both legal and medical", id)
		}
	}
	return nil
}

// Catalog returns the vertical lookup tables the prompt generator needs.
func (c *Config) Catalog() prompt.Catalog {
	return prompt.NewCatalog(c.Verticals.DefaultName, c.Verticals.Names, c.Verticals.Legal, c.Verticals.Medical)
}

// VerticalIDs returns the named vertical ids in ascending order.
func (c *Config) VerticalIDs() []int {
	ids := make([]int, 0, len(c.Verticals.Names))
	for id := range c.Verticals.Names {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "everlaunch.yml")
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg, err := FromYAML([]byte(DefaultYAML))
	if err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	// Seeded so an absent temperature key keeps the default while an explicit 0 stays 0.
	cfg := Config{Backend: Backend{Temperature: DefaultTemperature}}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	cfg.applyDefaults()
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

func (c *Config) applyDefaults() {
	if c.Backend.Provider == "" {
		c.Backend.Provider = ProviderOpenAI
	}
	if c.Backend.Provider == ProviderOpenAI && c.Backend.BaseURL == "" {
		c.Backend.BaseURL = "https://api.openai.com/v1"
	}
	if c.Backend.MaxTokens == 0 {
		c.Backend.MaxTokens = 500
	}
	if c.Backend.TimeoutSeconds == 0 {
		c.Backend.TimeoutSeconds = 60
	}
	if c.Verticals.DefaultName == "" {
		c.Verticals.DefaultName = "General Services"
	}
}

// DefaultTemperature applies when the config omits backend.temperature.
const DefaultTemperature = 0.3

// DefaultYAML is the seed configuration written on first use.
const DefaultYAML = `backend:
  provider: openai
  base_url: https://api.openai.com/v1
  model: gpt-4o-mini
  temperature: 0.3
  max_tokens: 500
  timeout_seconds: 60

verticals:
  default_name: General Services
  names:
    1: Plumbing
    2: HVAC
    3: Electrical
    4: Roofing
    5: Landscaping
    6: Pest Control
    7: Garage Door Repair
    8: Locksmith
    9: Cleaning Services
    10: Auto Repair
    14: Personal Injury Law
    15: Bail Bonds
    16: Criminal Defense Law
    17: Family Law
    81: Dental Practice
    82: Med Spa
    83: Chiropractic
  legal: [14, 15, 16, 17]
  medical: [81, 82, 83]
`
