package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models cqlstudio.yml.
type Config struct {
	Studio struct {
		CanonicalBase string `yaml:"canonical_base"`
		PageSize      int    `yaml:"page_size"`
	} `yaml:"studio"`
	Store struct {
		Kind string `yaml:"kind"`
		FHIR struct {
			BaseURL string `yaml:"base_url"`
		} `yaml:"fhir"`
	} `yaml:"store"`
	Translator struct {
		Endpoint string `yaml:"endpoint"`
	} `yaml:"translator"`
	Evaluator struct {
		Endpoint string `yaml:"endpoint"`
	} `yaml:"evaluator"`
	Server struct {
		Addr      string `yaml:"addr"`
		BasePath  string `yaml:"base_path"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

const (
	StoreKindLocal = "local"
	StoreKindFHIR  = "fhir"
)

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with cqlstudio config init", path)
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
	switch c.Store.Kind {
	case StoreKindLocal, StoreKindFHIR:
	case "":
		return fmt.Errorf("config.store.kind is required (local or fhir)")
	default:
		return fmt.Errorf("config.store.kind must be 'local' or 'fhir', got %q", c.Store.Kind)
	}
	if c.Store.Kind == StoreKindFHIR && strings.TrimSpace(c.Store.FHIR.BaseURL) == "" {
		return fmt.Errorf("config.store.fhir.base_url is required for store.kind=fhir")
	}
	if c.Studio.PageSize < 0 {
		return fmt.Errorf("config.studio.page_size must not be negative")
	}
	for i, hook := range c.Webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		for _, evt := range hook.Events {
			if strings.TrimSpace(evt) == "" {
				return fmt.Errorf("config.webhooks[%d] has empty event type", i)
			}
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// PageSize returns the configured roster page size or the default of 20.
func (c *Config) PageSize() int {
	if c.Studio.PageSize > 0 {
		return c.Studio.PageSize
	}
	return 20
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "cqlstudio.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
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

const defaultTemplate = `studio:
  # canonical URL base stamped onto new guidelines
  canonical_base: https://cqframework.org/fhir
  # roster page size for the testing view
  page_size: 20

store:
  # local keeps guidelines in the workspace database; fhir talks to a FHIR R4 server
  kind: local
  fhir:
    base_url: ""

translator:
  # CQL-to-ELM translation service; creating guidelines requires it
  endpoint: ""

evaluator:
  # FHIR endpoint understanding Library/$evaluate; test runs require it
  endpoint: ""

server:
  addr: 127.0.0.1:8780
  base_path: /v1
  jwt_secret: ""
`
