package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// DueRuleLegacy skips payments whose scheduled time is already in the past.
	DueRuleLegacy = "legacy"
	// DueRuleStrict skips payments whose scheduled time is still in the future.
	DueRuleStrict = "strict"
)

// Config models paysync.yml.
type Config struct {
	Ledger struct {
		ID           string   `yaml:"id"`
		Owner        string   `yaml:"owner"`
		AcceptedUnit string   `yaml:"accepted_unit"`
		Handlers     []string `yaml:"handlers"`
		Processors   []string `yaml:"processors"`
	} `yaml:"ledger"`
	Settlement struct {
		DueRule string `yaml:"due_rule"`
	} `yaml:"settlement"`
	Factory struct {
		Template string `yaml:"template"`
		Admin    string `yaml:"admin"`
	} `yaml:"factory"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
	Log      LogConfig       `yaml:"log"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

type LogConfig struct {
	Debug     bool   `yaml:"debug"`
	SentryDSN string `yaml:"sentry_dsn"`
}

// DueRule returns the configured due rule, defaulting to legacy.
func (c *Config) DueRule() string {
	if c == nil || strings.TrimSpace(c.Settlement.DueRule) == "" {
		return DueRuleLegacy
	}
	return c.Settlement.DueRule
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with paysync ledger create", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Ledger.ID == "" {
		return fmt.Errorf("config.ledger.id is required")
	}
	if strings.TrimSpace(c.Ledger.AcceptedUnit) == "" {
		return fmt.Errorf("config.ledger.accepted_unit is required")
	}
	for _, id := range c.Ledger.Handlers {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("config.ledger.handlers contains empty identity")
		}
	}
	for _, id := range c.Ledger.Processors {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("config.ledger.processors contains empty identity")
		}
	}
	switch c.Settlement.DueRule {
	case "", DueRuleLegacy, DueRuleStrict:
	default:
		return fmt.Errorf("config.settlement.due_rule must be %q or %q", DueRuleLegacy, DueRuleStrict)
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		u, err := url.Parse(hook.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("config.webhooks[%d].url must be an http(s) url", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
		for _, evt := range hook.Events {
			if strings.TrimSpace(evt) == "" {
				return fmt.Errorf("config.webhooks[%d].events contains empty event type", i)
			}
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "paysync.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(ledgerID, owner, unit string) string {
	return fmt.Sprintf(defaultTemplate, ledgerID, owner, unit)
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

// Default returns the default Config struct for a ledger.
func Default(ledgerID, owner, unit string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(ledgerID, owner, unit))).Decode(&cfg)
	cfg.Ledger.ID = ledgerID
	cfg.Ledger.Owner = owner
	cfg.Ledger.AcceptedUnit = unit
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

// Write stores cfg as paysync.yml in the workspace.
func Write(workspace string, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(Path(workspace), data, 0o644)
}

const defaultTemplate = `ledger:
  id: %q
  owner: %q
  accepted_unit: %q
  handlers: []
  processors: []

settlement:
  # legacy: skip payments scheduled before now
  # strict: skip payments scheduled after now
  due_rule: legacy

factory:
  template: ""
  # identity allowed to replace the template over the API or CLI
  admin: ""

webhooks: []

log:
  debug: false
  sentry_dsn: ""
`
