package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultMaxAttempts    = 3
	DefaultRetryDelay     = 15 * time.Minute
	DefaultOutcomeTimeout = 5 * time.Minute

	MatchSubstring = "substring"
	MatchKeyword   = "keyword"
)

// Config models careflow.yml, the per-tenant outreach policy.
type Config struct {
	Tenant struct {
		ID       string `yaml:"id" json:"id"`
		Timezone string `yaml:"timezone" json:"timezone"`
	} `yaml:"tenant" json:"tenant"`
	// Slots maps a slot marker to the local time of day it fires at ("HH:MM").
	Slots  map[string]string `yaml:"slots" json:"slots"`
	Policy Policy            `yaml:"policy" json:"policy"`
}

type Policy struct {
	MaxAttempts            int      `yaml:"max_attempts" json:"max_attempts"`
	RetryDelay             Duration `yaml:"retry_delay" json:"retry_delay"`
	OutcomeTimeout         Duration `yaml:"outcome_timeout" json:"outcome_timeout"`
	MatchMode              string   `yaml:"match_mode" json:"match_mode"`
	DefaultCriticalSignals []string `yaml:"default_critical_signals" json:"default_critical_signals,omitempty"`
	DefaultWarningSignals  []string `yaml:"default_warning_signals" json:"default_warning_signals,omitempty"`
}

// Duration is a time.Duration that reads and writes as "15m" in YAML and JSON.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (any, error) { return time.Duration(d).String(), nil }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", node.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) { return []byte(time.Duration(d).String()), nil }

func (d *Duration) UnmarshalText(b []byte) error {
	parsed, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(b), err)
	}
	*d = Duration(parsed)
	return nil
}

var slotTimePattern = regexp.MustCompile(`^([01][0-9]|2[0-3]):[0-5][0-9]$`)

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Tenant.ID == "" {
		return fmt.Errorf("config.tenant.id is required")
	}
	if c.Tenant.Timezone != "" {
		if _, err := time.LoadLocation(c.Tenant.Timezone); err != nil {
			return fmt.Errorf("config.tenant.timezone invalid: %w", err)
		}
	}
	for marker, at := range c.Slots {
		if marker == "" {
			return fmt.Errorf("config.slots contains empty marker")
		}
		if !slotTimePattern.MatchString(at) {
			return fmt.Errorf("slot %s has invalid time %q; want HH:MM", marker, at)
		}
	}
	if c.Policy.MaxAttempts < 1 {
		return fmt.Errorf("config.policy.max_attempts must be >= 1")
	}
	if c.Policy.RetryDelay < 0 {
		return fmt.Errorf("config.policy.retry_delay must not be negative")
	}
	if c.Policy.OutcomeTimeout <= 0 {
		return fmt.Errorf("config.policy.outcome_timeout must be positive")
	}
	switch c.Policy.MatchMode {
	case MatchSubstring, MatchKeyword:
	default:
		return fmt.Errorf("config.policy.match_mode must be %s or %s", MatchSubstring, MatchKeyword)
	}
	return nil
}

// Location returns the tenant's timezone, UTC when unset.
func (c *Config) Location() *time.Location {
	if c == nil || c.Tenant.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Tenant.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// applyDefaults fills policy fields left empty in a partial file.
func (c *Config) applyDefaults() {
	if c.Policy.MaxAttempts == 0 {
		c.Policy.MaxAttempts = DefaultMaxAttempts
	}
	if c.Policy.RetryDelay == 0 {
		c.Policy.RetryDelay = Duration(DefaultRetryDelay)
	}
	if c.Policy.OutcomeTimeout == 0 {
		c.Policy.OutcomeTimeout = Duration(DefaultOutcomeTimeout)
	}
	if c.Policy.MatchMode == "" {
		c.Policy.MatchMode = MatchSubstring
	}
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "careflow.yml")
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

// Default returns the default Config for a tenant.
func Default(tenantID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, tenantID))).Decode(&cfg)
	cfg.Tenant.ID = tenantID
	cfg.applyDefaults()
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault(tenantID string) string {
	return fmt.Sprintf(defaultTemplate, tenantID)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
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

const defaultTemplate = `tenant:
  id: %s
  timezone: UTC

slots:
  "08": "08:00"
  "14": "14:00"
  "20": "20:00"

policy:
  max_attempts: 3
  retry_delay: 15m
  outcome_timeout: 5m
  match_mode: substring
  default_critical_signals:
    - chest pain
    - shortness of breath
    - confusion
  default_warning_signals:
    - dizziness
    - missed medication
    - swelling
`
