package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"chatbridge/pkg/logger"
)

// Provider types understood by the factory.
const (
	TypeOpenAI     = "openai"
	TypeAnthropic  = "anthropic"
	TypeCompatible = "compatible"
	TypeLocal      = "local"
	TypeEcho       = "echo"
)

// Selection strategies.
const (
	SelectionLocalFirst = "local_first"
	SelectionExpression = "expression"
)

// Config represents the root configuration structure
type Config struct {
	Logging   LoggingConfig             `yaml:"logging"`
	Cache     CacheConfig               `yaml:"cache"`
	Retry     RetryConfig               `yaml:"retry"`
	Selection SelectionConfig           `yaml:"selection"`
	Remote    RemoteConfig              `yaml:"remote"`
	Providers map[string]ProviderConfig `yaml:"providers"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

type CacheConfig struct {
	Disabled bool          `yaml:"disabled"`
	TTL      time.Duration `yaml:"ttl"`
	Capacity int           `yaml:"capacity"`
	// Coalesce shares one upstream call between concurrent identical requests.
	Coalesce bool `yaml:"coalesce"`
}

type RetryConfig struct {
	MaxRetries *int          `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
}

// SelectionConfig controls the registry's best-available pick.
type SelectionConfig struct {
	Type      string          `yaml:"type"`
	Preferred string          `yaml:"preferred"` // zero-cost local provider tried first
	Fallback  string          `yaml:"fallback"`  // used when nothing better is available
	Rules     []SelectionRule `yaml:"rules"`
}

// SelectionRule is an expr condition evaluated against each registered provider.
// When Provider is set the rule only considers that provider.
type SelectionRule struct {
	Condition string `yaml:"condition"`
	Provider  string `yaml:"provider"`
}

// RemoteConfig configures the remote JSON override document
type RemoteConfig struct {
	URL          string        `yaml:"url"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// ProviderConfig configures a specific upstream provider
type ProviderConfig struct {
	Type          string        `yaml:"type"`
	APIKey        string        `yaml:"api_key"`
	APIKeyEnv     string        `yaml:"api_key_env"`
	BaseURL       string        `yaml:"base_url"`
	DefaultModel  string        `yaml:"default_model"`
	MaxTokens     int           `yaml:"max_tokens"`
	NativeTools   bool          `yaml:"native_tools"`
	FallbackOn404 bool          `yaml:"fallback_on_404"`
	Timeout       time.Duration `yaml:"timeout"`
	PoolSize      int           `yaml:"pool_size"`
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
}

// ResolvedAPIKey returns the literal key, or the value of APIKeyEnv.
func (p ProviderConfig) ResolvedAPIKey() string {
	if p.APIKey != "" {
		return p.APIKey
	}
	if p.APIKeyEnv != "" {
		return os.Getenv(p.APIKeyEnv)
	}
	return ""
}

const DefaultConfigTemplate = `logging:
  level: info
  format: text
cache:
  ttl: 30m
  capacity: 500
retry:
  max_retries: 2
  base_delay: 1s
selection:
  type: local_first
  preferred: local
  fallback: echo
remote:
  url: ""
  poll_interval: 60s
providers:
  openai:
    api_key_env: OPENAI_API_KEY
  anthropic:
    api_key_env: ANTHROPIC_API_KEY
  deepseek:
    type: compatible
    api_key_env: DEEPSEEK_API_KEY
    base_url: "https://api.deepseek.com/v1"
    default_model: deepseek-chat
    native_tools: true
  local:
    type: local
    base_url: "http://localhost:11434"
    default_model: llama3.2
    pool_size: 3
    idle_timeout: 10m
  echo:
    type: echo
`

// ConfigPath returns CHATBRIDGE_CONFIG_PATH or ~/.config/chatbridge/config.yaml.
func ConfigPath() (string, error) {
	if p := os.Getenv("CHATBRIDGE_CONFIG_PATH"); p != "" {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(home, ".config", "chatbridge", "config.yaml"), nil
}

// LoadLocalConfig loads configuration from ConfigPath. If the file doesn't exist it
// writes a template there and returns an error asking the user to edit it.
func LoadLocalConfig() (*Config, error) {
	configPath, err := ConfigPath()
	if err != nil {
		return nil, err
	}

	if _, err := os.Stat(configPath); errors.Is(err, os.ErrNotExist) {
		logger.Warnf("Config file missing at %s, creating default template...", configPath)
		if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create config directory: %w", err)
		}
		if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate), 0644); err != nil {
			return nil, fmt.Errorf("failed to write default config template: %w", err)
		}
		return nil, fmt.Errorf("generated default config at %s. Please update it and restart", configPath)
	}
	return Load(configPath)
}

// Load reads, defaults and validates the YAML file at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes YAML config bytes.
func Parse(data []byte) (*Config, error) {
	var conf Config
	if err := yaml.Unmarshal(data, &conf); err != nil {
		return nil, fmt.Errorf("failed to parse yaml config: %w", err)
	}
	conf.applyDefaults()
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return &conf, nil
}

func (c *Config) applyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Selection.Type == "" {
		c.Selection.Type = SelectionLocalFirst
	}
	if c.Remote.PollInterval <= 0 {
		c.Remote.PollInterval = time.Minute
	}
	for name, p := range c.Providers {
		if p.Type == "" {
			p.Type = inferType(name)
			c.Providers[name] = p
		}
	}
}

// inferType maps well-known provider names onto their type; anything else is
// assumed to speak the OpenAI wire format.
func inferType(name string) string {
	switch strings.ToLower(name) {
	case TypeOpenAI, TypeAnthropic, TypeLocal, TypeEcho:
		return strings.ToLower(name)
	case "ollama":
		return TypeLocal
	}
	return TypeCompatible
}

// Validate checks provider types, URLs and selection settings.
func (c *Config) Validate() error {
	var errs []error
	for name, p := range c.Providers {
		switch p.Type {
		case TypeOpenAI, TypeAnthropic, TypeCompatible, TypeLocal, TypeEcho:
		default:
			errs = append(errs, fmt.Errorf("provider %q: unknown type %q", name, p.Type))
		}
		if p.Type == TypeCompatible && p.BaseURL == "" {
			errs = append(errs, fmt.Errorf("provider %q: base_url is required for compatible providers", name))
		}
		if p.BaseURL != "" {
			if u, err := url.Parse(p.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
				errs = append(errs, fmt.Errorf("provider %q: invalid base_url %q", name, p.BaseURL))
			}
		}
		if p.MaxTokens < 0 || p.PoolSize < 0 {
			errs = append(errs, fmt.Errorf("provider %q: max_tokens and pool_size must not be negative", name))
		}
	}

	switch c.Selection.Type {
	case SelectionLocalFirst:
	case SelectionExpression:
		for i, r := range c.Selection.Rules {
			if strings.TrimSpace(r.Condition) == "" {
				errs = append(errs, fmt.Errorf("selection rule %d: empty condition", i))
			}
		}
	default:
		errs = append(errs, fmt.Errorf("unknown selection type %q", c.Selection.Type))
	}

	if c.Retry.MaxRetries != nil && *c.Retry.MaxRetries < 0 {
		errs = append(errs, errors.New("retry.max_retries must not be negative"))
	}
	if c.Remote.URL != "" {
		if u, err := url.Parse(c.Remote.URL); err != nil || u.Host == "" {
			errs = append(errs, fmt.Errorf("invalid remote url %q", c.Remote.URL))
		}
	}
	return errors.Join(errs...)
}
