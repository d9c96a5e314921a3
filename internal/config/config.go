// Package config loads and snapshots the gateway configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"
)

const (
	DefaultPort           = 6970
	DefaultHost           = "127.0.0.1"
	DefaultConfigFilename = "config.yaml"

	// EnvPrefix lets any key be overridden, e.g. AETHER_PORT=8080 or
	// AETHER_API_KEY=....
	EnvPrefix = "AETHER_"
)

// Endpoint describes one upstream target: where to send requests, what wire
// format it speaks, and how streaming behaves on that hop.
type Endpoint struct {
	Name string `koanf:"name" yaml:"name"`
	// Provider is the catalog type (anthropic, openai, codex, gemini,
	// openrouter, nvidia). It resolves the upstream format and auth style.
	Provider string `koanf:"provider" yaml:"provider"`
	// Format overrides the provider's default wire format when set.
	Format  string `koanf:"format,omitempty" yaml:"format,omitempty"`
	BaseURL string `koanf:"base_url" yaml:"base_url"`
	APIKey  string `koanf:"api_key" yaml:"api_key"`
	// NodeID routes this endpoint's traffic through that node's tunnel.
	NodeID string `koanf:"node_id,omitempty" yaml:"node_id,omitempty"`

	// Models this endpoint serves. Entries may end in '*' for prefix match.
	Models []string `koanf:"models" yaml:"models"`
	// ModelMap rewrites a client alias to the upstream model name.
	ModelMap map[string]string `koanf:"model_map,omitempty" yaml:"model_map,omitempty"`

	Enabled              *bool    `koanf:"enabled,omitempty" yaml:"enabled,omitempty"`
	UpstreamStreamPolicy string   `koanf:"upstream_stream_policy,omitempty" yaml:"upstream_stream_policy,omitempty"`
	StreamConversion     *bool    `koanf:"stream_conversion,omitempty" yaml:"stream_conversion,omitempty"`
	AcceptFormats        []string `koanf:"accept_formats,omitempty" yaml:"accept_formats,omitempty"`
	RejectFormats        []string `koanf:"reject_formats,omitempty" yaml:"reject_formats,omitempty"`

	// Seconds. Zero means the dispatcher defaults apply.
	StreamFirstByteTimeout int `koanf:"stream_first_byte_timeout,omitempty" yaml:"stream_first_byte_timeout,omitempty"`
	RequestTimeout         int `koanf:"request_timeout,omitempty" yaml:"request_timeout,omitempty"`
}

// IsEnabled defaults to true when the key is absent.
func (e *Endpoint) IsEnabled() bool {
	return e.Enabled == nil || *e.Enabled
}

// StreamConversionEnabled defaults to true when the key is absent.
func (e *Endpoint) StreamConversionEnabled() bool {
	return e.StreamConversion == nil || *e.StreamConversion
}

// AcceptsFormat applies the endpoint's accept/reject lists to a client
// format ID. Reject wins, an empty accept list means accept all.
func (e *Endpoint) AcceptsFormat(formatID string) bool {
	formatID = strings.ToLower(strings.TrimSpace(formatID))
	for _, rejected := range e.RejectFormats {
		if strings.EqualFold(strings.TrimSpace(rejected), formatID) {
			return false
		}
	}
	if len(e.AcceptFormats) == 0 {
		return true
	}
	for _, accepted := range e.AcceptFormats {
		if strings.EqualFold(strings.TrimSpace(accepted), formatID) {
			return true
		}
	}
	return false
}

// ServesModel reports whether a model matches this endpoint's model list.
// An empty list serves everything.
func (e *Endpoint) ServesModel(model string) bool {
	if len(e.Models) == 0 {
		return true
	}
	for _, pattern := range e.Models {
		if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
			if strings.HasPrefix(model, prefix) {
				return true
			}
		} else if pattern == model {
			return true
		}
	}
	return false
}

// MappedModel resolves the upstream model name for a client alias.
func (e *Endpoint) MappedModel(model string) string {
	if mapped, ok := e.ModelMap[model]; ok && mapped != "" {
		return mapped
	}
	return model
}

// TunnelConfig authorizes proxy nodes: node_id -> ae_ bearer token.
type TunnelConfig struct {
	NodeTokens map[string]string `koanf:"node_tokens,omitempty" yaml:"node_tokens,omitempty"`
}

type Config struct {
	Host string `koanf:"host,omitempty" yaml:"host,omitempty"`
	Port int    `koanf:"port,omitempty" yaml:"port,omitempty"`
	// APIKey gates client access to the proxy endpoints when set.
	APIKey   string `koanf:"api_key,omitempty" yaml:"api_key,omitempty"`
	LogLevel string `koanf:"log_level,omitempty" yaml:"log_level,omitempty"`
	// FormatConversion is the global cross-format conversion switch,
	// defaulting to on.
	FormatConversion *bool        `koanf:"format_conversion,omitempty" yaml:"format_conversion,omitempty"`
	Endpoints        []Endpoint   `koanf:"endpoints" yaml:"endpoints"`
	Tunnel           TunnelConfig `koanf:"tunnel,omitempty" yaml:"tunnel,omitempty"`
}

// FormatConversionEnabled defaults to true when the key is absent.
func (c *Config) FormatConversionEnabled() bool {
	return c.FormatConversion == nil || *c.FormatConversion
}

// EndpointForModel returns the first enabled endpoint serving the model,
// falling back to the first enabled endpoint.
func (c *Config) EndpointForModel(model string) *Endpoint {
	var fallback *Endpoint
	for i := range c.Endpoints {
		e := &c.Endpoints[i]
		if !e.IsEnabled() {
			continue
		}
		if fallback == nil {
			fallback = e
		}
		if e.ServesModel(model) {
			return e
		}
	}
	return fallback
}

// Endpoint looks up an endpoint by name.
func (c *Config) Endpoint(name string) *Endpoint {
	for i := range c.Endpoints {
		if c.Endpoints[i].Name == name {
			return &c.Endpoints[i]
		}
	}
	return nil
}

// Manager loads the YAML config and keeps an atomic snapshot for handlers.
type Manager struct {
	configPath  string
	configValue atomic.Value
}

func NewManager(baseDir string) *Manager {
	return &Manager{
		configPath: filepath.Join(baseDir, DefaultConfigFilename),
	}
}

// Load reads the config file, layers AETHER_* environment overrides on top,
// and stores the result as the current snapshot.
func (m *Manager) Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(file.Provider(m.configPath), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// AETHER_PORT -> port, AETHER_LOG_LEVEL -> log_level. Nested keys keep
	// their underscores, so only top-level scalars are addressable; that
	// covers host, port, api_key and log_level.
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	}), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	m.configValue.Store(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
}

// Get returns the current snapshot, loading it on first use. A failed load
// yields a default config so callers never see nil.
func (m *Manager) Get() *Config {
	if v := m.configValue.Load(); v != nil {
		return v.(*Config)
	}

	cfg, err := m.Load()
	if err != nil {
		cfg = &Config{}
		applyDefaults(cfg)
		m.configValue.Store(cfg)
	}
	return cfg
}

// Save writes the config as YAML and makes it the current snapshot.
func (m *Manager) Save(cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(m.configPath), 0o750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yamlv3.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(m.configPath, data, 0o600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	m.configValue.Store(cfg)
	return nil
}

func (m *Manager) GetPath() string {
	return m.configPath
}

func (m *Manager) Exists() bool {
	_, err := os.Stat(m.configPath)
	return err == nil
}
