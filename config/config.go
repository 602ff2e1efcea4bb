package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration with YAML support for "30s" style strings.
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ProviderConfig describes one LLM backend.
type ProviderConfig struct {
	ID      string `yaml:"id"` // "openai", "anthropic", ...
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url,omitempty"`
	Model   string `yaml:"model"`
	Vision  bool   `yaml:"vision"`
}

// ToolServerConfig describes one external tool server process.
type ToolServerConfig struct {
	ID      string   `yaml:"id"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args,omitempty"`
	Enabled bool     `yaml:"enabled"`
}

// RoleConfig binds a role id to a system prompt plus the keywords the agent
// uses to pick it.
type RoleConfig struct {
	ID       string   `yaml:"id"`
	Name     string   `yaml:"name"`
	Prompt   string   `yaml:"prompt"`
	Keywords []string `yaml:"keywords,omitempty"`
}

// ContextConfig tunes the conversation store.
type ContextConfig struct {
	// RetainThreshold is T: the number of verbatim messages kept after a
	// summarization pass, and the trigger count that starts one.
	RetainThreshold int `yaml:"retain_threshold"`
	// MaxWindow is M: the upper bound of retained messages.
	MaxWindow int `yaml:"max_window"`
}

// ApprovalConfig tunes the tool approval pipeline.
type ApprovalConfig struct {
	ApprovalTimeout  Duration `yaml:"approval_timeout"`
	ExecutionTimeout Duration `yaml:"execution_timeout"`
}

// PluginConfig tunes the plugin host.
type PluginConfig struct {
	// Dir is the manifest discovery directory.
	Dir string `yaml:"dir"`
	// StopGracePeriod bounds how long a plugin may take to stop.
	StopGracePeriod Duration `yaml:"stop_grace_period"`
	// Watch enables runtime discovery of newly dropped manifests.
	Watch bool `yaml:"watch"`
}

// AnalyticsConfig tunes recurring-error pattern detection.
type AnalyticsConfig struct {
	// ThresholdCount is how many occurrences within Window count as
	// recurring.
	ThresholdCount int `yaml:"threshold_count"`
	// Window is the sliding analysis span.
	Window Duration `yaml:"window"`
	// ReportCooldown mutes a pattern after it has been reported.
	ReportCooldown Duration `yaml:"report_cooldown"`
}

// LoggingConfig tunes log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or text
}

// Config is the full static configuration.
type Config struct {
	Logging          LoggingConfig      `yaml:"logging"`
	Providers        []ProviderConfig   `yaml:"providers"`
	ActiveProvider   string             `yaml:"active_provider"`
	FallbackProvider string             `yaml:"fallback_provider,omitempty"`
	ToolServers      []ToolServerConfig `yaml:"tool_servers,omitempty"`
	Roles            []RoleConfig       `yaml:"roles,omitempty"`
	Hotkeys          map[string]string  `yaml:"hotkeys,omitempty"`
	Context          ContextConfig      `yaml:"context"`
	Approval         ApprovalConfig     `yaml:"approval"`
	Plugins          PluginConfig       `yaml:"plugins"`
	Analytics        AnalyticsConfig    `yaml:"analytics"`
}

// Default returns the baseline configuration used when no file is present.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Context: ContextConfig{RetainThreshold: 20, MaxWindow: 50},
		Approval: ApprovalConfig{
			ApprovalTimeout:  Duration(30 * time.Second),
			ExecutionTimeout: Duration(60 * time.Second),
		},
		Plugins: PluginConfig{Dir: "plugins", StopGracePeriod: Duration(5 * time.Second)},
		Analytics: AnalyticsConfig{
			ThresholdCount: 5,
			Window:         Duration(time.Hour),
			ReportCooldown: Duration(24 * time.Hour),
		},
	}
}

// Load reads configuration from path, overlaying the defaults. A missing
// file is not an error; the defaults are returned.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Context.RetainThreshold <= 0 {
		return fmt.Errorf("context.retain_threshold must be positive")
	}
	if c.Context.MaxWindow < c.Context.RetainThreshold {
		return fmt.Errorf("context.max_window must be >= retain_threshold")
	}
	seen := map[string]bool{}
	for _, s := range c.ToolServers {
		if s.ID == "" || (s.Enabled && s.Command == "") {
			return fmt.Errorf("tool server %q needs an id and a command", s.ID)
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate tool server id %q", s.ID)
		}
		seen[s.ID] = true
	}
	return nil
}

// Provider returns the provider config with the given id, if present.
func (c *Config) Provider(id string) (ProviderConfig, bool) {
	for _, p := range c.Providers {
		if p.ID == id {
			return p, true
		}
	}
	return ProviderConfig{}, false
}

// Role returns the role config with the given id, if present.
func (c *Config) Role(id string) (RoleConfig, bool) {
	for _, r := range c.Roles {
		if r.ID == id {
			return r, true
		}
	}
	return RoleConfig{}, false
}
