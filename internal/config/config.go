// Package config loads the hot-reloadable gateway configuration.
//
// Unlike the process profile, the config file may change while the gateway
// is running; the orchestrator watches it and rebuilds the affected
// subsystems on change.
package config

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// DMPolicy controls who may talk to the bot in direct messages.
type DMPolicy string

const (
	DMPolicyOpen      DMPolicy = "open"
	DMPolicyAllowlist DMPolicy = "allowlist"
	DMPolicyPairing   DMPolicy = "pairing"
	DMPolicyDisabled  DMPolicy = "disabled"
)

func (p DMPolicy) IsValid() bool {
	switch p {
	case DMPolicyOpen, DMPolicyAllowlist, DMPolicyPairing, DMPolicyDisabled:
		return true
	default:
		return false
	}
}

// TelegramConfig configures the Telegram channel adapter.
type TelegramConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Token          string   `mapstructure:"token"`
	WebhookURL     string   `mapstructure:"webhook_url"`
	DMPolicy       DMPolicy `mapstructure:"dm_policy"`
	Allowlist      []string `mapstructure:"allowlist"`
	RequireMention bool     `mapstructure:"require_mention"`
}

// WebchatConfig configures the browser WebSocket channel.
type WebchatConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

// ChannelsConfig groups all channel adapter configurations.
type ChannelsConfig struct {
	Telegram TelegramConfig `mapstructure:"telegram"`
	Webchat  WebchatConfig  `mapstructure:"webchat"`
}

// PairingConfig controls the access-control pairing behaviour.
type PairingConfig struct {
	AutoApproveLocal     bool `mapstructure:"auto_approve_local"`
	AutoApproveTailscale bool `mapstructure:"auto_approve_tailscale"`
	OwnerOnAutoApprove   bool `mapstructure:"owner_on_auto_approve"`
}

// AgentConfig configures the LLM agent collaborator.
type AgentConfig struct {
	Provider       string `mapstructure:"provider"`
	APIKey         string `mapstructure:"api_key"`
	BaseURL        string `mapstructure:"base_url"`
	Model          string `mapstructure:"model"`
	SystemPrompt   string `mapstructure:"system_prompt"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// RateLimitConfig configures the shared ingress/egress rate gate.
type RateLimitConfig struct {
	MaxRequests int  `mapstructure:"max_requests"`
	WindowMs    int  `mapstructure:"window_ms"`
	PerUser     bool `mapstructure:"per_user"`
}

// CopyTradingConfig configures the copy-trading orchestrator surface.
type CopyTradingConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// RequireCredentials gates config creation (both the HTTP path and the
	// inline menu path) on the presence of platform credentials.
	RequireCredentials bool `mapstructure:"require_credentials"`
}

// Config is the root of the gateway config file.
type Config struct {
	Channels    ChannelsConfig    `mapstructure:"channels"`
	Pairing     PairingConfig     `mapstructure:"pairing"`
	Agent       AgentConfig       `mapstructure:"agent"`
	RateLimit   RateLimitConfig   `mapstructure:"rate_limit"`
	CopyTrading CopyTradingConfig `mapstructure:"copy_trading"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("channels.telegram.dm_policy", string(DMPolicyPairing))
	v.SetDefault("channels.webchat.enabled", true)
	v.SetDefault("pairing.auto_approve_local", true)
	v.SetDefault("pairing.owner_on_auto_approve", true)
	v.SetDefault("agent.provider", "openai")
	v.SetDefault("agent.model", "gpt-4o-mini")
	v.SetDefault("agent.timeout_seconds", 120)
	v.SetDefault("rate_limit.max_requests", 20)
	v.SetDefault("rate_limit.window_ms", 60000)
	v.SetDefault("rate_limit.per_user", true)
	v.SetDefault("copy_trading.require_credentials", true)
}

// Load reads and validates the config file at path. A missing file yields
// the defaults so a bare gateway can still boot.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("polyterm")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "failed to read config %s", path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate normalizes the config and rejects invalid values.
func (c *Config) Validate() error {
	if c.Channels.Telegram.DMPolicy == "" {
		c.Channels.Telegram.DMPolicy = DMPolicyPairing
	}
	if !c.Channels.Telegram.DMPolicy.IsValid() {
		return errors.Errorf("invalid dm_policy: %s", c.Channels.Telegram.DMPolicy)
	}
	if c.RateLimit.MaxRequests <= 0 {
		c.RateLimit.MaxRequests = 20
	}
	if c.RateLimit.WindowMs <= 0 {
		c.RateLimit.WindowMs = 60000
	}
	if c.Agent.Model == "" {
		c.Agent.Model = "gpt-4o-mini"
	}
	if c.Agent.TimeoutSeconds <= 0 {
		c.Agent.TimeoutSeconds = 120
	}
	return nil
}
