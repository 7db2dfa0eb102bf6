// Package config provides YAML-based configuration loading for dingbridge.
package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Policy values accepted for dm_policy and group_policy.
const (
	PolicyOpen      = "open"
	PolicyAllowlist = "allowlist"
	PolicyDeny      = "deny"
)

// Message surface values accepted for message_type.
const (
	MessageTypeMarkdown = "markdown"
	MessageTypeCard     = "card"
)

// DefaultMaxReconnectCycles bounds stream reconnection per account.
const DefaultMaxReconnectCycles = 10

// HintConfig controls the proactive-permission hint sent to users whose
// targets have a recorded push-permission risk.
type HintConfig struct {
	Enabled       bool `yaml:"enabled"`
	CooldownHours int  `yaml:"cooldown_hours"`
}

// AccountConfig holds per-account DingTalk credentials and policy settings.
// Fields left empty in an account entry inherit the top-level values.
type AccountConfig struct {
	ClientID                string      `yaml:"client_id"`
	ClientSecret            string      `yaml:"client_secret"`
	RobotCode               string      `yaml:"robot_code"`
	MaxReconnectCycles      int         `yaml:"max_reconnect_cycles"`
	DMPolicy                string      `yaml:"dm_policy"`
	GroupPolicy             string      `yaml:"group_policy"`
	AllowFrom               []string    `yaml:"allow_from"`
	MessageType             string      `yaml:"message_type"`
	ShowThinking            bool        `yaml:"show_thinking"`
	ProactivePermissionHint *HintConfig `yaml:"proactive_permission_hint"`
	MediaDir                string      `yaml:"media_dir"`
}

// RosterConfig holds connection settings for the group-member roster store.
type RosterConfig struct {
	Driver   string `yaml:"driver"` // "sqlite" or "mysql"
	Path     string `yaml:"path"`   // sqlite file path
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// Config is the top-level dingbridge configuration, loaded from config.yaml.
// The top level doubles as the default account ("main") when no accounts
// map is given.
type Config struct {
	AccountConfig `yaml:",inline"`

	Accounts      map[string]AccountConfig `yaml:"accounts"`
	Roster        RosterConfig             `yaml:"roster"`
	DashboardPort int                      `yaml:"dashboard_port"`
	LogLevel      string                   `yaml:"log_level"`
	LogPretty     bool                     `yaml:"log_pretty"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// AccountIDs returns the configured account identifiers in sorted order.
// A config without an accounts map defines a single "main" account.
func (c *Config) AccountIDs() []string {
	if len(c.Accounts) == 0 {
		return []string{"main"}
	}
	ids := make([]string, 0, len(c.Accounts))
	for id := range c.Accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Account returns the fully resolved config for the given account ID, with
// account-level values layered over the top-level defaults.
func (c *Config) Account(id string) (AccountConfig, error) {
	if len(c.Accounts) == 0 {
		if id != "main" {
			return AccountConfig{}, fmt.Errorf("config: unknown account %q", id)
		}
		return c.AccountConfig, nil
	}
	ac, ok := c.Accounts[id]
	if !ok {
		return AccountConfig{}, fmt.Errorf("config: unknown account %q", id)
	}
	return ac, nil
}

// mergeAccount layers account values over the top-level defaults.
func mergeAccount(base, ac AccountConfig) AccountConfig {
	out := ac
	if out.ClientID == "" {
		out.ClientID = base.ClientID
	}
	if out.ClientSecret == "" {
		out.ClientSecret = base.ClientSecret
	}
	if out.RobotCode == "" {
		out.RobotCode = base.RobotCode
	}
	if out.MaxReconnectCycles == 0 {
		out.MaxReconnectCycles = base.MaxReconnectCycles
	}
	if out.DMPolicy == "" {
		out.DMPolicy = base.DMPolicy
	}
	if out.GroupPolicy == "" {
		out.GroupPolicy = base.GroupPolicy
	}
	if len(out.AllowFrom) == 0 {
		out.AllowFrom = base.AllowFrom
	}
	if out.MessageType == "" {
		out.MessageType = base.MessageType
	}
	if out.ProactivePermissionHint == nil {
		out.ProactivePermissionHint = base.ProactivePermissionHint
	}
	if out.MediaDir == "" {
		out.MediaDir = base.MediaDir
	}
	return out
}

// applyDefaults fills in inherited, derived and default values.
func (c *Config) applyDefaults() {
	applyAccountDefaults(&c.AccountConfig)
	for id, ac := range c.Accounts {
		merged := mergeAccount(c.AccountConfig, ac)
		applyAccountDefaults(&merged)
		c.Accounts[id] = merged
	}
	if c.Roster.Driver == "" {
		c.Roster.Driver = "sqlite"
	}
	if c.Roster.Path == "" {
		c.Roster.Path = "dingbridge.db"
	}
	if c.Roster.Host == "" {
		c.Roster.Host = "127.0.0.1"
	}
	if c.Roster.Port == 0 {
		c.Roster.Port = 3306
	}
	if c.Roster.User == "" {
		c.Roster.User = "root"
	}
	if c.DashboardPort == 0 {
		c.DashboardPort = 8321
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

func applyAccountDefaults(ac *AccountConfig) {
	if ac.MaxReconnectCycles == 0 {
		ac.MaxReconnectCycles = DefaultMaxReconnectCycles
	}
	if ac.DMPolicy == "" {
		ac.DMPolicy = PolicyOpen
	}
	if ac.GroupPolicy == "" {
		ac.GroupPolicy = PolicyOpen
	}
	if ac.MessageType == "" {
		ac.MessageType = MessageTypeMarkdown
	}
	if ac.ProactivePermissionHint != nil && ac.ProactivePermissionHint.CooldownHours == 0 {
		ac.ProactivePermissionHint.CooldownHours = 24
	}
	if ac.MediaDir == "" {
		ac.MediaDir = defaultMediaDir()
	}
}

func defaultMediaDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".openclaw/media/inbound"
	}
	return home + "/.openclaw/media/inbound"
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	for _, id := range c.AccountIDs() {
		ac, err := c.Account(id)
		if err != nil {
			errs = append(errs, err.Error())
			continue
		}
		if ac.ClientID == "" {
			errs = append(errs, fmt.Sprintf("accounts.%s.client_id is required", id))
		}
		if ac.ClientSecret == "" {
			errs = append(errs, fmt.Sprintf("accounts.%s.client_secret is required", id))
		}
		if !validPolicy(ac.DMPolicy) {
			errs = append(errs, fmt.Sprintf("accounts.%s.dm_policy must be open, allowlist or deny", id))
		}
		if !validPolicy(ac.GroupPolicy) {
			errs = append(errs, fmt.Sprintf("accounts.%s.group_policy must be open, allowlist or deny", id))
		}
		if ac.MessageType != MessageTypeMarkdown && ac.MessageType != MessageTypeCard {
			errs = append(errs, fmt.Sprintf("accounts.%s.message_type must be markdown or card", id))
		}
	}
	if c.Roster.Driver != "sqlite" && c.Roster.Driver != "mysql" {
		errs = append(errs, "roster.driver must be sqlite or mysql")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validPolicy(p string) bool {
	return p == PolicyOpen || p == PolicyAllowlist || p == PolicyDeny
}
