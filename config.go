package engage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
)

// ============================================================================
// Config types
// ============================================================================

// Config is the engine configuration, stored in ~/.engage/config.toml.
type Config struct {
	Default  ConfigDefault  `toml:"default"`
	Auth     ConfigAuth     `toml:"auth"`
	Realtime ConfigRealtime `toml:"realtime"`
	Typing   ConfigTyping   `toml:"typing"`
	Cache    ConfigCache    `toml:"cache"`
}

// ConfigDefault holds general settings.
type ConfigDefault struct {
	BaseURL     string `toml:"base_url"`
	Environment string `toml:"environment"`
}

// ConfigAuth holds the stored session.
type ConfigAuth struct {
	Token    string `toml:"token"`
	UserID   string `toml:"user_id"`
	Username string `toml:"username"`
}

// ConfigRealtime mirrors RealtimeConfig.
type ConfigRealtime struct {
	AutoReconnect        *bool    `toml:"auto_reconnect,omitempty"`
	MaxReconnectAttempts int      `toml:"max_reconnect_attempts"`
	ReconnectBaseDelay   Duration `toml:"reconnect_base_delay"`
	ReconnectMaxDelay    Duration `toml:"reconnect_max_delay"`
	HeartbeatInterval    Duration `toml:"heartbeat_interval"`
}

// ConfigTyping mirrors TypingConfig.
type ConfigTyping struct {
	TTL        Duration `toml:"ttl"`
	Debounce   Duration `toml:"debounce"`
	Inactivity Duration `toml:"inactivity"`
}

// ConfigCache sizes the store.
type ConfigCache struct {
	MaxConversationCaches int `toml:"max_conversation_caches"`
	SeenMessageWindow     int `toml:"seen_message_window"`
	PageSize              int `toml:"page_size"`
}

// Duration is a time.Duration written as "1s", "250ms" in TOML.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// ============================================================================
// Defaults
// ============================================================================

// Defaults fills every unset value.
func (c *Config) Defaults() {
	if c.Default.BaseURL == "" {
		c.Default.BaseURL = DefaultBaseURL
	}
	if c.Default.Environment == "" {
		c.Default.Environment = "production"
	}

	rt := DefaultRealtimeConfig()
	if c.Realtime.AutoReconnect == nil {
		c.Realtime.AutoReconnect = &rt.AutoReconnect
	}
	if c.Realtime.MaxReconnectAttempts == 0 {
		c.Realtime.MaxReconnectAttempts = rt.MaxReconnectAttempts
	}
	defaultDuration(&c.Realtime.ReconnectBaseDelay, rt.ReconnectBaseDelay)
	defaultDuration(&c.Realtime.ReconnectMaxDelay, rt.ReconnectMaxDelay)
	defaultDuration(&c.Realtime.HeartbeatInterval, rt.HeartbeatInterval)

	ty := DefaultTypingConfig()
	defaultDuration(&c.Typing.TTL, ty.TTL)
	defaultDuration(&c.Typing.Debounce, ty.Debounce)
	defaultDuration(&c.Typing.Inactivity, ty.Inactivity)

	if c.Cache.MaxConversationCaches <= 0 {
		c.Cache.MaxConversationCaches = 64
	}
	if c.Cache.SeenMessageWindow <= 0 {
		c.Cache.SeenMessageWindow = 1024
	}
	if c.Cache.PageSize <= 0 {
		c.Cache.PageSize = 20
	}
}

func defaultDuration(d *Duration, v time.Duration) {
	if d.Duration <= 0 {
		d.Duration = v
	}
}

// RealtimeConfig returns the channel settings.
func (c *Config) RealtimeConfig() RealtimeConfig {
	rc := RealtimeConfig{
		AutoReconnect:        c.Realtime.AutoReconnect == nil || *c.Realtime.AutoReconnect,
		MaxReconnectAttempts: c.Realtime.MaxReconnectAttempts,
		ReconnectBaseDelay:   c.Realtime.ReconnectBaseDelay.Duration,
		ReconnectMaxDelay:    c.Realtime.ReconnectMaxDelay.Duration,
		HeartbeatInterval:    c.Realtime.HeartbeatInterval.Duration,
	}
	rc.defaults()
	return rc
}

// TypingConfig returns the typing settings.
func (c *Config) TypingConfig() TypingConfig {
	tc := TypingConfig{
		TTL:        c.Typing.TTL.Duration,
		Debounce:   c.Typing.Debounce.Duration,
		Inactivity: c.Typing.Inactivity.Duration,
	}
	tc.defaults()
	return tc
}

// ============================================================================
// Loading
// ============================================================================

// DefaultConfigPath returns ~/.engage/config.toml.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".engage", "config.toml"), nil
}

// LoadConfig reads path, overlays the environment (after loading an optional
// .env file from the working directory) and fills defaults. A missing file
// yields the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg, err := ReadConfig(path)
	if err != nil {
		return nil, err
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("cannot load .env: %w", err)
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	cfg.Defaults()
	return cfg, nil
}

// ReadConfig parses the TOML file at path without overlays or defaults.
func ReadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// SaveConfig writes cfg to path as TOML, creating the directory.
func SaveConfig(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// envKeys maps environment variables to config keys.
var envKeys = map[string]string{
	"ENGAGE_BASE_URL":    "default.base_url",
	"ENGAGE_ENVIRONMENT": "default.environment",
	"ENGAGE_TOKEN":       "auth.token",
	"ENGAGE_USER_ID":     "auth.user_id",
	"ENGAGE_USERNAME":    "auth.username",
}

// ApplyEnv overrides config values from the ENGAGE_* variables getenv
// returns.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	for env, key := range envKeys {
		if v := getenv(env); v != "" {
			if err := c.Set(key, v); err != nil {
				return fmt.Errorf("%s: %w", env, err)
			}
		}
	}
	return nil
}

// Set assigns a value using dot notation, e.g. "realtime.heartbeat_interval".
func (c *Config) Set(key, value string) error {
	section, field, ok := strings.Cut(key, ".")
	if !ok {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	bad := func() error { return fmt.Errorf("unknown field %q in section [%s]", field, section) }

	switch section {
	case "default":
		switch field {
		case "base_url":
			c.Default.BaseURL = value
		case "environment":
			c.Default.Environment = value
		default:
			return bad()
		}
	case "auth":
		switch field {
		case "token":
			c.Auth.Token = value
		case "user_id":
			c.Auth.UserID = value
		case "username":
			c.Auth.Username = value
		default:
			return bad()
		}
	case "realtime":
		switch field {
		case "auto_reconnect":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			c.Realtime.AutoReconnect = &b
		case "max_reconnect_attempts":
			return setInt(&c.Realtime.MaxReconnectAttempts, key, value)
		case "reconnect_base_delay":
			return c.Realtime.ReconnectBaseDelay.UnmarshalText([]byte(value))
		case "reconnect_max_delay":
			return c.Realtime.ReconnectMaxDelay.UnmarshalText([]byte(value))
		case "heartbeat_interval":
			return c.Realtime.HeartbeatInterval.UnmarshalText([]byte(value))
		default:
			return bad()
		}
	case "typing":
		switch field {
		case "ttl":
			return c.Typing.TTL.UnmarshalText([]byte(value))
		case "debounce":
			return c.Typing.Debounce.UnmarshalText([]byte(value))
		case "inactivity":
			return c.Typing.Inactivity.UnmarshalText([]byte(value))
		default:
			return bad()
		}
	case "cache":
		switch field {
		case "max_conversation_caches":
			return setInt(&c.Cache.MaxConversationCaches, key, value)
		case "seen_message_window":
			return setInt(&c.Cache.SeenMessageWindow, key, value)
		case "page_size":
			return setInt(&c.Cache.PageSize, key, value)
		default:
			return bad()
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth, realtime, typing, cache)", section)
	}
	return nil
}

func setInt(dst *int, key, value string) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}
