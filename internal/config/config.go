package config

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/claraverse/pulse/internal/poller"
)

// DefaultBackendURL is the default HTTP(S) base of the ClaraVerse backend.
// Override at build time with: go build -ldflags "-X github.com/claraverse/pulse/internal/config.DefaultBackendURL=http://localhost:3001"
var DefaultBackendURL = "https://claraverse.app"

const (
	DefaultListenAddr           = "127.0.0.1:7410"
	DefaultPresencePoll         = "1s"
	DefaultNotificationsRefresh = "5m"
	DefaultPendingTTL           = "10m"
	DefaultAlertInterval        = "2s"

	envPrefix = "PULSE"
)

// Config represents the application configuration
type Config struct {
	BackendURL string `yaml:"backend_url" mapstructure:"backend_url"`
	// WSURL overrides the push base derived from BackendURL
	WSURL     string `yaml:"ws_url,omitempty" mapstructure:"ws_url"`
	AuthToken string `yaml:"auth_token" mapstructure:"auth_token"`
	UserID    string `yaml:"user_id" mapstructure:"user_id"`

	ListenAddr string `yaml:"listen_addr" mapstructure:"listen_addr"`
	RedisURL   string `yaml:"redis_url,omitempty" mapstructure:"redis_url"`

	PresencePoll         string `yaml:"presence_poll" mapstructure:"presence_poll"`
	NotificationsRefresh string `yaml:"notifications_refresh" mapstructure:"notifications_refresh"` // duration or cron expression
	PendingTTL           string `yaml:"pending_ttl" mapstructure:"pending_ttl"`

	Bell          bool   `yaml:"bell" mapstructure:"bell"`
	AlertInterval string `yaml:"alert_interval" mapstructure:"alert_interval"`

	LogLevel  string `yaml:"log_level" mapstructure:"log_level"`
	LogFormat string `yaml:"log_format" mapstructure:"log_format"`
}

// Default returns a config with every default filled in
func Default() *Config {
	return &Config{
		BackendURL:           DefaultBackendURL,
		ListenAddr:           DefaultListenAddr,
		PresencePoll:         DefaultPresencePoll,
		NotificationsRefresh: DefaultNotificationsRefresh,
		PendingTTL:           DefaultPendingTTL,
		Bell:                 true,
		AlertInterval:        DefaultAlertInterval,
		LogLevel:             "info",
		LogFormat:            "text",
	}
}

// DefaultPath returns ~/.claraverse/pulse.yaml, resolving the invoking
// user's home when running under sudo.
func DefaultPath() (string, error) {
	var home string
	if sudoUser := os.Getenv("SUDO_USER"); sudoUser != "" {
		if u, err := user.Lookup(sudoUser); err == nil {
			home = u.HomeDir
		}
	}
	if home == "" {
		var err error
		home, err = os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
	}
	return filepath.Join(home, ".claraverse", "pulse.yaml"), nil
}

// Load loads the configuration from the default path
func Load() (*Config, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}
	return LoadFrom(path)
}

// LoadFrom reads path, creating it with defaults when missing. PULSE_*
// environment variables override file values.
func LoadFrom(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := SaveTo(path, Default()); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("backend_url", d.BackendURL)
	v.SetDefault("ws_url", "")
	v.SetDefault("auth_token", "")
	v.SetDefault("user_id", "")
	v.SetDefault("listen_addr", d.ListenAddr)
	v.SetDefault("redis_url", "")
	v.SetDefault("presence_poll", d.PresencePoll)
	v.SetDefault("notifications_refresh", d.NotificationsRefresh)
	v.SetDefault("pending_ttl", d.PendingTTL)
	v.SetDefault("bell", d.Bell)
	v.SetDefault("alert_interval", d.AlertInterval)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_format", d.LogFormat)
}

// Save writes cfg to the default path
func Save(cfg *Config) error {
	path, err := DefaultPath()
	if err != nil {
		return err
	}
	return SaveTo(path, cfg)
}

// SaveTo writes cfg to path with owner-only permissions
func SaveTo(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// write-then-rename so a watcher never sees a half-written file
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Validate checks URLs and durations
func (c *Config) Validate() error {
	if !strings.HasPrefix(c.BackendURL, "http://") && !strings.HasPrefix(c.BackendURL, "https://") {
		return fmt.Errorf("backend_url must be http(s), got %q", c.BackendURL)
	}
	if c.WSURL != "" && !strings.HasPrefix(c.WSURL, "ws://") && !strings.HasPrefix(c.WSURL, "wss://") {
		return fmt.Errorf("ws_url must be ws(s), got %q", c.WSURL)
	}
	for key, value := range map[string]string{
		"presence_poll":  c.PresencePoll,
		"pending_ttl":    c.PendingTTL,
		"alert_interval": c.AlertInterval,
	} {
		if d, err := time.ParseDuration(value); err != nil || d <= 0 {
			return fmt.Errorf("%s must be a positive duration, got %q", key, value)
		}
	}
	if _, err := c.RefreshTrigger(); err != nil {
		return fmt.Errorf("notifications_refresh: %w", err)
	}
	return nil
}

// RefreshTrigger parses NotificationsRefresh as an interval or cron expression
func (c *Config) RefreshTrigger() (poller.Trigger, error) {
	return poller.ParseTrigger(c.NotificationsRefresh)
}

// APIURL is the REST base, e.g. https://claraverse.app/api
func (c *Config) APIURL() string {
	return strings.TrimSuffix(c.BackendURL, "/") + "/api"
}

// PushURL is the websocket base. Derived from BackendURL unless WSURL is set.
//
//	https://claraverse.app  → wss://claraverse.app/ws
//	http://localhost:3001   → ws://localhost:3001/ws
func (c *Config) PushURL() string {
	if c.WSURL != "" {
		return strings.TrimSuffix(c.WSURL, "/")
	}
	u := strings.TrimSuffix(c.BackendURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + u[len("https://"):]
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + u[len("http://"):]
	}
	return u + "/ws"
}

// PresenceURL is the presence push endpoint
func (c *Config) PresenceURL() string {
	return c.PushURL() + "/presence/"
}

// PresencePollInterval parses PresencePoll; Validate guarantees it parses
func (c *Config) PresencePollInterval() time.Duration {
	d, _ := time.ParseDuration(c.PresencePoll)
	return d
}

// PendingTTLDuration parses PendingTTL
func (c *Config) PendingTTLDuration() time.Duration {
	d, _ := time.ParseDuration(c.PendingTTL)
	return d
}

// AlertIntervalDuration parses AlertInterval
func (c *Config) AlertIntervalDuration() time.Duration {
	d, _ := time.ParseDuration(c.AlertInterval)
	return d
}

// LoggedIn reports whether a credential is stored
func (c *Config) LoggedIn() bool {
	return c.AuthToken != ""
}
