package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

const (
	defaultListen         = "127.0.0.1:8080"
	defaultDatabase       = "./var/compasscal.db"
	defaultLogLevel       = "info"
	defaultRefresh        = "*/15 * * * *"
	defaultMaxRecurrences = 730
	defaultConcurrency    = 4
)

// GoogleConfig holds the OAuth client used for every account.
type GoogleConfig struct {
	ClientID     string `yaml:"client_id" json:"client_id"`
	ClientSecret string `yaml:"client_secret" json:"client_secret"`
}

// AccountConfig is one Google calendar synced for a local user.
type AccountConfig struct {
	User         string `yaml:"user" json:"user"`
	CalendarID   string `yaml:"calendar_id" json:"calendar_id"`
	RefreshToken string `yaml:"refresh_token" json:"refresh_token"`
	// ChannelID is the push channel registered for this calendar, if any.
	ChannelID string `yaml:"channel_id,omitempty" json:"channel_id,omitempty"`
}

// ICSConfig describes a single ICS subscription source.
type ICSConfig struct {
	// URL is the ICS subscription endpoint.
	URL string `yaml:"url" json:"url"`
	// ID is an internal identifier; it also namespaces the feed's event ids.
	ID   string `yaml:"id" json:"id"`
	Name string `yaml:"name" json:"name"`
	// User and Calendar select where the feed's events are stored.
	User     string `yaml:"user" json:"user"`
	Calendar string `yaml:"calendar" json:"calendar"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Enabled reports whether credentials are configured.
func (b BasicAuthConfig) Enabled() bool {
	return b.Username != "" && b.Password != ""
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen"`

	// Database is the SQLite file holding local events and sync records.
	Database string `yaml:"database" json:"database"`

	// LogLevel is one of debug, info or error.
	LogLevel string `yaml:"log_level" json:"log_level"`

	// RefreshCron is a standard five-field cron schedule (e.g. "*/15 * * * *")
	// for the periodic pull of accounts and feeds.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// MaxRecurrences caps the occurrences expanded per series.
	MaxRecurrences int `yaml:"max_recurrences" json:"max_recurrences"`

	// Concurrency bounds the recurring events processed at once.
	Concurrency int `yaml:"concurrency" json:"concurrency"`

	// AtomicEvents runs each recurring event in its own transaction.
	AtomicEvents bool `yaml:"atomic_events" json:"atomic_events"`

	// NotificationToken must match X-Goog-Channel-Token on push
	// notifications. Empty refuses every push.
	NotificationToken string `yaml:"notification_token" json:"notification_token"`

	// CacheDir holds the ICS feed cache.
	CacheDir string `yaml:"cache_dir" json:"cache_dir"`

	Google   GoogleConfig    `yaml:"google" json:"google"`
	Accounts []AccountConfig `yaml:"accounts" json:"accounts"`
	ICS      []ICSConfig     `yaml:"ics" json:"ics"`

	// BasicAuth, when set, protects every endpoint except /health and the
	// push webhook.
	BasicAuth BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// envOverlay lists the settings that may come from the environment.
// Unset variables leave the file value in place.
type envOverlay struct {
	Listen            string `env:"COMPASSCAL_LISTEN"`
	Database          string `env:"COMPASSCAL_DATABASE"`
	LogLevel          string `env:"COMPASSCAL_LOG_LEVEL"`
	RefreshCron       string `env:"COMPASSCAL_REFRESH"`
	MaxRecurrences    *int   `env:"COMPASSCAL_MAX_RECURRENCES"`
	Concurrency       *int   `env:"COMPASSCAL_CONCURRENCY"`
	AtomicEvents      *bool  `env:"COMPASSCAL_ATOMIC_EVENTS"`
	NotificationToken string `env:"COMPASSCAL_NOTIFICATION_TOKEN"`
	CacheDir          string `env:"COMPASSCAL_CACHE_DIR"`
	ClientID          string `env:"COMPASSCAL_GOOGLE_CLIENT_ID"`
	ClientSecret      string `env:"COMPASSCAL_GOOGLE_CLIENT_SECRET"`
	Username          string `env:"COMPASSCAL_BASIC_AUTH_USERNAME"`
	Password          string `env:"COMPASSCAL_BASIC_AUTH_PASSWORD"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:         defaultListen,
		Database:       defaultDatabase,
		LogLevel:       defaultLogLevel,
		RefreshCron:    defaultRefresh,
		MaxRecurrences: defaultMaxRecurrences,
		Concurrency:    defaultConcurrency,
		CacheDir:       "./var/ics-cache",
		Accounts:       []AccountConfig{},
		ICS:            []ICSConfig{},
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	def := DefaultConfig()
	if c.Listen == "" {
		c.Listen = def.Listen
	}
	if c.Database == "" {
		c.Database = def.Database
	}
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	switch c.LogLevel {
	case "debug", "info", "error":
	default:
		c.LogLevel = def.LogLevel
	}
	if c.RefreshCron == "" {
		c.RefreshCron = def.RefreshCron
	}
	if c.MaxRecurrences <= 0 {
		c.MaxRecurrences = def.MaxRecurrences
	}
	if c.Concurrency <= 0 {
		c.Concurrency = def.Concurrency
	}
	if c.CacheDir == "" {
		c.CacheDir = def.CacheDir
	}
	if c.Accounts == nil {
		c.Accounts = []AccountConfig{}
	}
	for i := range c.Accounts {
		if c.Accounts[i].CalendarID == "" {
			c.Accounts[i].CalendarID = "primary"
		}
	}
	if c.ICS == nil {
		c.ICS = []ICSConfig{}
	}
	for i := range c.ICS {
		if c.ICS[i].Calendar == "" {
			c.ICS[i].Calendar = c.ICS[i].ID
		}
	}
}

// Validate reports the first setting the application cannot run with.
func (c *Config) Validate() error {
	if _, err := cron.ParseStandard(c.RefreshCron); err != nil {
		return fmt.Errorf("refresh %q: %w", c.RefreshCron, err)
	}
	seen := map[string]bool{}
	for i, a := range c.Accounts {
		if a.User == "" {
			return fmt.Errorf("accounts[%d]: user is required", i)
		}
		if a.RefreshToken == "" {
			return fmt.Errorf("accounts[%d]: refresh_token is required", i)
		}
		key := a.User + "/" + a.CalendarID
		if seen[key] {
			return fmt.Errorf("accounts[%d]: duplicate calendar %s", i, key)
		}
		seen[key] = true
		if a.ChannelID != "" && c.NotificationToken == "" {
			return fmt.Errorf("accounts[%d]: notification_token is required for push channels", i)
		}
	}
	if len(c.Accounts) > 0 && (c.Google.ClientID == "" || c.Google.ClientSecret == "") {
		return errors.New("google client_id and client_secret are required when accounts are configured")
	}
	ids := map[string]bool{}
	for i, src := range c.ICS {
		if src.ID == "" || src.URL == "" {
			return fmt.Errorf("ics[%d]: id and url are required", i)
		}
		if src.User == "" {
			return fmt.Errorf("ics[%d]: user is required", i)
		}
		if ids[src.ID] {
			return fmt.Errorf("ics[%d]: duplicate id %s", i, src.ID)
		}
		ids[src.ID] = true
	}
	return nil
}

// ApplyEnv overlays COMPASSCAL_* environment variables on c.
func (c *Config) ApplyEnv() error {
	var o envOverlay
	if err := env.Parse(&o); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	setString := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	setString(&c.Listen, o.Listen)
	setString(&c.Database, o.Database)
	setString(&c.LogLevel, o.LogLevel)
	setString(&c.RefreshCron, o.RefreshCron)
	setString(&c.NotificationToken, o.NotificationToken)
	setString(&c.CacheDir, o.CacheDir)
	setString(&c.Google.ClientID, o.ClientID)
	setString(&c.Google.ClientSecret, o.ClientSecret)
	setString(&c.BasicAuth.Username, o.Username)
	setString(&c.BasicAuth.Password, o.Password)
	if o.MaxRecurrences != nil {
		c.MaxRecurrences = *o.MaxRecurrences
	}
	if o.Concurrency != nil {
		c.Concurrency = *o.Concurrency
	}
	if o.AtomicEvents != nil {
		c.AtomicEvents = *o.AtomicEvents
	}
	c.Normalize()
	return nil
}

// Load loads configuration from the given YAML path, then applies the
// environment overlay.
//
// Behavior:
//   - If the file does not exist, a default config is written with 0600
//     perms and returned.
//   - Otherwise the YAML is read and normalized.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	var cfg *Config
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		// First run: create default config file.
		cfg = DefaultConfig()
		if err := Save(path, cfg); err != nil {
			return cfg, err
		}
	case err != nil:
		return nil, err
	default:
		cfg = &Config{}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
		cfg.Normalize()
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg to path atomically via a temp file + rename, with 0600
// permissions on the final file.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".compasscal-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	// Flush and close before chmod/rename.
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Save delegates to the package-level Save.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
