package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"calmirror/internal/clock"
	"calmirror/internal/model"
)

// SourceConfig describes one upstream calendar.
type SourceConfig struct {
	// Source names where the feed comes from (e.g. "ics", "school"); it is
	// part of the mirrored identity string.
	Source string `yaml:"source" json:"source"`
	// Tag is the short identifier shown in brackets on mirrored events.
	Tag string `yaml:"tag" json:"tag"`
	// Title is a human-friendly label.
	Title string `yaml:"title" json:"title"`
	// URL is the ICS endpoint. If empty, CALENDAR_URL_<index> is used.
	URL string `yaml:"url,omitempty" json:"url,omitempty"`
}

// ScheduleConfig holds the cron expressions used by `calmirror serve`.
type ScheduleConfig struct {
	First   string `yaml:"first" json:"first"`
	Refresh string `yaml:"refresh" json:"refresh"`
	Last    string `yaml:"last" json:"last"`
}

// RetryConfig controls retries of destination writes.
type RetryConfig struct {
	Mode       string        `yaml:"mode" json:"mode"`
	Initial    time.Duration `yaml:"initial" json:"initial"`
	Max        time.Duration `yaml:"max" json:"max"`
	MaxRetries int           `yaml:"max_retries" json:"max_retries"`
}

// DiscordConfig enables notifications and remote commands over a Discord
// channel. The bot token is read from the environment variable TokenEnv.
type DiscordConfig struct {
	ChannelID string `yaml:"channel_id" json:"channel_id"`
	TokenEnv  string `yaml:"token_env" json:"token_env"`
}

// NATSConfig enables publishing run events to NATS.
type NATSConfig struct {
	URL     string `yaml:"url" json:"url"`
	Subject string `yaml:"subject" json:"subject"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the HTTP API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Timezone is the IANA zone that defines "today" and skip days.
	Timezone string `yaml:"timezone" json:"timezone"`

	// SkipDays are weekday codes (Monday=0 … Sunday=6) or names.
	SkipDays []string `yaml:"skip_days" json:"skip_days"`

	// FutureEventsDays is how many days past today are mirrored.
	FutureEventsDays int `yaml:"future_events_days" json:"future_events_days"`

	StatePath    string `yaml:"state_path" json:"state_path"`
	DatabasePath string `yaml:"database_path" json:"database_path"`
	CacheDir     string `yaml:"cache_dir" json:"cache_dir"`

	// DestinationName is the calendar name used in the exported ICS.
	DestinationName string `yaml:"destination_name" json:"destination_name"`

	Listen string `yaml:"listen" json:"listen"`

	LogLevel string `yaml:"log_level" json:"log_level"`

	Schedule ScheduleConfig `yaml:"schedule" json:"schedule"`

	// CommandPollTimeout bounds the single remote command poll per run.
	CommandPollTimeout time.Duration `yaml:"command_poll_timeout" json:"command_poll_timeout"`

	Retry RetryConfig `yaml:"retry" json:"retry"`

	Sources []SourceConfig `yaml:"sources" json:"sources"`

	Discord *DiscordConfig `yaml:"discord,omitempty" json:"discord,omitempty"`
	NATS    *NATSConfig    `yaml:"nats,omitempty" json:"nats,omitempty"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`

	// resolved by Validate
	location *time.Location
	skipSet  clock.SkipSet
}

const (
	defaultTimezone    = "UTC"
	defaultFutureDays  = 14
	defaultListen      = "127.0.0.1:8080"
	defaultStatePath   = "/var/lib/calmirror/state.json"
	defaultDBPath      = "/var/lib/calmirror/calmirror.db"
	defaultCacheDir    = "/var/lib/calmirror/ics-cache"
	defaultDestination = "Mirrored"
	defaultPollTimeout = 10 * time.Second
	defaultTokenEnv    = "DISCORD_BOT_TOKEN"
	defaultNATSSubject = "calmirror.events"
)

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Timezone:         defaultTimezone,
		SkipDays:         []string{"5", "6"},
		FutureEventsDays: defaultFutureDays,
		StatePath:        defaultStatePath,
		DatabasePath:     defaultDBPath,
		CacheDir:         defaultCacheDir,
		DestinationName:  defaultDestination,
		Listen:           defaultListen,
		LogLevel:         "info",
		Schedule: ScheduleConfig{
			First:   "0 6 * * *",
			Refresh: "*/30 7-22 * * *",
			Last:    "55 23 * * *",
		},
		CommandPollTimeout: defaultPollTimeout,
		Retry: RetryConfig{
			Mode:       "linear",
			Initial:    time.Second,
			Max:        10 * time.Second,
			MaxRetries: 2,
		},
		Sources: []SourceConfig{},
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Timezone == "" {
		c.Timezone = defaultTimezone
	}
	if c.FutureEventsDays < 0 {
		c.FutureEventsDays = 0
	}
	if c.StatePath == "" {
		c.StatePath = defaultStatePath
	}
	if c.DatabasePath == "" {
		c.DatabasePath = defaultDBPath
	}
	if c.CacheDir == "" {
		c.CacheDir = defaultCacheDir
	}
	if c.DestinationName == "" {
		c.DestinationName = defaultDestination
	}
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.CommandPollTimeout <= 0 {
		c.CommandPollTimeout = defaultPollTimeout
	}
	if c.Retry.Mode == "" {
		c.Retry.Mode = "linear"
	}
	if c.Sources == nil {
		c.Sources = []SourceConfig{}
	}
	for i := range c.Sources {
		if c.Sources[i].Source == "" {
			c.Sources[i].Source = "ics"
		}
	}
	if c.Discord != nil && c.Discord.TokenEnv == "" {
		c.Discord.TokenEnv = defaultTokenEnv
	}
	if c.NATS != nil && c.NATS.Subject == "" {
		c.NATS.Subject = defaultNATSSubject
	}
}

// Validate checks everything a run depends on and resolves derived values.
// The returned error, if any, is an *Error.
func (c *Config) Validate() error {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return wrapErr("timezone", "unknown IANA timezone", err)
	}
	skip, err := clock.ParseSkipDays(c.SkipDays)
	if err != nil {
		return wrapErr("skip_days", "invalid weekday", err)
	}
	if len(skip) == 7 {
		return newErr("skip_days", "every weekday is skipped")
	}
	if c.FutureEventsDays <= 0 {
		return newErr("future_events_days", "must be at least 1")
	}
	if len(c.Sources) == 0 {
		return newErr("sources", "at least one source calendar is required")
	}

	seen := make(map[string]bool, len(c.Sources))
	for i, src := range c.Sources {
		field := "sources[" + strconv.Itoa(i) + "]"
		if strings.TrimSpace(src.Tag) == "" {
			return newErr(field+".tag", "is required")
		}
		if strings.TrimSpace(src.Title) == "" {
			return newErr(field+".title", "is required")
		}
		id := src.Model().Identity()
		if seen[id] {
			return newErr(field, "duplicate source identity "+strconv.Quote(id))
		}
		seen[id] = true
		if src.URL == "" {
			return newErr(field+".url", "missing; set it in the config or CALENDAR_URL_"+strconv.Itoa(i))
		}
	}

	if c.Discord != nil && c.Discord.ChannelID == "" {
		return newErr("discord.channel_id", "is required when discord is configured")
	}
	if c.NATS != nil && c.NATS.URL == "" {
		return newErr("nats.url", "is required when nats is configured")
	}

	c.location = loc
	c.skipSet = skip
	return nil
}

// Location returns the validated timezone.
func (c *Config) Location() *time.Location {
	if c.location == nil {
		return time.UTC
	}
	return c.location
}

// SkipSet returns the validated skip-day set.
func (c *Config) SkipSet() clock.SkipSet {
	return c.skipSet
}

// Model converts a source entry into the domain type.
func (s SourceConfig) Model() model.Source {
	return model.Source{Source: s.Source, Tag: s.Tag, Title: s.Title, URL: s.URL}
}

// ModelSources returns every configured source as a domain value.
func (c *Config) ModelSources() []model.Source {
	out := make([]model.Source, 0, len(c.Sources))
	for _, s := range c.Sources {
		out = append(out, s.Model())
	}
	return out
}

// ApplyEnv fills source URLs from CALENDAR_URL_<index> where the file left
// them empty.
func (c *Config) ApplyEnv(getenv func(string) string) {
	for i := range c.Sources {
		if c.Sources[i].URL != "" {
			continue
		}
		c.Sources[i].URL = strings.TrimSpace(getenv(fmt.Sprintf("CALENDAR_URL_%d", i)))
	}
}

// Load reads, normalizes, fills from the environment and validates the YAML
// configuration at path.
//
// Behavior:
//   - If the file does not exist, a default config is written with 0600
//     perms and a validation error is returned, since the default has no
//     sources.
//   - Otherwise the file is parsed, normalized and validated.
func Load(path string, getenv func(string) string) (*Config, error) {
	if path == "" {
		return nil, newErr("config", "path is empty")
	}
	if getenv == nil {
		getenv = os.Getenv
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				return nil, wrapErr("config", "cannot create default config", err)
			}
			return nil, newErr("config", "default config written to "+path+"; add sources and run again")
		}
		return nil, wrapErr("config", "cannot read", err)
	}

	cfg := DefaultConfig()
	cfg.Sources = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, wrapErr("config", "invalid YAML", err)
	}
	cfg.Normalize()
	cfg.ApplyEnv(getenv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
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

	tmp, err := os.CreateTemp(dir, ".calmirror-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
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
