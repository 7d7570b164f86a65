package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"

	"birthdaycal/internal/ics"
)

const (
	FetcherHTTP     = "http"
	FetcherChromium = "chromium"
)

// SourceConfig describes where the character data is scraped from.
type SourceConfig struct {
	// ListURL is the character listing page.
	ListURL string `yaml:"list_url" json:"list_url"`
	// DetailURLPrefix is joined with the escaped character name.
	DetailURLPrefix string `yaml:"detail_url_prefix" json:"detail_url_prefix"`
	// Offset is the UTC offset the wiki's dates are written in, e.g. "+0800".
	Offset string `yaml:"offset" json:"offset"`
	// Fetcher is "http" (default) or "chromium".
	Fetcher string `yaml:"fetcher" json:"fetcher"`
	// CacheDir holds the HTTP page cache.
	CacheDir string `yaml:"cache_dir" json:"cache_dir"`
	// TimeoutSeconds bounds a single page load.
	TimeoutSeconds int `yaml:"timeout_seconds" json:"timeout_seconds"`
	// DelayMillis is the pause between two detail page fetches.
	DelayMillis int `yaml:"delay_ms" json:"delay_ms"`
	// StaleOnError serves cached pages when the wiki is unreachable
	// instead of failing the run. HTTP fetcher only.
	StaleOnError bool `yaml:"stale_on_error" json:"stale_on_error"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the HTTP server.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// PublishConfig enables uploading saved files to a WebDAV collection.
type PublishConfig struct {
	URL      string `yaml:"url" json:"url"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// OutputDir holds the calendar and index files.
	OutputDir    string `yaml:"output_dir" json:"output_dir"`
	CalendarFile string `yaml:"calendar_file" json:"calendar_file"`
	IndexFile    string `yaml:"index_file" json:"index_file"`

	// UIDPrefix is prepended to character IDs to form event UIDs. Changing
	// it orphans every existing event.
	UIDPrefix string `yaml:"uid_prefix" json:"uid_prefix"`

	// Prune drops characters that disappeared from the listing. Defaults
	// to true when unset.
	Prune *bool `yaml:"prune,omitempty" json:"prune,omitempty"`

	// Verify re-reads the feed with golang-ical before saving. Defaults
	// to true when unset.
	Verify *bool `yaml:"verify,omitempty" json:"verify,omitempty"`

	// Feed is used when no calendar file exists yet. An existing file
	// keeps its own header.
	Feed ics.Config `yaml:"feed" json:"feed"`

	Source SourceConfig `yaml:"source" json:"source"`

	// RefreshCron is the cron schedule used by the serve command.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// Listen is the HTTP listen address of the serve command.
	Listen string `yaml:"listen" json:"listen"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all
	// endpoints except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`

	Publish *PublishConfig `yaml:"publish,omitempty" json:"publish,omitempty"`

	LogLevel string `yaml:"log_level" json:"log_level"`
}

// DefaultFeed returns the header of a freshly created feed.
func DefaultFeed() ics.Config {
	return ics.Config{
		Version:         "2.0",
		ProdID:          "-//SmallZombie//ZZZ Birthday ICS//ZH",
		Name:            "绝区零角色生日",
		RefreshInterval: "P1D",
		CalScale:        "GREGORIAN",
		TZID:            "Asia/Shanghai",
		TZOffset:        "+0800",
	}
}

// DefaultSource returns the wiki settings.
func DefaultSource() SourceConfig {
	return SourceConfig{
		// 角色图鉴
		ListURL:         "https://wiki.biligame.com/zzz/%E8%A7%92%E8%89%B2%E5%9B%BE%E9%89%B4",
		DetailURLPrefix: "https://wiki.biligame.com/zzz/",
		Offset:          "+0800",
		Fetcher:         FetcherHTTP,
		CacheDir:        "./var/page-cache",
		TimeoutSeconds:  15,
		DelayMillis:     200,
	}
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	prune, verify := true, true
	return &Config{
		OutputDir:    ".",
		CalendarFile: "release.ics",
		IndexFile:    "release.json",
		UIDPrefix:    "zzz-birthday-",
		Prune:        &prune,
		Verify:       &verify,
		Feed:         DefaultFeed(),
		Source:       DefaultSource(),
		RefreshCron:  "0 6 * * *",
		Listen:       "127.0.0.1:8080",
		LogLevel:     "info",
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	def := DefaultConfig()

	if c.OutputDir == "" {
		c.OutputDir = def.OutputDir
	}
	if c.CalendarFile == "" {
		c.CalendarFile = def.CalendarFile
	}
	if c.IndexFile == "" {
		c.IndexFile = def.IndexFile
	}
	if c.UIDPrefix == "" {
		c.UIDPrefix = def.UIDPrefix
	}
	if c.Prune == nil {
		c.Prune = def.Prune
	}
	if c.Verify == nil {
		c.Verify = def.Verify
	}

	// Feed fields are defaulted one by one; a missing field would only
	// surface later as a fatal ics.ConfigError.
	df := def.Feed
	fillString(&c.Feed.Version, df.Version)
	fillString(&c.Feed.ProdID, df.ProdID)
	fillString(&c.Feed.Name, df.Name)
	fillString(&c.Feed.RefreshInterval, df.RefreshInterval)
	fillString(&c.Feed.CalScale, df.CalScale)
	fillString(&c.Feed.TZID, df.TZID)
	fillString(&c.Feed.TZOffset, df.TZOffset)

	ds := def.Source
	fillString(&c.Source.ListURL, ds.ListURL)
	fillString(&c.Source.DetailURLPrefix, ds.DetailURLPrefix)
	fillString(&c.Source.Offset, ds.Offset)
	fillString(&c.Source.Fetcher, ds.Fetcher)
	fillString(&c.Source.CacheDir, ds.CacheDir)
	if c.Source.TimeoutSeconds <= 0 {
		c.Source.TimeoutSeconds = ds.TimeoutSeconds
	}
	// A zero delay is honoured; only negative values are reset.
	if c.Source.DelayMillis < 0 {
		c.Source.DelayMillis = ds.DelayMillis
	}

	if c.RefreshCron == "" {
		c.RefreshCron = def.RefreshCron
	}
	if c.Listen == "" {
		c.Listen = def.Listen
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
}

func fillString(dst *string, def string) {
	if *dst == "" {
		*dst = def
	}
}

// ApplyEnv overrides selected settings from BIRTHDAYCAL_* environment
// variables.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("BIRTHDAYCAL_OUTPUT_DIR"); v != "" {
		c.OutputDir = v
	}
	if v := os.Getenv("BIRTHDAYCAL_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("BIRTHDAYCAL_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("BIRTHDAYCAL_PRUNE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid BIRTHDAYCAL_PRUNE value: %w", err)
		}
		c.Prune = &b
	}
	if v := os.Getenv("BIRTHDAYCAL_PUBLISH_URL"); v != "" {
		if c.Publish == nil {
			c.Publish = &PublishConfig{}
		}
		c.Publish.URL = v
	}
	if v := os.Getenv("BIRTHDAYCAL_PUBLISH_PASSWORD"); v != "" && c.Publish != nil {
		c.Publish.Password = v
	}
	return nil
}

// Validate checks settings that Normalize cannot repair.
func (c *Config) Validate() error {
	if err := c.Feed.Validate(); err != nil {
		return err
	}
	if _, err := ics.LoadLocation(c.Feed.TZID); err != nil {
		return fmt.Errorf("feed.tzid %q: %w", c.Feed.TZID, err)
	}
	switch c.Source.Fetcher {
	case FetcherHTTP, FetcherChromium:
	default:
		return fmt.Errorf("source.fetcher must be %q or %q, got %q", FetcherHTTP, FetcherChromium, c.Source.Fetcher)
	}
	if c.Publish != nil && c.Publish.URL == "" {
		return errors.New("publish.url must be set when publish is configured")
	}
	return nil
}

// PruneEnabled reports whether unlisted characters are removed.
func (c *Config) PruneEnabled() bool {
	return c.Prune == nil || *c.Prune
}

// VerifyEnabled reports whether the feed is cross-checked before saving.
func (c *Config) VerifyEnabled() bool {
	return c.Verify == nil || *c.Verify
}

func (c *Config) CalendarPath() string {
	return filepath.Join(c.OutputDir, c.CalendarFile)
}

func (c *Config) IndexPath() string {
	return filepath.Join(c.OutputDir, c.IndexFile)
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600; the file may hold
//     credentials.
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

	tmp, err := os.CreateTemp(dir, ".birthdaycal-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	// Ensure we clean up temp file on error.
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
