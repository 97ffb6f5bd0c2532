package rostercsv

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"gopkg.in/yaml.v3"

	"rostercsv/internal/browser"
)

type Config struct {
	Server struct {
		Port          int    `yaml:"port"`
		Origin        string `yaml:"origin"`
		DefaultRegion string `yaml:"defaultRegion"`
	} `yaml:"server"`

	Browser BrowserConfig `yaml:"browser"`
	Scrape  ScrapeConfig  `yaml:"scrape"`
	Cache   CacheConfig   `yaml:"cache"`
	Logging LoggingConfig `yaml:"logging"`
}

type BrowserConfig struct {
	Engines   []string `yaml:"engines"`
	Headless  bool     `yaml:"headless"`
	UserAgent string   `yaml:"userAgent"`
	Locale    string   `yaml:"locale"`
	Viewport  struct {
		Width  int `yaml:"width"`
		Height int `yaml:"height"`
	} `yaml:"viewport"`
	StatePath            string   `yaml:"statePath"`
	BlockedResourceTypes []string `yaml:"blockedResourceTypes"`
	BlockedDomains       []string `yaml:"blockedDomains"`
	NavigationTimeout    string   `yaml:"navigationTimeout"`
	ChallengeSettle      string   `yaml:"challengeSettle"`

	// compiled
	navTimeout      time.Duration
	challengeSettle time.Duration
}

type ScrapeConfig struct {
	Concurrency       int    `yaml:"concurrency"`
	RosterWait        string `yaml:"rosterWait"`
	ProfileWait       string `yaml:"profileWait"`
	NetworkRetries    int    `yaml:"networkRetries"`
	NetworkRetryDelay string `yaml:"networkRetryDelay"`
	MaxText           string `yaml:"maxText"`

	// compiled
	rosterWait        time.Duration
	profileWait       time.Duration
	networkRetryDelay time.Duration
	maxText           int64
}

type CacheConfig struct {
	// Priority lists "Name" or "Region/Name"; a bare name uses the default
	// region.
	Priority          []string `yaml:"priority"`
	SoftRefresh       string   `yaml:"softRefresh"`
	HardExpiry        string   `yaml:"hardExpiry"`
	Cooldown          string   `yaml:"cooldown"`
	RefreshAttempts   int      `yaml:"refreshAttempts"`
	RefreshRetryDelay string   `yaml:"refreshRetryDelay"`
	SweepEvery        string   `yaml:"sweepEvery"`
	WarmOnStart       bool     `yaml:"warmOnStart"`
	Path              string   `yaml:"path"`
	ClockPath         string   `yaml:"clockPath"`
	DiskMax           string   `yaml:"diskMax"`

	// compiled
	priority          []Priority
	softRefresh       time.Duration
	hardExpiry        time.Duration
	cooldown          time.Duration
	refreshRetryDelay time.Duration
	sweepEvery        time.Duration
	diskMax           int64
}

type LoggingConfig struct {
	Level         string `yaml:"level"`
	LogStatsEvery string `yaml:"logStatsEvery"`

	// compiled
	level            log.Level
	logStatsEveryDur time.Duration
}

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123 Safari/537.36"

// DefaultConfig is the configuration used when no file is given.
func DefaultConfig() Config {
	var cfg Config
	cfg.Server.Port = 3000
	cfg.Server.Origin = "https://uwuowo.mathi.moe"
	cfg.Server.DefaultRegion = "NAE"

	cfg.Browser.Engines = []string{"firefox", "chromium", "chromedp"}
	cfg.Browser.Headless = true
	cfg.Browser.UserAgent = defaultUserAgent
	cfg.Browser.Locale = "en-US"
	cfg.Browser.Viewport.Width = 1366
	cfg.Browser.Viewport.Height = 900
	cfg.Browser.StatePath = "storage.json"
	cfg.Browser.BlockedResourceTypes = append([]string(nil), browser.DefaultBlockedResourceTypes...)
	cfg.Browser.BlockedDomains = append([]string(nil), browser.DefaultBlockedDomains...)
	cfg.Browser.NavigationTimeout = "45s"
	cfg.Browser.ChallengeSettle = "6s"

	cfg.Scrape.Concurrency = 1
	cfg.Scrape.RosterWait = "400ms"
	cfg.Scrape.ProfileWait = "350ms"
	cfg.Scrape.NetworkRetries = 3
	cfg.Scrape.NetworkRetryDelay = "10s"
	cfg.Scrape.MaxText = "2mb"

	cfg.Cache.SoftRefresh = "6h"
	cfg.Cache.HardExpiry = "7h"
	cfg.Cache.Cooldown = "5h"
	cfg.Cache.RefreshAttempts = 5
	cfg.Cache.RefreshRetryDelay = "15s"
	cfg.Cache.SweepEvery = "10m"
	cfg.Cache.Path = "data/leveldb"
	cfg.Cache.ClockPath = "data/last_refresh.txt"
	cfg.Cache.DiskMax = "64mb"

	cfg.Logging.Level = "info"
	cfg.Logging.LogStatsEvery = "30m"

	if err := cfg.compile(); err != nil {
		panic(err)
	}
	return cfg
}

// LoadConfig reads path over the defaults. An empty path means defaults
// only. PORT, when set, overrides server.port.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, err
		}
	}
	if v := strings.TrimSpace(os.Getenv("PORT")); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("PORT: %w", err)
		}
		cfg.Server.Port = port
	}
	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) compile() error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port: out of range: %d", cfg.Server.Port)
	}
	cfg.Server.Origin = strings.TrimRight(strings.TrimSpace(cfg.Server.Origin), "/")
	if cfg.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	if u, err := url.Parse(cfg.Server.Origin); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("server.origin: not an http(s) URL: %q", cfg.Server.Origin)
	}
	cfg.Server.DefaultRegion = strings.TrimSpace(cfg.Server.DefaultRegion)
	if cfg.Server.DefaultRegion == "" {
		cfg.Server.DefaultRegion = "NAE"
	}

	b := &cfg.Browser
	if len(b.Engines) == 0 {
		return fmt.Errorf("browser.engines: at least one engine is required")
	}
	if b.Viewport.Width <= 0 || b.Viewport.Height <= 0 {
		return fmt.Errorf("browser.viewport: width and height must be positive")
	}
	if err := parseDuration("browser.navigationTimeout", b.NavigationTimeout, &b.navTimeout); err != nil {
		return err
	}
	if b.navTimeout == 0 {
		return fmt.Errorf("browser.navigationTimeout: must be positive")
	}
	if err := parseDuration("browser.challengeSettle", b.ChallengeSettle, &b.challengeSettle); err != nil {
		return err
	}

	s := &cfg.Scrape
	if s.Concurrency < 1 {
		return fmt.Errorf("scrape.concurrency: must be at least 1")
	}
	if s.NetworkRetries < 1 {
		return fmt.Errorf("scrape.networkRetries: must be at least 1")
	}
	for _, d := range []struct {
		key, val string
		dst      *time.Duration
	}{
		{"scrape.rosterWait", s.RosterWait, &s.rosterWait},
		{"scrape.profileWait", s.ProfileWait, &s.profileWait},
		{"scrape.networkRetryDelay", s.NetworkRetryDelay, &s.networkRetryDelay},
	} {
		if err := parseDuration(d.key, d.val, d.dst); err != nil {
			return err
		}
	}
	maxText, err := parseBytes(s.MaxText)
	if err != nil {
		return fmt.Errorf("scrape.maxText: %w", err)
	}
	s.maxText = maxText

	c := &cfg.Cache
	if c.RefreshAttempts < 1 {
		return fmt.Errorf("cache.refreshAttempts: must be at least 1")
	}
	for _, d := range []struct {
		key, val string
		dst      *time.Duration
	}{
		{"cache.softRefresh", c.SoftRefresh, &c.softRefresh},
		{"cache.hardExpiry", c.HardExpiry, &c.hardExpiry},
		{"cache.cooldown", c.Cooldown, &c.cooldown},
		{"cache.refreshRetryDelay", c.RefreshRetryDelay, &c.refreshRetryDelay},
		{"cache.sweepEvery", c.SweepEvery, &c.sweepEvery},
	} {
		if err := parseDuration(d.key, d.val, d.dst); err != nil {
			return err
		}
	}
	if c.softRefresh > c.hardExpiry {
		return fmt.Errorf("cache.softRefresh: %s exceeds cache.hardExpiry %s", c.softRefresh, c.hardExpiry)
	}
	if c.DiskMax != "" {
		n, err := parseBytes(c.DiskMax)
		if err != nil {
			return fmt.Errorf("cache.diskMax: %w", err)
		}
		c.diskMax = n
	}
	c.priority = nil
	seen := map[string]bool{}
	for i, raw := range c.Priority {
		p, err := parsePriority(raw, cfg.Server.DefaultRegion)
		if err != nil {
			return fmt.Errorf("cache.priority[%d]: %w", i, err)
		}
		k := keyFor(p.Region, p.Name).String()
		if seen[k] {
			continue
		}
		seen[k] = true
		c.priority = append(c.priority, p)
	}

	l := &cfg.Logging
	lvl, err := log.ParseLevel(strings.TrimSpace(l.Level))
	if err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	l.level = lvl
	if err := parseDuration("logging.logStatsEvery", l.LogStatsEvery, &l.logStatsEveryDur); err != nil {
		return err
	}
	return nil
}

// parseDuration leaves dst at zero for an empty value.
func parseDuration(key, val string, dst *time.Duration) error {
	val = strings.TrimSpace(val)
	if val == "" {
		*dst = 0
		return nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	if d < 0 {
		return fmt.Errorf("%s: negative duration", key)
	}
	*dst = d
	return nil
}

func parsePriority(raw, defaultRegion string) (Priority, error) {
	raw = strings.TrimSpace(raw)
	region, name, ok := strings.Cut(raw, "/")
	if !ok {
		region, name = defaultRegion, raw
	}
	region, name = strings.TrimSpace(region), strings.TrimSpace(name)
	if region == "" || name == "" || strings.Contains(name, "/") {
		return Priority{}, fmt.Errorf("want Name or Region/Name, got %q", raw)
	}
	return Priority{Region: region, Name: name}, nil
}

// LaunchOptions translates the browser section for browser.Manager.
func (b BrowserConfig) LaunchOptions() browser.LaunchOptions {
	return browser.LaunchOptions{
		Headless:  b.Headless,
		UserAgent: b.UserAgent,
		Locale:    b.Locale,
		Viewport:  browser.Viewport{Width: b.Viewport.Width, Height: b.Viewport.Height},
		Block: browser.BlockRules{
			ResourceTypes: b.BlockedResourceTypes,
			Domains:       b.BlockedDomains,
		},
	}
}

// NewLogger builds the process logger from the logging section.
func NewLogger(w io.Writer, l LoggingConfig) *log.Logger {
	return log.NewWithOptions(w, log.Options{
		Level:           l.level,
		ReportTimestamp: true,
		TimeFormat:      "2006-01-02 15:04:05.000",
	})
}
