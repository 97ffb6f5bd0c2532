package rostercsv

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rostercsv.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "https://uwuowo.mathi.moe", cfg.Server.Origin)
	assert.Equal(t, "NAE", cfg.Server.DefaultRegion)
	assert.Equal(t, 45*time.Second, cfg.Browser.navTimeout)
	assert.Equal(t, 6*time.Hour, cfg.Cache.softRefresh)
	assert.Equal(t, 7*time.Hour, cfg.Cache.hardExpiry)
	assert.Equal(t, 5*time.Hour, cfg.Cache.cooldown)
	assert.Equal(t, int64(64<<20), cfg.Cache.diskMax)
	assert.Equal(t, int64(2<<20), cfg.Scrape.maxText)
	assert.Equal(t, log.InfoLevel, cfg.Logging.level)
	assert.Empty(t, cfg.Cache.priority)
}

func TestLoadConfigFile(t *testing.T) {
	t.Setenv("PORT", "")
	path := writeConfig(t, `
server:
  origin: https://example.test/
  defaultRegion: EUC
browser:
  engines: [chromedp]
scrape:
  concurrency: 2
  maxText: 1mb
cache:
  priority: [Foo, NAE/Bar, " foo "]
  softRefresh: 1h
  hardExpiry: 2h
logging:
  level: debug
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "https://example.test", cfg.Server.Origin)
	assert.Equal(t, []string{"chromedp"}, cfg.Browser.Engines)
	assert.Equal(t, 2, cfg.Scrape.Concurrency)
	assert.Equal(t, int64(1<<20), cfg.Scrape.maxText)
	assert.Equal(t, time.Hour, cfg.Cache.softRefresh)
	assert.Equal(t, log.DebugLevel, cfg.Logging.level)
	// Unset keys keep their defaults.
	assert.Equal(t, 5*time.Hour, cfg.Cache.cooldown)

	want := []Priority{{Region: "EUC", Name: "Foo"}, {Region: "NAE", Name: "Bar"}}
	if diff := cmp.Diff(want, cfg.Cache.priority); diff != "" {
		t.Fatalf("priority (-want +got):\n%s", diff)
	}
}

func TestLoadConfigPortOverride(t *testing.T) {
	t.Setenv("PORT", "8080")
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)

	t.Setenv("PORT", "eighty")
	_, err = LoadConfig("")
	require.ErrorContains(t, err, "PORT")
}

func TestLoadConfigErrorsNameTheKey(t *testing.T) {
	t.Setenv("PORT", "")
	cases := map[string]string{
		"server.origin":         "server:\n  origin: ftp://example.test\n",
		"browser.engines":       "browser:\n  engines: []\n",
		"scrape.rosterWait":     "scrape:\n  rosterWait: soon\n",
		"scrape.maxText":        "scrape:\n  maxText: lots\n",
		"cache.softRefresh":     "cache:\n  softRefresh: 8h\n",
		"cache.priority[1]":     "cache:\n  priority: [Foo, \"NAE/\"]\n",
		"cache.refreshAttempts": "cache:\n  refreshAttempts: 0\n",
		"logging.level":         "logging:\n  level: loud\n",
	}
	for key, body := range cases {
		t.Run(key, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, body))
			require.ErrorContains(t, err, key)
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestParsePriority(t *testing.T) {
	p, err := parsePriority(" Foo ", "NAE")
	require.NoError(t, err)
	assert.Equal(t, Priority{Region: "NAE", Name: "Foo"}, p)

	p, err = parsePriority("EUC / Bar", "NAE")
	require.NoError(t, err)
	assert.Equal(t, Priority{Region: "EUC", Name: "Bar"}, p)

	for _, bad := range []string{"", "/Foo", "NAE/", "NAE/Foo/x"} {
		_, err := parsePriority(bad, "NAE")
		assert.Error(t, err, bad)
	}
}

func TestLaunchOptions(t *testing.T) {
	cfg := DefaultConfig()
	opts := cfg.Browser.LaunchOptions()
	assert.True(t, opts.Headless)
	assert.Equal(t, 1366, opts.Viewport.Width)
	assert.Equal(t, cfg.Browser.BlockedDomains, opts.Block.Domains)
}
