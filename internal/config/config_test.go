package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, Validate(cfg))

	ind, ok := cfg.Feed("indicators")
	require.True(t, ok)
	require.True(t, ind.IsEnabled())
	require.Equal(t, 5*time.Minute, ind.Interval())
	require.True(t, ind.Ticker.Enabled)

	stocks, _ := cfg.Feed("stocks")
	require.Equal(t, 30*time.Second, stocks.Interval())

	news, _ := cfg.Feed("news")
	require.Zero(t, news.Interval())

	_, ok = cfg.Feed("missing")
	require.False(t, ok)
}

func TestLoad_MissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	require.Equal(t, "8080", cfg.Server.Port)
	require.Len(t, cfg.Feeds, 5)
}

func TestLoad_YAMLAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: "9090"
providers:
  news:
    base_url: http://news.internal:8000
feeds:
  - id: fx-banner
    kind: indicators
    providers: [mindicador]
    interval_sec: 120
    ticker:
      enabled: true
      dwell_sec: 30
    fallback:
      - {key: dolar, display_name: DOLAR, value: 950.5, unit: $}
  - id: news
    kind: news
    enabled: false
    params:
      category: tributaria
`), 0o600))

	t.Setenv("ALPHAVANTAGE_API_KEY", "secret")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("FEED_FX_BANNER_INTERVAL_SEC", "60")
	t.Setenv("FEED_NEWS_ENABLED", "yes")

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "9090", cfg.Server.Port)
	require.Equal(t, "debug", cfg.Server.LogLevel)
	require.Equal(t, "secret", cfg.Providers.AlphaVantage.APIKey)
	require.Equal(t, "http://news.internal:8000", cfg.Providers.News.BaseURL)
	// untouched provider sections keep their defaults
	require.Equal(t, "https://mindicador.cl", cfg.Providers.Mindicador.BaseURL)

	require.Len(t, cfg.Feeds, 2)
	fx := cfg.Feeds[0]
	require.Equal(t, time.Minute, fx.Interval())
	require.Equal(t, 30, fx.Ticker.DwellSec)
	require.Len(t, fx.Fallback, 1)
	require.InDelta(t, 950.5, fx.Fallback[0].Value, 1e-9)

	news := cfg.Feeds[1]
	require.True(t, news.IsEnabled())
	require.Equal(t, "tributaria", news.Params.Category)
}

func TestLoad_AcceptsJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"server": {"port": "7000"}}`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "7000", cfg.Server.Port)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"bad kind":         func(c *Config) { c.Feeds[0].Kind = "crypto" },
		"bad provider":     func(c *Config) { c.Feeds[0].Providers = []string{"bloomberg"} },
		"negative":         func(c *Config) { c.Feeds[0].IntervalSec = -1 },
		"duplicate id":     func(c *Config) { c.Feeds[1].ID = c.Feeds[0].ID },
		"history params":   func(c *Config) { c.Feeds[3].Params.Indicator = "" },
		"bad url":          func(c *Config) { c.Providers.News.BaseURL = "not a url" },
		"bad log level":    func(c *Config) { c.Server.LogLevel = "loud" },
		"non-numeric port": func(c *Config) { c.Server.Port = "http" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			require.Error(t, Validate(cfg))
		})
	}
}

func TestEnvName(t *testing.T) {
	require.Equal(t, "FX_BANNER", envName("fx-banner"))
	require.Equal(t, "NEWS2", envName("news2"))
}
