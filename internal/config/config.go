package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Feed kinds.
const (
	KindIndicators = "indicators"
	KindQuotes     = "quotes"
	KindIndices    = "indices"
	KindHistory    = "history"
	KindNews       = "news"
)

type Server struct {
	Port              string   `yaml:"port" json:"port" validate:"required,numeric"`
	LogLevel          string   `yaml:"log_level" json:"log_level" validate:"omitempty,oneof=debug info warn error"`
	RequestTimeoutSec int      `yaml:"request_timeout_sec" json:"request_timeout_sec" validate:"gte=0"`
	RetryPerMinute    int      `yaml:"retry_per_minute" json:"retry_per_minute" validate:"gte=0"`
	AllowedOrigins    []string `yaml:"allowed_origins" json:"allowed_origins"`
}

type Mindicador struct {
	BaseURL            string   `yaml:"base_url" json:"base_url" validate:"omitempty,url"`
	Keys               []string `yaml:"keys" json:"keys"`
	HistoryCacheTTLSec int      `yaml:"history_cache_ttl_sec" json:"history_cache_ttl_sec" validate:"gte=0"`
}

type AlphaVantage struct {
	APIKey         string `yaml:"api_key" json:"api_key"`
	BaseURL        string `yaml:"base_url" json:"base_url" validate:"omitempty,url"`
	MaxConcurrency int    `yaml:"max_concurrency" json:"max_concurrency" validate:"gte=0"`
}

type Index struct {
	Symbol string `yaml:"symbol" json:"symbol" validate:"required"`
	Name   string `yaml:"name" json:"name" validate:"required"`
}

type Yahoo struct {
	BaseURL        string  `yaml:"base_url" json:"base_url" validate:"omitempty,url"`
	Indices        []Index `yaml:"indices" json:"indices" validate:"dive"`
	MaxConcurrency int     `yaml:"max_concurrency" json:"max_concurrency" validate:"gte=0"`
}

type News struct {
	BaseURL  string `yaml:"base_url" json:"base_url" validate:"omitempty,url"`
	MaxPages int    `yaml:"max_pages" json:"max_pages" validate:"gte=0"`
}

type Providers struct {
	Mindicador   Mindicador   `yaml:"mindicador" json:"mindicador"`
	AlphaVantage AlphaVantage `yaml:"alphavantage" json:"alphavantage"`
	Yahoo        Yahoo        `yaml:"yahoo" json:"yahoo"`
	News         News         `yaml:"news" json:"news"`
}

type Params struct {
	Symbols   []string `yaml:"symbols" json:"symbols"`
	Category  string   `yaml:"category" json:"category"`
	Indicator string   `yaml:"indicator" json:"indicator"`
	Year      int      `yaml:"year" json:"year" validate:"gte=0"`
}

type RateLimit struct {
	MaxRequestsPerMinute  int `yaml:"max_requests_per_minute" json:"max_requests_per_minute" validate:"gte=0"`
	MinRequestIntervalSec int `yaml:"min_request_interval_sec" json:"min_request_interval_sec" validate:"gte=0"`
}

type Ticker struct {
	Enabled         bool   `yaml:"enabled" json:"enabled"`
	RevealPeriodMs  int    `yaml:"reveal_period_ms" json:"reveal_period_ms" validate:"gte=0"`
	DwellSec        int    `yaml:"dwell_sec" json:"dwell_sec" validate:"gte=0"`
	ScrollPeriodSec int    `yaml:"scroll_period_sec" json:"scroll_period_sec" validate:"gte=0"`
	Separator       string `yaml:"separator" json:"separator"`
}

// FallbackItem overrides one entry of a feed's reference dataset. Indicator
// feeds read Key/DisplayName/Value/Unit; quote feeds read the quote fields.
type FallbackItem struct {
	Key          string  `yaml:"key" json:"key"`
	DisplayName  string  `yaml:"display_name" json:"display_name"`
	Value        float64 `yaml:"value" json:"value"`
	Unit         string  `yaml:"unit" json:"unit"`
	Symbol       string  `yaml:"symbol" json:"symbol"`
	Name         string  `yaml:"name" json:"name"`
	Price        float64 `yaml:"price" json:"price"`
	Delta        float64 `yaml:"delta" json:"delta"`
	DeltaPercent string  `yaml:"delta_percent" json:"delta_percent"`
}

type Feed struct {
	ID   string `yaml:"id" json:"id" validate:"required"`
	Kind string `yaml:"kind" json:"kind" validate:"required,oneof=indicators quotes indices history news"`
	// Enabled defaults to true when omitted.
	Enabled       *bool          `yaml:"enabled" json:"enabled"`
	Providers     []string       `yaml:"providers" json:"providers" validate:"dive,oneof=mindicador alphavantage yahoo news"`
	IntervalSec   int            `yaml:"interval_sec" json:"interval_sec" validate:"gte=0"`
	TimeoutSec    int            `yaml:"timeout_sec" json:"timeout_sec" validate:"gte=0"`
	Params        Params         `yaml:"params" json:"params"`
	RequireItems  bool           `yaml:"require_items" json:"require_items"`
	CacheTTLSec   int            `yaml:"cache_ttl_sec" json:"cache_ttl_sec" validate:"gte=0"`
	CacheMaxItems int            `yaml:"cache_max_items" json:"cache_max_items" validate:"gte=0"`
	RateLimit     RateLimit      `yaml:"rate_limit" json:"rate_limit"`
	Ticker        Ticker         `yaml:"ticker" json:"ticker"`
	Fallback      []FallbackItem `yaml:"fallback" json:"fallback"`
}

func (f Feed) IsEnabled() bool { return f.Enabled == nil || *f.Enabled }

func (f Feed) Interval() time.Duration { return time.Duration(f.IntervalSec) * time.Second }

func (f Feed) Timeout() time.Duration { return time.Duration(f.TimeoutSec) * time.Second }

type Config struct {
	Server    Server    `yaml:"server" json:"server"`
	Providers Providers `yaml:"providers" json:"providers"`
	Feeds     []Feed    `yaml:"feeds" json:"feeds" validate:"dive"`
}

// Feed returns the feed with the given id.
func (c Config) Feed(id string) (Feed, bool) {
	for _, f := range c.Feeds {
		if f.ID == id {
			return f, true
		}
	}
	return Feed{}, false
}

func Default() Config {
	return Config{
		Server: Server{Port: "8080", LogLevel: "info", RequestTimeoutSec: 10, RetryPerMinute: 6},
		Providers: Providers{
			Mindicador:   Mindicador{BaseURL: "https://mindicador.cl", HistoryCacheTTLSec: 600},
			AlphaVantage: AlphaVantage{BaseURL: "https://www.alphavantage.co", MaxConcurrency: 1},
			Yahoo:        Yahoo{BaseURL: "https://query1.finance.yahoo.com", MaxConcurrency: 2},
			News:         News{BaseURL: "http://localhost:8000", MaxPages: 1},
		},
		Feeds: DefaultFeeds(),
	}
}

// DefaultFeeds mirrors the widgets of the site: the indicator banner, the
// stock board, the global index board, the historical chart and the news
// panel.
func DefaultFeeds() []Feed {
	return []Feed{
		{
			ID: "indicators", Kind: KindIndicators, Providers: []string{"mindicador"},
			IntervalSec: 300, TimeoutSec: 10, RequireItems: true,
			Ticker: Ticker{Enabled: true, RevealPeriodMs: 1500, DwellSec: 60, ScrollPeriodSec: 30, Separator: "•"},
		},
		{
			ID: "stocks", Kind: KindQuotes, Providers: []string{"alphavantage"},
			IntervalSec: 30, TimeoutSec: 10, RequireItems: true,
			Params: Params{Symbols: []string{"AAPL", "GOOGL", "MSFT", "TSLA", "AMZN"}},
		},
		{
			ID: "indices", Kind: KindIndices, Providers: []string{"yahoo"},
			IntervalSec: 300, TimeoutSec: 15, RequireItems: true,
			RateLimit: RateLimit{MinRequestIntervalSec: 60},
		},
		{
			ID: "history", Kind: KindHistory, Providers: []string{"mindicador"},
			TimeoutSec: 10, Params: Params{Indicator: "uf"},
		},
		{
			ID: "news", Kind: KindNews, Providers: []string{"news"},
			TimeoutSec: 10, CacheTTLSec: 60, CacheMaxItems: 32,
			Params: Params{Category: "laboral"},
		},
	}
}

// Load reads a YAML (or JSON) config from path. If path is empty, CONFIG_FILE
// is consulted, then config.yaml and config.json in the working directory. A
// missing file yields defaults. Environment variables override select fields
// for secrecy.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path == "" {
		for _, p := range []string{"config.yaml", "config.json"} {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(b, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config: %w", err)
			}
		}
	}
	applyEnv(&cfg)
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks struct tags and cross-field rules.
func Validate(cfg Config) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	seen := make(map[string]struct{}, len(cfg.Feeds))
	for _, f := range cfg.Feeds {
		if _, dup := seen[f.ID]; dup {
			return fmt.Errorf("invalid config: duplicate feed id %q", f.ID)
		}
		seen[f.ID] = struct{}{}
		if f.Kind == KindHistory && f.Params.Indicator == "" {
			return fmt.Errorf("invalid config: feed %q: history feeds need params.indicator", f.ID)
		}
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Server.LogLevel = strings.ToLower(v)
	}
	if x, ok := envInt("REQUEST_TIMEOUT_SEC"); ok && x > 0 {
		cfg.Server.RequestTimeoutSec = x
	}
	if v := os.Getenv("ALPHAVANTAGE_API_KEY"); v != "" {
		cfg.Providers.AlphaVantage.APIKey = v
	}
	if v := os.Getenv("ALPHAVANTAGE_BASE_URL"); v != "" {
		cfg.Providers.AlphaVantage.BaseURL = v
	}
	if v := os.Getenv("MINDICADOR_BASE_URL"); v != "" {
		cfg.Providers.Mindicador.BaseURL = v
	}
	if v := os.Getenv("YAHOO_BASE_URL"); v != "" {
		cfg.Providers.Yahoo.BaseURL = v
	}
	if v := os.Getenv("NEWS_BASE_URL"); v != "" {
		cfg.Providers.News.BaseURL = v
	}
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		cfg.Server.AllowedOrigins = splitCSV(v)
	}

	for i := range cfg.Feeds {
		f := &cfg.Feeds[i]
		prefix := "FEED_" + envName(f.ID) + "_"
		if x, ok := envInt(prefix + "INTERVAL_SEC"); ok && x >= 0 {
			f.IntervalSec = x
		}
		if x, ok := envInt(prefix + "TIMEOUT_SEC"); ok && x >= 0 {
			f.TimeoutSec = x
		}
		if v := os.Getenv(prefix + "ENABLED"); v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "y":
				f.Enabled = boolPtr(true)
			case "0", "false", "no", "n":
				f.Enabled = boolPtr(false)
			}
		}
		if v := os.Getenv(prefix + "SYMBOLS"); v != "" {
			f.Params.Symbols = splitCSV(v)
		}
	}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	x, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, false
	}
	return x, true
}

// envName upper-cases id and replaces anything but letters and digits with '_'.
func envName(id string) string {
	b := []byte(strings.ToUpper(id))
	for i, c := range b {
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			b[i] = '_'
		}
	}
	return string(b)
}

func boolPtr(b bool) *bool { return &b }

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
