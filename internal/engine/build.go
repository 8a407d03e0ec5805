package engine

import (
	"fmt"
	"time"

	"github.com/moznion/go-optional"
	"go.uber.org/zap"

	"indicatorfeed/internal/config"
	"indicatorfeed/internal/fallback"
	"indicatorfeed/internal/httpx"
	"indicatorfeed/internal/logging"
	"indicatorfeed/internal/provider"
	"indicatorfeed/internal/provider/alphavantage"
	"indicatorfeed/internal/provider/cache"
	"indicatorfeed/internal/provider/mindicador"
	"indicatorfeed/internal/provider/news"
	"indicatorfeed/internal/provider/ratelimit"
	"indicatorfeed/internal/provider/yahoo"
	"indicatorfeed/internal/ticker"
)

// Build assembles the engine described by cfg. Disabled feeds are skipped.
// A provider that cannot be constructed (for example a missing API key) is
// left out with a warning, so its feed serves fallback data.
func Build(cfg config.Config, logger *zap.Logger) (*Engine, error) {
	logger = logging.OrNop(logger)
	feeds, resolver, err := Feeds(cfg, logger)
	if err != nil {
		return nil, err
	}
	return New(feeds, resolver, logger)
}

// Feeds converts the configured feeds and their fallback datasets.
func Feeds(cfg config.Config, logger *zap.Logger) ([]Feed, *fallback.Resolver, error) {
	logger = logging.OrNop(logger)
	timeout := time.Duration(cfg.Server.RequestTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	hc := httpx.New(timeout)
	b := &builder{cfg: cfg, hc: hc, logger: logger, shared: make(map[string]provider.Provider)}

	resolver := fallback.Default()
	out := make([]Feed, 0, len(cfg.Feeds))
	for _, fc := range cfg.Feeds {
		if !fc.IsEnabled() {
			logger.Info("feed disabled", zap.String("feed", fc.ID))
			continue
		}
		f, err := b.feed(fc)
		if err != nil {
			return nil, nil, fmt.Errorf("feed %q: %w", fc.ID, err)
		}
		if len(fc.Fallback) > 0 {
			resolver.Set(fc.ID, fallbackItems(fc))
		}
		out = append(out, f)
	}
	logger.Debug("fallback datasets", zap.Strings("feeds", resolver.Feeds()))
	return out, resolver, nil
}

type builder struct {
	cfg    config.Config
	hc     *httpx.Client
	logger *zap.Logger
	// adapters shared between feeds, so the history cache and the
	// singleflight group span every feed that reads mindicador
	shared map[string]provider.Provider
}

func (b *builder) feed(fc config.Feed) (Feed, error) {
	params, err := toParams(fc)
	if err != nil {
		return Feed{}, err
	}

	f := Feed{
		ID:           fc.ID,
		Kind:         fc.Kind,
		Params:       params,
		Interval:     fc.Interval(),
		Timeout:      fc.Timeout(),
		RequireItems: fc.RequireItems,
		Ticker:       optional.None[ticker.Config](),
	}
	switch fc.Kind {
	case config.KindHistory:
		f.ValidateParams = func(p provider.Params) error {
			return mindicador.ValidateHistory(p.Indicator, p.Year, time.Now())
		}
	case config.KindNews:
		f.ValidateParams = func(p provider.Params) error {
			_, err := provider.ParseCategory(string(p.Category))
			return err
		}
	}
	if fc.Ticker.Enabled {
		f.Ticker = optional.Some(ticker.Config{
			RevealPeriod: time.Duration(fc.Ticker.RevealPeriodMs) * time.Millisecond,
			Dwell:        time.Duration(fc.Ticker.DwellSec) * time.Second,
			ScrollPeriod: time.Duration(fc.Ticker.ScrollPeriodSec) * time.Second,
			Separator:    fc.Ticker.Separator,
		})
	}

	names := fc.Providers
	if len(names) == 0 {
		names = defaultProviders(fc.Kind)
	}
	for _, name := range names {
		p, err := b.provider(name)
		if err != nil {
			b.logger.Warn("provider unavailable, feed will serve fallback data",
				zap.String("feed", fc.ID), zap.String("provider", name), zap.Error(err))
			continue
		}
		f.Providers = append(f.Providers, decorate(p, fc))
	}
	return f, nil
}

func (b *builder) provider(name string) (provider.Provider, error) {
	if p, ok := b.shared[name]; ok {
		return p, nil
	}
	pc := b.cfg.Providers
	var p provider.Provider
	switch name {
	case "mindicador":
		p = mindicador.New(mindicador.Config{
			BaseURL:         pc.Mindicador.BaseURL,
			Keys:            pc.Mindicador.Keys,
			HistoryCacheTTL: time.Duration(pc.Mindicador.HistoryCacheTTLSec) * time.Second,
		}, b.hc)
	case "alphavantage":
		c, err := alphavantage.New(pc.AlphaVantage.APIKey,
			alphavantage.WithBaseURL(pc.AlphaVantage.BaseURL),
			alphavantage.WithHTTPClient(b.hc),
			alphavantage.WithConcurrency(pc.AlphaVantage.MaxConcurrency),
		)
		if err != nil {
			return nil, err
		}
		p = c
	case "yahoo":
		indices := make([]yahoo.Index, 0, len(pc.Yahoo.Indices))
		for _, ix := range pc.Yahoo.Indices {
			indices = append(indices, yahoo.Index{Symbol: ix.Symbol, Name: ix.Name})
		}
		p = yahoo.New(yahoo.Config{BaseURL: pc.Yahoo.BaseURL, Indices: indices, MaxConcurrency: pc.Yahoo.MaxConcurrency}, b.hc)
	case "news":
		p = news.New(news.Config{BaseURL: pc.News.BaseURL, MaxPages: pc.News.MaxPages}, b.hc)
	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}
	b.shared[name] = p
	return p, nil
}

// decorate wraps p with the feed's rate limit and cache, innermost first.
func decorate(p provider.Provider, fc config.Feed) provider.Provider {
	if rl := fc.RateLimit; rl.MaxRequestsPerMinute > 0 {
		p = ratelimit.PerMinute(p, rl.MaxRequestsPerMinute)
	} else if rl.MinRequestIntervalSec > 0 {
		p = ratelimit.MinInterval(p, time.Duration(rl.MinRequestIntervalSec)*time.Second)
	}
	if fc.CacheTTLSec > 0 {
		p = &cache.Provider{P: p, TTL: time.Duration(fc.CacheTTLSec) * time.Second, MaxItems: fc.CacheMaxItems}
	}
	return p
}

func defaultProviders(kind string) []string {
	switch kind {
	case config.KindIndicators, config.KindHistory:
		return []string{"mindicador"}
	case config.KindQuotes:
		return []string{"alphavantage"}
	case config.KindIndices:
		return []string{"yahoo"}
	case config.KindNews:
		return []string{"news"}
	}
	return nil
}

func toParams(fc config.Feed) (provider.Params, error) {
	cat, err := provider.ParseCategory(fc.Params.Category)
	if err != nil {
		return provider.Params{}, err
	}
	p := provider.Params{
		Symbols:   fc.Params.Symbols,
		Category:  cat,
		Indicator: fc.Params.Indicator,
		Year:      fc.Params.Year,
	}
	if fc.Kind == config.KindHistory && p.Year == 0 {
		p.Year = time.Now().Year()
	}
	return p.Clone(), nil
}

func fallbackItems(fc config.Feed) []provider.Item {
	out := make([]provider.Item, 0, len(fc.Fallback))
	for _, fi := range fc.Fallback {
		switch fc.Kind {
		case config.KindQuotes, config.KindIndices:
			out = append(out, provider.Quote{
				Symbol: fi.Symbol, Name: fi.Name, Price: fi.Price, Delta: fi.Delta,
				DeltaPercent: fi.DeltaPercent, Success: true, Source: "fallback",
			})
		default:
			out = append(out, provider.Indicator{
				Key: fi.Key, DisplayName: fi.DisplayName, Value: fi.Value, Unit: fi.Unit,
				SourceProvenance: provider.ProvenanceFallback,
			})
		}
	}
	return out
}
