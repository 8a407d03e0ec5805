package yahoo

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"indicatorfeed/internal/httpx"
	"indicatorfeed/internal/provider"
)

// Index is a global index with its display name.
type Index struct {
	Symbol string `yaml:"symbol" json:"symbol"`
	Name   string `yaml:"name" json:"name"`
}

// DefaultIndices is the global index board.
var DefaultIndices = []Index{
	{"^GSPC", "S&P 500"},
	{"^DJI", "Dow Jones"},
	{"^IXIC", "NASDAQ"},
	{"^FTSE", "FTSE 100"},
	{"^GDAXI", "DAX"},
	{"^BVSP", "BOVESPA"},
	{"^IBEX", "IBEX 35"},
	{"^N225", "NIKKEI 225"},
}

// HTTPClient describes an HTTP client.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

type Config struct {
	Name    string
	BaseURL string
	Indices []Index
	Headers map[string]string
	// MaxConcurrency limits concurrent per-symbol requests.
	// Defaults to 1 when <= 0.
	MaxConcurrency int
}

// Provider fetches daily closes from the chart endpoint and derives the
// change against the previous close.
type Provider struct {
	cfg    Config
	client HTTPClient
	names  map[string]string
}

func New(cfg Config, hc HTTPClient) *Provider {
	if cfg.Name == "" {
		cfg.Name = "Yahoo"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://query1.finance.yahoo.com"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if len(cfg.Indices) == 0 {
		cfg.Indices = DefaultIndices
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 1
	}
	if hc == nil {
		hc = httpx.New(10 * time.Second)
	}
	names := make(map[string]string, len(cfg.Indices))
	for _, ix := range cfg.Indices {
		names[ix.Symbol] = ix.Name
	}
	return &Provider{cfg: cfg, client: hc, names: names}
}

func (p *Provider) Name() string { return p.cfg.Name }

func (p *Provider) Fetch(ctx context.Context, params provider.Params) ([]provider.Item, error) {
	symbols := params.Symbols
	if len(symbols) == 0 {
		symbols = make([]string, 0, len(p.cfg.Indices))
		for _, ix := range p.cfg.Indices {
			symbols = append(symbols, ix.Symbol)
		}
	}

	quotes := make([]provider.Quote, len(symbols))
	errs := make([]error, len(symbols))
	sem := make(chan struct{}, p.cfg.MaxConcurrency)
	var wg sync.WaitGroup
	for i, s := range symbols {
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				errs[i] = ctx.Err()
				return
			}
			quotes[i], errs[i] = p.quote(ctx, s)
		}()
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make([]provider.Item, 0, len(symbols))
	var firstErr error
	for i, s := range symbols {
		if errs[i] != nil {
			if firstErr == nil {
				firstErr = errs[i]
			}
			out = append(out, provider.Quote{Symbol: s, Name: p.names[s], Success: false, Source: p.cfg.Name})
			continue
		}
		out = append(out, quotes[i])
	}
	if len(provider.Publishable(out)) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

func (p *Provider) quote(ctx context.Context, symbol string) (provider.Quote, error) {
	u := fmt.Sprintf("%s/v8/finance/chart/%s?range=5d&interval=1d", p.cfg.BaseURL, url.PathEscape(symbol))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
	if err != nil {
		return provider.Quote{}, err
	}
	for k, v := range p.cfg.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return provider.Quote{}, fmt.Errorf("GET %s: %w", u, err)
	}
	defer resp.Body.Close()
	if err := httpx.CheckStatus(resp); err != nil {
		return provider.Quote{}, err
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return provider.Quote{}, fmt.Errorf("read: %w", err)
	}
	return p.parseChart(symbol, body, time.Now().UTC())
}

// parseChart reads chart.result[0].indicators.quote[0].close, skipping the
// null closes the endpoint emits for non-trading days.
func (p *Provider) parseChart(symbol string, body []byte, now time.Time) (provider.Quote, error) {
	if !gjson.ValidBytes(body) {
		return provider.Quote{}, provider.Malformed(symbol+": invalid JSON", nil)
	}
	if desc := gjson.GetBytes(body, "chart.error.description"); desc.Exists() && desc.String() != "" {
		return provider.Quote{}, provider.Malformed(symbol+": "+desc.String(), nil)
	}
	var closes []float64
	lastIdx := -1
	for i, c := range gjson.GetBytes(body, "chart.result.0.indicators.quote.0.close").Array() {
		if c.Type != gjson.Number {
			continue
		}
		closes = append(closes, c.Float())
		lastIdx = i
	}
	if len(closes) == 0 {
		return provider.Quote{}, provider.Malformed(symbol+": no closes", nil)
	}

	last := closes[len(closes)-1]
	var delta, pct float64
	if len(closes) >= 2 {
		prev := closes[len(closes)-2]
		delta = last - prev
		if prev != 0 {
			pct = delta / prev * 100
		}
	}

	// the timestamp of the last numeric close, not of a trailing null
	ts := now
	if stamps := gjson.GetBytes(body, "chart.result.0.timestamp").Array(); lastIdx < len(stamps) {
		ts = time.Unix(stamps[lastIdx].Int(), 0).UTC()
	}
	return provider.Quote{
		Symbol:       symbol,
		Name:         p.names[symbol],
		Price:        round2(last),
		Delta:        round2(delta),
		DeltaPercent: fmt.Sprintf("%.2f", pct),
		Success:      true,
		Source:       p.cfg.Name,
		ReceivedAt:   ts,
	}, nil
}

func round2(v float64) float64 {
	return decimal.NewFromFloat(v).Round(2).InexactFloat64()
}
