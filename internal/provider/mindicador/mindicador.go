package mindicador

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"indicatorfeed/internal/httpx"
	"indicatorfeed/internal/provider"
)

// DefaultKeys is the banner order of daily indicators.
var DefaultKeys = []string{
	"uf", "utm", "dolar", "dolar_intercambio", "euro", "ipc", "ivp",
	"imacec", "tpm", "libra_cobre", "tasa_desempleo", "bitcoin",
}

// DisplayNames are the short labels shown in the banner.
var DisplayNames = map[string]string{
	"uf":                "UF",
	"utm":               "UTM",
	"dolar":             "Dólar",
	"dolar_intercambio": "Dólar Acuerdo",
	"euro":              "Euro",
	"yen":               "Yen",
	"ipc":               "IPC",
	"ivp":               "IVP",
	"imacec":            "IMACEC",
	"tpm":               "TPM",
	"libra_cobre":       "Cobre",
	"tasa_desempleo":    "Desempleo",
	"bitcoin":           "Bitcoin",
}

// HistoryIndicators lists the series available per year.
var HistoryIndicators = []string{
	"uf", "dolar", "euro", "bitcoin", "utm", "ipc", "imacec", "ivp", "libra_cobre", "tasa_desempleo",
}

// FirstHistoryYear is the oldest year offered for historical series.
const FirstHistoryYear = 2000

// HTTPClient describes an HTTP client.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config controls the mindicador provider behavior.
type Config struct {
	Name    string
	BaseURL string
	// Keys selects and orders the daily indicators. Defaults to DefaultKeys.
	Keys    []string
	Headers map[string]string
	// HistoryCacheTTL caches one (indicator, year) series for this long.
	HistoryCacheTTL time.Duration
	// HistoryTimeout bounds a shared series request, which outlives the
	// caller that started it.
	HistoryTimeout time.Duration
}

// Provider fetches daily indicators and yearly historical series.
type Provider struct {
	cfg    Config
	client HTTPClient

	cacheMu sync.RWMutex
	cache   map[string]seriesCache // key: indicator/year

	// coalesce concurrent requests for the same series
	sf singleflight.Group
}

type seriesCache struct {
	items []provider.Item
	until time.Time
}

func New(cfg Config, hc HTTPClient) *Provider {
	if cfg.Name == "" {
		cfg.Name = "Mindicador"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://mindicador.cl"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if len(cfg.Keys) == 0 {
		cfg.Keys = DefaultKeys
	}
	if cfg.HistoryCacheTTL <= 0 {
		cfg.HistoryCacheTTL = 10 * time.Minute
	}
	if cfg.HistoryTimeout <= 0 {
		cfg.HistoryTimeout = 30 * time.Second
	}
	if hc == nil {
		hc = httpx.New(10 * time.Second)
	}
	return &Provider{cfg: cfg, client: hc, cache: make(map[string]seriesCache)}
}

func (p *Provider) Name() string { return p.cfg.Name }

// Fetch returns the daily indicators, or the historical series when both
// params.Indicator and params.Year are set.
func (p *Provider) Fetch(ctx context.Context, params provider.Params) ([]provider.Item, error) {
	if params.Indicator != "" && params.Year > 0 {
		return p.History(ctx, params.Indicator, params.Year)
	}
	return p.Daily(ctx)
}

// ValidateHistory checks an (indicator, year) pair before it is requested.
func ValidateHistory(indicator string, year int, now time.Time) error {
	if !slices.Contains(HistoryIndicators, indicator) {
		return fmt.Errorf("unsupported indicator %q", indicator)
	}
	if year < FirstHistoryYear || year > now.Year() {
		return fmt.Errorf("year %d out of range %d-%d", year, FirstHistoryYear, now.Year())
	}
	return nil
}

type dailyEntry struct {
	Codigo       string `json:"codigo"`
	Nombre       string `json:"nombre"`
	UnidadMedida string `json:"unidad_medida"`
	Fecha        string `json:"fecha"`
	Valor        any    `json:"valor"`
}

// Daily fetches GET /api and normalizes the configured keys.
func (p *Provider) Daily(ctx context.Context) ([]provider.Item, error) {
	var body map[string]json.RawMessage
	if err := p.getJSON(ctx, p.cfg.BaseURL+"/api", &body); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	out := make([]provider.Item, 0, len(p.cfg.Keys))
	for _, key := range p.cfg.Keys {
		raw, ok := body[key]
		if !ok {
			continue
		}
		var e dailyEntry
		if err := decodeNumber(raw, &e); err != nil {
			continue
		}
		v, err := provider.NumberValue(e.Valor)
		if err != nil {
			// unparsable values are dropped, never defaulted
			continue
		}
		name := DisplayNames[key]
		if name == "" {
			name = e.Nombre
		}
		out = append(out, provider.Indicator{
			Key:              key,
			DisplayName:      name,
			Value:            v,
			Unit:             unitFor(e.UnidadMedida),
			SourceProvenance: provider.ProvenanceLive,
			ObservedAt:       parseDate(e.Fecha, now),
		})
	}
	if len(out) == 0 {
		return nil, provider.Malformed("no indicators in payload", nil)
	}
	return out, nil
}

type historyResponse struct {
	Codigo       string `json:"codigo"`
	Nombre       string `json:"nombre"`
	UnidadMedida string `json:"unidad_medida"`
	Serie        []struct {
		Fecha string `json:"fecha"`
		Valor any    `json:"valor"`
	} `json:"serie"`
}

// History fetches GET /api/{indicator}/{year} in chronological order.
// Results are cached per (indicator, year) and concurrent identical requests
// share one upstream call. A caller whose context ends stops waiting, but the
// shared call keeps running for the others.
func (p *Provider) History(ctx context.Context, indicator string, year int) ([]provider.Item, error) {
	key := fmt.Sprintf("%s/%d", indicator, year)

	p.cacheMu.RLock()
	sc, ok := p.cache[key]
	p.cacheMu.RUnlock()
	if ok && time.Now().Before(sc.until) {
		return slices.Clone(sc.items), nil
	}

	ch := p.sf.DoChan(key, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.HistoryTimeout)
		defer cancel()
		items, err := p.fetchHistory(fctx, indicator, year)
		if err != nil {
			return nil, err
		}
		p.cacheMu.Lock()
		p.cache[key] = seriesCache{items: items, until: time.Now().Add(p.cfg.HistoryCacheTTL)}
		p.cacheMu.Unlock()
		return items, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return slices.Clone(res.Val.([]provider.Item)), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Provider) fetchHistory(ctx context.Context, indicator string, year int) ([]provider.Item, error) {
	var body historyResponse
	if err := p.getJSON(ctx, fmt.Sprintf("%s/api/%s/%d", p.cfg.BaseURL, indicator, year), &body); err != nil {
		return nil, err
	}

	name := DisplayNames[indicator]
	if name == "" {
		name = body.Nombre
	}
	unit := unitFor(body.UnidadMedida)
	out := make([]provider.Item, 0, len(body.Serie))
	// the provider lists newest first
	for i := len(body.Serie) - 1; i >= 0; i-- {
		s := body.Serie[i]
		v, err := provider.NumberValue(s.Valor)
		if err != nil {
			continue
		}
		ts, err := time.Parse(time.RFC3339, s.Fecha)
		if err != nil {
			continue
		}
		ts = ts.UTC()
		out = append(out, provider.Indicator{
			Key:              indicator + ":" + ts.Format(time.DateOnly),
			DisplayName:      name,
			Value:            v,
			Unit:             unit,
			SourceProvenance: provider.ProvenanceLive,
			ObservedAt:       ts,
		})
	}
	return out, nil
}

func (p *Provider) getJSON(ctx context.Context, url string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	for k, v := range p.cfg.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()
	if err := httpx.CheckStatus(resp); err != nil {
		return err
	}
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil {
		return provider.Malformed("decode "+url, err)
	}
	return nil
}

func decodeNumber(raw json.RawMessage, dst any) error {
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	return dec.Decode(dst)
}

func unitFor(unidad string) string {
	switch strings.ToLower(strings.TrimSpace(unidad)) {
	case "pesos":
		return "$"
	case "porcentaje":
		return "%"
	case "dólar", "dolar":
		return "USD"
	}
	return unidad
}

func parseDate(s string, fallback time.Time) time.Time {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC()
	}
	return fallback
}
