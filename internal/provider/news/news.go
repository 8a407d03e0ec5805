package news

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/moznion/go-optional"

	"indicatorfeed/internal/httpx"
	"indicatorfeed/internal/provider"
)

// HTTPClient describes an HTTP client.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

type Config struct {
	Name    string
	BaseURL string
	Headers map[string]string
	// MaxPages bounds how many "next" links are followed. Defaults to 1.
	MaxPages int
}

// Provider reads the paginated articles endpoint of the scraper backend.
type Provider struct {
	cfg    Config
	client HTTPClient
}

func New(cfg Config, hc HTTPClient) *Provider {
	if cfg.Name == "" {
		cfg.Name = "News"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:8000"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 1
	}
	if hc == nil {
		hc = httpx.New(10 * time.Second)
	}
	return &Provider{cfg: cfg, client: hc}
}

func (p *Provider) Name() string { return p.cfg.Name }

type page struct {
	Count   int       `json:"count"`
	Next    *string   `json:"next"`
	Results []article `json:"results"`
}

type article struct {
	ID               int64   `json:"id"`
	Titulo           string  `json:"titulo"`
	URL              string  `json:"url"`
	Categoria        string  `json:"categoria"`
	Fuente           string  `json:"fuente"`
	FechaPublicacion *string `json:"fecha_publicacion"`
	FechaScraping    string  `json:"fecha_scraping"`
}

// Fetch lists the articles of params.Category (all categories when empty).
// The backend does not always honor the filter, so articles of another
// category are dropped here as well.
func (p *Provider) Fetch(ctx context.Context, params provider.Params) ([]provider.Item, error) {
	q := url.Values{}
	q.Set("categoria", string(params.Category))
	next := fmt.Sprintf("%s/api/noticias/?%s", p.cfg.BaseURL, q.Encode())

	out := make([]provider.Item, 0, 32)
	seen := make(map[int64]struct{})
	for pages := 0; next != "" && pages < p.cfg.MaxPages; pages++ {
		var pg page
		if err := p.getJSON(ctx, next, &pg); err != nil {
			return nil, err
		}
		if pg.Results == nil {
			return nil, provider.Malformed("missing results", nil)
		}
		for _, a := range pg.Results {
			if _, dup := seen[a.ID]; dup {
				continue
			}
			cat := provider.Category(strings.ToLower(a.Categoria))
			if params.Category != "" && cat != params.Category {
				continue
			}
			seen[a.ID] = struct{}{}
			out = append(out, toArticle(a, cat))
		}
		next = ""
		if pg.Next != nil {
			next = *pg.Next
		}
	}
	return out, nil
}

func toArticle(a article, cat provider.Category) provider.Article {
	published := optional.None[time.Time]()
	if a.FechaPublicacion != nil {
		if t, err := time.Parse(time.DateOnly, *a.FechaPublicacion); err == nil {
			published = optional.Some(t)
		} else if t, err := time.Parse(time.RFC3339, *a.FechaPublicacion); err == nil {
			published = optional.Some(t.UTC())
		}
	}
	scraped, _ := time.Parse(time.RFC3339, a.FechaScraping)
	return provider.Article{
		ID:          a.ID,
		Title:       strings.TrimSpace(a.Titulo),
		URL:         a.URL,
		Category:    cat,
		SourceName:  a.Fuente,
		PublishedAt: published,
		ScrapedAt:   scraped.UTC(),
	}
}

func (p *Provider) getJSON(ctx context.Context, u string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	for k, v := range p.cfg.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", u, err)
	}
	defer resp.Body.Close()
	if err := httpx.CheckStatus(resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return provider.Malformed("decode articles", err)
	}
	return nil
}
