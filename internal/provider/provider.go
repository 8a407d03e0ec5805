package provider

import (
	"context"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/moznion/go-optional"
)

// Provenance tags whether items came from a live provider or a static fallback.
type Provenance string

const (
	ProvenanceLive     Provenance = "live"
	ProvenanceFallback Provenance = "fallback"
)

// Item is one entry of a feed snapshot: an Indicator, a Quote or an Article.
type Item interface {
	// ItemKey is unique within a feed.
	ItemKey() string
	Kind() string
}

// Indicator is a single economic indicator value (currency rate, index, rate).
// Value is always finite; adapters drop records they cannot parse.
type Indicator struct {
	Key              string     `json:"key"`
	DisplayName      string     `json:"display_name"`
	Value            float64    `json:"value"`
	Unit             string     `json:"unit"`
	SourceProvenance Provenance `json:"source_provenance"`
	ObservedAt       time.Time  `json:"observed_at"`
}

func (i Indicator) ItemKey() string { return i.Key }
func (i Indicator) Kind() string    { return "indicator" }

// Quote is an equity or index quote. DeltaPercent is passed through verbatim
// from the provider; consumers render it as given.
type Quote struct {
	Symbol       string    `json:"symbol"`
	Name         string    `json:"name,omitempty"`
	Price        float64   `json:"price"`
	Delta        float64   `json:"delta"`
	DeltaPercent string    `json:"delta_percent"`
	Success      bool      `json:"success"`
	Source       string    `json:"source,omitempty"`
	ReceivedAt   time.Time `json:"received_at"`
}

func (q Quote) ItemKey() string { return q.Symbol }
func (q Quote) Kind() string    { return "quote" }

// Article is a scraped news article.
type Article struct {
	ID          int64                      `json:"id"`
	Title       string                     `json:"title"`
	URL         string                     `json:"url"`
	Category    Category                   `json:"category"`
	SourceName  string                     `json:"source_name"`
	PublishedAt optional.Option[time.Time] `json:"published_at"`
	ScrapedAt   time.Time                  `json:"scraped_at"`
}

func (a Article) ItemKey() string { return strconv.FormatInt(a.ID, 10) }
func (a Article) Kind() string    { return "article" }

// Params narrows what a provider fetches. Zero fields mean "provider default".
type Params struct {
	Symbols   []string `json:"symbols,omitempty" yaml:"symbols"`
	Category  Category `json:"category,omitempty" yaml:"category"`
	Indicator string   `json:"indicator,omitempty" yaml:"indicator"`
	Year      int      `json:"year,omitempty" yaml:"year"`
}

// Key is a stable cache key for the parameter set.
func (p Params) Key() string {
	var b strings.Builder
	b.WriteString(strings.Join(p.Symbols, ","))
	b.WriteByte('|')
	b.WriteString(string(p.Category))
	b.WriteByte('|')
	b.WriteString(p.Indicator)
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(p.Year))
	return b.String()
}

// Clone returns a copy that shares no slices with p.
func (p Params) Clone() Params {
	p.Symbols = slices.Clone(p.Symbols)
	return p
}

// Provider fetches one external source and normalizes it into feed items.
type Provider interface {
	Name() string
	Fetch(ctx context.Context, params Params) ([]Item, error)
}

// Publishable drops entries that must never reach a published snapshot:
// unsuccessful quotes and quotes or indicators with non-finite values.
func Publishable(items []Item) []Item {
	out := make([]Item, 0, len(items))
	for _, it := range items {
		switch v := it.(type) {
		case Quote:
			if !v.Success || !finite(v.Price) || !finite(v.Delta) {
				continue
			}
		case Indicator:
			if !finite(v.Value) {
				continue
			}
		case nil:
			continue
		}
		out = append(out, it)
	}
	return out
}

func finite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }

// ObservedAt returns the observation time used to pick the newest duplicate.
func ObservedAt(it Item) time.Time {
	switch v := it.(type) {
	case Indicator:
		return v.ObservedAt
	case Quote:
		return v.ReceivedAt
	case Article:
		return v.ScrapedAt
	}
	return time.Time{}
}
