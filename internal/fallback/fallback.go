package fallback

import (
	"maps"
	"slices"
	"sync"

	"indicatorfeed/internal/provider"
)

// Feed ids that ship with a reference dataset.
const (
	FeedIndicators = "indicators"
	FeedStocks     = "stocks"
	FeedIndices    = "indices"
)

// Resolver supplies the static substitute shown when every provider of a
// feed failed. Lookups never fail: a feed without a dataset resolves to an
// empty slice.
type Resolver struct {
	mu   sync.RWMutex
	sets map[string][]provider.Item
}

// New returns a resolver over a copy of sets.
func New(sets map[string][]provider.Item) *Resolver {
	r := &Resolver{sets: make(map[string][]provider.Item, len(sets))}
	for id, items := range sets {
		r.sets[id] = slices.Clone(items)
	}
	return r
}

// Default returns a resolver over DefaultSets.
func Default() *Resolver { return New(DefaultSets()) }

// Set replaces the dataset of one feed. A nil slice removes it.
func (r *Resolver) Set(feedID string, items []provider.Item) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if items == nil {
		delete(r.sets, feedID)
		return
	}
	r.sets[feedID] = slices.Clone(items)
}

// Resolve returns a copy of the dataset for feedID with indicator
// provenance forced to fallback.
func (r *Resolver) Resolve(feedID string) []provider.Item {
	r.mu.RLock()
	set := r.sets[feedID]
	r.mu.RUnlock()

	out := make([]provider.Item, 0, len(set))
	for _, it := range set {
		if ind, ok := it.(provider.Indicator); ok {
			ind.SourceProvenance = provider.ProvenanceFallback
			it = ind
		}
		out = append(out, it)
	}
	return out
}

// Feeds lists the feed ids that have a dataset.
func (r *Resolver) Feeds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.sets))
}

// DefaultSets is the built-in reference data per feed.
func DefaultSets() map[string][]provider.Item {
	return map[string][]provider.Item{
		FeedIndicators: {
			indicator("dolar", "DOLAR", 980.50),
			indicator("uf", "UF", 37500.00),
			indicator("utm", "UTM", 65967.00),
			indicator("euro", "EURO", 1020.30),
		},
		FeedStocks: {
			quote("AAPL", "", 175.43, 2.15, "1.24"),
			quote("GOOGL", "", 2845.67, -12.34, "-0.43"),
			quote("MSFT", "", 412.89, 5.67, "1.39"),
			quote("TSLA", "", 248.50, -3.25, "-1.29"),
			quote("AMZN", "", 3456.78, 15.23, "0.44"),
		},
		FeedIndices: {
			quote("^GSPC", "S&P 500", 5916.98, 12.44, "0.21"),
			quote("^DJI", "Dow Jones", 40415.44, -140.15, "-0.35"),
			quote("^IXIC", "NASDAQ", 18742.02, 55.27, "0.30"),
			quote("^FTSE", "FTSE 100", 8155.72, 5.21, "0.06"),
			quote("^GDAXI", "DAX", 18407.69, -22.15, "-0.12"),
			quote("^BVSP", "BOVESPA", 129875.47, 234.12, "0.18"),
			quote("^IBEX", "IBEX 35", 11789.70, -15.30, "-0.13"),
			quote("^N225", "NIKKEI 225", 40063.79, 145.85, "0.37"),
		},
	}
}

func indicator(key, name string, v float64) provider.Indicator {
	return provider.Indicator{Key: key, DisplayName: name, Value: v, Unit: "$", SourceProvenance: provider.ProvenanceFallback}
}

func quote(sym, name string, price, delta float64, pct string) provider.Quote {
	return provider.Quote{Symbol: sym, Name: name, Price: price, Delta: delta, DeltaPercent: pct, Success: true, Source: "fallback"}
}
