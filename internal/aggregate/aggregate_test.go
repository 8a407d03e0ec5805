package aggregate

import (
	"testing"
	"time"

	"indicatorfeed/internal/provider"
)

func TestMerge_NewestWinsAcrossProviders(t *testing.T) {
	t1 := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	t2 := t1.Add(1 * time.Hour)

	a := []provider.Item{
		provider.Quote{Symbol: "^GSPC", Price: 10, Success: true, Source: "Yahoo", ReceivedAt: t2},
		provider.Quote{Symbol: "^DJI", Price: 20, Success: true, Source: "Yahoo", ReceivedAt: t1},
	}
	b := []provider.Item{
		provider.Quote{Symbol: "^DJI", Price: 21, Success: true, Source: "AlphaVantage", ReceivedAt: t2},
		provider.Quote{Symbol: "^GSPC", Price: 11, Success: true, Source: "AlphaVantage", ReceivedAt: t1},
	}

	out := Merge(a, b)
	if len(out) != 2 {
		t.Fatalf("want 2, got %d: %+v", len(out), out)
	}
	if got := out[0].(provider.Quote); got.Symbol != "^GSPC" || got.Price != 10 {
		t.Fatalf("unexpected first row: %+v", got)
	}
	if got := out[1].(provider.Quote); got.Symbol != "^DJI" || got.Price != 21 || got.Source != "AlphaVantage" {
		t.Fatalf("unexpected second row: %+v", got)
	}
}

func TestMerge_EqualTimestampLaterInputWins(t *testing.T) {
	ts := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	out := Merge(
		[]provider.Item{provider.Indicator{Key: "uf", Value: 1, ObservedAt: ts}},
		[]provider.Item{provider.Indicator{Key: "uf", Value: 2, ObservedAt: ts}},
	)
	if len(out) != 1 || out[0].(provider.Indicator).Value != 2 {
		t.Fatalf("unexpected: %+v", out)
	}
}

func TestMerge_SingleInputPassesThrough(t *testing.T) {
	in := []provider.Item{provider.Article{ID: 1}, provider.Article{ID: 2}}
	out := Merge(in)
	if len(out) != 2 || out[1].ItemKey() != "2" {
		t.Fatalf("unexpected: %+v", out)
	}
}

func TestMerge_SkipsNil(t *testing.T) {
	out := Merge([]provider.Item{nil, provider.Article{ID: 3}}, nil)
	if len(out) != 1 {
		t.Fatalf("want 1, got %d", len(out))
	}
}

func TestSources(t *testing.T) {
	got := Sources([]provider.Item{
		provider.Quote{Symbol: "A", Source: "Yahoo"},
		provider.Quote{Symbol: "B", Source: "Yahoo"},
		provider.Indicator{Key: "uf"},
	})
	if got["Yahoo"] != 2 || got[""] != 1 {
		t.Fatalf("unexpected: %v", got)
	}
}
