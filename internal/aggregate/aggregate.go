package aggregate

import (
	"indicatorfeed/internal/provider"
)

// Merge collapses the results of several providers of one feed by ItemKey,
// keeping the newest observation.
// For equal timestamps, later input wins. The output keeps the order in
// which each key first appeared, so the first provider decides layout.
func Merge(results ...[]provider.Item) []provider.Item {
	if len(results) == 1 {
		return results[0]
	}

	index := make(map[string]int)
	var out []provider.Item
	for _, items := range results {
		for _, it := range items {
			if it == nil {
				continue
			}
			key := it.ItemKey()
			i, ok := index[key]
			if !ok {
				index[key] = len(out)
				out = append(out, it)
				continue
			}
			if newerOrEqual(it, out[i]) {
				out[i] = it
			}
		}
	}
	return out
}

func newerOrEqual(a, b provider.Item) bool {
	return !provider.ObservedAt(a).Before(provider.ObservedAt(b))
}

// Sources counts the items each provider contributed to a merged result,
// keyed by Quote.Source. Other item kinds are counted under "".
func Sources(items []provider.Item) map[string]int {
	out := make(map[string]int)
	for _, it := range items {
		if q, ok := it.(provider.Quote); ok {
			out[q.Source]++
			continue
		}
		out[""]++
	}
	return out
}
