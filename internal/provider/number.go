package provider

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// ParseNumber parses a provider numeric field strictly. Empty strings,
// "N/A", NaN and infinities are rejected so callers can drop the record.
// A single trailing '%' is tolerated.
func ParseNumber(s string) (float64, error) {
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "%"))
	if s == "" {
		return 0, fmt.Errorf("empty number")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse number %q: %w", s, err)
	}
	// exactness is ignored; only out-of-range values are rejected
	f, _ := d.Float64()
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("number %q out of range", s)
	}
	return f, nil
}

// NumberValue parses a decoded JSON value: json.Number, float64 or a numeric
// string. Anything else, including null, is an error.
func NumberValue(v any) (float64, error) {
	switch n := v.(type) {
	case json.Number:
		return ParseNumber(n.String())
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return 0, fmt.Errorf("non-finite number")
		}
		return n, nil
	case string:
		return ParseNumber(n)
	case nil:
		return 0, fmt.Errorf("missing number")
	}
	return 0, fmt.Errorf("unexpected type: %T", v)
}

// TrimPercent strips a trailing '%' without re-formatting the value.
func TrimPercent(s string) string {
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "%"))
}
