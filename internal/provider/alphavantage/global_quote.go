package alphavantage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"indicatorfeed/internal/httpx"
	"indicatorfeed/internal/provider"
)

// GlobalQuote retrieves the latest quote for one symbol.
func (c *Client) GlobalQuote(ctx context.Context, symbol string) (provider.Quote, error) {
	query := maps.Clone(c.query)
	query.Set("function", "GLOBAL_QUOTE")
	query.Set("symbol", symbol)

	url := fmt.Sprintf("%s/query?%s", c.baseURL, query.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return provider.Quote{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header = c.header.Clone()
	req.Header.Set("Accept", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return provider.Quote{}, fmt.Errorf("performing request: %w", err)
	}
	defer res.Body.Close()

	if err := httpx.CheckStatus(res); err != nil {
		return provider.Quote{}, err
	}

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return provider.Quote{}, fmt.Errorf("reading response: %w", err)
	}
	return parseGlobalQuote(symbol, body, time.Now().UTC())
}

// parseGlobalQuote normalizes
//
//	{"Global Quote": {"01. symbol": "AAPL", "05. price": "175.4300",
//	  "09. change": "2.1500", "10. change percent": "1.2400%"}}
//
// When the free tier is exhausted the API answers 200 with a "Note" or
// "Information" field instead of the quote.
func parseGlobalQuote(symbol string, body []byte, now time.Time) (provider.Quote, error) {
	if !gjson.ValidBytes(body) {
		return provider.Quote{}, provider.Malformed("invalid JSON for "+symbol, nil)
	}
	gq := gjson.GetBytes(body, "Global Quote")
	if !gq.IsObject() || len(gq.Map()) == 0 {
		note := gjson.GetBytes(body, "Note").String()
		if note == "" {
			note = gjson.GetBytes(body, "Information").String()
		}
		if note == "" {
			note = "no Global Quote"
		}
		return provider.Quote{}, provider.Malformed(fmt.Sprintf("%s: %s", symbol, note), nil)
	}

	price, err := provider.ParseNumber(gq.Get(`05\. price`).String())
	if err != nil {
		return provider.Quote{}, provider.Malformed(symbol+": price", err)
	}
	change, err := provider.ParseNumber(gq.Get(`09\. change`).String())
	if err != nil {
		return provider.Quote{}, provider.Malformed(symbol+": change", err)
	}

	sym := gq.Get(`01\. symbol`).String()
	if sym == "" {
		sym = symbol
	}
	return provider.Quote{
		Symbol:       strings.ToUpper(sym),
		Price:        price,
		Delta:        change,
		DeltaPercent: provider.TrimPercent(gq.Get(`10\. change percent`).String()),
		Success:      true,
		Source:       "AlphaVantage",
		ReceivedAt:   now,
	}, nil
}

// Fetch requests every symbol with bounded concurrency. A symbol that fails
// is reported as an unsuccessful quote; the call fails only when no symbol
// succeeded.
func (c *Client) Fetch(ctx context.Context, params provider.Params) ([]provider.Item, error) {
	symbols := params.Symbols
	if len(symbols) == 0 {
		symbols = DefaultSymbols
	}

	quotes := make([]provider.Quote, len(symbols))
	errs := make([]error, len(symbols))

	sem := make(chan struct{}, c.concurrency)
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
			quotes[i], errs[i] = c.GlobalQuote(ctx, s)
		}()
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make([]provider.Item, 0, len(symbols))
	var firstErr error
	succeeded := 0
	for i, s := range symbols {
		if errs[i] != nil {
			if firstErr == nil {
				firstErr = errs[i]
			}
			out = append(out, provider.Quote{Symbol: strings.ToUpper(s), Success: false, Source: c.Name()})
			continue
		}
		succeeded++
		out = append(out, quotes[i])
	}
	if succeeded == 0 {
		if firstErr == nil {
			firstErr = errors.New("no symbols requested")
		}
		return nil, firstErr
	}
	return out, nil
}
