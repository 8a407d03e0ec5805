package alphavantage

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
)

const baseURL = "https://www.alphavantage.co"

// DefaultSymbols is the equity set shown when a feed does not name one.
var DefaultSymbols = []string{"AAPL", "GOOGL", "MSFT", "TSLA", "AMZN"}

// HTTPClient describes an HTTP client.
//
//go:generate mockgen -package=alphavantage_test -destination=mock_http_client_test.go -source=client.go HTTPClient
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client is a client for the Alpha Vantage quote API.
type Client struct {
	// baseURL is the base URL for the API.
	baseURL string
	// httpClient is the HTTP client.
	httpClient HTTPClient
	// header contains additional headers to be sent with each request.
	header http.Header
	// query contains additional query parameters to be sent with each request.
	query url.Values
	// concurrency bounds parallel per-symbol requests.
	concurrency int
}

// Option is a configuration option for the Alpha Vantage client.
type Option func(*Client)

// WithBaseURL sets the base URL for the API. An empty value keeps the default.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if baseURL != "" {
			c.baseURL = strings.TrimRight(baseURL, "/")
		}
	}
}

// WithHTTPClient sets the HTTP client for the API.
func WithHTTPClient(httpClient HTTPClient) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithHeader sets additional headers to be sent with each request.
func WithHeader(header http.Header) Option {
	return func(c *Client) {
		for key, values := range header {
			for _, value := range values {
				c.header.Add(key, value)
			}
		}
	}
}

// WithConcurrency bounds how many symbols are requested in parallel.
func WithConcurrency(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// New creates a new Alpha Vantage client.
func New(key string, options ...Option) (*Client, error) {
	if key == "" {
		return nil, errors.New("alphavantage: missing api key")
	}
	var c = &Client{
		baseURL:     baseURL,
		httpClient:  http.DefaultClient,
		header:      http.Header{},
		query:       url.Values{},
		concurrency: 2,
	}
	c.query.Add("apikey", key)
	for _, option := range options {
		option(c)
	}
	return c, nil
}

func (c *Client) Name() string { return "AlphaVantage" }
