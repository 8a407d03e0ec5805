package httpx

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"indicatorfeed/internal/provider"
)

// Client is a small wrapper around http.Client with sane defaults.
// It satisfies the HTTPClient interface every adapter accepts.
type Client struct {
	HTTP      *http.Client
	UserAgent string
	Headers   map[string]string
}

func New(timeout time.Duration) *Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 3 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          50,
		MaxIdleConnsPerHost:   10,
		MaxConnsPerHost:       20,
		ForceAttemptHTTP2:     true,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   3 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: 5 * time.Second,
	}
	return &Client{HTTP: &http.Client{Timeout: timeout, Transport: transport}, UserAgent: "indicatorfeed/1.0"}
}

func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if c.UserAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}
	for k, v := range c.Headers {
		if req.Header.Get(k) == "" {
			req.Header.Set(k, v)
		}
	}
	return c.HTTP.Do(req)
}

// CheckStatus turns a non-2xx response into a classified provider error,
// keeping a short prefix of the body for diagnostics.
func CheckStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 2<<10))
	detail := "request"
	if resp.Request != nil && resp.Request.URL != nil {
		detail = fmt.Sprintf("%s %s", resp.Request.Method, redact(resp.Request.URL.String()))
	}
	if body := strings.TrimSpace(string(b)); body != "" {
		detail += ": " + body
	}
	return provider.HTTPStatus(resp.StatusCode, detail)
}

// redact hides api keys carried in query strings.
func redact(u string) string {
	for _, k := range []string{"apikey=", "api_key="} {
		if i := strings.Index(u, k); i >= 0 {
			j := strings.IndexByte(u[i:], '&')
			if j < 0 {
				return u[:i+len(k)] + "***"
			}
			u = u[:i+len(k)] + "***" + u[i+j:]
		}
	}
	return u
}
