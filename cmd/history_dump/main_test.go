package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"indicatorfeed/internal/provider"
)

type flakyProvider struct {
	mu       sync.Mutex
	calls    map[string]int
	failures map[string]error // returned on the first call per key
}

func (f *flakyProvider) Name() string { return "flaky" }

func (f *flakyProvider) Fetch(_ context.Context, params provider.Params) ([]provider.Item, error) {
	key := fmt.Sprintf("%s/%d", params.Indicator, params.Year)
	f.mu.Lock()
	f.calls[key]++
	n := f.calls[key]
	f.mu.Unlock()
	if err, ok := f.failures[key]; ok && (n == 1 || err.(*provider.Error).Status == http.StatusNotFound) {
		return nil, err
	}
	// newest year last, two points per year
	return []provider.Item{
		provider.Indicator{Key: key + "a", DisplayName: "UF", Value: float64(params.Year), Unit: "$", ObservedAt: time.Date(params.Year, 1, 2, 0, 0, 0, 0, time.UTC)},
		provider.Indicator{Key: key + "b", DisplayName: "UF", Value: float64(params.Year) + 0.5, Unit: "$", ObservedAt: time.Date(params.Year, 6, 1, 0, 0, 0, 0, time.UTC)},
	}, nil
}

func TestDump_RetriesAndGroups(t *testing.T) {
	p := &flakyProvider{
		calls: make(map[string]int),
		failures: map[string]error{
			"uf/2023":    provider.HTTPStatus(http.StatusTooManyRequests, "slow down"),
			"dolar/2022": provider.HTTPStatus(http.StatusNotFound, "missing"),
		},
	}
	jobs := []job{{"uf", 2023}, {"uf", 2022}, {"dolar", 2022}, {"dolar", 2023}}

	out, failed := dump(t.Context(), p, jobs, dumpOptions{Concurrency: 3, Timeout: time.Second, MaxRetries: 2, Backoff: time.Millisecond}, zap.NewNop())
	require.Equal(t, 1, failed)
	require.Len(t, out, 2)

	require.Equal(t, "dolar", out[0].Indicator)
	require.Len(t, out[0].Points, 2)

	uf := out[1]
	require.Equal(t, "uf", uf.Indicator)
	require.Equal(t, "UF", uf.Name)
	require.Equal(t, "$", uf.Unit)
	require.Equal(t, []string{"2022-01-02", "2022-06-01", "2023-01-02", "2023-06-01"},
		[]string{uf.Points[0].Date, uf.Points[1].Date, uf.Points[2].Date, uf.Points[3].Date})

	require.Equal(t, 2, p.calls["uf/2023"])
	// 404 is not retried
	require.Equal(t, 1, p.calls["dolar/2022"])
}

func TestRetryable(t *testing.T) {
	require.True(t, retryable(provider.HTTPStatus(http.StatusBadGateway, "")))
	require.True(t, retryable(provider.HTTPStatus(http.StatusTooManyRequests, "")))
	require.True(t, retryable(fmt.Errorf("wrapped: %w", provider.Timeout("slow", nil))))
	require.False(t, retryable(provider.HTTPStatus(http.StatusBadRequest, "")))
	require.False(t, retryable(provider.Malformed("bad json", nil)))
	require.False(t, retryable(context.Canceled))
}

func TestBuildJobs(t *testing.T) {
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	jobs, err := buildJobs([]string{"uf", "euro"}, 2023, 2025, now)
	require.NoError(t, err)
	require.Len(t, jobs, 6)
	require.Equal(t, job{"uf", 2023}, jobs[0])
	require.Equal(t, job{"euro", 2025}, jobs[5])

	_, err = buildJobs([]string{"uf"}, 2025, 2023, now)
	require.Error(t, err)
	_, err = buildJobs([]string{"yen"}, 2023, 2024, now)
	require.Error(t, err)
	_, err = buildJobs([]string{"uf"}, 2024, 2026, now)
	require.Error(t, err)
}

func TestWriteOut(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	require.NoError(t, writeOut(path, []series{{Indicator: "uf", Points: []point{{Date: "2024-01-01", Value: 1}}}}))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	var got struct {
		Series []series `json:"series"`
	}
	require.NoError(t, json.Unmarshal(b, &got))
	require.Len(t, got.Series, 1)
	require.Equal(t, "uf", got.Series[0].Indicator)
}
