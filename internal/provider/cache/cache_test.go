package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"indicatorfeed/internal/provider"
)

type stubProvider struct {
	calls atomic.Int32
	fail  atomic.Bool
}

func (s *stubProvider) Name() string { return "stub" }

func (s *stubProvider) Fetch(_ context.Context, p provider.Params) ([]provider.Item, error) {
	s.calls.Add(1)
	if s.fail.Load() {
		return nil, errors.New("boom")
	}
	return []provider.Item{provider.Article{ID: int64(len(p.Category)), Category: p.Category}}, nil
}

func TestCache_HitPerParams(t *testing.T) {
	t.Parallel()

	inner := &stubProvider{}
	c := &Provider{P: inner, TTL: time.Minute}

	for range 3 {
		items, err := c.Fetch(t.Context(), provider.Params{Category: provider.CategoryLaboral})
		require.NoError(t, err)
		require.Len(t, items, 1)
	}
	require.EqualValues(t, 1, inner.calls.Load())

	_, err := c.Fetch(t.Context(), provider.Params{Category: provider.CategoryPolitica})
	require.NoError(t, err)
	require.EqualValues(t, 2, inner.calls.Load())
	require.Len(t, c.items, 2)
}

func TestCache_Expiry(t *testing.T) {
	t.Parallel()

	inner := &stubProvider{}
	c := &Provider{P: inner, TTL: 20 * time.Millisecond}

	_, err := c.Fetch(t.Context(), provider.Params{})
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)
	_, err = c.Fetch(t.Context(), provider.Params{})
	require.NoError(t, err)
	require.EqualValues(t, 2, inner.calls.Load())
}

func TestCache_ErrorNotMaskedUnlessServeStale(t *testing.T) {
	t.Parallel()

	inner := &stubProvider{}
	c := &Provider{P: inner, TTL: 10 * time.Millisecond}
	_, err := c.Fetch(t.Context(), provider.Params{})
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	inner.fail.Store(true)
	_, err = c.Fetch(t.Context(), provider.Params{})
	require.Error(t, err)

	c.ServeStale = true
	items, err := c.Fetch(t.Context(), provider.Params{})
	require.NoError(t, err)
	require.Len(t, items, 1)
}

func TestCache_MaxItems(t *testing.T) {
	t.Parallel()

	c := &Provider{P: &stubProvider{}, TTL: time.Minute, MaxItems: 2}
	for _, cat := range []provider.Category{provider.CategoryLaboral, provider.CategoryPolitica, provider.CategoryOtros} {
		_, err := c.Fetch(t.Context(), provider.Params{Category: cat})
		require.NoError(t, err)
	}
	require.Len(t, c.items, 2)
}
