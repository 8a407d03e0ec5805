package news

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"indicatorfeed/internal/provider"
)

const laboralPage = `{"count": 3, "next": null, "previous": null, "results": [
  {"id": 11, "titulo": " Reforma de 40 horas entra en vigencia ", "url": "https://example.cl/a", "categoria": "laboral", "fuente": "DT", "fecha_publicacion": "2024-04-26", "fecha_scraping": "2024-04-26T10:00:00Z"},
  {"id": 12, "titulo": "Nuevo dictamen", "url": "https://example.cl/b", "categoria": "laboral", "fuente": "DT", "fecha_publicacion": null, "fecha_scraping": "2024-04-26T10:05:00Z"},
  {"id": 13, "titulo": "Elecciones", "url": "https://example.cl/c", "categoria": "politica", "fuente": "CNN", "fecha_publicacion": "2024-04-25", "fecha_scraping": "2024-04-26T10:06:00Z"}
]}`

func TestFetch_FiltersCategoryClientSide(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/noticias/", r.URL.Path)
		require.Equal(t, "laboral", r.URL.Query().Get("categoria"))
		_, _ = w.Write([]byte(laboralPage))
	}))
	t.Cleanup(srv.Close)

	p := New(Config{BaseURL: srv.URL}, srv.Client())
	items, err := p.Fetch(t.Context(), provider.Params{Category: provider.CategoryLaboral})
	require.NoError(t, err)
	require.Len(t, items, 2)

	first := items[0].(provider.Article)
	require.EqualValues(t, 11, first.ID)
	require.Equal(t, "Reforma de 40 horas entra en vigencia", first.Title)
	require.Equal(t, provider.CategoryLaboral, first.Category)
	require.Equal(t, "DT", first.SourceName)
	require.True(t, first.PublishedAt.IsSome())
	require.Equal(t, time.Date(2024, 4, 26, 0, 0, 0, 0, time.UTC), first.PublishedAt.Unwrap())
	require.Equal(t, time.Date(2024, 4, 26, 10, 0, 0, 0, time.UTC), first.ScrapedAt)

	second := items[1].(provider.Article)
	require.True(t, second.PublishedAt.IsNone())
}

func TestFetch_AllCategories(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Empty(t, r.URL.Query().Get("categoria"))
		_, _ = w.Write([]byte(laboralPage))
	}))
	t.Cleanup(srv.Close)

	p := New(Config{BaseURL: srv.URL}, srv.Client())
	items, err := p.Fetch(t.Context(), provider.Params{})
	require.NoError(t, err)
	require.Len(t, items, 3)
}

func TestFetch_FollowsNextUpToMaxPages(t *testing.T) {
	t.Parallel()

	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pageNo := r.URL.Query().Get("page")
		if pageNo == "" {
			pageNo = "1"
		}
		_, _ = fmt.Fprintf(w, `{"next": "%s/api/noticias/?page=%s", "results": [{"id": %s, "titulo": "t", "categoria": "otros", "fecha_scraping": "2024-01-01T00:00:00Z"}]}`,
			srv.URL, pageNo+"0", pageNo)
	}))
	t.Cleanup(srv.Close)

	p := New(Config{BaseURL: srv.URL, MaxPages: 2}, srv.Client())
	items, err := p.Fetch(t.Context(), provider.Params{})
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, "1", items[0].ItemKey())
	require.Equal(t, "10", items[1].ItemKey())
}

func TestFetch_MissingResultsIsMalformed(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"detail": "Not found."}`))
	}))
	t.Cleanup(srv.Close)

	p := New(Config{BaseURL: srv.URL}, srv.Client())
	_, err := p.Fetch(t.Context(), provider.Params{})
	require.Equal(t, provider.KindMalformed, provider.Classify(err).Kind)
}

func TestFetch_DecodeError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>`))
	}))
	t.Cleanup(srv.Close)

	p := New(Config{BaseURL: srv.URL}, srv.Client())
	_, err := p.Fetch(t.Context(), provider.Params{})
	require.Equal(t, provider.KindMalformed, provider.Classify(err).Kind)
}
