package main

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/moznion/go-optional"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"indicatorfeed/internal/engine"
	"indicatorfeed/internal/metrics"
	"indicatorfeed/internal/provider"
	"indicatorfeed/internal/store"
	"indicatorfeed/internal/ticker"
)

// Engine is the part of the feed engine the HTTP API uses.
type Engine interface {
	Feeds() []engine.Info
	Snapshot(id string) (optional.Option[store.Snapshot], error)
	Retry(id string) (bool, error)
	Params(id string) (provider.Params, error)
	SetParams(id string, params provider.Params) error
	Ticker(id string) (ticker.Frame, bool, error)
	Subscribe(id string, fn store.Subscriber) (func(), error)
}

type server struct {
	eng      Engine
	logger   *zap.Logger
	retry    *clientLimiter
	upgrader websocket.Upgrader

	closing   chan struct{}
	closeOnce sync.Once
}

func newServer(eng Engine, logger *zap.Logger, retryPerMinute int, origins []string) *server {
	s := &server{
		eng:     eng,
		logger:  logger,
		retry:   newClientLimiter(retryPerMinute),
		closing: make(chan struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(origins),
	}
	return s
}

// close ends every open websocket stream.
func (s *server) close() {
	s.closeOnce.Do(func() { close(s.closing) })
}

func (s *server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/feeds", s.handleListFeeds).Methods(http.MethodGet)
	api.HandleFunc("/feeds/{id}", s.handleGetFeed).Methods(http.MethodGet)
	api.HandleFunc("/feeds/{id}/retry", s.handleRetry).Methods(http.MethodPost)
	api.HandleFunc("/feeds/{id}/params", s.handleSetParams).Methods(http.MethodPut)
	api.HandleFunc("/feeds/{id}/ticker", s.handleTicker).Methods(http.MethodGet)

	r.HandleFunc("/ws/feeds/{id}", s.handleWS).Methods(http.MethodGet)
	return r
}

type feedsResponse struct {
	Feeds []engine.Info `json:"feeds"`
}

func (s *server) handleListFeeds(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, feedsResponse{Feeds: s.eng.Feeds()})
}

type loadingResponse struct {
	Feed  string `json:"feed"`
	State string `json:"state"`
}

func (s *server) handleGetFeed(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	snap, err := s.eng.Snapshot(id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if snap.IsNone() {
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusServiceUnavailable, loadingResponse{Feed: id, State: "loading"})
		return
	}
	writeJSON(w, http.StatusOK, snap.Unwrap())
}

type retryResponse struct {
	Feed     string `json:"feed"`
	Accepted bool   `json:"accepted"`
}

func (s *server) handleRetry(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.retry.Allow(clientIP(r)) {
		w.Header().Set("Retry-After", "60")
		writeError(w, http.StatusTooManyRequests, "too many retries")
		return
	}
	accepted, err := s.eng.Retry(id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if !accepted {
		writeJSON(w, http.StatusConflict, retryResponse{Feed: id})
		return
	}
	s.logger.Info("manual retry", zap.String("feed", id), zap.String("client", clientIP(r)))
	writeJSON(w, http.StatusAccepted, retryResponse{Feed: id, Accepted: true})
}

type paramsResponse struct {
	Feed   string          `json:"feed"`
	Params provider.Params `json:"params"`
}

// handleSetParams overlays the query parameters present in the request on
// the feed's current parameters.
func (s *server) handleSetParams(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	params, err := s.eng.Params(id)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	q := r.URL.Query()
	if q.Has("category") {
		c, err := provider.ParseCategory(q.Get("category"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		params.Category = c
	}
	if q.Has("indicator") {
		params.Indicator = strings.ToLower(strings.TrimSpace(q.Get("indicator")))
	}
	if q.Has("year") {
		year, err := strconv.Atoi(q.Get("year"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid year")
			return
		}
		params.Year = year
	}
	if q.Has("symbols") {
		symbols := splitCSV(q.Get("symbols"))
		if len(symbols) > 100 {
			writeError(w, http.StatusBadRequest, "too many symbols (max 100)")
			return
		}
		params.Symbols = symbols
	}

	if err := s.eng.SetParams(id, params); err != nil {
		if errors.Is(err, engine.ErrUnknownFeed) {
			writeEngineError(w, err)
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, paramsResponse{Feed: id, Params: params})
}

func (s *server) handleTicker(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	frame, ok, err := s.eng.Ticker(id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "feed has no ticker")
		return
	}
	writeJSON(w, http.StatusOK, frame)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeEngineError(w http.ResponseWriter, err error) {
	if errors.Is(err, engine.ErrUnknownFeed) {
		writeError(w, http.StatusNotFound, "unknown feed")
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

// clientLimiter keeps one token bucket per client address.
type clientLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// newClientLimiter allows perMinute requests per client; <= 0 disables it.
func newClientLimiter(perMinute int) *clientLimiter {
	if perMinute <= 0 {
		return &clientLimiter{limit: rate.Inf}
	}
	return &clientLimiter{
		limit:    rate.Every(time.Minute / time.Duration(perMinute)),
		burst:    perMinute,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (c *clientLimiter) Allow(client string) bool {
	if c.limit == rate.Inf {
		return true
	}
	c.mu.Lock()
	l, ok := c.limiters[client]
	if !ok {
		// crude bound on the number of tracked clients
		if len(c.limiters) >= 4096 {
			c.limiters = make(map[string]*rate.Limiter)
		}
		l = rate.NewLimiter(c.limit, c.burst)
		c.limiters[client] = l
	}
	c.mu.Unlock()
	return l.Allow()
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
