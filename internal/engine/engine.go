package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/moznion/go-optional"
	"go.uber.org/zap"

	"indicatorfeed/internal/aggregate"
	"indicatorfeed/internal/logging"
	"indicatorfeed/internal/metrics"
	"indicatorfeed/internal/provider"
	"indicatorfeed/internal/scheduler"
	"indicatorfeed/internal/store"
	"indicatorfeed/internal/ticker"
)

// ErrUnknownFeed is returned for feed ids the engine was not built with.
var ErrUnknownFeed = store.ErrUnknownFeed

// Feed describes one logical stream and the adapters that fill it.
type Feed struct {
	ID        string
	Kind      string
	Providers []provider.Provider
	Params    provider.Params
	// Interval zero means the feed is polled on start and on demand only.
	Interval time.Duration
	Timeout  time.Duration
	// RequireItems turns a successful poll with nothing publishable into a
	// malformed payload failure.
	RequireItems bool
	Ticker       optional.Option[ticker.Config]
	// ValidateParams, when set, rejects parameters before SetParams applies them.
	ValidateParams func(provider.Params) error
}

// Info is the public description of a feed.
type Info struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Params    provider.Params `json:"params"`
	Interval  string          `json:"interval"`
	Providers []string        `json:"providers"`
	Ticker    bool            `json:"ticker"`
	Running   bool            `json:"running"`
	Status    store.Status    `json:"status"`
}

type feedEntry struct {
	feed   Feed
	runner *ticker.Runner

	mu     sync.RWMutex
	params provider.Params
}

func (f *feedEntry) currentParams() provider.Params {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.params.Clone()
}

// Engine polls every feed on its own schedule, publishes results into the
// store and drives ticker sequencers for ticker-style feeds.
type Engine struct {
	logger *zap.Logger
	store  *store.Store
	sched  *scheduler.Scheduler

	// feeds and order are fixed after New
	feeds map[string]*feedEntry
	order []string

	mu      sync.Mutex
	started bool
	stopped bool
}

// New registers feeds in a fresh store backed by resolver.
func New(feeds []Feed, resolver store.Resolver, logger *zap.Logger) (*Engine, error) {
	logger = logging.OrNop(logger)
	e := &Engine{
		logger: logger,
		store:  store.New(resolver, store.WithLogger(logger)),
		sched:  scheduler.New(logger),
		feeds:  make(map[string]*feedEntry, len(feeds)),
	}
	for _, f := range feeds {
		if f.ID == "" {
			return nil, errors.New("feed without id")
		}
		if _, dup := e.feeds[f.ID]; dup {
			return nil, fmt.Errorf("duplicate feed %q", f.ID)
		}
		e.store.Register(f.ID)
		ent := &feedEntry{feed: f, params: f.Params.Clone()}
		if f.Ticker.IsSome() {
			id := f.ID
			ent.runner = ticker.NewRunner(ticker.NewSequencer(f.Ticker.Unwrap()), func() []provider.Item {
				return e.store.Items(id)
			}, nil)
		}
		e.feeds[f.ID] = ent
		e.order = append(e.order, f.ID)
	}
	return e, nil
}

func (e *Engine) Store() *store.Store { return e.store }

// Start schedules every feed and starts the ticker runners.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started || e.stopped {
		return
	}
	e.started = true
	for _, id := range e.order {
		e.startFeed(id)
	}
	e.logger.Info("engine started", zap.Int("feeds", len(e.order)))
}

// Stop tears down every poll timer, in-flight poll and ticker. No snapshot is
// stored and no ticker fires after it returns. It is final and safe to call
// repeatedly, including from a subscriber.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.started = false
	e.stopped = true
	e.mu.Unlock()

	e.sched.StopAll()
	for id, ent := range e.feeds {
		_ = e.store.Fence(id)
		if ent.runner != nil {
			ent.runner.Stop()
		}
	}
	e.logger.Info("engine stopped")
}

// StartFeed (re)starts polling of one feed.
func (e *Engine) StartFeed(id string) error {
	if _, ok := e.feeds[id]; !ok {
		return ErrUnknownFeed
	}
	e.mu.Lock()
	stopped := e.stopped
	e.mu.Unlock()
	if stopped {
		return errors.New("engine stopped")
	}
	e.startFeed(id)
	return nil
}

// StopFeed stops polling of one feed. It is idempotent.
func (e *Engine) StopFeed(id string) error {
	if _, ok := e.feeds[id]; !ok {
		return ErrUnknownFeed
	}
	e.sched.Stop(id)
	return e.store.Fence(id)
}

func (e *Engine) startFeed(id string) {
	ent := e.feeds[id]
	e.sched.Start(id, scheduler.Options{Interval: ent.feed.Interval, Timeout: ent.feed.Timeout}, e.pollFunc(id))
	if ent.runner != nil {
		ent.runner.Start()
	}
}

// Retry triggers an immediate out-of-cycle poll. It reports false when a
// poll is already in flight or the feed is stopped.
func (e *Engine) Retry(id string) (bool, error) {
	if _, ok := e.feeds[id]; !ok {
		return false, ErrUnknownFeed
	}
	return e.sched.Trigger(id), nil
}

// SetParams replaces the feed's filter. A running feed aborts its in-flight
// poll and polls again immediately; the result replaces the snapshot. A
// ticker restarts its reveal.
func (e *Engine) SetParams(id string, params provider.Params) error {
	ent, ok := e.feeds[id]
	if !ok {
		return ErrUnknownFeed
	}
	if ent.feed.ValidateParams != nil {
		if err := ent.feed.ValidateParams(params); err != nil {
			return err
		}
	}
	ent.mu.Lock()
	ent.params = params.Clone()
	ent.mu.Unlock()
	e.logger.Info("feed params changed", zap.String("feed", id), zap.String("params", params.Key()))
	// results fetched with the previous params are dropped
	if err := e.store.Fence(id); err != nil {
		return err
	}
	if ent.runner != nil {
		// the new items are revealed from the start
		ent.runner.Sequencer().Reset()
	}
	if e.sched.Running(id) {
		e.sched.Start(id, scheduler.Options{Interval: ent.feed.Interval, Timeout: ent.feed.Timeout}, e.pollFunc(id))
	}
	return nil
}

// Params returns the feed's current filter.
func (e *Engine) Params(id string) (provider.Params, error) {
	ent, ok := e.feeds[id]
	if !ok {
		return provider.Params{}, ErrUnknownFeed
	}
	return ent.currentParams(), nil
}

// Snapshot returns the current snapshot, or None until the first publish.
func (e *Engine) Snapshot(id string) (optional.Option[store.Snapshot], error) {
	return e.store.Get(id)
}

func (e *Engine) Status(id string) (store.Status, error) {
	return e.store.Status(id)
}

// Subscribe calls fn synchronously after every publish of feed id. fn may
// call Retry, SetParams, StopFeed or Stop, for this feed too.
func (e *Engine) Subscribe(id string, fn store.Subscriber) (func(), error) {
	return e.store.Subscribe(id, fn)
}

// Ticker returns the latest frame of a ticker-style feed.
func (e *Engine) Ticker(id string) (ticker.Frame, bool, error) {
	ent, ok := e.feeds[id]
	if !ok {
		return ticker.Frame{}, false, ErrUnknownFeed
	}
	if ent.runner == nil {
		return ticker.Frame{}, false, nil
	}
	return ent.runner.Frame(), true, nil
}

// Feeds describes every feed in registration order.
func (e *Engine) Feeds() []Info {
	out := make([]Info, 0, len(e.order))
	for _, id := range e.order {
		ent := e.feeds[id]
		st, _ := e.store.Status(id)
		names := make([]string, 0, len(ent.feed.Providers))
		for _, p := range ent.feed.Providers {
			names = append(names, p.Name())
		}
		interval := "on-demand"
		if ent.feed.Interval > 0 {
			interval = ent.feed.Interval.String()
		}
		out = append(out, Info{
			ID:        id,
			Kind:      ent.feed.Kind,
			Params:    ent.currentParams(),
			Interval:  interval,
			Providers: names,
			Ticker:    ent.runner != nil,
			Running:   e.sched.Running(id),
			Status:    st,
		})
	}
	return out
}

// PollOnce runs one synchronous poll of feed id outside the schedule and
// returns the snapshot it published.
func (e *Engine) PollOnce(ctx context.Context, id string) (store.Snapshot, error) {
	ent, ok := e.feeds[id]
	if !ok {
		return store.Snapshot{}, ErrUnknownFeed
	}
	feed, params := ent.feed, ent.currentParams()

	seq, err := e.store.Begin(id)
	if err != nil {
		return store.Snapshot{}, err
	}
	if feed.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, feed.Timeout)
		defer cancel()
	}
	res := e.fetch(ctx, feed, params)
	if errors.Is(res.Err, context.Canceled) {
		return store.Snapshot{}, res.Err
	}
	if _, err := e.store.Publish(id, seq, res); err != nil {
		return store.Snapshot{}, err
	}
	snap, err := e.store.Get(id)
	if err != nil {
		return store.Snapshot{}, err
	}
	if snap.IsNone() {
		return store.Snapshot{}, fmt.Errorf("feed %q: nothing published", id)
	}
	return snap.Unwrap(), nil
}

func (e *Engine) pollFunc(id string) scheduler.PollFunc {
	ent := e.feeds[id]
	return func(ctx context.Context) func() {
		feed, params := ent.feed, ent.currentParams()

		seq, err := e.store.Begin(id)
		if err != nil {
			return nil
		}
		log := e.logger.With(zap.String("feed", id), zap.Uint64("seq", seq))
		start := time.Now()
		res := e.fetch(ctx, feed, params)
		elapsed := time.Since(start)
		if errors.Is(res.Err, context.Canceled) {
			log.Debug("poll cancelled", zap.Duration("elapsed", elapsed))
			return nil
		}

		return func() {
			applied, err := e.store.Publish(id, seq, res)
			switch {
			case err != nil:
				log.Error("publish failed", zap.Error(err))
			case !applied:
				metrics.RecordPoll(id, "discarded", elapsed)
			case res.Err != nil:
				metrics.RecordPoll(id, string(provider.ProvenanceFallback), elapsed)
				log.Warn("poll failed, serving fallback", zap.Error(res.Err), zap.Duration("elapsed", elapsed))
			default:
				metrics.RecordPoll(id, string(provider.ProvenanceLive), elapsed)
				log.Debug("poll succeeded", zap.Int("items", len(res.Items)), zap.Any("sources", aggregate.Sources(res.Items)),
					zap.Duration("elapsed", elapsed))
			}
		}
	}
}

// fetch fans out to every provider of the feed and merges what succeeded.
func (e *Engine) fetch(ctx context.Context, f Feed, params provider.Params) store.Result {
	if len(f.Providers) == 0 {
		return store.Failed(&provider.Error{Kind: provider.KindHTTP, Detail: "no provider configured"})
	}

	results := make([][]provider.Item, len(f.Providers))
	errs := make([]error, len(f.Providers))
	var wg sync.WaitGroup
	for i, p := range f.Providers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = p.Fetch(ctx, params.Clone())
		}()
	}
	wg.Wait()

	if errors.Is(ctx.Err(), context.Canceled) {
		return store.Failed(ctx.Err())
	}

	var ok [][]provider.Item
	firstErr := -1
	for i, err := range errs {
		if err != nil {
			if firstErr < 0 {
				firstErr = i
			}
			if len(f.Providers) > 1 {
				e.logger.Warn("provider failed", zap.String("feed", f.ID), zap.String("provider", f.Providers[i].Name()), zap.Error(err))
			}
			continue
		}
		ok = append(ok, results[i])
	}
	if len(ok) == 0 {
		return store.Failed(fmt.Errorf("%s: %w", f.Providers[firstErr].Name(), errs[firstErr]))
	}

	items := aggregate.Merge(ok...)
	if f.RequireItems && len(provider.Publishable(items)) == 0 {
		return store.Failed(provider.Malformed("no publishable items", nil))
	}
	return store.Ok(items)
}
