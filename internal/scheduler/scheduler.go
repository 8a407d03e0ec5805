package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"indicatorfeed/internal/logging"
	"indicatorfeed/internal/metrics"
)

// PollFunc performs one poll. It runs without holding any scheduler lock and
// returns a commit func (may be nil) that publishes the result. commit runs
// only if the feed was not stopped or replaced while the poll was in flight.
//
// commit also runs without any scheduler lock, after the poll is no longer
// in flight, so it may call back into the scheduler for the same feed. Stop
// waits for the poll but not for a commit that already started.
type PollFunc func(ctx context.Context) (commit func())

// Options controls one scheduled feed.
type Options struct {
	// Interval between polls. Zero polls once on start and then only on Trigger.
	Interval time.Duration
	// Timeout bounds each poll. Zero means no per-poll timeout.
	Timeout time.Duration
}

// Scheduler owns one cancelable polling handle per feed id.
type Scheduler struct {
	logger *zap.Logger

	mu      sync.Mutex
	handles map[string]*handle
}

func New(logger *zap.Logger) *Scheduler {
	logger = logging.OrNop(logger)
	return &Scheduler{logger: logger, handles: make(map[string]*handle)}
}

type handle struct {
	id     string
	opts   Options
	poll   PollFunc
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	inFlight atomic.Bool
	stopped  atomic.Bool

	// orders Trigger's wg.Add before stop's wg.Wait
	mu sync.Mutex
}

// Start polls feedID immediately and then every opts.Interval. Starting a
// feed that is already running replaces it: the old handle is stopped first
// and its in-flight poll is aborted without publishing.
func (s *Scheduler) Start(feedID string, opts Options, poll PollFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	h := &handle{
		id:     feedID,
		opts:   opts,
		poll:   poll,
		logger: s.logger.With(zap.String("feed", feedID)),
		ctx:    ctx,
		cancel: cancel,
	}

	s.mu.Lock()
	old := s.handles[feedID]
	s.handles[feedID] = h
	s.mu.Unlock()
	if old != nil {
		old.stop()
	}

	h.wg.Add(1)
	go h.run()
	h.logger.Info("feed scheduled", zap.Duration("interval", opts.Interval), zap.Duration("timeout", opts.Timeout))
}

// Stop cancels the timer and any in-flight poll of feedID and waits for them
// to finish. A commit that already passed its stop check may still complete.
// Stopping an unknown or stopped feed is a no-op.
func (s *Scheduler) Stop(feedID string) {
	s.mu.Lock()
	h := s.handles[feedID]
	delete(s.handles, feedID)
	s.mu.Unlock()
	if h != nil {
		h.stop()
		h.logger.Info("feed stopped")
	}
}

// StopAll tears down every handle.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	hs := make([]*handle, 0, len(s.handles))
	for id, h := range s.handles {
		hs = append(hs, h)
		delete(s.handles, id)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, h := range hs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.stop()
		}()
	}
	wg.Wait()
}

// Trigger starts an out-of-cycle poll. It returns false when the feed is not
// running or a poll is already in flight.
func (s *Scheduler) Trigger(feedID string) bool {
	s.mu.Lock()
	h := s.handles[feedID]
	s.mu.Unlock()
	if h == nil {
		return false
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped.Load() {
		return false
	}
	return h.tryPoll()
}

// Running reports whether feedID has a live handle.
func (s *Scheduler) Running(feedID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.handles[feedID]
	return ok
}

// InFlight reports whether feedID has a poll in flight.
func (s *Scheduler) InFlight(feedID string) bool {
	s.mu.Lock()
	h := s.handles[feedID]
	s.mu.Unlock()
	return h != nil && h.inFlight.Load()
}

func (h *handle) run() {
	defer h.wg.Done()

	h.tryPoll()
	if h.opts.Interval <= 0 {
		return
	}

	t := time.NewTicker(h.opts.Interval)
	defer t.Stop()
	for {
		select {
		case <-h.ctx.Done():
			return
		case <-t.C:
			if !h.tryPoll() {
				metrics.RecordSkippedTick(h.id)
				h.logger.Debug("poll still in flight, skipping tick")
			}
		}
	}
}

// tryPoll launches a poll unless one is in flight. The caller must hold a
// reference on h.wg (run) or h.mu with stopped unset (Trigger).
func (h *handle) tryPoll() bool {
	if h.ctx.Err() != nil {
		return false
	}
	if !h.inFlight.CompareAndSwap(false, true) {
		return false
	}
	h.wg.Add(1)
	go func() {
		commit := h.pollOnce()
		if commit == nil || h.stopped.Load() || h.ctx.Err() != nil {
			return
		}
		commit()
	}()
	return true
}

func (h *handle) pollOnce() func() {
	defer h.wg.Done()
	defer h.inFlight.Store(false)

	ctx, cancel := h.ctx, context.CancelFunc(func() {})
	if h.opts.Timeout > 0 {
		ctx, cancel = context.WithTimeout(h.ctx, h.opts.Timeout)
	}
	defer cancel()
	return h.poll(ctx)
}

func (h *handle) stop() {
	h.mu.Lock()
	h.stopped.Store(true)
	h.cancel()
	h.mu.Unlock()
	h.wg.Wait()
}
