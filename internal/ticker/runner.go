package ticker

import (
	"context"
	"sync"
	"time"

	"indicatorfeed/internal/provider"
)

// Source returns the items currently published for a feed.
type Source func() []provider.Item

// Runner drives a Sequencer on a fixed-period timer, re-reading items from
// its Source on every tick.
type Runner struct {
	seq     *Sequencer
	src     Source
	onFrame func(Frame)

	mu    sync.RWMutex
	frame Frame

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewRunner returns a stopped runner. onFrame may be nil; it is called from
// the runner goroutine after every tick and never after Stop returns.
func NewRunner(seq *Sequencer, src Source, onFrame func(Frame)) *Runner {
	r := &Runner{seq: seq, src: src, onFrame: onFrame, done: make(chan struct{})}
	r.frame = seq.Frame(time.Now(), src())
	return r
}

func (r *Runner) Start() {
	r.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		r.cancel = cancel
		go r.loop(ctx)
	})
}

// Stop tears the timer down and waits for the loop to exit. It is safe to
// call more than once, and before Start.
func (r *Runner) Stop() {
	started := true
	r.startOnce.Do(func() { started = false })
	r.stopOnce.Do(func() {
		if !started {
			close(r.done)
			return
		}
		r.cancel()
	})
	<-r.done
}

// Frame returns the most recent frame.
func (r *Runner) Frame() Frame {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frame
}

func (r *Runner) Sequencer() *Sequencer { return r.seq }

func (r *Runner) loop(ctx context.Context) {
	defer close(r.done)

	t := time.NewTicker(r.seq.Config().RevealPeriod)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if ctx.Err() != nil {
				return
			}
			items := r.src()
			r.seq.Tick(now, len(items))
			f := r.seq.Frame(now, items)

			r.mu.Lock()
			r.frame = f
			r.mu.Unlock()
			if r.onFrame != nil {
				r.onFrame(f)
			}
		}
	}
}
