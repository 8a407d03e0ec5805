package ticker

import (
	"slices"
	"sync"
	"time"

	"indicatorfeed/internal/provider"
)

// Phase of the reveal/loop cycle.
type Phase string

const (
	PhaseRevealing Phase = "revealing"
	PhaseLooping   Phase = "looping"
)

// Config controls the animation cadence.
type Config struct {
	// RevealPeriod is the tick period; one more item is revealed per tick.
	RevealPeriod time.Duration `yaml:"reveal_period" json:"reveal_period"`
	// Dwell is how long the looping phase lasts before the cycle restarts.
	Dwell time.Duration `yaml:"dwell" json:"dwell"`
	// ScrollPeriod is the time one copy of the track takes to scroll by.
	ScrollPeriod time.Duration `yaml:"scroll_period" json:"scroll_period"`
	Separator    string        `yaml:"separator" json:"separator"`
}

func (c Config) withDefaults() Config {
	if c.RevealPeriod <= 0 {
		c.RevealPeriod = 1500 * time.Millisecond
	}
	if c.Dwell <= 0 {
		c.Dwell = time.Minute
	}
	if c.ScrollPeriod <= 0 {
		c.ScrollPeriod = 30 * time.Second
	}
	if c.Separator == "" {
		c.Separator = "•"
	}
	return c
}

// State is the sequencer position.
type State struct {
	Phase       Phase `json:"phase"`
	RevealIndex int   `json:"reveal_index"`
}

// Sequencer is the reveal/loop state machine. It holds no items: every tick
// is told how many items the feed currently has, so a snapshot that changes
// mid-animation is rendered at the current position without a reset.
type Sequencer struct {
	cfg Config

	mu           sync.Mutex
	state        State
	loopingSince time.Time
}

func NewSequencer(cfg Config) *Sequencer {
	return &Sequencer{cfg: cfg.withDefaults(), state: State{Phase: PhaseRevealing}}
}

func (s *Sequencer) Config() Config { return s.cfg }

// State returns the current position.
func (s *Sequencer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Tick advances the machine by one period.
//
//	revealing: revealIndex < n-1 -> revealIndex++
//	revealing: revealIndex == n-1 -> looping
//	looping:   dwell elapsed -> revealing at 0
//
// Looping starts on the tick after revealIndex reaches n-1, not on the tick
// that reaches it, so the last item is shown alone for one reveal period.
func (s *Sequencer) Tick(now time.Time, n int) State {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n > 0 && s.state.RevealIndex > n-1 {
		s.state.RevealIndex = n - 1
	}

	switch s.state.Phase {
	case PhaseRevealing:
		switch {
		case n == 0:
		case s.state.RevealIndex < n-1:
			s.state.RevealIndex++
		default:
			s.state.Phase = PhaseLooping
			s.loopingSince = now
		}
	case PhaseLooping:
		if now.Sub(s.loopingSince) >= s.cfg.Dwell {
			s.state = State{Phase: PhaseRevealing}
			s.loopingSince = time.Time{}
		}
	}
	return s.state
}

// Reset returns to the initial state.
func (s *Sequencer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = State{Phase: PhaseRevealing}
	s.loopingSince = time.Time{}
}

// Cell is one slot of the looping track: an item or a separator.
type Cell struct {
	Item      provider.Item `json:"item,omitempty"`
	Separator string        `json:"separator,omitempty"`
}

// Frame is what a view renders at one instant.
type Frame struct {
	State
	// Visible holds items[0..RevealIndex] while revealing.
	Visible []provider.Item `json:"visible,omitempty"`
	// Track holds items, separator, items, separator while looping. The
	// second copy starts where the first ends, so scrolling can wrap to
	// offset zero without a jump.
	Track []Cell `json:"track,omitempty"`
	// Progress is the scroll offset in [0,1) of one copy's width.
	Progress float64 `json:"progress"`
}

// Frame renders items at the current position.
func (s *Sequencer) Frame(now time.Time, items []provider.Item) Frame {
	s.mu.Lock()
	st, since := s.state, s.loopingSince
	s.mu.Unlock()

	f := Frame{State: st}
	if len(items) == 0 {
		return f
	}
	if st.Phase == PhaseRevealing {
		end := min(st.RevealIndex, len(items)-1)
		f.Visible = slices.Clone(items[:end+1])
		return f
	}

	track := make([]Cell, 0, 2*len(items)+2)
	for range 2 {
		for _, it := range items {
			track = append(track, Cell{Item: it})
		}
		track = append(track, Cell{Separator: s.cfg.Separator})
	}
	f.Track = track

	elapsed := now.Sub(since)
	if elapsed > 0 {
		f.Progress = float64(elapsed%s.cfg.ScrollPeriod) / float64(s.cfg.ScrollPeriod)
	}
	return f
}
