package store

import (
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/moznion/go-optional"
	"go.uber.org/zap"

	"indicatorfeed/internal/metrics"
	"indicatorfeed/internal/provider"
)

// ErrUnknownFeed is returned for feed ids that were never registered.
var ErrUnknownFeed = errors.New("unknown feed")

// Snapshot is the complete, atomically replaced value set of a feed.
// Items must be treated as read-only by consumers.
type Snapshot struct {
	FeedID       string                  `json:"feed"`
	Items        []provider.Item         `json:"items"`
	Provenance   provider.Provenance     `json:"provenance"`
	FetchedAt    time.Time               `json:"fetched_at"`
	ErrorMessage optional.Option[string] `json:"error_message"`
	// Unavailable is set when a fallback was published with no items.
	Unavailable bool   `json:"unavailable,omitempty"`
	Seq         uint64 `json:"seq"`
}

// Result is the outcome of one poll.
type Result struct {
	Items []provider.Item
	Err   error
}

func Ok(items []provider.Item) Result { return Result{Items: items} }
func Failed(err error) Result         { return Result{Err: err} }

// Status summarizes a feed for health and listing endpoints.
type Status struct {
	FeedID      string                     `json:"feed"`
	Loaded      bool                       `json:"loaded"`
	Provenance  provider.Provenance        `json:"provenance,omitempty"`
	LastAttempt optional.Option[time.Time] `json:"last_attempt"`
	LastSuccess optional.Option[time.Time] `json:"last_success"`
	Seq         uint64                     `json:"seq"`
	Error       optional.Option[string]    `json:"error"`
}

// Resolver supplies fallback items for a feed.
type Resolver interface {
	Resolve(feedID string) []provider.Item
}

// Subscriber is called synchronously after every publish, in publish order.
// It must not publish to the same feed. It may fence the feed.
type Subscriber func(Snapshot)

type feedState struct {
	// serializes publish and notification for one feed
	pubMu sync.Mutex

	snap    optional.Option[Snapshot]
	nextSeq uint64
	lastSeq uint64
	// results of polls begun at or before fence are discarded
	fence       uint64
	lastAttempt time.Time
	lastSuccess time.Time
	subs        map[uuid.UUID]Subscriber
	order       []uuid.UUID
}

// Store owns the current snapshot of every feed. It is the only place a
// snapshot is mutated.
type Store struct {
	resolver Resolver
	logger   *zap.Logger
	now      func() time.Time

	mu    sync.RWMutex
	feeds map[string]*feedState
}

type Option func(*Store)

func WithLogger(l *zap.Logger) Option { return func(s *Store) { s.logger = l } }

// WithClock overrides time.Now for fetchedAt and attempt timestamps.
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

func New(resolver Resolver, opts ...Option) *Store {
	s := &Store{
		resolver: resolver,
		logger:   zap.NewNop(),
		now:      time.Now,
		feeds:    make(map[string]*feedState),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register creates the empty, not yet loaded state of a feed. Registering an
// existing feed is a no-op.
func (s *Store) Register(feedID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.feeds[feedID]; !ok {
		s.feeds[feedID] = &feedState{subs: make(map[uuid.UUID]Subscriber)}
	}
}

func (s *Store) feed(feedID string) (*feedState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.feeds[feedID]
	if !ok {
		return nil, ErrUnknownFeed
	}
	return f, nil
}

// Begin records a poll attempt and returns its sequence number.
func (s *Store) Begin(feedID string) (uint64, error) {
	f, err := s.feed(feedID)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f.nextSeq++
	f.lastAttempt = s.now().UTC()
	return f.nextSeq, nil
}

// Fence discards the results of every poll of feedID begun so far. Polls
// begun after it publish normally.
func (s *Store) Fence(feedID string) error {
	f, err := s.feed(feedID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f.fence = f.nextSeq
	return nil
}

// Publish applies the result of poll seq. A result whose sequence number is
// not newer than the last published one is discarded and Publish returns
// false. So is a cancelled poll, which is never published.
//
// On success the snapshot is live. On failure the fallback dataset is
// published with the failure summary as error message.
func (s *Store) Publish(feedID string, seq uint64, res Result) (bool, error) {
	f, err := s.feed(feedID)
	if err != nil {
		return false, err
	}

	f.pubMu.Lock()
	defer f.pubMu.Unlock()

	if s.stale(f, seq) {
		s.discard(feedID, seq)
		return false, nil
	}

	now := s.now().UTC()
	snap := Snapshot{FeedID: feedID, FetchedAt: now, Seq: seq, ErrorMessage: optional.None[string]()}
	if res.Err != nil {
		pe := provider.Classify(res.Err)
		if pe == nil {
			return false, nil
		}
		snap.Provenance = provider.ProvenanceFallback
		snap.ErrorMessage = optional.Some(pe.Summary())
		if s.resolver != nil {
			snap.Items = s.resolver.Resolve(feedID)
		}
		if snap.Items == nil {
			snap.Items = []provider.Item{}
		}
		snap.Unavailable = len(snap.Items) == 0
	} else {
		snap.Provenance = provider.ProvenanceLive
		snap.Items = provider.Publishable(res.Items)
	}

	s.mu.Lock()
	if seq <= f.fence {
		s.mu.Unlock()
		s.discard(feedID, seq)
		return false, nil
	}
	f.snap = optional.Some(snap)
	f.lastSeq = seq
	if snap.Provenance == provider.ProvenanceLive {
		f.lastSuccess = now
	}
	subs := make([]Subscriber, 0, len(f.order))
	for _, id := range f.order {
		subs = append(subs, f.subs[id])
	}
	s.mu.Unlock()

	metrics.SetFallback(feedID, snap.Provenance == provider.ProvenanceFallback)
	for _, fn := range subs {
		fn(clone(snap))
	}
	return true, nil
}

func (s *Store) stale(f *feedState, seq uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return seq <= f.lastSeq || seq <= f.fence
}

func (s *Store) discard(feedID string, seq uint64) {
	metrics.RecordStaleDiscard(feedID)
	s.logger.Debug("discarding stale result", zap.String("feed", feedID), zap.Uint64("seq", seq))
}

// Get returns the current snapshot, or None until the first publish.
func (s *Store) Get(feedID string) (optional.Option[Snapshot], error) {
	f, err := s.feed(feedID)
	if err != nil {
		return optional.None[Snapshot](), err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if f.snap.IsNone() {
		return optional.None[Snapshot](), nil
	}
	return optional.Some(clone(f.snap.Unwrap())), nil
}

// Items returns the items of the current snapshot, or nil when not loaded.
func (s *Store) Items(feedID string) []provider.Item {
	snap, err := s.Get(feedID)
	if err != nil || snap.IsNone() {
		return nil
	}
	return snap.Unwrap().Items
}

func (s *Store) Status(feedID string) (Status, error) {
	f, err := s.feed(feedID)
	if err != nil {
		return Status{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Status{
		FeedID:      feedID,
		Loaded:      f.snap.IsSome(),
		LastAttempt: optionalTime(f.lastAttempt),
		LastSuccess: optionalTime(f.lastSuccess),
		Seq:         f.lastSeq,
		Error:       optional.None[string](),
	}
	if f.snap.IsSome() {
		snap := f.snap.Unwrap()
		st.Provenance = snap.Provenance
		st.Error = snap.ErrorMessage
	}
	return st, nil
}

// Feeds lists registered feed ids in sorted order.
func (s *Store) Feeds() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.feeds))
	for id := range s.feeds {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Subscribe registers fn for every future publish of feedID. The returned
// func unsubscribes and is safe to call more than once.
func (s *Store) Subscribe(feedID string, fn Subscriber) (func(), error) {
	f, err := s.feed(feedID)
	if err != nil {
		return nil, err
	}
	id := uuid.New()
	s.mu.Lock()
	f.subs[id] = fn
	f.order = append(f.order, id)
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := f.subs[id]; !ok {
			return
		}
		delete(f.subs, id)
		f.order = slices.DeleteFunc(f.order, func(v uuid.UUID) bool { return v == id })
	}, nil
}

func clone(s Snapshot) Snapshot {
	s.Items = slices.Clone(s.Items)
	return s
}

func optionalTime(t time.Time) optional.Option[time.Time] {
	if t.IsZero() {
		return optional.None[time.Time]()
	}
	return optional.Some(t)
}
