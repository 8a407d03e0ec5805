package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"indicatorfeed/internal/fallback"
	"indicatorfeed/internal/provider"
)

type StoreTestSuite struct {
	suite.Suite
	store *Store
	now   time.Time
}

func TestStoreSuite(t *testing.T) {
	suite.Run(t, new(StoreTestSuite))
}

func (s *StoreTestSuite) SetupTest() {
	s.now = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	s.store = New(fallback.Default(), WithClock(func() time.Time { return s.now }))
	for _, id := range []string{fallback.FeedIndicators, fallback.FeedStocks, "news"} {
		s.store.Register(id)
	}
}

func (s *StoreTestSuite) publish(feed string, res Result) bool {
	seq, err := s.store.Begin(feed)
	s.Require().NoError(err)
	ok, err := s.store.Publish(feed, seq, res)
	s.Require().NoError(err)
	return ok
}

func (s *StoreTestSuite) current(feed string) Snapshot {
	snap, err := s.store.Get(feed)
	s.Require().NoError(err)
	s.Require().True(snap.IsSome())
	return snap.Unwrap()
}

func indicators(n int) []provider.Item {
	out := make([]provider.Item, 0, n)
	for i := range n {
		out = append(out, provider.Indicator{Key: fmt.Sprintf("k%d", i), Value: float64(i), SourceProvenance: provider.ProvenanceLive})
	}
	return out
}

func (s *StoreTestSuite) TestNotLoadedBeforeFirstPublish() {
	snap, err := s.store.Get(fallback.FeedIndicators)
	s.Require().NoError(err)
	s.True(snap.IsNone())
	s.Nil(s.store.Items(fallback.FeedIndicators))

	st, err := s.store.Status(fallback.FeedIndicators)
	s.Require().NoError(err)
	s.False(st.Loaded)
	s.True(st.LastAttempt.IsNone())
}

func (s *StoreTestSuite) TestSuccessIsLive() {
	s.True(s.publish(fallback.FeedIndicators, Ok(indicators(3))))

	snap := s.current(fallback.FeedIndicators)
	s.Len(snap.Items, 3)
	s.Equal(provider.ProvenanceLive, snap.Provenance)
	s.Equal(s.now, snap.FetchedAt)
	s.True(snap.ErrorMessage.IsNone())

	st, err := s.store.Status(fallback.FeedIndicators)
	s.Require().NoError(err)
	s.True(st.Loaded)
	s.Equal(s.now, st.LastSuccess.Unwrap())
	s.Equal(s.now, st.LastAttempt.Unwrap())
}

func (s *StoreTestSuite) TestFailureWithoutPriorSuccessPublishesFallbackExactly() {
	s.True(s.publish(fallback.FeedStocks, Failed(fmt.Errorf("poll: %w", context.DeadlineExceeded))))

	snap := s.current(fallback.FeedStocks)
	s.Equal(provider.ProvenanceFallback, snap.Provenance)
	s.Equal(fallback.Default().Resolve(fallback.FeedStocks), snap.Items)
	s.Contains(snap.ErrorMessage.Unwrap(), "timed out")
	s.False(snap.Unavailable)

	st, err := s.store.Status(fallback.FeedStocks)
	s.Require().NoError(err)
	s.True(st.LastSuccess.IsNone())
	s.Equal(provider.ProvenanceFallback, st.Provenance)
}

func (s *StoreTestSuite) TestFallbackAutoClears() {
	s.publish(fallback.FeedStocks, Failed(provider.HTTPStatus(502, "GET /query")))
	s.Equal(provider.ProvenanceFallback, s.current(fallback.FeedStocks).Provenance)

	s.publish(fallback.FeedStocks, Ok([]provider.Item{provider.Quote{Symbol: "AAPL", Price: 1, Success: true}}))
	snap := s.current(fallback.FeedStocks)
	s.Equal(provider.ProvenanceLive, snap.Provenance)
	s.True(snap.ErrorMessage.IsNone())
	s.Len(snap.Items, 1)
}

func (s *StoreTestSuite) TestFailureWithoutFallbackIsUnavailable() {
	s.publish("news", Failed(provider.Malformed("decode articles", nil)))

	snap := s.current("news")
	s.True(snap.Unavailable)
	s.NotNil(snap.Items)
	s.Empty(snap.Items)
}

func (s *StoreTestSuite) TestUnsuccessfulQuotesAreNotPublished() {
	items := []provider.Item{
		provider.Quote{Symbol: "AAPL", Success: true},
		provider.Quote{Symbol: "GOOGL", Success: true},
		provider.Quote{Symbol: "MSFT", Success: true},
		provider.Quote{Symbol: "TSLA", Success: false},
		provider.Quote{Symbol: "AMZN", Success: true},
	}
	s.publish(fallback.FeedStocks, Ok(items))
	s.Len(s.current(fallback.FeedStocks).Items, 4)
}

func (s *StoreTestSuite) TestLateOlderResponseIsDiscarded() {
	seq1, err := s.store.Begin(fallback.FeedIndicators)
	s.Require().NoError(err)
	seq2, err := s.store.Begin(fallback.FeedIndicators)
	s.Require().NoError(err)
	s.Less(seq1, seq2)

	// the newer request completes first
	ok, err := s.store.Publish(fallback.FeedIndicators, seq2, Ok(indicators(2)))
	s.Require().NoError(err)
	s.True(ok)

	ok, err = s.store.Publish(fallback.FeedIndicators, seq1, Ok(indicators(5)))
	s.Require().NoError(err)
	s.False(ok)

	snap := s.current(fallback.FeedIndicators)
	s.Len(snap.Items, 2)
	s.Equal(seq2, snap.Seq)
}

func (s *StoreTestSuite) TestFenceDiscardsEarlierPolls() {
	seq1, err := s.store.Begin(fallback.FeedIndicators)
	s.Require().NoError(err)
	s.Require().NoError(s.store.Fence(fallback.FeedIndicators))

	ok, err := s.store.Publish(fallback.FeedIndicators, seq1, Ok(indicators(3)))
	s.Require().NoError(err)
	s.False(ok)

	s.True(s.publish(fallback.FeedIndicators, Ok(indicators(1))))
	s.Len(s.current(fallback.FeedIndicators).Items, 1)

	// a subscriber may fence its own feed without blocking the publish
	_, err = s.store.Subscribe(fallback.FeedIndicators, func(Snapshot) {
		s.NoError(s.store.Fence(fallback.FeedIndicators))
	})
	s.Require().NoError(err)
	s.True(s.publish(fallback.FeedIndicators, Ok(indicators(2))))
	s.ErrorIs(s.store.Fence("unknown"), ErrUnknownFeed)
}

func (s *StoreTestSuite) TestCancelledPollIsNotPublished() {
	s.False(s.publish(fallback.FeedIndicators, Failed(context.Canceled)))

	snap, err := s.store.Get(fallback.FeedIndicators)
	s.Require().NoError(err)
	s.True(snap.IsNone())
}

func (s *StoreTestSuite) TestNewsReplacedNotMerged() {
	s.publish("news", Ok([]provider.Item{
		provider.Article{ID: 1, Category: provider.CategoryLaboral},
		provider.Article{ID: 2, Category: provider.CategoryLaboral},
	}))
	s.publish("news", Ok([]provider.Item{
		provider.Article{ID: 2, Category: provider.CategoryTributaria},
		provider.Article{ID: 3, Category: provider.CategoryTributaria},
	}))

	snap := s.current("news")
	s.Require().Len(snap.Items, 2)
	for _, it := range snap.Items {
		s.Equal(provider.CategoryTributaria, it.(provider.Article).Category)
	}
}

func (s *StoreTestSuite) TestSubscribersNotifiedSynchronouslyInOrder() {
	var mu sync.Mutex
	var calls []string
	unsubA, err := s.store.Subscribe(fallback.FeedIndicators, func(snap Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, fmt.Sprintf("a%d", snap.Seq))
	})
	s.Require().NoError(err)
	_, err = s.store.Subscribe(fallback.FeedIndicators, func(snap Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, fmt.Sprintf("b%d", snap.Seq))
	})
	s.Require().NoError(err)

	s.publish(fallback.FeedIndicators, Ok(indicators(1)))
	// delivered before Publish returned
	s.Equal([]string{"a1", "b1"}, calls)

	unsubA()
	unsubA()
	s.publish(fallback.FeedIndicators, Failed(provider.Malformed("x", nil)))
	s.Equal([]string{"a1", "b1", "b2"}, calls)
}

func (s *StoreTestSuite) TestSnapshotsAreCopies() {
	s.publish(fallback.FeedIndicators, Ok(indicators(2)))
	first := s.current(fallback.FeedIndicators)
	first.Items[0] = provider.Indicator{Key: "mutated"}

	s.Equal("k0", s.current(fallback.FeedIndicators).Items[0].ItemKey())
}

func (s *StoreTestSuite) TestUnknownFeed() {
	_, err := s.store.Begin("missing")
	s.ErrorIs(err, ErrUnknownFeed)
	_, err = s.store.Publish("missing", 1, Ok(nil))
	s.ErrorIs(err, ErrUnknownFeed)
	_, err = s.store.Subscribe("missing", func(Snapshot) {})
	s.ErrorIs(err, ErrUnknownFeed)
	s.Equal([]string{fallback.FeedIndicators, "news", fallback.FeedStocks}, s.store.Feeds())
}
