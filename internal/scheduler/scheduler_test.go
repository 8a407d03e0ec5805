package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// countingPoll returns a poll that counts invocations and commits.
func countingPoll(polls, commits *atomic.Int32) PollFunc {
	return func(ctx context.Context) func() {
		polls.Add(1)
		return func() { commits.Add(1) }
	}
}

func TestStart_PollsImmediatelyThenEveryInterval(t *testing.T) {
	t.Parallel()

	s := New(nil)
	var polls, commits atomic.Int32
	s.Start("indicators", Options{Interval: 200 * time.Millisecond}, countingPoll(&polls, &commits))
	t.Cleanup(func() { s.Stop("indicators") })

	// first poll lands well before the first tick
	require.Eventually(t, func() bool { return commits.Load() == 1 }, 100*time.Millisecond, time.Millisecond)
	require.Eventually(t, func() bool { return commits.Load() >= 3 }, 2*time.Second, 10*time.Millisecond)
}

func TestStart_ZeroIntervalPollsOnce(t *testing.T) {
	t.Parallel()

	s := New(nil)
	var polls, commits atomic.Int32
	s.Start("news", Options{}, countingPoll(&polls, &commits))
	t.Cleanup(func() { s.Stop("news") })

	require.Eventually(t, func() bool { return commits.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.EqualValues(t, 1, polls.Load())

	// on-mount feeds are re-polled only on demand
	require.True(t, s.Trigger("news"))
	require.Eventually(t, func() bool { return commits.Load() == 2 }, time.Second, time.Millisecond)
}

func TestSlowPollSkipsTicks(t *testing.T) {
	t.Parallel()

	s := New(nil)
	var polls atomic.Int32
	release := make(chan struct{})
	s.Start("stocks", Options{Interval: 10 * time.Millisecond}, func(ctx context.Context) func() {
		if polls.Add(1) == 1 {
			<-release
		}
		return nil
	})
	t.Cleanup(func() { s.Stop("stocks") })

	// several ticks elapse while the first poll is blocked
	time.Sleep(60 * time.Millisecond)
	require.EqualValues(t, 1, polls.Load())
	require.True(t, s.InFlight("stocks"))
	require.False(t, s.Trigger("stocks"))

	close(release)
	require.Eventually(t, func() bool { return polls.Load() >= 2 }, time.Second, time.Millisecond)
}

func TestStop_IdempotentAndNoPublishAfterStop(t *testing.T) {
	t.Parallel()

	s := New(nil)
	var commits atomic.Int32
	started := make(chan struct{}, 1)
	s.Start("indices", Options{Interval: 10 * time.Millisecond}, func(ctx context.Context) func() {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return func() { commits.Add(1) }
	})

	<-started
	s.Stop("indices")
	s.Stop("indices")
	require.False(t, s.Running("indices"))
	require.False(t, s.Trigger("indices"))

	time.Sleep(40 * time.Millisecond)
	require.Zero(t, commits.Load())
}

func TestTimeoutBoundsPoll(t *testing.T) {
	t.Parallel()

	s := New(nil)
	errs := make(chan error, 1)
	s.Start("stocks", Options{Timeout: 20 * time.Millisecond}, func(ctx context.Context) func() {
		<-ctx.Done()
		err := ctx.Err()
		return func() { errs <- err }
	})
	t.Cleanup(func() { s.Stop("stocks") })

	select {
	case err := <-errs:
		// a timed-out poll still commits so the failure can be published
		require.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(time.Second):
		t.Fatal("poll was not committed")
	}
}

func TestStartReplacesRunningFeed(t *testing.T) {
	t.Parallel()

	s := New(nil)
	var oldCommits, newCommits atomic.Int32
	block := make(chan struct{})
	s.Start("news", Options{}, func(ctx context.Context) func() {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return func() { oldCommits.Add(1) }
	})
	require.Eventually(t, func() bool { return s.InFlight("news") }, time.Second, time.Millisecond)

	var polls atomic.Int32
	s.Start("news", Options{}, countingPoll(&polls, &newCommits))
	t.Cleanup(func() { s.Stop("news") })

	require.Eventually(t, func() bool { return newCommits.Load() == 1 }, time.Second, time.Millisecond)
	require.Zero(t, oldCommits.Load())
}

func TestStopAll(t *testing.T) {
	t.Parallel()

	s := New(nil)
	var polls, commits atomic.Int32
	for _, id := range []string{"a", "b", "c"} {
		s.Start(id, Options{Interval: 5 * time.Millisecond}, countingPoll(&polls, &commits))
	}
	require.Eventually(t, func() bool { return commits.Load() >= 3 }, time.Second, time.Millisecond)

	s.StopAll()
	n := polls.Load()
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, n, polls.Load())
	require.False(t, s.Running("a"))
}

func TestCommitMayCallBackIntoScheduler(t *testing.T) {
	t.Parallel()

	s := New(nil)
	var polls atomic.Int32
	triggered := make(chan bool, 1)
	done := make(chan struct{})
	s.Start("indicators", Options{}, func(ctx context.Context) func() {
		n := polls.Add(1)
		return func() {
			if n == 1 {
				triggered <- s.Trigger("indicators")
				return
			}
			s.Stop("indicators")
			close(done)
		}
	})
	t.Cleanup(func() { s.Stop("indicators") })

	select {
	case ok := <-triggered:
		require.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Trigger from commit did not return")
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop from commit did not return")
	}
	require.False(t, s.Running("indicators"))
	require.EqualValues(t, 2, polls.Load())
}
