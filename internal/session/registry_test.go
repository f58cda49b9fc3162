package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/stenobot-io/stenobot/api/schemas"
	"github.com/stenobot-io/stenobot/internal/mocks"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeClock advances manually; After channels fire when Advance crosses
// their deadline.
type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []waiter
}

type waiter struct {
	at time.Time
	ch chan time.Time
}

// Anchored to real time because sessions stamp LastUpdatedAt with
// time.Now; advancing past the TTL must move the cutoff beyond it.
func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Now().UTC()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	c.waiters = append(c.waiters, waiter{at: c.now.Add(d), ch: ch})
	return ch
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	remaining := c.waiters[:0]
	for _, w := range c.waiters {
		if !w.at.After(c.now) {
			w.ch <- c.now
		} else {
			remaining = append(remaining, w)
		}
	}
	c.waiters = remaining
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry(16, 20*time.Minute, time.Minute, nil, zap.NewNop())
	t.Cleanup(r.Stop)
	return r
}

func TestCreateValidatesURLAndRegisters(t *testing.T) {
	r := newTestRegistry(t)

	s, err := r.Create("https://meet.google.com/abc-defg-hij")
	require.NoError(t, err)
	assert.Equal(t, schemas.PlatformGoogleMeet, s.Platform())
	assert.Equal(t, schemas.StateCreated, s.State())
	assert.NotEmpty(t, s.ID())

	got, err := r.Get(s.ID())
	require.NoError(t, err)
	assert.Same(t, s, got)
}

func TestCreateRejectsInvalidURLWithoutRegistering(t *testing.T) {
	r := newTestRegistry(t)

	for _, raw := range []string{
		"",
		"not a url",
		"http://meet.google.com/abc-defg-hij", // https only
		"https://example.com/some/meeting",
		"https://meet.google.com/not-a-code-at-all",
	} {
		_, err := r.Create(raw)
		assert.ErrorIs(t, err, schemas.ErrInvalidMeetingURL, "url %q", raw)
	}
	assert.Empty(t, r.List(), "failed creates must not leave sessions behind")
}

func TestGetUnknownSessionReturnsNotFound(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Get("0b5c1e0a-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, schemas.ErrSessionNotFound)
}

func TestListReturnsAllSessionsOrderedByStart(t *testing.T) {
	r := newTestRegistry(t)

	urls := []string{
		"https://meet.google.com/abc-defg-hij",
		"https://zoom.us/j/1234567890",
		"https://teams.microsoft.com/l/meetup-join/19%3ameeting",
	}
	ids := make([]string, 0, len(urls))
	for _, u := range urls {
		s, err := r.Create(u)
		require.NoError(t, err)
		ids = append(ids, s.ID())
		time.Sleep(time.Millisecond)
	}

	list := r.List()
	require.Len(t, list, 3)
	for i, snap := range list {
		assert.Equal(t, ids[i], snap.ID)
	}
}

func TestRemoveDropsSession(t *testing.T) {
	r := newTestRegistry(t)
	s, err := r.Create("https://meet.google.com/abc-defg-hij")
	require.NoError(t, err)

	r.Remove(s.ID())
	_, err = r.Get(s.ID())
	assert.ErrorIs(t, err, schemas.ErrSessionNotFound)
	r.Remove(s.ID()) // second remove is a no-op
}

func TestShardingSpreadsManySessions(t *testing.T) {
	r := newTestRegistry(t)
	const n = 64
	for i := 0; i < n; i++ {
		_, err := r.Create(fmt.Sprintf("https://zoom.us/j/12345678%02d", i))
		require.NoError(t, err)
	}
	assert.Len(t, r.List(), n)

	populated := 0
	for _, sh := range r.shards {
		sh.mu.RLock()
		if len(sh.sessions) > 0 {
			populated++
		}
		sh.mu.RUnlock()
	}
	assert.Greater(t, populated, 1, "sessions must not pile onto a single shard")
}

func TestSweepReapsIdleNonTerminalSessions(t *testing.T) {
	clock := newFakeClock()
	r := NewRegistry(16, 20*time.Minute, time.Minute, nil, zap.NewNop()).WithClock(clock)
	t.Cleanup(r.Stop)

	stale, err := r.Create("https://meet.google.com/abc-defg-hij")
	require.NoError(t, err)
	require.NoError(t, stale.Transition(schemas.StateLaunching))

	driver := mocks.NewStubDriver(mocks.NewPageScript())
	browser, err := driver.Launch(context.Background())
	require.NoError(t, err)
	page, err := browser.NewPage(context.Background())
	require.NoError(t, err)
	stale.AdoptHandles(browser, page, func() {})

	finished, err := r.Create("https://zoom.us/j/1234567890")
	require.NoError(t, err)
	finished.Fail(schemas.ErrKindLaunchFailure, errors.New("already terminal"))

	// Nothing is past the TTL yet.
	clock.Advance(time.Minute)
	r.Sweep()
	assert.Equal(t, schemas.StateLaunching, stale.State())

	clock.Advance(21 * time.Minute)
	r.Sweep()

	snap := stale.Snapshot()
	assert.Equal(t, schemas.StateError, snap.State)
	require.NotNil(t, snap.LastError)
	assert.Equal(t, schemas.ErrKindReaped, snap.LastError.Kind)
	assert.Equal(t, 1, driver.Browsers()[0].CloseCount(), "reaping releases browser handles")

	finishedSnap := finished.Snapshot()
	assert.Equal(t, schemas.ErrKindLaunchFailure, finishedSnap.LastError.Kind,
		"terminal sessions are left alone")
}

func TestReaperRunsOnClockTicks(t *testing.T) {
	clock := newFakeClock()
	r := NewRegistry(16, 10*time.Minute, time.Minute, nil, zap.NewNop()).WithClock(clock)

	s, err := r.Create("https://meet.google.com/abc-defg-hij")
	require.NoError(t, err)
	require.NoError(t, s.Transition(schemas.StateLaunching))

	r.StartReaper()
	defer r.Stop()

	// Advance inside the poll: the reaper registers its next wait only
	// after the previous tick fires.
	require.Eventually(t, func() bool {
		clock.Advance(2 * time.Minute)
		return s.State() == schemas.StateError
	}, 2*time.Second, 5*time.Millisecond, "reaper tick must fail the idle session")
}

func TestStopWithoutStartReturnsImmediately(t *testing.T) {
	r := NewRegistry(16, time.Minute, time.Second, nil, zap.NewNop())
	done := make(chan struct{})
	go func() {
		r.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked with no reaper running")
	}
}
