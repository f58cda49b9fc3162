package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/stenobot-io/stenobot/api/schemas"
	"github.com/stenobot-io/stenobot/internal/config"
	"github.com/stenobot-io/stenobot/internal/diagnostics"
	"github.com/stenobot-io/stenobot/internal/mocks"
	"github.com/stenobot-io/stenobot/internal/session"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fastConfig returns pipeline timings scaled down so a full join runs in
// milliseconds against the stub driver.
func fastConfig() config.PipelineConfig {
	return config.PipelineConfig{
		MaxAttempts:         3,
		RetryBaseDelay:      time.Millisecond,
		NavigationTimeout:   time.Second,
		ElementBudget:       100 * time.Millisecond,
		MediaBudget:         60 * time.Millisecond,
		AdmissionWait:       150 * time.Millisecond,
		AdmissionPoll:       10 * time.Millisecond,
		AuthTimeout:         time.Second,
		TranscriptInterval:  5 * time.Millisecond,
		TranscriptRate:      1000,
		GuestName:           "Stenobot Notetaker",
		DisconnectThreshold: 3,
		LeaveTimeout:        200 * time.Millisecond,
	}
}

func newTestSession(t *testing.T, url string, pf schemas.Platform) *session.Session {
	t.Helper()
	logger := zap.NewNop()
	rec := diagnostics.NewRecorder(32, nil, logger)
	return session.New("test-session", url, pf, rec, logger)
}

func newTestPipeline(driver schemas.Driver, cfg config.PipelineConfig, auth config.AuthConfig) *Pipeline {
	return New(driver, mocks.IntentTable(), cfg, auth, zap.NewNop())
}

func waitForState(t *testing.T, s *session.Session, want schemas.SessionState) {
	t.Helper()
	require.Eventually(t, func() bool {
		return s.State() == want
	}, 2*time.Second, 2*time.Millisecond, "session never reached %s (stuck at %s)", want, s.State())
}

func waitForTerminal(t *testing.T, s *session.Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("session never reached a terminal state (stuck at %s)", s.State())
	}
}

func TestJoinHappyPathCapturesTranscriptAndLeaves(t *testing.T) {
	script := mocks.NewPageScript()
	driver := mocks.NewStubDriver(script)
	p := newTestPipeline(driver, fastConfig(), config.AuthConfig{})
	s := newTestSession(t, "https://meet.google.com/abc-defg-hij", schemas.PlatformGoogleMeet)

	p.Start(s)
	waitForState(t, s, schemas.StateInMeeting)

	script.SetCaptions("hello from the host")
	require.Eventually(t, func() bool {
		return len(s.Transcript()) == 1
	}, 2*time.Second, 2*time.Millisecond)

	script.SetCaptions("hello from the host") // duplicate, must be dropped
	script.SetCaptions("second fragment")
	require.Eventually(t, func() bool {
		return len(s.Transcript()) == 2
	}, 2*time.Second, 2*time.Millisecond)

	p.Leave(s)
	waitForTerminal(t, s)

	assert.Equal(t, schemas.StateLeft, s.State())
	fragments := s.Transcript()
	require.Len(t, fragments, 2)
	assert.Equal(t, "hello from the host", fragments[0].Text)
	assert.Equal(t, "second fragment", fragments[1].Text)

	browsers := driver.Browsers()
	require.Len(t, browsers, 1)
	assert.Equal(t, 1, browsers[0].CloseCount(), "browser must be closed exactly once")
}

func TestJoinMutesMediaAndSetsGuestName(t *testing.T) {
	script := mocks.NewPageScript()
	driver := mocks.NewStubDriver(script)
	p := newTestPipeline(driver, fastConfig(), config.AuthConfig{})
	s := newTestSession(t, "https://meet.google.com/abc-defg-hij", schemas.PlatformGoogleMeet)

	p.Start(s)
	waitForState(t, s, schemas.StateInMeeting)
	p.Leave(s)
	waitForTerminal(t, s)

	browsers := driver.Browsers()
	require.Len(t, browsers, 1)
	page := browsers[0].Pages()[0]

	assert.Equal(t, "Stenobot Notetaker", page.Typed(string(schemas.IntentNameInput)))
	clicks := page.Clicks()
	assert.Contains(t, clicks, string(schemas.IntentMuteMicToggle))
	assert.Contains(t, clicks, string(schemas.IntentMuteCamToggle))
	assert.Contains(t, clicks, string(schemas.IntentJoinButton))
	assert.Contains(t, clicks, string(schemas.IntentLeaveButton))
}

// A control can be re-rendered away between resolution and the click, so
// every page interaction must run under a deadline or the session would
// hang until the reaper catches it.
func TestPageInteractionsCarryDeadlines(t *testing.T) {
	script := mocks.NewPageScript()
	driver := mocks.NewStubDriver(script)
	p := newTestPipeline(driver, fastConfig(), config.AuthConfig{})
	s := newTestSession(t, "https://meet.google.com/abc-defg-hij", schemas.PlatformGoogleMeet)

	p.Start(s)
	waitForState(t, s, schemas.StateInMeeting)
	p.Leave(s)
	waitForTerminal(t, s)

	page := driver.Browsers()[0].Pages()[0]
	clicks := page.Clicks()
	clickBounds := page.ClickDeadlines()
	require.NotEmpty(t, clickBounds)
	for i, bounded := range clickBounds {
		assert.True(t, bounded, "click on %s ran without a deadline", clicks[i])
	}
	typeBounds := page.TypeDeadlines()
	require.NotEmpty(t, typeBounds)
	for i, bounded := range typeBounds {
		assert.True(t, bounded, "type call %d ran without a deadline", i)
	}
}

func TestJoinRetriesLaunchThenSucceeds(t *testing.T) {
	script := mocks.NewPageScript()
	driver := mocks.NewStubDriver(script)
	driver.FailLaunches(errors.New("chrome crashed"), errors.New("chrome crashed again"))

	p := newTestPipeline(driver, fastConfig(), config.AuthConfig{})
	s := newTestSession(t, "https://meet.google.com/abc-defg-hij", schemas.PlatformGoogleMeet)

	p.Start(s)
	waitForState(t, s, schemas.StateInMeeting)

	assert.Equal(t, 3, driver.Launches(), "two failures then one success")

	p.Leave(s)
	waitForTerminal(t, s)
}

func TestJoinLaunchExhaustionEndsInError(t *testing.T) {
	script := mocks.NewPageScript()
	driver := mocks.NewStubDriver(script)
	driver.FailLaunches(
		errors.New("no chrome"), errors.New("no chrome"), errors.New("no chrome"))

	p := newTestPipeline(driver, fastConfig(), config.AuthConfig{})
	s := newTestSession(t, "https://meet.google.com/abc-defg-hij", schemas.PlatformGoogleMeet)

	p.Start(s)
	waitForTerminal(t, s)

	snap := s.Snapshot()
	assert.Equal(t, schemas.StateError, snap.State)
	require.NotNil(t, snap.LastError)
	assert.Equal(t, schemas.ErrKindLaunchFailure, snap.LastError.Kind)
	assert.Equal(t, 3, driver.Launches(), "retry budget is bounded")
}

func TestJoinWaitingRoomAdmitted(t *testing.T) {
	script := mocks.NewPageScript()
	script.Set(schemas.IntentAdmissionMarker, mocks.UsableElement("admission"))
	script.Set(schemas.IntentInMeetingMarker, mocks.AbsentElement())
	driver := mocks.NewStubDriver(script)

	p := newTestPipeline(driver, fastConfig(), config.AuthConfig{})
	s := newTestSession(t, "https://zoom.us/j/1234567890", schemas.PlatformZoom)

	p.Start(s)
	waitForState(t, s, schemas.StateAwaitingAdmission)

	// Host admits the bot.
	script.Set(schemas.IntentInMeetingMarker, mocks.UsableElement("meeting"))
	waitForState(t, s, schemas.StateInMeeting)

	p.Leave(s)
	waitForTerminal(t, s)
	assert.Equal(t, schemas.StateLeft, s.State())
}

func TestJoinWaitingRoomTimesOut(t *testing.T) {
	script := mocks.NewPageScript()
	script.Set(schemas.IntentAdmissionMarker, mocks.UsableElement("admission"))
	script.Set(schemas.IntentInMeetingMarker, mocks.AbsentElement())
	driver := mocks.NewStubDriver(script)

	p := newTestPipeline(driver, fastConfig(), config.AuthConfig{})
	s := newTestSession(t, "https://zoom.us/j/1234567890", schemas.PlatformZoom)

	p.Start(s)
	waitForTerminal(t, s)

	snap := s.Snapshot()
	assert.Equal(t, schemas.StateError, snap.State)
	require.NotNil(t, snap.LastError)
	assert.Equal(t, schemas.ErrKindAdmissionTimeout, snap.LastError.Kind)

	browsers := driver.Browsers()
	require.Len(t, browsers, 1)
	assert.Equal(t, 1, browsers[0].CloseCount())
}

func TestJoinDisconnectDetectedMidMeeting(t *testing.T) {
	script := mocks.NewPageScript()
	driver := mocks.NewStubDriver(script)
	p := newTestPipeline(driver, fastConfig(), config.AuthConfig{})
	s := newTestSession(t, "https://meet.google.com/abc-defg-hij", schemas.PlatformGoogleMeet)

	p.Start(s)
	waitForState(t, s, schemas.StateInMeeting)

	// The meeting UI disappears and stays gone.
	script.Set(schemas.IntentInMeetingMarker, mocks.AbsentElement())
	waitForTerminal(t, s)

	snap := s.Snapshot()
	assert.Equal(t, schemas.StateError, snap.State)
	require.NotNil(t, snap.LastError)
	assert.Equal(t, schemas.ErrKindDisconnected, snap.LastError.Kind)
}

func TestJoinLoginRedirectWithoutCredentialsFails(t *testing.T) {
	script := mocks.NewPageScript()
	script.SetRedirect("https://accounts.google.com/signin/v2/identifier?continue=x")
	driver := mocks.NewStubDriver(script)

	p := newTestPipeline(driver, fastConfig(), config.AuthConfig{})
	s := newTestSession(t, "https://meet.google.com/abc-defg-hij", schemas.PlatformGoogleMeet)

	p.Start(s)
	waitForTerminal(t, s)

	snap := s.Snapshot()
	assert.Equal(t, schemas.StateError, snap.State)
	require.NotNil(t, snap.LastError)
	assert.Equal(t, schemas.ErrKindAuthenticationFailure, snap.LastError.Kind)
}

func TestJoinLoginRedirectAuthenticatesWithCredentials(t *testing.T) {
	script := mocks.NewPageScript()
	// Only the first navigation is intercepted; once credentials go in,
	// the meeting link loads normally.
	script.SetRedirectOnce("https://accounts.google.com/signin/v2/identifier")
	driver := mocks.NewStubDriver(script)

	auth := config.AuthConfig{Email: "bot@example.com", Password: "hunter2"}
	p := newTestPipeline(driver, fastConfig(), auth)
	s := newTestSession(t, "https://meet.google.com/abc-defg-hij", schemas.PlatformGoogleMeet)

	p.Start(s)
	waitForState(t, s, schemas.StateInMeeting)

	browsers := driver.Browsers()
	require.Len(t, browsers, 1)
	page := browsers[0].Pages()[0]
	assert.Equal(t, "bot@example.com", page.Typed(string(schemas.IntentLoginEmailInput)))
	assert.Equal(t, "hunter2", page.Typed(string(schemas.IntentLoginPasswordInput)))

	visited := make(map[schemas.SessionState]bool)
	for _, entry := range s.Recorder().Tail() {
		visited[entry.State] = true
	}
	assert.True(t, visited[schemas.StateAuthenticating], "session must pass through Authenticating")

	p.Leave(s)
	waitForTerminal(t, s)
	assert.Equal(t, schemas.StateLeft, s.State())
}

func TestJoinButtonNeverUsableEndsInElementNotFound(t *testing.T) {
	script := mocks.NewPageScript()
	script.Set(schemas.IntentJoinButton, mocks.FindResult{
		Handle: &schemas.ElementHandle{Ref: "join", Visible: true, Enabled: false},
	})
	driver := mocks.NewStubDriver(script)

	p := newTestPipeline(driver, fastConfig(), config.AuthConfig{})
	s := newTestSession(t, "https://meet.google.com/abc-defg-hij", schemas.PlatformGoogleMeet)

	p.Start(s)
	waitForTerminal(t, s)

	snap := s.Snapshot()
	assert.Equal(t, schemas.StateError, snap.State)
	require.NotNil(t, snap.LastError)
	assert.Equal(t, schemas.ErrKindElementNotFound, snap.LastError.Kind)
}

func TestLeaveIsIdempotent(t *testing.T) {
	script := mocks.NewPageScript()
	driver := mocks.NewStubDriver(script)
	p := newTestPipeline(driver, fastConfig(), config.AuthConfig{})
	s := newTestSession(t, "https://meet.google.com/abc-defg-hij", schemas.PlatformGoogleMeet)

	p.Start(s)
	waitForState(t, s, schemas.StateInMeeting)

	p.Leave(s)
	p.Leave(s)
	p.Leave(s)

	assert.Equal(t, schemas.StateLeft, s.State())
	browsers := driver.Browsers()
	require.Len(t, browsers, 1)
	assert.Equal(t, 1, browsers[0].CloseCount(), "repeated leaves must not double-close")
}

func TestLeaveDuringWaitingRoomExitsCleanly(t *testing.T) {
	script := mocks.NewPageScript()
	script.Set(schemas.IntentAdmissionMarker, mocks.UsableElement("admission"))
	script.Set(schemas.IntentInMeetingMarker, mocks.AbsentElement())
	driver := mocks.NewStubDriver(script)

	cfg := fastConfig()
	cfg.AdmissionWait = 10 * time.Second // far beyond the test's patience
	p := newTestPipeline(driver, cfg, config.AuthConfig{})
	s := newTestSession(t, "https://zoom.us/j/1234567890", schemas.PlatformZoom)

	p.Start(s)
	waitForState(t, s, schemas.StateAwaitingAdmission)

	p.Leave(s)
	waitForTerminal(t, s)

	assert.Equal(t, schemas.StateLeft, s.State(), "operator leave beats admission timeout")
	browsers := driver.Browsers()
	require.Len(t, browsers, 1)
	assert.Equal(t, 1, browsers[0].CloseCount())
}

func TestRetryAfterErrorUsesFreshBrowser(t *testing.T) {
	script := mocks.NewPageScript()
	driver := mocks.NewStubDriver(script)
	driver.FailLaunches(
		errors.New("no chrome"), errors.New("no chrome"), errors.New("no chrome"))

	p := newTestPipeline(driver, fastConfig(), config.AuthConfig{})
	s := newTestSession(t, "https://meet.google.com/abc-defg-hij", schemas.PlatformGoogleMeet)

	p.Start(s)
	waitForTerminal(t, s)
	require.Equal(t, schemas.StateError, s.State())

	require.NoError(t, p.Retry(context.Background(), s))
	waitForState(t, s, schemas.StateInMeeting)

	assert.Equal(t, 4, driver.Launches(), "retry starts a brand new launch sequence")

	p.Leave(s)
	waitForTerminal(t, s)
}
