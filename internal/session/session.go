// Package session owns the MeetingSession aggregate, its state machine,
// and the concurrency-safe registry that tracks every live session.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stenobot-io/stenobot/api/schemas"
	"github.com/stenobot-io/stenobot/internal/diagnostics"
)

// Session is one meeting attempt: a browser plus a page plus the state
// machine plus the transcript buffer. All mutation is synchronized on the
// session's own mutex; a slow join on one session never blocks queries on
// another.
type Session struct {
	id         string
	meetingURL string
	platform   schemas.Platform
	logger     *zap.Logger
	recorder   *diagnostics.Recorder

	mu            sync.Mutex
	state         schemas.SessionState
	startedAt     time.Time
	lastUpdatedAt time.Time
	transcript    []schemas.TranscriptFragment
	lastErr       *schemas.SessionError
	browser       schemas.Browser
	page          schemas.Page
	cancel        context.CancelFunc
	leaving       bool
	terminal      chan struct{}

	releaseOnce *sync.Once
}

// New constructs a registered session in the Created state. Browser
// resources are attached later by the pipeline.
func New(id, meetingURL string, platform schemas.Platform, recorder *diagnostics.Recorder, logger *zap.Logger) *Session {
	now := time.Now().UTC()
	s := &Session{
		id:            id,
		meetingURL:    meetingURL,
		platform:      platform,
		logger:        logger.With(zap.String("session_id", id)),
		recorder:      recorder,
		state:         schemas.StateCreated,
		startedAt:     now,
		lastUpdatedAt: now,
		terminal:      make(chan struct{}),
		releaseOnce:   &sync.Once{},
	}
	recorder.Record(schemas.StateCreated, "session created for %s (%s)", meetingURL, platform)
	return s
}

// ID returns the immutable session identifier.
func (s *Session) ID() string { return s.id }

// MeetingURL returns the validated meeting link.
func (s *Session) MeetingURL() string { return s.meetingURL }

// Platform returns the platform derived from the meeting URL at creation.
func (s *Session) Platform() schemas.Platform { return s.platform }

// Logger returns the session-scoped logger.
func (s *Session) Logger() *zap.Logger { return s.logger }

// Recorder returns the session's diagnostics recorder.
func (s *Session) Recorder() *diagnostics.Recorder { return s.recorder }

// State returns the current lifecycle state.
func (s *Session) State() schemas.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastUpdatedAt returns the time of the latest transition or transcript append.
func (s *Session) LastUpdatedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUpdatedAt
}

// Snapshot returns a point-in-time copy of the session's externally
// visible state.
func (s *Session) Snapshot() schemas.SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	var lastErr *schemas.SessionError
	if s.lastErr != nil {
		errCopy := *s.lastErr
		lastErr = &errCopy
	}
	return schemas.SessionSnapshot{
		ID:            s.id,
		MeetingURL:    s.meetingURL,
		Platform:      s.platform,
		State:         s.state,
		StartedAt:     s.startedAt,
		LastUpdatedAt: s.lastUpdatedAt,
		LastError:     lastErr,
	}
}

// Transcript returns a copy of the accumulated fragments.
func (s *Session) Transcript() []schemas.TranscriptFragment {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]schemas.TranscriptFragment, len(s.transcript))
	copy(out, s.transcript)
	return out
}

// AppendTranscript adds a caption fragment. Appends are only legal while
// the session is in the meeting; anything else is silently dropped, since
// a poll racing a leave is expected, not exceptional.
func (s *Session) AppendTranscript(text string) bool {
	if text == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != schemas.StateInMeeting {
		return false
	}
	s.transcript = append(s.transcript, schemas.TranscriptFragment{
		Timestamp: time.Now().UTC(),
		Text:      text,
	})
	s.lastUpdatedAt = time.Now().UTC()
	return true
}

// Transition moves the session along a state-machine edge. An illegal edge
// is a pipeline bug and is rejected with an error.
func (s *Session) Transition(to schemas.SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(to)
}

func (s *Session) transitionLocked(to schemas.SessionState) error {
	if !CanTransition(s.state, to) {
		return fmt.Errorf("illegal state transition %s -> %s", s.state, to)
	}
	s.logger.Info("Session state transition.",
		zap.String("from", string(s.state)),
		zap.String("to", string(to)))
	s.recorder.Record(to, "transition %s -> %s", s.state, to)
	s.state = to
	s.lastUpdatedAt = time.Now().UTC()
	if to.IsTerminal() {
		s.closeTerminalLocked()
	}
	return nil
}

func (s *Session) closeTerminalLocked() {
	select {
	case <-s.terminal:
	default:
		close(s.terminal)
	}
}

// Done returns a channel closed once the session reaches a terminal state.
// A retry re-arms the channel along with the state machine.
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminal
}

// BindCancel attaches the cancel function for the session's run context so
// a leave request can interrupt waits even before handles are adopted.
func (s *Session) BindCancel(cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancel = cancel
	if s.leaving && cancel != nil {
		cancel()
	}
}

// AdoptHandles transfers exclusive ownership of freshly launched browser
// resources to this session. Any previously held handles must have been
// released first (fresh sync.Once per adoption).
func (s *Session) AdoptHandles(browser schemas.Browser, page schemas.Page, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.browser = browser
	s.page = page
	s.cancel = cancel
	s.releaseOnce = &sync.Once{}
}

// Page returns the owned page handle, or nil before launch / after release.
func (s *Session) Page() schemas.Page {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.page
}

// RequestLeave marks the session as leaving and cancels any in-flight wait
// (retry backoff, admission poll, navigation). Idempotent: only the first
// call returns true.
func (s *Session) RequestLeave() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.leaving || s.state.IsTerminal() {
		return false
	}
	s.leaving = true
	if s.cancel != nil {
		s.cancel()
	}
	return true
}

// LeaveRequested reports whether an explicit leave is pending.
func (s *Session) LeaveRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leaving
}

// Fail commits the terminal Error state and then releases the browser
// handles. The state is terminal before the handles close, so no reader
// can observe released resources behind a live state.
func (s *Session) Fail(kind schemas.ErrorKind, cause error) {
	s.mu.Lock()
	if s.state.IsTerminal() {
		s.mu.Unlock()
		return
	}
	s.lastErr = schemas.NewSessionError(kind, cause)
	s.recorder.Record(schemas.StateError, "session failed: %s", s.lastErr.Error())
	s.logger.Warn("Session entering Error state.",
		zap.String("kind", string(kind)),
		zap.Error(cause))
	s.state = schemas.StateError
	s.lastUpdatedAt = time.Now().UTC()
	s.closeTerminalLocked()
	if s.cancel != nil {
		s.cancel()
	}
	release := s.releaseLocked()
	s.mu.Unlock()

	release()
}

// CompleteLeave commits the terminal Left state and releases handles.
// Safe to call when the session already reached a terminal state.
func (s *Session) CompleteLeave() {
	s.mu.Lock()
	if !s.state.IsTerminal() {
		if s.state != schemas.StateLeaving {
			// Leave can race the pipeline; force the edge through Leaving
			// so the observable sequence stays legal.
			if err := s.transitionLocked(schemas.StateLeaving); err != nil {
				s.logger.Warn("Forced leave from unexpected state.", zap.String("state", string(s.state)))
			}
		}
		if err := s.transitionLocked(schemas.StateLeft); err == nil {
			s.lastUpdatedAt = time.Now().UTC()
		}
	}
	release := s.releaseLocked()
	s.mu.Unlock()

	release()
}

// ResetForRetry re-arms an errored session for a fresh join attempt. The
// retry edge allocates a completely new browser, so handles must already
// be gone (Fail released them).
func (s *Session) ResetForRetry() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.transitionLocked(schemas.StateLaunching); err != nil {
		return err
	}
	s.lastErr = nil
	s.leaving = false
	s.terminal = make(chan struct{})
	return nil
}

// releaseLocked captures the handles owned at the moment a terminal state
// is committed and returns a closer to run once the lock is dropped. The
// capture must happen in the same critical section as the transition:
// otherwise a retry adopting fresh handles in between would hand this
// path the new browser to close while the old handles leak with their
// Once unfired. The closer is idempotent per adopted handle set.
func (s *Session) releaseLocked() func() {
	once := s.releaseOnce
	browser := s.browser
	page := s.page

	return func() {
		once.Do(func() {
			// Fresh context: release must proceed even when the session's
			// own context is already canceled.
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()

			if page != nil {
				if err := page.Close(ctx); err != nil {
					s.logger.Debug("Page close failed during release.", zap.Error(err))
				}
			}
			if browser != nil {
				if err := browser.Close(ctx); err != nil {
					s.logger.Warn("Browser close failed during release.", zap.Error(err))
				}
			}

			s.mu.Lock()
			// A retry may have adopted new handles since the capture; only
			// clear the ones this closer actually owned.
			if s.browser == browser {
				s.browser = nil
			}
			if s.page == page {
				s.page = nil
			}
			s.mu.Unlock()

			s.recorder.Record(s.State(), "browser resources released")
		})
	}
}
