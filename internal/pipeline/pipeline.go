// Package pipeline drives a session from Created to a terminal state:
// launch the browser, navigate to the meeting, clear login and pre-join
// obstacles, click join, wait out the lobby, then poll captions until the
// meeting ends or an operator asks to leave.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/stenobot-io/stenobot/api/schemas"
	"github.com/stenobot-io/stenobot/internal/config"
	"github.com/stenobot-io/stenobot/internal/platform"
	"github.com/stenobot-io/stenobot/internal/resolver"
	"github.com/stenobot-io/stenobot/internal/retrier"
	"github.com/stenobot-io/stenobot/internal/selectors"
	"github.com/stenobot-io/stenobot/internal/session"
)

var (
	errNoCredentials    = errors.New("login challenge but no operator credentials configured")
	errStillAtLogin     = errors.New("still on identity-provider page after submitting credentials")
	errAdmissionTimeout = errors.New("host did not admit the bot within the waiting-room budget")
	errMarkerGone       = errors.New("in-meeting marker missing; meeting ended or connection dropped")
)

// Pipeline executes join attempts. One Pipeline serves all sessions; all
// per-session state lives on the Session itself.
type Pipeline struct {
	driver schemas.Driver
	table  *selectors.Table
	cfg    config.PipelineConfig
	auth   config.AuthConfig
	clock  schemas.Clock
	logger *zap.Logger
}

// New builds a pipeline around a browser driver and selector table.
func New(driver schemas.Driver, table *selectors.Table, cfg config.PipelineConfig, auth config.AuthConfig, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		driver: driver,
		table:  table,
		cfg:    cfg,
		auth:   auth,
		clock:  schemas.RealClock{},
		logger: logger.Named("pipeline"),
	}
}

// WithClock swaps the clock; tests use this to skip real backoff waits.
func (p *Pipeline) WithClock(clock schemas.Clock) *Pipeline {
	p.clock = clock
	return p
}

// Start runs Join on its own goroutine. The control API uses this to
// return 202 immediately while the join proceeds in the background.
func (p *Pipeline) Start(s *session.Session) {
	go p.Join(context.Background(), s)
}

// Join drives the full lifecycle for one session. It blocks until the
// session reaches a terminal state and always leaves it there.
func (p *Pipeline) Join(ctx context.Context, s *session.Session) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.BindCancel(cancel)

	log := s.Logger().Named("pipeline")
	res := resolver.New(p.table, s.Platform(), s.Recorder(), s.Logger())
	policy := retrier.New(p.cfg.MaxAttempts, p.cfg.RetryBaseDelay, retrier.Linear).
		WithLogger(s.Logger()).
		WithClock(p.clock)

	if s.State() == schemas.StateCreated {
		if err := s.Transition(schemas.StateLaunching); err != nil {
			s.Fail(schemas.ErrKindLaunchFailure, err)
			return
		}
	}

	page, err := p.launch(runCtx, s, policy, cancel)
	if err != nil {
		p.finish(runCtx, s, nil, res, schemas.ErrKindLaunchFailure, err)
		return
	}

	if err := s.Transition(schemas.StateNavigating); err != nil {
		s.Fail(schemas.ErrKindNavigationFailure, err)
		return
	}
	if err := p.navigate(runCtx, s, page, res, policy, log); err != nil {
		kind := schemas.ErrKindNavigationFailure
		if errors.Is(err, errNoCredentials) || errors.Is(err, errStillAtLogin) {
			kind = schemas.ErrKindAuthenticationFailure
		}
		p.finish(runCtx, s, page, res, kind, err)
		return
	}

	if err := s.Transition(schemas.StateConfiguringMedia); err != nil {
		s.Fail(schemas.ErrKindNavigationFailure, err)
		return
	}
	p.configureMedia(runCtx, s, page, res, log)

	if err := s.Transition(schemas.StateJoining); err != nil {
		s.Fail(schemas.ErrKindElementNotFound, err)
		return
	}
	admitted, waiting, err := p.clickJoin(runCtx, s, page, res, policy, log)
	if err != nil {
		p.finish(runCtx, s, page, res, schemas.ErrKindElementNotFound, err)
		return
	}

	if waiting {
		if err := s.Transition(schemas.StateAwaitingAdmission); err != nil {
			s.Fail(schemas.ErrKindAdmissionTimeout, err)
			return
		}
		admitted, err = p.awaitAdmission(runCtx, s, page, res, log)
		if err != nil {
			kind := schemas.ErrKindAdmissionTimeout
			if !errors.Is(err, errAdmissionTimeout) {
				kind = schemas.ErrKindElementNotFound
			}
			p.finish(runCtx, s, page, res, kind, err)
			return
		}
	}
	if !admitted {
		p.finish(runCtx, s, page, res, schemas.ErrKindElementNotFound, errMarkerGone)
		return
	}

	if err := s.Transition(schemas.StateInMeeting); err != nil {
		s.Fail(schemas.ErrKindDisconnected, err)
		return
	}
	log.Info("Joined meeting; transcript capture running.",
		zap.String("platform", string(s.Platform())))

	err = p.captureTranscript(runCtx, s, page, res, log)
	if err != nil {
		p.finish(runCtx, s, page, res, schemas.ErrKindDisconnected, err)
		return
	}

	// Context canceled: operator leave. Do it gracefully.
	p.gracefulLeave(s, page, res, log)
}

// Leave requests an orderly exit and blocks until the session is terminal.
// Idempotent: a second call, or a call on a finished session, is a no-op.
func (p *Pipeline) Leave(s *session.Session) {
	if s.State().IsTerminal() {
		return
	}
	s.RequestLeave()

	select {
	case <-s.Done():
	case <-p.clock.After(p.cfg.LeaveTimeout + 5*time.Second):
		// The join goroutine is wedged or was never started; force the
		// terminal state so the API contract holds.
		s.CompleteLeave()
	}
}

// Retry re-runs the join for an errored session with a fresh browser.
func (p *Pipeline) Retry(ctx context.Context, s *session.Session) error {
	if err := s.ResetForRetry(); err != nil {
		return err
	}
	go p.Join(ctx, s)
	return nil
}

// launch starts a browser and opens a page under the bounded retry policy.
// A half-launched browser from a failed attempt is closed before the next.
func (p *Pipeline) launch(ctx context.Context, s *session.Session, policy retrier.Policy, cancel context.CancelFunc) (schemas.Page, error) {
	var page schemas.Page

	err := policy.Run(ctx, "launch", func(ctx context.Context, attempt int) (func(), error) {
		browser, err := p.driver.Launch(ctx)
		if err != nil {
			return nil, fmt.Errorf("browser launch: %w", err)
		}
		pg, err := browser.NewPage(ctx)
		if err != nil {
			return func() {
				closeCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
				defer done()
				_ = browser.Close(closeCtx)
			}, fmt.Errorf("open page: %w", err)
		}
		s.AdoptHandles(browser, pg, cancel)
		page = pg
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

// navigate loads the meeting URL under retry, handling a redirect to an
// identity-provider login page along the way.
func (p *Pipeline) navigate(ctx context.Context, s *session.Session, page schemas.Page, res *resolver.Resolver, policy retrier.Policy, log *zap.Logger) error {
	err := policy.Run(ctx, "navigate", func(ctx context.Context, attempt int) (func(), error) {
		navCtx, done := context.WithTimeout(ctx, p.cfg.NavigationTimeout)
		defer done()
		if err := page.Navigate(navCtx, s.MeetingURL()); err != nil {
			return nil, fmt.Errorf("navigate to meeting: %w", err)
		}
		return nil, nil
	})
	if err != nil {
		return err
	}

	current, err := p.currentURL(ctx, page)
	if err != nil {
		return fmt.Errorf("read current url: %w", err)
	}
	if !platform.IsLoginRedirect(current) {
		return nil
	}

	log.Info("Meeting link redirected to a login page; authenticating.",
		zap.String("current_url", redact(current)))
	if err := s.Transition(schemas.StateAuthenticating); err != nil {
		return err
	}
	if err := p.authenticate(ctx, page, res, log); err != nil {
		return err
	}

	// Back through Navigating: re-load the meeting link with the fresh
	// identity and confirm the redirect is gone.
	if err := s.Transition(schemas.StateNavigating); err != nil {
		return err
	}
	navCtx, done := context.WithTimeout(ctx, p.cfg.NavigationTimeout)
	defer done()
	if err := page.Navigate(navCtx, s.MeetingURL()); err != nil {
		return fmt.Errorf("re-navigate after login: %w", err)
	}
	current, err = p.currentURL(ctx, page)
	if err != nil {
		return fmt.Errorf("read current url after login: %w", err)
	}
	if platform.IsLoginRedirect(current) {
		return errStillAtLogin
	}
	return nil
}

// authenticate submits the operator credentials on the provider's login
// form. Identity-provider pages two-step (email, then password), so each
// field is resolved independently and the next-button clicked in between.
func (p *Pipeline) authenticate(ctx context.Context, page schemas.Page, res *resolver.Resolver, log *zap.Logger) error {
	if p.auth.Email == "" || p.auth.Password == "" {
		return errNoCredentials
	}

	authCtx, done := context.WithTimeout(ctx, p.cfg.AuthTimeout)
	defer done()

	email, err := res.Resolve(authCtx, page, schemas.IntentLoginEmailInput, p.cfg.ElementBudget)
	if err != nil {
		return fmt.Errorf("login email field: %w", err)
	}
	if err := page.Type(authCtx, email, p.auth.Email); err != nil {
		return fmt.Errorf("type email: %w", err)
	}
	if next, err := res.Resolve(authCtx, page, schemas.IntentLoginNextButton, p.cfg.MediaBudget); err == nil {
		if err := page.Click(authCtx, next); err != nil {
			return fmt.Errorf("advance past email step: %w", err)
		}
	}

	password, err := res.Resolve(authCtx, page, schemas.IntentLoginPasswordInput, p.cfg.ElementBudget)
	if err != nil {
		return fmt.Errorf("login password field: %w", err)
	}
	if err := page.Type(authCtx, password, p.auth.Password); err != nil {
		return fmt.Errorf("type password: %w", err)
	}
	next, err := res.Resolve(authCtx, page, schemas.IntentLoginNextButton, p.cfg.MediaBudget)
	if err != nil {
		return fmt.Errorf("login submit button: %w", err)
	}
	if err := page.Click(authCtx, next); err != nil {
		return fmt.Errorf("submit credentials: %w", err)
	}
	log.Info("Submitted operator credentials.")
	return nil
}

// configureMedia prepares the pre-join screen: dismiss permission popups,
// set the guest display name, and mute mic and camera. Everything here is
// best effort; a meeting can still be joined with a default name or with
// media left on, so failures are logged and skipped, never fatal.
func (p *Pipeline) configureMedia(ctx context.Context, s *session.Session, page schemas.Page, res *resolver.Resolver, log *zap.Logger) {
	for i := 0; i < 3; i++ {
		popup, err := res.Resolve(ctx, page, schemas.IntentDismissPopup, p.cfg.MediaBudget/3)
		if err != nil {
			break
		}
		if err := p.interact(ctx, p.cfg.MediaBudget, func(ctx context.Context) error {
			return page.Click(ctx, popup)
		}); err != nil {
			log.Debug("Popup dismissal click failed.", zap.Error(err))
			break
		}
	}

	if name, err := res.Resolve(ctx, page, schemas.IntentNameInput, p.cfg.MediaBudget); err == nil {
		if err := p.interact(ctx, p.cfg.MediaBudget, func(ctx context.Context) error {
			return page.Type(ctx, name, p.cfg.GuestName)
		}); err != nil {
			log.Warn("Failed to set guest display name.", zap.Error(err))
		}
	} else {
		log.Debug("No guest name field on this pre-join screen.", zap.Error(err))
	}

	for _, intent := range []schemas.Intent{schemas.IntentMuteMicToggle, schemas.IntentMuteCamToggle} {
		toggle, err := res.Resolve(ctx, page, intent, p.cfg.MediaBudget)
		if err != nil {
			log.Warn("Media toggle not found; joining with defaults.",
				zap.String("intent", string(intent)))
			s.Recorder().Record(s.State(), "media toggle %s unavailable, continuing", intent)
			continue
		}
		if err := p.interact(ctx, p.cfg.MediaBudget, func(ctx context.Context) error {
			return page.Click(ctx, toggle)
		}); err != nil {
			log.Warn("Media toggle click failed.",
				zap.String("intent", string(intent)), zap.Error(err))
		}
	}
}

// clickJoin presses the join control under the retry policy and determines
// where the click landed: straight into the meeting, or in a waiting room.
func (p *Pipeline) clickJoin(ctx context.Context, s *session.Session, page schemas.Page, res *resolver.Resolver, policy retrier.Policy, log *zap.Logger) (admitted, waiting bool, err error) {
	err = policy.Run(ctx, "join", func(ctx context.Context, attempt int) (func(), error) {
		join, err := res.Resolve(ctx, page, schemas.IntentJoinButton, p.cfg.ElementBudget)
		if err != nil {
			return nil, err
		}
		if err := p.interact(ctx, p.cfg.ElementBudget, func(ctx context.Context) error {
			return page.Click(ctx, join)
		}); err != nil {
			return nil, fmt.Errorf("click join: %w", err)
		}

		// A waiting-room marker beats the in-meeting marker: hosts that
		// require admission show it within a few seconds of the click.
		if _, err := res.Resolve(ctx, page, schemas.IntentAdmissionMarker, p.cfg.AdmissionPoll); err == nil {
			waiting = true
			return nil, nil
		}
		if _, err := res.Resolve(ctx, page, schemas.IntentInMeetingMarker, p.cfg.ElementBudget); err != nil {
			return nil, fmt.Errorf("no in-meeting confirmation after join click: %w", err)
		}
		admitted = true
		return nil, nil
	})
	return admitted, waiting, err
}

// awaitAdmission polls for the in-meeting marker while the waiting room is
// showing, up to the admission budget.
func (p *Pipeline) awaitAdmission(ctx context.Context, s *session.Session, page schemas.Page, res *resolver.Resolver, log *zap.Logger) (bool, error) {
	log.Info("In waiting room; awaiting host admission.",
		zap.Duration("budget", p.cfg.AdmissionWait))

	deadline := p.clock.Now().Add(p.cfg.AdmissionWait)
	for {
		if _, err := res.Resolve(ctx, page, schemas.IntentInMeetingMarker, p.cfg.AdmissionPoll); err == nil {
			return true, nil
		}
		if p.clock.Now().After(deadline) {
			return false, errAdmissionTimeout
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-p.clock.After(p.cfg.AdmissionPoll):
		}
	}
}

// captureTranscript polls the captions region until the context is
// canceled (operator leave, returns nil) or the in-meeting marker stays
// missing long enough to call the meeting over (returns an error). Polls
// run strictly one at a time; the rate limiter drops ticks that a slow
// page has made overdue rather than letting them pile up.
func (p *Pipeline) captureTranscript(ctx context.Context, s *session.Session, page schemas.Page, res *resolver.Resolver, log *zap.Logger) error {
	limiter := rate.NewLimiter(rate.Limit(p.cfg.TranscriptRate), 1)
	missing := 0
	lastText := ""

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.clock.After(p.cfg.TranscriptInterval):
		}
		if !limiter.Allow() {
			continue
		}

		if _, err := res.Resolve(ctx, page, schemas.IntentInMeetingMarker, p.cfg.AdmissionPoll); err != nil {
			missing++
			if missing >= p.cfg.DisconnectThreshold {
				return fmt.Errorf("%w (missed %d consecutive checks)", errMarkerGone, missing)
			}
			continue
		}
		missing = 0

		captions, err := res.Resolve(ctx, page, schemas.IntentCaptionsRegion, p.cfg.AdmissionPoll)
		if err != nil {
			continue
		}
		text := strings.TrimSpace(captions.Text)
		if text == "" || text == lastText {
			continue
		}
		lastText = text
		if s.AppendTranscript(text) {
			log.Debug("Captured caption fragment.", zap.Int("length", len(text)))
		}
	}
}

// gracefulLeave clicks the platform's leave control before tearing the
// browser down, so the bot disappears from the roster instead of just
// going silent. The click is best effort; teardown happens regardless.
func (p *Pipeline) gracefulLeave(s *session.Session, page schemas.Page, res *resolver.Resolver, log *zap.Logger) {
	if err := s.Transition(schemas.StateLeaving); err != nil {
		// Already terminal (a Fail raced the leave); nothing left to do.
		s.CompleteLeave()
		return
	}

	leaveCtx, done := context.WithTimeout(context.Background(), p.cfg.LeaveTimeout)
	defer done()
	if page != nil {
		if leave, err := res.Resolve(leaveCtx, page, schemas.IntentLeaveButton, p.cfg.LeaveTimeout/2); err == nil {
			if err := page.Click(leaveCtx, leave); err != nil {
				log.Debug("Leave button click failed; closing browser anyway.", zap.Error(err))
			}
		}
	}
	s.CompleteLeave()
	log.Info("Session left the meeting.")
}

// finish routes a pipeline failure to the right terminal state: an
// explicit leave request wins over the error it interrupted.
func (p *Pipeline) finish(ctx context.Context, s *session.Session, page schemas.Page, res *resolver.Resolver, kind schemas.ErrorKind, err error) {
	if s.LeaveRequested() {
		p.gracefulLeave(s, page, res, s.Logger())
		return
	}
	if page != nil && !errors.Is(err, context.Canceled) {
		s.Recorder().Snapshot(ctx, page, "failure-"+string(kind))
	}
	s.Fail(kind, err)
}

// interact bounds a single page action (click, type, URL read). The
// resolver budgets its own waits; actions need the same treatment because
// a control can be re-rendered away between resolution and the action,
// leaving the driver waiting on an element that no longer exists.
func (p *Pipeline) interact(ctx context.Context, budget time.Duration, fn func(context.Context) error) error {
	actCtx, done := context.WithTimeout(ctx, budget)
	defer done()
	return fn(actCtx)
}

func (p *Pipeline) currentURL(ctx context.Context, page schemas.Page) (string, error) {
	var current string
	err := p.interact(ctx, p.cfg.ElementBudget, func(ctx context.Context) error {
		var err error
		current, err = page.CurrentURL(ctx)
		return err
	})
	return current, err
}

// redact trims query strings and fragments off URLs before they reach
// logs; login redirects embed continuation tokens there.
func redact(rawURL string) string {
	if i := strings.IndexAny(rawURL, "?#"); i >= 0 {
		return rawURL[:i]
	}
	return rawURL
}
