// Package mocks provides an in-memory implementation of the browser driver
// port. Tests script per-intent element behavior without a real browser.
package mocks

import (
	"context"
	"sync"

	"github.com/stenobot-io/stenobot/api/schemas"
	"github.com/stenobot-io/stenobot/internal/selectors"
)

// IntentTable returns a selector table where every intent on every platform
// has exactly one CSS strategy whose query is the intent name itself. The
// stub page dispatches on that query, which lets tests key behavior by
// intent instead of by brittle selector text.
func IntentTable() *selectors.Table {
	intents := []schemas.Intent{
		schemas.IntentJoinButton,
		schemas.IntentNameInput,
		schemas.IntentMuteMicToggle,
		schemas.IntentMuteCamToggle,
		schemas.IntentLeaveButton,
		schemas.IntentAdmissionMarker,
		schemas.IntentInMeetingMarker,
		schemas.IntentCaptionsRegion,
		schemas.IntentDismissPopup,
		schemas.IntentLoginEmailInput,
		schemas.IntentLoginPasswordInput,
		schemas.IntentLoginNextButton,
	}
	overrides := make(map[string]map[string][]schemas.Strategy)
	for _, p := range []schemas.Platform{schemas.PlatformGoogleMeet, schemas.PlatformZoom, schemas.PlatformTeams} {
		byIntent := make(map[string][]schemas.Strategy)
		for _, intent := range intents {
			byIntent[string(intent)] = []schemas.Strategy{{
				Kind:        schemas.StrategyCSS,
				Query:       string(intent),
				Description: "stub " + string(intent),
			}}
		}
		overrides[string(p)] = byIntent
	}
	return selectors.NewTable(overrides)
}

// FindResult scripts the outcome of a Find call for one intent.
type FindResult struct {
	Handle *schemas.ElementHandle
	Err    error
}

// UsableElement is a convenience result: present, visible, enabled.
func UsableElement(ref string) FindResult {
	return FindResult{Handle: &schemas.ElementHandle{Ref: ref, Visible: true, Enabled: true}}
}

// AbsentElement scripts schemas.ErrElementAbsent.
func AbsentElement() FindResult {
	return FindResult{Err: schemas.ErrElementAbsent}
}

// StubDriver implements schemas.Driver. Every Launch yields a StubBrowser
// sharing the driver's page script.
type StubDriver struct {
	mu        sync.Mutex
	launchErr []error // consumed per launch; nil entry = success
	launches  int
	browsers  []*StubBrowser
	script    *PageScript
}

// NewStubDriver creates a driver whose pages behave per script. A nil
// script resolves every intent to a usable element.
func NewStubDriver(script *PageScript) *StubDriver {
	if script == nil {
		script = NewPageScript()
	}
	return &StubDriver{script: script}
}

// FailLaunches queues errors returned by the next launches, in order.
func (d *StubDriver) FailLaunches(errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.launchErr = append(d.launchErr, errs...)
}

// Launches reports how many Launch calls were made.
func (d *StubDriver) Launches() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.launches
}

// Browsers returns every browser handed out so far.
func (d *StubDriver) Browsers() []*StubBrowser {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*StubBrowser, len(d.browsers))
	copy(out, d.browsers)
	return out
}

func (d *StubDriver) Launch(ctx context.Context) (schemas.Browser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.launches++
	if len(d.launchErr) > 0 {
		err := d.launchErr[0]
		d.launchErr = d.launchErr[1:]
		if err != nil {
			return nil, err
		}
	}
	b := &StubBrowser{script: d.script}
	d.browsers = append(d.browsers, b)
	return b, nil
}

// StubBrowser implements schemas.Browser and counts Close calls so tests
// can assert exactly-once release.
type StubBrowser struct {
	script *PageScript

	mu         sync.Mutex
	closeCount int
	pages      []*StubPage
}

func (b *StubBrowser) NewPage(ctx context.Context) (schemas.Page, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p := &StubPage{script: b.script}
	b.pages = append(b.pages, p)
	return p, nil
}

func (b *StubBrowser) Close(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeCount++
	return nil
}

// CloseCount reports how many times Close was invoked.
func (b *StubBrowser) CloseCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closeCount
}

// Pages returns the pages opened on this browser, in creation order.
func (b *StubBrowser) Pages() []*StubPage {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*StubPage, len(b.pages))
	copy(out, b.pages)
	return out
}

// PageScript holds the shared, mutable behavior of stub pages. All methods
// are safe for concurrent use; tests adjust behavior mid-flight to simulate
// UI changes (admission granted, captions updating, disconnects).
type PageScript struct {
	mu           sync.Mutex
	results      map[schemas.Intent]FindResult
	navigateErr  error
	redirectTo   string
	redirectOnce bool
	bodyText     string
}

// NewPageScript returns a script where every intent resolves to a usable
// element except the markers that would stall a default join: the admission
// marker is absent (no waiting room) and captions are empty.
func NewPageScript() *PageScript {
	s := &PageScript{results: make(map[schemas.Intent]FindResult)}
	s.Set(schemas.IntentAdmissionMarker, AbsentElement())
	s.Set(schemas.IntentCaptionsRegion, AbsentElement())
	return s
}

// Set scripts the result for an intent.
func (s *PageScript) Set(intent schemas.Intent, result FindResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[intent] = result
}

// SetCaptions makes the captions region resolve with the given text.
func (s *PageScript) SetCaptions(text string) {
	s.Set(schemas.IntentCaptionsRegion, FindResult{
		Handle: &schemas.ElementHandle{Ref: "captions", Visible: true, Enabled: true, Text: text},
	})
}

// SetNavigateErr makes Navigate fail.
func (s *PageScript) SetNavigateErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.navigateErr = err
}

// SetRedirect makes navigation land on a different URL, e.g. an IdP login.
func (s *PageScript) SetRedirect(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.redirectTo = url
	s.redirectOnce = false
}

// SetRedirectOnce redirects only the next navigation, simulating a login
// page that stops intercepting once credentials are accepted.
func (s *PageScript) SetRedirectOnce(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.redirectTo = url
	s.redirectOnce = true
}

// SetBodyText scripts the page's visible text.
func (s *PageScript) SetBodyText(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bodyText = text
}

func (s *PageScript) lookup(intent schemas.Intent) FindResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if res, ok := s.results[intent]; ok {
		return res
	}
	return FindResult{Handle: &schemas.ElementHandle{Ref: string(intent), Visible: true, Enabled: true}}
}

// StubPage implements schemas.Page against a PageScript.
type StubPage struct {
	script *PageScript

	mu          sync.Mutex
	currentURL  string
	closed      bool
	clicks      []string
	clickBounds []bool
	typed       map[string]string
	typeBounds  []bool
}

func (p *StubPage) Navigate(ctx context.Context, url string) error {
	p.script.mu.Lock()
	navErr := p.script.navigateErr
	redirect := p.script.redirectTo
	if p.script.redirectOnce {
		p.script.redirectTo = ""
		p.script.redirectOnce = false
	}
	p.script.mu.Unlock()

	if navErr != nil {
		return navErr
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if redirect != "" {
		p.currentURL = redirect
	} else {
		p.currentURL = url
	}
	return nil
}

func (p *StubPage) CurrentURL(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentURL, nil
}

func (p *StubPage) Find(ctx context.Context, strategy schemas.Strategy) (*schemas.ElementHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res := p.script.lookup(schemas.Intent(strategy.Query))
	if res.Err != nil {
		return nil, res.Err
	}
	if res.Handle == nil {
		return nil, schemas.ErrElementAbsent
	}
	handle := *res.Handle
	return &handle, nil
}

func (p *StubPage) Click(ctx context.Context, el *schemas.ElementHandle) error {
	_, bounded := ctx.Deadline()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clicks = append(p.clicks, el.Ref)
	p.clickBounds = append(p.clickBounds, bounded)
	return nil
}

func (p *StubPage) Type(ctx context.Context, el *schemas.ElementHandle, text string) error {
	_, bounded := ctx.Deadline()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.typed == nil {
		p.typed = make(map[string]string)
	}
	p.typed[el.Ref] = text
	p.typeBounds = append(p.typeBounds, bounded)
	return nil
}

func (p *StubPage) BodyText(ctx context.Context) (string, error) {
	p.script.mu.Lock()
	defer p.script.mu.Unlock()
	return p.script.bodyText, nil
}

func (p *StubPage) OuterHTML(ctx context.Context) (string, error) {
	return "<html><body>stub</body></html>", nil
}

func (p *StubPage) Screenshot(ctx context.Context) ([]byte, error) {
	return []byte{0x89, 'P', 'N', 'G'}, nil
}

func (p *StubPage) Close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// Clicks returns the refs clicked so far, in order.
func (p *StubPage) Clicks() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.clicks))
	copy(out, p.clicks)
	return out
}

// Typed returns the text typed into a ref.
func (p *StubPage) Typed(ref string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.typed[ref]
}

// ClickDeadlines reports, per recorded click, whether the context carried
// a deadline.
func (p *StubPage) ClickDeadlines() []bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]bool, len(p.clickBounds))
	copy(out, p.clickBounds)
	return out
}

// TypeDeadlines reports, per recorded Type call, whether the context
// carried a deadline.
func (p *StubPage) TypeDeadlines() []bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]bool, len(p.typeBounds))
	copy(out, p.typeBounds)
	return out
}
