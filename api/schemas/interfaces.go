package schemas

import (
	"context"
	"errors"
	"time"
)

// -- Browser Driver Port --
//
// The orchestrator drives whatever automation engine is behind these
// interfaces; it never talks CDP (or WebDriver) directly. The production
// implementation lives in internal/browser and speaks chromedp. Tests use
// an in-memory stub.

// ErrElementAbsent is returned by Page.Find when no element matched the
// strategy within the allotted time.
var ErrElementAbsent = errors.New("element not present")

// Driver launches browser processes.
type Driver interface {
	// Launch starts a browser instance. The returned Browser owns the
	// underlying process and must be closed exactly once.
	Launch(ctx context.Context) (Browser, error)
}

// Browser is a running browser instance. One session owns one Browser;
// instances are never shared across sessions.
type Browser interface {
	// NewPage opens a fresh tab/page in an isolated context.
	NewPage(ctx context.Context) (Page, error)
	// Close tears down the browser process and all of its pages.
	Close(ctx context.Context) error
}

// ElementHandle describes an element located by a strategy, with its
// interactability captured at discovery time. The Ref is a driver-scoped
// locator valid for subsequent Click/Type calls on the same page.
type ElementHandle struct {
	Ref     string
	Visible bool
	Enabled bool
	Text    string
}

// Usable reports whether the element can actually be interacted with.
// Presence in the DOM is not enough: meeting UIs keep hidden or disabled
// controls mounted during load.
func (e *ElementHandle) Usable() bool {
	return e != nil && e.Visible && e.Enabled
}

// Page is a single browser tab.
type Page interface {
	// Navigate loads the URL and waits for the document to be ready.
	Navigate(ctx context.Context, url string) error
	// CurrentURL returns the page's current location, after any redirects.
	CurrentURL(ctx context.Context) (string, error)
	// Find locates the first element matching the strategy, waiting until
	// the context deadline for it to appear. The handle's Visible/Enabled
	// flags reflect the element state at the moment of discovery.
	Find(ctx context.Context, strategy Strategy) (*ElementHandle, error)
	// Click clicks a previously found element.
	Click(ctx context.Context, el *ElementHandle) error
	// Type focuses a previously found element and types text into it.
	Type(ctx context.Context, el *ElementHandle, text string) error
	// BodyText returns the page's visible text, used for heuristic
	// detection of login challenges and admission prompts.
	BodyText(ctx context.Context) (string, error)
	// OuterHTML returns the serialized DOM for diagnostics snapshots.
	OuterHTML(ctx context.Context) (string, error)
	// Screenshot captures a PNG of the current viewport.
	Screenshot(ctx context.Context) ([]byte, error)
	// Close closes the tab. Closing the owning Browser also closes it.
	Close(ctx context.Context) error
}

// -- Diagnostics Sink --

// DiagnosticsSink receives operator-facing debugging artifacts. Sink
// failures must never fail the pipeline; callers log and move on.
type DiagnosticsSink interface {
	Append(line string) error
	WriteSnapshot(name string, data []byte) error
}

// -- Clock --

// Clock abstracts time for the retry policy and reaper so tests can run
// without real sleeps.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// RealClock is the production Clock backed by package time.
type RealClock struct{}

func (RealClock) Now() time.Time                         { return time.Now() }
func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
