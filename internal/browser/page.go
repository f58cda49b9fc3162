package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/stenobot-io/stenobot/api/schemas"
)

// findPollInterval paces the DOM probe while waiting for an element to
// appear. Meeting UIs mount controls asynchronously after load.
const findPollInterval = 150 * time.Millisecond

var refCounter atomic.Int64

// Page is one chromedp tab.
type Page struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger

	mu       sync.Mutex
	isClosed bool
}

var _ schemas.Page = (*Page)(nil)

func newPage(ctx context.Context, cancel context.CancelFunc, logger *zap.Logger) *Page {
	return &Page{ctx: ctx, cancel: cancel, logger: logger.Named("page")}
}

// Navigate loads the URL and waits for the document body to be ready.
func (p *Page) Navigate(ctx context.Context, url string) error {
	opCtx, opCancel := combineContext(p.ctx, ctx)
	defer opCancel()

	err := chromedp.Run(opCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("navigation canceled: %w", ctx.Err())
		}
		return fmt.Errorf("navigation failed: %w", err)
	}
	return nil
}

// CurrentURL returns the tab's location after any redirects.
func (p *Page) CurrentURL(ctx context.Context) (string, error) {
	opCtx, opCancel := combineContext(p.ctx, ctx)
	defer opCancel()

	var location string
	if err := chromedp.Run(opCtx, chromedp.Location(&location)); err != nil {
		return "", fmt.Errorf("failed to read location: %w", err)
	}
	return location, nil
}

// probeResult mirrors the JSON object the in-page probe returns.
type probeResult struct {
	Found   bool   `json:"found"`
	Visible bool   `json:"visible"`
	Enabled bool   `json:"enabled"`
	Text    string `json:"text"`
}

// findProbe locates an element in the page and tags it with a stable
// data attribute so later Click/Type calls can address it by CSS. The
// probe reports interactability as seen at discovery time.
const findProbe = `(() => {
	const kind = %s;
	const query = %s;
	const attr = %s;
	const ref = %s;

	const pick = () => {
		if (kind === "css") {
			return document.querySelector(query);
		}
		if (kind === "attribute") {
			return document.querySelector('[' + attr + '*=' + JSON.stringify(query) + ']');
		}
		const needle = query.toLowerCase();
		const candidates = document.querySelectorAll('button, a, span, div[role="button"], [role="button"]');
		for (const el of candidates) {
			const text = (el.textContent || '').trim().toLowerCase();
			if (text && text.includes(needle) && el.children.length < 4) {
				return el;
			}
		}
		return null;
	};

	const el = pick();
	if (!el) {
		return { found: false, visible: false, enabled: false, text: '' };
	}
	el.setAttribute('data-stenobot-ref', ref);

	const style = window.getComputedStyle(el);
	const rect = el.getBoundingClientRect();
	const visible = style.display !== 'none'
		&& style.visibility !== 'hidden'
		&& parseFloat(style.opacity || '1') > 0.01
		&& rect.width > 0 && rect.height > 0;
	const enabled = !el.disabled
		&& el.getAttribute('aria-disabled') !== 'true'
		&& !el.hasAttribute('disabled');

	return { found: true, visible: visible, enabled: enabled, text: (el.textContent || '').trim() };
})()`

// Find polls the DOM for an element matching the strategy until the context
// deadline. The first discovered element is returned with its state; an
// element that never appears yields schemas.ErrElementAbsent.
func (p *Page) Find(ctx context.Context, strategy schemas.Strategy) (*schemas.ElementHandle, error) {
	opCtx, opCancel := combineContext(p.ctx, ctx)
	defer opCancel()

	ref := fmt.Sprintf("sb-%d", refCounter.Add(1))
	script := fmt.Sprintf(findProbe,
		jsString(string(strategy.Kind)),
		jsString(strategy.Query),
		jsString(strategy.Attr),
		jsString(ref),
	)

	for {
		var result probeResult
		if err := chromedp.Run(opCtx, chromedp.Evaluate(script, &result)); err != nil {
			if opCtx.Err() != nil {
				return nil, schemas.ErrElementAbsent
			}
			return nil, fmt.Errorf("element probe failed: %w", err)
		}
		if result.Found {
			return &schemas.ElementHandle{
				Ref:     fmt.Sprintf(`[data-stenobot-ref=%q]`, ref),
				Visible: result.Visible,
				Enabled: result.Enabled,
				Text:    result.Text,
			}, nil
		}

		select {
		case <-opCtx.Done():
			return nil, schemas.ErrElementAbsent
		case <-time.After(findPollInterval):
		}
	}
}

// Click scrolls the element into view and clicks it.
func (p *Page) Click(ctx context.Context, el *schemas.ElementHandle) error {
	opCtx, opCancel := combineContext(p.ctx, ctx)
	defer opCancel()

	err := chromedp.Run(opCtx,
		chromedp.ScrollIntoView(el.Ref, chromedp.ByQuery),
		chromedp.WaitVisible(el.Ref, chromedp.ByQuery),
		chromedp.Click(el.Ref, chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("click failed for %s: %w", el.Ref, err)
	}
	return nil
}

// Type clears the element and types text into it.
func (p *Page) Type(ctx context.Context, el *schemas.ElementHandle, text string) error {
	opCtx, opCancel := combineContext(p.ctx, ctx)
	defer opCancel()

	err := chromedp.Run(opCtx,
		chromedp.ScrollIntoView(el.Ref, chromedp.ByQuery),
		chromedp.WaitVisible(el.Ref, chromedp.ByQuery),
		chromedp.Clear(el.Ref, chromedp.ByQuery),
		chromedp.SendKeys(el.Ref, text, chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("type failed for %s: %w", el.Ref, err)
	}
	return nil
}

// BodyText returns the visible text of the page body.
func (p *Page) BodyText(ctx context.Context) (string, error) {
	opCtx, opCancel := combineContext(p.ctx, ctx)
	defer opCancel()

	var text string
	if err := chromedp.Run(opCtx, chromedp.Text("body", &text, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("failed to read body text: %w", err)
	}
	return strings.TrimSpace(text), nil
}

// OuterHTML serializes the full document.
func (p *Page) OuterHTML(ctx context.Context) (string, error) {
	opCtx, opCancel := combineContext(p.ctx, ctx)
	defer opCancel()

	var html string
	if err := chromedp.Run(opCtx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("failed to capture DOM: %w", err)
	}
	return html, nil
}

// Screenshot captures the current viewport as PNG.
func (p *Page) Screenshot(ctx context.Context) ([]byte, error) {
	opCtx, opCancel := combineContext(p.ctx, ctx)
	defer opCancel()

	var buf []byte
	if err := chromedp.Run(opCtx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, fmt.Errorf("screenshot failed: %w", err)
	}
	return buf, nil
}

// Close shuts the tab down. Idempotent; closing the owning browser also
// closes every tab.
func (p *Page) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.isClosed {
		p.mu.Unlock()
		return nil
	}
	p.isClosed = true
	p.mu.Unlock()

	p.cancel()
	return nil
}

// jsString embeds a Go string as a safely quoted JS string literal.
func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
