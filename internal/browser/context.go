package browser

import (
	"context"
	"time"
)

// combineContext derives a context from primary that is additionally
// canceled when secondary ends. chromedp stores its connection state in
// context values, so the primary must always be the chromedp context and
// the secondary the caller's operational deadline.
func combineContext(primary, secondary context.Context) (context.Context, context.CancelFunc) {
	combined, cancel := context.WithCancel(primary)
	go func() {
		select {
		case <-secondary.Done():
			cancel()
		case <-combined.Done():
		}
	}()
	return combined, cancel
}

// valueOnlyContext keeps a parent's values but drops its deadline and
// cancellation.
type valueOnlyContext struct {
	context.Context
}

func (valueOnlyContext) Deadline() (time.Time, bool) { return time.Time{}, false }
func (valueOnlyContext) Done() <-chan struct{}       { return nil }
func (valueOnlyContext) Err() error                  { return nil }

// detach returns a context carrying the chromedp connection values of ctx
// without its cancellation. Teardown paths use it: a close must still reach
// the browser after the session's own context has been canceled.
func detach(ctx context.Context) context.Context {
	return valueOnlyContext{ctx}
}
