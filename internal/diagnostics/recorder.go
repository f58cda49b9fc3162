// Package diagnostics captures the operator-facing audit trail for a single
// session: a bounded ring of state-transition log lines plus page snapshots
// (screenshot and DOM) taken on failures. Everything here is best-effort; a
// broken sink must never fail the join pipeline.
package diagnostics

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stenobot-io/stenobot/api/schemas"
)

// Entry is one line of the session's diagnostic ring buffer.
type Entry struct {
	Time    time.Time            `json:"time"`
	State   schemas.SessionState `json:"state"`
	Message string               `json:"message"`
}

// Recorder is a per-session diagnostics collector. Safe for concurrent use.
type Recorder struct {
	logger *zap.Logger
	sink   schemas.DiagnosticsSink

	mu   sync.Mutex
	ring []Entry
	next int
	full bool
}

// NewRecorder creates a recorder with a ring of the given size. A nil sink
// keeps the ring but drops file artifacts.
func NewRecorder(size int, sink schemas.DiagnosticsSink, logger *zap.Logger) *Recorder {
	if size <= 0 {
		size = 200
	}
	return &Recorder{
		logger: logger.Named("diagnostics"),
		sink:   sink,
		ring:   make([]Entry, size),
	}
}

// Record appends a structured line to the ring and forwards it to the sink.
func (r *Recorder) Record(state schemas.SessionState, format string, args ...interface{}) {
	entry := Entry{
		Time:    time.Now().UTC(),
		State:   state,
		Message: fmt.Sprintf(format, args...),
	}

	r.mu.Lock()
	r.ring[r.next] = entry
	r.next = (r.next + 1) % len(r.ring)
	if r.next == 0 {
		r.full = true
	}
	r.mu.Unlock()

	if r.sink != nil {
		line := fmt.Sprintf("%s [%s] %s", entry.Time.Format(time.RFC3339Nano), entry.State, entry.Message)
		if err := r.sink.Append(line); err != nil {
			r.logger.Debug("Diagnostics sink append failed.", zap.Error(err))
		}
	}
}

// Tail returns the ring content, oldest first.
func (r *Recorder) Tail() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.full {
		out := make([]Entry, r.next)
		copy(out, r.ring[:r.next])
		return out
	}
	out := make([]Entry, 0, len(r.ring))
	out = append(out, r.ring[r.next:]...)
	out = append(out, r.ring[:r.next]...)
	return out
}

// Snapshot captures a screenshot and the serialized DOM through the sink.
// Called on failures and state transitions worth a post-mortem. Errors are
// logged and swallowed.
func (r *Recorder) Snapshot(ctx context.Context, page schemas.Page, label string) {
	if r.sink == nil || page == nil {
		return
	}

	snapCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	stamp := time.Now().UTC().Format("20060102T150405.000")

	if png, err := page.Screenshot(snapCtx); err != nil {
		r.logger.Debug("Screenshot capture failed.", zap.String("label", label), zap.Error(err))
	} else if err := r.sink.WriteSnapshot(fmt.Sprintf("%s-%s.png", stamp, label), png); err != nil {
		r.logger.Debug("Screenshot write failed.", zap.String("label", label), zap.Error(err))
	}

	if dom, err := page.OuterHTML(snapCtx); err != nil {
		r.logger.Debug("DOM capture failed.", zap.String("label", label), zap.Error(err))
	} else if err := r.sink.WriteSnapshot(fmt.Sprintf("%s-%s.html", stamp, label), []byte(dom)); err != nil {
		r.logger.Debug("DOM write failed.", zap.String("label", label), zap.Error(err))
	}
}
