package session

import (
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stenobot-io/stenobot/api/schemas"
	"github.com/stenobot-io/stenobot/internal/diagnostics"
	"github.com/stenobot-io/stenobot/internal/platform"
)

const shardCount = 16

// SinkFactory builds the diagnostics sink for a newly created session.
// nil factories (and factory errors) degrade to ring-buffer-only diagnostics.
type SinkFactory func(sessionID string) (schemas.DiagnosticsSink, error)

type shard struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// Registry is the concurrency-safe map of live sessions. The map is sharded
// by session ID so a slow operation on one shard never stalls lookups on
// another; per-session mutation is synchronized inside Session itself.
type Registry struct {
	logger      *zap.Logger
	sinkFactory SinkFactory
	ringSize    int
	sessionTTL  time.Duration
	sweepEvery  time.Duration
	clock       schemas.Clock

	shards [shardCount]*shard

	stopOnce sync.Once
	started  bool
	stop     chan struct{}
	done     chan struct{}
}

// NewRegistry creates a registry. StartReaper must be called separately so
// tests can exercise the map without background goroutines.
func NewRegistry(ringSize int, sessionTTL, sweepEvery time.Duration, sinkFactory SinkFactory, logger *zap.Logger) *Registry {
	r := &Registry{
		logger:      logger.Named("registry"),
		sinkFactory: sinkFactory,
		ringSize:    ringSize,
		sessionTTL:  sessionTTL,
		sweepEvery:  sweepEvery,
		clock:       schemas.RealClock{},
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	for i := range r.shards {
		r.shards[i] = &shard{sessions: make(map[string]*Session)}
	}
	return r
}

// WithClock swaps the clock used by the reaper. Test hook.
func (r *Registry) WithClock(clock schemas.Clock) *Registry {
	r.clock = clock
	return r
}

func (r *Registry) shardFor(id string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return r.shards[h.Sum32()%shardCount]
}

// Create validates the meeting URL, derives the platform, and registers a
// fresh session in the Created state. The returned session is already
// visible to Get/List.
func (r *Registry) Create(meetingURL string) (*Session, error) {
	p, err := platform.Parse(meetingURL)
	if err != nil {
		return nil, err
	}

	id := uuid.New().String()

	var sink schemas.DiagnosticsSink
	if r.sinkFactory != nil {
		sink, err = r.sinkFactory(id)
		if err != nil {
			r.logger.Warn("Diagnostics sink unavailable for session.", zap.String("session_id", id), zap.Error(err))
			sink = nil
		}
	}
	recorder := diagnostics.NewRecorder(r.ringSize, sink, r.logger)

	s := New(id, meetingURL, p, recorder, r.logger)

	sh := r.shardFor(id)
	sh.mu.Lock()
	sh.sessions[id] = s
	sh.mu.Unlock()

	r.logger.Info("Session registered.",
		zap.String("session_id", id),
		zap.String("platform", string(p)))
	return s, nil
}

// Get returns the session or schemas.ErrSessionNotFound.
func (r *Registry) Get(id string) (*Session, error) {
	sh := r.shardFor(id)
	sh.mu.RLock()
	s, ok := sh.sessions[id]
	sh.mu.RUnlock()
	if !ok {
		return nil, schemas.ErrSessionNotFound
	}
	return s, nil
}

// List returns snapshots of every registered session, ordered by start time.
func (r *Registry) List() []schemas.SessionSnapshot {
	var out []schemas.SessionSnapshot
	for _, sh := range r.shards {
		sh.mu.RLock()
		for _, s := range sh.sessions {
			out = append(out, s.Snapshot())
		}
		sh.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Remove drops the session from the registry. The caller is responsible
// for having driven it to a terminal state first.
func (r *Registry) Remove(id string) {
	sh := r.shardFor(id)
	sh.mu.Lock()
	delete(sh.sessions, id)
	sh.mu.Unlock()
}

// StartReaper launches the background sweep that force-fails sessions stuck
// in a non-terminal state past the TTL. Browser crashes that never report
// failure would otherwise leak handles forever.
func (r *Registry) StartReaper() {
	r.started = true
	go func() {
		defer close(r.done)
		for {
			select {
			case <-r.stop:
				return
			case <-r.clock.After(r.sweepEvery):
				r.Sweep()
			}
		}
	}()
}

// Sweep runs one reaper pass. Exposed for tests and manual triggering.
func (r *Registry) Sweep() {
	cutoff := r.clock.Now().Add(-r.sessionTTL)
	for _, sh := range r.shards {
		sh.mu.RLock()
		stale := make([]*Session, 0)
		for _, s := range sh.sessions {
			if !s.State().IsTerminal() && s.LastUpdatedAt().Before(cutoff) {
				stale = append(stale, s)
			}
		}
		sh.mu.RUnlock()

		for _, s := range stale {
			r.logger.Warn("Reaping idle session.",
				zap.String("session_id", s.ID()),
				zap.String("state", string(s.State())))
			s.Fail(schemas.ErrKindReaped, errIdleTimeout)
		}
	}
}

// Stop terminates the reaper and waits for it to exit. Not safe to call
// concurrently with StartReaper.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	if r.started {
		<-r.done
	}
}

type idleTimeoutError struct{}

func (idleTimeoutError) Error() string {
	return "session exceeded inactivity TTL and was force-terminated"
}

var errIdleTimeout = idleTimeoutError{}
