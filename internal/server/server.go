// Package server exposes the HTTP control API: create join sessions, poll
// their state and transcript, and ask them to leave.
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/stenobot-io/stenobot/api/schemas"
	"github.com/stenobot-io/stenobot/internal/config"
	"github.com/stenobot-io/stenobot/internal/pipeline"
	"github.com/stenobot-io/stenobot/internal/session"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Server is the control-plane HTTP server. It owns no session state; the
// registry and pipeline do the work.
type Server struct {
	registry *session.Registry
	pipeline *pipeline.Pipeline
	cfg      config.ServerConfig
	logger   *zap.Logger
	httpSrv  *http.Server
}

// New wires the API handlers around a registry and pipeline.
func New(registry *session.Registry, pl *pipeline.Pipeline, cfg config.ServerConfig, logger *zap.Logger) *Server {
	s := &Server{
		registry: registry,
		pipeline: pl,
		cfg:      cfg,
		logger:   logger.Named("server"),
	}
	s.httpSrv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler builds the route table. Exposed so tests can drive the API with
// httptest without binding a port.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health stays outside auth: load balancers probe it without a token.
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.Handle("POST /sessions", s.authenticated(s.handleCreateSession))
	mux.Handle("GET /sessions", s.authenticated(s.handleListSessions))
	mux.Handle("GET /sessions/{id}", s.authenticated(s.handleGetSession))
	mux.Handle("GET /sessions/{id}/transcript", s.authenticated(s.handleGetTranscript))
	mux.Handle("GET /sessions/{id}/diagnostics", s.authenticated(s.handleGetDiagnostics))
	mux.Handle("POST /sessions/{id}/leave", s.authenticated(s.handleLeaveSession))
	mux.Handle("POST /sessions/{id}/retry", s.authenticated(s.handleRetrySession))

	return s.logged(mux)
}

// ListenAndServe blocks until the context is canceled, then drains with the
// configured shutdown grace.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Control API listening.", zap.String("addr", s.cfg.Addr))
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.httpSrv.Shutdown(shutdownCtx)
}

// -- middleware --

func (s *Server) logged(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("Request handled.",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// authenticated enforces the static bearer token. An empty configured key
// disables auth entirely, for local development only.
func (s *Server) authenticated(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIKey != "" {
			token, ok := bearerToken(r)
			if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.APIKey)) != 1 {
				s.writeError(w, http.StatusUnauthorized, schemas.ErrUnauthorized.Error())
				return
			}
		}
		next(w, r)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return header[len(prefix):], true
}

// -- handlers --

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createSessionRequest struct {
	MeetingURL string `json:"meetingUrl"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "request body must be JSON with a meetingUrl field")
		return
	}

	sess, err := s.registry.Create(req.MeetingURL)
	if err != nil {
		if errors.Is(err, schemas.ErrInvalidMeetingURL) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	s.pipeline.Start(sess)
	s.writeJSON(w, http.StatusAccepted, sess.Snapshot())
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	list := s.registry.List()
	if list == nil {
		list = []schemas.SessionSnapshot{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": list})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, sess.Snapshot())
}

type transcriptResponse struct {
	SessionID string                       `json:"sessionId"`
	State     schemas.SessionState         `json:"state"`
	Fragments []schemas.TranscriptFragment `json:"fragments"`
}

func (s *Server) handleGetTranscript(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	fragments := sess.Transcript()
	if fragments == nil {
		fragments = []schemas.TranscriptFragment{}
	}
	s.writeJSON(w, http.StatusOK, transcriptResponse{
		SessionID: sess.ID(),
		State:     sess.State(),
		Fragments: fragments,
	})
}

type diagnosticsResponse struct {
	SessionID string             `json:"sessionId"`
	Entries   []diagnosticsEntry `json:"entries"`
}

type diagnosticsEntry struct {
	Time    time.Time            `json:"time"`
	State   schemas.SessionState `json:"state"`
	Message string               `json:"message"`
}

func (s *Server) handleGetDiagnostics(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	tail := sess.Recorder().Tail()
	entries := make([]diagnosticsEntry, 0, len(tail))
	for _, e := range tail {
		entries = append(entries, diagnosticsEntry{Time: e.Time, State: e.State, Message: e.Message})
	}
	s.writeJSON(w, http.StatusOK, diagnosticsResponse{SessionID: sess.ID(), Entries: entries})
}

func (s *Server) handleLeaveSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	s.pipeline.Leave(sess)
	s.writeJSON(w, http.StatusOK, sess.Snapshot())
}

func (s *Server) handleRetrySession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if err := s.pipeline.Retry(context.Background(), sess); err != nil {
		s.writeError(w, http.StatusConflict, "session is not in a retryable state")
		return
	}
	s.writeJSON(w, http.StatusAccepted, sess.Snapshot())
}

// -- helpers --

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	sess, err := s.registry.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, schemas.ErrSessionNotFound.Error())
		return nil, false
	}
	return sess, true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Response encoding failed.", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
