package schemas

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies session failures for callers polling session state.
type ErrorKind string

const (
	ErrKindLaunchFailure         ErrorKind = "LaunchFailure"
	ErrKindNavigationFailure     ErrorKind = "NavigationFailure"
	ErrKindAuthenticationFailure ErrorKind = "AuthenticationFailure"
	ErrKindElementNotFound       ErrorKind = "ElementNotFound"
	ErrKindAdmissionTimeout      ErrorKind = "AdmissionTimeout"
	ErrKindDisconnected          ErrorKind = "DisconnectedDuringMeeting"
	ErrKindReaped                ErrorKind = "SessionReaped"
)

// Sentinel errors surfaced directly as 4xx responses by the control API.
// These are caller errors and are never retried.
var (
	ErrInvalidMeetingURL = errors.New("invalid or unsupported meeting URL")
	ErrSessionNotFound   = errors.New("session not found")
	ErrUnauthorized      = errors.New("unauthorized")
)

// SessionError is the structured error stored on a session when it enters
// the Error state. It is the only failure surface callers observe.
type SessionError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewSessionError wraps an underlying error with a classification.
func NewSessionError(kind ErrorKind, err error) *SessionError {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &SessionError{Kind: kind, Message: msg}
}

// AttemptOutcome records why a single locator strategy failed.
type AttemptOutcome string

const (
	OutcomeTimeout  AttemptOutcome = "timeout"
	OutcomeAbsent   AttemptOutcome = "absent"
	OutcomeHidden   AttemptOutcome = "present_but_hidden"
	OutcomeDisabled AttemptOutcome = "present_but_disabled"
)

// StrategyAttempt pairs a strategy with the reason it did not produce a
// usable element.
type StrategyAttempt struct {
	Strategy Strategy       `json:"strategy"`
	Outcome  AttemptOutcome `json:"outcome"`
}

// ElementNotFoundError reports that every strategy for an intent failed.
// It carries the per-strategy outcomes so a failed join is diagnosable
// rather than an opaque timeout.
type ElementNotFoundError struct {
	Intent   Intent
	Attempts []StrategyAttempt
}

func (e *ElementNotFoundError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "no usable element for intent %q after %d strategies", e.Intent, len(e.Attempts))
	for _, a := range e.Attempts {
		fmt.Fprintf(&sb, "; %s=%s (%s)", a.Strategy.Description, a.Outcome, a.Strategy.Kind)
	}
	return sb.String()
}
