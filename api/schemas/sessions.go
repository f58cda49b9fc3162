package schemas

import (
	"time"
)

// Platform identifies the third-party meeting product a URL belongs to.
type Platform string

const (
	PlatformGoogleMeet Platform = "google_meet"
	PlatformZoom       Platform = "zoom"
	PlatformTeams      Platform = "teams"
)

// SessionState is the lifecycle state of a meeting session. Transitions are
// owned by the join pipeline; see session.CanTransition for the allowed edges.
type SessionState string

const (
	StateCreated           SessionState = "Created"
	StateLaunching         SessionState = "Launching"
	StateNavigating        SessionState = "Navigating"
	StateAuthenticating    SessionState = "Authenticating"
	StateConfiguringMedia  SessionState = "ConfiguringMedia"
	StateJoining           SessionState = "Joining"
	StateAwaitingAdmission SessionState = "AwaitingAdmission"
	StateInMeeting         SessionState = "InMeeting"
	StateLeaving           SessionState = "Leaving"
	StateLeft              SessionState = "Left"
	StateError             SessionState = "Error"
)

// IsTerminal reports whether no further transitions can occur from the state.
func (s SessionState) IsTerminal() bool {
	return s == StateLeft || s == StateError
}

// TranscriptFragment is a single timestamped piece of caption text scraped
// from the meeting page. Fragments are append-only and never rewritten.
type TranscriptFragment struct {
	Timestamp time.Time `json:"timestamp"`
	Text      string    `json:"text"`
}

// SessionSnapshot is the read model returned by the control API. It is a
// point-in-time copy; it never aliases live session state.
type SessionSnapshot struct {
	ID            string        `json:"sessionId"`
	MeetingURL    string        `json:"meetingUrl"`
	Platform      Platform      `json:"platform"`
	State         SessionState  `json:"state"`
	StartedAt     time.Time     `json:"startedAt"`
	LastUpdatedAt time.Time     `json:"lastUpdatedAt"`
	LastError     *SessionError `json:"lastError,omitempty"`
}
