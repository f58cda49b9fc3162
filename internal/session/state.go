package session

import (
	"github.com/stenobot-io/stenobot/api/schemas"
)

// allowedEdges is the session state machine. Transitions are strictly
// forward except the explicit retry edge out of Error, which restarts the
// pipeline with a fresh browser. Error is additionally reachable from every
// non-terminal state (encoded in CanTransition, not listed per edge).
var allowedEdges = map[schemas.SessionState][]schemas.SessionState{
	schemas.StateCreated:           {schemas.StateLaunching},
	schemas.StateLaunching:         {schemas.StateNavigating},
	schemas.StateNavigating:        {schemas.StateAuthenticating, schemas.StateConfiguringMedia},
	schemas.StateAuthenticating:    {schemas.StateNavigating},
	schemas.StateConfiguringMedia:  {schemas.StateJoining},
	schemas.StateJoining:           {schemas.StateAwaitingAdmission, schemas.StateInMeeting},
	schemas.StateAwaitingAdmission: {schemas.StateInMeeting},
	schemas.StateInMeeting:         {schemas.StateLeaving},
	schemas.StateLeaving:           {schemas.StateLeft},
	schemas.StateLeft:              {},
	schemas.StateError:             {schemas.StateLaunching},
}

// CanTransition reports whether the edge from -> to is part of the state
// machine. Leaving is reachable from any non-terminal state so that an
// explicit leave request can interrupt a join in progress.
func CanTransition(from, to schemas.SessionState) bool {
	if from == to {
		return false
	}
	if to == schemas.StateError {
		return !from.IsTerminal()
	}
	if to == schemas.StateLeaving {
		return !from.IsTerminal() && from != schemas.StateLeaving
	}
	for _, next := range allowedEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}
