// Package selectors holds the per-platform, per-intent locator strategy
// tables. Strategies are ordered by observed reliability: text matches
// first (they survive layout churn), attribute matches second, raw CSS
// last. The built-in tables are a baseline; deployments override them via
// the `selectors` config section because meeting UIs change under our feet.
package selectors

import (
	"github.com/stenobot-io/stenobot/api/schemas"
)

// Table resolves an ordered strategy list for a (platform, intent) pair.
type Table struct {
	entries map[schemas.Platform]map[schemas.Intent][]schemas.Strategy
}

// NewTable builds the default table with optional config overrides applied.
// An override replaces the whole strategy list for its intent; partial
// merging would make the effective priority order impossible to reason about.
func NewTable(overrides map[string]map[string][]schemas.Strategy) *Table {
	entries := defaultEntries()
	for platform, intents := range overrides {
		p := schemas.Platform(platform)
		if _, ok := entries[p]; !ok {
			entries[p] = make(map[schemas.Intent][]schemas.Strategy)
		}
		for intent, strategies := range intents {
			if len(strategies) > 0 {
				entries[p][schemas.Intent(intent)] = strategies
			}
		}
	}
	return &Table{entries: entries}
}

// Strategies returns a copy of the ordered strategy list for the intent,
// or nil when the platform has no entry for it.
func (t *Table) Strategies(platform schemas.Platform, intent schemas.Intent) []schemas.Strategy {
	intents, ok := t.entries[platform]
	if !ok {
		return nil
	}
	src, ok := intents[intent]
	if !ok {
		return nil
	}
	out := make([]schemas.Strategy, len(src))
	copy(out, src)
	return out
}

func text(query, desc string) schemas.Strategy {
	return schemas.Strategy{Kind: schemas.StrategyText, Query: query, Description: desc}
}

func attr(name, query, desc string) schemas.Strategy {
	return schemas.Strategy{Kind: schemas.StrategyAttribute, Attr: name, Query: query, Description: desc}
}

func css(query, desc string) schemas.Strategy {
	return schemas.Strategy{Kind: schemas.StrategyCSS, Query: query, Description: desc}
}

func defaultEntries() map[schemas.Platform]map[schemas.Intent][]schemas.Strategy {
	return map[schemas.Platform]map[schemas.Intent][]schemas.Strategy{
		schemas.PlatformGoogleMeet: {
			schemas.IntentJoinButton: {
				text("Ask to join", "meet ask-to-join button"),
				text("Join now", "meet join-now button"),
				attr("aria-label", "Join", "meet join aria label"),
				css("div[role='button'][jsname]", "meet generic join control"),
			},
			schemas.IntentNameInput: {
				attr("placeholder", "Your name", "meet guest name placeholder"),
				attr("aria-label", "Your name", "meet guest name aria label"),
				css("input[type='text']", "meet first text input"),
			},
			schemas.IntentMuteMicToggle: {
				attr("aria-label", "Turn off microphone", "meet mic toggle aria label"),
				attr("data-is-muted", "false", "meet unmuted mic marker"),
				css("div[role='button'][data-mute-button]", "meet mic button"),
			},
			schemas.IntentMuteCamToggle: {
				attr("aria-label", "Turn off camera", "meet camera toggle aria label"),
				css("div[role='button'][data-video-button]", "meet camera button"),
			},
			schemas.IntentLeaveButton: {
				attr("aria-label", "Leave call", "meet leave call aria label"),
				css("button[jsname='CQylAd']", "meet leave call button"),
			},
			schemas.IntentAdmissionMarker: {
				text("Asking to be let in", "meet admission pending text"),
				text("You can't join this call", "meet admission denied text"),
			},
			schemas.IntentInMeetingMarker: {
				attr("aria-label", "Leave call", "meet in-call leave control"),
				css("div[data-meeting-title]", "meet meeting title bar"),
			},
			schemas.IntentCaptionsRegion: {
				css("div[aria-live='polite']", "meet live captions region"),
				attr("aria-label", "Captions", "meet captions aria label"),
			},
			schemas.IntentDismissPopup: {
				text("Got it", "meet got-it dialog"),
				text("Dismiss", "meet dismiss dialog"),
				text("Continue without microphone", "meet continue without devices"),
				attr("aria-label", "Close", "generic close button"),
			},
			schemas.IntentLoginEmailInput: {
				attr("type", "email", "google identifier input"),
				css("input#identifierId", "google identifier id"),
			},
			schemas.IntentLoginPasswordInput: {
				attr("type", "password", "google password input"),
				attr("name", "Passwd", "google password name"),
			},
			schemas.IntentLoginNextButton: {
				text("Next", "google next button"),
				css("div#identifierNext button", "google identifier next"),
			},
		},
		schemas.PlatformZoom: {
			schemas.IntentJoinButton: {
				text("Join", "zoom join button"),
				text("Join from Your Browser", "zoom web client link"),
				css("button.preview-join-button", "zoom preview join button"),
			},
			schemas.IntentNameInput: {
				attr("placeholder", "Your Name", "zoom name placeholder"),
				css("input#input-for-name", "zoom name input id"),
			},
			schemas.IntentMuteMicToggle: {
				attr("aria-label", "Mute", "zoom mute aria label"),
				css("button.join-audio-container__btn", "zoom audio button"),
			},
			schemas.IntentMuteCamToggle: {
				attr("aria-label", "Stop Video", "zoom stop video aria label"),
				css("button.send-video-container__btn", "zoom video button"),
			},
			schemas.IntentLeaveButton: {
				text("Leave", "zoom leave button"),
				attr("aria-label", "Leave", "zoom leave aria label"),
			},
			schemas.IntentAdmissionMarker: {
				text("waiting room", "zoom waiting room text"),
				text("The host will let you in soon", "zoom host admit text"),
			},
			schemas.IntentInMeetingMarker: {
				css("div.meeting-app", "zoom meeting app root"),
				attr("aria-label", "Leave", "zoom in-meeting leave control"),
			},
			schemas.IntentCaptionsRegion: {
				css("div.live-transcription-subtitle", "zoom live transcription region"),
				attr("aria-live", "polite", "zoom captions live region"),
			},
			schemas.IntentDismissPopup: {
				text("Got it", "zoom got-it dialog"),
				text("I Agree", "zoom terms dialog"),
				attr("aria-label", "close", "zoom close button"),
			},
			schemas.IntentLoginEmailInput: {
				attr("type", "email", "zoom email input"),
				css("input#email", "zoom email input id"),
			},
			schemas.IntentLoginPasswordInput: {
				attr("type", "password", "zoom password input"),
				css("input#password", "zoom password input id"),
			},
			schemas.IntentLoginNextButton: {
				text("Sign In", "zoom sign-in button"),
				css("button[type='submit']", "zoom login submit"),
			},
		},
		schemas.PlatformTeams: {
			schemas.IntentJoinButton: {
				text("Join now", "teams join now button"),
				attr("data-tid", "prejoin-join-button", "teams prejoin join tid"),
				css("button#prejoin-join-button", "teams prejoin join id"),
			},
			schemas.IntentNameInput: {
				attr("data-tid", "prejoin-display-name-input", "teams display name tid"),
				attr("placeholder", "Type your name", "teams name placeholder"),
			},
			schemas.IntentMuteMicToggle: {
				attr("data-tid", "toggle-mute", "teams mute toggle tid"),
				attr("aria-label", "Mute microphone", "teams mic aria label"),
			},
			schemas.IntentMuteCamToggle: {
				attr("data-tid", "toggle-video", "teams video toggle tid"),
				attr("aria-label", "Turn camera off", "teams camera aria label"),
			},
			schemas.IntentLeaveButton: {
				attr("data-tid", "call-hangup", "teams hangup tid"),
				attr("aria-label", "Leave", "teams leave aria label"),
			},
			schemas.IntentAdmissionMarker: {
				text("Someone in the meeting should let you in soon", "teams lobby text"),
				text("waiting in the lobby", "teams lobby waiting text"),
			},
			schemas.IntentInMeetingMarker: {
				attr("data-tid", "call-hangup", "teams in-call hangup control"),
				css("div[data-tid='call-canvas']", "teams call canvas"),
			},
			schemas.IntentCaptionsRegion: {
				attr("data-tid", "closed-caption-renderer", "teams captions renderer tid"),
				css("div.closed-captions-renderer", "teams captions renderer class"),
			},
			schemas.IntentDismissPopup: {
				text("Continue on this browser", "teams browser choice dialog"),
				text("Dismiss", "teams dismiss dialog"),
				attr("aria-label", "Close", "generic close button"),
			},
			schemas.IntentLoginEmailInput: {
				attr("name", "loginfmt", "microsoft account input"),
				attr("type", "email", "microsoft email input"),
			},
			schemas.IntentLoginPasswordInput: {
				attr("name", "passwd", "microsoft password input"),
				attr("type", "password", "microsoft password fallback"),
			},
			schemas.IntentLoginNextButton: {
				css("input#idSIButton9", "microsoft next/sign-in button"),
				text("Next", "microsoft next button"),
				text("Sign in", "microsoft sign-in button"),
			},
		},
	}
}
