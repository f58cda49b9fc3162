package schemas

// Intent is a symbolic name for a UI control the element resolver must
// locate on a meeting page. The concrete locator strategies for an intent
// live in the selector table and are configuration, not code.
type Intent string

const (
	IntentJoinButton         Intent = "join_button"
	IntentNameInput          Intent = "name_input"
	IntentMuteMicToggle      Intent = "mute_mic_toggle"
	IntentMuteCamToggle      Intent = "mute_cam_toggle"
	IntentLeaveButton        Intent = "leave_button"
	IntentAdmissionMarker    Intent = "admission_marker"
	IntentInMeetingMarker    Intent = "in_meeting_marker"
	IntentCaptionsRegion     Intent = "captions_region"
	IntentDismissPopup       Intent = "dismiss_popup"
	IntentLoginEmailInput    Intent = "login_email_input"
	IntentLoginPasswordInput Intent = "login_password_input"
	IntentLoginNextButton    Intent = "login_next_button"
)

// StrategyKind distinguishes how a selector strategy locates an element.
type StrategyKind string

const (
	// StrategyText matches elements whose visible text contains a pattern.
	// Preferred over structural selectors: survives layout-only UI changes.
	StrategyText StrategyKind = "text"
	// StrategyAttribute matches on an attribute value (aria-label, data-*).
	StrategyAttribute StrategyKind = "attribute"
	// StrategyCSS is a raw CSS selector. Most brittle, lowest priority.
	StrategyCSS StrategyKind = "css"
)

// Strategy is one prioritized way of locating the element for an intent.
type Strategy struct {
	Kind        StrategyKind `json:"kind" mapstructure:"kind"`
	Query       string       `json:"query" mapstructure:"query"`
	Attr        string       `json:"attr,omitempty" mapstructure:"attr"`
	Description string       `json:"description" mapstructure:"description"`
	// Weight biases the share of the resolver's time budget this strategy
	// receives. Zero means an even split.
	Weight float64 `json:"weight,omitempty" mapstructure:"weight"`
}
