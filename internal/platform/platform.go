// Package platform validates meeting URLs and derives the owning platform.
package platform

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/stenobot-io/stenobot/api/schemas"
)

// Canonical meeting-link shapes. These are deliberately strict: a URL that
// merely points at a platform's domain is not a joinable meeting link.
var (
	// meet.google.com/abc-defg-hij (optionally with query params).
	meetCodeRe = regexp.MustCompile(`^/[a-z]{3}-[a-z]{4}-[a-z]{3}$`)
	// zoom.us/j/123456789, with optional vanity subdomain (us02web.zoom.us).
	zoomJoinRe = regexp.MustCompile(`^/j/\d{9,11}$`)
	// Teams meetup-join deep links on teams.microsoft.com or teams.live.com.
	teamsJoinRe = regexp.MustCompile(`^/(l/meetup-join|meet)/`)
)

// Parse validates rawURL as a supported meeting link and returns the
// platform it belongs to. Unsupported or malformed input returns
// schemas.ErrInvalidMeetingURL.
func Parse(rawURL string) (schemas.Platform, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme != "https" || u.Host == "" {
		return "", fmt.Errorf("%w: %q", schemas.ErrInvalidMeetingURL, rawURL)
	}

	host := strings.ToLower(u.Hostname())
	path := u.EscapedPath()

	switch {
	case host == "meet.google.com":
		if meetCodeRe.MatchString(path) {
			return schemas.PlatformGoogleMeet, nil
		}
	case host == "zoom.us" || strings.HasSuffix(host, ".zoom.us"):
		if zoomJoinRe.MatchString(path) {
			return schemas.PlatformZoom, nil
		}
	case host == "teams.microsoft.com" || host == "teams.live.com":
		if teamsJoinRe.MatchString(path) {
			return schemas.PlatformTeams, nil
		}
	}

	return "", fmt.Errorf("%w: %q", schemas.ErrInvalidMeetingURL, rawURL)
}

// IsLoginRedirect reports whether the current location looks like an
// identity-provider challenge rather than the meeting page itself.
func IsLoginRedirect(currentURL string) bool {
	u, err := url.Parse(currentURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	switch {
	case host == "accounts.google.com":
		return true
	case host == "login.microsoftonline.com" || host == "login.live.com":
		return true
	case strings.HasSuffix(host, ".zoom.us") && strings.HasPrefix(u.EscapedPath(), "/signin"):
		return true
	}
	return false
}
