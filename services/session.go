// ABOUTME: Session state machine for the one2track web session
// ABOUTME: Tracks the scraped CSRF token, the _iadmin cookie, and the account id

package services

// Session is the mutable authentication state of one TrackerClient. The
// login flow is the only writer of the token and cookie. The account id,
// once discovered, survives invalidation: it is embedded in the vendor's
// URLs and stable for the life of the account. Sessions are never persisted
// across restarts; they are re-derived from credentials on demand.
//
// Transitions: empty -> authenticated (login flow) -> invalidated (rejected
// poll or expired cookie) -> re-authenticated (next cycle's login flow).
type Session struct {
	csrf      string
	cookie    string
	accountID string
}

// Authenticated reports whether a device fetch may be attempted. A fetch
// must never run while the cookie is empty.
func (s *Session) Authenticated() bool {
	return s.cookie != ""
}

// HasToken reports whether a CSRF token from a prior login-page fetch is held.
func (s *Session) HasToken() bool {
	return s.csrf != ""
}

// AccountID returns the discovered (or pre-configured) account id, "" if unknown.
func (s *Session) AccountID() string {
	return s.accountID
}

// Invalidate clears the token and cookie so the next cycle re-authenticates.
// The account id is deliberately kept.
func (s *Session) Invalidate() {
	s.csrf = ""
	s.cookie = ""
}

// setPreLogin records the token and cookie scraped from the login page.
func (s *Session) setPreLogin(csrf, cookie string) {
	s.csrf = csrf
	s.cookie = cookie
}

// setCookie overwrites the cookie from a successful login response,
// superseding the pre-login cookie.
func (s *Session) setCookie(cookie string) {
	s.cookie = cookie
}

func (s *Session) setAccountID(id string) {
	s.accountID = id
}
