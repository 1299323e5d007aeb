package services

import "testing"

func TestSession_Transitions(t *testing.T) {
	var s Session

	// Fresh sessions allow nothing.
	if s.Authenticated() || s.HasToken() {
		t.Fatal("New session must be empty")
	}

	// Pre-login scrape populates both fields.
	s.setPreLogin("tok1", "pre")
	if !s.HasToken() || !s.Authenticated() {
		t.Error("Pre-login state should hold token and cookie")
	}

	// A successful login supersedes the pre-login cookie.
	s.setCookie("fresh")
	if s.cookie != "fresh" {
		t.Errorf("Expected cookie fresh, got %s", s.cookie)
	}

	s.setAccountID("42")

	// Invalidation clears token and cookie but keeps the account id.
	s.Invalidate()
	if s.Authenticated() || s.HasToken() {
		t.Error("Invalidate must clear token and cookie")
	}
	if s.AccountID() != "42" {
		t.Errorf("Invalidate must keep the account id, got %q", s.AccountID())
	}

	// Re-authentication works again after invalidation.
	s.setPreLogin("tok2", "pre2")
	s.setCookie("fresh2")
	if !s.Authenticated() || s.cookie != "fresh2" {
		t.Error("Session must be reusable after invalidation")
	}
}

func TestSession_PreLoginWithoutCookie(t *testing.T) {
	var s Session

	// A login page that sets no cookie leaves the session unauthenticated
	// but the token usable.
	s.setPreLogin("tok", "")
	if s.Authenticated() {
		t.Error("Empty cookie must not count as authenticated")
	}
	if !s.HasToken() {
		t.Error("Token should be held even without a cookie")
	}
}
