// ABOUTME: Error taxonomy for the one2track client
// ABOUTME: Distinguishes credential rejections from transient and fatal conditions

package services

import "errors"

// AuthenticationError indicates the vendor rejected the login flow: bad
// credentials, an inaccessible login or message page, or a page missing the
// CSRF token it must carry. Definitive is set when the credentials themselves
// were confirmed rejected; callers escalate that to the operator instead of
// retrying on the next cycle.
type AuthenticationError struct {
	Reason     string
	Definitive bool
}

func (e *AuthenticationError) Error() string {
	return "authentication failed: " + e.Reason
}

// IsAuthenticationError reports whether err is (or wraps) an AuthenticationError.
func IsAuthenticationError(err error) bool {
	var authErr *AuthenticationError
	return errors.As(err, &authErr)
}

// CredentialsRejected reports whether err is an authentication failure whose
// cause is confirmed-invalid credentials rather than an unavailable page.
func CredentialsRejected(err error) bool {
	var authErr *AuthenticationError
	return errors.As(err, &authErr) && authErr.Definitive
}
