package backend

import (
	"errors"
	"fmt"
)

// ConfigurationError indicates the hosted backend credentials are missing
// or unusable. Callers render a "not configured" state with a retry
// affordance; placeholder data is never substituted.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "backend not configured: " + e.Reason
}

// AuthErrorKind distinguishes the auth failures the UI renders inline.
type AuthErrorKind string

const (
	AuthInvalidCredentials AuthErrorKind = "invalid_credentials"
	AuthWeakPassword       AuthErrorKind = "weak_password"
	AuthEmailTaken         AuthErrorKind = "email_taken"
	AuthDuplicateSlug      AuthErrorKind = "duplicate_slug"
	AuthSessionMissing     AuthErrorKind = "session_missing"
	AuthUnknown            AuthErrorKind = "unknown"
)

// AuthError is a rejected auth or tenant operation: bad credentials, weak
// password, duplicate slug. These are typed results, not faults.
type AuthError struct {
	Kind    AuthErrorKind
	Status  int
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error (%s): %s", e.Kind, e.Message)
}

// NetworkError wraps a transient transport failure. These are the only
// errors the retry layer will re-attempt.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// IsConfiguration reports whether err is a ConfigurationError.
func IsConfiguration(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// IsNetwork reports whether err is a transient NetworkError.
func IsNetwork(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// AsAuthError extracts a typed AuthError when err carries one.
func AsAuthError(err error) (*AuthError, bool) {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}
