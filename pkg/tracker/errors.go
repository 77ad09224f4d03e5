package tracker

import (
	"errors"
	"fmt"
)

// ErrUserNotFound reports that an email matched no member in any accessible
// project. Callers must treat this as distinct from an empty task list.
var ErrUserNotFound = errors.New("tracker: user not found in any project")

// AuthError is returned on HTTP 401/403. It is never retried.
type AuthError struct {
	StatusCode int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("tracker: authentication rejected (HTTP %d)", e.StatusCode)
}

// TransientNetworkError is returned after the transport has exhausted its
// retries for a connection, timeout, or 5xx failure.
type TransientNetworkError struct {
	Attempts int
	Err      error
}

func (e *TransientNetworkError) Error() string {
	return fmt.Sprintf("tracker: request failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *TransientNetworkError) Unwrap() error {
	return e.Err
}

// IsAuthError reports whether err is (or wraps) an AuthError.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsTransient reports whether err is (or wraps) a TransientNetworkError.
func IsTransient(err error) bool {
	var te *TransientNetworkError
	return errors.As(err, &te)
}
