package authclient

import (
	"errors"
	"fmt"
)

var (
	// ErrRefreshFailed matches every *RefreshError.
	ErrRefreshFailed = errors.New("token refresh failed")
	// ErrNoRefreshToken is the cause when a 401 arrives with no refresh token in the session.
	ErrNoRefreshToken = errors.New("no refresh token in session")
	// ErrEmptyAccessToken is the cause when the refresh endpoint answers without an access token.
	ErrEmptyAccessToken = errors.New("refresh response carries no access token")
)

// RefreshError ends a failed refresh episode. The same value is delivered to
// the leader and to every queued caller.
type RefreshError struct {
	// Cause is why the refresh failed, e.g. the refresh endpoint's
	// *transport.StatusError or ErrNoRefreshToken.
	Cause error
	// Trigger is the 401 that started the episode.
	Trigger error
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("%v: %v", ErrRefreshFailed, e.Cause)
}

// Is makes errors.Is(err, ErrRefreshFailed) hold.
func (e *RefreshError) Is(target error) bool {
	return target == ErrRefreshFailed
}

// Unwrap exposes the cause first, so errors.As finds the refresh endpoint's
// error ahead of the triggering 401.
func (e *RefreshError) Unwrap() []error {
	var errs []error
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	if e.Trigger != nil {
		errs = append(errs, e.Trigger)
	}
	return errs
}
