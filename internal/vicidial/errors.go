package vicidial

import (
	"errors"
	"fmt"
)

// Login preconditions that live in the dialer's database
var (
	ErrUserNotFound  = errors.New("vicidial: user not found or inactive")
	ErrPhoneNotFound = errors.New("vicidial: phone login not found or inactive")
	ErrNoServer      = errors.New("vicidial: no active telephony server")
	ErrNoConference  = errors.New("vicidial: no available conference rooms")
	ErrNoSessionData = errors.New("vicidial: session is missing server connection data")
)

// UpstreamCommandError reports that a composed command could not be
// delivered to the dialer. The local session transition has already
// committed by the time this surfaces; callers report it, they do not roll
// back.
type UpstreamCommandError struct {
	Op  string
	Err error
}

func (e *UpstreamCommandError) Error() string {
	return fmt.Sprintf("vicidial: %s command failed: %v", e.Op, e.Err)
}

func (e *UpstreamCommandError) Unwrap() error {
	return e.Err
}

// NewUpstreamCommandError wraps a command delivery failure
func NewUpstreamCommandError(op string, err error) *UpstreamCommandError {
	return &UpstreamCommandError{Op: op, Err: err}
}
