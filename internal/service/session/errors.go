package session

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound               = errors.New("session not found")
	ErrAlreadyExists          = errors.New("session already exists")
	ErrNotConnected           = errors.New("session is not connected")
	ErrInvalidSessionID       = errors.New("invalid session id")
	ErrInvalidRecipient       = errors.New("recipient is required")
	ErrNoPairingChallenge     = errors.New("no pairing challenge available")
	ErrUnsupportedMediaSource = errors.New("unsupported media source")
	ErrMediaTooLarge          = errors.New("media exceeds size limit")
	ErrMediaUnavailable       = errors.New("media could not be retrieved")
)

// DriverError wraps a failure reported by a session's transport.
type DriverError struct {
	SessionID string
	Op        string
	Err       error
}

func (e *DriverError) Error() string {
	return fmt.Sprintf("session %s: driver %s: %v", e.SessionID, e.Op, e.Err)
}

func (e *DriverError) Unwrap() error {
	return e.Err
}
