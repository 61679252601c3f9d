package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidUserID     = errors.New("invalid user id")
	ErrUserNotFound      = errors.New("user not found")
	ErrUsernameTaken     = errors.New("username already taken")
	ErrGuildNotFound     = errors.New("guild not found")
	ErrChannelNotFound   = errors.New("channel not found")
	ErrNotMember         = errors.New("user is not a guild member")
	ErrAlreadyMember     = errors.New("user is already a guild member")
	ErrInvalidEvent      = errors.New("invalid event")
	ErrInvalidToken      = errors.New("invalid token")
	ErrInvalidStatus     = errors.New("invalid presence status")
	ErrEmptyContent      = errors.New("message content is empty")
	ErrSessionNotFound   = errors.New("session not found")
	ErrIllegalTransition = errors.New("illegal session state transition")
)

// Gateway error taxonomy.
var (
	ErrProtocolViolation   = errors.New("protocol violation")
	ErrAuthFailure         = errors.New("authentication failed")
	ErrUnknownSession      = errors.New("unknown session")
	ErrHeartbeatTimeout    = errors.New("heartbeat timeout")
	ErrResumeWindowExpired = errors.New("resume window expired")
	ErrStorageUnavailable  = errors.New("storage unavailable")
)

// CloseError terminates a connection with a machine-readable code.
type CloseError struct {
	Code   CloseCode
	Reason string
	Err    error
}

func NewCloseError(code CloseCode, err error) *CloseError {
	return &CloseError{Code: code, Reason: code.Reason(), Err: err}
}

func (e *CloseError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("close %d: %s", e.Code, e.Reason)
	}
	return fmt.Sprintf("close %d: %s: %v", e.Code, e.Reason, e.Err)
}

func (e *CloseError) Unwrap() error { return e.Err }
